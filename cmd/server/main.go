package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pillarpost/backend/internal/api"
	"pillarpost/backend/internal/auth"
	"pillarpost/backend/internal/config"
	"pillarpost/backend/internal/logging"
	"pillarpost/backend/internal/mcp"
	"pillarpost/backend/internal/middleware"
	"pillarpost/backend/internal/repository"
	"pillarpost/backend/internal/services"
	"pillarpost/backend/internal/session"
	"pillarpost/backend/internal/tenancy"
	"pillarpost/backend/internal/tls"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:          "server",
		Short:        "Pillarpost multi-tenant site platform",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to config.yaml")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Serve the public and tenant surfaces",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(cmd.Context(), configPath, serve)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply registry migrations to the reserved namespace",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(cmd.Context(), configPath, func(ctx context.Context, a *app) error {
					a.log.Info("Registry migrations applied", zap.String("namespace", a.cfg.Tenancy.ReservedNamespace))
					return nil
				})
			},
		},
		newProvisionCommand(&configPath),
	)
	return root
}

func newProvisionCommand(configPath *string) *cobra.Command {
	var s tenancy.Signup
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Provision a tenant from the command line",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), *configPath, func(ctx context.Context, a *app) error {
				t, d, err := a.provisioner.Provision(ctx, s)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "tenant %s ready at %s\n", t.ID, a.provisioner.URLs().LoginURL(d.Hostname))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&s.DisplayName, "name", "", "Organisation name")
	cmd.Flags().StringVar(&s.AdminEmail, "email", "", "Administrator email")
	cmd.Flags().StringVar(&s.AdminPassword, "password", "", "Administrator password")
	cmd.Flags().StringVar(&s.PlanHint, "plan", "", "Plan to start on")
	cmd.Flags().StringVar(&s.Subdomain, "subdomain", "", "Explicit subdomain")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

// app holds the collaborators every subcommand needs.
type app struct {
	cfg         *config.Config
	log         *zap.Logger
	namespaces  *repository.PostgresNamespaceStore
	registry    *repository.PostgresRegistry
	urls        tenancy.URLBuilder
	provisioner *tenancy.Provisioner
}

func withApp(ctx context.Context, configPath string, run func(context.Context, *app) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(cfg.Log.Level, cfg.Log.Format, "pillarpost")
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	reserved := cfg.Tenancy.ReservedNamespace
	pool, err := repository.NewPool(ctx, cfg.DSN(), reserved, cfg.DB.MaxConns, logger)
	if err != nil {
		logger.Error("Failed to initialize database", zap.Error(err))
		return err
	}
	defer pool.Close()
	logger.Info("Database connected", zap.String("host", cfg.DB.Host), zap.String("database", cfg.DB.Name))

	namespaces := repository.NewPostgresNamespaceStore(pool, reserved, logger)
	namespaces.SetAcquireTimeout(cfg.DB.AcquireTimeout)
	if err := namespaces.Migrate(ctx, reserved, repository.RegistryMigrations()); err != nil {
		logger.Error("Failed to migrate registry", zap.Error(err))
		return err
	}
	registry := repository.NewPostgresRegistry(pool, reserved)

	urls := tenancy.URLBuilder{
		Scheme:     cfg.Tenancy.Scheme,
		BaseDomain: cfg.Tenancy.BaseDomain,
		Port:       cfg.Tenancy.Port,
	}
	provisioner := tenancy.NewProvisioner(registry, namespaces, tenancy.ProvisionerOptions{
		Policy:  tenancy.NewPolicy(cfg.Tenancy),
		URLs:    urls,
		Timeout: cfg.Tenancy.ProvisionTimeout,
	}, logger)

	return run(ctx, &app{
		cfg:         cfg,
		log:         logger,
		namespaces:  namespaces,
		registry:    registry,
		urls:        urls,
		provisioner: provisioner,
	})
}

func serve(ctx context.Context, a *app) error {
	cfg, logger := a.cfg, a.log
	logger.Info("Starting Pillarpost",
		zap.String("environment", cfg.Environment),
		zap.String("base_domain", cfg.Tenancy.BaseDomain),
		zap.String("okta_domain", cfg.Auth.OktaDomain))

	var cache repository.KVStore
	if cfg.Redis.Addr != "" {
		client := repository.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		defer func() { _ = client.Close() }()
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("Resolver cache unavailable, resolving from the registry only", zap.Error(err))
		} else {
			cache = repository.NewRedisKVStore(client)
			logger.Info("Resolver cache enabled", zap.String("addr", cfg.Redis.Addr), zap.Duration("ttl", cfg.Redis.TTL))
		}
	}
	resolver := tenancy.NewResolver(a.registry, cache, cfg.Redis.TTL, logger)

	// Initialize service layer
	portals := services.NewPortalService(a.registry, a.urls)
	billing := services.NewBillingService(a.registry, resolver, a.urls, cfg.Billing.CheckoutURL, cfg.Billing.PortalURL, logger)
	site := services.NewSiteService(a.registry, resolver, logger)
	sessions := session.NewManager(cfg.Session.SigningKey, cfg.Session.TTL, clock.New())

	// Initialize authentication
	authz, err := auth.New(ctx, cfg, logger)
	if err != nil {
		logger.Warn("Operator login disabled", zap.Error(err))
		authz = nil
	}

	mcpServer := mcp.NewServer(mcp.Deps{
		Resolver:    resolver,
		Portals:     portals,
		Provisioner: a.provisioner,
		Registry:    a.registry,
		StaleAfter:  cfg.Tenancy.StaleAfter,
		Log:         logger,
	})

	h := api.NewHandler(api.Deps{
		Provisioner: a.provisioner,
		Portals:     portals,
		Billing:     billing,
		Site:        site,
		Tenants:     a.registry,
		Sessions:    sessions,
		Log:         logger,
	})
	opts := api.RouterOptions{
		Auth:            authz,
		MCP:             mcp.NewHTTPHandler(mcpServer.GetMCPServer()),
		OktaIssuer:      cfg.Auth.OktaDomain,
		SwaggerClientID: cfg.Auth.ClientID,
	}
	// MCP tool calls finish after their POST returns, so the stream keeps no pin
	dispatcher := middleware.NewIsolation(resolver, a.namespaces,
		api.NewPublicRouter(h, opts), api.NewTenantRouter(h, opts), logger).
		Unpinned(api.MCPPath)

	addr := cfg.HTTP.Addr
	if cfg.TLS.Enable {
		addr = cfg.HTTP.TLSAddr
	}
	server := &http.Server{
		Addr:         addr,
		Handler:      dispatcher,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Tenancy.ProvisionTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown handling
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting", zap.String("address", addr), zap.Bool("tls", cfg.TLS.Enable))
		if !cfg.TLS.Enable {
			serverErrors <- server.ListenAndServe()
			return
		}
		if err := ensureCertificate(cfg, logger); err != nil {
			serverErrors <- err
			return
		}
		serverErrors <- server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error", zap.Error(err))
			return err
		}
	case sig := <-shutdown:
		logger.Info("Shutdown signal received", zap.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown error", zap.Error(err))
			if err := server.Close(); err != nil {
				logger.Error("Server close error", zap.Error(err))
			}
		}
		logger.Info("Server stopped gracefully")
	}
	return nil
}

// ensureCertificate generates a development certificate for every tenant
// hostname when the configured files are missing.
func ensureCertificate(cfg *config.Config, logger *zap.Logger) error {
	if cfg.TLS.CertFile == "" || cfg.TLS.KeyFile == "" {
		return errors.New("tls enabled but cert_file or key_file is not set")
	}
	if _, err := os.Stat(cfg.TLS.CertFile); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	if !cfg.IsDev() {
		return fmt.Errorf("certificate %s not found", cfg.TLS.CertFile)
	}
	hosts := tls.TenantHosts(cfg.Tenancy.BaseDomain, cfg.TLS.Hostnames...)
	logger.Info("Generating self-signed certificate", zap.Strings("hosts", hosts))
	return tls.GenerateSelfSignedCert(cfg.TLS.CertFile, cfg.TLS.KeyFile, hosts)
}
