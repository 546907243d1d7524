package main

import (
	"context"
	"errors"
	"flag"

	"go.uber.org/zap"

	"pillarpost/backend/internal/config"
	"pillarpost/backend/internal/logging"
	"pillarpost/backend/internal/repository"
	"pillarpost/backend/internal/tenancy"
	"pillarpost/backend/pkg/models"
)

func main() {
	ctx := context.Background()

	configPath := flag.String("config", "", "Path to config.yaml")
	subdomain := flag.String("subdomain", "dev", "Subdomain of the development tenant")
	email := flag.String("email", "admin@pillarpost.test", "Email of the development administrator")
	password := flag.String("password", "dev-password-123", "Password of the development administrator")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		panic(err)
	}
	logger, err := logging.NewLogger(cfg.Log.Level, "console", "pillarpost-seed")
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	reserved := cfg.Tenancy.ReservedNamespace
	pool, err := repository.NewPool(ctx, cfg.DSN(), reserved, cfg.DB.MaxConns, logger)
	if err != nil {
		logger.Fatal("Failed to connect to DB", zap.Error(err))
	}
	defer pool.Close()

	namespaces := repository.NewPostgresNamespaceStore(pool, reserved, logger)
	namespaces.SetAcquireTimeout(cfg.DB.AcquireTimeout)
	if err := namespaces.Migrate(ctx, reserved, repository.RegistryMigrations()); err != nil {
		logger.Fatal("Failed to migrate registry", zap.Error(err))
	}
	registry := repository.NewPostgresRegistry(pool, reserved)
	urls := tenancy.URLBuilder{Scheme: cfg.Tenancy.Scheme, BaseDomain: cfg.Tenancy.BaseDomain, Port: cfg.Tenancy.Port}

	// 1. Ensure Tenant Exists
	host := urls.Host(*subdomain)
	tenant, err := registry.GetTenantByHostname(ctx, host)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		logger.Info("Provisioning development tenant", zap.String("host", host))
		provisioner := tenancy.NewProvisioner(registry, namespaces, tenancy.ProvisionerOptions{
			Policy:  tenancy.NewPolicy(cfg.Tenancy),
			URLs:    urls,
			Timeout: cfg.Tenancy.ProvisionTimeout,
		}, logger)
		tenant, _, err = provisioner.Provision(ctx, tenancy.Signup{
			DisplayName:   "Local Dev Firm",
			AdminEmail:    *email,
			AdminPassword: *password,
			Subdomain:     *subdomain,
		})
		if err != nil {
			logger.Fatal("Failed to provision tenant", zap.Error(err))
		}
	case err != nil:
		logger.Fatal("Failed to look up tenant", zap.Error(err))
	default:
		logger.Info("Found existing tenant", zap.String("id", tenant.ID))
	}

	// 2. Seed jobs inside the tenant namespace
	h, err := namespaces.Pin(ctx, tenant.Namespace)
	if err != nil {
		logger.Fatal("Failed to pin tenant namespace", zap.Error(err))
	}
	defer h.Release(ctx)
	store := repository.NewTenantStore(h)

	count, err := store.CountJobs(ctx)
	if err != nil {
		logger.Fatal("Failed to count jobs", zap.Error(err))
	}
	if count > 0 {
		logger.Info("Jobs already seeded", zap.Int("count", count))
		return
	}

	jobs := []*models.Job{
		{Title: "Senior Associate, Corporate", Salary: "£95,000", Location: "London",
			Summary: "M&A associate for a growing corporate team.", Description: "Five years PQE in public company M&A."},
		{Title: "Head of Finance", Salary: "£120,000", Location: "Manchester",
			Summary: "Lead a finance function of twelve.", Description: "Qualified accountant with group reporting experience."},
		{Title: "Talent Partner", Salary: "£55,000", Location: "Remote",
			Summary: "Own hiring for the engineering organisation.", Description: "In-house recruitment experience in technology."},
	}
	for _, j := range jobs {
		if err := store.CreateJob(ctx, j); err != nil {
			logger.Error("Failed to create job", zap.String("title", j.Title), zap.Error(err))
			continue
		}
		logger.Info("Seeded job", zap.String("title", j.Title), zap.String("id", j.ID))
	}
	logger.Info("Seeding complete!", zap.String("login_url", urls.LoginURL(host)))
}
