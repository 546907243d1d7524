package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"pillarpost/backend/internal/auth"
	"pillarpost/backend/internal/services"
	"pillarpost/backend/internal/tenancy"
	"pillarpost/backend/pkg/models"
)

// Resolver maps hostnames to tenants.
type Resolver interface {
	Resolve(ctx context.Context, host string) (*models.Tenant, error)
}

// PortalFinder looks up the portals an email address belongs to.
type PortalFinder interface {
	FindPortals(ctx context.Context, email string) ([]services.Portal, error)
}

// Provisioner creates and removes tenants.
type Provisioner interface {
	Provision(ctx context.Context, s tenancy.Signup) (*models.Tenant, *models.Domain, error)
	Deprovision(ctx context.Context, t *models.Tenant) error
}

// Registry is the part of the tenant registry the tools read.
type Registry interface {
	GetTenant(ctx context.Context, id string) (*models.Tenant, error)
	ListStale(ctx context.Context, startedBefore time.Time) ([]*models.Tenant, error)
}

// Deps are the collaborators of the operator tools.
type Deps struct {
	Resolver    Resolver
	Portals     PortalFinder
	Provisioner Provisioner
	Registry    Registry
	// StaleAfter is how long a tenant may stay in provisioning before it is
	// reported as stale.
	StaleAfter time.Duration
	Clock      clock.Clock
	Log        *zap.Logger
}

// Server exposes operator tools over the Model Context Protocol.
type Server struct {
	mcpServer *server.MCPServer
	deps      Deps
}

func NewServer(deps Deps) *Server {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	s := &Server{
		mcpServer: server.NewMCPServer(
			"Pillarpost Tenancy",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
		deps: deps,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"resolve_host",
			mcp.WithDescription("Resolve a hostname to its tenant"),
			mcp.WithString("host", mcp.Required(), mcp.Description("Hostname, optionally with a port")),
		),
		s.handleResolveHost,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"find_portals",
			mcp.WithDescription("List the tenant sites an email address receives notifications for"),
			mcp.WithString("email", mcp.Required(), mcp.Description("Email address")),
		),
		s.handleFindPortals,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"provision_tenant",
			mcp.WithDescription("Provision a new tenant site"),
			mcp.WithString("display_name", mcp.Required(), mcp.Description("Organisation name")),
			mcp.WithString("admin_email", mcp.Required(), mcp.Description("Email of the first administrator")),
			mcp.WithString("admin_password", mcp.Required(), mcp.Description("Initial administrator password")),
			mcp.WithString("plan_hint", mcp.Description("Plan to start on")),
			mcp.WithString("subdomain", mcp.Description("Explicit subdomain instead of one derived from the name")),
		),
		s.handleProvisionTenant,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_stale_tenants",
			mcp.WithDescription("List tenants stuck in provisioning"),
		),
		s.handleListStale,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"deprovision_stale_tenant",
			mcp.WithDescription("Remove a tenant stuck in provisioning together with its namespace"),
			mcp.WithString("tenant_id", mcp.Required(), mcp.Description("The ID of the tenant")),
		),
		s.handleDeprovisionStale,
	)
}

func (s *Server) handleResolveHost(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	host, err := request.RequireString("host")
	if err != nil || host == "" {
		return mcp.NewToolResultError("Missing required parameter: host"), nil
	}

	t, err := s.deps.Resolver.Resolve(ctx, host)
	switch {
	case errors.Is(err, tenancy.ErrTenantNotFound):
		return mcp.NewToolResultText(fmt.Sprintf("%s is served by the public site", tenancy.StripPort(host))), nil
	case errors.Is(err, tenancy.ErrTenantNotReady):
		return mcp.NewToolResultText(fmt.Sprintf("%s belongs to a tenant that is still provisioning", tenancy.StripPort(host))), nil
	case err != nil:
		return mcp.NewToolResultError(fmt.Sprintf("Failed to resolve: %v", err)), nil
	}
	return jsonResult(t)
}

func (s *Server) handleFindPortals(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	email, err := request.RequireString("email")
	if err != nil || email == "" {
		return mcp.NewToolResultError("Missing required parameter: email"), nil
	}

	portals, err := s.deps.Portals.FindPortals(ctx, email)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to find portals: %v", err)), nil
	}
	return jsonResult(portals)
}

func (s *Server) handleProvisionTenant(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	op, denied := requireScope(ctx, auth.ScopeTenantsWrite)
	if denied != nil {
		return denied, nil
	}

	signup := tenancy.Signup{
		DisplayName:   request.GetString("display_name", ""),
		AdminEmail:    request.GetString("admin_email", ""),
		AdminPassword: request.GetString("admin_password", ""),
		PlanHint:      request.GetString("plan_hint", ""),
		Subdomain:     request.GetString("subdomain", ""),
	}
	t, d, err := s.deps.Provisioner.Provision(ctx, signup)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to provision: %v", err)), nil
	}
	s.deps.Log.Info("tenant provisioned by operator",
		zap.String("operator", op.Email),
		zap.String("tenant_id", t.ID),
		zap.String("namespace", t.Namespace))

	return jsonResult(map[string]any{"tenant": t, "domain": d})
}

func (s *Server) handleListStale(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if _, denied := requireScope(ctx, auth.ScopeTenantsRead); denied != nil {
		return denied, nil
	}

	stale, err := s.deps.Registry.ListStale(ctx, s.staleBefore())
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list stale tenants: %v", err)), nil
	}
	if stale == nil {
		stale = []*models.Tenant{}
	}
	return jsonResult(stale)
}

func (s *Server) handleDeprovisionStale(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	op, denied := requireScope(ctx, auth.ScopeTenantsWrite)
	if denied != nil {
		return denied, nil
	}
	id, err := request.RequireString("tenant_id")
	if err != nil || id == "" {
		return mcp.NewToolResultError("Missing required parameter: tenant_id"), nil
	}

	t, err := s.deps.Registry.GetTenant(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to load tenant: %v", err)), nil
	}
	// ready tenants and fresh signups are never touched here
	if t.Ready() || t.CreatedAt.After(s.staleBefore()) {
		return mcp.NewToolResultError(fmt.Sprintf("Tenant %s is not stale", id)), nil
	}
	if err := s.deps.Provisioner.Deprovision(ctx, t); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to deprovision: %v", err)), nil
	}
	s.deps.Log.Info("stale tenant removed by operator",
		zap.String("operator", op.Email),
		zap.String("tenant_id", t.ID),
		zap.String("namespace", t.Namespace))

	return mcp.NewToolResultText(fmt.Sprintf("Removed tenant %s and namespace %s", t.ID, t.Namespace)), nil
}

func (s *Server) staleBefore() time.Time {
	return s.deps.Clock.Now().Add(-s.deps.StaleAfter)
}

func requireScope(ctx context.Context, scope string) (*auth.Operator, *mcp.CallToolResult) {
	op, ok := auth.OperatorFromContext(ctx)
	if !ok {
		return nil, mcp.NewToolResultError("Operator authentication required")
	}
	if !op.Can(scope) {
		return nil, mcp.NewToolResultError(fmt.Sprintf("Missing scope: %s", scope))
	}
	return op, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

// NewHTTPHandler serves the SSE transport under /mcp. The handler must run
// behind operator authentication; tool calls see the operator through the
// request context.
func NewHTTPHandler(mcpServer *server.MCPServer) http.Handler {
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))

	mux := http.NewServeMux()
	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		// Direct POST for tool calls
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	// SSE endpoints
	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
	return mux
}
