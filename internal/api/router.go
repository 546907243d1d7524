package api

import (
	"net/http"

	"github.com/benbjohnson/clock"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"pillarpost/backend/internal/auth"
	"pillarpost/backend/internal/middleware"
)

// MCPPath is where the operator tool endpoint is mounted.
const MCPPath = "/mcp"

// RouterOptions configures the optional parts of the routers.
type RouterOptions struct {
	// Auth enables the operator routes. Without it /admin and /mcp are not
	// mounted.
	Auth *auth.Auth
	// MCP is the operator tool endpoint, served behind Auth.
	MCP             http.Handler
	OktaIssuer      string
	SwaggerClientID string
	Clock           clock.Clock
}

func newEcho(h *Handler, service string) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = ProblemErrorHandler(h.log)

	e.Use(echomw.Recover())
	e.Use(otelecho.Middleware(service))
	e.Use(middleware.AccessLog(h.log))
	return e
}

// NewPublicRouter builds the surface served when the host names no tenant:
// signup, portal discovery, the shared billing webhook, API docs and the
// operator routes.
func NewPublicRouter(h *Handler, opts RouterOptions) *echo.Echo {
	e := newEcho(h, serviceName+"-public")

	e.GET("/", h.HandleLanding)
	e.GET("/healthz", h.HandleHealth)
	e.POST("/signup/", h.HandleSignup)
	e.POST("/find-portal/", h.HandleFindPortal)
	e.POST("/billing/webhook/", h.HandleBillingWebhook)

	// expose OpenAPI spec (with runtime substitution) and Swagger UI
	e.GET("/openapi.yaml", echo.WrapHandler(SpecHandler(opts.OktaIssuer)))
	e.GET("/docs", echo.WrapHandler(SwaggerHandler(opts.SwaggerClientID)))
	e.GET("/docs/oauth2-redirect.html", echo.WrapHandler(http.HandlerFunc(OAuthRedirectHandler)))

	if opts.Auth == nil {
		return e
	}
	authz := opts.Auth

	e.GET("/admin/login", echo.WrapHandler(http.HandlerFunc(authz.LoginHandler)))
	e.GET("/admin/callback", echo.WrapHandler(http.HandlerFunc(authz.CallbackHandler)))
	e.GET("/admin/logout", echo.WrapHandler(http.HandlerFunc(authz.LogoutHandler)))

	admin := e.Group("/admin")
	admin.Use(echo.WrapMiddleware(authz.RequireAuth))
	admin.GET("/tenants", h.HandleListTenants, echo.WrapMiddleware(func(next http.Handler) http.Handler {
		return auth.RequireScope(auth.ScopeTenantsRead, next)
	}))

	if opts.MCP != nil {
		mcpHandler := echo.WrapHandler(authz.RequireAuth(opts.MCP))
		e.Any(MCPPath, mcpHandler)
		e.Any(MCPPath+"/*", mcpHandler)
	}
	return e
}

// NewTenantRouter builds the surface served on a tenant's own hostname. Every
// route runs behind the subscription guard.
func NewTenantRouter(h *Handler, opts RouterOptions) *echo.Echo {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	e := newEcho(h, serviceName+"-tenant")
	e.Use(middleware.SubscriptionGuard(clk))

	e.GET("/healthz", h.HandleHealth)
	e.GET("/login/", h.HandleLoginPage)
	e.POST("/login/", h.HandleLogin)
	e.POST("/logout/", h.HandleLogout)
	e.POST("/billing/webhook/", h.HandleBillingWebhook)

	requireSession := middleware.RequireSession(h.sessions, h.log)
	e.GET("/dashboard/", h.HandleDashboard, requireSession)
	e.PATCH("/settings/", h.HandleUpdateSettings, requireSession)
	e.GET("/billing/checkout/", h.HandleCheckout, requireSession)
	e.GET("/billing/portal/", h.HandleBillingPortal, requireSession)
	return e
}
