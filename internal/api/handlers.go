package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"pillarpost/backend/internal/middleware"
	"pillarpost/backend/internal/repository"
	"pillarpost/backend/internal/services"
	"pillarpost/backend/internal/session"
	"pillarpost/backend/internal/tenancy"
	"pillarpost/backend/pkg/models"
)

const serviceName = "pillarpost"

// Version is reported by the health endpoint.
var Version = "dev"

// Provisioner creates tenants from signups.
type Provisioner interface {
	Provision(ctx context.Context, s tenancy.Signup) (*models.Tenant, *models.Domain, error)
	URLs() tenancy.URLBuilder
}

// PortalFinder looks up the portals an email address belongs to.
type PortalFinder interface {
	FindPortals(ctx context.Context, email string) ([]services.Portal, error)
}

// Billing applies provider events and builds provider URLs.
type Billing interface {
	ApplyEvent(ctx context.Context, ev services.BillingEvent) (*models.Tenant, error)
	CheckoutURL(t *models.Tenant, host string) (string, error)
	PortalURL(t *models.Tenant, host string) (string, error)
}

// Site serves the tenant surface.
type Site interface {
	Authenticate(ctx context.Context, scope *tenancy.Scope, email, password string) (*models.User, error)
	Dashboard(ctx context.Context, scope *tenancy.Scope) (*services.Dashboard, error)
	UpdateSettings(ctx context.Context, scope *tenancy.Scope, in services.Settings) error
}

// TenantLister lists registry tenants for operators.
type TenantLister interface {
	ListTenants(ctx context.Context, filter repository.TenantFilter) ([]*models.Tenant, error)
}

// Handler contains the HTTP handlers of both surfaces.
type Handler struct {
	provisioner Provisioner
	portals     PortalFinder
	billing     Billing
	site        Site
	tenants     TenantLister
	sessions    *session.Manager
	log         *zap.Logger
}

// Deps are the collaborators of a Handler.
type Deps struct {
	Provisioner Provisioner
	Portals     PortalFinder
	Billing     Billing
	Site        Site
	Tenants     TenantLister
	Sessions    *session.Manager
	Log         *zap.Logger
}

// NewHandler creates a new Handler with required dependencies
func NewHandler(d Deps) *Handler {
	return &Handler{
		provisioner: d.Provisioner,
		portals:     d.Portals,
		billing:     d.Billing,
		site:        d.Site,
		tenants:     d.Tenants,
		sessions:    d.Sessions,
		log:         d.Log,
	}
}

// HealthStatus represents the health check response
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
	Namespace string    `json:"namespace,omitempty"`
}

// HandleHealth returns basic health status (always returns 200 OK)
func (h *Handler) HandleHealth(c echo.Context) error {
	status := HealthStatus{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Service:   serviceName,
		Version:   Version,
	}
	if scope, ok := tenancy.ScopeFromContext(c.Request().Context()); ok {
		status.Namespace = scope.Namespace
	}
	return c.JSON(http.StatusOK, status)
}

// problem builds an error rendered as RFC 7807 problem details by
// ProblemErrorHandler.
func problem(status int, detail string) *echo.HTTPError {
	return echo.NewHTTPError(status, detail)
}

// ProblemErrorHandler renders every handler error as problem details.
// Unexpected errors are logged and reported without their cause.
func ProblemErrorHandler(log *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status := http.StatusInternalServerError
		detail := "Please try again."

		var he *echo.HTTPError
		if errors.As(err, &he) {
			status = he.Code
			detail = fmt.Sprint(he.Message)
		} else {
			log.Error("unhandled request error",
				zap.String("method", c.Request().Method),
				zap.String("path", c.Request().URL.Path),
				zap.Error(err))
		}

		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(status)
			return
		}
		middleware.WriteProblem(c.Response(), status, http.StatusText(status), detail)
	}
}

// validationDetail flattens validator errors into one readable line.
func validationDetail(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		msg := err.Error()
		if i := strings.Index(msg, ": "); i >= 0 {
			return msg[i+2:]
		}
		return msg
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

func requestScope(c echo.Context) (*tenancy.Scope, error) {
	scope, ok := tenancy.ScopeFromContext(c.Request().Context())
	if !ok {
		return nil, errors.New("request scope missing")
	}
	return scope, nil
}

func isSecure(c echo.Context) bool {
	return c.Scheme() == "https"
}
