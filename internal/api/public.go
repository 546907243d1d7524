package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/oapi-codegen/runtime"
	"go.uber.org/zap"

	"pillarpost/backend/internal/auth"
	"pillarpost/backend/internal/repository"
	"pillarpost/backend/internal/services"
	"pillarpost/backend/internal/tenancy"
	"pillarpost/backend/pkg/models"
)

const noPortalsMessage = "No portals found"

type findPortalRequest struct {
	Email string `json:"email" form:"email"`
}

type findPortalResponse struct {
	Portals []services.Portal `json:"portals"`
	Message string            `json:"message,omitempty"`
}

// HandleLanding describes the public surface.
func (h *Handler) HandleLanding(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"service":     serviceName,
		"signup":      "/signup/",
		"find_portal": "/find-portal/",
		"docs":        "/docs",
	})
}

// HandleSignup provisions a tenant and redirects to its login page.
func (h *Handler) HandleSignup(c echo.Context) error {
	var s tenancy.Signup
	if err := c.Bind(&s); err != nil {
		return problem(http.StatusBadRequest, "The signup form could not be read.")
	}

	_, d, err := h.provisioner.Provision(c.Request().Context(), s)
	if err != nil {
		switch {
		case errors.Is(err, tenancy.ErrInvalidSignup):
			return problem(http.StatusUnprocessableEntity, validationDetail(err))
		case errors.Is(err, tenancy.ErrDomainAlreadyTaken):
			return problem(http.StatusConflict, "That site name is already taken. Please choose another.")
		}
		fields := []zap.Field{zap.String("display_name", s.DisplayName), zap.Error(err)}
		var perr *tenancy.ProvisioningError
		if errors.As(err, &perr) {
			fields = append(fields, zap.String("namespace", perr.Namespace), zap.String("step", perr.Step))
		}
		h.log.Error("signup failed", fields...)
		return problem(http.StatusInternalServerError, "We could not set up your site. Please try again.")
	}

	return c.Redirect(http.StatusSeeOther, h.provisioner.URLs().LoginURL(d.Hostname))
}

// HandleFindPortal lists the sites whose notification addresses include the
// submitted email.
func (h *Handler) HandleFindPortal(c echo.Context) error {
	var req findPortalRequest
	if err := c.Bind(&req); err != nil {
		return problem(http.StatusBadRequest, "The request could not be read.")
	}
	portals, err := h.portals.FindPortals(c.Request().Context(), req.Email)
	if err != nil {
		return err
	}
	resp := findPortalResponse{Portals: portals}
	if len(portals) == 0 {
		resp.Message = noPortalsMessage
	}
	return c.JSON(http.StatusOK, resp)
}

// HandleBillingWebhook applies a billing provider event. It is mounted on both
// surfaces and never depends on the request scope.
func (h *Handler) HandleBillingWebhook(c echo.Context) error {
	var ev services.BillingEvent
	if err := c.Bind(&ev); err != nil {
		return problem(http.StatusBadRequest, "The event could not be read.")
	}
	t, err := h.billing.ApplyEvent(c.Request().Context(), ev)
	switch {
	case errors.Is(err, services.ErrInvalidEvent):
		return problem(http.StatusBadRequest, err.Error())
	case errors.Is(err, tenancy.ErrTenantNotFound):
		return problem(http.StatusNotFound, "No tenant matches this event.")
	case errors.Is(err, repository.ErrCustomerRefTaken):
		return problem(http.StatusConflict, "The billing customer belongs to another tenant.")
	case err != nil:
		return err
	case t == nil:
		return c.JSON(http.StatusOK, map[string]string{"status": "ignored"})
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "applied", "tenant_id": t.ID, "active": t.Active})
}

// HandleListTenants lists registry tenants for an operator.
func (h *Handler) HandleListTenants(c echo.Context) error {
	op, ok := auth.OperatorFromContext(c.Request().Context())
	if !ok || !op.Can(auth.ScopeTenantsRead) {
		return problem(http.StatusForbidden, "insufficient scope")
	}

	var (
		status *string
		filter repository.TenantFilter
	)
	// parameters are declared form style, exploded, in openapi.yaml
	query := c.QueryParams()
	for name, dest := range map[string]any{
		"status": &status,
		"active": &filter.Active,
		"limit":  &filter.Limit,
		"offset": &filter.Offset,
	} {
		if err := runtime.BindQueryParameter("form", true, false, name, query, dest); err != nil {
			return problem(http.StatusBadRequest, "Invalid query parameter: "+name)
		}
	}
	if status != nil {
		switch st := models.TenantStatus(*status); st {
		case models.TenantStatusProvisioning, models.TenantStatusReady:
			filter.Status = &st
		default:
			return problem(http.StatusBadRequest, "Unknown tenant status.")
		}
	}

	tenants, err := h.tenants.ListTenants(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	if tenants == nil {
		tenants = []*models.Tenant{}
	}
	return c.JSON(http.StatusOK, tenants)
}
