package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"pillarpost/backend/internal/middleware"
	"pillarpost/backend/internal/services"
	"pillarpost/backend/internal/session"
	"pillarpost/backend/internal/tenancy"
)

type loginRequest struct {
	Email    string `json:"email" form:"email"`
	Password string `json:"password" form:"password"`
}

// HandleLoginPage describes the login form of the tenant site.
func (h *Handler) HandleLoginPage(c echo.Context) error {
	scope, err := requestScope(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"tenant": scope.Tenant.Name,
		"action": "/login/",
		"fields": []string{"email", "password"},
	})
}

// HandleLogin checks credentials against the tenant's own users and issues a
// session bound to its namespace.
func (h *Handler) HandleLogin(c echo.Context) error {
	scope, err := requestScope(c)
	if err != nil {
		return err
	}
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return problem(http.StatusBadRequest, "The login form could not be read.")
	}

	user, err := h.site.Authenticate(c.Request().Context(), scope, req.Email, req.Password)
	if err != nil {
		if errors.Is(err, services.ErrInvalidCredentials) {
			return problem(http.StatusUnauthorized, "Invalid email or password.")
		}
		return err
	}

	token, err := h.sessions.Issue(user.ID, scope.Namespace, user.IsAdmin)
	if err != nil {
		return err
	}
	c.SetCookie(h.sessions.Cookie(token, isSecure(c)))
	h.log.Info("user logged in", zap.String("namespace", scope.Namespace), zap.String("user_id", user.ID))
	return c.Redirect(http.StatusSeeOther, "/dashboard/")
}

// HandleLogout drops the session cookie.
func (h *Handler) HandleLogout(c echo.Context) error {
	c.SetCookie(session.ClearCookie(isSecure(c)))
	return c.Redirect(http.StatusSeeOther, "/login/")
}

// HandleDashboard renders the dashboard of the logged in user's tenant.
func (h *Handler) HandleDashboard(c echo.Context) error {
	scope, err := requestScope(c)
	if err != nil {
		return err
	}
	d, err := h.site.Dashboard(c.Request().Context(), scope)
	if err != nil {
		if errors.Is(err, tenancy.ErrProfileMissing) {
			return problem(http.StatusInternalServerError, "This site is not fully set up. Please contact support.")
		}
		return err
	}
	return c.JSON(http.StatusOK, d)
}

// HandleUpdateSettings applies a partial settings update. Only tenant
// administrators may change settings.
func (h *Handler) HandleUpdateSettings(c echo.Context) error {
	scope, err := requestScope(c)
	if err != nil {
		return err
	}
	claims, ok := middleware.SessionClaims(c)
	if !ok || !claims.Admin {
		return problem(http.StatusForbidden, "Only administrators can change settings.")
	}
	var in services.Settings
	if err := c.Bind(&in); err != nil {
		return problem(http.StatusBadRequest, "The settings could not be read.")
	}
	if err := h.site.UpdateSettings(c.Request().Context(), scope, in); err != nil {
		switch {
		case errors.Is(err, services.ErrInvalidSettings):
			return problem(http.StatusUnprocessableEntity, validationDetail(err))
		case errors.Is(err, tenancy.ErrProfileMissing):
			return problem(http.StatusInternalServerError, "This site is not fully set up. Please contact support.")
		}
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// HandleCheckout sends the tenant to the billing provider's checkout.
func (h *Handler) HandleCheckout(c echo.Context) error {
	scope, err := requestScope(c)
	if err != nil {
		return err
	}
	target, err := h.billing.CheckoutURL(scope.Tenant, tenancy.StripPort(c.Request().Host))
	if err != nil {
		return err
	}
	return c.Redirect(http.StatusSeeOther, target)
}

// HandleBillingPortal sends a paying tenant to the provider's self-service
// portal. Tenants that never paid go to checkout instead.
func (h *Handler) HandleBillingPortal(c echo.Context) error {
	scope, err := requestScope(c)
	if err != nil {
		return err
	}
	target, err := h.billing.PortalURL(scope.Tenant, tenancy.StripPort(c.Request().Host))
	if errors.Is(err, services.ErrNoBillingCustomer) {
		return c.Redirect(http.StatusSeeOther, tenancy.CheckoutPath)
	}
	if err != nil {
		return err
	}
	return c.Redirect(http.StatusSeeOther, target)
}
