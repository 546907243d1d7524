package middleware

import (
	"net/http"

	"github.com/benbjohnson/clock"
	"github.com/labstack/echo/v4"

	"pillarpost/backend/internal/tenancy"
)

// SubscriptionGuard redirects tenants without a paid subscription or live
// trial to checkout. Register it with Use so it runs after routing.
func SubscriptionGuard(clk clock.Clock) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			scope, ok := tenancy.ScopeFromContext(c.Request().Context())
			if !ok {
				return echo.NewHTTPError(http.StatusInternalServerError, "request scope missing")
			}
			d := tenancy.Decide(scope.Tenant, c.Request().URL.Path, clk.Now())
			if !d.Allow {
				return c.Redirect(d.Status, d.Redirect)
			}
			return next(c)
		}
	}
}
