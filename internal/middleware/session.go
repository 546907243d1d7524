package middleware

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"pillarpost/backend/internal/session"
	"pillarpost/backend/internal/tenancy"
)

const claimsKey = "session_claims"

// RequireSession rejects requests without a session issued by the pinned
// namespace.
func RequireSession(m *session.Manager, log *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			scope, ok := tenancy.ScopeFromContext(c.Request().Context())
			if !ok {
				return echo.NewHTTPError(http.StatusInternalServerError, "request scope missing")
			}
			cookie, err := c.Cookie(session.CookieName)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "login required")
			}
			claims, err := m.Parse(cookie.Value, scope.Namespace)
			if err != nil {
				if errors.Is(err, session.ErrNamespaceMismatch) {
					log.Warn("cross-namespace session rejected", zap.String("namespace", scope.Namespace), zap.Error(err))
				}
				return echo.NewHTTPError(http.StatusUnauthorized, "login required")
			}
			c.Set(claimsKey, claims)
			return next(c)
		}
	}
}

// SessionClaims returns the claims stored by RequireSession.
func SessionClaims(c echo.Context) (*session.Claims, bool) {
	claims, ok := c.Get(claimsKey).(*session.Claims)
	return claims, ok
}
