// Package session issues and verifies tenant user sessions. A session is
// bound to the namespace it was issued in and is worthless anywhere else.
package session

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
)

// CookieName is the cookie carrying the session token.
const CookieName = "pp_session"

var (
	// ErrInvalidSession is returned for malformed, expired or forged tokens.
	ErrInvalidSession = errors.New("invalid session")
	// ErrNamespaceMismatch is returned when a valid session is presented to a
	// namespace other than the one that issued it.
	ErrNamespaceMismatch = errors.New("session belongs to another namespace")
)

// Claims are the JWT claims of a tenant session.
type Claims struct {
	Namespace string `json:"ns"`
	Admin     bool   `json:"adm,omitempty"`
	jwt.RegisteredClaims
}

// Manager signs and verifies HS256 session tokens.
type Manager struct {
	key   []byte
	ttl   time.Duration
	clock clock.Clock
}

// NewManager creates a Manager. A nil clock uses the wall clock.
func NewManager(signingKey string, ttl time.Duration, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{key: []byte(signingKey), ttl: ttl, clock: clk}
}

// Issue returns a signed token for userID in namespace.
func (m *Manager) Issue(userID, namespace string, admin bool) (string, error) {
	now := m.clock.Now()
	claims := Claims{
		Namespace: namespace,
		Admin:     admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.key)
}

// Parse verifies a token and checks it was issued for namespace.
func (m *Manager) Parse(token, namespace string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return m.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(m.clock.Now))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSession, err)
	}
	if claims.Namespace != namespace {
		return nil, fmt.Errorf("%w: %q", ErrNamespaceMismatch, claims.Namespace)
	}
	return claims, nil
}

// Cookie wraps a token in a host-only session cookie, so it is never sent to
// another tenant's subdomain.
func (m *Manager) Cookie(token string, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(m.ttl.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// ClearCookie expires the session cookie.
func ClearCookie(secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}
