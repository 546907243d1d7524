package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/coreos/go-oidc"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"pillarpost/backend/internal/config"
)

const (
	stateCookie   = "pp_admin_state"
	idTokenCookie = "pp_admin_token"

	loginPath   = "/admin/login"
	landingPath = "/admin/tenants"
)

// Operator is a platform staff member authenticated through the identity
// provider. Operators never act inside a tenant namespace.
type Operator struct {
	Email  string
	Scopes []string
}

// Can reports whether the operator was granted scope.
func (o *Operator) Can(scope string) bool {
	return slices.Contains(o.Scopes, scope)
}

type operatorKey struct{}

// WithOperator returns a copy of ctx carrying op.
func WithOperator(ctx context.Context, op *Operator) context.Context {
	return context.WithValue(ctx, operatorKey{}, op)
}

// OperatorFromContext returns the operator attached by RequireAuth.
func OperatorFromContext(ctx context.Context) (*Operator, bool) {
	op, ok := ctx.Value(operatorKey{}).(*Operator)
	return op, ok && op != nil
}

// Auth contains configuration and helpers for performing OpenID Connect
// authentication of operators with an Okta tenant.
type Auth struct {
	oauth2Config *oauth2.Config
	verifier     *oidc.IDTokenVerifier
	apiVerifier  *oidc.IDTokenVerifier
	logger       *zap.Logger
	devMode      bool
	authBypass   bool
}

// New creates a new Auth object using values from the application
// configuration. It establishes a connection to the provider and prepares an
// ID token verifier.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Auth, error) {
	isDev := cfg.IsDev()
	shouldBypass := isDev && cfg.DevModeBypass

	var oauth2Config *oauth2.Config
	var verifier *oidc.IDTokenVerifier
	var apiVerifier *oidc.IDTokenVerifier

	if !shouldBypass {
		if cfg.Auth.OktaDomain == "" || cfg.Auth.ClientID == "" ||
			cfg.Auth.ClientSecret == "" || cfg.Auth.RedirectURL == "" {
			return nil, errors.New("auth configuration is incomplete")
		}

		provider, err := oidc.NewProvider(ctx, cfg.Auth.OktaDomain)
		if err != nil {
			return nil, err
		}

		oauth2Config = &oauth2.Config{
			ClientID:     cfg.Auth.ClientID,
			ClientSecret: cfg.Auth.ClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  cfg.Auth.RedirectURL,
			Scopes:       AllScopes,
		}

		verifier = provider.Verifier(&oidc.Config{ClientID: cfg.Auth.ClientID})

		// Access tokens carry an API audience (e.g. "api://default"), not the client ID.
		apiVerifier = provider.Verifier(&oidc.Config{SkipClientIDCheck: true})
	}

	return &Auth{
		oauth2Config: oauth2Config,
		verifier:     verifier,
		apiVerifier:  apiVerifier,
		logger:       logger,
		devMode:      isDev,
		authBypass:   shouldBypass,
	}, nil
}

// LoginHandler initiates the OAuth2 authorization code flow by redirecting the
// operator to the Okta authorization endpoint. A random state value is stored
// in a cookie to mitigate CSRF attacks.
func (a *Auth) LoginHandler(w http.ResponseWriter, r *http.Request) {
	if a.authBypass {
		http.Redirect(w, r, landingPath, http.StatusSeeOther)
		return
	}

	state, err := generateState()
	if err != nil {
		http.Error(w, "failed to generate state", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		HttpOnly: true,
		Path:     "/admin/",
		Secure:   !a.devMode,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, a.oauth2Config.AuthCodeURL(state), http.StatusTemporaryRedirect)
}

// CallbackHandler handles the redirect back from Okta. It verifies the state
// parameter, exchanges the code for tokens, validates the ID token, and sets a
// session cookie containing the raw ID token.
func (a *Auth) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	if a.authBypass {
		http.Redirect(w, r, landingPath, http.StatusSeeOther)
		return
	}

	cookie, err := r.Cookie(stateCookie)
	if err != nil || r.URL.Query().Get("state") != cookie.Value {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}

	token, err := a.oauth2Config.Exchange(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		a.logger.Warn("operator token exchange failed", zap.Error(err))
		http.Error(w, "token exchange failed", http.StatusInternalServerError)
		return
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		http.Error(w, "no id_token in token response", http.StatusInternalServerError)
		return
	}

	if _, err := a.verifier.Verify(r.Context(), rawIDToken); err != nil {
		http.Error(w, "failed to verify id token", http.StatusUnauthorized)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     idTokenCookie,
		Value:    rawIDToken,
		HttpOnly: true,
		Path:     "/",
		Secure:   !a.devMode,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, landingPath, http.StatusSeeOther)
}

// RequireAuth is middleware that ensures a valid operator token is present,
// either as a Bearer access token or as the ID token cookie set by the login
// flow. Cookie sessions are interactive and receive every operator scope.
func (a *Auth) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var op *Operator

		if a.authBypass {
			op = &Operator{Email: "dev@localhost", Scopes: AllScopes}
		} else {
			var claims struct {
				Email string   `json:"email"`
				Sub   string   `json:"sub"`
				Scp   []string `json:"scp"`
			}

			if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
				rawToken := strings.TrimPrefix(authHeader, "Bearer ")
				token, err := a.apiVerifier.Verify(r.Context(), rawToken)
				if err != nil {
					http.Error(w, "invalid token", http.StatusUnauthorized)
					return
				}
				if err := token.Claims(&claims); err != nil {
					http.Error(w, "failed to parse token claims", http.StatusUnauthorized)
					return
				}
				op = &Operator{Email: claims.Email, Scopes: claims.Scp}
				if op.Email == "" {
					op.Email = claims.Sub
				}
			} else {
				cookie, err := r.Cookie(idTokenCookie)
				if err != nil {
					http.Redirect(w, r, loginPath, http.StatusSeeOther)
					return
				}
				token, err := a.verifier.Verify(r.Context(), cookie.Value)
				if err != nil {
					http.Redirect(w, r, loginPath, http.StatusSeeOther)
					return
				}
				if err := token.Claims(&claims); err != nil {
					http.Error(w, "failed to parse token claims", http.StatusUnauthorized)
					return
				}
				op = &Operator{Email: claims.Email, Scopes: AllScopes}
			}
		}

		if a.logger != nil {
			a.logger.Debug("operator authenticated", zap.String("operator", op.Email), zap.String("path", r.URL.Path))
		}
		next.ServeHTTP(w, r.WithContext(WithOperator(r.Context(), op)))
	})
}

// RequireScope rejects operators that were not granted scope. It must run
// behind RequireAuth.
func RequireScope(scope string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		op, ok := OperatorFromContext(r.Context())
		if !ok || !op.Can(scope) {
			http.Error(w, "insufficient scope", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// LogoutHandler clears the session cookie and redirects to the home page.
func (a *Auth) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:   idTokenCookie,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
