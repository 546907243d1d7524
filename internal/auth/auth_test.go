package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coreos/go-oidc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"pillarpost/backend/internal/config"
)

// MockKeySet satisfies oidc.KeySet to bypass signature verification
type MockKeySet struct{}

func (m *MockKeySet) VerifySignature(ctx context.Context, jwtToken string) ([]byte, error) {
	parts := strings.Split(jwtToken, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed jwt")
	}
	return base64.RawURLEncoding.DecodeString(parts[1])
}

const (
	testIssuer   = "https://test-issuer.com"
	testClientID = "test-client"
)

func fakeToken(t *testing.T, claims map[string]any) string {
	t.Helper()
	headerBytes, err := json.Marshal(map[string]any{"alg": "RS256", "typ": "JWT", "kid": "test-key"})
	require.NoError(t, err)
	payload, err := json.Marshal(claims)
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(headerBytes) + "." +
		base64.RawURLEncoding.EncodeToString(payload) + "." +
		base64.RawURLEncoding.EncodeToString([]byte("fakesignature"))
}

func baseClaims() map[string]any {
	return map[string]any{
		"iss": testIssuer,
		"aud": testClientID,
		"sub": "operator-1",
		"exp": time.Now().Add(time.Hour).Unix(),
		"iat": time.Now().Add(-1 * time.Minute).Unix(),
	}
}

func testAuth(t *testing.T) *Auth {
	return &Auth{
		verifier:    oidc.NewVerifier(testIssuer, &MockKeySet{}, &oidc.Config{ClientID: testClientID}),
		apiVerifier: oidc.NewVerifier(testIssuer, &MockKeySet{}, &oidc.Config{SkipClientIDCheck: true}),
		logger:      zaptest.NewLogger(t),
	}
}

func captureOperator(t *testing.T, got **Operator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		op, ok := OperatorFromContext(r.Context())
		assert.True(t, ok, "operator should be in context")
		*got = op
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireAuth_BearerToken_ExtractsOperator(t *testing.T) {
	claims := baseClaims()
	claims["email"] = "ops@pillarpost.io"
	claims["scp"] = []string{ScopeTenantsRead}

	req := httptest.NewRequest("GET", "/admin/tenants", nil)
	req.Header.Set("Authorization", "Bearer "+fakeToken(t, claims))
	rec := httptest.NewRecorder()

	var op *Operator
	testAuth(t).RequireAuth(captureOperator(t, &op)).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "ops@pillarpost.io", op.Email)
	assert.True(t, op.Can(ScopeTenantsRead))
	assert.False(t, op.Can(ScopeTenantsWrite))
}

func TestRequireAuth_CookieSession(t *testing.T) {
	claims := baseClaims()
	claims["email"] = "ops@pillarpost.io"

	req := httptest.NewRequest("GET", "/admin/tenants", nil)
	req.AddCookie(&http.Cookie{Name: idTokenCookie, Value: fakeToken(t, claims)})
	rec := httptest.NewRecorder()

	var op *Operator
	testAuth(t).RequireAuth(captureOperator(t, &op)).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, op.Can(ScopeTenantsWrite))
}

func TestRequireAuth_Rejections(t *testing.T) {
	a := testAuth(t)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next must not be called")
	})

	rec := httptest.NewRecorder()
	a.RequireAuth(next).ServeHTTP(rec, httptest.NewRequest("GET", "/admin/tenants", nil))
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, loginPath, rec.Header().Get("Location"))

	expired := baseClaims()
	expired["exp"] = time.Now().Add(-time.Hour).Unix()
	req := httptest.NewRequest("GET", "/admin/tenants", nil)
	req.Header.Set("Authorization", "Bearer "+fakeToken(t, expired))
	rec = httptest.NewRecorder()
	a.RequireAuth(next).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	wrongIssuer := baseClaims()
	wrongIssuer["iss"] = "https://evil.example.com"
	req = httptest.NewRequest("GET", "/admin/tenants", nil)
	req.Header.Set("Authorization", "Bearer "+fakeToken(t, wrongIssuer))
	rec = httptest.NewRecorder()
	a.RequireAuth(next).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAuth_BypassMode(t *testing.T) {
	cfg := &config.Config{
		Environment:   "DEV",
		DevModeBypass: true,
	}
	a, err := New(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	var op *Operator
	rec := httptest.NewRecorder()
	a.RequireAuth(captureOperator(t, &op)).ServeHTTP(rec, httptest.NewRequest("GET", "/admin/tenants", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "dev@localhost", op.Email)
}

func TestNew_IncompleteConfig(t *testing.T) {
	_, err := New(context.Background(), &config.Config{Environment: "PROD"}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestRequireScope(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	h := RequireScope(ScopeTenantsWrite, ok)

	req := httptest.NewRequest("POST", "/mcp/message", nil)
	req = req.WithContext(WithOperator(req.Context(), &Operator{Email: "ro@x", Scopes: []string{ScopeTenantsRead}}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = req.WithContext(WithOperator(req.Context(), &Operator{Email: "rw@x", Scopes: AllScopes}))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
