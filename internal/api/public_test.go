package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"pillarpost/backend/internal/auth"
	"pillarpost/backend/internal/middleware"
	"pillarpost/backend/internal/repository"
	"pillarpost/backend/internal/repository/mocks"
	"pillarpost/backend/internal/services"
	"pillarpost/backend/internal/tenancy"
	"pillarpost/backend/pkg/models"
)

var testURLs = tenancy.URLBuilder{Scheme: "https", BaseDomain: "pillarpost.test"}

type mockProvisioner struct {
	mock.Mock
}

func (m *mockProvisioner) Provision(ctx context.Context, s tenancy.Signup) (*models.Tenant, *models.Domain, error) {
	args := m.Called(ctx, s)
	t, _ := args.Get(0).(*models.Tenant)
	d, _ := args.Get(1).(*models.Domain)
	return t, d, args.Error(2)
}

func (m *mockProvisioner) URLs() tenancy.URLBuilder { return testURLs }

func newPublic(t *testing.T, prov *mockProvisioner, registry *mocks.Registry) *echo.Echo {
	log := zaptest.NewLogger(t)
	h := NewHandler(Deps{
		Provisioner: prov,
		Portals:     services.NewPortalService(registry, testURLs),
		Billing:     services.NewBillingService(registry, nil, testURLs, "https://pay.example.com/checkout", "https://pay.example.com/portal", log),
		Tenants:     registry,
		Log:         log,
	})
	return NewPublicRouter(h, RouterOptions{OktaIssuer: "https://idp.example.com/oauth2/default", SwaggerClientID: "swagger"})
}

func postJSON(e http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) middleware.ProblemDetails {
	t.Helper()
	assert.Equal(t, "application/problem+json", rec.Header().Get(echo.HeaderContentType))
	var p middleware.ProblemDetails
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	return p
}

func TestSignup(t *testing.T) {
	const body = `{"display_name":"Acme Recruitment","admin_email":"boss@acme.test","admin_password":"correct horse"}`
	signup := tenancy.Signup{DisplayName: "Acme Recruitment", AdminEmail: "boss@acme.test", AdminPassword: "correct horse"}

	t.Run("redirects to the new login page", func(t *testing.T) {
		prov := new(mockProvisioner)
		prov.On("Provision", mock.Anything, signup).Return(
			&models.Tenant{ID: "t1", Namespace: "acme-recruitment"},
			&models.Domain{Hostname: "acme-recruitment.pillarpost.test"}, nil)

		rec := postJSON(newPublic(t, prov, new(mocks.Registry)), "/signup/", body)
		assert.Equal(t, http.StatusSeeOther, rec.Code)
		assert.Equal(t, "https://acme-recruitment.pillarpost.test/login/", rec.Header().Get("Location"))
		prov.AssertExpectations(t)
	})

	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"invalid", errors.Join(tenancy.ErrInvalidSignup, errors.New("admin email is required")), http.StatusUnprocessableEntity},
		{"taken", tenancy.ErrDomainAlreadyTaken, http.StatusConflict},
		{"provisioning failed", &tenancy.ProvisioningError{Namespace: "acme-recruitment", Step: tenancy.StepMigrate, Err: tenancy.ErrMigrationFailed}, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			prov := new(mockProvisioner)
			prov.On("Provision", mock.Anything, signup).Return(nil, nil, tc.err)

			rec := postJSON(newPublic(t, prov, new(mocks.Registry)), "/signup/", body)
			assert.Equal(t, tc.status, rec.Code)
			p := decodeProblem(t, rec)
			assert.Equal(t, tc.status, p.Status)
			assert.NotContains(t, p.Detail, "migration", "internal causes stay in the log")
		})
	}

	t.Run("malformed body", func(t *testing.T) {
		rec := postJSON(newPublic(t, new(mockProvisioner), new(mocks.Registry)), "/signup/", "{")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestFindPortal(t *testing.T) {
	registry := new(mocks.Registry)
	registry.On("FindByNotificationEmail", mock.Anything, "ops@acme.test").Return([]*repository.PortalMatch{
		{Tenant: &models.Tenant{Name: "Acme"}, PrimaryHostname: "acme.pillarpost.test"},
	}, nil)
	registry.On("FindByNotificationEmail", mock.Anything, "nobody@acme.test").Return(nil, nil)
	e := newPublic(t, new(mockProvisioner), registry)

	var got findPortalResponse
	rec := postJSON(e, "/find-portal/", `{"email":"OPS@acme.test"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got.Portals, 1)
	assert.Equal(t, "https://acme.pillarpost.test/login/", got.Portals[0].LoginURL)
	assert.Empty(t, got.Message)

	got = findPortalResponse{}
	rec = postJSON(e, "/find-portal/", `{"email":"nobody@acme.test"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.NotNil(t, got.Portals)
	assert.Empty(t, got.Portals)
	assert.Equal(t, noPortalsMessage, got.Message)
}

func TestBillingWebhook(t *testing.T) {
	registry := new(mocks.Registry)
	registry.On("GetTenantByCustomerRef", mock.Anything, "cus_1").Return(&models.Tenant{ID: "t1", Active: true}, nil)
	registry.On("GetTenantByCustomerRef", mock.Anything, "cus_unknown").Return(nil, repository.ErrNotFound)
	registry.On("SetActive", mock.Anything, "t1", false).Return(nil)
	registry.On("GetTenant", mock.Anything, "t2").Return(&models.Tenant{ID: "t2"}, nil)
	registry.On("SetCustomerRef", mock.Anything, "t2", "cus_1").Return(repository.ErrCustomerRefTaken)
	e := newPublic(t, new(mockProvisioner), registry)

	rec := postJSON(e, "/billing/webhook/", `{"event_type":"invoice.payment_failed","customer_ref":"cus_1"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"applied","tenant_id":"t1","active":false}`, rec.Body.String())

	rec = postJSON(e, "/billing/webhook/", `{"event_type":"invoice.paid","customer_ref":"cus_unknown"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = postJSON(e, "/billing/webhook/", `{"event_type":"invoice.paid"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(e, "/billing/webhook/", `{"event_type":"checkout.session.completed","customer_ref":"cus_1","tenant_id":"t2"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = postJSON(e, "/billing/webhook/", `{"event_type":"customer.created"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ignored"}`, rec.Body.String())
}

func TestListTenants(t *testing.T) {
	registry := new(mocks.Registry)
	ready := models.TenantStatusReady
	registry.On("ListTenants", mock.Anything, repository.TenantFilter{Status: &ready, Limit: 10}).
		Return([]*models.Tenant{{ID: "t1", Namespace: "acme"}}, nil)
	h := NewHandler(Deps{Tenants: registry, Log: zaptest.NewLogger(t)})
	e := echo.New()
	e.HTTPErrorHandler = ProblemErrorHandler(zaptest.NewLogger(t))

	call := func(query string, op *auth.Operator) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/admin/tenants?"+query, nil)
		if op != nil {
			req = req.WithContext(auth.WithOperator(req.Context(), op))
		}
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		if err := h.HandleListTenants(c); err != nil {
			e.HTTPErrorHandler(err, c)
		}
		return rec
	}
	reader := &auth.Operator{Email: "ops@pillarpost.test", Scopes: []string{auth.ScopeTenantsRead}}

	rec := call("status=ready&limit=10", reader)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"namespace":"acme"`)

	assert.Equal(t, http.StatusBadRequest, call("status=deleted", reader).Code)
	assert.Equal(t, http.StatusBadRequest, call("limit=lots", reader).Code)
	assert.Equal(t, http.StatusForbidden, call("", &auth.Operator{Email: "x"}).Code)
	assert.Equal(t, http.StatusForbidden, call("", nil).Code)
}

func TestPublicRouterDocs(t *testing.T) {
	e := newPublic(t, new(mockProvisioner), new(mocks.Registry))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/openapi.yaml", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "https://idp.example.com/oauth2/default")
	assert.NotContains(t, rec.Body.String(), "{oktaIssuer}")

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/docs", nil))
	assert.Contains(t, rec.Body.String(), `clientId: "swagger"`)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/tenants", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code, "operator routes need auth configured")
}
