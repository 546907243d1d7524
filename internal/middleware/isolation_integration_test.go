package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"pillarpost/backend/internal/repository"
	"pillarpost/backend/internal/tenancy"
	"pillarpost/backend/internal/testutil"
	"pillarpost/backend/pkg/models"
)

func TestIsolationAgainstPostgres(t *testing.T) {
	ctx := context.Background()
	dsn := testutil.StartPostgres(t)
	log := zaptest.NewLogger(t)

	// a single connection makes reuse across requests certain
	pool, err := repository.NewPool(ctx, dsn, "public", 1, log)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	namespaces := repository.NewPostgresNamespaceStore(pool, "public", log)
	for _, ns := range []string{"firm-a", "firm-b"} {
		require.NoError(t, namespaces.CreateNamespace(ctx, ns))
		require.NoError(t, namespaces.Migrate(ctx, ns, repository.TenantMigrations()))
	}

	resolver := stubResolver{
		"a.example.com": {ID: "t-a", Namespace: "firm-a", Status: models.TenantStatusReady},
		"b.example.com": {ID: "t-b", Namespace: "firm-b", Status: models.TenantStatusReady},
	}

	tenant := http.NewServeMux()
	tenant.HandleFunc("/jobs/add", func(w http.ResponseWriter, r *http.Request) {
		scope, _ := tenancy.ScopeFromContext(r.Context())
		job := &models.Job{Title: "Partner", Salary: "200k", Location: "London", Summary: "s", Description: "d"}
		if err := repository.NewTenantStore(scope.Conn).CreateJob(r.Context(), job); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(job.ID))
	})
	tenant.HandleFunc("/jobs/get", func(w http.ResponseWriter, r *http.Request) {
		scope, _ := tenancy.ScopeFromContext(r.Context())
		_, err := repository.NewTenantStore(scope.Conn).GetJob(r.Context(), r.URL.Query().Get("id"))
		switch {
		case errors.Is(err, repository.ErrNotFound):
			http.NotFound(w, r)
		case err != nil:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	tenant.HandleFunc("/jobs/count", func(w http.ResponseWriter, r *http.Request) {
		scope, _ := tenancy.ScopeFromContext(r.Context())
		n, err := repository.NewTenantStore(scope.Conn).CountJobs(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(strconv.Itoa(n)))
	})
	tenant.HandleFunc("/panic", func(w http.ResponseWriter, r *http.Request) {
		scope, _ := tenancy.ScopeFromContext(r.Context())
		var current string
		if err := scope.Conn.QueryRow(r.Context(), "SELECT current_schema()").Scan(&current); err == nil && current == scope.Namespace {
			panic("handler bug while pinned to " + current)
		}
		http.Error(w, "not pinned", http.StatusInternalServerError)
	})
	public := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope, _ := tenancy.ScopeFromContext(r.Context())
		var current string
		_ = scope.Conn.QueryRow(r.Context(), "SELECT current_schema()").Scan(&current)
		_, _ = w.Write([]byte(current))
	})

	iso := NewIsolation(resolver, namespaces, public, tenant, log)
	do := func(host, path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Host = host
		rec := httptest.NewRecorder()
		iso.ServeHTTP(rec, req)
		return rec
	}

	t.Run("jobs are visible only in their namespace", func(t *testing.T) {
		added := do("a.example.com", "/jobs/add")
		require.Equal(t, http.StatusOK, added.Code)
		jobID := added.Body.String()
		require.NotEmpty(t, jobID)
		require.Equal(t, http.StatusOK, do("a.example.com:8000", "/jobs/add").Code)

		assert.Equal(t, "2", do("a.example.com", "/jobs/count").Body.String())
		assert.Equal(t, "0", do("b.example.com", "/jobs/count").Body.String())

		assert.Equal(t, http.StatusOK, do("a.example.com", "/jobs/get?id="+jobID).Code)
		assert.Equal(t, http.StatusNotFound, do("b.example.com", "/jobs/get?id="+jobID).Code)
	})

	t.Run("panic releases the connection to the reserved namespace", func(t *testing.T) {
		require.Panics(t, func() { do("a.example.com", "/panic") })

		var current string
		require.NoError(t, pool.QueryRow(ctx, "SELECT current_schema()").Scan(&current))
		assert.Equal(t, "public", current)

		assert.Equal(t, "public", do("unknown.example.com", "/").Body.String())
	})
}
