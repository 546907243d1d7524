package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"pillarpost/backend/internal/repository"
	"pillarpost/backend/internal/tenancy"
	"pillarpost/backend/pkg/models"
)

// TenantResolver maps a Host header to a tenant.
type TenantResolver interface {
	Resolve(ctx context.Context, host string) (*models.Tenant, error)
}

// Pinner checks out connections pinned to a namespace.
type Pinner interface {
	Reserved() string
	Pin(ctx context.Context, namespace string) (repository.Handle, error)
}

// Isolation is the outermost handler. For every request it resolves the
// tenant, pins a dedicated connection to the tenant's namespace (or the
// reserved one for the public surface), hands the request to the matching
// surface and releases the connection on every exit path. The pinned
// connection is bound to the request context, so everything the request does
// in the database runs on that one connection.
type Isolation struct {
	resolver   TenantResolver
	namespaces Pinner
	public     http.Handler
	tenant     http.Handler
	unpinned   []string
	log        *zap.Logger
}

// NewIsolation creates the dispatcher over the public and tenant surfaces.
func NewIsolation(resolver TenantResolver, namespaces Pinner, public, tenant http.Handler, log *zap.Logger) *Isolation {
	return &Isolation{
		resolver:   resolver,
		namespaces: namespaces,
		public:     public,
		tenant:     tenant,
		log:        log,
	}
}

// Unpinned lists path prefixes of the public surface served without a pinned
// connection. They are for long-lived streams whose work outlives the request
// that carries it; their handlers must not touch tenant data.
func (m *Isolation) Unpinned(prefixes ...string) *Isolation {
	m.unpinned = append(m.unpinned, prefixes...)
	return m
}

func (m *Isolation) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	t, err := m.resolver.Resolve(ctx, r.Host)
	switch {
	case err == nil:
	case errors.Is(err, tenancy.ErrTenantNotFound):
		t = nil
	case errors.Is(err, tenancy.ErrTenantNotReady):
		w.Header().Set("Retry-After", "5")
		WriteProblem(w, http.StatusServiceUnavailable, "Service Unavailable", "This site is still being set up. Please try again shortly.")
		return
	default:
		m.log.Error("tenant resolution failed", zap.String("host", r.Host), zap.Error(err))
		WriteProblem(w, http.StatusInternalServerError, "Internal Server Error", "Please try again.")
		return
	}

	namespace := m.namespaces.Reserved()
	if t != nil {
		namespace = t.Namespace
	} else if m.isUnpinned(r.URL.Path) {
		r = r.WithContext(tenancy.WithScope(ctx, &tenancy.Scope{Namespace: namespace}))
		m.public.ServeHTTP(w, r)
		return
	}

	h, err := m.namespaces.Pin(ctx, namespace)
	if err != nil {
		m.log.Error("failed to pin namespace",
			zap.String("namespace", namespace),
			zap.String("host", r.Host),
			zap.Error(errors.Join(tenancy.ErrIsolationPinFailed, err)))
		WriteProblem(w, http.StatusInternalServerError, "Internal Server Error", "Please try again.")
		return
	}
	// deferred so a panicking handler still returns a clean connection
	defer h.Release(ctx)

	scope := &tenancy.Scope{Tenant: t, Namespace: namespace, Conn: h}
	r = r.WithContext(tenancy.WithScope(repository.WithConn(ctx, h), scope))

	if t == nil {
		m.public.ServeHTTP(w, r)
		return
	}
	m.tenant.ServeHTTP(w, r)
}

func (m *Isolation) isUnpinned(path string) bool {
	for _, prefix := range m.unpinned {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}
