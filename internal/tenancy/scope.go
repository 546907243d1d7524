package tenancy

import (
	"context"

	"pillarpost/backend/internal/repository"
	"pillarpost/backend/pkg/models"
)

// Scope is the isolation context of one request: the resolved tenant (nil on
// the public surface), the namespace its connection is pinned to and that
// connection. Conn is nil on unpinned operator streams.
type Scope struct {
	Tenant    *models.Tenant
	Namespace string
	Conn      repository.Querier
}

// Public reports whether the request is served by the public surface.
func (s *Scope) Public() bool {
	return s.Tenant == nil
}

type scopeKey struct{}

// WithScope returns a copy of ctx carrying s.
func WithScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// ScopeFromContext returns the Scope attached by the isolation middleware.
func ScopeFromContext(ctx context.Context) (*Scope, bool) {
	s, ok := ctx.Value(scopeKey{}).(*Scope)
	return s, ok && s != nil
}
