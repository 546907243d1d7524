package tenancy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"pillarpost/backend/internal/repository"
	"pillarpost/backend/pkg/models"
)

const hostKeyPrefix = "tenancy:host:"

// Resolver maps request hosts to tenants through exact domain matches in the
// registry. Ready tenants may be cached in a KVStore; a nil cache disables
// caching.
type Resolver struct {
	registry repository.Registry
	cache    repository.KVStore
	ttl      time.Duration
	log      *zap.Logger

	resolutions metric.Int64Counter
}

// NewResolver creates a Resolver.
func NewResolver(registry repository.Registry, cache repository.KVStore, ttl time.Duration, log *zap.Logger) *Resolver {
	counter, err := otel.Meter("pillarpost/backend/tenancy").Int64Counter("tenancy.resolutions",
		metric.WithDescription("Host resolutions by outcome"))
	if err != nil {
		log.Warn("failed to create resolution counter", zap.Error(err))
	}
	return &Resolver{
		registry:    registry,
		cache:       cache,
		ttl:         ttl,
		log:         log,
		resolutions: counter,
	}
}

// Resolve returns the tenant owning host. The port is ignored and matching is
// case-insensitive but otherwise exact. ErrTenantNotFound means the public
// surface should serve the request; ErrTenantNotReady means the tenant exists
// but is still provisioning.
func (r *Resolver) Resolve(ctx context.Context, host string) (*models.Tenant, error) {
	hostname := StripPort(host)
	if hostname == "" {
		r.count(ctx, "miss")
		return nil, ErrTenantNotFound
	}

	if t := r.cached(ctx, hostname); t != nil {
		r.count(ctx, "cache_hit")
		return t, nil
	}

	t, err := r.registry.GetTenantByHostname(ctx, hostname)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.log.Debug("no tenant for host", zap.String("host", hostname))
			r.count(ctx, "miss")
			return nil, ErrTenantNotFound
		}
		r.count(ctx, "error")
		return nil, fmt.Errorf("resolve %s: %w", hostname, err)
	}
	if !t.Ready() {
		r.count(ctx, "not_ready")
		return nil, fmt.Errorf("%w: %s", ErrTenantNotReady, t.Namespace)
	}

	r.store(ctx, hostname, t)
	r.count(ctx, "hit")
	return t, nil
}

// Invalidate drops every cached host of a tenant. It is called whenever the
// tenant's registry row changes.
func (r *Resolver) Invalidate(ctx context.Context, tenantID string) error {
	if r.cache == nil {
		return nil
	}
	domains, err := r.registry.ListDomains(ctx, tenantID)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(domains))
	for _, d := range domains {
		keys = append(keys, hostKeyPrefix+d.Hostname)
	}
	return r.cache.Del(ctx, keys...)
}

func (r *Resolver) cached(ctx context.Context, hostname string) *models.Tenant {
	if r.cache == nil {
		return nil
	}
	raw, err := r.cache.Get(ctx, hostKeyPrefix+hostname)
	if err != nil {
		if !errors.Is(err, repository.ErrCacheMiss) {
			r.log.Warn("resolver cache read failed", zap.String("host", hostname), zap.Error(err))
		}
		return nil
	}
	var t models.Tenant
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		r.log.Warn("discarding unreadable cache entry", zap.String("host", hostname), zap.Error(err))
		return nil
	}
	return &t
}

func (r *Resolver) store(ctx context.Context, hostname string, t *models.Tenant) {
	if r.cache == nil {
		return
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, hostKeyPrefix+hostname, string(raw), r.ttl); err != nil {
		r.log.Warn("resolver cache write failed", zap.String("host", hostname), zap.Error(err))
	}
}

func (r *Resolver) count(ctx context.Context, outcome string) {
	if r.resolutions == nil {
		return
	}
	r.resolutions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
