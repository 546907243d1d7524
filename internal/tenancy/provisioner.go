package tenancy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"pillarpost/backend/internal/auth"
	"pillarpost/backend/internal/repository"
	"pillarpost/backend/pkg/models"
)

const (
	defaultProvisionTimeout = 30 * time.Second
	compensationTimeout     = 30 * time.Second
)

// Signup is the input of a tenant signup.
type Signup struct {
	DisplayName   string `json:"display_name" form:"display_name" validate:"required,max=200"`
	AdminEmail    string `json:"admin_email" form:"admin_email" validate:"required,email,max=254"`
	AdminPassword string `json:"admin_password" form:"admin_password" validate:"required,min=10,max=128"`
	PlanHint      string `json:"plan_hint" form:"plan_hint" validate:"omitempty,max=50"`
	// Subdomain requests an explicit namespace instead of one derived from
	// DisplayName. A taken subdomain is never suffixed.
	Subdomain string `json:"subdomain,omitempty" form:"subdomain" validate:"omitempty,max=56"`
}

// ProvisionerOptions tunes a Provisioner. Zero values fall back to defaults.
type ProvisionerOptions struct {
	Policy     Policy
	URLs       URLBuilder
	Timeout    time.Duration
	Migrations repository.MigrationSet
	Clock      clock.Clock
	Suffix     SuffixFunc
}

// Provisioner turns a signup into a ready tenant with its own namespace. A
// signup either completes every step or leaves nothing behind.
type Provisioner struct {
	registry   repository.Registry
	namespaces repository.NamespaceStore
	policy     Policy
	urls       URLBuilder
	timeout    time.Duration
	migrations repository.MigrationSet
	clock      clock.Clock
	suffix     SuffixFunc
	validate   *validator.Validate
	log        *zap.Logger

	provisions metric.Int64Counter
}

// NewProvisioner creates a Provisioner.
func NewProvisioner(registry repository.Registry, namespaces repository.NamespaceStore, opts ProvisionerOptions, log *zap.Logger) *Provisioner {
	p := &Provisioner{
		registry:   registry,
		namespaces: namespaces,
		policy:     opts.Policy,
		urls:       opts.URLs,
		timeout:    opts.Timeout,
		migrations: opts.Migrations,
		clock:      opts.Clock,
		suffix:     opts.Suffix,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		log:        log,
	}
	if p.timeout <= 0 {
		p.timeout = defaultProvisionTimeout
	}
	if p.migrations == nil {
		p.migrations = repository.TenantMigrations()
	}
	if p.clock == nil {
		p.clock = clock.New()
	}
	if p.suffix == nil {
		p.suffix = RandomSuffix
	}

	counter, err := otel.Meter("pillarpost/backend/tenancy").Int64Counter("tenancy.provisions",
		metric.WithDescription("Provisioning attempts by outcome"))
	if err != nil {
		log.Warn("failed to create provisioning counter", zap.Error(err))
	}
	p.provisions = counter
	return p
}

// URLs returns the builder used for tenant URLs.
func (p *Provisioner) URLs() URLBuilder {
	return p.urls
}

// Provision creates the tenant, its primary domain and its namespace, seeds
// the administrative identity and site profile, and marks the tenant ready.
// Any failure after the registry reservation is compensated before
// returning a *ProvisioningError.
func (p *Provisioner) Provision(ctx context.Context, s Signup) (*models.Tenant, *models.Domain, error) {
	s, plan, err := p.normalize(s)
	if err != nil {
		p.count(ctx, "invalid")
		return nil, nil, err
	}

	hash, err := auth.HashPassword(s.AdminPassword)
	if err != nil {
		return nil, nil, fmt.Errorf("hash admin password: %w", err)
	}

	t, d, err := p.reserve(ctx, s, plan)
	if err != nil {
		p.count(ctx, "rejected")
		return nil, nil, err
	}
	log := p.log.With(zap.String("tenant_id", t.ID), zap.String("namespace", t.Namespace))
	log.Info("Reserved tenant", zap.String("hostname", d.Hostname))

	ownsNamespace := false
	fail := func(step string, sentinel, cause error) (*models.Tenant, *models.Domain, error) {
		perr := stepError(t.Namespace, step, sentinel, cause)
		log.Error("Provisioning failed", zap.String("step", step), zap.Error(cause))
		p.rollback(ctx, t, ownsNamespace, log)
		p.count(ctx, "failed")
		return nil, nil, perr
	}

	tctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.namespaces.CreateNamespace(tctx, t.Namespace); err != nil {
		// only a schema that was already there is known not to be ours; a
		// timeout or lost connection may surface after the DDL committed
		ownsNamespace = !errors.Is(err, repository.ErrNamespaceExists)
		return fail(StepMaterialize, ErrNamespaceCreationFailed, err)
	}
	ownsNamespace = true

	if err := p.namespaces.Migrate(tctx, t.Namespace, p.migrations); err != nil {
		return fail(StepMigrate, ErrMigrationFailed, err)
	}

	if err := p.seed(ctx, t, s, hash); err != nil {
		return fail(StepSeed, ErrSeedFailed, err)
	}

	active, expiry := p.policy.Activation(plan, p.clock.Now())
	if err := p.registry.FinalizeTenant(ctx, t.ID, active, expiry); err != nil {
		return fail(StepFinalize, ErrFinalizeFailed, err)
	}
	t.Active = active
	t.TrialExpiresAt = expiry
	t.Status = models.TenantStatusReady

	log.Info("Provisioned tenant", zap.String("plan", plan), zap.Time("trial_expires_at", expiry))
	p.count(ctx, "succeeded")
	return t, d, nil
}

// Deprovision drops a tenant's namespace and registry rows. It is meant for
// cleanup of abandoned or test tenants.
func (p *Provisioner) Deprovision(ctx context.Context, t *models.Tenant) error {
	var result *multierror.Error
	if err := p.namespaces.DropNamespace(ctx, t.Namespace); err != nil {
		result = multierror.Append(result, err)
	}
	if err := p.registry.DeleteTenant(ctx, t.ID); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (p *Provisioner) normalize(s Signup) (Signup, string, error) {
	s.DisplayName = strings.TrimSpace(s.DisplayName)
	s.AdminEmail = strings.ToLower(strings.TrimSpace(s.AdminEmail))
	s.PlanHint = strings.ToLower(strings.TrimSpace(s.PlanHint))
	s.Subdomain = strings.ToLower(strings.TrimSpace(s.Subdomain))

	if err := p.validate.Struct(s); err != nil {
		return s, "", fmt.Errorf("%w: %w", ErrInvalidSignup, err)
	}
	plan, err := p.policy.Plan(s.PlanHint)
	if err != nil {
		return s, "", err
	}
	if s.Subdomain != "" {
		if !subdomainRe.MatchString(s.Subdomain) {
			return s, "", fmt.Errorf("%w: subdomain %q is not a valid hostname label", ErrInvalidSignup, s.Subdomain)
		}
	} else if Slugify(s.DisplayName) == "" {
		return s, "", fmt.Errorf("%w: display name %q has no usable characters", ErrInvalidSignup, s.DisplayName)
	}
	return s, plan, nil
}

// reserve inserts the registry rows. A name-derived slug that collides is
// retried once with a random suffix; an explicit subdomain never is.
func (p *Provisioner) reserve(ctx context.Context, s Signup, plan string) (*models.Tenant, *models.Domain, error) {
	explicit := s.Subdomain != ""
	namespace := s.Subdomain
	if !explicit {
		namespace = Slugify(s.DisplayName)
	}

	for attempt := 0; ; attempt++ {
		if IsReservedSlug(namespace) {
			if explicit {
				return nil, nil, fmt.Errorf("%w: %s", ErrDomainAlreadyTaken, namespace)
			}
		} else {
			t, d := p.newTenant(s, plan, namespace)
			err := p.registry.ReserveTenant(ctx, repository.Reservation{Tenant: t, Domain: d})
			switch {
			case err == nil:
				return t, d, nil
			case errors.Is(err, repository.ErrDuplicateSignup):
				return nil, nil, fmt.Errorf("%w: %s already signed up", ErrDomainAlreadyTaken, s.DisplayName)
			case errors.Is(err, repository.ErrNamespaceTaken), errors.Is(err, repository.ErrHostnameTaken):
				if explicit || attempt > 0 {
					return nil, nil, fmt.Errorf("%w: %s", ErrDomainAlreadyTaken, d.Hostname)
				}
			default:
				return nil, nil, &ProvisioningError{Namespace: namespace, Step: StepReserve, Err: err}
			}
		}
		if attempt > 0 {
			return nil, nil, fmt.Errorf("%w: %s", ErrDomainAlreadyTaken, namespace)
		}

		token, err := p.suffix()
		if err != nil {
			return nil, nil, fmt.Errorf("generate namespace suffix: %w", err)
		}
		namespace = Slugify(s.DisplayName) + "-" + token
	}
}

func (p *Provisioner) newTenant(s Signup, plan, namespace string) (*models.Tenant, *models.Domain) {
	now := p.clock.Now().UTC()
	t := &models.Tenant{
		ID:                 uuid.New().String(),
		Name:               s.DisplayName,
		Namespace:          namespace,
		Plan:               plan,
		Active:             false,
		Status:             models.TenantStatusProvisioning,
		TrialExpiresAt:     now,
		NotificationEmails: []string{s.AdminEmail},
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	d := &models.Domain{
		ID:        uuid.New().String(),
		Hostname:  p.urls.Host(namespace),
		TenantID:  t.ID,
		IsPrimary: true,
		CreatedAt: now,
	}
	return t, d
}

// seed writes the admin user and site profile through a connection pinned to
// the new namespace, in one transaction. Inside a request the pin nests on the
// request's own connection.
func (p *Provisioner) seed(ctx context.Context, t *models.Tenant, s Signup, hash string) error {
	h, err := p.namespaces.Pin(ctx, t.Namespace)
	if err != nil {
		return err
	}
	defer h.Release(ctx)

	tx, err := h.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	store := repository.NewTenantStore(tx)
	if err := store.CreateUser(ctx, &models.User{
		Email:        s.AdminEmail,
		PasswordHash: hash,
		IsAdmin:      true,
		IsActive:     true,
	}); err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}
	if err := store.CreateSiteProfile(ctx, &models.SiteProfile{
		DisplayName: t.Name,
		Branding:    models.DefaultBranding,
	}); err != nil {
		return fmt.Errorf("create site profile: %w", err)
	}
	return tx.Commit(ctx)
}

// rollback undoes a partial provisioning. It runs detached from the caller's
// cancellation, on the pool when the request's connection did not survive the
// failure. A namespace that existed before the signup is left alone.
func (p *Provisioner) rollback(ctx context.Context, t *models.Tenant, dropNamespace bool, log *zap.Logger) {
	cctx, cancel := context.WithTimeout(repository.WithLiveConn(context.WithoutCancel(ctx)), compensationTimeout)
	defer cancel()

	var result *multierror.Error
	if dropNamespace {
		if err := p.namespaces.DropNamespace(cctx, t.Namespace); err != nil {
			result = multierror.Append(result, fmt.Errorf("drop namespace: %w", err))
		}
	}
	if err := p.registry.DeleteTenant(cctx, t.ID); err != nil {
		result = multierror.Append(result, fmt.Errorf("delete tenant: %w", err))
	}
	if err := result.ErrorOrNil(); err != nil {
		log.Error("Provisioning rollback incomplete", zap.Error(err))
		return
	}
	log.Info("Rolled back provisioning")
}

func (p *Provisioner) count(ctx context.Context, outcome string) {
	if p.provisions == nil {
		return
	}
	p.provisions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
