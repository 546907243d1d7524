package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"pillarpost/backend/internal/auth"
	"pillarpost/backend/internal/repository"
	"pillarpost/backend/internal/tenancy"
	"pillarpost/backend/pkg/models"
)

// ErrInvalidSettings wraps validation failures of a settings update.
var ErrInvalidSettings = errors.New("invalid settings")

const dashboardJobs = 5

// Dashboard is the landing view of a logged in tenant user.
type Dashboard struct {
	TenantName string              `json:"tenant_name"`
	Plan       string              `json:"plan"`
	Active     bool                `json:"active"`
	Profile    *models.SiteProfile `json:"profile"`
	JobCount   int                 `json:"job_count"`
	RecentJobs []*models.Job       `json:"recent_jobs"`
}

// Settings is a partial update of tenant settings. Nil fields are left alone.
type Settings struct {
	NotificationEmails []string         `json:"notification_emails" validate:"omitempty,max=10,dive,required,email"`
	Branding           *models.Branding `json:"branding" validate:"omitempty"`
}

type brandingRules struct {
	Template     string `validate:"required,oneof=executive modern classic"`
	PrimaryColor string `validate:"required,hexcolor"`
	Tagline      string `validate:"max=160"`
}

// SiteService serves the tenant surface. Every method works through the
// connection pinned in the request scope.
type SiteService struct {
	registry    repository.Registry
	invalidator CacheInvalidator
	validate    *validator.Validate
	log         *zap.Logger
}

// NewSiteService creates a SiteService. invalidator may be nil.
func NewSiteService(registry repository.Registry, invalidator CacheInvalidator, log *zap.Logger) *SiteService {
	return &SiteService{
		registry:    registry,
		invalidator: invalidator,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		log:         log,
	}
}

// Authenticate checks credentials against the users of the scope's namespace.
func (s *SiteService) Authenticate(ctx context.Context, scope *tenancy.Scope, email, password string) (*models.User, error) {
	user, err := repository.NewTenantStore(scope.Conn).GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, ErrInvalidCredentials
	}
	ok, err := auth.VerifyPassword(password, user.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("verify password for %s: %w", user.ID, err)
	}
	if !ok {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// Dashboard loads the dashboard of the scope's tenant. A missing site profile
// is a data integrity failure, never repaired on read.
func (s *SiteService) Dashboard(ctx context.Context, scope *tenancy.Scope) (*Dashboard, error) {
	store := repository.NewTenantStore(scope.Conn)
	profile, err := store.GetSiteProfile(ctx)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.log.Error("ready tenant without site profile", zap.String("namespace", scope.Namespace))
			return nil, fmt.Errorf("%w: %s", tenancy.ErrProfileMissing, scope.Namespace)
		}
		return nil, err
	}
	count, err := store.CountJobs(ctx)
	if err != nil {
		return nil, err
	}
	jobs, err := store.ListJobs(ctx, dashboardJobs)
	if err != nil {
		return nil, err
	}
	return &Dashboard{
		TenantName: scope.Tenant.Name,
		Plan:       scope.Tenant.Plan,
		Active:     scope.Tenant.Active,
		Profile:    profile,
		JobCount:   count,
		RecentJobs: jobs,
	}, nil
}

// UpdateSettings applies a settings update for the scope's tenant.
func (s *SiteService) UpdateSettings(ctx context.Context, scope *tenancy.Scope, in Settings) error {
	for i, e := range in.NotificationEmails {
		in.NotificationEmails[i] = strings.ToLower(strings.TrimSpace(e))
	}
	if err := s.validate.Struct(in); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}
	if in.Branding != nil {
		if err := s.validate.Struct(brandingRules(*in.Branding)); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidSettings, err)
		}
	}

	if in.NotificationEmails != nil {
		if err := s.registry.SetNotificationEmails(ctx, scope.Tenant.ID, in.NotificationEmails); err != nil {
			return err
		}
		if s.invalidator != nil {
			if err := s.invalidator.Invalidate(ctx, scope.Tenant.ID); err != nil {
				s.log.Warn("failed to invalidate resolver cache", zap.String("tenant_id", scope.Tenant.ID), zap.Error(err))
			}
		}
	}
	if in.Branding != nil {
		if err := repository.NewTenantStore(scope.Conn).UpdateBranding(ctx, *in.Branding); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return fmt.Errorf("%w: %s", tenancy.ErrProfileMissing, scope.Namespace)
			}
			return err
		}
	}
	return nil
}
