package tenancy

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"pillarpost/backend/internal/repository"
	"pillarpost/backend/internal/repository/mocks"
)

func newTestProvisioner(t *testing.T, registry *mocks.Registry, namespaces *mocks.NamespaceStore) *Provisioner {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	return NewProvisioner(registry, namespaces, ProvisionerOptions{
		Policy:  testPolicy(),
		URLs:    URLBuilder{Scheme: "https", BaseDomain: "pillarpost.test"},
		Timeout: time.Second,
		Clock:   clk,
		Suffix:  func() (string, error) { return "k3x9q2", nil },
	}, zaptest.NewLogger(t))
}

func validSignup() Signup {
	return Signup{
		DisplayName:   "Alpha Recruitment",
		AdminEmail:    "Owner@Alpha.test",
		AdminPassword: "a-long-enough-password",
	}
}

func reservationFor(namespace string) any {
	return mock.MatchedBy(func(r repository.Reservation) bool {
		return r.Tenant.Namespace == namespace
	})
}

func liveContext() any {
	return mock.MatchedBy(func(ctx context.Context) bool { return ctx.Err() == nil })
}

func TestProvisionRejectsInvalidSignup(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Signup)
	}{
		{"empty name", func(s *Signup) { s.DisplayName = "   " }},
		{"bad email", func(s *Signup) { s.AdminEmail = "not-an-email" }},
		{"short password", func(s *Signup) { s.AdminPassword = "short" }},
		{"unknown plan", func(s *Signup) { s.PlanHint = "enterprise" }},
		{"bad subdomain", func(s *Signup) { s.Subdomain = "-alpha" }},
		{"unsluggable name", func(s *Signup) { s.DisplayName = "!!!" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry, namespaces := new(mocks.Registry), new(mocks.NamespaceStore)
			p := newTestProvisioner(t, registry, namespaces)

			s := validSignup()
			tt.mutate(&s)
			_, _, err := p.Provision(context.Background(), s)
			assert.ErrorIs(t, err, ErrInvalidSignup)
			registry.AssertNotCalled(t, "ReserveTenant", mock.Anything, mock.Anything)
		})
	}
}

func TestProvisionDuplicateSignup(t *testing.T) {
	registry, namespaces := new(mocks.Registry), new(mocks.NamespaceStore)
	registry.On("ReserveTenant", mock.Anything, reservationFor("alpha-recruitment")).Return(repository.ErrDuplicateSignup)

	p := newTestProvisioner(t, registry, namespaces)
	_, _, err := p.Provision(context.Background(), validSignup())
	assert.ErrorIs(t, err, ErrDomainAlreadyTaken)
	namespaces.AssertNotCalled(t, "CreateNamespace", mock.Anything, mock.Anything)
}

func TestProvisionExplicitSubdomainTaken(t *testing.T) {
	registry, namespaces := new(mocks.Registry), new(mocks.NamespaceStore)
	registry.On("ReserveTenant", mock.Anything, reservationFor("alpha")).Return(repository.ErrHostnameTaken)

	p := newTestProvisioner(t, registry, namespaces)
	s := validSignup()
	s.Subdomain = "Alpha"
	_, _, err := p.Provision(context.Background(), s)
	assert.ErrorIs(t, err, ErrDomainAlreadyTaken)
	registry.AssertNumberOfCalls(t, "ReserveTenant", 1)
}

func TestProvisionExplicitReservedSubdomain(t *testing.T) {
	registry, namespaces := new(mocks.Registry), new(mocks.NamespaceStore)
	p := newTestProvisioner(t, registry, namespaces)

	s := validSignup()
	s.Subdomain = "admin"
	_, _, err := p.Provision(context.Background(), s)
	assert.ErrorIs(t, err, ErrDomainAlreadyTaken)
	registry.AssertNotCalled(t, "ReserveTenant", mock.Anything, mock.Anything)
}

func TestProvisionSuffixRetriesOnce(t *testing.T) {
	registry, namespaces := new(mocks.Registry), new(mocks.NamespaceStore)
	registry.On("ReserveTenant", mock.Anything, reservationFor("alpha-recruitment")).Return(repository.ErrNamespaceTaken)
	registry.On("ReserveTenant", mock.Anything, reservationFor("alpha-recruitment-k3x9q2")).Return(repository.ErrHostnameTaken)

	p := newTestProvisioner(t, registry, namespaces)
	_, _, err := p.Provision(context.Background(), validSignup())
	assert.ErrorIs(t, err, ErrDomainAlreadyTaken)
	registry.AssertNumberOfCalls(t, "ReserveTenant", 2)
}

func TestProvisionReservedNameGetsSuffix(t *testing.T) {
	registry, namespaces := new(mocks.Registry), new(mocks.NamespaceStore)
	registry.On("ReserveTenant", mock.Anything, reservationFor("admin-k3x9q2")).Return(repository.ErrDuplicateSignup)

	p := newTestProvisioner(t, registry, namespaces)
	s := validSignup()
	s.DisplayName = "Admin"
	_, _, err := p.Provision(context.Background(), s)
	assert.ErrorIs(t, err, ErrDomainAlreadyTaken)
	registry.AssertNumberOfCalls(t, "ReserveTenant", 1)
}

func TestProvisionExistingSchemaIsNotDropped(t *testing.T) {
	registry, namespaces := new(mocks.Registry), new(mocks.NamespaceStore)
	registry.On("ReserveTenant", mock.Anything, reservationFor("alpha-recruitment")).Return(repository.ErrNamespaceTaken)
	registry.On("ReserveTenant", mock.Anything, reservationFor("alpha-recruitment-k3x9q2")).Return(nil)
	namespaces.On("CreateNamespace", mock.Anything, "alpha-recruitment-k3x9q2").Return(repository.ErrNamespaceExists)
	registry.On("DeleteTenant", liveContext(), mock.Anything).Return(nil)

	p := newTestProvisioner(t, registry, namespaces)
	_, _, err := p.Provision(context.Background(), validSignup())

	var perr *ProvisioningError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "alpha-recruitment-k3x9q2", perr.Namespace)
	assert.Equal(t, StepMaterialize, perr.Step)
	assert.ErrorIs(t, err, ErrNamespaceCreationFailed)
	assert.ErrorIs(t, err, repository.ErrNamespaceExists)

	namespaces.AssertNotCalled(t, "DropNamespace", mock.Anything, mock.Anything)
	registry.AssertExpectations(t)
}

func TestProvisionUnclearCreateFailureDropsNamespace(t *testing.T) {
	registry, namespaces := new(mocks.Registry), new(mocks.NamespaceStore)
	registry.On("ReserveTenant", mock.Anything, reservationFor("alpha-recruitment")).Return(nil)
	namespaces.On("CreateNamespace", mock.Anything, "alpha-recruitment").
		Return(fmt.Errorf("create namespace alpha-recruitment: %w", context.DeadlineExceeded))
	namespaces.On("DropNamespace", liveContext(), "alpha-recruitment").Return(nil)
	registry.On("DeleteTenant", liveContext(), mock.Anything).Return(nil)

	p := newTestProvisioner(t, registry, namespaces)
	_, _, err := p.Provision(context.Background(), validSignup())

	var perr *ProvisioningError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, StepMaterialize, perr.Step)
	assert.ErrorIs(t, err, ErrNamespaceCreationFailed)

	// the schema may exist even though CREATE SCHEMA reported an error
	namespaces.AssertCalled(t, "DropNamespace", mock.Anything, "alpha-recruitment")
	registry.AssertExpectations(t)
}

func TestProvisionMigrationTimeoutRollsBack(t *testing.T) {
	registry, namespaces := new(mocks.Registry), new(mocks.NamespaceStore)
	registry.On("ReserveTenant", mock.Anything, reservationFor("alpha-recruitment")).Return(nil)
	namespaces.On("CreateNamespace", mock.Anything, "alpha-recruitment").Return(nil)

	var bounded bool
	namespaces.On("Migrate", mock.Anything, "alpha-recruitment", mock.Anything).
		Run(func(args mock.Arguments) {
			ctx := args.Get(0).(context.Context)
			_, bounded = ctx.Deadline()
			<-ctx.Done()
		}).
		Return(context.DeadlineExceeded)
	namespaces.On("DropNamespace", liveContext(), "alpha-recruitment").Return(nil)
	registry.On("DeleteTenant", liveContext(), mock.Anything).Return(nil)

	p := newTestProvisioner(t, registry, namespaces)
	start := time.Now()
	_, _, err := p.Provision(context.Background(), validSignup())

	assert.True(t, bounded, "migrations run under the provisioning timeout")
	assert.Less(t, time.Since(start), 10*time.Second)
	var perr *ProvisioningError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, StepMigrate, perr.Step)
	assert.ErrorIs(t, err, ErrMigrationFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	namespaces.AssertExpectations(t)
	registry.AssertExpectations(t)
}

func TestProvisionMigrationFailureRollsBack(t *testing.T) {
	registry, namespaces := new(mocks.Registry), new(mocks.NamespaceStore)
	registry.On("ReserveTenant", mock.Anything, reservationFor("alpha-recruitment")).Return(nil)
	namespaces.On("CreateNamespace", mock.Anything, "alpha-recruitment").Return(nil)

	ctx, cancel := context.WithCancel(context.Background())
	namespaces.On("Migrate", mock.Anything, "alpha-recruitment", mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(errors.New("syntax error at or near"))
	namespaces.On("DropNamespace", liveContext(), "alpha-recruitment").Return(nil)
	registry.On("DeleteTenant", liveContext(), mock.Anything).Return(nil)

	p := newTestProvisioner(t, registry, namespaces)
	tenant, domain, err := p.Provision(ctx, validSignup())
	assert.Nil(t, tenant)
	assert.Nil(t, domain)

	var perr *ProvisioningError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, StepMigrate, perr.Step)
	assert.ErrorIs(t, err, ErrMigrationFailed)

	namespaces.AssertExpectations(t)
	registry.AssertExpectations(t)
}

func TestProvisionSeedFailureRollsBack(t *testing.T) {
	registry, namespaces := new(mocks.Registry), new(mocks.NamespaceStore)
	registry.On("ReserveTenant", mock.Anything, mock.Anything).Return(nil)
	namespaces.On("CreateNamespace", mock.Anything, "alpha-recruitment").Return(nil)
	namespaces.On("Migrate", mock.Anything, "alpha-recruitment", mock.Anything).Return(nil)
	namespaces.On("Pin", mock.Anything, "alpha-recruitment").Return(nil, repository.ErrNamespaceMissing)
	namespaces.On("DropNamespace", mock.Anything, "alpha-recruitment").Return(errors.New("lock timeout"))
	registry.On("DeleteTenant", mock.Anything, mock.Anything).Return(nil)

	p := newTestProvisioner(t, registry, namespaces)
	_, _, err := p.Provision(context.Background(), validSignup())
	assert.ErrorIs(t, err, ErrSeedFailed)
	assert.ErrorIs(t, err, repository.ErrNamespaceMissing)

	// a failed drop does not stop the registry cleanup
	registry.AssertCalled(t, "DeleteTenant", mock.Anything, mock.Anything)
}

func TestProvisionReservationShape(t *testing.T) {
	registry, namespaces := new(mocks.Registry), new(mocks.NamespaceStore)
	var got repository.Reservation
	registry.On("ReserveTenant", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { got = args.Get(1).(repository.Reservation) }).
		Return(repository.ErrDuplicateSignup)

	p := newTestProvisioner(t, registry, namespaces)
	s := validSignup()
	s.PlanHint = "Standard"
	_, _, _ = p.Provision(context.Background(), s)

	require.NotNil(t, got.Tenant)
	assert.Equal(t, "Alpha Recruitment", got.Tenant.Name)
	assert.Equal(t, "standard", got.Tenant.Plan)
	assert.False(t, got.Tenant.Active)
	assert.Equal(t, []string{"owner@alpha.test"}, got.Tenant.NotificationEmails)
	assert.Equal(t, "alpha-recruitment.pillarpost.test", got.Domain.Hostname)
	assert.True(t, got.Domain.IsPrimary)
	assert.Equal(t, got.Tenant.ID, got.Domain.TenantID)
}
