// Package mocks provides testify mocks of the repository interfaces.
package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"pillarpost/backend/internal/repository"
	"pillarpost/backend/pkg/models"
)

// Registry is a mock repository.Registry.
type Registry struct {
	mock.Mock
}

func (m *Registry) ReserveTenant(ctx context.Context, r repository.Reservation) error {
	return m.Called(ctx, r).Error(0)
}

func (m *Registry) FinalizeTenant(ctx context.Context, id string, active bool, trialExpiresAt time.Time) error {
	return m.Called(ctx, id, active, trialExpiresAt).Error(0)
}

func (m *Registry) DeleteTenant(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *Registry) GetTenant(ctx context.Context, id string) (*models.Tenant, error) {
	args := m.Called(ctx, id)
	t, _ := args.Get(0).(*models.Tenant)
	return t, args.Error(1)
}

func (m *Registry) GetTenantByHostname(ctx context.Context, hostname string) (*models.Tenant, error) {
	args := m.Called(ctx, hostname)
	t, _ := args.Get(0).(*models.Tenant)
	return t, args.Error(1)
}

func (m *Registry) GetTenantByCustomerRef(ctx context.Context, ref string) (*models.Tenant, error) {
	args := m.Called(ctx, ref)
	t, _ := args.Get(0).(*models.Tenant)
	return t, args.Error(1)
}

func (m *Registry) ListDomains(ctx context.Context, tenantID string) ([]*models.Domain, error) {
	args := m.Called(ctx, tenantID)
	d, _ := args.Get(0).([]*models.Domain)
	return d, args.Error(1)
}

func (m *Registry) PrimaryDomain(ctx context.Context, tenantID string) (*models.Domain, error) {
	args := m.Called(ctx, tenantID)
	d, _ := args.Get(0).(*models.Domain)
	return d, args.Error(1)
}

func (m *Registry) ListTenants(ctx context.Context, filter repository.TenantFilter) ([]*models.Tenant, error) {
	args := m.Called(ctx, filter)
	t, _ := args.Get(0).([]*models.Tenant)
	return t, args.Error(1)
}

func (m *Registry) ListStale(ctx context.Context, startedBefore time.Time) ([]*models.Tenant, error) {
	args := m.Called(ctx, startedBefore)
	t, _ := args.Get(0).([]*models.Tenant)
	return t, args.Error(1)
}

func (m *Registry) FindByNotificationEmail(ctx context.Context, email string) ([]*repository.PortalMatch, error) {
	args := m.Called(ctx, email)
	pm, _ := args.Get(0).([]*repository.PortalMatch)
	return pm, args.Error(1)
}

func (m *Registry) SetActive(ctx context.Context, id string, active bool) error {
	return m.Called(ctx, id, active).Error(0)
}

func (m *Registry) SetCustomerRef(ctx context.Context, id, ref string) error {
	return m.Called(ctx, id, ref).Error(0)
}

func (m *Registry) SetNotificationEmails(ctx context.Context, id string, emails []string) error {
	return m.Called(ctx, id, emails).Error(0)
}

// NamespaceStore is a mock repository.NamespaceStore. Its reserved namespace
// is always "public".
type NamespaceStore struct {
	mock.Mock
}

func (m *NamespaceStore) Reserved() string {
	return "public"
}

func (m *NamespaceStore) CreateNamespace(ctx context.Context, namespace string) error {
	return m.Called(ctx, namespace).Error(0)
}

func (m *NamespaceStore) DropNamespace(ctx context.Context, namespace string) error {
	return m.Called(ctx, namespace).Error(0)
}

func (m *NamespaceStore) NamespaceExists(ctx context.Context, namespace string) (bool, error) {
	args := m.Called(ctx, namespace)
	return args.Bool(0), args.Error(1)
}

func (m *NamespaceStore) Migrate(ctx context.Context, namespace string, set repository.MigrationSet) error {
	return m.Called(ctx, namespace, set).Error(0)
}

func (m *NamespaceStore) Pin(ctx context.Context, namespace string) (repository.Handle, error) {
	args := m.Called(ctx, namespace)
	h, _ := args.Get(0).(repository.Handle)
	return h, args.Error(1)
}
