package repository

import (
	"context"
	"errors"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"pillarpost/backend/pkg/models"
)

var (
	// ErrNotFound is returned when a row does not exist in the active namespace.
	ErrNotFound = errors.New("not found")
	// ErrNamespaceTaken is returned when a tenant already owns the namespace.
	ErrNamespaceTaken = errors.New("namespace already taken")
	// ErrHostnameTaken is returned when a domain row already owns the hostname.
	ErrHostnameTaken = errors.New("hostname already taken")
	// ErrCustomerRefTaken is returned when another tenant is already linked to
	// the billing customer.
	ErrCustomerRefTaken = errors.New("billing customer already linked to another tenant")
	// ErrDuplicateSignup is returned when a tenant with the same display name
	// and notification email already exists.
	ErrDuplicateSignup = errors.New("tenant already signed up")
	// ErrNamespaceExists is returned by CreateNamespace when the schema is
	// already present in the database.
	ErrNamespaceExists = errors.New("namespace already exists")
	// ErrNamespaceMissing is returned by Pin when the namespace does not exist.
	ErrNamespaceMissing = errors.New("namespace does not exist")
	// ErrReservedNamespace is returned when an operation would drop the
	// reserved namespace.
	ErrReservedNamespace = errors.New("operation not allowed on reserved namespace")
	// ErrHandleReleased is returned when a handle is used after Release.
	ErrHandleReleased = errors.New("namespace handle already released")
	// ErrUserExists is returned when the email is already registered in the namespace.
	ErrUserExists = errors.New("user already exists")
)

// Querier is the query surface shared by pools, pinned connections and
// transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Handle is a connection checked out exclusively for one unit of work with
// its search_path pinned to a single namespace. Release must be called on
// every exit path; it resets the connection to the reserved namespace before
// returning it to the pool.
type Handle interface {
	Querier
	Namespace() string
	Release(ctx context.Context)
}

// MigrationSet is an ordered set of SQL scripts named like 0001_name.sql.
type MigrationSet fs.FS

// NamespaceStore manages the physical isolation boundaries.
type NamespaceStore interface {
	// Reserved returns the name of the reserved registry namespace.
	Reserved() string
	// CreateNamespace creates an empty namespace.
	CreateNamespace(ctx context.Context, namespace string) error
	// DropNamespace drops a namespace and everything in it.
	DropNamespace(ctx context.Context, namespace string) error
	// NamespaceExists reports whether the namespace is present.
	NamespaceExists(ctx context.Context, namespace string) (bool, error)
	// Migrate applies every pending script of set inside namespace.
	Migrate(ctx context.Context, namespace string, set MigrationSet) error
	// Pin checks out a connection pinned to namespace.
	Pin(ctx context.Context, namespace string) (Handle, error)
}

// Reservation is the registry footprint of a signup: a tenant row and its
// primary domain, inserted together.
type Reservation struct {
	Tenant *models.Tenant
	Domain *models.Domain
}

// TenantFilter narrows ListTenants.
type TenantFilter struct {
	Status *models.TenantStatus
	Active *bool
	Limit  uint64
	Offset uint64
}

// PortalMatch is a tenant together with its primary hostname.
type PortalMatch struct {
	Tenant          *models.Tenant
	PrimaryHostname string
}

// Registry is the shared tenant catalog stored in the reserved namespace.
type Registry interface {
	// ReserveTenant atomically inserts the tenant and its primary domain.
	ReserveTenant(ctx context.Context, r Reservation) error
	// FinalizeTenant marks a tenant ready and applies its billing state.
	FinalizeTenant(ctx context.Context, id string, active bool, trialExpiresAt time.Time) error
	// DeleteTenant removes a tenant and its domains.
	DeleteTenant(ctx context.Context, id string) error

	GetTenant(ctx context.Context, id string) (*models.Tenant, error)
	GetTenantByHostname(ctx context.Context, hostname string) (*models.Tenant, error)
	GetTenantByCustomerRef(ctx context.Context, ref string) (*models.Tenant, error)
	ListDomains(ctx context.Context, tenantID string) ([]*models.Domain, error)
	PrimaryDomain(ctx context.Context, tenantID string) (*models.Domain, error)
	ListTenants(ctx context.Context, filter TenantFilter) ([]*models.Tenant, error)
	ListStale(ctx context.Context, startedBefore time.Time) ([]*models.Tenant, error)
	FindByNotificationEmail(ctx context.Context, email string) ([]*PortalMatch, error)

	SetActive(ctx context.Context, id string, active bool) error
	SetCustomerRef(ctx context.Context, id, ref string) error
	SetNotificationEmails(ctx context.Context, id string, emails []string) error
}
