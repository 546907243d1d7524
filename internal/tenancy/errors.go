package tenancy

import (
	"errors"
	"fmt"
)

var (
	// ErrTenantNotFound means no domain row matches the host. Callers serve the
	// public surface on the reserved namespace.
	ErrTenantNotFound = errors.New("tenant not found")
	// ErrTenantNotReady means the host belongs to a tenant still provisioning.
	ErrTenantNotReady = errors.New("tenant is not ready")
	// ErrDomainAlreadyTaken means the requested subdomain is owned by another
	// tenant, or the same signup already succeeded.
	ErrDomainAlreadyTaken = errors.New("domain already taken")
	// ErrInvalidSignup wraps validation failures of a Signup.
	ErrInvalidSignup = errors.New("invalid signup")

	ErrNamespaceCreationFailed = errors.New("namespace creation failed")
	ErrMigrationFailed         = errors.New("namespace migration failed")
	ErrSeedFailed              = errors.New("namespace seed failed")
	ErrFinalizeFailed          = errors.New("tenant finalize failed")

	// ErrIsolationPinFailed means the request connection could not be pinned.
	// It is never downgraded to the public surface.
	ErrIsolationPinFailed = errors.New("isolation pin failed")
	// ErrProfileMissing means a ready tenant has no site profile row.
	ErrProfileMissing = errors.New("site profile missing")
)

// Provisioning steps reported by ProvisioningError.
const (
	StepReserve     = "reserve"
	StepMaterialize = "materialize"
	StepMigrate     = "migrate"
	StepSeed        = "seed"
	StepFinalize    = "finalize"
)

// ProvisioningError reports which provisioning step failed for which
// namespace. Err is one of the step sentinels wrapping the cause.
type ProvisioningError struct {
	Namespace string
	Step      string
	Err       error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provision %s: %s: %v", e.Namespace, e.Step, e.Err)
}

func (e *ProvisioningError) Unwrap() error {
	return e.Err
}

func stepError(namespace, step string, sentinel, cause error) *ProvisioningError {
	return &ProvisioningError{
		Namespace: namespace,
		Step:      step,
		Err:       fmt.Errorf("%w: %w", sentinel, cause),
	}
}
