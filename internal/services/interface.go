package services

import (
	"context"
	"errors"
)

var (
	// ErrInvalidCredentials is returned when an email and password pair does
	// not match an active user of the namespace.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidEvent is returned for billing events missing required fields.
	ErrInvalidEvent = errors.New("invalid billing event")
	// ErrNoBillingCustomer is returned when the billing portal is requested
	// before a checkout ever completed.
	ErrNoBillingCustomer = errors.New("tenant has no billing customer")
)

// CacheInvalidator drops cached registry data for a tenant.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, tenantID string) error
}
