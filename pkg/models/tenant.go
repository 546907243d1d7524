package models

import (
	"time"
)

// TenantStatus tracks how far provisioning got for a tenant.
type TenantStatus string

const (
	TenantStatusProvisioning TenantStatus = "provisioning"
	TenantStatusReady        TenantStatus = "ready"
)

// Tenant is one customer organization. It lives in the reserved namespace
// and owns exactly one isolated namespace of its own.
type Tenant struct {
	ID                 string       `json:"id"`
	Name               string       `json:"name"`
	Namespace          string       `json:"namespace"`
	Plan               string       `json:"plan"`
	Active             bool         `json:"active"`
	Status             TenantStatus `json:"status"`
	TrialExpiresAt     time.Time    `json:"trial_expires_at"`
	BillingCustomerRef *string      `json:"billing_customer_ref,omitempty"`
	NotificationEmails []string     `json:"notification_emails"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// Ready reports whether the tenant finished provisioning and may receive traffic.
func (t *Tenant) Ready() bool {
	return t.Status == TenantStatusReady
}

// Domain maps a hostname (without port) to its owning tenant.
type Domain struct {
	ID        string    `json:"id"`
	Hostname  string    `json:"hostname"`
	TenantID  string    `json:"tenant_id"`
	IsPrimary bool      `json:"is_primary"`
	CreatedAt time.Time `json:"created_at"`
}
