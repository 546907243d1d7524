// Package models defines the domain models shared by the registry and the
// per-tenant namespaces.
package models

import (
	"time"
)

// User is a login-capable identity stored inside a single tenant namespace.
// Two users with the same email in different namespaces are unrelated.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	IsAdmin      bool      `json:"is_admin"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}

// Branding holds the visual defaults of a tenant site.
type Branding struct {
	Template     string `json:"template"`
	PrimaryColor string `json:"primary_color"`
	Tagline      string `json:"tagline"`
}

// DefaultBranding is applied to every freshly provisioned site.
var DefaultBranding = Branding{
	Template:     "executive",
	PrimaryColor: "#1f2937",
	Tagline:      "Find your next role",
}

// SiteProfile is the initial content record that makes a tenant site servable.
// Exactly one row exists per namespace once provisioning completes.
type SiteProfile struct {
	DisplayName string    `json:"display_name"`
	Branding    Branding  `json:"branding"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Job is a job listing owned by a tenant.
type Job struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	CompanyName *string   `json:"company_name,omitempty"`
	Salary      string    `json:"salary"`
	Location    string    `json:"location"`
	Summary     string    `json:"summary"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}
