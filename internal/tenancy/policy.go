package tenancy

import (
	"fmt"
	"time"

	"pillarpost/backend/internal/config"
)

// Policy decides the billing state a freshly provisioned tenant starts in.
// Active is never granted here; only a billing event sets it.
type Policy struct {
	DefaultPlan string
	Plans       map[string]config.Plan
}

// NewPolicy builds a Policy from the tenancy configuration.
func NewPolicy(cfg config.Tenancy) Policy {
	return Policy{DefaultPlan: cfg.DefaultPlan, Plans: cfg.Plans}
}

// Plan resolves a plan hint, falling back to the default plan when empty.
func (p Policy) Plan(hint string) (string, error) {
	if hint == "" {
		hint = p.DefaultPlan
	}
	if _, ok := p.Plans[hint]; !ok {
		return "", fmt.Errorf("%w: unknown plan %q", ErrInvalidSignup, hint)
	}
	return hint, nil
}

// Activation returns the active flag and trial expiry for a tenant finalized
// at now. Plans without trial days expire immediately so the guard sends the
// tenant to checkout until payment arrives.
func (p Policy) Activation(plan string, now time.Time) (active bool, trialExpiresAt time.Time) {
	days := p.Plans[plan].TrialDays
	if days <= 0 {
		return false, now
	}
	return false, now.AddDate(0, 0, days)
}
