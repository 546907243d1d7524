package tenancy

import (
	"net/http"
	"strings"
	"time"

	"pillarpost/backend/pkg/models"
)

// CheckoutPath is where lapsed tenants are sent to pay.
const CheckoutPath = "/billing/checkout/"

// guardAllowList holds the paths reachable without a subscription in good
// standing. Entries ending in a slash also allow anything below them; the
// others match only exactly.
var guardAllowList = []string{
	CheckoutPath,
	"/billing/webhook/",
	"/billing/portal/",
	"/login/",
	"/logout/",
	"/healthz",
}

// Decision is the outcome of the subscription guard.
type Decision struct {
	Allow    bool
	Redirect string
	Status   int
}

// Allowed lets the request through.
var Allowed = Decision{Allow: true}

// Decide gates a request on the tenant's subscription state. A nil tenant is
// the public surface and always passes.
func Decide(t *models.Tenant, path string, now time.Time) Decision {
	if t == nil || allowListed(path) {
		return Allowed
	}
	if t.Active || !now.After(t.TrialExpiresAt) {
		return Allowed
	}
	return Decision{Redirect: CheckoutPath, Status: http.StatusSeeOther}
}

func allowListed(path string) bool {
	for _, p := range guardAllowList {
		if !strings.HasSuffix(p, "/") {
			if path == p {
				return true
			}
			continue
		}
		if path == strings.TrimSuffix(p, "/") || strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
