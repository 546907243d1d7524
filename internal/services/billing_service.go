package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"pillarpost/backend/internal/repository"
	"pillarpost/backend/internal/tenancy"
	"pillarpost/backend/pkg/models"
)

// Billing event types understood by ApplyEvent.
const (
	EventCheckoutCompleted   = "checkout.session.completed"
	EventInvoicePaid         = "invoice.paid"
	EventPaymentFailed       = "invoice.payment_failed"
	EventSubscriptionDeleted = "customer.subscription.deleted"
)

// BillingEvent is the payload of the billing webhook.
type BillingEvent struct {
	EventType   string `json:"event_type"`
	CustomerRef string `json:"customer_ref"`
	TenantID    string `json:"tenant_id,omitempty"`
}

// BillingService keeps the tenant active flag in step with the billing
// provider and builds the provider URLs tenants are sent to.
type BillingService struct {
	registry    repository.Registry
	invalidator CacheInvalidator
	urls        tenancy.URLBuilder
	checkoutURL string
	portalURL   string
	log         *zap.Logger
}

// NewBillingService creates a BillingService. invalidator may be nil.
func NewBillingService(registry repository.Registry, invalidator CacheInvalidator, urls tenancy.URLBuilder,
	checkoutURL, portalURL string, log *zap.Logger) *BillingService {
	return &BillingService{
		registry:    registry,
		invalidator: invalidator,
		urls:        urls,
		checkoutURL: checkoutURL,
		portalURL:   portalURL,
		log:         log,
	}
}

// ApplyEvent applies a billing event to the registry. Unknown event types are
// ignored and return a nil tenant. ErrTenantNotFound means the event names no
// known tenant.
func (s *BillingService) ApplyEvent(ctx context.Context, ev BillingEvent) (*models.Tenant, error) {
	var (
		t      *models.Tenant
		active bool
		err    error
	)
	switch ev.EventType {
	case EventCheckoutCompleted:
		if ev.TenantID == "" {
			return nil, fmt.Errorf("%w: %s requires tenant_id", ErrInvalidEvent, ev.EventType)
		}
		t, err = s.registry.GetTenant(ctx, ev.TenantID)
		if err != nil {
			return nil, notFound(err)
		}
		if ev.CustomerRef != "" {
			if err := s.registry.SetCustomerRef(ctx, t.ID, ev.CustomerRef); err != nil {
				return nil, notFound(err)
			}
			ref := ev.CustomerRef
			t.BillingCustomerRef = &ref
		}
		active = true
	case EventInvoicePaid, EventPaymentFailed, EventSubscriptionDeleted:
		if ev.CustomerRef == "" {
			return nil, fmt.Errorf("%w: %s requires customer_ref", ErrInvalidEvent, ev.EventType)
		}
		t, err = s.registry.GetTenantByCustomerRef(ctx, ev.CustomerRef)
		if err != nil {
			return nil, notFound(err)
		}
		active = ev.EventType == EventInvoicePaid
	default:
		s.log.Info("Ignoring billing event", zap.String("event_type", ev.EventType))
		return nil, nil
	}

	if err := s.registry.SetActive(ctx, t.ID, active); err != nil {
		return nil, notFound(err)
	}
	t.Active = active
	s.invalidate(ctx, t.ID)

	s.log.Info("Applied billing event",
		zap.String("event_type", ev.EventType),
		zap.String("tenant_id", t.ID),
		zap.Bool("active", active))
	return t, nil
}

// CheckoutURL returns the provider checkout page for a tenant, tagged with the
// tenant ID so the completion event can be matched back.
func (s *BillingService) CheckoutURL(t *models.Tenant, host string) (string, error) {
	u, err := url.Parse(s.checkoutURL)
	if err != nil {
		return "", fmt.Errorf("parse checkout url: %w", err)
	}
	q := u.Query()
	q.Set("client_reference_id", t.ID)
	q.Set("success_url", s.urls.External(host, "/dashboard/"))
	q.Set("cancel_url", s.urls.External(host, "/billing/checkout/"))
	if t.BillingCustomerRef != nil {
		q.Set("customer", *t.BillingCustomerRef)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// PortalURL returns the provider self-service portal for a paying tenant.
func (s *BillingService) PortalURL(t *models.Tenant, host string) (string, error) {
	if t.BillingCustomerRef == nil {
		return "", ErrNoBillingCustomer
	}
	u, err := url.Parse(s.portalURL)
	if err != nil {
		return "", fmt.Errorf("parse portal url: %w", err)
	}
	q := u.Query()
	q.Set("customer", *t.BillingCustomerRef)
	q.Set("return_url", s.urls.External(host, "/dashboard/"))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *BillingService) invalidate(ctx context.Context, tenantID string) {
	if s.invalidator == nil {
		return
	}
	if err := s.invalidator.Invalidate(ctx, tenantID); err != nil {
		s.log.Warn("failed to invalidate resolver cache", zap.String("tenant_id", tenantID), zap.Error(err))
	}
}

func notFound(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%w: %w", tenancy.ErrTenantNotFound, err)
	}
	return err
}
