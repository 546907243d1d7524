package services

import (
	"context"
	"strings"

	"pillarpost/backend/internal/repository"
	"pillarpost/backend/internal/tenancy"
)

// Portal is a tenant site a person can log in to.
type Portal struct {
	Name     string `json:"name"`
	LoginURL string `json:"login_url"`
}

// PortalService finds the tenant sites an email address is associated with.
type PortalService struct {
	registry repository.Registry
	urls     tenancy.URLBuilder
}

func NewPortalService(registry repository.Registry, urls tenancy.URLBuilder) *PortalService {
	return &PortalService{registry: registry, urls: urls}
}

// FindPortals matches email against tenant notification addresses. A blank
// email matches nothing.
func (s *PortalService) FindPortals(ctx context.Context, email string) ([]Portal, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	portals := []Portal{}
	if email == "" {
		return portals, nil
	}
	matches, err := s.registry.FindByNotificationEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	for _, m := range matches {
		portals = append(portals, Portal{
			Name:     m.Tenant.Name,
			LoginURL: s.urls.LoginURL(m.PrimaryHostname),
		})
	}
	return portals, nil
}
