package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"pillarpost/backend/internal/config"
	"pillarpost/backend/internal/repository"
	"pillarpost/backend/internal/tenancy"
	"pillarpost/backend/internal/testutil"
	"pillarpost/backend/pkg/models"
)

func TestSiteService(t *testing.T) {
	ctx := context.Background()
	dsn := testutil.StartPostgres(t)
	log := zaptest.NewLogger(t)

	pool, err := repository.NewPool(ctx, dsn, "public", 4, log)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	namespaces := repository.NewPostgresNamespaceStore(pool, "public", log)
	require.NoError(t, namespaces.Migrate(ctx, "public", repository.RegistryMigrations()))
	registry := repository.NewPostgresRegistry(pool, "public")

	provisioner := tenancy.NewProvisioner(registry, namespaces, tenancy.ProvisionerOptions{
		Policy:  tenancy.Policy{DefaultPlan: "trial", Plans: map[string]config.Plan{"trial": {TrialDays: 14}}},
		URLs:    testURLs,
		Timeout: 10 * time.Second,
	}, log)
	tenant, _, err := provisioner.Provision(ctx, tenancy.Signup{
		DisplayName:   "Firm A",
		AdminEmail:    "admin@firm-a.test",
		AdminPassword: "a-long-enough-password",
	})
	require.NoError(t, err)

	h, err := namespaces.Pin(ctx, tenant.Namespace)
	require.NoError(t, err)
	defer h.Release(ctx)
	scope := &tenancy.Scope{Tenant: tenant, Namespace: tenant.Namespace, Conn: h}

	inv := &recordingInvalidator{}
	svc := NewSiteService(registry, inv, log)

	t.Run("authenticate", func(t *testing.T) {
		user, err := svc.Authenticate(ctx, scope, "ADMIN@firm-a.test", "a-long-enough-password")
		require.NoError(t, err)
		assert.True(t, user.IsAdmin)

		_, err = svc.Authenticate(ctx, scope, "admin@firm-a.test", "wrong-password")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
		_, err = svc.Authenticate(ctx, scope, "nobody@firm-a.test", "a-long-enough-password")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("dashboard", func(t *testing.T) {
		require.NoError(t, repository.NewTenantStore(h).CreateJob(ctx, &models.Job{
			Title: "Associate", Salary: "90k", Location: "Leeds", Summary: "s", Description: "d",
		}))
		d, err := svc.Dashboard(ctx, scope)
		require.NoError(t, err)
		assert.Equal(t, "Firm A", d.TenantName)
		assert.Equal(t, 1, d.JobCount)
		assert.Len(t, d.RecentJobs, 1)
		assert.Equal(t, models.DefaultBranding, d.Profile.Branding)
	})

	t.Run("settings", func(t *testing.T) {
		err := svc.UpdateSettings(ctx, scope, Settings{
			NotificationEmails: []string{" Ops@Firm-A.test "},
			Branding:           &models.Branding{Template: "modern", PrimaryColor: "#112233", Tagline: "Hiring"},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{tenant.ID}, inv.ids)

		stored, err := registry.GetTenant(ctx, tenant.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"ops@firm-a.test"}, stored.NotificationEmails)

		profile, err := repository.NewTenantStore(h).GetSiteProfile(ctx)
		require.NoError(t, err)
		assert.Equal(t, "modern", profile.Branding.Template)

		err = svc.UpdateSettings(ctx, scope, Settings{NotificationEmails: []string{"not-an-email"}})
		assert.ErrorIs(t, err, ErrInvalidSettings)
		err = svc.UpdateSettings(ctx, scope, Settings{Branding: &models.Branding{Template: "modern", PrimaryColor: "blue"}})
		assert.ErrorIs(t, err, ErrInvalidSettings)
	})

	t.Run("missing profile is not repaired", func(t *testing.T) {
		_, err := h.Exec(ctx, "DELETE FROM site_profile")
		require.NoError(t, err)
		_, err = svc.Dashboard(ctx, scope)
		assert.ErrorIs(t, err, tenancy.ErrProfileMissing)

		_, err = repository.NewTenantStore(h).GetSiteProfile(ctx)
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})
}
