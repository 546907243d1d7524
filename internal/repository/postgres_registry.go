package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"pillarpost/backend/pkg/models"
)

var tenantColumns = []string{
	"t.id", "t.name", "t.namespace", "t.plan", "t.active", "t.status", "t.trial_expires_at",
	"t.billing_customer_ref", "t.notification_emails", "t.created_at", "t.updated_at",
}

// PostgresRegistry implements Registry. Every statement names its tables
// with the reserved namespace explicitly so the registry never depends on
// the search_path of the connection it runs on.
type PostgresRegistry struct {
	db      Querier
	tenants string
	domains string
	psql    sq.StatementBuilderType
}

// NewPostgresRegistry creates a PostgresRegistry over the reserved namespace.
// Calls run on the connection bound to their context by WithConn, or on db.
func NewPostgresRegistry(db Querier, reserved string) *PostgresRegistry {
	return &PostgresRegistry{
		db:      db,
		tenants: pgx.Identifier{reserved, "tenants"}.Sanitize(),
		domains: pgx.Identifier{reserved, "domains"}.Sanitize(),
		psql:    sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

func (r *PostgresRegistry) conn(ctx context.Context) Querier {
	return connFrom(ctx, r.db)
}

// ReserveTenant inserts the tenant and its primary domain in one transaction.
// Signups with the same display name are serialized by an advisory lock so a
// retried signup is detected as a duplicate instead of racing its original.
// Uniqueness of namespace and hostname is left to the table constraints.
func (r *PostgresRegistry) ReserveTenant(ctx context.Context, res Reservation) error {
	t, d := res.Tenant, res.Domain

	tx, err := r.conn(ctx).Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin reservation: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	name := strings.ToLower(strings.TrimSpace(t.Name))
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", "signup:"+name); err != nil {
		return fmt.Errorf("lock signup: %w", err)
	}

	if len(t.NotificationEmails) > 0 {
		var duplicate bool
		err := tx.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM "+r.tenants+" WHERE lower(name) = $1 AND notification_emails && $2)",
			name, t.NotificationEmails,
		).Scan(&duplicate)
		if err != nil {
			return fmt.Errorf("check duplicate signup: %w", err)
		}
		if duplicate {
			return ErrDuplicateSignup
		}
	}

	_, err = tx.Exec(ctx, "INSERT INTO "+r.tenants+` (id, name, namespace, plan, active, status, trial_expires_at,
		billing_customer_ref, notification_emails, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`,
		t.ID, t.Name, t.Namespace, t.Plan, t.Active, t.Status, t.TrialExpiresAt,
		t.BillingCustomerRef, t.NotificationEmails, t.CreatedAt,
	)
	if err != nil {
		return mapUniqueViolation(err)
	}

	_, err = tx.Exec(ctx, "INSERT INTO "+r.domains+" (id, hostname, tenant_id, is_primary, created_at) VALUES ($1, $2, $3, $4, $5)",
		d.ID, d.Hostname, t.ID, d.IsPrimary, d.CreatedAt,
	)
	if err != nil {
		return mapUniqueViolation(err)
	}

	return tx.Commit(ctx)
}

func mapUniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		switch pgErr.ConstraintName {
		case "tenants_namespace_key":
			return ErrNamespaceTaken
		case "domains_hostname_key":
			return ErrHostnameTaken
		case "tenants_billing_customer_ref_key":
			return ErrCustomerRefTaken
		}
	}
	return err
}

// FinalizeTenant marks a provisioned tenant ready.
func (r *PostgresRegistry) FinalizeTenant(ctx context.Context, id string, active bool, trialExpiresAt time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, "UPDATE "+r.tenants+` SET status = $2, active = $3, trial_expires_at = $4, updated_at = now()
		WHERE id = $1 AND status = $5`,
		id, models.TenantStatusReady, active, trialExpiresAt, models.TenantStatusProvisioning,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteTenant removes the tenant; its domains go with it through the
// foreign key cascade.
func (r *PostgresRegistry) DeleteTenant(ctx context.Context, id string) error {
	_, err := r.conn(ctx).Exec(ctx, "DELETE FROM "+r.tenants+" WHERE id = $1", id)
	return err
}

// GetTenant retrieves a tenant by its ID.
func (r *PostgresRegistry) GetTenant(ctx context.Context, id string) (*models.Tenant, error) {
	return r.getOne(ctx, r.selectTenants().Where(sq.Eq{"t.id": id}))
}

// GetTenantByHostname retrieves the tenant owning an exact hostname.
func (r *PostgresRegistry) GetTenantByHostname(ctx context.Context, hostname string) (*models.Tenant, error) {
	q := r.selectTenants().
		Join(r.domains + " d ON d.tenant_id = t.id").
		Where(sq.Eq{"d.hostname": hostname})
	return r.getOne(ctx, q)
}

// GetTenantByCustomerRef retrieves the tenant linked to a billing customer.
func (r *PostgresRegistry) GetTenantByCustomerRef(ctx context.Context, ref string) (*models.Tenant, error) {
	return r.getOne(ctx, r.selectTenants().Where(sq.Eq{"t.billing_customer_ref": ref}))
}

// ListDomains lists every hostname of a tenant, primary first.
func (r *PostgresRegistry) ListDomains(ctx context.Context, tenantID string) ([]*models.Domain, error) {
	rows, err := r.conn(ctx).Query(ctx, "SELECT id, hostname, tenant_id, is_primary, created_at FROM "+r.domains+
		" WHERE tenant_id = $1 ORDER BY is_primary DESC, hostname", tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var domains []*models.Domain
	for rows.Next() {
		var d models.Domain
		if err := rows.Scan(&d.ID, &d.Hostname, &d.TenantID, &d.IsPrimary, &d.CreatedAt); err != nil {
			return nil, err
		}
		domains = append(domains, &d)
	}
	return domains, rows.Err()
}

// PrimaryDomain returns the tenant's primary domain.
func (r *PostgresRegistry) PrimaryDomain(ctx context.Context, tenantID string) (*models.Domain, error) {
	var d models.Domain
	err := r.conn(ctx).QueryRow(ctx, "SELECT id, hostname, tenant_id, is_primary, created_at FROM "+r.domains+
		" WHERE tenant_id = $1 AND is_primary", tenantID).
		Scan(&d.ID, &d.Hostname, &d.TenantID, &d.IsPrimary, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

// ListTenants returns tenants ordered by creation time, newest first.
func (r *PostgresRegistry) ListTenants(ctx context.Context, filter TenantFilter) ([]*models.Tenant, error) {
	q := r.selectTenants().OrderBy("t.created_at DESC")
	if filter.Status != nil {
		q = q.Where(sq.Eq{"t.status": *filter.Status})
	}
	if filter.Active != nil {
		q = q.Where(sq.Eq{"t.active": *filter.Active})
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}
	return r.getMany(ctx, q)
}

// ListStale returns tenants that started provisioning before the cutoff and
// never finalized.
func (r *PostgresRegistry) ListStale(ctx context.Context, startedBefore time.Time) ([]*models.Tenant, error) {
	q := r.selectTenants().
		Where(sq.Eq{"t.status": models.TenantStatusProvisioning}).
		Where(sq.Lt{"t.created_at": startedBefore}).
		OrderBy("t.created_at")
	return r.getMany(ctx, q)
}

// FindByNotificationEmail returns ready tenants that list email as a
// notification address, with their primary hostname.
func (r *PostgresRegistry) FindByNotificationEmail(ctx context.Context, email string) ([]*PortalMatch, error) {
	sql, args, err := r.psql.Select(append(append([]string{}, tenantColumns...), "d.hostname")...).
		From(r.tenants+" t").
		Join(r.domains+" d ON d.tenant_id = t.id AND d.is_primary").
		Where("? = ANY(t.notification_emails)", strings.ToLower(strings.TrimSpace(email))).
		Where(sq.Eq{"t.status": models.TenantStatusReady}).
		OrderBy("t.name").
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []*PortalMatch
	for rows.Next() {
		var m PortalMatch
		t, err := scanTenant(rows, &m.PrimaryHostname)
		if err != nil {
			return nil, err
		}
		m.Tenant = t
		matches = append(matches, &m)
	}
	return matches, rows.Err()
}

// SetActive flips the billing flag of a tenant.
func (r *PostgresRegistry) SetActive(ctx context.Context, id string, active bool) error {
	return r.update(ctx, id, map[string]any{"active": active})
}

// SetCustomerRef links a tenant to its billing-provider customer.
func (r *PostgresRegistry) SetCustomerRef(ctx context.Context, id, ref string) error {
	return r.update(ctx, id, map[string]any{"billing_customer_ref": ref})
}

// SetNotificationEmails replaces the tenant's notification addresses.
func (r *PostgresRegistry) SetNotificationEmails(ctx context.Context, id string, emails []string) error {
	return r.update(ctx, id, map[string]any{"notification_emails": emails})
}

func (r *PostgresRegistry) update(ctx context.Context, id string, set map[string]any) error {
	sql, args, err := r.psql.Update(r.tenants).
		SetMap(set).
		Set("updated_at", sq.Expr("now()")).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return err
	}
	tag, err := r.conn(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return mapUniqueViolation(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRegistry) selectTenants() sq.SelectBuilder {
	return r.psql.Select(tenantColumns...).From(r.tenants + " t")
}

func (r *PostgresRegistry) getOne(ctx context.Context, q sq.SelectBuilder) (*models.Tenant, error) {
	sql, args, err := q.Limit(1).ToSql()
	if err != nil {
		return nil, err
	}
	t, err := scanTenant(r.conn(ctx).QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return t, nil
}

func (r *PostgresRegistry) getMany(ctx context.Context, q sq.SelectBuilder) ([]*models.Tenant, error) {
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []*models.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

func scanTenant(row pgx.Row, extra ...any) (*models.Tenant, error) {
	var t models.Tenant
	dest := []any{
		&t.ID, &t.Name, &t.Namespace, &t.Plan, &t.Active, &t.Status, &t.TrialExpiresAt,
		&t.BillingCustomerRef, &t.NotificationEmails, &t.CreatedAt, &t.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	return &t, nil
}
