package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"pillarpost/backend/pkg/models"
)

// TenantStore reads and writes the tables owned by one tenant. Table names
// are unqualified on purpose: they resolve through the search_path of the
// pinned connection, which is what confines every query to one namespace.
type TenantStore struct {
	db Querier
}

// NewTenantStore creates a TenantStore over a pinned handle or a transaction
// started on one.
func NewTenantStore(db Querier) *TenantStore {
	return &TenantStore{db: db}
}

// CreateUser saves a user; the ID is generated when empty.
func (s *TenantStore) CreateUser(ctx context.Context, u *models.User) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	err := s.db.QueryRow(ctx,
		"INSERT INTO users (id, email, password_hash, is_admin, is_active) VALUES ($1, $2, $3, $4, $5) RETURNING created_at",
		u.ID, u.Email, u.PasswordHash, u.IsAdmin, u.IsActive,
	).Scan(&u.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("%w: %s", ErrUserExists, u.Email)
		}
		return err
	}
	return nil
}

// GetUserByEmail retrieves a user by email.
func (s *TenantStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	err := s.db.QueryRow(ctx,
		"SELECT id, email, password_hash, is_admin, is_active, created_at FROM users WHERE email = $1",
		strings.ToLower(strings.TrimSpace(email)),
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.IsAdmin, &u.IsActive, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// CreateSiteProfile writes the single site profile row of the namespace.
func (s *TenantStore) CreateSiteProfile(ctx context.Context, p *models.SiteProfile) error {
	return s.db.QueryRow(ctx,
		"INSERT INTO site_profile (display_name, template, primary_color, tagline) VALUES ($1, $2, $3, $4) RETURNING updated_at",
		p.DisplayName, p.Branding.Template, p.Branding.PrimaryColor, p.Branding.Tagline,
	).Scan(&p.UpdatedAt)
}

// GetSiteProfile returns the site profile. ErrNotFound here means the
// namespace was never fully provisioned.
func (s *TenantStore) GetSiteProfile(ctx context.Context) (*models.SiteProfile, error) {
	var p models.SiteProfile
	err := s.db.QueryRow(ctx,
		"SELECT display_name, template, primary_color, tagline, updated_at FROM site_profile",
	).Scan(&p.DisplayName, &p.Branding.Template, &p.Branding.PrimaryColor, &p.Branding.Tagline, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// UpdateBranding replaces the branding of the site profile.
func (s *TenantStore) UpdateBranding(ctx context.Context, b models.Branding) error {
	tag, err := s.db.Exec(ctx,
		"UPDATE site_profile SET template = $1, primary_color = $2, tagline = $3, updated_at = now()",
		b.Template, b.PrimaryColor, b.Tagline,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateJob saves a job listing; the ID is generated when empty.
func (s *TenantStore) CreateJob(ctx context.Context, j *models.Job) error {
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	return s.db.QueryRow(ctx,
		`INSERT INTO jobs (id, title, company_name, salary, location, summary, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING created_at`,
		j.ID, j.Title, j.CompanyName, j.Salary, j.Location, j.Summary, j.Description,
	).Scan(&j.CreatedAt)
}

// GetJob retrieves a job by its ID.
func (s *TenantStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	j, err := scanJob(s.db.QueryRow(ctx,
		"SELECT id, title, company_name, salary, location, summary, description, created_at FROM jobs WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return j, nil
}

// CountJobs counts the namespace's job listings.
func (s *TenantStore) CountJobs(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, "SELECT count(*) FROM jobs").Scan(&n)
	return n, err
}

// ListJobs returns the newest job listings first.
func (s *TenantStore) ListJobs(ctx context.Context, limit int) ([]*models.Job, error) {
	rows, err := s.db.Query(ctx,
		"SELECT id, title, company_name, salary, location, summary, description, created_at FROM jobs ORDER BY created_at DESC LIMIT $1",
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	if err := row.Scan(&j.ID, &j.Title, &j.CompanyName, &j.Salary, &j.Location, &j.Summary, &j.Description, &j.CreatedAt); err != nil {
		return nil, err
	}
	return &j, nil
}
