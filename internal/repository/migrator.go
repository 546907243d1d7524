package repository

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

//go:embed migrations
var migrations embed.FS

// RegistryMigrations returns the scripts that build the reserved namespace.
func RegistryMigrations() MigrationSet {
	return mustSub("migrations/registry")
}

// TenantMigrations returns the scripts run inside every tenant namespace.
func TenantMigrations() MigrationSet {
	return mustSub("migrations/tenant")
}

func mustSub(dir string) MigrationSet {
	sub, err := fs.Sub(migrations, dir)
	if err != nil {
		panic(err)
	}
	return sub
}

// Migrator applies migration sets to a namespace. Applied versions are
// recorded in a schema_migrations table inside the namespace itself. Like the
// registry it runs on the connection bound to the context when there is one.
type Migrator struct {
	db  Querier
	log *zap.Logger
}

// NewMigrator creates a Migrator.
func NewMigrator(db Querier, log *zap.Logger) *Migrator {
	return &Migrator{db: db, log: log}
}

// Up applies every script of set whose version is newer than the namespace's
// current version. All scripts run in a single transaction with search_path
// set locally to the namespace, so a failing script leaves the namespace
// exactly as it was.
func (m *Migrator) Up(ctx context.Context, namespace string, set MigrationSet) error {
	list, err := fs.ReadDir(set, ".")
	if err != nil {
		return err
	}
	if len(list) == 0 {
		return nil
	}
	// sort the list according to the version number to ensure the migrations are applied in the correct order
	sort.Slice(list, func(i, j int) bool {
		return list[i].Name() < list[j].Name()
	})

	tx, err := connFrom(ctx, m.db).Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// serialize concurrent migrators of the same namespace
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", "schema_migrations:"+namespace); err != nil {
		return fmt.Errorf("lock migrations: %w", err)
	}
	if _, err := tx.Exec(ctx, "SELECT set_config('search_path', $1, true)", pgx.Identifier{namespace}.Sanitize()); err != nil {
		return fmt.Errorf("set search_path: %w", err)
	}
	if _, err := tx.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INT PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := tx.QueryRow(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("read migration version: %w", err)
	}

	final, err := scriptVersion(list[len(list)-1].Name())
	if err != nil {
		return err
	}
	if final > current {
		m.log.Info("Bringing up namespace migrations",
			zap.String("namespace", namespace),
			zap.Int("migration_count", final-current))
	}

	for _, f := range list {
		n := f.Name()
		v, err := scriptVersion(n)
		if err != nil {
			return err
		}
		if v <= current {
			continue
		}

		m.log.Debug("Executing namespace migration", zap.String("namespace", namespace), zap.String("migration_name", n))
		script, err := fs.ReadFile(set, n)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, string(script)); err != nil {
			return fmt.Errorf("migration %s: %w", n, err)
		}
		if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version, name) VALUES ($1, $2)", v, n); err != nil {
			return fmt.Errorf("record migration %s: %w", n, err)
		}
		current = v
	}

	return tx.Commit(ctx)
}

// extract the version number as an integer from a file named like "0002_migration_name.sql"
func scriptVersion(filename string) (int, error) {
	vString := strings.Split(filename, "_")[0]
	vInt, err := strconv.Atoi(vString)
	if err != nil {
		return 0, fmt.Errorf("migration %q: invalid version prefix: %w", filename, err)
	}
	return vInt, nil
}
