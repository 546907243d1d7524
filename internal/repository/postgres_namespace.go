package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const (
	pgDuplicateSchema = "42P06"
	pgUniqueViolation = "23505"

	resetTimeout          = 5 * time.Second
	defaultAcquireTimeout = 5 * time.Second
)

// NewPool opens a pgx pool whose connections start on the reserved namespace
// and are put back on it whenever they return to the pool. A connection that
// cannot be reset is destroyed instead of pooled.
func NewPool(ctx context.Context, dsn, reserved string, maxConns int32, log *zap.Logger) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if maxConns > 0 {
		poolConfig.MaxConns = maxConns
	}
	poolConfig.ConnConfig.RuntimeParams["search_path"] = pgx.Identifier{reserved}.Sanitize()
	poolConfig.AfterRelease = func(conn *pgx.Conn) bool {
		ctx, cancel := context.WithTimeout(context.Background(), resetTimeout)
		defer cancel()
		if err := setSearchPath(ctx, conn, reserved); err != nil {
			log.Warn("destroying connection that could not be reset", zap.Error(err))
			return false
		}
		return true
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// PostgresNamespaceStore implements NamespaceStore with Postgres schemas.
type PostgresNamespaceStore struct {
	db             *pgxpool.Pool
	reserved       string
	acquireTimeout time.Duration
	migrator       *Migrator
	log            *zap.Logger
}

// NewPostgresNamespaceStore creates a PostgresNamespaceStore.
func NewPostgresNamespaceStore(db *pgxpool.Pool, reserved string, log *zap.Logger) *PostgresNamespaceStore {
	return &PostgresNamespaceStore{
		db:             db,
		reserved:       reserved,
		acquireTimeout: defaultAcquireTimeout,
		migrator:       NewMigrator(db, log),
		log:            log,
	}
}

// SetAcquireTimeout bounds how long Pin waits for a free pool connection.
func (s *PostgresNamespaceStore) SetAcquireTimeout(d time.Duration) {
	if d > 0 {
		s.acquireTimeout = d
	}
}

// Reserved returns the reserved namespace name.
func (s *PostgresNamespaceStore) Reserved() string {
	return s.reserved
}

// CreateNamespace creates the schema. ErrNamespaceExists is returned when it
// is already present so callers never adopt (or later drop) a schema they did
// not create.
func (s *PostgresNamespaceStore) CreateNamespace(ctx context.Context, namespace string) error {
	_, err := connFrom(ctx, s.db).Exec(ctx, "CREATE SCHEMA "+pgx.Identifier{namespace}.Sanitize())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgDuplicateSchema {
			return fmt.Errorf("%w: %s", ErrNamespaceExists, namespace)
		}
		return fmt.Errorf("create namespace %s: %w", namespace, err)
	}
	return nil
}

// DropNamespace drops the schema with everything in it. Dropping a schema
// that does not exist is not an error.
func (s *PostgresNamespaceStore) DropNamespace(ctx context.Context, namespace string) error {
	if namespace == s.reserved {
		return ErrReservedNamespace
	}
	if _, err := connFrom(ctx, s.db).Exec(ctx, "DROP SCHEMA IF EXISTS "+pgx.Identifier{namespace}.Sanitize()+" CASCADE"); err != nil {
		return fmt.Errorf("drop namespace %s: %w", namespace, err)
	}
	return nil
}

// NamespaceExists reports whether the schema is present.
func (s *PostgresNamespaceStore) NamespaceExists(ctx context.Context, namespace string) (bool, error) {
	var exists bool
	err := connFrom(ctx, s.db).QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM pg_namespace WHERE nspname = $1)", namespace).Scan(&exists)
	return exists, err
}

// Migrate applies set inside namespace.
func (s *PostgresNamespaceStore) Migrate(ctx context.Context, namespace string, set MigrationSet) error {
	return s.migrator.Up(ctx, namespace, set)
}

// Pin checks out a connection and points its search_path at namespace only.
// The namespace must exist: Postgres happily accepts a search_path naming a
// missing schema, so the pin is confirmed through current_schema().
//
// When ctx is bound to a pinned connection the pin nests on that connection
// instead of checking out another one; releasing the nested handle restores
// the outer namespace.
func (s *PostgresNamespaceStore) Pin(ctx context.Context, namespace string) (Handle, error) {
	if outer, ok := ctx.Value(connKey{}).(*pinnedConn); ok {
		return outer.pin(ctx, namespace)
	}

	actx, cancel := context.WithTimeout(ctx, s.acquireTimeout)
	conn, err := s.db.Acquire(actx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	if err := setSearchPath(ctx, conn.Conn(), namespace); err != nil {
		destroy(conn, s.log)
		return nil, err
	}
	return &pinnedConn{conn: conn, namespace: namespace, resetTo: s.reserved, log: s.log}, nil
}

func setSearchPath(ctx context.Context, conn *pgx.Conn, namespace string) error {
	if _, err := conn.Exec(ctx, "SELECT set_config('search_path', $1, false)", pgx.Identifier{namespace}.Sanitize()); err != nil {
		return fmt.Errorf("set search_path to %s: %w", namespace, err)
	}
	var current *string
	if err := conn.QueryRow(ctx, "SELECT current_schema()").Scan(&current); err != nil {
		return fmt.Errorf("confirm search_path %s: %w", namespace, err)
	}
	if current == nil || *current != namespace {
		return fmt.Errorf("%w: %s", ErrNamespaceMissing, namespace)
	}
	return nil
}

func destroy(conn *pgxpool.Conn, log *zap.Logger) {
	raw := conn.Hijack()
	ctx, cancel := context.WithTimeout(context.Background(), resetTimeout)
	defer cancel()
	if err := raw.Close(ctx); err != nil {
		log.Debug("closing hijacked connection", zap.Error(err))
	}
}

// pinnedConn is the Handle returned by Pin. A nested pin shares its outer
// handle's connection and never returns it to the pool.
type pinnedConn struct {
	conn      *pgxpool.Conn
	namespace string
	resetTo   string
	outer     *pinnedConn
	log       *zap.Logger

	mu       sync.Mutex
	released bool
	broken   error
}

func (p *pinnedConn) Namespace() string {
	return p.namespace
}

func (p *pinnedConn) active() (*pgxpool.Conn, error) {
	p.mu.Lock()
	released, broken := p.released, p.broken
	p.mu.Unlock()
	if released {
		return nil, ErrHandleReleased
	}
	if broken != nil {
		return nil, broken
	}
	if p.outer != nil {
		if _, err := p.outer.active(); err != nil {
			return nil, err
		}
	}
	return p.conn, nil
}

// poison makes every later use of the handle fail. It is applied when the
// connection's namespace can no longer be vouched for.
func (p *pinnedConn) poison(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.broken == nil {
		p.broken = fmt.Errorf("namespace %s no longer pinned: %w", p.namespace, err)
	}
}

// IsClosed reports whether the handle can no longer run statements.
func (p *pinnedConn) IsClosed() bool {
	conn, err := p.active()
	return err != nil || conn.Conn().IsClosed()
}

func (p *pinnedConn) pin(ctx context.Context, namespace string) (Handle, error) {
	conn, err := p.active()
	if err != nil {
		return nil, err
	}
	if err := setSearchPath(ctx, conn.Conn(), namespace); err != nil {
		p.restore(ctx)
		return nil, err
	}
	return &pinnedConn{conn: conn, namespace: namespace, resetTo: p.namespace, outer: p, log: p.log}, nil
}

// restore points the connection back at p's namespace after a nested pin.
func (p *pinnedConn) restore(ctx context.Context) {
	if _, err := p.active(); err != nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resetTimeout)
	defer cancel()
	if err := setSearchPath(rctx, p.conn.Conn(), p.namespace); err != nil {
		p.log.Warn("failed to restore namespace after nested pin",
			zap.String("namespace", p.namespace), zap.Error(err))
		p.poison(err)
	}
}

func (p *pinnedConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	conn, err := p.active()
	if err != nil {
		return pgconn.CommandTag{}, err
	}
	return conn.Exec(ctx, sql, args...)
}

func (p *pinnedConn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	conn, err := p.active()
	if err != nil {
		return nil, err
	}
	return conn.Query(ctx, sql, args...)
}

func (p *pinnedConn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	conn, err := p.active()
	if err != nil {
		return errRow{err: err}
	}
	return conn.QueryRow(ctx, sql, args...)
}

func (p *pinnedConn) Begin(ctx context.Context) (pgx.Tx, error) {
	conn, err := p.active()
	if err != nil {
		return nil, err
	}
	return conn.Begin(ctx)
}

// Release resets the connection to the namespace it came from and, for a
// top-level pin, returns it to the pool. It runs on a context detached from
// the caller's cancellation so a cancelled request still cleans up. Calling
// Release more than once is a no-op.
func (p *pinnedConn) Release(ctx context.Context) {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return
	}
	p.released = true
	p.mu.Unlock()

	if p.outer != nil {
		p.outer.restore(ctx)
		return
	}

	resetCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resetTimeout)
	defer cancel()
	if err := setSearchPath(resetCtx, p.conn.Conn(), p.resetTo); err != nil {
		p.log.Warn("failed to reset namespace, destroying connection",
			zap.String("namespace", p.namespace), zap.Error(err))
		destroy(p.conn, p.log)
		return
	}
	p.conn.Release()
}

type errRow struct {
	err error
}

func (r errRow) Scan(...any) error {
	return r.err
}
