// Package store is the Tenant Store: owner-partitioned persistence for
// every entity in spec §3. Every exported function that reads or writes
// an owner-tagged row takes a principal's user id (directly or inside the
// row it writes) and folds it into the query predicate, with two
// exceptions: ListOpenSessionRows and ListRunningProcessRows query
// across all users without an owner filter. This is the thin typed
// layer the rest of the kernel is required to go through; no handler may
// assemble SQL directly.
package store

import (
	"context"
	"time"

	"github.com/gravitational/trace"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/sirupsen/logrus"
)

// Store wraps a pooled Postgres connection and exposes the tenant-scoped
// operations every owner-tagged table requires.
type Store struct {
	pool    *pgxpool.Pool
	log     logrus.FieldLogger
	timeout time.Duration
}

// Config configures the pool backing a Store.
type Config struct {
	// DatabaseURL is a libpq-style connection string.
	DatabaseURL string
	// MaxConns bounds the pool size (spec §6 DB_MAX_CONN, default 10).
	MaxConns int32
	// Timeout bounds individual operations (spec §5, default 30s).
	Timeout time.Duration
	// Log receives structured diagnostics.
	Log logrus.FieldLogger
}

// CheckAndSetDefaults validates required fields and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.DatabaseURL == "" {
		return trace.BadParameter("DatabaseURL is required")
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 10
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Log == nil {
		c.Log = logrus.WithField(trace.Component, "store")
	}
	return nil
}

// New connects the pool and runs migrations. Migrations are idempotent:
// applying them twice is equivalent to applying them once (spec R2).
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, trace.Wrap(err, "parsing DATABASE_URL")
	}
	poolCfg.MaxConns = cfg.MaxConns

	pool, err := pgxpool.ConnectConfig(ctx, poolCfg)
	if err != nil {
		return nil, trace.Wrap(err, "connecting to tenant store")
	}

	s := &Store{pool: pool, log: cfg.Log, timeout: cfg.Timeout}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, trace.Wrap(err)
	}
	return s, nil
}

// NewFromPool wraps an already-connected pool. Unlike New, it does not
// run migrations.
func NewFromPool(pool *pgxpool.Pool, log logrus.FieldLogger) *Store {
	if log == nil {
		log = logrus.WithField(trace.Component, "store")
	}
	return &Store{pool: pool, log: log, timeout: 30 * time.Second}
}

// Close releases the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) ctx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// migrate applies the schema described in spec §3/§6. Every statement is
// CREATE ... IF NOT EXISTS so re-running migrate is a no-op (R2).
func (s *Store) migrate(ctx context.Context) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	for _, stmt := range migrations {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return trace.Wrap(err, "applying migration")
		}
	}
	return nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS projects (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL,
		name TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS projects_user_id_idx ON projects (user_id)`,

	`CREATE TABLE IF NOT EXISTS tasks (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL,
		project_id UUID NOT NULL,
		title TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS tasks_user_id_idx ON tasks (user_id)`,
	`CREATE INDEX IF NOT EXISTS tasks_user_project_idx ON tasks (user_id, project_id)`,

	`CREATE TABLE IF NOT EXISTS workspaces (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL,
		task_id UUID NOT NULL,
		root_path TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS workspaces_user_id_idx ON workspaces (user_id)`,
	`CREATE INDEX IF NOT EXISTS workspaces_user_task_idx ON workspaces (user_id, task_id)`,

	`CREATE TABLE IF NOT EXISTS sessions (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL,
		workspace_id UUID NOT NULL,
		cols INT NOT NULL,
		rows INT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_activity TIMESTAMPTZ NOT NULL DEFAULT now(),
		closed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS sessions_user_id_idx ON sessions (user_id)`,
	`CREATE INDEX IF NOT EXISTS sessions_user_workspace_idx ON sessions (user_id, workspace_id)`,

	`CREATE TABLE IF NOT EXISTS execution_processes (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL,
		session_id UUID NOT NULL,
		status TEXT NOT NULL,
		exit_code INT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		completed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS execution_processes_user_id_idx ON execution_processes (user_id)`,
	`CREATE INDEX IF NOT EXISTS execution_processes_user_session_idx ON execution_processes (user_id, session_id)`,

	`CREATE TABLE IF NOT EXISTS repos (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL,
		path TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (user_id, path)
	)`,
	`CREATE INDEX IF NOT EXISTS repos_user_id_idx ON repos (user_id)`,

	`CREATE TABLE IF NOT EXISTS user_configs (
		user_id UUID NOT NULL,
		key TEXT NOT NULL,
		value JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (user_id, key)
	)`,

	`CREATE TABLE IF NOT EXISTS pty_sessions (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL,
		workspace_id UUID,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS pty_sessions_user_id_idx ON pty_sessions (user_id)`,

	`CREATE TABLE IF NOT EXISTS secrets (
		user_id UUID PRIMARY KEY,
		ciphertext BYTEA NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS audit_events (
		id BIGSERIAL PRIMARY KEY,
		user_id UUID NOT NULL,
		resource_kind TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		reason TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS audit_events_user_id_idx ON audit_events (user_id)`,
}

// mapError turns a raw pgx/pgconn error into the domain taxonomy. A
// unique-violation on a scoped key maps to trace.AlreadyExists
// (externally surfaced as Conflict); pgx.ErrNoRows maps to
// trace.NotFound; everything else is wrapped as-is and later collapsed
// to Internal by the Error Mapper. The raw driver error is never
// returned to a caller outside this package.
func mapError(err error, context string) error {
	if err == nil {
		return nil
	}
	if err == pgx.ErrNoRows {
		return trace.NotFound("%s: not found", context)
	}
	var pgErr *pgconn.PgError
	if asPgError(err, &pgErr) {
		if pgErr.Code == pgerrcode.UniqueViolation {
			return trace.AlreadyExists("%s: conflicting resource", context)
		}
	}
	return trace.Wrap(err, context)
}

func asPgError(err error, target **pgconn.PgError) bool {
	for err != nil {
		if pe, ok := err.(*pgconn.PgError); ok {
			*target = pe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
