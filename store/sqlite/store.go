// Package sqlite implements job.Store on SQLite via database/sql and the
// pure-Go modernc.org/sqlite driver. Conditional transitions are single
// UPDATE statements guarded by state and owner predicates; SQLite's
// serialized writes make each one atomic.
//
// Usage:
//
//	db, _ := sql.Open("sqlite", "file:floq.db?_pragma=busy_timeout(5000)")
//	s := sqlitestore.New(db)
//	if err := s.Migrate(ctx); err != nil { ... }
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	_ "modernc.org/sqlite" // register the sqlite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS floq_jobs (
	id               TEXT PRIMARY KEY,
	kind             TEXT NOT NULL,
	payload          BLOB,
	state            TEXT NOT NULL,
	max_attempts     INTEGER NOT NULL,
	attempt_count    INTEGER NOT NULL DEFAULT 0,
	result           BLOB,
	failure          TEXT,
	last_error       TEXT NOT NULL DEFAULT '',
	worker_id        TEXT NOT NULL DEFAULT '',
	cancel_requested INTEGER NOT NULL DEFAULT 0,
	run_at           INTEGER NOT NULL,
	created_at       INTEGER NOT NULL,
	started_at       INTEGER,
	finished_at      INTEGER,
	heartbeat_at     INTEGER,
	updated_at       INTEGER NOT NULL,
	timeout_ns       INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_floq_jobs_state_created ON floq_jobs (state, created_at);
CREATE INDEX IF NOT EXISTS idx_floq_jobs_state_heartbeat ON floq_jobs (state, heartbeat_at);
CREATE INDEX IF NOT EXISTS idx_floq_jobs_kind ON floq_jobs (kind);
`

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements job.Store backed by SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a SQLite-backed store. The caller owns the *sql.DB lifecycle;
// Store never closes it.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Migrate creates the jobs table and its indexes.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("floq/sqlite: migrate: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close is a no-op; the caller owns the *sql.DB lifecycle.
func (s *Store) Close(_ context.Context) error { return nil }

// isNoRows reports whether err indicates no rows were found.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// isDuplicateKey reports whether err is a unique constraint violation.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
