// Package postgres implements the store contracts on PostgreSQL via
// pgx. It is the production backend; job claiming uses
// FOR UPDATE SKIP LOCKED so multiple workers can share the queue.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medlit/medlit/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	uid           TEXT PRIMARY KEY,
	source        TEXT NOT NULL,
	source_id     TEXT NOT NULL,
	title         TEXT NOT NULL DEFAULT '',
	body          TEXT NOT NULL,
	published_at  TIMESTAMPTZ,
	fetched_at    TIMESTAMPTZ,
	language      TEXT NOT NULL DEFAULT '',
	authors       JSONB NOT NULL DEFAULT '[]',
	labels        JSONB NOT NULL DEFAULT '[]',
	identifiers   JSONB NOT NULL DEFAULT '{}',
	provenance    JSONB NOT NULL DEFAULT '{}',
	detail        JSONB NOT NULL DEFAULT '{}',
	license       TEXT NOT NULL DEFAULT '',
	version       INTEGER NOT NULL DEFAULT 1,
	schema        INTEGER NOT NULL DEFAULT 1,
	updated_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_documents_source ON documents(source);

CREATE TABLE IF NOT EXISTS watermarks (
	source     TEXT NOT NULL,
	term       TEXT NOT NULL,
	position   TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (source, term)
);

CREATE TABLE IF NOT EXISTS jobs (
	id               UUID PRIMARY KEY,
	tool             TEXT NOT NULL,
	args             JSONB NOT NULL DEFAULT '{}',
	idempotency_key  TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	progress         DOUBLE PRECISION NOT NULL DEFAULT 0,
	message          TEXT NOT NULL DEFAULT '',
	result           JSONB,
	error_code       TEXT NOT NULL DEFAULT '',
	attempts         INTEGER NOT NULL DEFAULT 0,
	max_attempts     INTEGER NOT NULL DEFAULT 3,
	cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
	run_after        TIMESTAMPTZ NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	started_at       TIMESTAMPTZ,
	finished_at      TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, run_after, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_idem ON jobs(tool, idempotency_key, created_at);
`

// Store implements store.Store on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ store.Store = (*Store)(nil)

// Open connects to the database and applies the schema.
func Open(ctx context.Context, dsn string, maxConns int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres DSN: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &Store{pool: pool, now: time.Now}, nil
}

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements store.Store.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
