// Package sqlite implements the store contracts on an embedded SQLite
// database. It is the zero-dependency default and the backend used by
// the test suite; production deployments use the postgres package.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/medlit/medlit/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	uid           TEXT PRIMARY KEY,
	source        TEXT NOT NULL,
	source_id     TEXT NOT NULL,
	title         TEXT NOT NULL DEFAULT '',
	body          TEXT NOT NULL,
	published_at  TEXT,
	fetched_at    TEXT,
	language      TEXT NOT NULL DEFAULT '',
	authors       TEXT NOT NULL DEFAULT '[]',
	labels        TEXT NOT NULL DEFAULT '[]',
	identifiers   TEXT NOT NULL DEFAULT '{}',
	provenance    TEXT NOT NULL DEFAULT '{}',
	detail        TEXT NOT NULL DEFAULT '{}',
	license       TEXT NOT NULL DEFAULT '',
	version       INTEGER NOT NULL DEFAULT 1,
	schema        INTEGER NOT NULL DEFAULT 1,
	updated_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_documents_source ON documents(source);

CREATE TABLE IF NOT EXISTS watermarks (
	source     TEXT NOT NULL,
	term       TEXT NOT NULL,
	position   TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (source, term)
);

CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY,
	tool             TEXT NOT NULL,
	args             TEXT NOT NULL DEFAULT '{}',
	idempotency_key  TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	progress         REAL NOT NULL DEFAULT 0,
	message          TEXT NOT NULL DEFAULT '',
	result           TEXT,
	error_code       TEXT NOT NULL DEFAULT '',
	attempts         INTEGER NOT NULL DEFAULT 0,
	max_attempts     INTEGER NOT NULL DEFAULT 3,
	cancel_requested INTEGER NOT NULL DEFAULT 0,
	run_after        TEXT NOT NULL,
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL,
	started_at       TEXT,
	finished_at      TEXT
);
CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, run_after, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_idem ON jobs(tool, idempotency_key, created_at);
`

// Store implements store.Store on SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// Open opens (and migrates) the database at path. ":memory:" and
// "file::memory:?cache=shared" work for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// modernc sqlite is single-writer; serialize through one connection
	// to avoid SQLITE_BUSY under concurrent workers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements store.Store.
func (s *Store) Close() error {
	return s.db.Close()
}

// timeLayout is fixed-width so stored timestamps compare correctly as
// strings in SQL (RFC3339Nano strips trailing zeros and does not).
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// timeToDB formats a timestamp for storage.
func timeToDB(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// timePtrToDB formats an optional timestamp, mapping nil to NULL.
func timePtrToDB(t *time.Time) any {
	if t == nil {
		return nil
	}
	return timeToDB(*t)
}

// timeFromDB parses a stored timestamp.
func timeFromDB(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// timePtrFromDB parses an optional stored timestamp.
func timePtrFromDB(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := timeFromDB(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
