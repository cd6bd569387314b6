package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := CheckLocalFilesystem(path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them; immediate
	// transactions take the write lock up front instead of upgrading mid-tx.
	dsn := "file:" + path + "?_txlock=immediate" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS webhook_secrets (
  endpoint      TEXT PRIMARY KEY,
  name          TEXT NOT NULL,
  description   TEXT,
  ciphertext    BLOB NOT NULL,
  algorithm     TEXT NOT NULL,
  version       INTEGER NOT NULL DEFAULT 1,
  active        INTEGER NOT NULL DEFAULT 1,
  last_used_at  TEXT,
  usage_count   INTEGER NOT NULL DEFAULT 0,
  company_id    TEXT,
  created_at    TEXT NOT NULL,
  updated_at    TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS job_queue (
  id               TEXT PRIMARY KEY,
  webhook_id       TEXT NOT NULL,
  endpoint         TEXT NOT NULL,
  payload          TEXT NOT NULL,
  status           TEXT NOT NULL,
  attempt          INTEGER NOT NULL DEFAULT 1,
  max_attempts     INTEGER NOT NULL DEFAULT 5,
  verified         INTEGER NOT NULL DEFAULT 0,
  unsigned         INTEGER NOT NULL DEFAULT 0,
  signature_header TEXT,
  event_type_hint  TEXT,
  client_id        TEXT,
  received_at      TEXT NOT NULL,
  created_at       TEXT NOT NULL,
  started_at       TEXT,
  lease_owner      TEXT,
  lease_expires_at TEXT,
  next_retry_at    TEXT,
  completed_at     TEXT,
  last_error       TEXT,
  result           TEXT
);`,
		`CREATE TABLE IF NOT EXISTS job_log (
  id           TEXT PRIMARY KEY,
  job_id       TEXT NOT NULL,
  webhook_id   TEXT NOT NULL,
  endpoint     TEXT NOT NULL,
  status       TEXT NOT NULL,
  attempt      INTEGER NOT NULL,
  created_at   TEXT NOT NULL,
  completed_at TEXT NOT NULL,
  last_error   TEXT
);`,
		`CREATE TABLE IF NOT EXISTS webhook_events (
  id              TEXT PRIMARY KEY,
  endpoint        TEXT NOT NULL,
  event_type      TEXT NOT NULL DEFAULT '',
  kind            TEXT NOT NULL,
  known_type      INTEGER NOT NULL DEFAULT 0,
  idempotency_key TEXT,
  source_event_id TEXT,
  payload         TEXT NOT NULL,
  outcome         TEXT NOT NULL,
  error           TEXT,
  attempts        INTEGER NOT NULL DEFAULT 1,
  job_id          TEXT,
  received_at     TEXT NOT NULL,
  processed_at    TEXT,
  created_at      TEXT NOT NULL,
  updated_at      TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS job_queue_status_created_at_idx ON job_queue(status, created_at);`,
		`CREATE INDEX IF NOT EXISTS job_queue_lease_idx ON job_queue(status, lease_expires_at);`,
		`CREATE INDEX IF NOT EXISTS job_log_completed_at_idx ON job_log(completed_at);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS webhook_events_success_key_idx
  ON webhook_events(endpoint, idempotency_key)
  WHERE outcome = 'success' AND idempotency_key IS NOT NULL;`,
		`CREATE INDEX IF NOT EXISTS webhook_events_key_idx ON webhook_events(endpoint, idempotency_key);`,
		`CREATE INDEX IF NOT EXISTS webhook_events_received_at_idx ON webhook_events(received_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}

// TimeLayout is RFC 3339 with a fixed-width fraction so stored timestamps sort
// lexically in time order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders t the way every table stores timestamps.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a stored timestamp. Invalid or NULL values yield nil.
func ParseTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}
