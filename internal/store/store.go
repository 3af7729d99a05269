// Package store implements the two on-disk SQLite databases backing the
// runtime: a Metadata DB (services, functions, tasks, config) and a Queue
// DB (queue entries and their trace records). They are kept separate so
// the high write-volume queue/trace traffic never contends with metadata
// reads, and so either file can be backed up or truncated independently.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store bundles the two database handles the runtime needs.
type Store struct {
	meta  *sql.DB
	queue *sql.DB
}

// Open opens (creating if necessary) the Metadata and Queue databases
// under dir, configures WAL journaling, and applies the schema.
func Open(ctx context.Context, dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	metaDB, err := openSingle(filepath.Join(dir, "metadata.db"))
	if err != nil {
		return nil, fmt.Errorf("open metadata db: %w", err)
	}
	queueDB, err := openSingle(filepath.Join(dir, "queue.db"))
	if err != nil {
		_ = metaDB.Close()
		return nil, fmt.Errorf("open queue db: %w", err)
	}

	s := &Store{meta: metaDB, queue: queueDB}
	if err := s.initMetadataSchema(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	if err := s.initQueueSchema(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func openSingle(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	// A single writer connection keeps WAL contention inside the
	// retry/backoff path below instead of the sqlite3 driver's pool.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", p, err)
		}
	}
	return db, nil
}

// Close closes both database handles.
func (s *Store) Close() error {
	err1 := s.meta.Close()
	err2 := s.queue.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// MetaDB exposes the raw Metadata DB handle, for tests and migrations.
func (s *Store) MetaDB() *sql.DB { return s.meta }

// QueueDB exposes the raw Queue DB handle, for tests and migrations.
func (s *Store) QueueDB() *sql.DB { return s.queue }

// retryOnBusy retries f when SQLite reports the database busy or locked,
// with exponential backoff and bounded jitter. maxRetries=5 layers roughly
// 3s of additional patience on top of the driver's 5s busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay/2) + 1))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func (s *Store) initMetadataSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS config (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		// services is an external collaborator (the reverse-proxy admin
		// surface) outside this runtime's scope; the table is kept for
		// schema parity but nothing in this package writes to it.
		`CREATE TABLE IF NOT EXISTS services (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			name        TEXT NOT NULL UNIQUE,
			code        TEXT NOT NULL,
			enabled     INTEGER NOT NULL DEFAULT 1,
			jwt_check   INTEGER NOT NULL DEFAULT 0,
			permissions TEXT NOT NULL DEFAULT '{}',
			schema      TEXT,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS functions (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			name         TEXT NOT NULL UNIQUE,
			runtime      TEXT NOT NULL DEFAULT 'process',
			code         TEXT NOT NULL,
			enabled      INTEGER NOT NULL DEFAULT 1,
			permissions  TEXT NOT NULL DEFAULT '{}',
			description  TEXT,
			input_schema TEXT,
			auto_created INTEGER NOT NULL DEFAULT 0,
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id            TEXT PRIMARY KEY,
			name          TEXT NOT NULL UNIQUE,
			function_name TEXT NOT NULL REFERENCES functions(name),
			retry_count   INTEGER NOT NULL DEFAULT 0,
			retry_delay   INTEGER NOT NULL DEFAULT 0,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL
		);`,
	}
	return execAll(ctx, s.meta, stmts)
}

func (s *Store) initQueueSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS queue (
			id            TEXT PRIMARY KEY,
			task_id       TEXT NOT NULL,
			task_name     TEXT NOT NULL,
			function_name TEXT NOT NULL,
			params        TEXT NOT NULL,
			status        TEXT NOT NULL,
			retries       INTEGER NOT NULL DEFAULT 0,
			max_retries   INTEGER NOT NULL DEFAULT 0,
			retry_delay   INTEGER NOT NULL DEFAULT 0,
			available_at  TEXT NOT NULL,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_queue_status_available
			ON queue(status, available_at);`,
		`CREATE TABLE IF NOT EXISTS trace (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			ts         TEXT NOT NULL,
			task_id    TEXT NOT NULL,
			queue_id   TEXT NOT NULL,
			status     TEXT NOT NULL,
			data       TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trace_queue_id ON trace(queue_id, id);`,
	}
	return execAll(ctx, s.queue, stmts)
}

func execAll(ctx context.Context, db *sql.DB, stmts []string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}
	return tx.Commit()
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
