// Package persistence is the SQLite-backed record of tasks, their status
// transitions, chain runs, and the stream event journal.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "gcd-v1-2026-10-orchestration"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

// Store is the authoritative task record.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	journal *journal
}

// DefaultDBPath returns ~/.conductor/conductor.db.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".conductor", "conductor.db")
}

// Open opens (creating if needed) the database at path, applies the schema,
// and starts the journal writer. A nil logger selects slog.Default().
func Open(path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, logger: logger}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	store.journal = newJournal(store)
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// Close flushes the journal and closes the database.
func (s *Store) Close() error {
	if s.journal != nil {
		s.journal.close()
	}
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
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

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existing); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existing != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existing, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			channel TEXT NOT NULL,
			chain_id TEXT,
			status TEXT NOT NULL CHECK(status IN ('PENDING','RUNNING','COMPLETED','FAILED','CANCELLED')),
			input_json TEXT NOT NULL DEFAULT '{}',
			result_json TEXT,
			error_class TEXT,
			error_message TEXT,
			created_at DATETIME NOT NULL,
			started_at DATETIME,
			completed_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS task_transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL REFERENCES tasks(id),
			from_status TEXT,
			to_status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			trace_id TEXT NOT NULL DEFAULT '-',
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS stream_events (
			channel TEXT NOT NULL,
			seq INTEGER NOT NULL,
			task_id TEXT,
			type TEXT NOT NULL,
			event_json TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (channel, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS chain_runs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			channel TEXT NOT NULL,
			halt_on_failure INTEGER NOT NULL DEFAULT 1,
			total_steps INTEGER NOT NULL,
			status TEXT NOT NULL,
			error TEXT,
			created_at DATETIME NOT NULL,
			completed_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS chain_steps (
			chain_id TEXT NOT NULL REFERENCES chain_runs(id),
			step_index INTEGER NOT NULL,
			kind TEXT NOT NULL,
			task_id TEXT REFERENCES tasks(id),
			error_class TEXT,
			error TEXT,
			PRIMARY KEY (chain_id, step_index)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_kind ON tasks(kind, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_chain ON tasks(chain_id);`,
		`CREATE INDEX IF NOT EXISTS idx_task_transitions_task ON task_transitions(task_id, id);`,
		`CREATE INDEX IF NOT EXISTS idx_stream_events_created ON stream_events(created_at);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("record schema migration: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// RetentionResult holds counts of purged rows from a retention run.
type RetentionResult struct {
	PurgedStreamEvents int64 `json:"purged_stream_events"`
	PurgedTransitions  int64 `json:"purged_transitions"`
}

// RunRetention deletes journal rows and transition rows older than the given
// windows. A non-positive window leaves that table alone. It is idempotent.
func (s *Store) RunRetention(ctx context.Context, eventDays, transitionDays int) (RetentionResult, error) {
	var result RetentionResult
	if eventDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -eventDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM stream_events WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge stream_events: %w", err)
		}
		result.PurgedStreamEvents, _ = res.RowsAffected()
	}
	if transitionDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -transitionDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM task_transitions WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge task_transitions: %w", err)
		}
		result.PurgedTransitions, _ = res.RowsAffected()
	}
	return result, nil
}
