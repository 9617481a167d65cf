// Package persistence is the SQLite-backed store for tasks, activities,
// capability grants, external-call audit, the dispatch log, and the IPC
// queue. All coordination between concurrent callers goes through the
// store's conditional-write primitives, never through in-process locks.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/warden/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// Schema ledger constants used to gate startup safety.
	schemaVersionV1  = 1
	schemaChecksumV1 = "wd-v1-2026-08-governance-core"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

// ErrVersionConflict is returned by conditional writes whose expected version
// has gone stale. Expected under normal concurrent load; callers re-read and
// retry.
var ErrVersionConflict = fmt.Errorf("version conflict")

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = fmt.Errorf("not found")

// Store wraps the single SQLite database backing the kernel and the broker.
type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".warden", "warden.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
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

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) publish(topic string, payload any) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
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
		// Jitter: ±25% of delay.
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
	// mattn/go-sqlite3 wraps errors as sqlite3.Error with Code field. Check
	// the error string to avoid importing the sqlite3 package here.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

// isUniqueViolation reports whether err is a UNIQUE constraint failure. The
// dispatch log and call-idempotency paths rely on this to detect duplicates.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "(1555)") || // SQLITE_CONSTRAINT_PRIMARYKEY
		strings.Contains(msg, "(2067)") // SQLITE_CONSTRAINT_UNIQUE
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
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
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT 'work',
			scope TEXT NOT NULL CHECK(scope IN ('COMPANY', 'PRODUCT')),
			product_id TEXT,
			state TEXT NOT NULL CHECK(state IN ('INBOX', 'TRIAGED', 'READY', 'DOING', 'REVIEW', 'APPROVAL', 'DONE', 'BLOCKED')),
			prev_state TEXT,
			assigned_group TEXT,
			gate TEXT,
			evidence TEXT,
			version INTEGER NOT NULL DEFAULT 1,
			policy_version TEXT,
			metadata JSON NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		// Append-only. task_id is nullable: broker-only rows have no task.
		`CREATE TABLE IF NOT EXISTS activities (
			activity_id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT REFERENCES tasks(id),
			actor_group TEXT NOT NULL,
			action TEXT NOT NULL CHECK(action IN ('create', 'transition', 'approve', 'override', 'dispatch', 'ext_call')),
			from_state TEXT,
			to_state TEXT,
			reason TEXT,
			policy_version TEXT,
			trace_id TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS grants (
			grant_id TEXT PRIMARY KEY,
			grantee_group TEXT NOT NULL,
			provider TEXT NOT NULL,
			access_level INTEGER NOT NULL CHECK(access_level BETWEEN 0 AND 3),
			allowed_actions TEXT NOT NULL DEFAULT '',
			denied_actions TEXT NOT NULL DEFAULT '',
			-- empty scope means "all actions for this provider"; stored as ''
			-- rather than NULL so the UNIQUE constraint can see duplicates
			scope TEXT NOT NULL DEFAULT '',
			expires_at DATETIME,
			granted_by TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(grantee_group, provider, scope)
		);`,
		`CREATE TABLE IF NOT EXISTS external_calls (
			request_id TEXT PRIMARY KEY,
			grantee_group TEXT NOT NULL,
			provider TEXT NOT NULL,
			action TEXT NOT NULL,
			params_hash TEXT NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('pending', 'processing', 'success', 'denied', 'error')),
			task_id TEXT,
			result JSON,
			reason TEXT,
			policy_version TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			completed_at DATETIME
		);`,
		// Two-man rule ledger: one row per distinct approving group.
		`CREATE TABLE IF NOT EXISTS call_approvals (
			request_id TEXT NOT NULL,
			approving_group TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(request_id, approving_group)
		);`,
		// Unique dispatch_key makes "spawn for this exact transition at this
		// exact version" idempotent across restarts.
		`CREATE TABLE IF NOT EXISTS dispatch_log (
			dispatch_key TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			transition TEXT NOT NULL,
			task_version INTEGER NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS ipc_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			queue TEXT NOT NULL,
			envelope_id TEXT NOT NULL UNIQUE,
			payload JSON NOT NULL,
			claimed_at DATETIME,
			acked_at DATETIME,
			attempts INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS ipc_consumed (
			envelope_id TEXT PRIMARY KEY,
			consumed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}

	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state, assigned_group);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_product ON tasks(product_id);`,
		`CREATE INDEX IF NOT EXISTS idx_activities_task ON activities(task_id, activity_id);`,
		`CREATE INDEX IF NOT EXISTS idx_grants_lookup ON grants(grantee_group, provider);`,
		`CREATE INDEX IF NOT EXISTS idx_calls_group_status ON external_calls(grantee_group, status);`,
		`CREATE INDEX IF NOT EXISTS idx_calls_status_completed ON external_calls(status, completed_at);`,
		`CREATE INDEX IF NOT EXISTS idx_dispatch_task ON dispatch_log(task_id);`,
		`CREATE INDEX IF NOT EXISTS idx_ipc_queue ON ipc_messages(queue, acked_at, claimed_at, id);`,
	}

	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}
