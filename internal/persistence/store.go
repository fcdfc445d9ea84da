// Package persistence is the single source of truth for thread↔session
// bindings, fragment indices, worktree rows, deferred prompts, credentials,
// and per-channel settings. All mutations are single-row transactions with
// insert-or-replace semantics; the schema only ever changes additively so
// old database files keep working.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/threadclaw/internal/bus"
	"github.com/basket/threadclaw/internal/vault"
	"github.com/mattn/go-sqlite3"
)

const (
	// v1: thread_sessions, part_messages, thread_worktrees,
	// scheduled_messages, credentials, channel_settings.
	schemaVersionV1  = 1
	schemaChecksumV1 = "tc-v1-2026-07-02-core-orchestration"

	// v2: adds recurring_schedules + channel_settings.project_directory.
	schemaVersionV2  = 2
	schemaChecksumV2 = "tc-v2-2026-07-18-recurring-schedules"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2
)

// ErrNotFound is returned by lookups whose target row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps the sqlite database and the credential vault consulted by the
// credentials accessor.
type Store struct {
	db    *sql.DB
	vault *vault.Vault
	bus   *bus.Bus // may be nil in tests
}

// DefaultDBPath returns ~/.threadclaw/threadclaw.db.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".threadclaw", "threadclaw.db")
}

// Open opens (creating if needed) the database at path and applies schema
// migrations. The vault may be nil when credential access is not needed.
func Open(path string, v *vault.Vault, eventBus *bus.Bus) (*Store, error) {
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

	store := &Store{db: db, vault: v, bus: eventBus}
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

	// Tables are created IF NOT EXISTS and columns added idempotently, so a
	// v1 database upgrades in place; changes must stay additive (new
	// nullable columns / new tables only).
	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS thread_sessions (
			thread_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS part_messages (
			part_id TEXT PRIMARY KEY,
			message_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS thread_worktrees (
			thread_id TEXT PRIMARY KEY,
			worktree_name TEXT NOT NULL,
			worktree_directory TEXT,
			project_directory TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending', 'ready', 'error')),
			error_message TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS scheduled_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			channel_id TEXT NOT NULL,
			thread_id TEXT,
			prompt TEXT NOT NULL,
			scheduled_at DATETIME NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending', 'completed', 'failed', 'cancelled')),
			error_message TEXT,
			created_by TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS credentials (
			owner_id TEXT PRIMARY KEY,
			secret TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS channel_settings (
			channel_id TEXT PRIMARY KEY,
			run_mode TEXT,
			verbosity TEXT,
			model TEXT,
			agent TEXT,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		// v2: recurring schedules materialize one-shot rows when due.
		`CREATE TABLE IF NOT EXISTS recurring_schedules (
			id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL,
			thread_id TEXT,
			prompt TEXT NOT NULL,
			cron_expr TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			next_run_at DATETIME,
			last_run_at DATETIME,
			created_by TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	// v2 additive columns for databases created at v1.
	alterStatements := []struct {
		stmt string
		desc string
	}{
		{stmt: `ALTER TABLE channel_settings ADD COLUMN project_directory TEXT;`, desc: "channel_settings.project_directory"},
	}
	for _, a := range alterStatements {
		if _, err := tx.ExecContext(ctx, a.stmt); err != nil && !strings.Contains(err.Error(), "duplicate column name") {
			return fmt.Errorf("add %s: %w", a.desc, err)
		}
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_part_messages_message ON part_messages(message_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_part_messages_thread ON part_messages(thread_id);`,
		`CREATE INDEX IF NOT EXISTS idx_scheduled_messages_due ON scheduled_messages(status, scheduled_at);`,
		`CREATE INDEX IF NOT EXISTS idx_recurring_schedules_due ON recurring_schedules(enabled, next_run_at);`,
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

	return tx.Commit()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter on top of the driver's
// busy_timeout.
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

// isSQLiteBusy checks if an error is a SQLite BUSY or LOCKED error.
func isSQLiteBusy(err error) bool {
	var sqErr sqlite3.Error
	if !errors.As(err, &sqErr) {
		return false
	}
	return sqErr.Code == sqlite3.ErrBusy || sqErr.Code == sqlite3.ErrLocked
}

func (s *Store) publish(topic string, payload interface{}) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}
