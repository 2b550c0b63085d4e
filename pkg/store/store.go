// Package store implements SQL persistence for retention processes, audit
// entries, and alerts on database/sql. SQLite (modernc.org/sqlite) is the
// primary backend; Postgres (lib/pq) is supported through placeholder
// rebinding and driver-specific migrations.
//
// Audit entries are append-only at the storage level: BEFORE UPDATE and
// BEFORE DELETE triggers abort any mutation, independent of application code.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Store is the single persistence facade. It implements retention.Store,
// audittrail.Store, and alert.Store.
type Store struct {
	db     *sql.DB
	driver string
	logger *slog.Logger
}

// Open connects, applies migrations, and returns the store.
func Open(driver, dsn string) (*Store, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("store: unknown driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// modernc/sqlite: a single connection avoids table-lock contention
		// and keeps :memory: databases coherent.
		db.SetMaxOpenConns(1)
	}
	s := New(db, driver)
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing connection without migrating, for tests that manage
// their own schema or use sqlmock.
func New(db *sql.DB, driver string) *Store {
	return &Store{
		db:     db,
		driver: driver,
		logger: slog.Default().With("component", "store"),
	}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the raw handle for maintenance commands.
func (s *Store) DB() *sql.DB { return s.db }

// q rebinds ? placeholders to $N for Postgres.
func (s *Store) q(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS retention_processes (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		subject_kind TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		schedule_id TEXT NOT NULL,
		series_id TEXT NOT NULL DEFAULT '',
		subseries_id TEXT NOT NULL DEFAULT '',
		subject_created_at TEXT NOT NULL DEFAULT '',
		management_years INTEGER NOT NULL DEFAULT 0,
		central_years INTEGER NOT NULL DEFAULT 0,
		management_expiry TEXT,
		central_expiry TEXT,
		pre_alert_date TEXT,
		state TEXT NOT NULL,
		deferred INTEGER NOT NULL DEFAULT 0,
		deferral_start TEXT,
		deferral_end TEXT,
		deferral_reason TEXT NOT NULL DEFAULT '',
		deferral_by TEXT NOT NULL DEFAULT '',
		disposition TEXT,
		alerts_active INTEGER NOT NULL DEFAULT 1,
		blocked_for_elimination INTEGER NOT NULL DEFAULT 0,
		block_reason TEXT NOT NULL DEFAULT '',
		hash TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		deleted_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_retention_processes_state
		ON retention_processes(state)`,
	`CREATE TABLE IF NOT EXISTS process_code_seq (
		year INTEGER PRIMARY KEY,
		seq INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS audit_entries (
		id TEXT PRIMARY KEY,
		process_id TEXT NOT NULL DEFAULT '',
		action_type TEXT NOT NULL,
		prior_state TEXT NOT NULL DEFAULT '',
		new_state TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL,
		data TEXT,
		occurred_at TEXT NOT NULL,
		actor TEXT NOT NULL,
		ip TEXT NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		hash TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_entries_process
		ON audit_entries(process_id, occurred_at)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_entries_actor
		ON audit_entries(actor)`,
	`CREATE TRIGGER IF NOT EXISTS audit_entries_no_update
		BEFORE UPDATE ON audit_entries
		BEGIN SELECT RAISE(ABORT, 'audit entries are immutable'); END`,
	`CREATE TRIGGER IF NOT EXISTS audit_entries_no_delete
		BEFORE DELETE ON audit_entries
		BEGIN SELECT RAISE(ABORT, 'audit entries are immutable'); END`,
	`CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		process_id TEXT NOT NULL,
		type TEXT NOT NULL,
		priority TEXT NOT NULL,
		title TEXT NOT NULL,
		message TEXT NOT NULL,
		due_at TEXT,
		recipient_users TEXT NOT NULL DEFAULT '[]',
		recipient_roles TEXT NOT NULL DEFAULT '[]',
		channels TEXT NOT NULL DEFAULT '[]',
		state TEXT NOT NULL,
		sent_at TEXT,
		read_at TEXT,
		attended_at TEXT,
		repeat_until_attended INTEGER NOT NULL DEFAULT 0,
		repeat_interval_hours INTEGER NOT NULL DEFAULT 0,
		max_repeats INTEGER NOT NULL DEFAULT 0,
		repeats_sent INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		day_bucket TEXT NOT NULL,
		UNIQUE (process_id, type, day_bucket)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_repeat
		ON alerts(state, repeat_until_attended)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS retention_processes (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		subject_kind TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		schedule_id TEXT NOT NULL,
		series_id TEXT NOT NULL DEFAULT '',
		subseries_id TEXT NOT NULL DEFAULT '',
		subject_created_at TEXT NOT NULL DEFAULT '',
		management_years INTEGER NOT NULL DEFAULT 0,
		central_years INTEGER NOT NULL DEFAULT 0,
		management_expiry TEXT,
		central_expiry TEXT,
		pre_alert_date TEXT,
		state TEXT NOT NULL,
		deferred INTEGER NOT NULL DEFAULT 0,
		deferral_start TEXT,
		deferral_end TEXT,
		deferral_reason TEXT NOT NULL DEFAULT '',
		deferral_by TEXT NOT NULL DEFAULT '',
		disposition TEXT,
		alerts_active INTEGER NOT NULL DEFAULT 1,
		blocked_for_elimination INTEGER NOT NULL DEFAULT 0,
		block_reason TEXT NOT NULL DEFAULT '',
		hash TEXT NOT NULL,
		version BIGINT NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		deleted_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_retention_processes_state
		ON retention_processes(state)`,
	`CREATE TABLE IF NOT EXISTS process_code_seq (
		year INTEGER PRIMARY KEY,
		seq BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS audit_entries (
		id TEXT PRIMARY KEY,
		process_id TEXT NOT NULL DEFAULT '',
		action_type TEXT NOT NULL,
		prior_state TEXT NOT NULL DEFAULT '',
		new_state TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL,
		data TEXT,
		occurred_at TEXT NOT NULL,
		actor TEXT NOT NULL,
		ip TEXT NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		hash TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_entries_process
		ON audit_entries(process_id, occurred_at)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_entries_actor
		ON audit_entries(actor)`,
	`CREATE OR REPLACE FUNCTION audit_entries_immutable() RETURNS trigger AS $fn$
	BEGIN
		RAISE EXCEPTION 'audit entries are immutable';
	END;
	$fn$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS audit_entries_no_update ON audit_entries`,
	`CREATE TRIGGER audit_entries_no_update BEFORE UPDATE ON audit_entries
		FOR EACH ROW EXECUTE FUNCTION audit_entries_immutable()`,
	`DROP TRIGGER IF EXISTS audit_entries_no_delete ON audit_entries`,
	`CREATE TRIGGER audit_entries_no_delete BEFORE DELETE ON audit_entries
		FOR EACH ROW EXECUTE FUNCTION audit_entries_immutable()`,
	`CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		process_id TEXT NOT NULL,
		type TEXT NOT NULL,
		priority TEXT NOT NULL,
		title TEXT NOT NULL,
		message TEXT NOT NULL,
		due_at TEXT,
		recipient_users TEXT NOT NULL DEFAULT '[]',
		recipient_roles TEXT NOT NULL DEFAULT '[]',
		channels TEXT NOT NULL DEFAULT '[]',
		state TEXT NOT NULL,
		sent_at TEXT,
		read_at TEXT,
		attended_at TEXT,
		repeat_until_attended INTEGER NOT NULL DEFAULT 0,
		repeat_interval_hours INTEGER NOT NULL DEFAULT 0,
		max_repeats INTEGER NOT NULL DEFAULT 0,
		repeats_sent INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		day_bucket TEXT NOT NULL,
		UNIQUE (process_id, type, day_bucket)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_repeat
		ON alerts(state, repeat_until_attended)`,
}

func (s *Store) migrate(ctx context.Context) error {
	schema := sqliteSchema
	if s.driver == DriverPostgres {
		schema = postgresSchema
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migration failed: %w", err)
		}
	}
	return nil
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Error("rollback failed", "error", rbErr)
		}
		return err
	}
	return tx.Commit()
}

// isUniqueViolation detects duplicate-key failures on both backends.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed") && strings.Contains(msg, "unique")
}

// formatTime and parseTime normalize timestamps to RFC3339Nano UTC strings.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

func parseTimePtr(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t := parseTime(v.String)
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
