/*
Package sqlite provides a SQLite-backed implementation of engine.Store.

PURPOSE:
  Single-node persistence for the booking engine. The invariants the
  engine relies on are enforced by the schema itself, not only by Go
  code, so a buggy caller or a manual SQL session cannot break them.

KEY TABLES:
  balances:        Derived counters per (subject, service type)
  ledger_entries:  Immutable ledger of all balance changes
  holds:           Provisional reservations with optional expiry
  calendar_slots:  Booked intervals per person
  bookings:        Booking records joining hold, slots and meeting

ENFORCEMENT:
  - CHECK on balances: available = total - consumed - held, all >= 0
  - CHECK on ledger_entries: sign matches type, balance_after >= 0
  - Triggers reject UPDATE/DELETE on ledger_entries (append-only)
  - Trigger rejects a booked slot overlapping another booked slot of the
    same subject (SQLite has no exclusion constraint)
  - Triggers reject transitions out of terminal hold and slot states

CONCURRENCY:
  Opened with _txlock=immediate: every transaction takes the database
  write lock at BEGIN, so "check overlap, then insert" inside the
  trigger and "read balance, then write" in the engine cannot interleave
  with another writer. Lock* methods are therefore plain reads.

  ":memory:" databases are per connection, so the pool is capped at one
  connection for them.

TIME FORMAT:
  Timestamps are stored as fixed-width UTC text (nanosecond precision,
  literal Z) so string comparison in SQL is chronological.

USAGE:
  store, err := sqlite.New("./data/mentor.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - engine/store.go: Interface definitions
  - store/postgres: Same contract on PostgreSQL
  - store/memory: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/mentor-booking/engine"
)

// Store implements engine.Store using SQLite.
type Store struct {
	db *sql.DB
}

var _ engine.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	_, err := s.db.Exec(schema)
	return err
}

const schema = `
	-- Balances (derived, rewritten with every entry or hold change)
	CREATE TABLE IF NOT EXISTS balances (
		subject_id   TEXT NOT NULL,
		service_type TEXT NOT NULL,
		total        INTEGER NOT NULL DEFAULT 0,
		consumed     INTEGER NOT NULL DEFAULT 0,
		held         INTEGER NOT NULL DEFAULT 0,
		available    INTEGER NOT NULL DEFAULT 0,
		valid_until  TEXT,
		version      INTEGER NOT NULL DEFAULT 0,
		created_at   TEXT NOT NULL,
		updated_at   TEXT NOT NULL,
		PRIMARY KEY (subject_id, service_type),
		CHECK (total >= 0 AND consumed >= 0 AND held >= 0 AND available >= 0),
		CHECK (available = total - consumed - held)
	);

	CREATE INDEX IF NOT EXISTS idx_balances_valid_until
		ON balances(valid_until) WHERE valid_until IS NOT NULL;

	-- Ledger entries (append-only)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		seq           INTEGER PRIMARY KEY AUTOINCREMENT,
		id            TEXT NOT NULL UNIQUE,
		subject_id    TEXT NOT NULL,
		service_type  TEXT NOT NULL,
		quantity      INTEGER NOT NULL,
		entry_type    TEXT NOT NULL,
		source        TEXT NOT NULL,
		balance_after INTEGER NOT NULL CHECK (balance_after >= 0),
		hold_id       TEXT,
		booking_id    TEXT,
		reason        TEXT,
		created_by    TEXT,
		created_at    TEXT NOT NULL,
		FOREIGN KEY (subject_id, service_type) REFERENCES balances(subject_id, service_type),
		CHECK (
			(entry_type IN ('initial', 'refund') AND quantity > 0) OR
			(entry_type IN ('consumption', 'expiration') AND quantity < 0) OR
			(entry_type = 'adjustment' AND quantity <> 0)
		)
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_entries_key
		ON ledger_entries(subject_id, service_type, seq);
	CREATE INDEX IF NOT EXISTS idx_ledger_entries_booking
		ON ledger_entries(booking_id) WHERE booking_id IS NOT NULL;

	CREATE TRIGGER IF NOT EXISTS ledger_entries_no_update
	BEFORE UPDATE ON ledger_entries
	BEGIN
		SELECT RAISE(ABORT, 'ledger_append_only');
	END;

	CREATE TRIGGER IF NOT EXISTS ledger_entries_no_delete
	BEFORE DELETE ON ledger_entries
	BEGIN
		SELECT RAISE(ABORT, 'ledger_append_only');
	END;

	-- Holds
	CREATE TABLE IF NOT EXISTS holds (
		id              TEXT PRIMARY KEY,
		subject_id      TEXT NOT NULL,
		service_type    TEXT NOT NULL,
		quantity        INTEGER NOT NULL CHECK (quantity > 0),
		status          TEXT NOT NULL CHECK (status IN ('active', 'released', 'cancelled', 'expired')),
		expires_at      TEXT,
		released_at     TEXT,
		release_reason  TEXT,
		booking_id      TEXT,
		idempotency_key TEXT,
		created_at      TEXT NOT NULL,
		FOREIGN KEY (subject_id, service_type) REFERENCES balances(subject_id, service_type),
		UNIQUE (subject_id, service_type, idempotency_key)
	);

	CREATE INDEX IF NOT EXISTS idx_holds_active_key
		ON holds(subject_id, service_type) WHERE status = 'active';
	CREATE INDEX IF NOT EXISTS idx_holds_due
		ON holds(expires_at) WHERE status = 'active' AND expires_at IS NOT NULL;

	CREATE TRIGGER IF NOT EXISTS holds_terminal
	BEFORE UPDATE ON holds
	WHEN OLD.status <> 'active'
	BEGIN
		SELECT RAISE(ABORT, 'hold_terminal');
	END;

	-- Calendar slots
	CREATE TABLE IF NOT EXISTS calendar_slots (
		id         TEXT PRIMARY KEY,
		subject_id TEXT NOT NULL,
		role       TEXT NOT NULL,
		starts_at  TEXT NOT NULL,
		ends_at    TEXT NOT NULL,
		status     TEXT NOT NULL CHECK (status IN ('booked', 'completed', 'cancelled')),
		booking_id TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CHECK (ends_at > starts_at)
	);

	CREATE INDEX IF NOT EXISTS idx_calendar_slots_subject
		ON calendar_slots(subject_id, starts_at);
	CREATE INDEX IF NOT EXISTS idx_calendar_slots_booking
		ON calendar_slots(booking_id) WHERE booking_id IS NOT NULL;

	-- CRITICAL: no two booked slots of one subject overlap ([start, end))
	CREATE TRIGGER IF NOT EXISTS calendar_slots_no_overlap
	BEFORE INSERT ON calendar_slots
	WHEN NEW.status = 'booked'
	BEGIN
		SELECT RAISE(ABORT, 'calendar_time_conflict')
		WHERE EXISTS (
			SELECT 1 FROM calendar_slots
			WHERE subject_id = NEW.subject_id
			  AND status = 'booked'
			  AND starts_at < NEW.ends_at
			  AND ends_at > NEW.starts_at
		);
	END;

	CREATE TRIGGER IF NOT EXISTS calendar_slots_terminal
	BEFORE UPDATE ON calendar_slots
	WHEN OLD.status <> 'booked'
	BEGIN
		SELECT RAISE(ABORT, 'slot_not_booked');
	END;

	-- Bookings
	CREATE TABLE IF NOT EXISTS bookings (
		id               TEXT PRIMARY KEY,
		contract_id      TEXT NOT NULL,
		service_type     TEXT NOT NULL,
		student_id       TEXT NOT NULL,
		mentor_id        TEXT NOT NULL,
		mentor_role      TEXT NOT NULL,
		quantity         INTEGER NOT NULL CHECK (quantity > 0),
		starts_at        TEXT NOT NULL,
		ends_at          TEXT NOT NULL,
		topic            TEXT,
		hold_id          TEXT,
		meeting_id       TEXT,
		meeting_url      TEXT,
		meeting_password TEXT,
		status           TEXT NOT NULL CHECK (status IN ('scheduled', 'completed', 'cancelled')),
		cancel_reason    TEXT,
		created_by       TEXT,
		created_at       TEXT NOT NULL,
		updated_at       TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_bookings_contract
		ON bookings(contract_id, service_type);
`

// =============================================================================
// TRANSACTIONS
// =============================================================================

type txKey struct{}

type txState struct {
	owner *Store
	tx    *sql.Tx
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// q returns the transaction carried by ctx, or the pool.
func (s *Store) q(ctx context.Context) queryer {
	if st, ok := ctx.Value(txKey{}).(*txState); ok && st.owner == s {
		return st.tx
	}
	return s.db
}

// WithTx executes a function within a database transaction. Nested calls
// join the outer transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx engine.Store) error) error {
	if st, ok := ctx.Value(txKey{}).(*txState); ok && st.owner == s {
		return fn(ctx, s)
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	txCtx := context.WithValue(ctx, txKey{}, &txState{owner: s, tx: sqlTx})
	if err := fn(txCtx, s); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// timeLayout is fixed width so lexical order equals chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isTimeConflictError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "calendar_time_conflict")
}

func isCheckConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "CHECK constraint failed")
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// limitArg maps "no limit" to SQLite's LIMIT -1.
func limitArg(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

type scanner interface {
	Scan(dest ...any) error
}
