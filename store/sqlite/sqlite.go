/*
Package sqlite provides a SQLite-backed implementation of generic.TxStore.

PURPOSE:
  Persists every record of the lease engine. In production the same
  statements run on PostgreSQL with minor dialect differences.

COMPANY SCOPING:
  Every table carries company_id and every statement filters on it. Primary
  keys are (company_id, id), so a record of one company cannot be read or
  updated through another company's id.

KEY TABLES:
  leases, cashflows, opening_measures  Lease inputs
  components, schedule_rows            Component design and schedules
  remeasurement_events / _artifacts    Events and their audit records
  impairment_tests / _lines            Impairment assessments
  posting_locks                        One posting per (entity, period)

UNIQUENESS CONSTRAINTS:
  - idx_schedule_rows_period:     (company_id, component_id, year, month)
  - idx_artifacts_event:          (company_id, event_id), append-only
  - idx_posting_locks_period:     (company_id, entity_key, year, month)

  Double posting is detected by the posting_locks UNIQUE index, never by a
  prior existence check. The violation is mapped to *generic.AlreadyPostedError.

APPEND-ONLY ENFORCEMENT:
  remeasurement_artifacts has triggers that abort any UPDATE or DELETE.

CONCURRENCY:
  The pool is held to a single connection. Transactions therefore serialize
  and ":memory:" databases are shared by every call.

NUMERIC STORAGE:
  Decimals are stored as TEXT (decimal.Decimal implements sql.Scanner and
  driver.Valuer), dates as "2006-01-02", periods as (year, month) INTEGERs.

USAGE:
  store, err := sqlite.New("./data/lease.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - generic/store.go: Interface definitions
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/lease-engine/generic"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn implements generic.Store over a querier.
type conn struct {
	q querier
}

// Store implements generic.TxStore using SQLite.
type Store struct {
	*conn
	db *sql.DB
}

var _ generic.TxStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{conn: &conn{q: db}, db: db}
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

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store generic.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&conn{q: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS leases (
		company_id TEXT NOT NULL,
		id TEXT NOT NULL,
		code TEXT NOT NULL,
		commence_on TEXT NOT NULL,
		end_on TEXT NOT NULL,
		discount_rate TEXT NOT NULL,
		currency TEXT NOT NULL,
		payment_frequency TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (company_id, id)
	);

	CREATE TABLE IF NOT EXISTS cashflows (
		company_id TEXT NOT NULL,
		lease_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		due_on TEXT NOT NULL,
		amount TEXT NOT NULL,
		PRIMARY KEY (company_id, lease_id, seq),
		FOREIGN KEY (company_id, lease_id) REFERENCES leases(company_id, id)
	);

	CREATE INDEX IF NOT EXISTS idx_cashflows_due
		ON cashflows(company_id, lease_id, due_on);

	-- One row per lease, updated in place by remeasurement, never deleted
	CREATE TABLE IF NOT EXISTS opening_measures (
		company_id TEXT NOT NULL,
		lease_id TEXT NOT NULL,
		initial_liability TEXT NOT NULL,
		initial_rou TEXT NOT NULL,
		incentives_received TEXT NOT NULL,
		initial_direct_costs TEXT NOT NULL,
		restoration_cost TEXT NOT NULL,
		unscheduled_rou TEXT NOT NULL DEFAULT '0',
		updated_at TEXT NOT NULL,
		PRIMARY KEY (company_id, lease_id),
		FOREIGN KEY (company_id, lease_id) REFERENCES leases(company_id, id)
	);

	CREATE TABLE IF NOT EXISTS components (
		company_id TEXT NOT NULL,
		id TEXT NOT NULL,
		lease_id TEXT NOT NULL,
		code TEXT NOT NULL,
		class TEXT NOT NULL DEFAULT '',
		cgu_code TEXT NOT NULL DEFAULT '',
		pct_of_rou TEXT NOT NULL,
		useful_life_months INTEGER NOT NULL,
		method TEXT NOT NULL,
		incentive_allocation TEXT NOT NULL,
		restoration_allocation TEXT NOT NULL,
		start_on TEXT NOT NULL,
		end_on TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (company_id, id),
		FOREIGN KEY (company_id, lease_id) REFERENCES leases(company_id, id)
	);

	CREATE INDEX IF NOT EXISTS idx_components_lease
		ON components(company_id, lease_id);
	CREATE INDEX IF NOT EXISTS idx_components_cgu
		ON components(company_id, cgu_code);

	CREATE TABLE IF NOT EXISTS schedule_rows (
		company_id TEXT NOT NULL,
		component_id TEXT NOT NULL,
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		open_carry TEXT NOT NULL,
		amortization TEXT NOT NULL,
		interest TEXT NOT NULL,
		close_carry TEXT NOT NULL,
		remeasured INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (company_id, component_id) REFERENCES components(company_id, id)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_schedule_rows_period
		ON schedule_rows(company_id, component_id, year, month);

	CREATE TABLE IF NOT EXISTS remeasurement_events (
		company_id TEXT NOT NULL,
		id TEXT NOT NULL,
		lease_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		effective_on TEXT NOT NULL,
		index_rate TEXT,
		new_rate TEXT,
		delta_term INTEGER,
		delta_pay TEXT,
		scope_change_pct TEXT,
		reason TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		applied_at TEXT,
		PRIMARY KEY (company_id, id),
		FOREIGN KEY (company_id, lease_id) REFERENCES leases(company_id, id)
	);

	CREATE TABLE IF NOT EXISTS remeasurement_artifacts (
		company_id TEXT NOT NULL,
		id TEXT NOT NULL,
		event_id TEXT NOT NULL,
		lease_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		document TEXT NOT NULL,
		checksum TEXT NOT NULL,
		delta_liability TEXT NOT NULL,
		delta_rou TEXT NOT NULL,
		pnl_impact TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (company_id, id),
		FOREIGN KEY (company_id, event_id) REFERENCES remeasurement_events(company_id, id)
	);

	-- CRITICAL: one artifact per event
	CREATE UNIQUE INDEX IF NOT EXISTS idx_artifacts_event
		ON remeasurement_artifacts(company_id, event_id);

	CREATE TRIGGER IF NOT EXISTS trg_artifacts_no_update
		BEFORE UPDATE ON remeasurement_artifacts
		BEGIN SELECT RAISE(ABORT, 'remeasurement artifacts are append-only'); END;
	CREATE TRIGGER IF NOT EXISTS trg_artifacts_no_delete
		BEFORE DELETE ON remeasurement_artifacts
		BEGIN SELECT RAISE(ABORT, 'remeasurement artifacts are append-only'); END;

	CREATE TABLE IF NOT EXISTS impairment_tests (
		company_id TEXT NOT NULL,
		id TEXT NOT NULL,
		cgu_code TEXT NOT NULL,
		level TEXT NOT NULL,
		method TEXT NOT NULL,
		discount_rate TEXT NOT NULL,
		recoverable_amount TEXT NOT NULL,
		as_of TEXT NOT NULL,
		currency TEXT NOT NULL,
		total_carrying TEXT NOT NULL,
		impairment_loss TEXT NOT NULL,
		reversal_cap TEXT NOT NULL,
		reversed_amount TEXT NOT NULL,
		status TEXT NOT NULL,
		journal_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (company_id, id)
	);

	CREATE TABLE IF NOT EXISTS impairment_lines (
		company_id TEXT NOT NULL,
		test_id TEXT NOT NULL,
		component_id TEXT NOT NULL,
		carrying_amount TEXT NOT NULL,
		allocated_loss TEXT NOT NULL,
		allocated_reversal TEXT NOT NULL,
		after_amount TEXT NOT NULL,
		estimated INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (company_id, test_id, component_id),
		FOREIGN KEY (company_id, test_id) REFERENCES impairment_tests(company_id, id)
	);

	CREATE TABLE IF NOT EXISTS posting_locks (
		company_id TEXT NOT NULL,
		id TEXT NOT NULL,
		entity_key TEXT NOT NULL,
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		journal_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		PRIMARY KEY (company_id, id)
	);

	-- CRITICAL: enforce a single posting per entity and period
	CREATE UNIQUE INDEX IF NOT EXISTS idx_posting_locks_period
		ON posting_locks(company_id, entity_key, year, month);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

const timestampLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timestampLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timestampLayout, s)
	return t
}

func parseDate(s string) (generic.Date, error) {
	return generic.ParseDate("date", s)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// isUniqueViolation reports whether err is a UNIQUE or PRIMARY KEY failure.
func isUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// requireRow maps a zero-row UPDATE to notFound.
func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
