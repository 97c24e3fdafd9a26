/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements dues.Store, dues.MemberRegistry and reconcile.RunRecorder using
  SQLite. The PostgreSQL store in store/postgres follows the same rules with
  gorm; only the dialect differs.

GUARDED WRITES:
  The lifecycle invariants are enforced by the database itself:
  - UNIQUE(member_id, year, month) rejects duplicate dues
  - CHECK ties paid, paid_at and method together
  - SetPaid/UpdateAmount/DeleteUnpaid are single statements with
    "WHERE paid = 0"; zero affected rows is resolved to the right sentinel

KEY TABLES:
  members:      Member registry (fiscal_id unique, normalized)
  dues:         One row per member and month
  import_runs:  History of reconciliation batches

MONEY:
  Amounts are stored as TEXT decimal strings so no precision is lost.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. With PostgreSQL, row constraints and
  conditional updates give the same guarantees without a process lock.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time

USAGE:
  store, err := sqlite.New("./data/dues.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := dues.NewEngine(store, store)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - dues/store.go: Interface definitions
  - dues/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/dues-engine/dues"
	"github.com/warp/dues-engine/reconcile"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to ":memory:" is a separate database.
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

// Ping checks the connection (for health checks).
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Members
	CREATE TABLE IF NOT EXISTS members (
		id TEXT PRIMARY KEY,
		fiscal_id TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		monthly_due TEXT NOT NULL,
		enrolled_on TEXT,
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_members_active
		ON members(active);

	-- Dues
	CREATE TABLE IF NOT EXISTS dues (
		id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL REFERENCES members(id),
		year INTEGER NOT NULL CHECK (year BETWEEN 1900 AND 9999),
		month INTEGER NOT NULL CHECK (month BETWEEN 1 AND 12),
		amount TEXT NOT NULL,
		paid INTEGER NOT NULL DEFAULT 0,
		paid_at TEXT,
		method TEXT NOT NULL DEFAULT '',
		receipt_url TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		CHECK ((paid = 1 AND paid_at IS NOT NULL AND method <> '')
			OR (paid = 0 AND paid_at IS NULL AND method = ''))
	);

	-- CRITICAL: one due per member and month
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_member_period
		ON dues(member_id, year, month);

	-- For year listings and bulk generation
	CREATE INDEX IF NOT EXISTS idx_dues_period
		ON dues(year, month);

	-- Import runs
	CREATE TABLE IF NOT EXISTS import_runs (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		started_at TEXT NOT NULL,
		completed_at TEXT NOT NULL,
		cancelled INTEGER NOT NULL DEFAULT 0,
		total_rows INTEGER NOT NULL,
		processed_rows INTEGER NOT NULL,
		successful_rows INTEGER NOT NULL,
		created INTEGER NOT NULL,
		updated INTEGER NOT NULL,
		skipped INTEGER NOT NULL,
		scheduled INTEGER NOT NULL,
		errors_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_import_runs_started
		ON import_runs(started_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// DUES STORE (dues.Store interface)
// =============================================================================

const dueColumns = `id, member_id, year, month, amount, paid, paid_at, method, receipt_url, notes, created_at`

// Insert adds a due. The UNIQUE index rejects a second due for the same month.
func (s *Store) Insert(ctx context.Context, d dues.Due) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var paidAt sql.NullString
	if d.PaidAt != nil {
		paidAt = nullString(d.PaidAt.UTC().Format(time.RFC3339))
	}

	query := `
		INSERT INTO dues (` + dueColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		d.ID, d.MemberID, d.Period.Year, int(d.Period.Month),
		d.Amount.String(),
		d.Paid, paidAt, string(d.Method), d.ReceiptURL, d.Notes,
		d.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return dues.ErrDuplicateDue
		}
		return fmt.Errorf("failed to insert due: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id dues.DueID) (*dues.Due, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, "SELECT "+dueColumns+" FROM dues WHERE id = ?", id)
	d, err := scanDue(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, dues.ErrDueNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Store) GetByPeriod(ctx context.Context, memberID dues.MemberID, p dues.Period) (*dues.Due, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT "+dueColumns+" FROM dues WHERE member_id = ? AND year = ? AND month = ?",
		memberID, p.Year, int(p.Month),
	)
	d, err := scanDue(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, dues.ErrDueNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Store) Find(ctx context.Context, f dues.Filter) ([]dues.Due, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var where []string
	var args []any
	if f.MemberID != "" {
		where = append(where, "member_id = ?")
		args = append(args, f.MemberID)
	}
	if f.Year != 0 {
		where = append(where, "year = ?")
		args = append(args, f.Year)
	}
	if f.Paid != nil {
		where = append(where, "paid = ?")
		args = append(args, *f.Paid)
	}

	query := "SELECT " + dueColumns + " FROM dues"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY member_id, year, month"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []dues.Due{}
	for rows.Next() {
		d, err := scanDue(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// SetPaid records a payment on an unpaid due.
func (s *Store) SetPaid(ctx context.Context, id dues.DueID, p dues.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		UPDATE dues SET
			paid = 1,
			paid_at = ?,
			method = ?,
			receipt_url = CASE WHEN ? <> '' THEN ? ELSE receipt_url END,
			notes = CASE WHEN ? <> '' THEN ? ELSE notes END
		WHERE id = ? AND paid = 0
	`
	res, err := s.db.ExecContext(ctx, query,
		p.PaidAt.UTC().Format(time.RFC3339), string(p.Method),
		p.ReceiptURL, p.ReceiptURL,
		p.Notes, p.Notes,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark due paid: %w", err)
	}
	return s.guardResult(ctx, res, id, dues.ErrAlreadyPaid)
}

// ClearPaid reverts a due to unpaid. Receipt and notes are kept.
func (s *Store) ClearPaid(ctx context.Context, id dues.DueID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE dues SET paid = 0, paid_at = NULL, method = '' WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to unmark due: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return dues.ErrDueNotFound
	}
	return nil
}

func (s *Store) UpdateAmount(ctx context.Context, id dues.DueID, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE dues SET amount = ? WHERE id = ? AND paid = 0", amount.String(), id)
	if err != nil {
		return fmt.Errorf("failed to update amount: %w", err)
	}
	return s.guardResult(ctx, res, id, dues.ErrAlreadyPaid)
}

func (s *Store) DeleteUnpaid(ctx context.Context, id dues.DueID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM dues WHERE id = ? AND paid = 0", id)
	if err != nil {
		return fmt.Errorf("failed to delete due: %w", err)
	}
	return s.guardResult(ctx, res, id, dues.ErrDuePaid)
}

// guardResult resolves a conditional write that touched no row: the due is
// either missing or was paid. Must be called with the write lock held.
func (s *Store) guardResult(ctx context.Context, res sql.Result, id dues.DueID, paidErr error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM dues WHERE id = ?", id).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return dues.ErrDueNotFound
	}
	return paidErr
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDue(row scanner) (dues.Due, error) {
	var d dues.Due
	var month int
	var amount, method, createdAt string
	var paidAt sql.NullString

	if err := row.Scan(
		&d.ID, &d.MemberID, &d.Period.Year, &month, &amount,
		&d.Paid, &paidAt, &method, &d.ReceiptURL, &d.Notes, &createdAt,
	); err != nil {
		return dues.Due{}, err
	}

	d.Period.Month = time.Month(month)
	d.Method = dues.PaymentMethod(method)
	amt, err := decimal.NewFromString(amount)
	if err != nil {
		return dues.Due{}, fmt.Errorf("due %s: invalid amount %q: %w", d.ID, amount, err)
	}
	d.Amount = amt
	if paidAt.Valid {
		t, err := time.Parse(time.RFC3339, paidAt.String)
		if err != nil {
			return dues.Due{}, fmt.Errorf("due %s: invalid paid_at %q: %w", d.ID, paidAt.String, err)
		}
		d.PaidAt = &t
	}
	if d.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return dues.Due{}, fmt.Errorf("due %s: invalid created_at %q: %w", d.ID, createdAt, err)
	}
	return d, nil
}

// =============================================================================
// MEMBER REGISTRY (dues.MemberRegistry interface)
// =============================================================================

const memberColumns = `id, fiscal_id, name, monthly_due, enrolled_on, active`

// SaveMember inserts or updates a member. The fiscal id is normalized; one
// that already belongs to another member is a conflict.
func (s *Store) SaveMember(ctx context.Context, m dues.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.FiscalID = dues.NormalizeFiscalID(m.FiscalID)
	var enrolled sql.NullString
	if !m.EnrolledOn.IsZero() {
		enrolled = nullString(m.EnrolledOn.Format(time.DateOnly))
	}

	query := `
		INSERT INTO members (id, fiscal_id, name, monthly_due, enrolled_on, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			fiscal_id = excluded.fiscal_id,
			name = excluded.name,
			monthly_due = excluded.monthly_due,
			enrolled_on = excluded.enrolled_on,
			active = excluded.active
	`
	_, err := s.db.ExecContext(ctx, query,
		m.ID, m.FiscalID, m.Name, m.MonthlyDue.String(), enrolled, m.Active,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: fiscal id %s already registered", dues.ErrConflict, m.FiscalID)
		}
		return fmt.Errorf("failed to save member: %w", err)
	}
	return nil
}

func (s *Store) Member(ctx context.Context, id dues.MemberID) (*dues.Member, error) {
	return s.queryMember(ctx, "SELECT "+memberColumns+" FROM members WHERE id = ?", id)
}

func (s *Store) MemberByFiscalID(ctx context.Context, fiscalID string) (*dues.Member, error) {
	return s.queryMember(ctx, "SELECT "+memberColumns+" FROM members WHERE fiscal_id = ?",
		dues.NormalizeFiscalID(fiscalID))
}

func (s *Store) ActiveMembers(ctx context.Context) ([]dues.Member, error) {
	return s.queryMembers(ctx, "SELECT "+memberColumns+" FROM members WHERE active = 1 ORDER BY id")
}

// ListMembers returns every member, active or not, ordered by name.
func (s *Store) ListMembers(ctx context.Context) ([]dues.Member, error) {
	return s.queryMembers(ctx, "SELECT "+memberColumns+" FROM members ORDER BY name, id")
}

func (s *Store) queryMember(ctx context.Context, query string, args ...any) (*dues.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, err := scanMember(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, dues.ErrMemberNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) queryMembers(ctx context.Context, query string, args ...any) ([]dues.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []dues.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func scanMember(row scanner) (dues.Member, error) {
	var m dues.Member
	var monthly string
	var enrolled sql.NullString

	if err := row.Scan(&m.ID, &m.FiscalID, &m.Name, &monthly, &enrolled, &m.Active); err != nil {
		return dues.Member{}, err
	}
	amt, err := decimal.NewFromString(monthly)
	if err != nil {
		return dues.Member{}, fmt.Errorf("member %s: invalid monthly due %q: %w", m.ID, monthly, err)
	}
	m.MonthlyDue = amt
	if enrolled.Valid {
		m.EnrolledOn, _ = dues.ParseDate(enrolled.String)
	}
	return m, nil
}

// =============================================================================
// IMPORT RUNS (reconcile.RunRecorder interface)
// =============================================================================

// runTimeLayout has fixed-width fractions so started_at sorts as text.
const runTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func (s *Store) SaveImportRun(ctx context.Context, run reconcile.ImportRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	errorsJSON, err := json.Marshal(run.Result.Errors)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO import_runs (id, source, started_at, completed_at, cancelled,
			total_rows, processed_rows, successful_rows, created, updated, skipped, scheduled, errors_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	r := run.Result
	_, err = s.db.ExecContext(ctx, query,
		run.ID, run.Source,
		run.StartedAt.UTC().Format(runTimeLayout), run.CompletedAt.UTC().Format(runTimeLayout),
		run.Cancelled,
		r.TotalRows, r.ProcessedRows, r.SuccessfulRows, r.Created, r.Updated, r.Skipped, r.Scheduled,
		string(errorsJSON),
	)
	return err
}

// ListImportRuns returns the most recent runs first. limit <= 0 means all.
func (s *Store) ListImportRuns(ctx context.Context, limit int) ([]reconcile.ImportRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, source, started_at, completed_at, cancelled,
			total_rows, processed_rows, successful_rows, created, updated, skipped, scheduled, errors_json
		FROM import_runs
		ORDER BY started_at DESC, id
	`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []reconcile.ImportRun{}
	for rows.Next() {
		var run reconcile.ImportRun
		var startedAt, completedAt, errorsJSON string
		r := &run.Result
		if err := rows.Scan(
			&run.ID, &run.Source, &startedAt, &completedAt, &run.Cancelled,
			&r.TotalRows, &r.ProcessedRows, &r.SuccessfulRows, &r.Created, &r.Updated, &r.Skipped, &r.Scheduled,
			&errorsJSON,
		); err != nil {
			return nil, err
		}
		if run.StartedAt, err = time.Parse(runTimeLayout, startedAt); err != nil {
			return nil, fmt.Errorf("import run %s: invalid started_at: %w", run.ID, err)
		}
		if run.CompletedAt, err = time.Parse(runTimeLayout, completedAt); err != nil {
			return nil, fmt.Errorf("import run %s: invalid completed_at: %w", run.ID, err)
		}
		if err := json.Unmarshal([]byte(errorsJSON), &r.Errors); err != nil {
			return nil, fmt.Errorf("import run %s: %w", run.ID, err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"dues", "import_runs", "members"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
