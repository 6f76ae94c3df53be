/*
Package sqlite provides a SQLite-backed implementation of lending.TxStore.

PURPOSE:
  Persists titles, loans, fines, payments and the notification log. Every
  invariant the engine relies on is a single conditional statement or a
  unique index here, so it holds for any number of processes sharing the
  database file, not only for goroutines sharing this Store.

KEY TABLES:
  titles:           copy counts (CHECK 0 <= available <= total)
  loans:            loan records, state ISSUED/RETURNED
  fines:            one per loan (UNIQUE loan_id)
  payments:         one per processor reference (UNIQUE processor_ref)
  notification_log: PRIMARY KEY (subject_type, subject_id, day, kind)
  scan_runs:        history of scheduler runs (for the admin API)

CONDITIONAL WRITES:
  Reserve/Release:  UPDATE titles ... WHERE available + delta BETWEEN 0 AND total
  Return:           UPDATE loans ... WHERE state = 'ISSUED'
  Pay:              UPDATE fines ... WHERE status = 'UNPAID'
  Notify:           INSERT ... ON CONFLICT DO NOTHING

  RowsAffected = 0 is how a lost race is detected.

CONCURRENCY:
  Uses sync.RWMutex for in-process serialization of transactions. Across
  processes, SQLite's own locking applies; SQLITE_BUSY surfaces as
  lending.ErrConcurrentModification and is retried by the engine.

WAL MODE:
  Opened with WAL and a busy timeout:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/lending.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc, err := lending.NewService(store)

SEE ALSO:
  - lending/store.go: Interface definitions
  - lending/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/lending-engine/lending"
)

// timeLayout is fixed-width so that text comparison orders timestamps.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements lending.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
	q  queries
}

var _ lending.TxStore = (*Store)(nil)

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, q: queries{db: db}}
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

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS titles (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		total_copies INTEGER NOT NULL CHECK (total_copies >= 0),
		available_copies INTEGER NOT NULL,
		updated_at TEXT NOT NULL,
		CHECK (available_copies >= 0 AND available_copies <= total_copies)
	);

	CREATE TABLE IF NOT EXISTS loans (
		id TEXT PRIMARY KEY,
		title_id TEXT NOT NULL REFERENCES titles(id),
		member_id TEXT NOT NULL,
		issued_at TEXT NOT NULL,
		due_at TEXT NOT NULL,
		returned_at TEXT,
		state TEXT NOT NULL CHECK (state IN ('ISSUED', 'RETURNED')),
		written_off INTEGER NOT NULL DEFAULT 0
	);

	-- Due scan (hot path): open loans by due time
	CREATE INDEX IF NOT EXISTS idx_loans_state_due
		ON loans(state, due_at);
	CREATE INDEX IF NOT EXISTS idx_loans_member
		ON loans(member_id, issued_at);

	-- CRITICAL: at most one fine per loan
	CREATE TABLE IF NOT EXISTS fines (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL UNIQUE REFERENCES loans(id),
		member_id TEXT NOT NULL,
		amount_due TEXT NOT NULL,
		overdue_days INTEGER NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('UNPAID', 'PAID')),
		payment_id TEXT,
		created_at TEXT NOT NULL,
		paid_at TEXT
	);

	-- Oldest-first allocation
	CREATE INDEX IF NOT EXISTS idx_fines_member_status
		ON fines(member_id, status, created_at, id);

	-- CRITICAL: processor_ref is the payment idempotency key
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('APPLIED', 'REJECTED')),
		processor_ref TEXT NOT NULL UNIQUE,
		method TEXT NOT NULL,
		reason TEXT,
		applied_fine_ids_json TEXT NOT NULL DEFAULT '[]',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payments_member
		ON payments(member_id, created_at);

	-- CRITICAL: the exactly-once gate for notifications
	CREATE TABLE IF NOT EXISTS notification_log (
		subject_type TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		day TEXT NOT NULL,
		kind TEXT NOT NULL,
		dispatched_at TEXT NOT NULL,
		PRIMARY KEY (subject_type, subject_id, day, kind)
	);

	CREATE INDEX IF NOT EXISTS idx_notification_log_day
		ON notification_log(day);

	-- Scan runs (for scheduler history)
	CREATE TABLE IF NOT EXISTS scan_runs (
		id TEXT PRIMARY KEY,
		scan TEXT NOT NULL,
		day TEXT NOT NULL,
		trigger TEXT NOT NULL,
		status TEXT NOT NULL,
		candidates INTEGER NOT NULL DEFAULT 0,
		emitted INTEGER NOT NULL DEFAULT 0,
		duplicates INTEGER NOT NULL DEFAULT 0,
		failures INTEGER NOT NULL DEFAULT 0,
		undelivered INTEGER NOT NULL DEFAULT 0,
		aborted INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_scan_runs_started
		ON scan_runs(started_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (lending.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store lending.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(queries{db: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return classify(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// =============================================================================
// LOCKED ENTRY POINTS - Store methods outside a transaction
// =============================================================================

func (s *Store) SaveTitle(ctx context.Context, t lending.Title) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.SaveTitle(ctx, t)
}

func (s *Store) GetTitle(ctx context.Context, id lending.TitleID) (lending.Title, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.GetTitle(ctx, id)
}

func (s *Store) ListTitles(ctx context.Context) ([]lending.Title, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.ListTitles(ctx)
}

func (s *Store) AdjustAvailableCopies(ctx context.Context, id lending.TitleID, delta int) (lending.Title, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.AdjustAvailableCopies(ctx, id, delta)
}

func (s *Store) WriteOffCopy(ctx context.Context, id lending.TitleID) (lending.Title, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.WriteOffCopy(ctx, id)
}

func (s *Store) CreateLoan(ctx context.Context, l lending.Loan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.CreateLoan(ctx, l)
}

func (s *Store) GetLoan(ctx context.Context, id lending.LoanID) (lending.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.GetLoan(ctx, id)
}

func (s *Store) CloseLoan(ctx context.Context, id lending.LoanID, at time.Time, writtenOff bool) (lending.Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.CloseLoan(ctx, id, at, writtenOff)
}

func (s *Store) ListIssuedLoans(ctx context.Context) ([]lending.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.ListIssuedLoans(ctx)
}

func (s *Store) ListLoansByMember(ctx context.Context, memberID lending.MemberID) ([]lending.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.ListLoansByMember(ctx, memberID)
}

func (s *Store) ListLoans(ctx context.Context, state lending.LoanState) ([]lending.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.ListLoans(ctx, state)
}

func (s *Store) CreateFine(ctx context.Context, f lending.Fine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.CreateFine(ctx, f)
}

func (s *Store) GetFine(ctx context.Context, id lending.FineID) (lending.Fine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.GetFine(ctx, id)
}

func (s *Store) GetFineByLoan(ctx context.Context, loanID lending.LoanID) (*lending.Fine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.GetFineByLoan(ctx, loanID)
}

func (s *Store) ListUnpaidFines(ctx context.Context, memberID lending.MemberID) ([]lending.Fine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.ListUnpaidFines(ctx, memberID)
}

func (s *Store) ListFinesByMember(ctx context.Context, memberID lending.MemberID) ([]lending.Fine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.ListFinesByMember(ctx, memberID)
}

func (s *Store) MarkFinePaid(ctx context.Context, id lending.FineID, paymentID lending.PaymentID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.MarkFinePaid(ctx, id, paymentID, at)
}

func (s *Store) CreatePayment(ctx context.Context, p lending.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.CreatePayment(ctx, p)
}

func (s *Store) FindPaymentByProcessorRef(ctx context.Context, ref string) (*lending.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.FindPaymentByProcessorRef(ctx, ref)
}

func (s *Store) ListPaymentsByMember(ctx context.Context, memberID lending.MemberID) ([]lending.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.ListPaymentsByMember(ctx, memberID)
}

func (s *Store) InsertNotificationIfAbsent(ctx context.Context, rec lending.NotificationRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.InsertNotificationIfAbsent(ctx, rec)
}

func (s *Store) ListNotifications(ctx context.Context, day lending.Day) ([]lending.NotificationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.ListNotifications(ctx, day)
}

// =============================================================================
// QUERIES - Shared by the Store and its transactional view
// =============================================================================

type queries struct {
	db dbtx
}

// --- titles -----------------------------------------------------------------

// SaveTitle inserts a title as given. For an existing title the copies on
// loan are carried over: available becomes new total minus on loan, and a
// total below the on-loan count fails the row CHECK.
func (q queries) SaveTitle(ctx context.Context, t lending.Title) error {
	if err := t.Validate(); err != nil {
		return err
	}
	query := `
		INSERT INTO titles (id, name, total_copies, available_copies, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			total_copies = excluded.total_copies,
			available_copies = excluded.total_copies - (titles.total_copies - titles.available_copies),
			updated_at = excluded.updated_at
	`
	_, err := q.db.ExecContext(ctx, query,
		t.ID, t.Name, t.TotalCopies, t.AvailableCopies, formatTime(time.Now()))
	if err != nil {
		if isCheckConstraintError(err) {
			return fmt.Errorf("%w: title %s: total %d is below the copies on loan",
				lending.ErrInvalidInput, t.ID, t.TotalCopies)
		}
		return classify(fmt.Errorf("failed to save title: %w", err))
	}
	return nil
}

func (q queries) GetTitle(ctx context.Context, id lending.TitleID) (lending.Title, error) {
	var t lending.Title
	err := q.db.QueryRowContext(ctx,
		"SELECT id, name, total_copies, available_copies FROM titles WHERE id = ?", id,
	).Scan(&t.ID, &t.Name, &t.TotalCopies, &t.AvailableCopies)
	if errors.Is(err, sql.ErrNoRows) {
		return lending.Title{}, lending.ErrTitleNotFound
	}
	if err != nil {
		return lending.Title{}, classify(fmt.Errorf("failed to get title: %w", err))
	}
	return t, nil
}

func (q queries) ListTitles(ctx context.Context) ([]lending.Title, error) {
	rows, err := q.db.QueryContext(ctx,
		"SELECT id, name, total_copies, available_copies FROM titles ORDER BY id")
	if err != nil {
		return nil, classify(fmt.Errorf("failed to list titles: %w", err))
	}
	defer rows.Close()

	var titles []lending.Title
	for rows.Next() {
		var t lending.Title
		if err := rows.Scan(&t.ID, &t.Name, &t.TotalCopies, &t.AvailableCopies); err != nil {
			return nil, fmt.Errorf("failed to scan title: %w", err)
		}
		titles = append(titles, t)
	}
	return titles, rows.Err()
}

// AdjustAvailableCopies is the compare-and-set behind Reserve and Release.
func (q queries) AdjustAvailableCopies(ctx context.Context, id lending.TitleID, delta int) (lending.Title, error) {
	query := `
		UPDATE titles
		SET available_copies = available_copies + ?, updated_at = ?
		WHERE id = ?
		  AND available_copies + ? >= 0
		  AND available_copies + ? <= total_copies
	`
	res, err := q.db.ExecContext(ctx, query, delta, formatTime(time.Now()), id, delta, delta)
	if err != nil {
		return lending.Title{}, classify(fmt.Errorf("failed to adjust copies: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return lending.Title{}, err
	}

	t, err := q.GetTitle(ctx, id)
	if err != nil {
		return lending.Title{}, err
	}
	if n == 1 {
		return t, nil
	}

	// Nothing updated: explain why.
	if t.AvailableCopies+delta < 0 {
		return t, lending.ErrOutOfStock
	}
	return t, &lending.ConsistencyError{
		TitleID: id, Operation: "release", Available: t.AvailableCopies, Total: t.TotalCopies,
	}
}

func (q queries) WriteOffCopy(ctx context.Context, id lending.TitleID) (lending.Title, error) {
	query := `
		UPDATE titles
		SET total_copies = total_copies - 1, updated_at = ?
		WHERE id = ? AND total_copies > available_copies
	`
	res, err := q.db.ExecContext(ctx, query, formatTime(time.Now()), id)
	if err != nil {
		return lending.Title{}, classify(fmt.Errorf("failed to write off copy: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return lending.Title{}, err
	}

	t, err := q.GetTitle(ctx, id)
	if err != nil {
		return lending.Title{}, err
	}
	if n == 0 {
		return t, &lending.ConsistencyError{
			TitleID: id, Operation: "write-off", Available: t.AvailableCopies, Total: t.TotalCopies,
		}
	}
	return t, nil
}

// --- loans ------------------------------------------------------------------

const loanColumns = `id, title_id, member_id, issued_at, due_at, returned_at, state, written_off`

func (q queries) CreateLoan(ctx context.Context, l lending.Loan) error {
	query := `INSERT INTO loans (` + loanColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := q.db.ExecContext(ctx, query,
		l.ID, l.TitleID, l.MemberID,
		formatTime(l.IssuedAt), formatTime(l.DueAt), nullTime(l.ReturnedAt),
		l.State, l.WrittenOff,
	)
	if err != nil {
		return classify(fmt.Errorf("failed to create loan: %w", err))
	}
	return nil
}

func (q queries) GetLoan(ctx context.Context, id lending.LoanID) (lending.Loan, error) {
	loans, err := q.queryLoans(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = ?`, id)
	if err != nil {
		return lending.Loan{}, err
	}
	if len(loans) == 0 {
		return lending.Loan{}, lending.ErrLoanNotFound
	}
	return loans[0], nil
}

// CloseLoan is conditional on state = 'ISSUED'; the loser of two
// concurrent returns sees ErrLoanAlreadyReturned.
func (q queries) CloseLoan(ctx context.Context, id lending.LoanID, at time.Time, writtenOff bool) (lending.Loan, error) {
	query := `
		UPDATE loans
		SET state = 'RETURNED', returned_at = ?, written_off = ?
		WHERE id = ? AND state = 'ISSUED'
	`
	res, err := q.db.ExecContext(ctx, query, formatTime(at), writtenOff, id)
	if err != nil {
		return lending.Loan{}, classify(fmt.Errorf("failed to close loan: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return lending.Loan{}, err
	}

	loan, err := q.GetLoan(ctx, id)
	if err != nil {
		return lending.Loan{}, err
	}
	if n == 0 {
		return loan, lending.ErrLoanAlreadyReturned
	}
	return loan, nil
}

func (q queries) ListIssuedLoans(ctx context.Context) ([]lending.Loan, error) {
	return q.queryLoans(ctx,
		`SELECT `+loanColumns+` FROM loans WHERE state = 'ISSUED' ORDER BY due_at, id`)
}

func (q queries) ListLoansByMember(ctx context.Context, memberID lending.MemberID) ([]lending.Loan, error) {
	return q.queryLoans(ctx,
		`SELECT `+loanColumns+` FROM loans WHERE member_id = ? ORDER BY issued_at, id`, memberID)
}

func (q queries) ListLoans(ctx context.Context, state lending.LoanState) ([]lending.Loan, error) {
	if state == "" {
		return q.queryLoans(ctx, `SELECT `+loanColumns+` FROM loans ORDER BY issued_at, id`)
	}
	return q.queryLoans(ctx,
		`SELECT `+loanColumns+` FROM loans WHERE state = ? ORDER BY issued_at, id`, state)
}

func (q queries) queryLoans(ctx context.Context, query string, args ...any) ([]lending.Loan, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to query loans: %w", err))
	}
	defer rows.Close()

	var loans []lending.Loan
	for rows.Next() {
		var (
			l          lending.Loan
			issuedAt   string
			dueAt      string
			returnedAt sql.NullString
		)
		if err := rows.Scan(&l.ID, &l.TitleID, &l.MemberID, &issuedAt, &dueAt, &returnedAt, &l.State, &l.WrittenOff); err != nil {
			return nil, fmt.Errorf("failed to scan loan: %w", err)
		}
		l.IssuedAt = parseTime(issuedAt)
		l.DueAt = parseTime(dueAt)
		l.ReturnedAt = parseNullTime(returnedAt)
		loans = append(loans, l)
	}
	return loans, rows.Err()
}

// --- fines ------------------------------------------------------------------

const fineColumns = `id, loan_id, member_id, amount_due, overdue_days, status, payment_id, created_at, paid_at`

func (q queries) CreateFine(ctx context.Context, f lending.Fine) error {
	query := `INSERT INTO fines (` + fineColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := q.db.ExecContext(ctx, query,
		f.ID, f.LoanID, f.MemberID, f.AmountDue.String(), f.OverdueDays, f.Status,
		nullString(string(f.PaymentID)), formatTime(f.CreatedAt), nullTime(f.PaidAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return lending.ErrDuplicateFine
		}
		return classify(fmt.Errorf("failed to create fine: %w", err))
	}
	return nil
}

func (q queries) GetFine(ctx context.Context, id lending.FineID) (lending.Fine, error) {
	fines, err := q.queryFines(ctx, `SELECT `+fineColumns+` FROM fines WHERE id = ?`, id)
	if err != nil {
		return lending.Fine{}, err
	}
	if len(fines) == 0 {
		return lending.Fine{}, lending.ErrFineNotFound
	}
	return fines[0], nil
}

func (q queries) GetFineByLoan(ctx context.Context, loanID lending.LoanID) (*lending.Fine, error) {
	fines, err := q.queryFines(ctx, `SELECT `+fineColumns+` FROM fines WHERE loan_id = ?`, loanID)
	if err != nil || len(fines) == 0 {
		return nil, err
	}
	return &fines[0], nil
}

func (q queries) ListUnpaidFines(ctx context.Context, memberID lending.MemberID) ([]lending.Fine, error) {
	return q.queryFines(ctx,
		`SELECT `+fineColumns+` FROM fines WHERE member_id = ? AND status = 'UNPAID' ORDER BY created_at, id`,
		memberID)
}

func (q queries) ListFinesByMember(ctx context.Context, memberID lending.MemberID) ([]lending.Fine, error) {
	return q.queryFines(ctx,
		`SELECT `+fineColumns+` FROM fines WHERE member_id = ? ORDER BY created_at, id`, memberID)
}

// MarkFinePaid is conditional on status = 'UNPAID'.
func (q queries) MarkFinePaid(ctx context.Context, id lending.FineID, paymentID lending.PaymentID, at time.Time) error {
	query := `
		UPDATE fines
		SET status = 'PAID', payment_id = ?, paid_at = ?
		WHERE id = ? AND status = 'UNPAID'
	`
	res, err := q.db.ExecContext(ctx, query, paymentID, formatTime(at), id)
	if err != nil {
		return classify(fmt.Errorf("failed to mark fine paid: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := q.GetFine(ctx, id); err != nil {
			return err
		}
		return lending.ErrConcurrentModification
	}
	return nil
}

func (q queries) queryFines(ctx context.Context, query string, args ...any) ([]lending.Fine, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to query fines: %w", err))
	}
	defer rows.Close()

	var fines []lending.Fine
	for rows.Next() {
		var (
			f         lending.Fine
			amount    string
			paymentID sql.NullString
			createdAt string
			paidAt    sql.NullString
		)
		if err := rows.Scan(&f.ID, &f.LoanID, &f.MemberID, &amount, &f.OverdueDays, &f.Status,
			&paymentID, &createdAt, &paidAt); err != nil {
			return nil, fmt.Errorf("failed to scan fine: %w", err)
		}
		f.AmountDue = parseDecimal(amount)
		f.PaymentID = lending.PaymentID(paymentID.String)
		f.CreatedAt = parseTime(createdAt)
		f.PaidAt = parseNullTime(paidAt)
		fines = append(fines, f)
	}
	return fines, rows.Err()
}

// --- payments ---------------------------------------------------------------

const paymentColumns = `id, member_id, amount, status, processor_ref, method, reason, applied_fine_ids_json, created_at`

func (q queries) CreatePayment(ctx context.Context, p lending.Payment) error {
	fineIDs := p.AppliedFineIDs
	if fineIDs == nil {
		fineIDs = []lending.FineID{}
	}
	fineIDsJSON, err := json.Marshal(fineIDs)
	if err != nil {
		return err
	}

	query := `INSERT INTO payments (` + paymentColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = q.db.ExecContext(ctx, query,
		p.ID, p.MemberID, p.Amount.String(), p.Status, p.ProcessorRef, p.Method,
		nullString(p.Reason), string(fineIDsJSON), formatTime(p.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return lending.ErrDuplicateIdempotencyKey
		}
		return classify(fmt.Errorf("failed to create payment: %w", err))
	}
	return nil
}

func (q queries) FindPaymentByProcessorRef(ctx context.Context, ref string) (*lending.Payment, error) {
	payments, err := q.queryPayments(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE processor_ref = ?`, ref)
	if err != nil || len(payments) == 0 {
		return nil, err
	}
	return &payments[0], nil
}

func (q queries) ListPaymentsByMember(ctx context.Context, memberID lending.MemberID) ([]lending.Payment, error) {
	return q.queryPayments(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE member_id = ? ORDER BY created_at, id`, memberID)
}

func (q queries) queryPayments(ctx context.Context, query string, args ...any) ([]lending.Payment, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to query payments: %w", err))
	}
	defer rows.Close()

	var payments []lending.Payment
	for rows.Next() {
		var (
			p           lending.Payment
			amount      string
			reason      sql.NullString
			fineIDsJSON string
			createdAt   string
		)
		if err := rows.Scan(&p.ID, &p.MemberID, &amount, &p.Status, &p.ProcessorRef, &p.Method,
			&reason, &fineIDsJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		p.Amount = parseDecimal(amount)
		p.Reason = reason.String
		p.CreatedAt = parseTime(createdAt)
		if err := json.Unmarshal([]byte(fineIDsJSON), &p.AppliedFineIDs); err != nil {
			return nil, fmt.Errorf("failed to decode applied fines for payment %s: %w", p.ID, err)
		}
		if len(p.AppliedFineIDs) == 0 {
			p.AppliedFineIDs = nil
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// --- notification log -------------------------------------------------------

// InsertNotificationIfAbsent is the exactly-once gate: the primary key on
// (subject_type, subject_id, day, kind) decides which caller wins.
func (q queries) InsertNotificationIfAbsent(ctx context.Context, rec lending.NotificationRecord) (bool, error) {
	query := `
		INSERT INTO notification_log (subject_type, subject_id, day, kind, dispatched_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(subject_type, subject_id, day, kind) DO NOTHING
	`
	res, err := q.db.ExecContext(ctx, query,
		rec.Key.SubjectType, rec.Key.SubjectID, rec.Key.Day, rec.Key.Kind, formatTime(rec.DispatchedAt))
	if err != nil {
		return false, classify(fmt.Errorf("failed to insert notification: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (q queries) ListNotifications(ctx context.Context, day lending.Day) ([]lending.NotificationRecord, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT subject_type, subject_id, day, kind, dispatched_at
		FROM notification_log
		WHERE day = ?
		ORDER BY subject_type, subject_id, kind
	`, day)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to list notifications: %w", err))
	}
	defer rows.Close()

	var records []lending.NotificationRecord
	for rows.Next() {
		var (
			r            lending.NotificationRecord
			dispatchedAt string
		)
		if err := rows.Scan(&r.Key.SubjectType, &r.Key.SubjectID, &r.Key.Day, &r.Key.Kind, &dispatchedAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		r.DispatchedAt = parseTime(dispatchedAt)
		records = append(records, r)
	}
	return records, rows.Err()
}

// =============================================================================
// SCAN RUNS (scheduler history)
// =============================================================================

// ScanRun records one scheduler execution of a scan.
type ScanRun struct {
	ID          string
	Scan        string
	Day         string
	Trigger     string // "schedule" or "manual"
	Status      string // "running", "completed", "failed"
	Candidates  int
	Emitted     int
	Duplicates  int
	Failures    int
	Undelivered int
	Aborted     bool
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// SaveScanRun inserts or updates a scan run.
func (s *Store) SaveScanRun(ctx context.Context, r ScanRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO scan_runs
		(id, scan, day, trigger, status, candidates, emitted, duplicates, failures,
		 undelivered, aborted, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			day = excluded.day,
			status = excluded.status,
			candidates = excluded.candidates,
			emitted = excluded.emitted,
			duplicates = excluded.duplicates,
			failures = excluded.failures,
			undelivered = excluded.undelivered,
			aborted = excluded.aborted,
			error = excluded.error,
			completed_at = excluded.completed_at
	`
	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.Scan, r.Day, r.Trigger, r.Status, r.Candidates, r.Emitted, r.Duplicates,
		r.Failures, r.Undelivered, r.Aborted, nullString(r.Error),
		formatTime(r.StartedAt), nullTime(r.CompletedAt),
	)
	if err != nil {
		return classify(fmt.Errorf("failed to save scan run: %w", err))
	}
	return nil
}

// ListScanRuns returns the most recent runs first.
func (s *Store) ListScanRuns(ctx context.Context, limit int) ([]ScanRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scan, day, trigger, status, candidates, emitted, duplicates, failures,
		       undelivered, aborted, error, started_at, completed_at
		FROM scan_runs
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []ScanRun
	for rows.Next() {
		var (
			r           ScanRun
			errText     sql.NullString
			startedAt   string
			completedAt sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Scan, &r.Day, &r.Trigger, &r.Status, &r.Candidates,
			&r.Emitted, &r.Duplicates, &r.Failures, &r.Undelivered, &r.Aborted,
			&errText, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		r.Error = errText.String
		r.StartedAt = parseTime(startedAt)
		r.CompletedAt = parseNullTime(completedAt)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Reset clears all data (for development/testing).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"notification_log", "payments", "fines", "loans", "titles", "scan_runs"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
		se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

func isCheckConstraintError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintCheck
}

// classify maps lock contention to ErrConcurrentModification so the
// engine retries it.
func classify(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %v", lending.ErrConcurrentModification, err)
	}
	return err
}
