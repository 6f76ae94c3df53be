/*
store.go - Persistence contracts for the lending engine

PURPOSE:
  Defines what storage must guarantee, not which engine provides it.
  Every invariant the engine relies on is pushed down into a single
  conditional write so that it holds across processes, not just
  goroutines.

CONDITIONAL WRITES:
  AdjustAvailableCopies  available += delta only if 0 <= result <= total
  CloseLoan              only if state = ISSUED
  CreateFine             unique per loan
  MarkFinePaid           only if status = UNPAID
  CreatePayment          unique per processor reference
  InsertNotificationIfAbsent
                         unique per (subject type, subject id, day, kind)

ATOMIC UNITS:
  TxStore.WithTx runs fn against a transactional view. If fn returns an
  error, nothing fn wrote is visible afterwards.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: Production SQLite
  - lending/store/memory.go: In-memory for testing
*/
package lending

import (
	"context"
	"time"
)

// CatalogStore exposes the slice of the catalog the core may touch.
type CatalogStore interface {
	// SaveTitle upserts a title. Used by the catalog collaborator and seeding.
	// Updating an existing title keeps its copies on loan: AvailableCopies is
	// recomputed as TotalCopies minus on loan, and a total below the on-loan
	// count fails with ErrInvalidInput.
	SaveTitle(ctx context.Context, t Title) error

	GetTitle(ctx context.Context, id TitleID) (Title, error)
	ListTitles(ctx context.Context) ([]Title, error)

	// AdjustAvailableCopies applies delta only if the result stays within
	// [0, total]. Returns ErrOutOfStock below zero, a *ConsistencyError above
	// total, ErrTitleNotFound for unknown titles.
	AdjustAvailableCopies(ctx context.Context, id TitleID, delta int) (Title, error)

	// WriteOffCopy removes one copy that is out on loan from the collection.
	WriteOffCopy(ctx context.Context, id TitleID) (Title, error)
}

type LoanRepository interface {
	CreateLoan(ctx context.Context, l Loan) error
	GetLoan(ctx context.Context, id LoanID) (Loan, error)

	// CloseLoan transitions ISSUED -> RETURNED. Returns ErrLoanAlreadyReturned
	// when the loan is no longer ISSUED.
	CloseLoan(ctx context.Context, id LoanID, returnedAt time.Time, writtenOff bool) (Loan, error)

	ListIssuedLoans(ctx context.Context) ([]Loan, error)
	ListLoansByMember(ctx context.Context, memberID MemberID) ([]Loan, error)

	// ListLoans returns loans in state, or all loans when state is empty,
	// oldest issued first.
	ListLoans(ctx context.Context, state LoanState) ([]Loan, error)
}

type FineRepository interface {
	// CreateFine fails with ErrDuplicateFine if the loan already has one.
	CreateFine(ctx context.Context, f Fine) error
	GetFine(ctx context.Context, id FineID) (Fine, error)

	// GetFineByLoan returns (nil, nil) when the loan has no fine.
	GetFineByLoan(ctx context.Context, loanID LoanID) (*Fine, error)

	// ListUnpaidFines returns UNPAID fines ordered oldest first.
	ListUnpaidFines(ctx context.Context, memberID MemberID) ([]Fine, error)
	ListFinesByMember(ctx context.Context, memberID MemberID) ([]Fine, error)

	// MarkFinePaid flips UNPAID -> PAID. Returns ErrConcurrentModification
	// when the fine is no longer UNPAID.
	MarkFinePaid(ctx context.Context, id FineID, paymentID PaymentID, at time.Time) error
}

type PaymentRepository interface {
	// CreatePayment fails with ErrDuplicateIdempotencyKey on a known ref.
	CreatePayment(ctx context.Context, p Payment) error

	// FindPaymentByProcessorRef returns (nil, nil) when absent.
	FindPaymentByProcessorRef(ctx context.Context, ref string) (*Payment, error)
	ListPaymentsByMember(ctx context.Context, memberID MemberID) ([]Payment, error)
}

type NotificationLogRepository interface {
	// InsertNotificationIfAbsent returns true when the record was inserted,
	// false when the key already existed.
	InsertNotificationIfAbsent(ctx context.Context, rec NotificationRecord) (bool, error)
	ListNotifications(ctx context.Context, day Day) ([]NotificationRecord, error)
}

// Store is everything the engine needs from persistence.
type Store interface {
	CatalogStore
	LoanRepository
	FineRepository
	PaymentRepository
	NotificationLogRepository
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
