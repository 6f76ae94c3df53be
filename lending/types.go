/*
Package lending provides the circulation engine for a finite physical inventory.

PURPOSE:
  Issues and returns loans without overselling copies, derives fines from
  late returns, reconciles payments against unpaid fines exactly once, and
  runs daily scans whose notifications are emitted at most once per
  (subject, day, kind) no matter how often or how concurrently they run.

KEY CONCEPTS IN THIS FILE (types.go):
  - Title: catalog item with a finite number of copies
  - Loan: one borrowing of one copy, ISSUED -> RETURNED (terminal)
  - Fine: penalty created once per loan at return time
  - Payment: an applied or rejected payment, keyed by processor reference
  - NotificationRecord: de-duplication ledger entry

INVARIANTS:
  1. 0 <= AvailableCopies <= TotalCopies for every title
  2. AvailableCopies = TotalCopies - count(ISSUED loans of the title)
  3. At most one Fine per Loan
  4. A Fine flips UNPAID -> PAID exactly once
  5. At most one NotificationRecord per (subject, day, kind)

SEE ALSO:
  - store.go: Persistence contracts that uphold these invariants
  - service.go: Entry point wiring store, clock and notifier
*/
package lending

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type TitleID string
type MemberID string
type LoanID string
type FineID string
type PaymentID string

// =============================================================================
// TITLE - Owned by the catalog; the core only moves AvailableCopies
// =============================================================================

type Title struct {
	ID              TitleID
	Name            string
	TotalCopies     int
	AvailableCopies int
}

// NewTitle validates copy counts at construction time.
func NewTitle(id TitleID, name string, total, available int) (Title, error) {
	t := Title{ID: id, Name: name, TotalCopies: total, AvailableCopies: available}
	if err := t.Validate(); err != nil {
		return Title{}, err
	}
	return t, nil
}

func (t Title) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("%w: title id is required", ErrInvalidInput)
	}
	if t.TotalCopies < 0 {
		return fmt.Errorf("%w: total copies must be >= 0, got %d", ErrInvalidInput, t.TotalCopies)
	}
	if t.AvailableCopies < 0 || t.AvailableCopies > t.TotalCopies {
		return fmt.Errorf("%w: available copies %d outside [0, %d]", ErrInvalidInput, t.AvailableCopies, t.TotalCopies)
	}
	return nil
}

// OnLoan returns how many copies are currently out.
func (t Title) OnLoan() int { return t.TotalCopies - t.AvailableCopies }

// =============================================================================
// LOAN - State machine: ISSUED -> RETURNED (terminal)
// =============================================================================

type LoanState string

const (
	LoanIssued   LoanState = "ISSUED"
	LoanReturned LoanState = "RETURNED"
)

type Loan struct {
	ID         LoanID
	TitleID    TitleID
	MemberID   MemberID
	IssuedAt   time.Time
	DueAt      time.Time
	ReturnedAt *time.Time
	State      LoanState

	// WrittenOff is set when the loan was closed administratively and the
	// copy never came back.
	WrittenOff bool
}

// IsOverdue is derived from the clock; overdue is never a stored state.
func (l Loan) IsOverdue(now time.Time) bool {
	return l.State == LoanIssued && now.After(l.DueAt)
}

func (l Loan) IsOpen() bool { return l.State == LoanIssued }

// =============================================================================
// FINE - Created once per loan, at return/finalize time
// =============================================================================

type FineStatus string

const (
	FineUnpaid FineStatus = "UNPAID"
	FinePaid   FineStatus = "PAID"
)

type Fine struct {
	ID          FineID
	LoanID      LoanID
	MemberID    MemberID
	AmountDue   decimal.Decimal
	OverdueDays int
	Status      FineStatus
	PaymentID   PaymentID // set when PAID
	CreatedAt   time.Time
	PaidAt      *time.Time
}

func (f Fine) IsUnpaid() bool { return f.Status == FineUnpaid }

// =============================================================================
// PAYMENT - Keyed by processor reference (idempotency key)
// =============================================================================

type PaymentStatus string

const (
	PaymentApplied  PaymentStatus = "APPLIED"
	PaymentRejected PaymentStatus = "REJECTED"
)

type PaymentMethod string

const (
	MethodGateway PaymentMethod = "gateway"
	MethodCard    PaymentMethod = "card"
	MethodCash    PaymentMethod = "cash"
	MethodManual  PaymentMethod = "manual"
)

type Payment struct {
	ID             PaymentID
	MemberID       MemberID
	Amount         decimal.Decimal
	AppliedFineIDs []FineID
	Status         PaymentStatus
	ProcessorRef   string
	Method         PaymentMethod
	Reason         string // rejection reason, empty when APPLIED
	CreatedAt      time.Time
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

type NotificationKind string

const (
	KindDueSoon  NotificationKind = "DUE_SOON"
	KindOverdue  NotificationKind = "OVERDUE"
	KindLowStock NotificationKind = "LOW_STOCK"
)

type SubjectType string

const (
	SubjectLoan  SubjectType = "loan"
	SubjectTitle SubjectType = "title"
)

// NotificationKey is the unique de-duplication key.
type NotificationKey struct {
	SubjectType SubjectType
	SubjectID   string
	Day         Day
	Kind        NotificationKind
}

func (k NotificationKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.SubjectType, k.SubjectID, k.Day, k.Kind)
}

type NotificationRecord struct {
	Key          NotificationKey
	DispatchedAt time.Time
}

// NotificationEvent is what the gateway receives.
type NotificationEvent struct {
	ID  string
	Key NotificationKey

	// Loan subjects
	LoanID      LoanID
	MemberID    MemberID
	TitleID     TitleID
	DueAt       time.Time
	OverdueDays int

	// Title subjects
	AvailableCopies int
	TotalCopies     int

	CreatedAt time.Time
}

func (e NotificationEvent) Kind() NotificationKind { return e.Key.Kind }
