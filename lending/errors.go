/*
errors.go - Centralized error types for the lending engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers (the HTTP layer, the scheduler) classify errors with the
  helpers at the bottom of this file instead of matching strings.

ERROR CATEGORIES:
  1. Client errors   - Out of stock, already returned, payment mismatch
  2. Not found       - Unknown title, loan or fine
  3. Transient       - Storage write collisions (retried internally)
  4. Non-fatal       - Notification delivery failures (logged only)
  5. Fatal           - Internal consistency violations (abort + alert)

USAGE:
  loan, err := svc.IssueLoan(ctx, titleID, memberID)
  if errors.Is(err, lending.ErrOutOfStock) {
      // caller may wait or cancel
  }

SEE ALSO:
  - retry.go: Retries ErrConcurrentModification
  - api/handlers.go: Maps errors to HTTP status codes
*/
package lending

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrOutOfStock is returned when a title has no available copies.
	ErrOutOfStock = errors.New("out of stock")

	// ErrTitleNotFound is returned when a referenced title doesn't exist.
	ErrTitleNotFound = errors.New("title not found")

	// ErrLoanNotFound is returned when a referenced loan doesn't exist.
	ErrLoanNotFound = errors.New("loan not found")

	// ErrLoanAlreadyReturned is returned when closing a loan that is already RETURNED.
	ErrLoanAlreadyReturned = errors.New("loan already returned")

	// ErrFineNotFound is returned when a referenced fine doesn't exist.
	ErrFineNotFound = errors.New("fine not found")

	// ErrDuplicateFine is returned when a second fine is created for the same loan.
	ErrDuplicateFine = errors.New("fine already exists for loan")

	// ErrFineAmountMismatch is returned when a payment does not exactly cover
	// whole fines, oldest first.
	ErrFineAmountMismatch = errors.New("payment amount does not match unpaid fines")

	// ErrNoUnpaidFines is returned when a member has nothing to pay.
	ErrNoUnpaidFines = errors.New("no unpaid fines")

	// ErrDuplicateIdempotencyKey is returned by stores when a payment with the
	// same processor reference already exists.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrIdempotencyKeyReuse is returned when a processor reference is replayed
	// with a different member or amount.
	ErrIdempotencyKeyReuse = errors.New("idempotency key reused with different request")

	// ErrConcurrentModification is returned when a conditional write lost a race.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrNotificationDelivery is returned by gateways that failed to deliver.
	ErrNotificationDelivery = errors.New("notification delivery failed")

	// ErrInternalConsistency is returned when an invariant would be broken.
	// It always indicates a bug and must never be clamped away.
	ErrInternalConsistency = errors.New("internal consistency violation")

	// ErrInvalidInput is returned for malformed arguments.
	ErrInvalidInput = errors.New("invalid input")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// OutOfStockError identifies the title that could not be reserved.
type OutOfStockError struct {
	TitleID TitleID
}

func (e *OutOfStockError) Error() string {
	return fmt.Sprintf("out of stock: title %s has no available copies", e.TitleID)
}

func (e *OutOfStockError) Unwrap() error {
	return ErrOutOfStock
}

// AmountMismatchError explains why a payment could not be allocated.
type AmountMismatchError struct {
	MemberID    MemberID
	Offered     decimal.Decimal
	Outstanding decimal.Decimal
	// Acceptable lists the amounts that would have been accepted
	// (running totals of the unpaid fines, oldest first).
	Acceptable []decimal.Decimal
}

func (e *AmountMismatchError) Error() string {
	return fmt.Sprintf("payment of %s does not cover whole fines (outstanding %s)",
		e.Offered.StringFixed(2), e.Outstanding.StringFixed(2))
}

func (e *AmountMismatchError) Unwrap() error {
	return ErrFineAmountMismatch
}

// ConsistencyError describes a broken inventory invariant.
type ConsistencyError struct {
	TitleID   TitleID
	Operation string
	Available int
	Total     int
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("internal consistency violation: %s on title %s (available %d, total %d)",
		e.Operation, e.TitleID, e.Available, e.Total)
}

func (e *ConsistencyError) Unwrap() error {
	return ErrInternalConsistency
}

// DeliveryError wraps a gateway failure for a single notification.
type DeliveryError struct {
	Key NotificationKey
	Err error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s: %v", e.Key, e.Err)
}

func (e *DeliveryError) Unwrap() []error {
	return []error{ErrNotificationDelivery, e.Err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to the caller's request.
func IsClientError(err error) bool {
	return errors.Is(err, ErrOutOfStock) ||
		errors.Is(err, ErrLoanAlreadyReturned) ||
		errors.Is(err, ErrFineAmountMismatch) ||
		errors.Is(err, ErrNoUnpaidFines) ||
		errors.Is(err, ErrIdempotencyKeyReuse) ||
		errors.Is(err, ErrInvalidInput)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTitleNotFound) ||
		errors.Is(err, ErrLoanNotFound) ||
		errors.Is(err, ErrFineNotFound)
}

// IsFatal returns true if the error indicates a bug that operators must see.
func IsFatal(err error) bool {
	return errors.Is(err, ErrInternalConsistency)
}
