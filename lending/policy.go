/*
policy.go - Circulation policy and fine arithmetic

PURPOSE:
  Holds the externally configured constants (loan period, daily fine rate,
  reminder window, low-stock threshold) and the pure functions that derive
  due dates and fines from them.

FINE RULE:
  overdueDays = max(0, ceil((returnedAt - dueAt) / 24h))
  amountDue   = rate * overdueDays

  A loan returned exactly at dueAt owes nothing. One second late counts
  as a whole day.

EXAMPLE:
  p := lending.DefaultPolicy()             // 14 days, 5 per day
  due := p.DueAt(issuedAt)                 // issuedAt + 14d
  days := lending.OverdueDays(due, issuedAt.AddDate(0, 0, 17)) // 3
  p.FineFor(days)                          // 15
*/
package lending

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const day = 24 * time.Hour

type Policy struct {
	LoanPeriod        time.Duration
	FineRatePerDay    decimal.Decimal
	DueReminderWindow time.Duration
	LowStockThreshold int

	// Location decides where calendar days start for notification keys.
	Location *time.Location
}

// DefaultPolicy mirrors the values the library has always run with.
func DefaultPolicy() Policy {
	return Policy{
		LoanPeriod:        14 * day,
		FineRatePerDay:    decimal.NewFromInt(5),
		DueReminderWindow: 2 * day,
		LowStockThreshold: 1,
		Location:          time.UTC,
	}
}

func (p Policy) Validate() error {
	if p.LoanPeriod <= 0 {
		return fmt.Errorf("%w: loan period must be positive", ErrInvalidInput)
	}
	if p.FineRatePerDay.IsNegative() {
		return fmt.Errorf("%w: fine rate must not be negative", ErrInvalidInput)
	}
	if p.DueReminderWindow < 0 {
		return fmt.Errorf("%w: reminder window must not be negative", ErrInvalidInput)
	}
	if p.LowStockThreshold < 0 {
		return fmt.Errorf("%w: low stock threshold must not be negative", ErrInvalidInput)
	}
	return nil
}

func (p Policy) DueAt(issuedAt time.Time) time.Time {
	return issuedAt.Add(p.LoanPeriod)
}

func (p Policy) FineFor(overdueDays int) decimal.Decimal {
	if overdueDays <= 0 {
		return decimal.Zero
	}
	return p.FineRatePerDay.Mul(decimal.NewFromInt(int64(overdueDays)))
}

// InReminderWindow reports whether now lies in [dueAt-window, dueAt].
func (p Policy) InReminderWindow(dueAt, now time.Time) bool {
	if now.After(dueAt) {
		return false
	}
	return !now.Before(dueAt.Add(-p.DueReminderWindow))
}

func (p Policy) location() *time.Location {
	if p.Location == nil {
		return time.UTC
	}
	return p.Location
}

// OverdueDays counts whole days past dueAt, rounding any partial day up.
func OverdueDays(dueAt, returnedAt time.Time) int {
	late := returnedAt.Sub(dueAt)
	if late <= 0 {
		return 0
	}
	days := int(late / day)
	if late%day != 0 {
		days++
	}
	return days
}
