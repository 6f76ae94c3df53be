/*
loans.go - Loan lifecycle

STATE MACHINE:
  ISSUED --return--> RETURNED (terminal)
  ISSUED --finalize--> RETURNED, WrittenOff (terminal)

  A second Return on a RETURNED loan fails with ErrLoanAlreadyReturned and
  touches neither the inventory nor the fine ledger.

ORDERING:
  Issue:  Reserve first. If it fails, no loan is written.
  Return: CloseLoan (conditional on ISSUED) first, then Release, then the
          fine. All inside one store transaction.

FINES:
  Return and Finalize are the only places fines originate. Scans only
  send reminders.
*/
package lending

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// IssueLoan reserves a copy of titleID and records a loan for memberID.
func (s *Service) IssueLoan(ctx context.Context, titleID TitleID, memberID MemberID) (Loan, error) {
	if titleID == "" || memberID == "" {
		return Loan{}, fmt.Errorf("%w: title and member are required", ErrInvalidInput)
	}

	var loan Loan
	err := s.retry.retry(ctx, func(ctx context.Context) error {
		now := s.clock.Now()
		return s.store.WithTx(ctx, func(tx Store) error {
			if _, err := s.inventory.Reserve(ctx, tx, titleID); err != nil {
				return err
			}
			loan = Loan{
				ID:       LoanID(s.ids.next(now)),
				TitleID:  titleID,
				MemberID: memberID,
				IssuedAt: now,
				DueAt:    s.policy.DueAt(now),
				State:    LoanIssued,
			}
			return tx.CreateLoan(ctx, loan)
		})
	})
	if err != nil {
		return Loan{}, err
	}

	s.logger.Printf("[Lending] issued loan %s: title=%s member=%s due=%s",
		loan.ID, loan.TitleID, loan.MemberID, loan.DueAt.Format(time.RFC3339))
	return loan, nil
}

// ReturnLoan closes the loan, releases the copy and creates a fine when the
// return is late. The fine is nil for on-time returns.
func (s *Service) ReturnLoan(ctx context.Context, loanID LoanID) (Loan, *Fine, error) {
	return s.closeLoan(ctx, loanID, false)
}

// FinalizeLoan closes a loan administratively when the copy will not come
// back. The copy is written off instead of released; the fine rule is the
// same as for a return.
func (s *Service) FinalizeLoan(ctx context.Context, loanID LoanID) (Loan, *Fine, error) {
	return s.closeLoan(ctx, loanID, true)
}

func (s *Service) closeLoan(ctx context.Context, loanID LoanID, writeOff bool) (Loan, *Fine, error) {
	var (
		loan Loan
		fine *Fine
	)
	err := s.retry.retry(ctx, func(ctx context.Context) error {
		fine = nil
		now := s.clock.Now()
		return s.store.WithTx(ctx, func(tx Store) error {
			current, err := tx.GetLoan(ctx, loanID)
			if err != nil {
				return err
			}
			if !current.IsOpen() {
				return ErrLoanAlreadyReturned
			}

			loan, err = tx.CloseLoan(ctx, loanID, now, writeOff)
			if err != nil {
				return err
			}

			if writeOff {
				err = s.inventory.WriteOff(ctx, tx, loan.TitleID)
			} else {
				err = s.inventory.Release(ctx, tx, loan.TitleID)
			}
			if err != nil {
				return err
			}

			// A zero rate waives fines; a zero-amount fine could never be paid.
			days := OverdueDays(loan.DueAt, now)
			amount := s.policy.FineFor(days)
			if days == 0 || !amount.IsPositive() {
				return nil
			}
			f := Fine{
				ID:          FineID(s.ids.next(now)),
				LoanID:      loan.ID,
				MemberID:    loan.MemberID,
				AmountDue:   amount,
				OverdueDays: days,
				Status:      FineUnpaid,
				CreatedAt:   now,
			}
			if err := tx.CreateFine(ctx, f); err != nil {
				return err
			}
			fine = &f
			return nil
		})
	})
	if err != nil {
		return Loan{}, nil, err
	}

	verb := "returned"
	if writeOff {
		verb = "finalized"
	}
	if fine != nil {
		s.logger.Printf("[Lending] %s loan %s: %d day(s) late, fine %s (%s)",
			verb, loan.ID, fine.OverdueDays, fine.ID, fine.AmountDue.StringFixed(2))
	} else {
		s.logger.Printf("[Lending] %s loan %s on time", verb, loan.ID)
	}
	return loan, fine, nil
}

// LoanStatus is a loan as seen at a point in time.
type LoanStatus struct {
	Loan          Loan
	Overdue       bool
	OverdueDays   int
	EstimatedFine decimal.Decimal
	Fine          *Fine
}

// MemberLoans lists a member's loans with what they would owe if returned
// now. Closed loans carry their actual fine, if any.
func (s *Service) MemberLoans(ctx context.Context, memberID MemberID) ([]LoanStatus, error) {
	loans, err := s.store.ListLoansByMember(ctx, memberID)
	if err != nil {
		return nil, err
	}
	return s.loanStatuses(ctx, loans)
}

// ListLoans lists every loan in state, or all loans when state is empty,
// with the same fine figures MemberLoans reports.
func (s *Service) ListLoans(ctx context.Context, state LoanState) ([]LoanStatus, error) {
	switch state {
	case "", LoanIssued, LoanReturned:
	default:
		return nil, fmt.Errorf("%w: unknown loan state %q", ErrInvalidInput, state)
	}
	loans, err := s.store.ListLoans(ctx, state)
	if err != nil {
		return nil, err
	}
	return s.loanStatuses(ctx, loans)
}

func (s *Service) loanStatuses(ctx context.Context, loans []Loan) ([]LoanStatus, error) {
	now := s.clock.Now()
	out := make([]LoanStatus, 0, len(loans))
	for _, l := range loans {
		st := LoanStatus{Loan: l, EstimatedFine: decimal.Zero}
		if l.IsOpen() {
			st.Overdue = l.IsOverdue(now)
			st.OverdueDays = OverdueDays(l.DueAt, now)
			st.EstimatedFine = s.policy.FineFor(st.OverdueDays)
		} else {
			fine, err := s.store.GetFineByLoan(ctx, l.ID)
			if err != nil {
				return nil, err
			}
			if fine != nil {
				st.Fine = fine
				st.OverdueDays = fine.OverdueDays
				st.EstimatedFine = fine.AmountDue
			}
		}
		out = append(out, st)
	}
	return out, nil
}

// GetLoan returns a single loan.
func (s *Service) GetLoan(ctx context.Context, id LoanID) (Loan, error) {
	return s.store.GetLoan(ctx, id)
}
