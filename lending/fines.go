package lending

import (
	"context"

	"github.com/shopspring/decimal"
)

// ListUnpaidFines returns a member's unpaid fines, oldest first. This is
// the order payments are allocated in.
func (s *Service) ListUnpaidFines(ctx context.Context, memberID MemberID) ([]Fine, error) {
	return s.store.ListUnpaidFines(ctx, memberID)
}

// ListFines returns every fine of a member, paid or not.
func (s *Service) ListFines(ctx context.Context, memberID MemberID) ([]Fine, error) {
	return s.store.ListFinesByMember(ctx, memberID)
}

func (s *Service) GetFine(ctx context.Context, id FineID) (Fine, error) {
	return s.store.GetFine(ctx, id)
}

// OutstandingBalance sums a member's unpaid fines.
func (s *Service) OutstandingBalance(ctx context.Context, memberID MemberID) (decimal.Decimal, error) {
	fines, err := s.store.ListUnpaidFines(ctx, memberID)
	if err != nil {
		return decimal.Zero, err
	}
	return sumFines(fines), nil
}

func sumFines(fines []Fine) decimal.Decimal {
	total := decimal.Zero
	for _, f := range fines {
		total = total.Add(f.AmountDue)
	}
	return total
}
