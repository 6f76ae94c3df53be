/*
payments.go - Payment Reconciler

PURPOSE:
  Applies a payment against a member's unpaid fines. The only component
  that flips a fine to PAID.

ALLOCATION (reject-on-partial):
  Unpaid fines are taken oldest first. The payment amount must equal the
  total of the k oldest fines for some k >= 1. An amount that would cover
  only part of a fine, or more than everything owed, is rejected. Nothing
  is partially applied and nothing is carried over.

ATOMICITY:
  Inside one store transaction:
    1. look up the processor reference (idempotency key)
    2. read unpaid fines and allocate
    3. flip each covered fine UNPAID -> PAID (conditional)
    4. write exactly one Payment

  If another payment flipped one of our fines first, step 3 fails with
  ErrConcurrentModification, the transaction rolls back and the whole
  attempt re-runs against fresh state.

IDEMPOTENCY:
  A processor reference seen before returns the original Payment, including
  the original rejection. Rejected payments are recorded for that reason.
*/
package lending

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Rejection reasons stored on REJECTED payments.
const (
	ReasonAmountMismatch = "amount_mismatch"
	ReasonNoUnpaidFines  = "no_unpaid_fines"
)

type PaymentRequest struct {
	MemberID     MemberID
	Amount       decimal.Decimal
	ProcessorRef string
	Method       PaymentMethod
}

func (r PaymentRequest) validate() error {
	if r.MemberID == "" {
		return fmt.Errorf("%w: member is required", ErrInvalidInput)
	}
	if r.ProcessorRef == "" {
		return fmt.Errorf("%w: processor reference is required", ErrInvalidInput)
	}
	if !r.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	return nil
}

// allocator picks the fines a payment covers, or returns a rejection.
type allocator func(unpaid []Fine, amount decimal.Decimal) ([]Fine, error)

// ApplyPayment allocates req.Amount to the member's unpaid fines, oldest
// first. A REJECTED payment is returned together with ErrFineAmountMismatch
// or ErrNoUnpaidFines.
func (s *Service) ApplyPayment(ctx context.Context, req PaymentRequest) (Payment, error) {
	if req.Method == "" {
		req.Method = MethodGateway
	}
	if err := req.validate(); err != nil {
		return Payment{}, err
	}
	return s.reconcile(ctx, req, func(unpaid []Fine, amount decimal.Decimal) ([]Fine, error) {
		return allocateOldestFirst(req.MemberID, unpaid, amount)
	})
}

// SettleFine pays exactly one fine in full, e.g. cash taken at the desk.
func (s *Service) SettleFine(ctx context.Context, fineID FineID, processorRef string) (Payment, error) {
	fine, err := s.store.GetFine(ctx, fineID)
	if err != nil {
		return Payment{}, err
	}
	req := PaymentRequest{
		MemberID:     fine.MemberID,
		Amount:       fine.AmountDue,
		ProcessorRef: processorRef,
		Method:       MethodManual,
	}
	if err := req.validate(); err != nil {
		return Payment{}, err
	}
	return s.reconcile(ctx, req, func(unpaid []Fine, _ decimal.Decimal) ([]Fine, error) {
		for _, f := range unpaid {
			if f.ID == fineID {
				return []Fine{f}, nil
			}
		}
		return nil, fmt.Errorf("%w: fine %s is not unpaid", ErrNoUnpaidFines, fineID)
	})
}

// ListPayments returns a member's payments, newest last.
func (s *Service) ListPayments(ctx context.Context, memberID MemberID) ([]Payment, error) {
	return s.store.ListPaymentsByMember(ctx, memberID)
}

func (s *Service) reconcile(ctx context.Context, req PaymentRequest, allocate allocator) (Payment, error) {
	var (
		result   Payment
		outcome  error
		replayed bool
	)

	err := s.retry.retry(ctx, func(ctx context.Context) error {
		outcome, replayed = nil, false
		now := s.clock.Now()

		return s.store.WithTx(ctx, func(tx Store) error {
			prior, err := tx.FindPaymentByProcessorRef(ctx, req.ProcessorRef)
			if err != nil {
				return err
			}
			if prior != nil {
				if prior.MemberID != req.MemberID || !prior.Amount.Equal(req.Amount) {
					return fmt.Errorf("%w: %s", ErrIdempotencyKeyReuse, req.ProcessorRef)
				}
				result, outcome, replayed = *prior, replayError(*prior), true
				return nil
			}

			unpaid, err := tx.ListUnpaidFines(ctx, req.MemberID)
			if err != nil {
				return err
			}

			p := Payment{
				ID:           PaymentID(s.ids.next(now)),
				MemberID:     req.MemberID,
				Amount:       req.Amount,
				ProcessorRef: req.ProcessorRef,
				Method:       req.Method,
				CreatedAt:    now,
			}

			covered, rejection := allocate(unpaid, req.Amount)
			if rejection != nil {
				p.Status = PaymentRejected
				p.Reason = rejectionReason(rejection)
				if err := createPayment(ctx, tx, p); err != nil {
					return err
				}
				result, outcome = p, rejection
				return nil
			}

			for _, f := range covered {
				if err := tx.MarkFinePaid(ctx, f.ID, p.ID, now); err != nil {
					return err
				}
				p.AppliedFineIDs = append(p.AppliedFineIDs, f.ID)
			}
			p.Status = PaymentApplied
			if err := createPayment(ctx, tx, p); err != nil {
				return err
			}
			result = p
			return nil
		})
	})
	if err != nil {
		return Payment{}, err
	}

	switch {
	case replayed:
		s.logger.Printf("[Lending] payment %s replayed for ref %s", result.ID, result.ProcessorRef)
	case result.Status == PaymentRejected:
		s.logger.Printf("[Lending] payment %s rejected for member %s: %v", result.ID, result.MemberID, outcome)
	default:
		s.logger.Printf("[Lending] payment %s applied for member %s: %s over %d fine(s)",
			result.ID, result.MemberID, result.Amount.StringFixed(2), len(result.AppliedFineIDs))
	}
	return result, outcome
}

// createPayment turns a lost race on the processor reference into a retry;
// the retry then finds the winner's payment and replays it.
func createPayment(ctx context.Context, tx Store, p Payment) error {
	err := tx.CreatePayment(ctx, p)
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		return fmt.Errorf("%w: processor ref %s", ErrConcurrentModification, p.ProcessorRef)
	}
	return err
}

func allocateOldestFirst(memberID MemberID, unpaid []Fine, amount decimal.Decimal) ([]Fine, error) {
	if len(unpaid) == 0 {
		return nil, ErrNoUnpaidFines
	}

	running := decimal.Zero
	acceptable := make([]decimal.Decimal, 0, len(unpaid))
	for i, f := range unpaid {
		running = running.Add(f.AmountDue)
		acceptable = append(acceptable, running)
		if running.Equal(amount) {
			return unpaid[:i+1], nil
		}
		if running.GreaterThan(amount) {
			break
		}
	}

	return nil, &AmountMismatchError{
		MemberID:    memberID,
		Offered:     amount,
		Outstanding: sumFines(unpaid),
		Acceptable:  acceptable,
	}
}

func rejectionReason(err error) string {
	if errors.Is(err, ErrNoUnpaidFines) {
		return ReasonNoUnpaidFines
	}
	return ReasonAmountMismatch
}

func replayError(p Payment) error {
	if p.Status != PaymentRejected {
		return nil
	}
	if p.Reason == ReasonNoUnpaidFines {
		return fmt.Errorf("%w (payment %s)", ErrNoUnpaidFines, p.ID)
	}
	return fmt.Errorf("%w (payment %s)", ErrFineAmountMismatch, p.ID)
}
