package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/lending-engine/lending"
)

var now = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func seedTitle(t *testing.T, m *Memory, id string, total, available int) {
	title, err := lending.NewTitle(lending.TitleID(id), id, total, available)
	require.NoError(t, err)
	require.NoError(t, m.SaveTitle(context.Background(), title))
}

func TestMemory_AdjustAvailableCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seedTitle(t, m, "T1", 2, 1)

	title, err := m.AdjustAvailableCopies(ctx, "T1", -1)
	require.NoError(t, err)
	assert.Equal(t, 0, title.AvailableCopies)

	_, err = m.AdjustAvailableCopies(ctx, "T1", -1)
	assert.ErrorIs(t, err, lending.ErrOutOfStock)

	_, err = m.AdjustAvailableCopies(ctx, "T1", +1)
	require.NoError(t, err)
	_, err = m.AdjustAvailableCopies(ctx, "T1", +1)
	require.NoError(t, err)

	// Releasing past total is a bug, never clamped
	_, err = m.AdjustAvailableCopies(ctx, "T1", +1)
	var ce *lending.ConsistencyError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 2, ce.Available)
	assert.Equal(t, 2, ce.Total)

	_, err = m.AdjustAvailableCopies(ctx, "missing", -1)
	assert.ErrorIs(t, err, lending.ErrTitleNotFound)
}

func TestMemory_SaveTitle_PreservesCopiesOnLoan(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seedTitle(t, m, "T1", 3, 1)

	// Re-posting with everything available keeps the two copies on loan
	seedTitle(t, m, "T1", 4, 4)
	title, err := m.GetTitle(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, 4, title.TotalCopies)
	assert.Equal(t, 2, title.AvailableCopies)

	shrunk, err := lending.NewTitle("T1", "T1", 1, 1)
	require.NoError(t, err)
	assert.ErrorIs(t, m.SaveTitle(ctx, shrunk), lending.ErrInvalidInput)

	title, err = m.GetTitle(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, 4, title.TotalCopies)
}

func TestMemory_WriteOffCopy(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seedTitle(t, m, "T1", 2, 1)

	title, err := m.WriteOffCopy(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, 1, title.TotalCopies)
	assert.Equal(t, 1, title.AvailableCopies)

	// Nothing on loan any more
	_, err = m.WriteOffCopy(ctx, "T1")
	assert.ErrorIs(t, err, lending.ErrInternalConsistency)
}

func TestMemory_CloseLoan_OnlyOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.CreateLoan(ctx, lending.Loan{
		ID: "L1", TitleID: "T1", MemberID: "M1", IssuedAt: now, DueAt: now.Add(time.Hour), State: lending.LoanIssued,
	}))

	closed, err := m.CloseLoan(ctx, "L1", now.Add(2*time.Hour), false)
	require.NoError(t, err)
	assert.Equal(t, lending.LoanReturned, closed.State)
	require.NotNil(t, closed.ReturnedAt)

	_, err = m.CloseLoan(ctx, "L1", now.Add(3*time.Hour), false)
	assert.ErrorIs(t, err, lending.ErrLoanAlreadyReturned)

	_, err = m.CloseLoan(ctx, "L2", now, false)
	assert.ErrorIs(t, err, lending.ErrLoanNotFound)
}

func TestMemory_ListLoans_ByState(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.CreateLoan(ctx, lending.Loan{
		ID: "L2", TitleID: "T1", MemberID: "M2", IssuedAt: now, DueAt: now.Add(time.Hour), State: lending.LoanIssued,
	}))
	require.NoError(t, m.CreateLoan(ctx, lending.Loan{
		ID: "L1", TitleID: "T1", MemberID: "M1", IssuedAt: now.Add(time.Minute), DueAt: now.Add(time.Hour), State: lending.LoanIssued,
	}))
	_, err := m.CloseLoan(ctx, "L2", now.Add(2*time.Hour), false)
	require.NoError(t, err)

	all, err := m.ListLoans(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, lending.LoanID("L2"), all[0].ID, "earlier issue first")

	issued, err := m.ListLoans(ctx, lending.LoanIssued)
	require.NoError(t, err)
	require.Len(t, issued, 1)
	assert.Equal(t, lending.LoanID("L1"), issued[0].ID)
}

func TestMemory_Fines(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	older := lending.Fine{ID: "F1", LoanID: "L1", MemberID: "M1", AmountDue: decimal.NewFromInt(5), Status: lending.FineUnpaid, CreatedAt: now}
	newer := lending.Fine{ID: "F2", LoanID: "L2", MemberID: "M1", AmountDue: decimal.NewFromInt(10), Status: lending.FineUnpaid, CreatedAt: now.Add(time.Hour)}
	require.NoError(t, m.CreateFine(ctx, newer))
	require.NoError(t, m.CreateFine(ctx, older))

	// One fine per loan
	dup := older
	dup.ID = "F3"
	assert.ErrorIs(t, m.CreateFine(ctx, dup), lending.ErrDuplicateFine)

	unpaid, err := m.ListUnpaidFines(ctx, "M1")
	require.NoError(t, err)
	require.Len(t, unpaid, 2)
	assert.Equal(t, lending.FineID("F1"), unpaid[0].ID, "oldest first")

	require.NoError(t, m.MarkFinePaid(ctx, "F1", "P1", now))
	assert.ErrorIs(t, m.MarkFinePaid(ctx, "F1", "P2", now), lending.ErrConcurrentModification)
	assert.ErrorIs(t, m.MarkFinePaid(ctx, "nope", "P2", now), lending.ErrFineNotFound)

	byLoan, err := m.GetFineByLoan(ctx, "L1")
	require.NoError(t, err)
	require.NotNil(t, byLoan)
	assert.Equal(t, lending.FinePaid, byLoan.Status)
	assert.Equal(t, lending.PaymentID("P1"), byLoan.PaymentID)

	none, err := m.GetFineByLoan(ctx, "L9")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestMemory_Payments_UniqueRef(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	p := lending.Payment{ID: "P1", MemberID: "M1", Amount: decimal.NewFromInt(5), ProcessorRef: "ch_1",
		Status: lending.PaymentApplied, AppliedFineIDs: []lending.FineID{"F1"}, CreatedAt: now}
	require.NoError(t, m.CreatePayment(ctx, p))

	p2 := p
	p2.ID = "P2"
	assert.ErrorIs(t, m.CreatePayment(ctx, p2), lending.ErrDuplicateIdempotencyKey)

	found, err := m.FindPaymentByProcessorRef(ctx, "ch_1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, lending.PaymentID("P1"), found.ID)

	// Returned slices are copies
	found.AppliedFineIDs[0] = "tampered"
	again, err := m.FindPaymentByProcessorRef(ctx, "ch_1")
	require.NoError(t, err)
	assert.Equal(t, lending.FineID("F1"), again.AppliedFineIDs[0])

	missing, err := m.FindPaymentByProcessorRef(ctx, "ch_2")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMemory_InsertNotificationIfAbsent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	key := lending.NotificationKey{SubjectType: lending.SubjectLoan, SubjectID: "L1", Day: "2025-03-01", Kind: lending.KindOverdue}

	inserted, err := m.InsertNotificationIfAbsent(ctx, lending.NotificationRecord{Key: key, DispatchedAt: now})
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = m.InsertNotificationIfAbsent(ctx, lending.NotificationRecord{Key: key, DispatchedAt: now.Add(time.Hour)})
	require.NoError(t, err)
	assert.False(t, inserted)

	other := key
	other.Kind = lending.KindDueSoon
	inserted, err = m.InsertNotificationIfAbsent(ctx, lending.NotificationRecord{Key: other, DispatchedAt: now})
	require.NoError(t, err)
	assert.True(t, inserted)

	records, err := m.ListNotifications(ctx, "2025-03-01")
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestMemory_WithTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seedTitle(t, m, "T1", 1, 1)

	boom := errors.New("boom")
	err := m.WithTx(ctx, func(tx lending.Store) error {
		if _, err := tx.AdjustAvailableCopies(ctx, "T1", -1); err != nil {
			return err
		}
		if err := tx.CreateLoan(ctx, lending.Loan{ID: "L1", TitleID: "T1", State: lending.LoanIssued}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	title, err := m.GetTitle(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, 1, title.AvailableCopies)
	_, err = m.GetLoan(ctx, "L1")
	assert.ErrorIs(t, err, lending.ErrLoanNotFound)
}
