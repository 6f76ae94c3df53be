// Package store provides in-memory lending.TxStore implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/lending-engine/lending"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex
	st *state
}

var _ lending.TxStore = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

type state struct {
	titles        map[lending.TitleID]lending.Title
	loans         map[lending.LoanID]lending.Loan
	fines         map[lending.FineID]lending.Fine
	fineByLoan    map[lending.LoanID]lending.FineID
	payments      map[lending.PaymentID]lending.Payment
	paymentByRef  map[string]lending.PaymentID
	notifications map[lending.NotificationKey]lending.NotificationRecord
}

func newState() *state {
	return &state{
		titles:        make(map[lending.TitleID]lending.Title),
		loans:         make(map[lending.LoanID]lending.Loan),
		fines:         make(map[lending.FineID]lending.Fine),
		fineByLoan:    make(map[lending.LoanID]lending.FineID),
		payments:      make(map[lending.PaymentID]lending.Payment),
		paymentByRef:  make(map[string]lending.PaymentID),
		notifications: make(map[lending.NotificationKey]lending.NotificationRecord),
	}
}

// clone copies every map. Records are values; only slices and pointers
// inside them need deep copies, which the accessors already make.
func (s *state) clone() *state {
	c := newState()
	for k, v := range s.titles {
		c.titles[k] = v
	}
	for k, v := range s.loans {
		c.loans[k] = v
	}
	for k, v := range s.fines {
		c.fines[k] = v
	}
	for k, v := range s.fineByLoan {
		c.fineByLoan[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.paymentByRef {
		c.paymentByRef[k] = v
	}
	for k, v := range s.notifications {
		c.notifications[k] = v
	}
	return c
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(_ context.Context, fn func(lending.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	if err := fn(&view{st: m.st}); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

// =============================================================================
// LOCKED ACCESSORS - Memory delegates to state under the mutex
// =============================================================================

func (m *Memory) read(fn func(v *view)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn(&view{st: m.st})
}

func (m *Memory) write(fn func(v *view)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&view{st: m.st})
}

func (m *Memory) SaveTitle(ctx context.Context, t lending.Title) (err error) {
	m.write(func(v *view) { err = v.SaveTitle(ctx, t) })
	return
}

func (m *Memory) GetTitle(ctx context.Context, id lending.TitleID) (t lending.Title, err error) {
	m.read(func(v *view) { t, err = v.GetTitle(ctx, id) })
	return
}

func (m *Memory) ListTitles(ctx context.Context) (ts []lending.Title, err error) {
	m.read(func(v *view) { ts, err = v.ListTitles(ctx) })
	return
}

func (m *Memory) AdjustAvailableCopies(ctx context.Context, id lending.TitleID, delta int) (t lending.Title, err error) {
	m.write(func(v *view) { t, err = v.AdjustAvailableCopies(ctx, id, delta) })
	return
}

func (m *Memory) WriteOffCopy(ctx context.Context, id lending.TitleID) (t lending.Title, err error) {
	m.write(func(v *view) { t, err = v.WriteOffCopy(ctx, id) })
	return
}

func (m *Memory) CreateLoan(ctx context.Context, l lending.Loan) (err error) {
	m.write(func(v *view) { err = v.CreateLoan(ctx, l) })
	return
}

func (m *Memory) GetLoan(ctx context.Context, id lending.LoanID) (l lending.Loan, err error) {
	m.read(func(v *view) { l, err = v.GetLoan(ctx, id) })
	return
}

func (m *Memory) CloseLoan(ctx context.Context, id lending.LoanID, at time.Time, writtenOff bool) (l lending.Loan, err error) {
	m.write(func(v *view) { l, err = v.CloseLoan(ctx, id, at, writtenOff) })
	return
}

func (m *Memory) ListIssuedLoans(ctx context.Context) (ls []lending.Loan, err error) {
	m.read(func(v *view) { ls, err = v.ListIssuedLoans(ctx) })
	return
}

func (m *Memory) ListLoansByMember(ctx context.Context, memberID lending.MemberID) (ls []lending.Loan, err error) {
	m.read(func(v *view) { ls, err = v.ListLoansByMember(ctx, memberID) })
	return
}

func (m *Memory) ListLoans(ctx context.Context, state lending.LoanState) (ls []lending.Loan, err error) {
	m.read(func(v *view) { ls, err = v.ListLoans(ctx, state) })
	return
}

func (m *Memory) CreateFine(ctx context.Context, f lending.Fine) (err error) {
	m.write(func(v *view) { err = v.CreateFine(ctx, f) })
	return
}

func (m *Memory) GetFine(ctx context.Context, id lending.FineID) (f lending.Fine, err error) {
	m.read(func(v *view) { f, err = v.GetFine(ctx, id) })
	return
}

func (m *Memory) GetFineByLoan(ctx context.Context, loanID lending.LoanID) (f *lending.Fine, err error) {
	m.read(func(v *view) { f, err = v.GetFineByLoan(ctx, loanID) })
	return
}

func (m *Memory) ListUnpaidFines(ctx context.Context, memberID lending.MemberID) (fs []lending.Fine, err error) {
	m.read(func(v *view) { fs, err = v.ListUnpaidFines(ctx, memberID) })
	return
}

func (m *Memory) ListFinesByMember(ctx context.Context, memberID lending.MemberID) (fs []lending.Fine, err error) {
	m.read(func(v *view) { fs, err = v.ListFinesByMember(ctx, memberID) })
	return
}

func (m *Memory) MarkFinePaid(ctx context.Context, id lending.FineID, paymentID lending.PaymentID, at time.Time) (err error) {
	m.write(func(v *view) { err = v.MarkFinePaid(ctx, id, paymentID, at) })
	return
}

func (m *Memory) CreatePayment(ctx context.Context, p lending.Payment) (err error) {
	m.write(func(v *view) { err = v.CreatePayment(ctx, p) })
	return
}

func (m *Memory) FindPaymentByProcessorRef(ctx context.Context, ref string) (p *lending.Payment, err error) {
	m.read(func(v *view) { p, err = v.FindPaymentByProcessorRef(ctx, ref) })
	return
}

func (m *Memory) ListPaymentsByMember(ctx context.Context, memberID lending.MemberID) (ps []lending.Payment, err error) {
	m.read(func(v *view) { ps, err = v.ListPaymentsByMember(ctx, memberID) })
	return
}

func (m *Memory) InsertNotificationIfAbsent(ctx context.Context, rec lending.NotificationRecord) (ok bool, err error) {
	m.write(func(v *view) { ok, err = v.InsertNotificationIfAbsent(ctx, rec) })
	return
}

func (m *Memory) ListNotifications(ctx context.Context, day lending.Day) (rs []lending.NotificationRecord, err error) {
	m.read(func(v *view) { rs, err = v.ListNotifications(ctx, day) })
	return
}

// =============================================================================
// VIEW - Unlocked operations; callers hold the mutex
// =============================================================================

type view struct {
	st *state
}

func (v *view) SaveTitle(_ context.Context, t lending.Title) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if cur, ok := v.st.titles[t.ID]; ok {
		onLoan := cur.OnLoan()
		if t.TotalCopies < onLoan {
			return fmt.Errorf("%w: title %s: total %d is below the %d copies on loan",
				lending.ErrInvalidInput, t.ID, t.TotalCopies, onLoan)
		}
		t.AvailableCopies = t.TotalCopies - onLoan
	}
	v.st.titles[t.ID] = t
	return nil
}

func (v *view) GetTitle(_ context.Context, id lending.TitleID) (lending.Title, error) {
	t, ok := v.st.titles[id]
	if !ok {
		return lending.Title{}, lending.ErrTitleNotFound
	}
	return t, nil
}

func (v *view) ListTitles(_ context.Context) ([]lending.Title, error) {
	out := make([]lending.Title, 0, len(v.st.titles))
	for _, t := range v.st.titles {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v *view) AdjustAvailableCopies(_ context.Context, id lending.TitleID, delta int) (lending.Title, error) {
	t, ok := v.st.titles[id]
	if !ok {
		return lending.Title{}, lending.ErrTitleNotFound
	}
	next := t.AvailableCopies + delta
	if next < 0 {
		return t, lending.ErrOutOfStock
	}
	if next > t.TotalCopies {
		return t, &lending.ConsistencyError{
			TitleID: id, Operation: "release", Available: t.AvailableCopies, Total: t.TotalCopies,
		}
	}
	t.AvailableCopies = next
	v.st.titles[id] = t
	return t, nil
}

func (v *view) WriteOffCopy(_ context.Context, id lending.TitleID) (lending.Title, error) {
	t, ok := v.st.titles[id]
	if !ok {
		return lending.Title{}, lending.ErrTitleNotFound
	}
	if t.TotalCopies <= t.AvailableCopies {
		return t, &lending.ConsistencyError{
			TitleID: id, Operation: "write-off", Available: t.AvailableCopies, Total: t.TotalCopies,
		}
	}
	t.TotalCopies--
	v.st.titles[id] = t
	return t, nil
}

func (v *view) CreateLoan(_ context.Context, l lending.Loan) error {
	v.st.loans[l.ID] = cloneLoan(l)
	return nil
}

func (v *view) GetLoan(_ context.Context, id lending.LoanID) (lending.Loan, error) {
	l, ok := v.st.loans[id]
	if !ok {
		return lending.Loan{}, lending.ErrLoanNotFound
	}
	return cloneLoan(l), nil
}

func (v *view) CloseLoan(_ context.Context, id lending.LoanID, at time.Time, writtenOff bool) (lending.Loan, error) {
	l, ok := v.st.loans[id]
	if !ok {
		return lending.Loan{}, lending.ErrLoanNotFound
	}
	if l.State != lending.LoanIssued {
		return cloneLoan(l), lending.ErrLoanAlreadyReturned
	}
	returned := at
	l.ReturnedAt = &returned
	l.State = lending.LoanReturned
	l.WrittenOff = writtenOff
	v.st.loans[id] = l
	return cloneLoan(l), nil
}

func (v *view) ListIssuedLoans(_ context.Context) ([]lending.Loan, error) {
	var out []lending.Loan
	for _, l := range v.st.loans {
		if l.State == lending.LoanIssued {
			out = append(out, cloneLoan(l))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueAt.Equal(out[j].DueAt) {
			return out[i].DueAt.Before(out[j].DueAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (v *view) ListLoansByMember(_ context.Context, memberID lending.MemberID) ([]lending.Loan, error) {
	return v.loansByIssue(func(l lending.Loan) bool { return l.MemberID == memberID }), nil
}

func (v *view) ListLoans(_ context.Context, state lending.LoanState) ([]lending.Loan, error) {
	return v.loansByIssue(func(l lending.Loan) bool { return state == "" || l.State == state }), nil
}

func (v *view) loansByIssue(match func(lending.Loan) bool) []lending.Loan {
	var out []lending.Loan
	for _, l := range v.st.loans {
		if match(l) {
			out = append(out, cloneLoan(l))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].IssuedAt.Before(out[j].IssuedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (v *view) CreateFine(_ context.Context, f lending.Fine) error {
	if _, exists := v.st.fineByLoan[f.LoanID]; exists {
		return lending.ErrDuplicateFine
	}
	v.st.fines[f.ID] = cloneFine(f)
	v.st.fineByLoan[f.LoanID] = f.ID
	return nil
}

func (v *view) GetFine(_ context.Context, id lending.FineID) (lending.Fine, error) {
	f, ok := v.st.fines[id]
	if !ok {
		return lending.Fine{}, lending.ErrFineNotFound
	}
	return cloneFine(f), nil
}

func (v *view) GetFineByLoan(_ context.Context, loanID lending.LoanID) (*lending.Fine, error) {
	id, ok := v.st.fineByLoan[loanID]
	if !ok {
		return nil, nil
	}
	f := cloneFine(v.st.fines[id])
	return &f, nil
}

func (v *view) ListUnpaidFines(_ context.Context, memberID lending.MemberID) ([]lending.Fine, error) {
	return v.fines(func(f lending.Fine) bool {
		return f.MemberID == memberID && f.Status == lending.FineUnpaid
	}), nil
}

func (v *view) ListFinesByMember(_ context.Context, memberID lending.MemberID) ([]lending.Fine, error) {
	return v.fines(func(f lending.Fine) bool { return f.MemberID == memberID }), nil
}

// fines returns matching fines oldest first.
func (v *view) fines(match func(lending.Fine) bool) []lending.Fine {
	var out []lending.Fine
	for _, f := range v.st.fines {
		if match(f) {
			out = append(out, cloneFine(f))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (v *view) MarkFinePaid(_ context.Context, id lending.FineID, paymentID lending.PaymentID, at time.Time) error {
	f, ok := v.st.fines[id]
	if !ok {
		return lending.ErrFineNotFound
	}
	if f.Status != lending.FineUnpaid {
		return lending.ErrConcurrentModification
	}
	paid := at
	f.Status = lending.FinePaid
	f.PaymentID = paymentID
	f.PaidAt = &paid
	v.st.fines[id] = f
	return nil
}

func (v *view) CreatePayment(_ context.Context, p lending.Payment) error {
	if _, exists := v.st.paymentByRef[p.ProcessorRef]; exists {
		return lending.ErrDuplicateIdempotencyKey
	}
	v.st.payments[p.ID] = clonePayment(p)
	v.st.paymentByRef[p.ProcessorRef] = p.ID
	return nil
}

func (v *view) FindPaymentByProcessorRef(_ context.Context, ref string) (*lending.Payment, error) {
	id, ok := v.st.paymentByRef[ref]
	if !ok {
		return nil, nil
	}
	p := clonePayment(v.st.payments[id])
	return &p, nil
}

func (v *view) ListPaymentsByMember(_ context.Context, memberID lending.MemberID) ([]lending.Payment, error) {
	var out []lending.Payment
	for _, p := range v.st.payments {
		if p.MemberID == memberID {
			out = append(out, clonePayment(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (v *view) InsertNotificationIfAbsent(_ context.Context, rec lending.NotificationRecord) (bool, error) {
	if _, exists := v.st.notifications[rec.Key]; exists {
		return false, nil
	}
	v.st.notifications[rec.Key] = rec
	return true, nil
}

func (v *view) ListNotifications(_ context.Context, day lending.Day) ([]lending.NotificationRecord, error) {
	var out []lending.NotificationRecord
	for k, r := range v.st.notifications {
		if k.Day == day {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func cloneLoan(l lending.Loan) lending.Loan {
	if l.ReturnedAt != nil {
		t := *l.ReturnedAt
		l.ReturnedAt = &t
	}
	return l
}

func cloneFine(f lending.Fine) lending.Fine {
	if f.PaidAt != nil {
		t := *f.PaidAt
		f.PaidAt = &t
	}
	return f
}

func clonePayment(p lending.Payment) lending.Payment {
	if p.AppliedFineIDs != nil {
		p.AppliedFineIDs = append([]lending.FineID(nil), p.AppliedFineIDs...)
	}
	return p
}
