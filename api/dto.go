/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Amounts travel as
  decimal strings ("15.00") so clients never see float rounding.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Catalog:       TitleDTO, CreateTitleRequest
  Loans:         LoanDTO, IssueLoanRequest, CloseLoanResponse, LoanStatusDTO
  Fines:         FineDTO, MemberFinesResponse
  Payments:      PaymentDTO, PaymentRequest, SettleFineRequest
  Scans:         ScanReportDTO, NotificationEventDTO, ScanRunDTO, NotificationDTO
  Seeds:         SeedDTO, LoadSeedRequest
  Errors:        ErrorResponse
*/
package api

import (
	"time"

	"github.com/warp/lending-engine/lending"
	"github.com/warp/lending-engine/store/sqlite"
)

// =============================================================================
// CATALOG
// =============================================================================

type TitleDTO struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	TotalCopies     int    `json:"total_copies"`
	AvailableCopies int    `json:"available_copies"`
	OnLoan          int    `json:"on_loan"`
}

// CreateTitleRequest adds or replaces a title. AvailableCopies defaults
// to TotalCopies.
type CreateTitleRequest struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	TotalCopies     int    `json:"total_copies"`
	AvailableCopies *int   `json:"available_copies,omitempty"`
}

func toTitleDTO(t lending.Title) TitleDTO {
	return TitleDTO{
		ID:              string(t.ID),
		Name:            t.Name,
		TotalCopies:     t.TotalCopies,
		AvailableCopies: t.AvailableCopies,
		OnLoan:          t.OnLoan(),
	}
}

// =============================================================================
// LOANS
// =============================================================================

type IssueLoanRequest struct {
	TitleID  string `json:"title_id"`
	MemberID string `json:"member_id"`
}

type LoanDTO struct {
	ID         string     `json:"id"`
	TitleID    string     `json:"title_id"`
	MemberID   string     `json:"member_id"`
	IssuedAt   time.Time  `json:"issued_at"`
	DueAt      time.Time  `json:"due_at"`
	ReturnedAt *time.Time `json:"returned_at,omitempty"`
	State      string     `json:"state"`
	WrittenOff bool       `json:"written_off,omitempty"`
}

// CloseLoanResponse is returned by return and finalize. Fine is absent for
// on-time returns.
type CloseLoanResponse struct {
	Loan LoanDTO  `json:"loan"`
	Fine *FineDTO `json:"fine,omitempty"`
}

type LoanStatusDTO struct {
	Loan          LoanDTO  `json:"loan"`
	Overdue       bool     `json:"overdue"`
	OverdueDays   int      `json:"overdue_days"`
	EstimatedFine string   `json:"estimated_fine"`
	Fine          *FineDTO `json:"fine,omitempty"`
}

func toLoanDTO(l lending.Loan) LoanDTO {
	return LoanDTO{
		ID:         string(l.ID),
		TitleID:    string(l.TitleID),
		MemberID:   string(l.MemberID),
		IssuedAt:   l.IssuedAt,
		DueAt:      l.DueAt,
		ReturnedAt: l.ReturnedAt,
		State:      string(l.State),
		WrittenOff: l.WrittenOff,
	}
}

// =============================================================================
// FINES
// =============================================================================

type FineDTO struct {
	ID          string     `json:"id"`
	LoanID      string     `json:"loan_id"`
	MemberID    string     `json:"member_id"`
	AmountDue   string     `json:"amount_due"`
	OverdueDays int        `json:"overdue_days"`
	Status      string     `json:"status"`
	PaymentID   string     `json:"payment_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	PaidAt      *time.Time `json:"paid_at,omitempty"`
}

type MemberFinesResponse struct {
	MemberID    string    `json:"member_id"`
	Outstanding string    `json:"outstanding"`
	Fines       []FineDTO `json:"fines"`
}

func toFineDTO(f lending.Fine) FineDTO {
	return FineDTO{
		ID:          string(f.ID),
		LoanID:      string(f.LoanID),
		MemberID:    string(f.MemberID),
		AmountDue:   f.AmountDue.StringFixed(2),
		OverdueDays: f.OverdueDays,
		Status:      string(f.Status),
		PaymentID:   string(f.PaymentID),
		CreatedAt:   f.CreatedAt,
		PaidAt:      f.PaidAt,
	}
}

func toFineDTOPtr(f *lending.Fine) *FineDTO {
	if f == nil {
		return nil
	}
	dto := toFineDTO(*f)
	return &dto
}

// =============================================================================
// PAYMENTS
// =============================================================================

type PaymentRequest struct {
	Amount       string `json:"amount"`
	ProcessorRef string `json:"processor_ref"`
	Method       string `json:"method,omitempty"`
}

type SettleFineRequest struct {
	ProcessorRef string `json:"processor_ref"`
}

type PaymentDTO struct {
	ID             string    `json:"id"`
	MemberID       string    `json:"member_id"`
	Amount         string    `json:"amount"`
	Status         string    `json:"status"`
	ProcessorRef   string    `json:"processor_ref"`
	Method         string    `json:"method"`
	Reason         string    `json:"reason,omitempty"`
	AppliedFineIDs []string  `json:"applied_fine_ids"`
	CreatedAt      time.Time `json:"created_at"`
}

func toPaymentDTO(p lending.Payment) PaymentDTO {
	ids := make([]string, len(p.AppliedFineIDs))
	for i, id := range p.AppliedFineIDs {
		ids[i] = string(id)
	}
	return PaymentDTO{
		ID:             string(p.ID),
		MemberID:       string(p.MemberID),
		Amount:         p.Amount.StringFixed(2),
		Status:         string(p.Status),
		ProcessorRef:   p.ProcessorRef,
		Method:         string(p.Method),
		Reason:         p.Reason,
		AppliedFineIDs: ids,
		CreatedAt:      p.CreatedAt,
	}
}

// =============================================================================
// SCANS & NOTIFICATIONS
// =============================================================================

type NotificationEventDTO struct {
	ID              string     `json:"id"`
	Kind            string     `json:"kind"`
	SubjectType     string     `json:"subject_type"`
	SubjectID       string     `json:"subject_id"`
	Day             string     `json:"day"`
	MemberID        string     `json:"member_id,omitempty"`
	TitleID         string     `json:"title_id,omitempty"`
	DueAt           *time.Time `json:"due_at,omitempty"`
	OverdueDays     int        `json:"overdue_days,omitempty"`
	AvailableCopies int        `json:"available_copies,omitempty"`
}

type ScanReportDTO struct {
	Scan        string                 `json:"scan"`
	Day         string                 `json:"day"`
	Candidates  int                    `json:"candidates"`
	Emitted     int                    `json:"emitted"`
	Duplicates  int                    `json:"duplicates"`
	Failures    int                    `json:"failures"`
	Undelivered int                    `json:"undelivered"`
	Aborted     bool                   `json:"aborted"`
	Events      []NotificationEventDTO `json:"events"`
}

func toScanReportDTO(r lending.ScanReport) ScanReportDTO {
	events := make([]NotificationEventDTO, 0, len(r.Events))
	for _, e := range r.Events {
		dto := NotificationEventDTO{
			ID:              e.ID,
			Kind:            string(e.Kind()),
			SubjectType:     string(e.Key.SubjectType),
			SubjectID:       e.Key.SubjectID,
			Day:             e.Key.Day.String(),
			MemberID:        string(e.MemberID),
			TitleID:         string(e.TitleID),
			OverdueDays:     e.OverdueDays,
			AvailableCopies: e.AvailableCopies,
		}
		if !e.DueAt.IsZero() {
			due := e.DueAt
			dto.DueAt = &due
		}
		events = append(events, dto)
	}
	return ScanReportDTO{
		Scan:        r.Scan,
		Day:         r.Day.String(),
		Candidates:  r.Candidates,
		Emitted:     r.Emitted(),
		Duplicates:  r.Duplicates,
		Failures:    r.Failures,
		Undelivered: r.Undelivered,
		Aborted:     r.Aborted,
		Events:      events,
	}
}

type ScanRunDTO struct {
	ID          string `json:"id"`
	Scan        string `json:"scan"`
	Day         string `json:"day"`
	Trigger     string `json:"trigger"`
	Status      string `json:"status"`
	Candidates  int    `json:"candidates"`
	Emitted     int    `json:"emitted"`
	Duplicates  int    `json:"duplicates"`
	Failures    int    `json:"failures"`
	Undelivered int    `json:"undelivered"`
	Aborted     bool   `json:"aborted"`
	Error       string `json:"error,omitempty"`
	StartedAt   string `json:"started_at"`
	CompletedAt string `json:"completed_at,omitempty"`
}

func toScanRunDTO(run sqlite.ScanRun) ScanRunDTO {
	dto := ScanRunDTO{
		ID:          run.ID,
		Scan:        run.Scan,
		Day:         run.Day,
		Trigger:     run.Trigger,
		Status:      run.Status,
		Candidates:  run.Candidates,
		Emitted:     run.Emitted,
		Duplicates:  run.Duplicates,
		Failures:    run.Failures,
		Undelivered: run.Undelivered,
		Aborted:     run.Aborted,
		Error:       run.Error,
		StartedAt:   run.StartedAt.Format(time.RFC3339),
	}
	if run.CompletedAt != nil {
		dto.CompletedAt = run.CompletedAt.Format(time.RFC3339)
	}
	return dto
}

type NotificationDTO struct {
	SubjectType  string    `json:"subject_type"`
	SubjectID    string    `json:"subject_id"`
	Day          string    `json:"day"`
	Kind         string    `json:"kind"`
	DispatchedAt time.Time `json:"dispatched_at"`
}

// =============================================================================
// SEEDS
// =============================================================================

type SeedDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Titles      int    `json:"titles"`
}

type LoadSeedRequest struct {
	SeedID string `json:"seed_id"`
	Reset  bool   `json:"reset,omitempty"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}
