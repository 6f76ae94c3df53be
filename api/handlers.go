/*
handlers.go - HTTP API handlers for the lending engine

PURPOSE:
  Exposes the lending service via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to lending.Service.

ENDPOINTS:
  Catalog:
    GET    /api/titles                     List titles with copy counts
    POST   /api/titles                     Add a title or update its name and total
    GET    /api/titles/{id}                Get one title

  Loans:
    GET    /api/loans?state=               All loans, optionally ISSUED or RETURNED only
    POST   /api/loans                      Issue a loan
    GET    /api/loans/{id}                 Get one loan
    POST   /api/loans/{id}/return          Return a loan (may create a fine)
    POST   /api/loans/{id}/finalize        Close a lost loan (copy written off)

  Members:
    GET    /api/members/{id}/loans         Loans with estimated fines
    GET    /api/members/{id}/fines         Fines and outstanding balance
    GET    /api/members/{id}/payments      Payment history
    POST   /api/members/{id}/payments      Apply a payment (idempotent on processor_ref)

  Fines:
    POST   /api/fines/{id}/settle          Mark one fine paid (desk payment)

  Admin:
    POST   /api/admin/scans/run            Run both scans now
    GET    /api/admin/scans                Scan run history
    GET    /api/admin/seeds                List catalog seeds
    POST   /api/admin/seeds/load           Load a catalog seed
    GET    /api/notifications?day=         Notification log for a day

ERROR HANDLING:
  Domain errors map to HTTP status through writeDomainError:
  - 400: Invalid input
  - 404: Unknown title, loan or fine
  - 409: Out of stock, already returned, processor_ref reused
  - 422: Payment amount mismatch, no unpaid fines
  - 503: Storage contention that outlived the retry budget
  - 500: Internal errors (consistency violations are logged as [ALERT])

SECURITY NOTE:
  No authentication or authorization. Put the server behind a gateway.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - scheduler.go: Periodic scans
*/
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/warp/lending-engine/lending"
	"github.com/warp/lending-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service   *lending.Service
	Store     *sqlite.Store
	Scheduler *ScanScheduler
}

// NewHandler creates a handler. The scheduler is used for manual scan runs
// whether or not its periodic loop is started.
func NewHandler(svc *lending.Service, store *sqlite.Store, scheduler *ScanScheduler) *Handler {
	return &Handler{
		Service:   svc,
		Store:     store,
		Scheduler: scheduler,
	}
}

// =============================================================================
// CATALOG HANDLERS
// =============================================================================

// ListTitles returns all titles.
func (h *Handler) ListTitles(w http.ResponseWriter, r *http.Request) {
	titles, err := h.Service.Store().ListTitles(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list titles", err)
		return
	}

	dtos := make([]TitleDTO, len(titles))
	for i, t := range titles {
		dtos[i] = toTitleDTO(t)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetTitle returns a single title.
func (h *Handler) GetTitle(w http.ResponseWriter, r *http.Request) {
	id := lending.TitleID(chi.URLParam(r, "id"))

	t, err := h.Service.Store().GetTitle(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get title", err)
		return
	}
	writeJSON(w, http.StatusOK, toTitleDTO(t))
}

// CreateTitle adds a title or replaces its counts.
func (h *Handler) CreateTitle(w http.ResponseWriter, r *http.Request) {
	var req CreateTitleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	available := req.TotalCopies
	if req.AvailableCopies != nil {
		available = *req.AvailableCopies
	}
	t, err := lending.NewTitle(lending.TitleID(req.ID), req.Name, req.TotalCopies, available)
	if err != nil {
		writeDomainError(w, "Invalid title", err)
		return
	}
	if err := h.Service.Store().SaveTitle(r.Context(), t); err != nil {
		writeDomainError(w, "Failed to save title", err)
		return
	}

	// An existing title keeps its copies on loan; answer with what was stored.
	saved, err := h.Service.Store().GetTitle(r.Context(), t.ID)
	if err != nil {
		writeDomainError(w, "Failed to get title", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTitleDTO(saved))
}

// =============================================================================
// LOAN HANDLERS
// =============================================================================

// IssueLoan reserves a copy and creates a loan.
func (h *Handler) IssueLoan(w http.ResponseWriter, r *http.Request) {
	var req IssueLoanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	loan, err := h.Service.IssueLoan(r.Context(), lending.TitleID(req.TitleID), lending.MemberID(req.MemberID))
	if err != nil {
		writeDomainError(w, "Failed to issue loan", err)
		return
	}
	writeJSON(w, http.StatusCreated, toLoanDTO(loan))
}

// ListLoans lists loans across members, filtered by ?state=.
func (h *Handler) ListLoans(w http.ResponseWriter, r *http.Request) {
	state := lending.LoanState(strings.ToUpper(r.URL.Query().Get("state")))

	statuses, err := h.Service.ListLoans(r.Context(), state)
	if err != nil {
		writeDomainError(w, "Failed to list loans", err)
		return
	}
	writeJSON(w, http.StatusOK, toLoanStatusDTOs(statuses))
}

// GetLoan returns a single loan.
func (h *Handler) GetLoan(w http.ResponseWriter, r *http.Request) {
	loan, err := h.Service.GetLoan(r.Context(), lending.LoanID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to get loan", err)
		return
	}
	writeJSON(w, http.StatusOK, toLoanDTO(loan))
}

// ReturnLoan closes a loan and releases the copy.
func (h *Handler) ReturnLoan(w http.ResponseWriter, r *http.Request) {
	loan, fine, err := h.Service.ReturnLoan(r.Context(), lending.LoanID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to return loan", err)
		return
	}
	writeJSON(w, http.StatusOK, CloseLoanResponse{Loan: toLoanDTO(loan), Fine: toFineDTOPtr(fine)})
}

// FinalizeLoan closes a loan whose copy will not come back.
func (h *Handler) FinalizeLoan(w http.ResponseWriter, r *http.Request) {
	loan, fine, err := h.Service.FinalizeLoan(r.Context(), lending.LoanID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to finalize loan", err)
		return
	}
	writeJSON(w, http.StatusOK, CloseLoanResponse{Loan: toLoanDTO(loan), Fine: toFineDTOPtr(fine)})
}

// =============================================================================
// MEMBER HANDLERS
// =============================================================================

// GetMemberLoans lists a member's loans with what they would owe now.
func (h *Handler) GetMemberLoans(w http.ResponseWriter, r *http.Request) {
	memberID := lending.MemberID(chi.URLParam(r, "id"))

	statuses, err := h.Service.MemberLoans(r.Context(), memberID)
	if err != nil {
		writeDomainError(w, "Failed to list loans", err)
		return
	}
	writeJSON(w, http.StatusOK, toLoanStatusDTOs(statuses))
}

func toLoanStatusDTOs(statuses []lending.LoanStatus) []LoanStatusDTO {
	dtos := make([]LoanStatusDTO, len(statuses))
	for i, st := range statuses {
		dtos[i] = LoanStatusDTO{
			Loan:          toLoanDTO(st.Loan),
			Overdue:       st.Overdue,
			OverdueDays:   st.OverdueDays,
			EstimatedFine: st.EstimatedFine.StringFixed(2),
			Fine:          toFineDTOPtr(st.Fine),
		}
	}
	return dtos
}

// GetMemberFines lists every fine plus the unpaid total.
func (h *Handler) GetMemberFines(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	memberID := lending.MemberID(chi.URLParam(r, "id"))

	fines, err := h.Service.ListFines(ctx, memberID)
	if err != nil {
		writeDomainError(w, "Failed to list fines", err)
		return
	}
	outstanding, err := h.Service.OutstandingBalance(ctx, memberID)
	if err != nil {
		writeDomainError(w, "Failed to compute balance", err)
		return
	}

	dtos := make([]FineDTO, len(fines))
	for i, f := range fines {
		dtos[i] = toFineDTO(f)
	}
	writeJSON(w, http.StatusOK, MemberFinesResponse{
		MemberID:    string(memberID),
		Outstanding: outstanding.StringFixed(2),
		Fines:       dtos,
	})
}

// GetMemberPayments lists a member's payments, rejected ones included.
func (h *Handler) GetMemberPayments(w http.ResponseWriter, r *http.Request) {
	payments, err := h.Service.ListPayments(r.Context(), lending.MemberID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to list payments", err)
		return
	}

	dtos := make([]PaymentDTO, len(payments))
	for i, p := range payments {
		dtos[i] = toPaymentDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ApplyPayment applies a payment to the member's fines, oldest first.
//
// Status codes:
//   - 201: payment applied
//   - 200: processor_ref seen before, original payment returned
//   - 422: rejected (amount does not cover whole fines, or nothing owed)
func (h *Handler) ApplyPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	memberID := lending.MemberID(chi.URLParam(r, "id"))

	var req PaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	// Only decides between 200 and 201; the service is the idempotency gate.
	prior, err := h.Service.Store().FindPaymentByProcessorRef(ctx, req.ProcessorRef)
	if err != nil {
		writeDomainError(w, "Failed to apply payment", err)
		return
	}

	payment, err := h.Service.ApplyPayment(ctx, lending.PaymentRequest{
		MemberID:     memberID,
		Amount:       amount,
		ProcessorRef: req.ProcessorRef,
		Method:       lending.PaymentMethod(req.Method),
	})
	writePaymentResult(w, payment, err, prior != nil)
}

// =============================================================================
// FINE HANDLERS
// =============================================================================

// SettleFine marks a single fine paid in full.
func (h *Handler) SettleFine(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	fineID := lending.FineID(chi.URLParam(r, "id"))

	var req SettleFineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	prior, err := h.Service.Store().FindPaymentByProcessorRef(ctx, req.ProcessorRef)
	if err != nil {
		writeDomainError(w, "Failed to settle fine", err)
		return
	}

	payment, err := h.Service.SettleFine(ctx, fineID, req.ProcessorRef)
	writePaymentResult(w, payment, err, prior != nil)
}

func writePaymentResult(w http.ResponseWriter, payment lending.Payment, err error, replayed bool) {
	if err != nil && payment.ID == "" {
		writeDomainError(w, "Failed to apply payment", err)
		return
	}
	if err != nil {
		// Rejected payments are recorded; hand the record back with the reason.
		resp := ErrorResponse{Error: err.Error(), Code: payment.Reason, Details: toPaymentDTO(payment)}
		writeJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}

	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, toPaymentDTO(payment))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// RunScans runs the due and low-stock scans immediately.
func (h *Handler) RunScans(w http.ResponseWriter, r *http.Request) {
	reports, err := h.Scheduler.RunNow(r.Context(), TriggerManual)

	dtos := make([]ScanReportDTO, len(reports))
	for i, rep := range reports {
		dtos[i] = toScanReportDTO(rep)
	}
	resp := map[string]any{"reports": dtos}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListScanRuns returns recent scan runs, newest first.
func (h *Handler) ListScanRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	runs, err := h.Store.ListScanRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get scan runs", err)
		return
	}

	dtos := make([]ScanRunDTO, 0, len(runs))
	for _, run := range runs {
		dtos = append(dtos, toScanRunDTO(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": dtos})
}

// ListNotifications returns the notification log for ?day=YYYY-MM-DD
// (default: today in the policy's timezone).
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	day := lending.DayOf(h.Service.Clock().Now(), h.Service.Policy().Location)
	if v := r.URL.Query().Get("day"); v != "" {
		parsed, err := lending.ParseDay(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid day, expected YYYY-MM-DD", err)
			return
		}
		day = parsed
	}

	records, err := h.Service.Store().ListNotifications(r.Context(), day)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list notifications", err)
		return
	}

	dtos := make([]NotificationDTO, len(records))
	for i, rec := range records {
		dtos[i] = NotificationDTO{
			SubjectType:  string(rec.Key.SubjectType),
			SubjectID:    rec.Key.SubjectID,
			Day:          rec.Key.Day.String(),
			Kind:         string(rec.Key.Kind),
			DispatchedAt: rec.DispatchedAt,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"day": day.String(), "notifications": dtos})
}

// Health reports whether the database answers.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Database unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   h.Service.Clock().Now().Format(time.RFC3339),
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError picks the status code for a lending error.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	status, code := classifyError(err)
	if status == http.StatusInternalServerError && lending.IsFatal(err) {
		log.Printf("[ALERT] %s: %v", message, err)
	}

	resp := ErrorResponse{Error: message, Code: code, Details: err.Error()}
	var mismatch *lending.AmountMismatchError
	if errors.As(err, &mismatch) {
		acceptable := make([]string, len(mismatch.Acceptable))
		for i, a := range mismatch.Acceptable {
			acceptable[i] = a.StringFixed(2)
		}
		resp.Details = map[string]any{
			"message":     err.Error(),
			"outstanding": mismatch.Outstanding.StringFixed(2),
			"acceptable":  acceptable,
		}
	}
	writeJSON(w, status, resp)
}

func classifyError(err error) (int, string) {
	switch {
	case lending.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, lending.ErrOutOfStock):
		return http.StatusConflict, "out_of_stock"
	case errors.Is(err, lending.ErrLoanAlreadyReturned):
		return http.StatusConflict, "already_returned"
	case errors.Is(err, lending.ErrIdempotencyKeyReuse):
		return http.StatusConflict, "idempotency_key_reuse"
	case errors.Is(err, lending.ErrFineAmountMismatch):
		return http.StatusUnprocessableEntity, lending.ReasonAmountMismatch
	case errors.Is(err, lending.ErrNoUnpaidFines):
		return http.StatusUnprocessableEntity, lending.ReasonNoUnpaidFines
	case errors.Is(err, lending.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case lending.IsRetryable(err):
		return http.StatusServiceUnavailable, "busy"
	case lending.IsFatal(err):
		return http.StatusInternalServerError, "internal_consistency"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
