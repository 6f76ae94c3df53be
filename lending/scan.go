/*
scan.go - Due-date and low-stock scans

PURPOSE:
  Decide which reminders are owed today and emit each one at most once,
  however many times and from however many processes the scan runs.

THE GATE:
  For every candidate the scan inserts a NotificationRecord keyed by
  (subject type, subject id, day, kind). Storage enforces uniqueness:

    inserted      -> this run owns the notification, send it
    already there -> another run decided it today, skip

  No lock is held across subjects. Two schedulers racing on the same loan
  both try the insert and exactly one wins.

DELIVERY:
  A notification counts as decided once logged. If the gateway fails, the
  failure is reported and the record stays; the engine never re-sends.

FAILURES:
  Errors are per subject: one bad loan is counted and logged, the scan
  moves on. A cancelled context (time box) stops the scan between
  subjects; what was logged stays logged and the next tick picks up the
  rest.
*/
package lending

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ScanReport summarizes one scan run.
type ScanReport struct {
	Scan        string
	Day         Day
	StartedAt   time.Time
	Candidates  int
	Events      []NotificationEvent
	Duplicates  int // already decided earlier today
	Failures    int // storage errors on a subject
	Undelivered int // logged but the gateway failed
	Aborted     bool
}

func (r ScanReport) Emitted() int { return len(r.Events) }

// RunDueScan emits DUE_SOON for loans inside the reminder window and
// OVERDUE for loans past their due time.
func (s *Service) RunDueScan(ctx context.Context) (ScanReport, error) {
	now := s.clock.Now()
	report := ScanReport{Scan: "due", Day: s.today(now), StartedAt: now}

	loans, err := s.store.ListIssuedLoans(ctx)
	if err != nil {
		return report, err
	}

	for _, loan := range loans {
		if ctx.Err() != nil {
			report.Aborted = true
			break
		}

		var kind NotificationKind
		switch {
		case loan.IsOverdue(now):
			kind = KindOverdue
		case s.policy.InReminderWindow(loan.DueAt, now):
			kind = KindDueSoon
		default:
			continue
		}
		report.Candidates++

		event := NotificationEvent{
			Key: NotificationKey{
				SubjectType: SubjectLoan,
				SubjectID:   string(loan.ID),
				Day:         report.Day,
				Kind:        kind,
			},
			LoanID:      loan.ID,
			MemberID:    loan.MemberID,
			TitleID:     loan.TitleID,
			DueAt:       loan.DueAt,
			OverdueDays: OverdueDays(loan.DueAt, now),
		}
		s.gate(ctx, now, event, &report)
	}

	s.logReport(report)
	return report, ctx.Err()
}

// RunLowStockScan emits LOW_STOCK for titles with fewer than threshold
// available copies.
func (s *Service) RunLowStockScan(ctx context.Context, threshold int) (ScanReport, error) {
	now := s.clock.Now()
	report := ScanReport{Scan: "low_stock", Day: s.today(now), StartedAt: now}

	titles, err := s.store.ListTitles(ctx)
	if err != nil {
		return report, err
	}

	for _, t := range titles {
		if ctx.Err() != nil {
			report.Aborted = true
			break
		}
		if t.AvailableCopies >= threshold {
			continue
		}
		report.Candidates++

		event := NotificationEvent{
			Key: NotificationKey{
				SubjectType: SubjectTitle,
				SubjectID:   string(t.ID),
				Day:         report.Day,
				Kind:        KindLowStock,
			},
			TitleID:         t.ID,
			AvailableCopies: t.AvailableCopies,
			TotalCopies:     t.TotalCopies,
		}
		s.gate(ctx, now, event, &report)
	}

	s.logReport(report)
	return report, ctx.Err()
}

// gate logs the notification and, if this run won the insert, sends it.
func (s *Service) gate(ctx context.Context, now time.Time, event NotificationEvent, report *ScanReport) {
	inserted, err := s.store.InsertNotificationIfAbsent(ctx, NotificationRecord{
		Key:          event.Key,
		DispatchedAt: now,
	})
	if err != nil {
		report.Failures++
		s.logger.Printf("[Scan] %s: log insert failed: %v", event.Key, err)
		return
	}
	if !inserted {
		report.Duplicates++
		return
	}

	event.ID = uuid.NewString()
	event.CreatedAt = now
	report.Events = append(report.Events, event)

	if err := s.notifier.Send(ctx, event); err != nil {
		report.Undelivered++
		s.logger.Printf("[Scan] %v", &DeliveryError{Key: event.Key, Err: err})
	}
}

func (s *Service) logReport(r ScanReport) {
	if r.Candidates == 0 && !r.Aborted {
		return
	}
	s.logger.Printf("[Scan] %s %s: %d candidate(s), %d emitted, %d duplicate(s), %d failure(s), %d undelivered, aborted=%v",
		r.Scan, r.Day, r.Candidates, r.Emitted(), r.Duplicates, r.Failures, r.Undelivered, r.Aborted)
}
