/*
scheduler.go - Periodic due-date and low-stock scans

PURPOSE:
  Runs the two lending scans on a fixed interval and records every run
  for the admin API. Scans are idempotent per day, so a missed tick, an
  overlapping manual run or a second server instance never produces a
  duplicate notification.

DESIGN:
  - robfig/cron drives the interval ("@every 1h")
  - SkipIfStillRunning drops a tick while the previous one is busy
  - Each run is time-boxed (Timeout); a cancelled scan stops between
    subjects and the next tick picks up what is left
  - Due and low-stock scans run concurrently (errgroup) and do not
    cancel each other
  - Stop waits for cron jobs and for the run started at boot

CONFIGURATION:
  - Interval: How often to scan (default: 1 hour)
  - Timeout:  Time box for one run (default: 2 minutes)
  - Enabled:  Whether the periodic loop starts (default: true)

USAGE:
  scheduler := NewScanScheduler(svc, store)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunScans endpoint (manual trigger)
  - lending/scan.go: The scans themselves
*/
package api

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/warp/lending-engine/lending"
	"github.com/warp/lending-engine/store/sqlite"
	"golang.org/x/sync/errgroup"
)

// Run triggers recorded on scan runs.
const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)

// ScanScheduler runs the lending scans periodically.
type ScanScheduler struct {
	Service  *lending.Service
	Store    *sqlite.Store
	Interval time.Duration
	Timeout  time.Duration
	Enabled  bool

	cron *cron.Cron
	wg   sync.WaitGroup // runs started outside cron's own tracking
	mu   sync.Mutex

	lastMu  sync.Mutex
	last    []lending.ScanReport
	lastErr error
}

// NewScanScheduler creates a new scheduler. Store may be nil, in which
// case runs are not recorded.
func NewScanScheduler(svc *lending.Service, store *sqlite.Store) *ScanScheduler {
	return &ScanScheduler{
		Service:  svc,
		Store:    store,
		Interval: 1 * time.Hour,
		Timeout:  2 * time.Minute,
		Enabled:  true,
	}
}

// Start begins the periodic loop and runs once immediately.
func (s *ScanScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		log.Println("[Scheduler] Disabled, not starting")
		return nil
	}
	if s.cron != nil {
		return nil
	}
	if s.Interval <= 0 {
		return fmt.Errorf("invalid scan interval %s", s.Interval)
	}

	cronLogger := cron.PrintfLogger(log.Default())
	c := cron.New(cron.WithChain(
		cron.Recover(cronLogger),
		cron.SkipIfStillRunning(cronLogger),
	))
	job := cron.FuncJob(func() {
		s.RunNow(context.Background(), TriggerSchedule)
	})
	if _, err := c.AddJob(fmt.Sprintf("@every %s", s.Interval), job); err != nil {
		return fmt.Errorf("invalid scan interval %s: %w", s.Interval, err)
	}
	c.Start()
	s.cron = c

	// Run immediately on start
	first := c.Entries()[0].WrappedJob
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		first.Run()
	}()

	log.Printf("[Scheduler] Started with scan interval: %v", s.Interval)
	return nil
}

// Stop stops the loop and waits for a running scan to finish.
func (s *ScanScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.cron = nil
	log.Println("[Scheduler] Stopped")
}

// RunNow runs both scans once and returns their reports. The error joins
// whatever the scans returned (e.g. the time box expiring).
func (s *ScanScheduler) RunNow(ctx context.Context, trigger string) ([]lending.ScanReport, error) {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	// A plain Group: one failing scan does not cancel the other. Wait only
	// keeps the first error, so each scan's error is also kept for joining.
	var (
		g          errgroup.Group
		due, stock lending.ScanReport
		dueErr     error
		stockErr   error
	)
	g.Go(func() error {
		due, dueErr = s.record(ctx, "due", trigger, s.Service.RunDueScan)
		return dueErr
	})
	g.Go(func() error {
		threshold := s.Service.Policy().LowStockThreshold
		stock, stockErr = s.record(ctx, "low_stock", trigger, func(ctx context.Context) (lending.ScanReport, error) {
			return s.Service.RunLowStockScan(ctx, threshold)
		})
		return stockErr
	})

	var err error
	if g.Wait() != nil {
		err = joinScanErrors(dueErr, stockErr)
	}
	reports := []lending.ScanReport{due, stock}

	s.lastMu.Lock()
	s.last, s.lastErr = reports, err
	s.lastMu.Unlock()

	return reports, err
}

// LastRun returns the reports of the most recent run, if any.
func (s *ScanScheduler) LastRun() ([]lending.ScanReport, error) {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	return append([]lending.ScanReport(nil), s.last...), s.lastErr
}

// NextRun returns when the next scheduled scan will occur, or the zero
// time when the loop is not running.
func (s *ScanScheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		return time.Time{}
	}
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

func (s *ScanScheduler) record(
	ctx context.Context,
	scan, trigger string,
	run func(context.Context) (lending.ScanReport, error),
) (lending.ScanReport, error) {
	started := time.Now()
	rec := sqlite.ScanRun{
		ID:        uuid.NewString(),
		Scan:      scan,
		Trigger:   trigger,
		Status:    "running",
		StartedAt: started,
	}
	// Recording uses its own context so an expired time box still lets
	// the outcome be written.
	bg := context.WithoutCancel(ctx)
	s.saveRun(bg, rec)

	report, err := run(ctx)

	completed := time.Now()
	rec.Day = report.Day.String()
	rec.Candidates = report.Candidates
	rec.Emitted = report.Emitted()
	rec.Duplicates = report.Duplicates
	rec.Failures = report.Failures
	rec.Undelivered = report.Undelivered
	rec.Aborted = report.Aborted
	rec.CompletedAt = &completed
	rec.Status = "completed"
	if err != nil {
		rec.Status = "failed"
		rec.Error = err.Error()
		log.Printf("[Scheduler] %s scan failed: %v", scan, err)
	}
	s.saveRun(bg, rec)

	return report, err
}

func (s *ScanScheduler) saveRun(ctx context.Context, run sqlite.ScanRun) {
	if s.Store == nil {
		return
	}
	if run.Day == "" {
		run.Day = lending.DayOf(run.StartedAt, s.Service.Policy().Location).String()
	}
	if err := s.Store.SaveScanRun(ctx, run); err != nil {
		log.Printf("[Scheduler] Error recording %s run: %v", run.Scan, err)
	}
}

func joinScanErrors(dueErr, stockErr error) error {
	switch {
	case dueErr != nil && stockErr != nil:
		return fmt.Errorf("due scan: %w; low-stock scan: %w", dueErr, stockErr)
	case dueErr != nil:
		return fmt.Errorf("due scan: %w", dueErr)
	case stockErr != nil:
		return fmt.Errorf("low-stock scan: %w", stockErr)
	}
	return nil
}
