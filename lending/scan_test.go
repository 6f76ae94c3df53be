package lending_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/lending-engine/lending"
)

// =============================================================================
// DUE SCAN
// =============================================================================

func TestRunDueScan_OncePerDayPerKind(t *testing.T) {
	forEachStore(t, func(t *testing.T, st lending.TxStore) {
		ctx := context.Background()
		env := newTestEnv(t, st)
		env.addTitle(t, "T1", 1)
		loan := env.issue(t, "T1", "M1")

		// GIVEN: One day before due, inside the 2-day window
		env.clock.AdvanceDays(13)

		// WHEN: The scan runs twice that day
		first, err := env.svc.RunDueScan(ctx)
		require.NoError(t, err)
		second, err := env.svc.RunDueScan(ctx)
		require.NoError(t, err)

		// THEN: One DUE_SOON, the rerun is a duplicate
		require.Equal(t, 1, first.Emitted())
		assert.Equal(t, lending.KindDueSoon, first.Events[0].Kind())
		assert.Equal(t, loan.ID, first.Events[0].LoanID)
		assert.Equal(t, lending.MemberID("M1"), first.Events[0].MemberID)
		assert.NotEmpty(t, first.Events[0].ID)
		assert.Equal(t, 0, second.Emitted())
		assert.Equal(t, 1, second.Duplicates)
		assert.Len(t, env.notifier.Events(), 1)

		// WHEN: Two days later the loan is overdue
		env.clock.AdvanceDays(2)
		overdue, err := env.svc.RunDueScan(ctx)
		require.NoError(t, err)

		// THEN: OVERDUE with the days so far
		require.Equal(t, 1, overdue.Emitted())
		assert.Equal(t, lending.KindOverdue, overdue.Events[0].Kind())
		assert.Equal(t, 1, overdue.Events[0].OverdueDays)

		// WHEN: Next day, still overdue
		env.clock.AdvanceDays(1)
		nextDay, err := env.svc.RunDueScan(ctx)
		require.NoError(t, err)

		// THEN: A new day is a new key
		assert.Equal(t, 1, nextDay.Emitted())
		assert.Equal(t, 2, env.notifier.count(lending.KindOverdue))
		assert.Equal(t, 1, env.notifier.count(lending.KindDueSoon))
	})
}

func TestRunDueScan_OutsideWindow_Nothing(t *testing.T) {
	forEachStore(t, func(t *testing.T, st lending.TxStore) {
		env := newTestEnv(t, st)
		env.addTitle(t, "T1", 1)
		env.issue(t, "T1", "M1")

		env.clock.AdvanceDays(5)
		report, err := env.svc.RunDueScan(context.Background())
		require.NoError(t, err)

		assert.Equal(t, 0, report.Candidates)
		assert.Empty(t, env.notifier.Events())
	})
}

func TestRunDueScan_WindowIsInclusive(t *testing.T) {
	forEachStore(t, func(t *testing.T, st lending.TxStore) {
		env := newTestEnv(t, st)
		env.addTitle(t, "T1", 1)
		loan := env.issue(t, "T1", "M1")

		// Exactly 2 days before due
		env.clock.Set(loan.DueAt.Add(-2 * 24 * time.Hour))
		report, err := env.svc.RunDueScan(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, report.Emitted())
		assert.Equal(t, lending.KindDueSoon, report.Events[0].Kind())

		// Exactly at due: still due soon, not overdue
		env.clock.Set(loan.DueAt)
		atDue, err := env.svc.RunDueScan(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, atDue.Emitted())
		assert.Equal(t, lending.KindDueSoon, atDue.Events[0].Kind())
		assert.Equal(t, 0, env.notifier.count(lending.KindOverdue))

		// One second later: overdue
		env.clock.Set(loan.DueAt.Add(time.Second))
		late, err := env.svc.RunDueScan(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, late.Emitted())
		assert.Equal(t, lending.KindOverdue, late.Events[0].Kind())
	})
}

func TestRunDueScan_IgnoresReturnedLoans(t *testing.T) {
	forEachStore(t, func(t *testing.T, st lending.TxStore) {
		env := newTestEnv(t, st)
		env.addTitle(t, "T1", 1)
		loan := env.issue(t, "T1", "M1")
		env.clock.AdvanceDays(20)
		_, _, err := env.svc.ReturnLoan(context.Background(), loan.ID)
		require.NoError(t, err)

		report, err := env.svc.RunDueScan(context.Background())
		require.NoError(t, err)

		assert.Equal(t, 0, report.Candidates)
	})
}

func TestRunDueScan_ConcurrentRuns_EmitOnce(t *testing.T) {
	forEachStore(t, func(t *testing.T, st lending.TxStore) {
		// GIVEN: Three overdue loans
		env := newTestEnv(t, st)
		env.addTitle(t, "T1", 3)
		for _, m := range []string{"M1", "M2", "M3"} {
			env.issue(t, "T1", m)
		}
		env.clock.AdvanceDays(15)

		// WHEN: Eight schedulers scan at once
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			emitted int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				report, err := env.svc.RunDueScan(context.Background())
				if err != nil {
					t.Errorf("scan failed: %v", err)
					return
				}
				mu.Lock()
				emitted += report.Emitted()
				mu.Unlock()
			}()
		}
		wg.Wait()

		// THEN: Each loan is notified exactly once
		assert.Equal(t, 3, emitted)
		assert.Len(t, env.notifier.Events(), 3)

		day := lending.DayOf(env.clock.Now(), time.UTC)
		records, err := st.ListNotifications(context.Background(), day)
		require.NoError(t, err)
		assert.Len(t, records, 3)
	})
}

func TestRunDueScan_DeliveryFailure_StaysLogged(t *testing.T) {
	forEachStore(t, func(t *testing.T, st lending.TxStore) {
		// GIVEN: A gateway that is down
		env := newTestEnv(t, st)
		env.notifier.fail = true
		env.addTitle(t, "T1", 1)
		env.issue(t, "T1", "M1")
		env.clock.AdvanceDays(15)

		// WHEN: The scan runs
		report, err := env.svc.RunDueScan(context.Background())
		require.NoError(t, err)

		// THEN: The notification is decided and reported undelivered
		assert.Equal(t, 1, report.Emitted())
		assert.Equal(t, 1, report.Undelivered)

		records, err := st.ListNotifications(context.Background(), report.Day)
		require.NoError(t, err)
		assert.Len(t, records, 1)

		// AND: It is not re-sent later that day
		env.notifier.fail = false
		again, err := env.svc.RunDueScan(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, again.Emitted())
		assert.Equal(t, 1, again.Duplicates)
		assert.Len(t, env.notifier.Events(), 1)
	})
}

// logFailingStore fails notification log inserts for one subject.
type logFailingStore struct {
	lending.TxStore
	mu      sync.Mutex
	subject string
}

func (f *logFailingStore) InsertNotificationIfAbsent(ctx context.Context, rec lending.NotificationRecord) (bool, error) {
	f.mu.Lock()
	fail := rec.Key.SubjectID == f.subject
	f.mu.Unlock()
	if fail {
		return false, errors.New("disk I/O error")
	}
	return f.TxStore.InsertNotificationIfAbsent(ctx, rec)
}

func (f *logFailingStore) heal() {
	f.mu.Lock()
	f.subject = ""
	f.mu.Unlock()
}

func TestRunDueScan_OneSubjectFailing_OthersStillNotified(t *testing.T) {
	forEachStore(t, func(t *testing.T, st lending.TxStore) {
		ctx := context.Background()
		failing := &logFailingStore{TxStore: st}

		var (
			mu        sync.Mutex
			delivered []lending.LoanID
			bounce    lending.LoanID
		)
		gateway := lending.NotifierFunc(func(_ context.Context, e lending.NotificationEvent) error {
			mu.Lock()
			defer mu.Unlock()
			if e.LoanID == bounce {
				return errors.New("mailbox full")
			}
			delivered = append(delivered, e.LoanID)
			return nil
		})
		env := newTestEnv(t, failing, lending.WithNotifier(gateway))
		env.addTitle(t, "T1", 3)

		// GIVEN: Three overdue loans; the log rejects the first, the
		// gateway bounces the second
		unlogged := env.issue(t, "T1", "M1")
		undelivered := env.issue(t, "T1", "M2")
		healthy := env.issue(t, "T1", "M3")
		failing.subject = string(unlogged.ID)
		bounce = undelivered.ID
		env.clock.AdvanceDays(15)

		// WHEN: The scan runs
		report, err := env.svc.RunDueScan(ctx)

		// THEN: The scan finishes and only the failing subjects are counted
		require.NoError(t, err)
		assert.Equal(t, 3, report.Candidates)
		assert.Equal(t, 1, report.Failures)
		assert.Equal(t, 1, report.Undelivered)
		assert.Equal(t, 2, report.Emitted())
		assert.False(t, report.Aborted)
		assert.Equal(t, []lending.LoanID{healthy.ID}, delivered)

		logged, err := st.ListNotifications(ctx, report.Day)
		require.NoError(t, err)
		subjects := make([]string, 0, len(logged))
		for _, rec := range logged {
			subjects = append(subjects, rec.Key.SubjectID)
		}
		assert.ElementsMatch(t, []string{string(undelivered.ID), string(healthy.ID)}, subjects)

		// WHEN: The log recovers and the scan runs again the same day
		failing.heal()
		again, err := env.svc.RunDueScan(ctx)

		// THEN: Only the subject that was never logged is notified
		require.NoError(t, err)
		require.Equal(t, 1, again.Emitted())
		assert.Equal(t, unlogged.ID, again.Events[0].LoanID)
		assert.Equal(t, 2, again.Duplicates)
		assert.Equal(t, 0, again.Failures)
	})
}

func TestRunDueScan_CancelledContext(t *testing.T) {
	forEachStore(t, func(t *testing.T, st lending.TxStore) {
		env := newTestEnv(t, st)
		env.addTitle(t, "T1", 1)
		env.issue(t, "T1", "M1")
		env.clock.AdvanceDays(15)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		report, err := env.svc.RunDueScan(ctx)

		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 0, report.Emitted())
		assert.Empty(t, env.notifier.Events())
	})
}

func TestRunDueScan_DayFollowsPolicyTimezone(t *testing.T) {
	forEachStore(t, func(t *testing.T, st lending.TxStore) {
		// GIVEN: A library in UTC+10; 23:30 UTC is already the next day there
		loc := time.FixedZone("AEST", 10*60*60)
		policy := lending.DefaultPolicy()
		policy.Location = loc
		env := newTestEnv(t, st, lending.WithPolicy(policy))
		env.addTitle(t, "T1", 1)
		env.issue(t, "T1", "M1")

		env.clock.Set(time.Date(2025, 3, 20, 23, 30, 0, 0, time.UTC))
		report, err := env.svc.RunDueScan(context.Background())
		require.NoError(t, err)

		assert.Equal(t, lending.Day("2025-03-21"), report.Day)
	})
}

// =============================================================================
// LOW-STOCK SCAN
// =============================================================================

func TestRunLowStockScan_BelowThreshold(t *testing.T) {
	forEachStore(t, func(t *testing.T, st lending.TxStore) {
		ctx := context.Background()
		env := newTestEnv(t, st)

		// GIVEN: Threshold 3; one title at 2 available, one at 5, one exactly at 3
		low, err := lending.NewTitle("LOW", "Low", 5, 2)
		require.NoError(t, err)
		require.NoError(t, st.SaveTitle(ctx, low))
		env.addTitle(t, "FULL", 5)
		edge, err := lending.NewTitle("EDGE", "Edge", 4, 3)
		require.NoError(t, err)
		require.NoError(t, st.SaveTitle(ctx, edge))

		// WHEN: Scanning twice
		first, err := env.svc.RunLowStockScan(ctx, 3)
		require.NoError(t, err)
		second, err := env.svc.RunLowStockScan(ctx, 3)
		require.NoError(t, err)

		// THEN: Only LOW, only once
		require.Equal(t, 1, first.Emitted())
		e := first.Events[0]
		assert.Equal(t, lending.KindLowStock, e.Kind())
		assert.Equal(t, lending.SubjectTitle, e.Key.SubjectType)
		assert.Equal(t, lending.TitleID("LOW"), e.TitleID)
		assert.Equal(t, 2, e.AvailableCopies)
		assert.Equal(t, 5, e.TotalCopies)

		assert.Equal(t, 0, second.Emitted())
		assert.Equal(t, 1, second.Duplicates)
	})
}

func TestRunLowStockScan_AfterLastCopyIssued(t *testing.T) {
	forEachStore(t, func(t *testing.T, st lending.TxStore) {
		env := newTestEnv(t, st)
		env.addTitle(t, "T1", 1)

		before, err := env.svc.RunLowStockScan(context.Background(), 1)
		require.NoError(t, err)
		assert.Equal(t, 0, before.Emitted())

		env.issue(t, "T1", "M1")
		after, err := env.svc.RunLowStockScan(context.Background(), 1)
		require.NoError(t, err)
		assert.Equal(t, 1, after.Emitted())
	})
}
