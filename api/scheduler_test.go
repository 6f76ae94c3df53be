package api

import (
	"context"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/lending-engine/lending"
	"github.com/warp/lending-engine/store/sqlite"
)

func TestScanScheduler_RunNowRecordsRuns(t *testing.T) {
	// GIVEN: An overdue loan on the last copy of a title
	env := newAPIEnv(t)
	env.createTitle(t, "T1", 1)
	env.issue(t, "T1", "M1")
	env.clock.AdvanceDays(15)

	// WHEN: Running both scans
	reports, err := env.scheduler.RunNow(context.Background(), TriggerSchedule)

	// THEN: Both scans emit, and both runs are recorded as completed
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, 1, reports[0].Emitted())
	assert.Equal(t, lending.KindOverdue, reports[0].Events[0].Kind())
	assert.Equal(t, 1, reports[1].Emitted())
	assert.Equal(t, lending.KindLowStock, reports[1].Events[0].Kind())

	runs, err := env.store.ListScanRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	for _, run := range runs {
		assert.Equal(t, TriggerSchedule, run.Trigger)
		assert.Equal(t, "completed", run.Status)
		assert.Equal(t, 1, run.Emitted)
		assert.NotNil(t, run.CompletedAt)
	}

	last, lastErr := env.scheduler.LastRun()
	assert.NoError(t, lastErr)
	assert.Len(t, last, 2)
}

func TestScanScheduler_CancelledRunIsRecordedAsFailed(t *testing.T) {
	env := newAPIEnv(t)
	env.createTitle(t, "T1", 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.scheduler.RunNow(ctx, TriggerManual)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), "due scan")
	assert.Contains(t, err.Error(), "low-stock scan")

	runs, listErr := env.store.ListScanRuns(context.Background(), 10)
	require.NoError(t, listErr)
	require.Len(t, runs, 2)
	for _, run := range runs {
		assert.Equal(t, "failed", run.Status)
		assert.NotEmpty(t, run.Error)
	}
}

func TestScanScheduler_WithoutStore(t *testing.T) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	svc, err := lending.NewService(store, lending.WithLogger(log.New(io.Discard, "", 0)))
	require.NoError(t, err)

	scheduler := NewScanScheduler(svc, nil)
	reports, err := scheduler.RunNow(context.Background(), TriggerManual)

	require.NoError(t, err)
	assert.Len(t, reports, 2)
}

func TestScanScheduler_StartStop(t *testing.T) {
	env := newAPIEnv(t)
	env.scheduler.Enabled = true
	env.scheduler.Interval = time.Hour

	require.NoError(t, env.scheduler.Start())
	assert.False(t, env.scheduler.NextRun().IsZero())

	// Starting twice is a no-op
	require.NoError(t, env.scheduler.Start())

	// The immediate run lands in the history
	assert.Eventually(t, func() bool {
		runs, err := env.store.ListScanRuns(context.Background(), 10)
		return err == nil && len(runs) == 2 && runs[0].Status != "running" && runs[1].Status != "running"
	}, 2*time.Second, 10*time.Millisecond)

	env.scheduler.Stop()
	assert.True(t, env.scheduler.NextRun().IsZero())
	env.scheduler.Stop()
}

func TestScanScheduler_StopWaitsForStartupRun(t *testing.T) {
	// GIVEN: An overdue loan and a gateway that takes a while to deliver
	ctx := context.Background()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	var (
		once      sync.Once
		delivered atomic.Bool
	)
	sending := make(chan struct{})
	slow := lending.NotifierFunc(func(context.Context, lending.NotificationEvent) error {
		once.Do(func() { close(sending) })
		time.Sleep(300 * time.Millisecond)
		delivered.Store(true)
		return nil
	})

	clock := lending.NewManualClock(t0)
	svc, err := lending.NewService(store,
		lending.WithClock(clock),
		lending.WithLogger(log.New(io.Discard, "", 0)),
		lending.WithNotifier(slow),
	)
	require.NoError(t, err)

	title, err := lending.NewTitle("T1", "Title T1", 2, 2)
	require.NoError(t, err)
	require.NoError(t, store.SaveTitle(ctx, title))
	_, err = svc.IssueLoan(ctx, "T1", "M1")
	require.NoError(t, err)
	clock.AdvanceDays(15)

	scheduler := NewScanScheduler(svc, store)
	require.NoError(t, scheduler.Start())

	// WHEN: Stopping while the run started at boot is still delivering
	select {
	case <-sending:
	case <-time.After(2 * time.Second):
		t.Fatal("startup run never reached the gateway")
	}
	scheduler.Stop()

	// THEN: Stop returned only after the run finished and was recorded
	assert.True(t, delivered.Load())
	runs, err := store.ListScanRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	for _, run := range runs {
		assert.Equal(t, "completed", run.Status)
	}
}

func TestScanScheduler_Disabled(t *testing.T) {
	env := newAPIEnv(t)

	require.NoError(t, env.scheduler.Start())

	assert.True(t, env.scheduler.NextRun().IsZero())
	env.scheduler.Stop()
}

func TestScanScheduler_InvalidInterval(t *testing.T) {
	env := newAPIEnv(t)
	env.scheduler.Enabled = true
	env.scheduler.Interval = 0

	assert.Error(t, env.scheduler.Start())
}
