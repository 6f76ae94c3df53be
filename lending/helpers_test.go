package lending_test

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/warp/lending-engine/lending"
	"github.com/warp/lending-engine/lending/store"
	"github.com/warp/lending-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

type storeFactory struct {
	name string
	new  func(t *testing.T) lending.TxStore
}

var storeFactories = []storeFactory{
	{"memory", func(t *testing.T) lending.TxStore { return store.NewMemory() }},
	{"sqlite", func(t *testing.T) lending.TxStore {
		s, err := sqlite.New(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	}},
}

// forEachStore runs fn once per storage implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, st lending.TxStore)) {
	for _, f := range storeFactories {
		t.Run(f.name, func(t *testing.T) {
			fn(t, f.new(t))
		})
	}
}

type testEnv struct {
	svc      *lending.Service
	store    lending.TxStore
	clock    *lending.ManualClock
	notifier *recordingNotifier
}

func newTestEnv(t *testing.T, st lending.TxStore, opts ...lending.Option) *testEnv {
	env := &testEnv{
		store:    st,
		clock:    lending.NewManualClock(t0),
		notifier: &recordingNotifier{},
	}
	base := []lending.Option{
		lending.WithClock(env.clock),
		lending.WithNotifier(env.notifier),
		lending.WithLogger(log.New(io.Discard, "", 0)),
		lending.WithRetry(lending.RetryPolicy{MaxAttempts: 20, BaseDelay: time.Millisecond, JitterFactor: 0.5}),
	}
	svc, err := lending.NewService(st, append(base, opts...)...)
	require.NoError(t, err)
	env.svc = svc
	return env
}

func (e *testEnv) addTitle(t *testing.T, id string, total int) {
	title, err := lending.NewTitle(lending.TitleID(id), "Title "+id, total, total)
	require.NoError(t, err)
	require.NoError(t, e.store.SaveTitle(context.Background(), title))
}

func (e *testEnv) title(t *testing.T, id string) lending.Title {
	title, err := e.store.GetTitle(context.Background(), lending.TitleID(id))
	require.NoError(t, err)
	return title
}

func (e *testEnv) issue(t *testing.T, titleID, memberID string) lending.Loan {
	loan, err := e.svc.IssueLoan(context.Background(), lending.TitleID(titleID), lending.MemberID(memberID))
	require.NoError(t, err)
	return loan
}

// recordingNotifier captures events and can be told to fail.
type recordingNotifier struct {
	mu     sync.Mutex
	events []lending.NotificationEvent
	fail   bool
}

func (n *recordingNotifier) Send(_ context.Context, e lending.NotificationEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
	if n.fail {
		return errors.New("smtp: connection refused")
	}
	return nil
}

func (n *recordingNotifier) Events() []lending.NotificationEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]lending.NotificationEvent(nil), n.events...)
}

func (n *recordingNotifier) count(kind lending.NotificationKind) int {
	c := 0
	for _, e := range n.Events() {
		if e.Kind() == kind {
			c++
		}
	}
	return c
}

// assertInventory checks available = total - issued loans for a title.
func assertInventory(t *testing.T, st lending.TxStore, titleID string) {
	t.Helper()
	ctx := context.Background()

	title, err := st.GetTitle(ctx, lending.TitleID(titleID))
	require.NoError(t, err)
	issued, err := st.ListIssuedLoans(ctx)
	require.NoError(t, err)

	open := 0
	for _, l := range issued {
		if l.TitleID == lending.TitleID(titleID) {
			open++
		}
	}
	require.GreaterOrEqual(t, title.AvailableCopies, 0)
	require.LessOrEqual(t, title.AvailableCopies, title.TotalCopies)
	require.Equal(t, title.TotalCopies-open, title.AvailableCopies, "available = total - issued")
}
