package housekeeping_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jrsteele09/dpop-auth-server/housekeeping"
	"github.com/jrsteele09/dpop-auth-server/singleuse"
	"github.com/jrsteele09/dpop-auth-server/token/keys"
	"github.com/stretchr/testify/require"
)

const testTenantID = "tenant-1"

type testFixture struct {
	mu    sync.Mutex
	now   time.Time
	store *singleuse.InMemoryStore[string]
	keys  *keys.KeyStore
}

func (f *testFixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *testFixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()
	f := &testFixture{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	f.store = singleuse.NewInMemoryStore(singleuse.WithNowTime[string](f.clock))

	var err error
	f.keys, err = keys.NewKeyStore(keys.NewInMemoryRepo(), keys.WithNowTime(f.clock))
	require.NoError(t, err)
	return f
}

func TestRunOnceSweepsAndRotates(t *testing.T) {
	ctx := context.Background()
	f := setupTestFixture(t)

	require.NoError(t, f.store.Put(ctx, "a", "value", time.Minute))
	require.NoError(t, f.store.Put(ctx, "b", "value", time.Hour))
	first, err := f.keys.EnsureActiveKey(ctx, testTenantID)
	require.NoError(t, err)

	runner := housekeeping.NewRunner().
		AddSweeper("par", time.Minute, f.store).
		AddKeyMaintenance(time.Hour, f.keys)
	require.Equal(t, 2, runner.Len())

	f.advance(91 * 24 * time.Hour)
	require.NoError(t, runner.RunOnce(ctx))

	require.Equal(t, 0, f.store.Len())
	active, err := f.keys.GetActiveKey(ctx, testTenantID)
	require.NoError(t, err)
	require.NotEqual(t, first.KeyID, active.KeyID)
}

func TestRunOnceJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	var ran atomic.Int32
	runner := housekeeping.NewRunner().
		Add(housekeeping.Task{Name: "failing", Interval: time.Second, Run: func(context.Context) error { return boom }}).
		Add(housekeeping.Task{Name: "counting", Interval: time.Second, Run: func(context.Context) error {
			ran.Add(1)
			return nil
		}})

	err := runner.RunOnce(context.Background())
	require.ErrorIs(t, err, boom)
	require.Contains(t, err.Error(), "failing")
	require.Equal(t, int32(1), ran.Load())
}

func TestAddIgnoresDisabledTasks(t *testing.T) {
	runner := housekeeping.NewRunner().
		Add(housekeeping.Task{Name: "zero", Interval: 0, Run: func(context.Context) error { return nil }}).
		Add(housekeeping.Task{Name: "nil", Interval: time.Second}).
		AddSweeper("none", time.Second, nil)
	require.Zero(t, runner.Len())
}

func TestRunTicksUntilCancelled(t *testing.T) {
	var healthy, failing atomic.Int32
	runner := housekeeping.NewRunner().
		Add(housekeeping.Task{Name: "failing", Interval: 5 * time.Millisecond, Run: func(context.Context) error {
			failing.Add(1)
			return errors.New("storage unavailable")
		}}).
		Add(housekeeping.Task{Name: "healthy", Interval: 5 * time.Millisecond, Run: func(context.Context) error {
			healthy.Add(1)
			return nil
		}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	require.Eventually(t, func() bool {
		return healthy.Load() >= 3 && failing.Load() >= 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop after cancellation")
	}
}
