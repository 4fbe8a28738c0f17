package singleuse_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jrsteele09/dpop-auth-server/singleuse"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type payload struct {
	ClientID string `json:"client_id"`
	Scope    string `json:"scope"`
}

type fixture struct {
	name  string
	store singleuse.Store[payload]
	// advance moves the store's clock forward
	advance func(d time.Duration)
}

func setupStores(t *testing.T) []fixture {
	t.Helper()

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	mem := singleuse.NewInMemoryStore[payload](singleuse.WithNowTime[payload](clock))

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return []fixture{
		{
			name:  "memory",
			store: mem,
			advance: func(d time.Duration) {
				mu.Lock()
				defer mu.Unlock()
				now = now.Add(d)
			},
		},
		{
			name:    "redis",
			store:   singleuse.NewRedisStore[payload](client, "test:par:"),
			advance: mr.FastForward,
		},
	}
}

func TestTakeOnce(t *testing.T) {
	ctx := context.Background()
	for _, f := range setupStores(t) {
		t.Run(f.name, func(t *testing.T) {
			want := payload{ClientID: "client-1", Scope: "openid"}
			require.NoError(t, f.store.Put(ctx, "k1", want, time.Minute))

			got, err := f.store.TakeOnce(ctx, "k1")
			require.NoError(t, err)
			require.Equal(t, want, got)

			_, err = f.store.TakeOnce(ctx, "k1")
			require.ErrorIs(t, err, singleuse.ErrNotFound)

			_, err = f.store.TakeOnce(ctx, "unknown")
			require.ErrorIs(t, err, singleuse.ErrNotFound)
		})
	}
}

func TestExpiredEntriesAreInvisible(t *testing.T) {
	ctx := context.Background()
	for _, f := range setupStores(t) {
		t.Run(f.name, func(t *testing.T) {
			require.NoError(t, f.store.Put(ctx, "k2", payload{ClientID: "c"}, 60*time.Second))
			f.advance(61 * time.Second)

			_, err := f.store.TakeOnce(ctx, "k2")
			require.ErrorIs(t, err, singleuse.ErrNotFound)
		})
	}
}

func TestConcurrentTakeOnceHasOneWinner(t *testing.T) {
	ctx := context.Background()
	for _, f := range setupStores(t) {
		t.Run(f.name, func(t *testing.T) {
			require.NoError(t, f.store.Put(ctx, "code", payload{ClientID: "c"}, time.Minute))

			var winners atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 32; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := f.store.TakeOnce(ctx, "code"); err == nil {
						winners.Add(1)
					}
				}()
			}
			wg.Wait()
			require.Equal(t, int32(1), winners.Load())
		})
	}
}

func TestInMemorySweep(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := singleuse.NewInMemoryStore[string](singleuse.WithNowTime[string](func() time.Time { return now }))

	require.NoError(t, store.Put(ctx, "short", "a", time.Second))
	require.NoError(t, store.Put(ctx, "long", "b", time.Hour))

	now = now.Add(2 * time.Second)
	removed, err := store.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	require.Equal(t, 1, store.Len())
}

func TestPutValidation(t *testing.T) {
	store := singleuse.NewInMemoryStore[string]()
	require.Error(t, store.Put(context.Background(), "", "v", time.Second))
	require.Error(t, store.Put(context.Background(), "k", "v", 0))
}

func TestCancelledContextTakesNothing(t *testing.T) {
	store := singleuse.NewInMemoryStore[string]()
	require.NoError(t, store.Put(context.Background(), "k", "v", time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := store.TakeOnce(ctx, "k")
	require.ErrorIs(t, err, context.Canceled)

	v, err := store.TakeOnce(context.Background(), "k")
	require.NoError(t, err)
	require.Equal(t, "v", v)
}
