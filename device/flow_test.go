package device_test

import (
	"context"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jrsteele09/dpop-auth-server/device"
	autherrors "github.com/jrsteele09/dpop-auth-server/internal/errors"
	"github.com/jrsteele09/dpop-auth-server/oauthmodel"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

const (
	testTenantID = "tenant-1"
	testClientID = "tv-client"
)

type fixture struct {
	name    string
	flow    *device.Flow
	advance func(d time.Duration)
}

func setupFlows(t *testing.T) []fixture {
	t.Helper()

	newClock := func() (func() time.Time, func(time.Duration)) {
		now := time.Now().Truncate(time.Second)
		var mu sync.Mutex
		return func() time.Time {
				mu.Lock()
				defer mu.Unlock()
				return now
			}, func(d time.Duration) {
				mu.Lock()
				defer mu.Unlock()
				now = now.Add(d)
			}
	}

	memClock, memAdvance := newClock()
	mem := device.NewFlow(device.NewInMemoryRepo(),
		device.WithNowTime(memClock),
		device.WithTTL(30*time.Minute),
		device.WithInterval(5*time.Second),
	)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	redisClock, redisAdvance := newClock()
	rds := device.NewFlow(device.NewRedisRepo(client, "test:", device.WithRedisNowTime(redisClock)),
		device.WithNowTime(redisClock),
		device.WithTTL(30*time.Minute),
		device.WithInterval(5*time.Second),
	)

	return []fixture{
		{name: "memory", flow: mem, advance: memAdvance},
		{
			name: "redis",
			flow: rds,
			advance: func(d time.Duration) {
				redisAdvance(d)
				mr.FastForward(d)
			},
		},
	}
}

func TestStart(t *testing.T) {
	ctx := context.Background()
	for _, f := range setupFlows(t) {
		t.Run(f.name, func(t *testing.T) {
			code, err := f.flow.Start(ctx, testTenantID, testClientID, "openid")
			require.NoError(t, err)
			require.Regexp(t, regexp.MustCompile(`^[0-9A-F]{8}$`), code.UserCode)
			require.Equal(t, device.StatusPending, code.Status)

			resp := f.flow.Response(code)
			require.Equal(t, 1800, resp.ExpiresIn)
			require.Equal(t, 5, resp.Interval)
			require.Contains(t, resp.VerificationURIComplete, code.UserCode)
		})
	}
}

func TestPollLifecycle(t *testing.T) {
	ctx := context.Background()
	for _, f := range setupFlows(t) {
		t.Run(f.name, func(t *testing.T) {
			code, err := f.flow.Start(ctx, testTenantID, testClientID, "openid")
			require.NoError(t, err)

			_, err = f.flow.Poll(ctx, testTenantID, testClientID, code.DeviceCode)
			require.ErrorIs(t, err, oauthmodel.ErrAuthorizationPending)

			// Polling inside the interval slows the client down
			f.advance(time.Second)
			_, err = f.flow.Poll(ctx, testTenantID, testClientID, code.DeviceCode)
			require.ErrorIs(t, err, oauthmodel.ErrSlowDown)

			// The interval is now 10s
			f.advance(6 * time.Second)
			_, err = f.flow.Poll(ctx, testTenantID, testClientID, code.DeviceCode)
			require.ErrorIs(t, err, oauthmodel.ErrSlowDown)

			_, err = f.flow.Approve(ctx, testTenantID, code.UserCode, "user-1")
			require.NoError(t, err)

			f.advance(20 * time.Second)
			approved, err := f.flow.Poll(ctx, testTenantID, testClientID, code.DeviceCode)
			require.NoError(t, err)
			require.Equal(t, "user-1", approved.UserID)
			require.True(t, approved.Consumed)

			f.advance(20 * time.Second)
			_, err = f.flow.Poll(ctx, testTenantID, testClientID, code.DeviceCode)
			require.ErrorIs(t, err, oauthmodel.ErrInvalidGrant)
		})
	}
}

func TestPollDenied(t *testing.T) {
	ctx := context.Background()
	for _, f := range setupFlows(t) {
		t.Run(f.name, func(t *testing.T) {
			code, err := f.flow.Start(ctx, testTenantID, testClientID, "openid")
			require.NoError(t, err)

			_, err = f.flow.Deny(ctx, testTenantID, code.UserCode)
			require.NoError(t, err)

			_, err = f.flow.Poll(ctx, testTenantID, testClientID, code.DeviceCode)
			require.ErrorIs(t, err, oauthmodel.ErrAccessDenied)

			_, err = f.flow.Approve(ctx, testTenantID, code.UserCode, "user-1")
			require.ErrorIs(t, err, autherrors.ErrConflict, "denied is terminal")
		})
	}
}

func TestPollExpired(t *testing.T) {
	ctx := context.Background()
	f := setupFlows(t)[0]
	code, err := f.flow.Start(ctx, testTenantID, testClientID, "openid")
	require.NoError(t, err)

	f.advance(31 * time.Minute)
	_, err = f.flow.Poll(ctx, testTenantID, testClientID, code.DeviceCode)
	require.ErrorIs(t, err, oauthmodel.ErrExpiredToken)

	_, err = f.flow.Approve(ctx, testTenantID, code.UserCode, "user-1")
	require.ErrorIs(t, err, autherrors.ErrExpired)

	n, err := f.flow.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestPollApprovedAfterExpiry(t *testing.T) {
	ctx := context.Background()
	f := setupFlows(t)[0]
	code, err := f.flow.Start(ctx, testTenantID, testClientID, "openid")
	require.NoError(t, err)

	_, err = f.flow.Approve(ctx, testTenantID, code.UserCode, "user-1")
	require.NoError(t, err)

	f.advance(31 * time.Minute)
	_, err = f.flow.Poll(ctx, testTenantID, testClientID, code.DeviceCode)
	require.ErrorIs(t, err, oauthmodel.ErrExpiredToken)

	// Still expired, never consumed
	_, err = f.flow.Poll(ctx, testTenantID, testClientID, code.DeviceCode)
	require.ErrorIs(t, err, oauthmodel.ErrExpiredToken)
}

func TestPollWrongClient(t *testing.T) {
	ctx := context.Background()
	for _, f := range setupFlows(t) {
		t.Run(f.name, func(t *testing.T) {
			code, err := f.flow.Start(ctx, testTenantID, testClientID, "openid")
			require.NoError(t, err)

			_, err = f.flow.Poll(ctx, testTenantID, "other-client", code.DeviceCode)
			require.ErrorIs(t, err, oauthmodel.ErrInvalidGrant)
			_, err = f.flow.Poll(ctx, "tenant-2", testClientID, code.DeviceCode)
			require.ErrorIs(t, err, oauthmodel.ErrInvalidGrant)
			_, err = f.flow.Poll(ctx, testTenantID, testClientID, "unknown")
			require.ErrorIs(t, err, oauthmodel.ErrInvalidGrant)
		})
	}
}

func TestApproveAcrossTenantsAndFormatting(t *testing.T) {
	ctx := context.Background()
	f := setupFlows(t)[0]
	code, err := f.flow.Start(ctx, testTenantID, testClientID, "openid")
	require.NoError(t, err)

	_, err = f.flow.Approve(ctx, "tenant-2", code.UserCode, "user-1")
	require.ErrorIs(t, err, autherrors.ErrNotFound)

	typed := code.UserCode[:4] + "-" + code.UserCode[4:]
	_, err = f.flow.Approve(ctx, testTenantID, typed, "user-1")
	require.NoError(t, err)
}

func TestConcurrentPollsConsumeOnce(t *testing.T) {
	ctx := context.Background()
	for _, f := range setupFlows(t) {
		t.Run(f.name, func(t *testing.T) {
			code, err := f.flow.Start(ctx, testTenantID, testClientID, "openid")
			require.NoError(t, err)
			_, err = f.flow.Approve(ctx, testTenantID, code.UserCode, "user-1")
			require.NoError(t, err)

			var (
				wg      sync.WaitGroup
				winners atomic.Int32
			)
			for range 16 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := f.flow.Poll(ctx, testTenantID, testClientID, code.DeviceCode); err == nil {
						winners.Add(1)
					}
				}()
			}
			wg.Wait()
			require.Equal(t, int32(1), winners.Load())
		})
	}
}
