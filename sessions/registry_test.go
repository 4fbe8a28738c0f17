package sessions_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jrsteele09/dpop-auth-server/events"
	autherrors "github.com/jrsteele09/dpop-auth-server/internal/errors"
	"github.com/jrsteele09/dpop-auth-server/sessions"
	"github.com/stretchr/testify/require"
)

const (
	testTenantID = "tenant-1"
	testJKT      = "0ZcOCORZNYy-DWpqq30jZyJGHTN0d2HglBV3uiguA4I"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Events() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Event(nil), p.events...)
}

type testFixture struct {
	registry  *sessions.Registry
	publisher *recordingPublisher
	now       time.Time
}

func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()
	f := &testFixture{
		publisher: &recordingPublisher{},
		now:       time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.registry = sessions.NewRegistry(sessions.NewInMemoryRepo(),
		sessions.WithNowTime(func() time.Time { return f.now }),
		sessions.WithDefaultTTL(time.Hour),
		sessions.WithPublisher(f.publisher),
	)
	return f
}

func (f *testFixture) open(t *testing.T, userID string) *sessions.Session {
	t.Helper()
	s, err := f.registry.Open(context.Background(), sessions.OpenRequest{
		TenantID: testTenantID,
		UserID:   userID,
		ClientID: "client-1",
		CnfJKT:   testJKT,
	})
	require.NoError(t, err)
	return s
}

func TestOpenAndValidate(t *testing.T) {
	ctx := context.Background()
	f := setupTestFixture(t)
	s := f.open(t, "user-1")
	require.Equal(t, f.now.Add(time.Hour), s.NotAfter)

	t.Run("matching key", func(t *testing.T) {
		got, err := f.registry.Validate(ctx, s.ID, testJKT)
		require.NoError(t, err)
		require.Equal(t, s.ID, got.ID)
	})

	t.Run("no proof supplied", func(t *testing.T) {
		_, err := f.registry.Validate(ctx, s.ID, "")
		require.NoError(t, err)
	})

	t.Run("other key", func(t *testing.T) {
		_, err := f.registry.Validate(ctx, s.ID, "another-thumbprint")
		require.ErrorIs(t, err, autherrors.ErrSessionKeyBound)
	})

	t.Run("unknown session", func(t *testing.T) {
		_, err := f.registry.Validate(ctx, "missing", testJKT)
		require.ErrorIs(t, err, autherrors.ErrNotFound)
	})
}

func TestOpenRequiresBinding(t *testing.T) {
	f := setupTestFixture(t)
	_, err := f.registry.Open(context.Background(), sessions.OpenRequest{TenantID: testTenantID, UserID: "user-1"})
	require.Error(t, err)
}

func TestValidateExpiredSession(t *testing.T) {
	f := setupTestFixture(t)
	s := f.open(t, "user-1")

	f.now = f.now.Add(time.Hour)
	_, err := f.registry.Validate(context.Background(), s.ID, testJKT)
	require.ErrorIs(t, err, autherrors.ErrSessionExpired)
}

func TestRevokeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := setupTestFixture(t)
	s := f.open(t, "user-1")

	require.NoError(t, f.registry.Revoke(ctx, s.ID, sessions.ReasonLogout))
	require.NoError(t, f.registry.Revoke(ctx, s.ID, sessions.ReasonLogout))

	_, err := f.registry.Validate(ctx, s.ID, testJKT)
	require.ErrorIs(t, err, autherrors.ErrSessionRevoked)

	published := f.publisher.Events()
	require.Len(t, published, 1)
	require.Equal(t, events.SessionRevoked, published[0].Type)
	require.Equal(t, []string{s.ID}, published[0].SessionIDs)
	require.Equal(t, "user-1", published[0].Subject)

	got, err := f.registry.Get(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, 2, got.Version)
}

func TestRevokeAllForSubject(t *testing.T) {
	ctx := context.Background()
	f := setupTestFixture(t)
	a := f.open(t, "user-1")
	b := f.open(t, "user-1")
	other := f.open(t, "user-2")
	require.NoError(t, f.registry.Revoke(ctx, b.ID, sessions.ReasonLogout))

	n, err := f.registry.RevokeAllForSubject(ctx, testTenantID, "user-1", sessions.ReasonAdmin)
	require.NoError(t, err)
	require.Equal(t, 1, n, "already revoked sessions are not counted again")

	_, err = f.registry.Validate(ctx, a.ID, "")
	require.ErrorIs(t, err, autherrors.ErrSessionRevoked)
	_, err = f.registry.Validate(ctx, other.ID, "")
	require.NoError(t, err)

	published := f.publisher.Events()
	require.Len(t, published, 2)
	require.Equal(t, events.SubjectSessionsRevoked, published[1].Type)
	require.Equal(t, []string{a.ID}, published[1].SessionIDs)
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	f := setupTestFixture(t)
	s := f.open(t, "user-1")

	n, err := f.registry.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	f.now = f.now.Add(2 * time.Hour)
	n, err = f.registry.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = f.registry.Get(ctx, s.ID)
	require.ErrorIs(t, err, autherrors.ErrNotFound)
}
