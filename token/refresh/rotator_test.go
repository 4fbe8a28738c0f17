package refresh_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jrsteele09/dpop-auth-server/events"
	"github.com/jrsteele09/dpop-auth-server/internal/metrics"
	"github.com/jrsteele09/dpop-auth-server/oauthmodel"
	"github.com/jrsteele09/dpop-auth-server/sessions"
	"github.com/jrsteele09/dpop-auth-server/token"
	"github.com/jrsteele09/dpop-auth-server/token/jwt"
	"github.com/jrsteele09/dpop-auth-server/token/keys"
	"github.com/jrsteele09/dpop-auth-server/token/refresh"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testTenantID = "tenant-1"
	testClientID = "client-1"
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

func (p *recordingPublisher) ofType(t events.Type) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Event, 0)
	for _, ev := range p.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type testFixture struct {
	repo      *refresh.InMemoryRepo
	registry  *sessions.Registry
	issuer    *token.Issuer
	rotator   *refresh.Rotator
	inspector *jwt.Inspector
	publisher *recordingPublisher
	metrics   *metrics.Metrics
	mu        sync.Mutex
	now       time.Time
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
	f := &testFixture{
		repo:      refresh.NewInMemoryRepo(),
		publisher: &recordingPublisher{},
		metrics:   metrics.New(),
		now:       time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	ks, err := keys.NewKeyStore(keys.NewInMemoryRepo(), keys.WithNowTime(f.clock))
	require.NoError(t, err)
	_, err = ks.GenerateKey(context.Background(), testTenantID)
	require.NoError(t, err)

	creator := jwt.NewCreator(ks, "example.com", 15*time.Minute, 15*time.Minute, jwt.WithNowTime(f.clock))
	f.inspector = jwt.NewInspector(ks, "example.com", jwt.WithInspectorNowTime(f.clock))
	f.registry = sessions.NewRegistry(sessions.NewInMemoryRepo(),
		sessions.WithNowTime(f.clock),
		sessions.WithPublisher(f.publisher),
	)
	f.issuer = token.NewIssuer(creator, f.repo, token.WithNowTime(f.clock), token.WithRefreshTTL(24*time.Hour))
	f.rotator = refresh.NewRotator(f.repo, f.issuer, f.registry,
		refresh.WithNowTime(f.clock),
		refresh.WithTTL(24*time.Hour),
		refresh.WithPublisher(f.publisher),
		refresh.WithMetrics(f.metrics),
	)
	return f
}

// issue opens a session and returns the first refresh token of its family.
func (f *testFixture) issue(t *testing.T) (*sessions.Session, *token.IssuedTokens) {
	t.Helper()
	ctx := context.Background()
	s, err := f.registry.Open(ctx, sessions.OpenRequest{
		TenantID: testTenantID, UserID: "user-1", ClientID: testClientID, CnfJKT: testJKT,
	})
	require.NoError(t, err)
	issued, err := f.issuer.Issue(ctx, token.IssueRequest{
		TenantID:        testTenantID,
		UserID:          "user-1",
		SessionID:       s.ID,
		SessionNotAfter: s.NotAfter,
		ClientID:        testClientID,
		Scope:           "openid offline_access",
		CnfJKT:          testJKT,
	})
	require.NoError(t, err)
	return s, issued
}

func rotateRequest(raw string) refresh.RotateRequest {
	return refresh.RotateRequest{
		TenantID:     testTenantID,
		ClientID:     testClientID,
		RefreshToken: raw,
		ProofJKT:     testJKT,
	}
}

func TestRotate(t *testing.T) {
	ctx := context.Background()
	f := setupTestFixture(t)
	s, first := f.issue(t)

	second, err := f.rotator.Rotate(ctx, rotateRequest(first.RefreshToken))
	require.NoError(t, err)
	require.NotEqual(t, first.RefreshToken, second.RefreshToken)
	require.NotEmpty(t, second.IDToken)
	require.Equal(t, first.Record.FamilyID, second.Record.FamilyID)
	require.Equal(t, first.Record.ID, second.Record.ParentID)

	claims, err := f.inspector.VerifyAccessToken(ctx, second.AccessToken, testTenantID)
	require.NoError(t, err)
	require.Equal(t, s.ID, claims.SessionID)
	require.Equal(t, testJKT, claims.Cnf.JKT)

	old, err := f.repo.GetByHash(ctx, refresh.Hash(first.RefreshToken))
	require.NoError(t, err)
	require.NotNil(t, old.UsedAt)
	require.Equal(t, second.Record.ID, old.ReplacedByID)

	stored, err := f.repo.GetByHash(ctx, refresh.Hash(second.RefreshToken))
	require.NoError(t, err)
	require.Nil(t, stored.UsedAt)
	require.NotContains(t, stored.TokenHash, second.RefreshToken, "only the hash is stored")
}

func TestRotateReuseRevokesFamilyAndSession(t *testing.T) {
	ctx := context.Background()
	f := setupTestFixture(t)
	s, first := f.issue(t)

	second, err := f.rotator.Rotate(ctx, rotateRequest(first.RefreshToken))
	require.NoError(t, err)

	_, err = f.rotator.Rotate(ctx, rotateRequest(first.RefreshToken))
	require.ErrorIs(t, err, oauthmodel.ErrInvalidGrant)

	// The legitimate holder's token died with the family
	_, err = f.rotator.Rotate(ctx, rotateRequest(second.RefreshToken))
	require.ErrorIs(t, err, oauthmodel.ErrInvalidGrant)

	child, err := f.repo.GetByHash(ctx, refresh.Hash(second.RefreshToken))
	require.NoError(t, err)
	require.True(t, child.Revoked)
	require.Equal(t, refresh.ReasonReuseDetected, child.RevokedReason)

	_, err = f.registry.Validate(ctx, s.ID, testJKT)
	require.Error(t, err)

	familyEvents := f.publisher.ofType(events.RefreshFamilyRevoked)
	require.NotEmpty(t, familyEvents)
	require.Equal(t, first.Record.FamilyID, familyEvents[0].FamilyID)
	require.Len(t, f.publisher.ofType(events.SessionRevoked), 1)

	expected := `
# HELP dpop_auth_refresh_reuse_detected_total Refresh token reuse detections that revoked a family.
# TYPE dpop_auth_refresh_reuse_detected_total counter
dpop_auth_refresh_reuse_detected_total 2
`
	require.NoError(t, testutil.GatherAndCompare(f.metrics.Registry(), strings.NewReader(expected), "dpop_auth_refresh_reuse_detected_total"))
}

func TestRotateRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown token", func(t *testing.T) {
		f := setupTestFixture(t)
		_, err := f.rotator.Rotate(ctx, rotateRequest("not-a-token"))
		require.ErrorIs(t, err, oauthmodel.ErrInvalidGrant)
	})

	t.Run("expired does not cascade", func(t *testing.T) {
		f := setupTestFixture(t)
		s, first := f.issue(t)
		f.advance(25 * time.Hour)

		_, err := f.rotator.Rotate(ctx, rotateRequest(first.RefreshToken))
		require.ErrorIs(t, err, oauthmodel.ErrInvalidGrant)

		stored, err := f.repo.GetByHash(ctx, refresh.Hash(first.RefreshToken))
		require.NoError(t, err)
		require.False(t, stored.Revoked)
		require.Nil(t, stored.UsedAt)
		_, err = f.registry.Validate(ctx, s.ID, testJKT)
		require.NoError(t, err)
	})

	t.Run("other client", func(t *testing.T) {
		f := setupTestFixture(t)
		_, first := f.issue(t)
		req := rotateRequest(first.RefreshToken)
		req.ClientID = "client-2"
		_, err := f.rotator.Rotate(ctx, req)
		require.ErrorIs(t, err, oauthmodel.ErrInvalidGrant)
	})

	t.Run("other tenant", func(t *testing.T) {
		f := setupTestFixture(t)
		_, first := f.issue(t)
		req := rotateRequest(first.RefreshToken)
		req.TenantID = "tenant-2"
		_, err := f.rotator.Rotate(ctx, req)
		require.ErrorIs(t, err, oauthmodel.ErrInvalidGrant)
	})

	t.Run("proof key mismatch", func(t *testing.T) {
		f := setupTestFixture(t)
		_, first := f.issue(t)
		req := rotateRequest(first.RefreshToken)
		req.ProofJKT = "attacker-thumbprint"
		_, err := f.rotator.Rotate(ctx, req)
		require.ErrorIs(t, err, oauthmodel.ErrInvalidDPoPProof)

		// A rejected attempt leaves the token usable by its holder
		_, err = f.rotator.Rotate(ctx, rotateRequest(first.RefreshToken))
		require.NoError(t, err)
	})

	t.Run("revoked session", func(t *testing.T) {
		f := setupTestFixture(t)
		s, first := f.issue(t)
		require.NoError(t, f.registry.Revoke(ctx, s.ID, sessions.ReasonLogout))
		_, err := f.rotator.Rotate(ctx, rotateRequest(first.RefreshToken))
		require.ErrorIs(t, err, oauthmodel.ErrInvalidGrant)
	})
}

func TestConcurrentRotateHasOneWinner(t *testing.T) {
	ctx := context.Background()
	f := setupTestFixture(t)
	_, first := f.issue(t)

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.rotator.Rotate(ctx, rotateRequest(first.RefreshToken))
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, oauthmodel.ErrInvalidGrant)
		}()
	}
	wg.Wait()
	require.Equal(t, 1, successes)
}

func revokeRequest(raw string, wholeFamily bool) refresh.RevokeRequest {
	return refresh.RevokeRequest{
		TenantID:     testTenantID,
		ClientID:     testClientID,
		RefreshToken: raw,
		ProofJKT:     testJKT,
		WholeFamily:  wholeFamily,
	}
}

func TestRevoke(t *testing.T) {
	ctx := context.Background()

	t.Run("whole family", func(t *testing.T) {
		f := setupTestFixture(t)
		s, first := f.issue(t)
		second, err := f.rotator.Rotate(ctx, rotateRequest(first.RefreshToken))
		require.NoError(t, err)

		found, err := f.rotator.Revoke(ctx, revokeRequest(second.RefreshToken, true))
		require.NoError(t, err)
		require.True(t, found)

		// Presenting a revoked token is treated as reuse and takes the session down
		_, err = f.rotator.Rotate(ctx, rotateRequest(second.RefreshToken))
		require.ErrorIs(t, err, oauthmodel.ErrInvalidGrant)

		familyEvents := f.publisher.ofType(events.RefreshFamilyRevoked)
		require.Len(t, familyEvents, 2)
		require.Equal(t, refresh.ReasonRevoked, familyEvents[0].Reason)
		require.Equal(t, refresh.ReasonReuseDetected, familyEvents[1].Reason)
		_, err = f.registry.Validate(ctx, s.ID, testJKT)
		require.Error(t, err)
	})

	t.Run("unknown token", func(t *testing.T) {
		f := setupTestFixture(t)
		found, err := f.rotator.Revoke(ctx, revokeRequest("nope", true))
		require.NoError(t, err)
		require.False(t, found)
	})

	t.Run("other client cannot revoke", func(t *testing.T) {
		f := setupTestFixture(t)
		_, first := f.issue(t)
		req := revokeRequest(first.RefreshToken, false)
		req.ClientID = "client-2"
		found, err := f.rotator.Revoke(ctx, req)
		require.NoError(t, err)
		require.False(t, found)

		_, err = f.rotator.Rotate(ctx, rotateRequest(first.RefreshToken))
		require.NoError(t, err)
	})

	t.Run("bound token needs its key", func(t *testing.T) {
		f := setupTestFixture(t)
		s, first := f.issue(t)

		for _, jkt := range []string{"attacker-thumbprint", ""} {
			req := revokeRequest(first.RefreshToken, true)
			req.ProofJKT = jkt
			found, err := f.rotator.Revoke(ctx, req)
			require.ErrorIs(t, err, oauthmodel.ErrInvalidDPoPProof)
			require.False(t, found)
		}

		stored, err := f.repo.GetByHash(ctx, refresh.Hash(first.RefreshToken))
		require.NoError(t, err)
		require.False(t, stored.Revoked)
		require.Empty(t, f.publisher.ofType(events.RefreshFamilyRevoked))

		_, err = f.rotator.Rotate(ctx, rotateRequest(first.RefreshToken))
		require.NoError(t, err)
		_, err = f.registry.Validate(ctx, s.ID, testJKT)
		require.NoError(t, err)
	})
}

type failingSessions struct {
	*sessions.Registry
}

func (failingSessions) Revoke(context.Context, string, string) error {
	return errors.New("storage unreachable")
}

func TestRotateReuseFailsClosedWhenSessionRevokeFails(t *testing.T) {
	ctx := context.Background()
	f := setupTestFixture(t)
	rotator := refresh.NewRotator(f.repo, f.issuer, failingSessions{Registry: f.registry},
		refresh.WithNowTime(f.clock),
		refresh.WithTTL(24*time.Hour),
		refresh.WithPublisher(f.publisher),
	)
	s, first := f.issue(t)

	_, err := rotator.Rotate(ctx, rotateRequest(first.RefreshToken))
	require.NoError(t, err)

	_, err = rotator.Rotate(ctx, rotateRequest(first.RefreshToken))
	require.ErrorIs(t, err, oauthmodel.ErrServerError)
	require.NotErrorIs(t, err, oauthmodel.ErrInvalidGrant)

	// The family is gone even though the session survived
	stored, err := f.repo.GetByHash(ctx, refresh.Hash(first.RefreshToken))
	require.NoError(t, err)
	require.True(t, stored.Revoked)
	_, err = f.registry.Validate(ctx, s.ID, testJKT)
	require.NoError(t, err)
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	f := setupTestFixture(t)
	_, first := f.issue(t)

	f.advance(25 * time.Hour)
	n, err := f.rotator.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = f.repo.GetByHash(ctx, refresh.Hash(first.RefreshToken))
	require.Error(t, err)
}
