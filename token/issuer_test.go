package token_test

import (
	"context"
	"testing"
	"time"

	autherrors "github.com/jrsteele09/dpop-auth-server/internal/errors"
	"github.com/jrsteele09/dpop-auth-server/token"
	"github.com/jrsteele09/dpop-auth-server/token/jwt"
	"github.com/jrsteele09/dpop-auth-server/token/keys"
	"github.com/jrsteele09/dpop-auth-server/token/refresh"
	"github.com/stretchr/testify/require"
)

const testTenantID = "tenant-1"

type testFixture struct {
	keyStore *keys.KeyStore
	repo     *refresh.InMemoryRepo
	issuer   *token.Issuer
	now      time.Time
}

func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()
	f := &testFixture{
		repo: refresh.NewInMemoryRepo(),
		now:  time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	ks, err := keys.NewKeyStore(keys.NewInMemoryRepo(), keys.WithNowTime(clock))
	require.NoError(t, err)
	f.keyStore = ks
	creator := jwt.NewCreator(ks, "example.com", 15*time.Minute, 15*time.Minute, jwt.WithNowTime(clock))
	f.issuer = token.NewIssuer(creator, f.repo, token.WithNowTime(clock), token.WithRefreshTTL(30*24*time.Hour))
	return f
}

func issueRequest(scope string, notAfter time.Time) token.IssueRequest {
	return token.IssueRequest{
		TenantID:        testTenantID,
		UserID:          "user-1",
		SessionID:       "session-1",
		SessionNotAfter: notAfter,
		ClientID:        "client-1",
		Scope:           scope,
		CnfJKT:          "0ZcOCORZNYy-DWpqq30jZyJGHTN0d2HglBV3uiguA4I",
		Nonce:           "nonce-1",
	}
}

func TestIssue(t *testing.T) {
	ctx := context.Background()

	t.Run("openid scope adds an id token", func(t *testing.T) {
		f := setupTestFixture(t)
		_, err := f.keyStore.GenerateKey(ctx, testTenantID)
		require.NoError(t, err)

		issued, err := f.issuer.Issue(ctx, issueRequest("openid profile", time.Time{}))
		require.NoError(t, err)
		require.NotEmpty(t, issued.AccessToken)
		require.NotEmpty(t, issued.IDToken)
		require.Equal(t, 15*time.Minute, issued.ExpiresIn)
		require.Len(t, issued.RefreshToken, 43)

		stored, err := f.repo.GetByHash(ctx, refresh.Hash(issued.RefreshToken))
		require.NoError(t, err)
		require.Equal(t, issued.Record.FamilyID, stored.FamilyID)
		require.Empty(t, stored.ParentID)
		require.Equal(t, f.now.Add(30*24*time.Hour), stored.ExpiresAt)
	})

	t.Run("no id token without openid", func(t *testing.T) {
		f := setupTestFixture(t)
		_, err := f.keyStore.GenerateKey(ctx, testTenantID)
		require.NoError(t, err)

		issued, err := f.issuer.Issue(ctx, issueRequest("profile", time.Time{}))
		require.NoError(t, err)
		require.Empty(t, issued.IDToken)
	})

	t.Run("refresh expiry capped by session", func(t *testing.T) {
		f := setupTestFixture(t)
		_, err := f.keyStore.GenerateKey(ctx, testTenantID)
		require.NoError(t, err)

		notAfter := f.now.Add(time.Hour)
		issued, err := f.issuer.Issue(ctx, issueRequest("openid", notAfter))
		require.NoError(t, err)
		require.Equal(t, notAfter, issued.Record.ExpiresAt)
	})

	t.Run("no active key stores nothing", func(t *testing.T) {
		f := setupTestFixture(t)
		_, err := f.issuer.Issue(ctx, issueRequest("openid", time.Time{}))
		require.ErrorIs(t, err, autherrors.ErrNoActiveKey)
		n, err := f.repo.DeleteExpired(ctx, f.now.Add(365*24*time.Hour))
		require.NoError(t, err)
		require.Zero(t, n)
	})
}
