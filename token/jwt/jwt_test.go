package jwt_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	autherrors "github.com/jrsteele09/dpop-auth-server/internal/errors"
	"github.com/jrsteele09/dpop-auth-server/token/jwt"
	"github.com/jrsteele09/dpop-auth-server/token/keys"
	"github.com/stretchr/testify/require"
)

const (
	testTenantID = "tenant-1"
	testDomain   = "example.com"
)

type testFixture struct {
	keyStore  *keys.KeyStore
	creator   *jwt.Creator
	inspector *jwt.Inspector
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
	f := &testFixture{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	ks, err := keys.NewKeyStore(keys.NewInMemoryRepo(), keys.WithNowTime(f.clock))
	require.NoError(t, err)
	f.keyStore = ks
	f.creator = jwt.NewCreator(ks, testDomain, 15*time.Minute, 15*time.Minute, jwt.WithNowTime(f.clock))
	f.inspector = jwt.NewInspector(ks, testDomain, jwt.WithInspectorNowTime(f.clock))
	return f
}

func accessInput() jwt.AccessTokenInput {
	return jwt.AccessTokenInput{
		TenantID:  testTenantID,
		UserID:    "user-1",
		ClientID:  "client-1",
		SessionID: "session-1",
		Scope:     "openid profile",
		CnfJKT:    "0ZcOCORZNYy-DWpqq30jZyJGHTN0d2HglBV3uiguA4I",
	}
}

func TestCreateAccessTokenWithoutActiveKey(t *testing.T) {
	f := setupTestFixture(t)
	_, _, err := f.creator.CreateAccessToken(context.Background(), accessInput())
	require.ErrorIs(t, err, autherrors.ErrNoActiveKey)
}

func TestAccessTokenRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := setupTestFixture(t)
	key, err := f.keyStore.GenerateKey(ctx, testTenantID)
	require.NoError(t, err)

	raw, issued, err := f.creator.CreateAccessToken(ctx, accessInput())
	require.NoError(t, err)

	parsed, _, err := jwtlib.NewParser().ParseUnverified(raw, &jwt.AccessClaims{})
	require.NoError(t, err)
	require.Equal(t, key.KeyID, parsed.Header["kid"])
	require.Equal(t, jwt.TypeAccessToken, parsed.Header["typ"])
	require.Equal(t, keys.ES256, parsed.Header["alg"])

	claims, err := f.inspector.VerifyAccessToken(ctx, raw, testTenantID)
	require.NoError(t, err)
	require.Equal(t, issued.ID, claims.ID)
	require.Equal(t, "https://auth.example.com/t/tenant-1", claims.Issuer)
	require.Equal(t, "user-1", claims.Subject)
	require.Equal(t, "session-1", claims.SessionID)
	require.Equal(t, accessInput().CnfJKT, claims.Cnf.JKT)
	require.Equal(t, jwt.SchemaVersion, claims.Version)
	require.Equal(t, f.now.Add(15*time.Minute).Unix(), claims.ExpiresAt.Unix())
}

func TestAccessTokenRequiresBinding(t *testing.T) {
	ctx := context.Background()
	f := setupTestFixture(t)
	_, err := f.keyStore.GenerateKey(ctx, testTenantID)
	require.NoError(t, err)

	in := accessInput()
	in.CnfJKT = ""
	_, _, err = f.creator.CreateAccessToken(ctx, in)
	require.Error(t, err)
}

func TestVerifyAccessToken(t *testing.T) {
	ctx := context.Background()

	t.Run("expired", func(t *testing.T) {
		f := setupTestFixture(t)
		_, err := f.keyStore.GenerateKey(ctx, testTenantID)
		require.NoError(t, err)
		raw, _, err := f.creator.CreateAccessToken(ctx, accessInput())
		require.NoError(t, err)

		f.advance(16 * time.Minute)
		_, err = f.inspector.VerifyAccessToken(ctx, raw, testTenantID)
		require.ErrorIs(t, err, jwtlib.ErrTokenExpired)
	})

	t.Run("other tenant", func(t *testing.T) {
		f := setupTestFixture(t)
		_, err := f.keyStore.GenerateKey(ctx, testTenantID)
		require.NoError(t, err)
		raw, _, err := f.creator.CreateAccessToken(ctx, accessInput())
		require.NoError(t, err)

		_, err = f.inspector.VerifyAccessToken(ctx, raw, "tenant-2")
		require.ErrorIs(t, err, jwt.ErrTenantMismatch)
	})

	t.Run("tampered payload", func(t *testing.T) {
		f := setupTestFixture(t)
		_, err := f.keyStore.GenerateKey(ctx, testTenantID)
		require.NoError(t, err)
		raw, _, err := f.creator.CreateAccessToken(ctx, accessInput())
		require.NoError(t, err)

		other, _, err := f.creator.CreateAccessToken(ctx, jwt.AccessTokenInput{
			TenantID: testTenantID, UserID: "admin", SessionID: "s", CnfJKT: "x",
		})
		require.NoError(t, err)
		parts := strings.Split(raw, ".")
		otherParts := strings.Split(other, ".")
		forged := parts[0] + "." + otherParts[1] + "." + parts[2]

		_, err = f.inspector.VerifyAccessToken(ctx, forged, testTenantID)
		require.ErrorIs(t, err, jwtlib.ErrTokenSignatureInvalid)
	})

	t.Run("id token is not an access token", func(t *testing.T) {
		f := setupTestFixture(t)
		_, err := f.keyStore.GenerateKey(ctx, testTenantID)
		require.NoError(t, err)
		raw, err := f.creator.CreateIDToken(ctx, jwt.IDTokenInput{
			TenantID: testTenantID, UserID: "user-1", ClientID: "client-1", SessionID: "session-1",
		})
		require.NoError(t, err)

		_, err = f.inspector.VerifyAccessToken(ctx, raw, testTenantID)
		require.ErrorIs(t, err, jwt.ErrUnexpectedType)
	})

	t.Run("garbage", func(t *testing.T) {
		f := setupTestFixture(t)
		_, err := f.inspector.VerifyAccessToken(ctx, "not-a-jwt", "")
		require.ErrorIs(t, err, jwt.ErrMalformedToken)
	})
}

func TestVerifyAcrossKeyRotation(t *testing.T) {
	ctx := context.Background()
	f := setupTestFixture(t)
	_, err := f.keyStore.GenerateKey(ctx, testTenantID)
	require.NoError(t, err)

	before, _, err := f.creator.CreateAccessToken(ctx, accessInput())
	require.NoError(t, err)

	f.advance(time.Minute)
	_, err = f.keyStore.GenerateKey(ctx, testTenantID)
	require.NoError(t, err)

	after, _, err := f.creator.CreateAccessToken(ctx, accessInput())
	require.NoError(t, err)

	_, err = f.inspector.VerifyAccessToken(ctx, before, testTenantID)
	require.NoError(t, err, "tokens signed with a rolled over key stay verifiable")
	_, err = f.inspector.VerifyAccessToken(ctx, after, testTenantID)
	require.NoError(t, err)
}

func TestCreateIDToken(t *testing.T) {
	ctx := context.Background()
	f := setupTestFixture(t)
	_, err := f.keyStore.GenerateKey(ctx, testTenantID)
	require.NoError(t, err)

	raw, err := f.creator.CreateIDToken(ctx, jwt.IDTokenInput{
		TenantID:  testTenantID,
		UserID:    "user-1",
		ClientID:  "client-1",
		SessionID: "session-1",
		Nonce:     "n-0S6_WzA2Mj",
		AuthTime:  f.now,
	})
	require.NoError(t, err)

	claims := &jwt.IDClaims{}
	_, _, err = jwtlib.NewParser().ParseUnverified(raw, claims)
	require.NoError(t, err)
	require.Equal(t, jwtlib.ClaimStrings{"client-1"}, claims.Audience)
	require.Equal(t, "n-0S6_WzA2Mj", claims.Nonce)
	require.Equal(t, f.now.Unix(), claims.AuthTime.Unix())
}
