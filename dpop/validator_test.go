package dpop_test

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jrsteele09/dpop-auth-server/dpop"
	"github.com/jrsteele09/dpop-auth-server/dpop/dpoptest"
	"github.com/jrsteele09/dpop-auth-server/internal/metrics"
	"github.com/jrsteele09/dpop-auth-server/oauthmodel"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

const (
	testTenantID = "tenant-1"
	tokenURL     = "https://auth.example.com/oauth/token"
)

type testFixture struct {
	validator *dpop.Validator
	replay    *dpop.InMemoryReplayStore
	metrics   *metrics.Metrics
	key       *dpoptest.Key
	now       time.Time
}

func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()
	f := &testFixture{
		metrics: metrics.New(),
		now:     time.Now().Truncate(time.Second),
	}
	clock := func() time.Time { return f.now }
	f.replay = dpop.NewInMemoryReplayStore(dpop.WithReplayNowTime(clock))
	f.validator = dpop.NewValidator(f.replay,
		dpop.WithNowTime(clock),
		dpop.WithMaxSkew(60*time.Second),
		dpop.WithMetrics(f.metrics),
	)
	key, err := dpoptest.NewES256Key()
	require.NoError(t, err)
	f.key = key
	return f
}

func (f *testFixture) request(proof string) dpop.ProofRequest {
	return dpop.ProofRequest{TenantID: testTenantID, Proof: proof, Method: "POST", URL: tokenURL}
}

func TestValidateAcceptsProof(t *testing.T) {
	ctx := context.Background()

	t.Run("ES256", func(t *testing.T) {
		f := setupTestFixture(t)
		proof := f.key.MustProof("POST", tokenURL, dpoptest.WithIssuedAt(f.now))
		got, err := f.validator.Validate(ctx, f.request(proof))
		require.NoError(t, err)
		require.Equal(t, f.key.JKT, got.JKT)
		require.Equal(t, tokenURL, got.URL)
	})

	t.Run("EdDSA", func(t *testing.T) {
		f := setupTestFixture(t)
		key, err := dpoptest.NewEdDSAKey()
		require.NoError(t, err)
		proof := key.MustProof("POST", tokenURL, dpoptest.WithIssuedAt(f.now))
		got, err := f.validator.Validate(ctx, f.request(proof))
		require.NoError(t, err)
		require.Equal(t, key.JKT, got.JKT)
	})

	t.Run("htu differs only in canonical form", func(t *testing.T) {
		f := setupTestFixture(t)
		proof := f.key.MustProof("POST", "HTTPS://Auth.Example.com:443/oauth/token#frag", dpoptest.WithIssuedAt(f.now))
		_, err := f.validator.Validate(ctx, f.request(proof))
		require.NoError(t, err)
	})

	t.Run("htu query is order independent", func(t *testing.T) {
		f := setupTestFixture(t)
		proof := f.key.MustProof("POST", tokenURL+"?tenant_id=tenant-1&a=b", dpoptest.WithIssuedAt(f.now))
		req := f.request(proof)
		req.URL = tokenURL + "?a=b&tenant_id=tenant-1"
		_, err := f.validator.Validate(ctx, req)
		require.NoError(t, err)
	})

	t.Run("ath matches access token", func(t *testing.T) {
		f := setupTestFixture(t)
		proof := f.key.MustProof("POST", tokenURL, dpoptest.WithIssuedAt(f.now), dpoptest.WithAccessToken("access-token"))
		req := f.request(proof)
		req.AccessToken = "access-token"
		_, err := f.validator.Validate(ctx, req)
		require.NoError(t, err)
	})
}

func TestValidateRejects(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		proof  func(f *testFixture) string
		modify func(req *dpop.ProofRequest)
	}{
		{
			name:  "missing proof",
			proof: func(f *testFixture) string { return "" },
		},
		{
			name:  "garbage",
			proof: func(f *testFixture) string { return "abc.def.ghi" },
		},
		{
			name: "wrong typ",
			proof: func(f *testFixture) string {
				return f.key.MustProof("POST", tokenURL, dpoptest.WithIssuedAt(f.now), dpoptest.WithType("JWT"))
			},
		},
		{
			name: "private key in header",
			proof: func(f *testFixture) string {
				return f.key.MustProof("POST", tokenURL, dpoptest.WithIssuedAt(f.now), dpoptest.WithPrivateJWK())
			},
		},
		{
			name: "crit header",
			proof: func(f *testFixture) string {
				return f.key.MustProof("POST", tokenURL, dpoptest.WithIssuedAt(f.now), dpoptest.WithHeader("crit", []string{"exp"}))
			},
		},
		{
			name: "method mismatch",
			proof: func(f *testFixture) string {
				return f.key.MustProof("GET", tokenURL, dpoptest.WithIssuedAt(f.now))
			},
		},
		{
			name: "url mismatch",
			proof: func(f *testFixture) string {
				return f.key.MustProof("POST", "https://auth.example.com/oauth/revoke", dpoptest.WithIssuedAt(f.now))
			},
		},
		{
			name: "query mismatch",
			proof: func(f *testFixture) string {
				return f.key.MustProof("POST", tokenURL+"?tenant_id=tenant-2", dpoptest.WithIssuedAt(f.now))
			},
			modify: func(req *dpop.ProofRequest) { req.URL = tokenURL + "?tenant_id=" + testTenantID },
		},
		{
			name: "iat too old",
			proof: func(f *testFixture) string {
				return f.key.MustProof("POST", tokenURL, dpoptest.WithIssuedAt(f.now.Add(-61*time.Second)))
			},
		},
		{
			name: "iat in the future",
			proof: func(f *testFixture) string {
				return f.key.MustProof("POST", tokenURL, dpoptest.WithIssuedAt(f.now.Add(61*time.Second)))
			},
		},
		{
			name: "missing ath",
			proof: func(f *testFixture) string {
				return f.key.MustProof("POST", tokenURL, dpoptest.WithIssuedAt(f.now))
			},
			modify: func(req *dpop.ProofRequest) { req.AccessToken = "access-token" },
		},
		{
			name: "ath for another token",
			proof: func(f *testFixture) string {
				return f.key.MustProof("POST", tokenURL, dpoptest.WithIssuedAt(f.now), dpoptest.WithAccessToken("other"))
			},
			modify: func(req *dpop.ProofRequest) { req.AccessToken = "access-token" },
		},
		{
			name: "tampered signature",
			proof: func(f *testFixture) string {
				proof := f.key.MustProof("POST", tokenURL, dpoptest.WithIssuedAt(f.now))
				other := f.key.MustProof("POST", tokenURL, dpoptest.WithIssuedAt(f.now))
				return proof[:strings.LastIndex(proof, ".")] + other[strings.LastIndex(other, "."):]
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupTestFixture(t)
			req := f.request(tt.proof(f))
			if tt.modify != nil {
				tt.modify(&req)
			}
			_, err := f.validator.Validate(ctx, req)
			require.ErrorIs(t, err, oauthmodel.ErrInvalidDPoPProof)
			require.Zero(t, f.replay.Len(), "rejected proofs are not recorded")
		})
	}
}

func TestValidateRejectsReplay(t *testing.T) {
	ctx := context.Background()
	f := setupTestFixture(t)
	proof := f.key.MustProof("POST", tokenURL, dpoptest.WithIssuedAt(f.now))

	_, err := f.validator.Validate(ctx, f.request(proof))
	require.NoError(t, err)
	_, err = f.validator.Validate(ctx, f.request(proof))
	require.ErrorIs(t, err, oauthmodel.ErrInvalidDPoPProof)

	// a freshly signed proof reusing the jti is still a replay
	resigned := f.key.MustProof("POST", tokenURL, dpoptest.WithIssuedAt(f.now.Add(time.Second)), dpoptest.WithJTI("jti-shared"))
	_, err = f.validator.Validate(ctx, f.request(resigned))
	require.NoError(t, err)
	resigned = f.key.MustProof("POST", tokenURL, dpoptest.WithIssuedAt(f.now.Add(2*time.Second)), dpoptest.WithJTI("jti-shared"))
	_, err = f.validator.Validate(ctx, f.request(resigned))
	require.ErrorIs(t, err, oauthmodel.ErrInvalidDPoPProof)

	// the same jti under another key is a different record
	other, err := dpoptest.NewES256Key()
	require.NoError(t, err)
	_, err = f.validator.Validate(ctx, f.request(other.MustProof("POST", tokenURL, dpoptest.WithIssuedAt(f.now), dpoptest.WithJTI("jti-shared"))))
	require.NoError(t, err)

	expected := `
# HELP dpop_auth_dpop_proofs_rejected_total DPoP proofs rejected, by reason.
# TYPE dpop_auth_dpop_proofs_rejected_total counter
dpop_auth_dpop_proofs_rejected_total{reason="replay"} 2
`
	require.NoError(t, testutil.GatherAndCompare(f.metrics.Registry(), strings.NewReader(expected), "dpop_auth_dpop_proofs_rejected_total"))
}

func TestConcurrentReplayHasOneWinner(t *testing.T) {
	ctx := context.Background()
	f := setupTestFixture(t)
	proof := f.key.MustProof("POST", tokenURL, dpoptest.WithIssuedAt(f.now))

	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
	)
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.validator.Validate(ctx, f.request(proof)); err == nil {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), accepted.Load())
}

func TestReplayStores(t *testing.T) {
	ctx := context.Background()
	record := dpop.ReplayRecord{TenantID: testTenantID, JKT: "jkt", JTI: "jti-1", IssuedAt: time.Now()}

	t.Run("memory expires and sweeps", func(t *testing.T) {
		now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		store := dpop.NewInMemoryReplayStore(dpop.WithReplayNowTime(func() time.Time { return now }))

		require.NoError(t, store.Record(ctx, record, 2*time.Minute))
		require.ErrorIs(t, store.Record(ctx, record, 2*time.Minute), dpop.ErrReplay)

		now = now.Add(2 * time.Minute)
		removed, err := store.Sweep(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, removed)
		require.NoError(t, store.Record(ctx, record, 2*time.Minute))
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		store := dpop.NewRedisReplayStore(client, "test:dpop:")

		require.NoError(t, store.Record(ctx, record, 2*time.Minute))
		require.ErrorIs(t, store.Record(ctx, record, 2*time.Minute), dpop.ErrReplay)

		other := record
		other.JTI = "jti-2"
		require.NoError(t, store.Record(ctx, other, 2*time.Minute))

		mr.FastForward(2 * time.Minute)
		require.NoError(t, store.Record(ctx, record, 2*time.Minute))
	})

	t.Run("redis unavailable is a server error", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		mr.Close()

		v := dpop.NewValidator(dpop.NewRedisReplayStore(client, "test:dpop:"))
		key, err := dpoptest.NewES256Key()
		require.NoError(t, err)
		_, err = v.Validate(ctx, dpop.ProofRequest{
			TenantID: testTenantID, Proof: key.MustProof("POST", tokenURL), Method: "POST", URL: tokenURL,
		})
		require.ErrorIs(t, err, oauthmodel.ErrServerError)
	})
}

func TestCanonicalURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://auth.example.com/oauth/token", "https://auth.example.com/oauth/token"},
		{"HTTPS://AUTH.example.COM/oauth/token", "https://auth.example.com/oauth/token"},
		{"https://auth.example.com:443/oauth/token", "https://auth.example.com/oauth/token"},
		{"http://localhost:80/oauth/token", "http://localhost/oauth/token"},
		{"http://localhost:8080/oauth/token?x=1#frag", "http://localhost:8080/oauth/token?x=1"},
		{"https://auth.example.com/oauth/token?tenant_id=tenant-1", "https://auth.example.com/oauth/token?tenant_id=tenant-1"},
		{"https://auth.example.com/oauth/token?b=2&a=1", "https://auth.example.com/oauth/token?a=1&b=2"},
		{"https://auth.example.com", "https://auth.example.com/"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := dpop.CanonicalURL(tt.in)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}

	_, err := dpop.CanonicalURL("/oauth/token")
	require.Error(t, err)
	_, err = dpop.CanonicalURL("https://auth.example.com/oauth/token?a=%zz")
	require.Error(t, err)
}
