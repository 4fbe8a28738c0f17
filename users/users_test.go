package users_test

import (
	"context"
	"testing"

	autherrors "github.com/jrsteele09/dpop-auth-server/internal/errors"
	"github.com/jrsteele09/dpop-auth-server/users"
	"github.com/stretchr/testify/require"
)

const (
	testTenantID     = "tenant-1"
	testUserEmail    = "john.doe@example.com"
	testUserPassword = "password123"
)

type testFixture struct {
	repo     *users.InMemoryRepo
	verifier *users.PasswordVerifier
	user     *users.User
}

func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()
	repo := users.NewInMemoryRepo()
	hash, err := users.HashPassword(testUserPassword)
	require.NoError(t, err)
	user := &users.User{
		Email:        testUserEmail,
		Username:     "jdoe",
		PasswordHash: hash,
		Verified:     true,
		Tenants:      []users.TenantMembership{{TenantID: testTenantID}},
	}
	require.NoError(t, repo.Upsert(context.Background(), user))
	require.NotEmpty(t, user.ID)
	return &testFixture{repo: repo, verifier: users.NewPasswordVerifier(repo), user: user}
}

func TestPasswordVerifier(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		tenantID string
		username string
		password string
		prepare  func(t *testing.T, f *testFixture)
		wantOK   bool
	}{
		{name: "email", tenantID: testTenantID, username: testUserEmail, password: testUserPassword, wantOK: true},
		{name: "email case insensitive", tenantID: testTenantID, username: "John.Doe@example.com", password: testUserPassword, wantOK: true},
		{name: "username", tenantID: testTenantID, username: "jdoe", password: testUserPassword, wantOK: true},
		{name: "wrong password", tenantID: testTenantID, username: "jdoe", password: "nope"},
		{name: "unknown user", tenantID: testTenantID, username: "ghost", password: testUserPassword},
		{name: "other tenant", tenantID: "tenant-2", username: "jdoe", password: testUserPassword},
		{name: "empty password", tenantID: testTenantID, username: "jdoe"},
		{
			name: "blocked", tenantID: testTenantID, username: "jdoe", password: testUserPassword,
			prepare: func(t *testing.T, f *testFixture) {
				require.NoError(t, f.repo.SetBlocked(ctx, f.user.ID, true))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupTestFixture(t)
			if tt.prepare != nil {
				tt.prepare(t, f)
			}
			userID, ok, err := f.verifier.VerifyCredentials(ctx, tt.tenantID, tt.username, tt.password)
			require.NoError(t, err)
			require.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				require.Equal(t, f.user.ID, userID)
			} else {
				require.Empty(t, userID)
			}
		})
	}
}

func TestRepoReindexesOnUpsert(t *testing.T) {
	ctx := context.Background()
	f := setupTestFixture(t)

	updated := *f.user
	updated.Email = "jane@example.com"
	require.NoError(t, f.repo.Upsert(ctx, &updated))

	_, err := f.repo.GetByEmail(ctx, testUserEmail)
	require.ErrorIs(t, err, autherrors.ErrNotFound)
	got, err := f.repo.GetByEmail(ctx, "jane@example.com")
	require.NoError(t, err)
	require.Equal(t, f.user.ID, got.ID)

	require.NoError(t, f.repo.Delete(ctx, f.user.ID))
	_, err = f.repo.GetByUsername(ctx, "jdoe")
	require.ErrorIs(t, err, autherrors.ErrNotFound)
}
