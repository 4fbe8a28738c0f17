package users

import (
	"context"
	"fmt"
	"strings"

	autherrors "github.com/jrsteele09/dpop-auth-server/internal/errors"
	"github.com/rs/zerolog/log"
)

// dummyHash keeps the failure path as slow as a real comparison when the
// account does not exist.
const dummyHash = "$2a$10$7EqJtq98hPqEX7fNZaFWoOhi5BWX4Z6Ul6Z3QW6N1kz8S1m0mYb2u"

// PasswordVerifier checks a username (or email) and password against the
// user repo.
type PasswordVerifier struct {
	repo UserRepo
}

func NewPasswordVerifier(repo UserRepo) *PasswordVerifier {
	return &PasswordVerifier{repo: repo}
}

// VerifyCredentials returns the user id and true when the credentials are
// valid for tenantID. Wrong credentials are not an error; repo failures are.
func (v *PasswordVerifier) VerifyCredentials(ctx context.Context, tenantID, username, password string) (string, bool, error) {
	if username == "" || password == "" {
		return "", false, nil
	}
	user, err := v.lookup(ctx, username)
	if autherrors.Is(err, autherrors.ErrNotFound) {
		CheckPasswordHash(password, dummyHash)
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("[PasswordVerifier.VerifyCredentials] %w", err)
	}
	if !CheckPasswordHash(password, user.PasswordHash) {
		return "", false, nil
	}
	if !user.CanSignIn(tenantID) {
		log.Info().Str("tenant_id", tenantID).Str("user_id", user.ID).Msg("sign in refused for account state")
		return "", false, nil
	}
	return user.ID, true, nil
}

func (v *PasswordVerifier) lookup(ctx context.Context, username string) (*User, error) {
	if strings.Contains(username, "@") {
		return v.repo.GetByEmail(ctx, username)
	}
	return v.repo.GetByUsername(ctx, username)
}
