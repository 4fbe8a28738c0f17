package server

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/jrsteele09/dpop-auth-server/clients"
	autherrors "github.com/jrsteele09/dpop-auth-server/internal/errors"
	"github.com/jrsteele09/dpop-auth-server/tenants"
	"github.com/jrsteele09/dpop-auth-server/token/keys"
	"github.com/jrsteele09/dpop-auth-server/users"
	"github.com/rs/zerolog/log"
)

const (
	// Public client seeded into every bootstrap tenant
	PublicClientID            = "oauth-client"
	PublicClientDescription   = "OAuth Public Client"
	DefaultSuperAdminUsername = "admin"
)

// BootstrapRepos are the stores seeded at start-up.
type BootstrapRepos struct {
	Tenants tenants.Repo
	Clients clients.Repo
	Users   users.UserRepo
	Keys    *keys.KeyStore
}

// Bootstrap makes sure every tenant in tenantIDs exists, has a public PKCE
// client and an ACTIVE signing key. An admin user belonging to all of them is
// created on first start and its generated password is logged once.
func Bootstrap(ctx context.Context, baseURL string, tenantIDs []string, repos BootstrapRepos) error {
	if len(tenantIDs) == 0 {
		log.Info().Msg("bootstrap: no tenants configured")
		return nil
	}

	for _, id := range tenantIDs {
		if err := ensureTenant(ctx, repos.Tenants, id); err != nil {
			return fmt.Errorf("[Bootstrap] tenant %s: %w", id, err)
		}
		if err := ensurePublicClient(ctx, repos.Clients, id, baseURL); err != nil {
			return fmt.Errorf("[Bootstrap] client for %s: %w", id, err)
		}
		key, err := repos.Keys.EnsureActiveKey(ctx, id)
		if err != nil {
			return fmt.Errorf("[Bootstrap] signing key for %s: %w", id, err)
		}
		log.Info().Str("tenant_id", id).Str("kid", key.KeyID).Str("alg", key.Algorithm).Msg("bootstrap: tenant ready")
	}

	email := generateEmailFromBaseURL(DefaultSuperAdminUsername, baseURL)
	generatedPassword, err := ensureSuperAdmin(ctx, repos.Users, email, tenantIDs)
	if err != nil {
		return fmt.Errorf("[Bootstrap] super admin: %w", err)
	}
	if generatedPassword != "" {
		log.Warn().
			Str("email", email).
			Str("password", generatedPassword).
			Strs("tenants", tenantIDs).
			Msg("bootstrap: super admin created, save this password, it will not be displayed again")
	}
	return nil
}

func ensureTenant(ctx context.Context, repo tenants.Repo, id string) error {
	_, err := repo.Get(ctx, id)
	if err == nil {
		return nil
	}
	if !autherrors.Is(err, autherrors.ErrNotFound) {
		return err
	}
	return repo.Upsert(ctx, &tenants.Tenant{
		ID:        id,
		Name:      id,
		Active:    true,
		CreatedAt: time.Now(),
	})
}

func ensurePublicClient(ctx context.Context, repo clients.Repo, tenantID, baseURL string) error {
	_, err := repo.Get(ctx, tenantID, PublicClientID)
	if err == nil {
		return nil
	}
	if !autherrors.Is(err, autherrors.ErrNotFound) {
		return err
	}
	return repo.Upsert(ctx, &clients.Client{
		ID:           PublicClientID,
		TenantID:     tenantID,
		Type:         clients.ClientTypePublic,
		Description:  PublicClientDescription,
		RedirectURIs: []string{strings.TrimSuffix(baseURL, "/") + "/callback"},
		Scopes:       []string{"openid", "profile", "email", "offline_access"},
	})
}

// ensureSuperAdmin returns the generated password when the user was created.
func ensureSuperAdmin(ctx context.Context, repo users.UserRepo, email string, tenantIDs []string) (string, error) {
	existing, err := repo.GetByEmail(ctx, email)
	if err == nil {
		// add memberships for tenants configured since the first start
		changed := false
		for _, id := range tenantIDs {
			if !existing.HasTenant(id) {
				existing.Tenants = append(existing.Tenants, users.TenantMembership{TenantID: id, JoinedAt: time.Now()})
				changed = true
			}
		}
		if changed {
			return "", repo.Upsert(ctx, existing)
		}
		return "", nil
	}
	if !autherrors.Is(err, autherrors.ErrNotFound) {
		return "", err
	}

	password, err := generatePassword()
	if err != nil {
		return "", err
	}
	hash, err := users.HashPassword(password)
	if err != nil {
		return "", err
	}
	now := time.Now()
	memberships := make([]users.TenantMembership, 0, len(tenantIDs))
	for _, id := range tenantIDs {
		memberships = append(memberships, users.TenantMembership{TenantID: id, JoinedAt: now})
	}
	err = repo.Upsert(ctx, &users.User{
		Email:        email,
		Username:     DefaultSuperAdminUsername,
		PasswordHash: hash,
		DateJoined:   now,
		Tenants:      memberships,
		Verified:     true,
	})
	if err != nil {
		return "", err
	}
	return password, nil
}

func generatePassword() (string, error) {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// generateEmailFromBaseURL builds user@host from the public base URL
func generateEmailFromBaseURL(user, baseURL string) string {
	host := strings.TrimPrefix(strings.TrimPrefix(baseURL, "https://"), "http://")
	host, _, _ = strings.Cut(host, "/")
	host, _, _ = strings.Cut(host, ":")
	if host == "" || !strings.Contains(host, ".") {
		host = "localhost.local"
	}
	return user + "@" + host
}
