// Package token issues DPoP bound access tokens, ID tokens and opaque
// refresh tokens.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jrsteele09/dpop-auth-server/internal/utils"
	"github.com/jrsteele09/dpop-auth-server/token/jwt"
	"github.com/jrsteele09/dpop-auth-server/token/refresh"
)

const ScopeOpenID = "openid"

// IssueRequest describes a grant that has passed every protocol check.
type IssueRequest struct {
	TenantID        string
	UserID          string
	SessionID       string
	SessionNotAfter time.Time
	ClientID        string
	DeviceID        string
	Scope           string
	CnfJKT          string
	Nonce           string
	AuthTime        time.Time
}

// IssuedTokens is the result of a successful grant.
type IssuedTokens = refresh.Issued

var _ refresh.Minter = (*Issuer)(nil)

// Issuer signs tokens with the tenant's ACTIVE key and starts refresh token
// families. Rotation of existing families lives in refresh.Rotator.
type Issuer struct {
	creator     *jwt.Creator
	refreshRepo refresh.Repo
	refreshTTL  time.Duration
	nowTime     func() time.Time
}

type IssuerOption func(*Issuer)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) IssuerOption {
	return func(i *Issuer) {
		i.nowTime = nowFunc
	}
}

func WithRefreshTTL(ttl time.Duration) IssuerOption {
	return func(i *Issuer) {
		i.refreshTTL = ttl
	}
}

func NewIssuer(creator *jwt.Creator, refreshRepo refresh.Repo, options ...IssuerOption) *Issuer {
	i := &Issuer{
		creator:     creator,
		refreshRepo: refreshRepo,
		refreshTTL:  30 * 24 * time.Hour,
		nowTime:     time.Now,
	}
	for _, opt := range options {
		opt(i)
	}
	return i
}

// Issue mints the access token (and ID token for openid scope), then stores
// the first refresh token of a new family. Nothing is persisted when signing
// fails.
func (i *Issuer) Issue(ctx context.Context, req IssueRequest) (*IssuedTokens, error) {
	if req.SessionID == "" {
		return nil, errors.New("[Issuer.Issue] a session is required")
	}
	grant := refresh.Grant{
		TenantID:  req.TenantID,
		UserID:    req.UserID,
		ClientID:  req.ClientID,
		SessionID: req.SessionID,
		DeviceID:  req.DeviceID,
		Scope:     req.Scope,
		CnfJKT:    req.CnfJKT,
		Nonce:     req.Nonce,
	}
	minted, err := i.mint(ctx, grant, req.AuthTime)
	if err != nil {
		return nil, fmt.Errorf("[Issuer.Issue] %w", err)
	}

	now := i.nowTime()
	raw, record, err := refresh.NewFamily(grant, now, refresh.Expiry(now, i.refreshTTL, req.SessionNotAfter))
	if err != nil {
		return nil, fmt.Errorf("[Issuer.Issue] %w", err)
	}
	if err := i.refreshRepo.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("[Issuer.Issue] store refresh token: %w", err)
	}
	return &IssuedTokens{Minted: *minted, RefreshToken: raw, Record: record}, nil
}

// Mint signs the access token and, for openid scope, the ID token.
func (i *Issuer) Mint(ctx context.Context, grant refresh.Grant) (*refresh.Minted, error) {
	minted, err := i.mint(ctx, grant, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("[Issuer.Mint] %w", err)
	}
	return minted, nil
}

func (i *Issuer) mint(ctx context.Context, grant refresh.Grant, authTime time.Time) (*refresh.Minted, error) {
	accessToken, _, err := i.creator.CreateAccessToken(ctx, jwt.AccessTokenInput{
		TenantID:  grant.TenantID,
		UserID:    grant.UserID,
		ClientID:  grant.ClientID,
		SessionID: grant.SessionID,
		Scope:     grant.Scope,
		CnfJKT:    grant.CnfJKT,
	})
	if err != nil {
		return nil, err
	}
	minted := &refresh.Minted{
		AccessToken: accessToken,
		ExpiresIn:   i.creator.AccessTokenTTL(),
		Scope:       grant.Scope,
	}
	if utils.ContainsScope(grant.Scope, ScopeOpenID) {
		minted.IDToken, err = i.creator.CreateIDToken(ctx, jwt.IDTokenInput{
			TenantID:  grant.TenantID,
			UserID:    grant.UserID,
			ClientID:  grant.ClientID,
			SessionID: grant.SessionID,
			Nonce:     grant.Nonce,
			AuthTime:  authTime,
		})
		if err != nil {
			return nil, err
		}
	}
	return minted, nil
}
