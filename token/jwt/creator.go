package jwt

import (
	"context"
	"crypto"
	"fmt"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jrsteele09/dpop-auth-server/token/keys"
)

// KeySource resolves signing and verification keys for a tenant.
type KeySource interface {
	GetActiveKey(ctx context.Context, tenantID string) (*keys.SigningKey, error)
	VerificationKey(ctx context.Context, tenantID, kid string) (crypto.PublicKey, *keys.SigningKey, error)
}

// AccessTokenInput describes the subject and binding of a new access token.
type AccessTokenInput struct {
	TenantID  string
	UserID    string
	ClientID  string
	SessionID string
	Scope     string
	CnfJKT    string
}

// IDTokenInput describes a new ID token.
type IDTokenInput struct {
	TenantID  string
	UserID    string
	ClientID  string
	SessionID string
	Nonce     string
	AuthTime  time.Time
}

// Creator handles JWT token creation (ID tokens and access tokens)
type Creator struct {
	keys      KeySource
	domain    string
	accessTTL time.Duration
	idTTL     time.Duration
	nowTime   func() time.Time
}

type CreatorOption func(*Creator)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) CreatorOption {
	return func(c *Creator) {
		c.nowTime = nowFunc
	}
}

// NewCreator creates a new JWT creator
func NewCreator(keySource KeySource, issuerDomain string, accessTTL, idTTL time.Duration, options ...CreatorOption) *Creator {
	c := &Creator{
		keys:      keySource,
		domain:    issuerDomain,
		accessTTL: accessTTL,
		idTTL:     idTTL,
		nowTime:   time.Now,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// AccessTokenTTL is the lifetime of access tokens in seconds-resolution.
func (c *Creator) AccessTokenTTL() time.Duration {
	return c.accessTTL
}

// CreateAccessToken signs an access token with the tenant's ACTIVE key.
func (c *Creator) CreateAccessToken(ctx context.Context, in AccessTokenInput) (string, *AccessClaims, error) {
	now := c.nowTime()
	issuer := Issuer(c.domain, in.TenantID)
	claims := &AccessClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    issuer,
			Subject:   in.UserID,
			Audience:  jwtlib.ClaimStrings{issuer},
			ExpiresAt: jwtlib.NewNumericDate(now.Add(c.accessTTL)),
			NotBefore: jwtlib.NewNumericDate(now),
			IssuedAt:  jwtlib.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
		Scope:     in.Scope,
		TenantID:  in.TenantID,
		ClientID:  in.ClientID,
		SessionID: in.SessionID,
		Cnf:       Confirmation{JKT: in.CnfJKT},
		Version:   SchemaVersion,
	}
	if err := claims.Validate(); err != nil {
		return "", nil, fmt.Errorf("[Creator.CreateAccessToken] %w", err)
	}
	signed, err := c.sign(ctx, in.TenantID, TypeAccessToken, claims)
	if err != nil {
		return "", nil, fmt.Errorf("[Creator.CreateAccessToken] %w", err)
	}
	return signed, claims, nil
}

// CreateIDToken creates an OpenID Connect ID token
func (c *Creator) CreateIDToken(ctx context.Context, in IDTokenInput) (string, error) {
	now := c.nowTime()
	claims := &IDClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    Issuer(c.domain, in.TenantID),
			Subject:   in.UserID,
			Audience:  jwtlib.ClaimStrings{in.ClientID},
			ExpiresAt: jwtlib.NewNumericDate(now.Add(c.idTTL)),
			IssuedAt:  jwtlib.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
		TenantID:  in.TenantID,
		SessionID: in.SessionID,
		Nonce:     in.Nonce,
		Version:   SchemaVersion,
	}
	if !in.AuthTime.IsZero() {
		claims.AuthTime = jwtlib.NewNumericDate(in.AuthTime)
	}
	signed, err := c.sign(ctx, in.TenantID, TypeIDToken, claims)
	if err != nil {
		return "", fmt.Errorf("[Creator.CreateIDToken] %w", err)
	}
	return signed, nil
}

// sign never falls back to an unsigned token: without a usable ACTIVE key the
// error propagates.
func (c *Creator) sign(ctx context.Context, tenantID, typ string, claims jwtlib.Claims) (string, error) {
	key, err := c.keys.GetActiveKey(ctx, tenantID)
	if err != nil {
		return "", err
	}
	method, err := key.SigningMethod()
	if err != nil {
		return "", err
	}
	private, err := key.PrivateKey()
	if err != nil {
		return "", err
	}

	token := jwtlib.NewWithClaims(method, claims)
	token.Header["kid"] = key.KeyID
	token.Header["typ"] = typ

	signed, err := token.SignedString(private)
	if err != nil {
		return "", fmt.Errorf("failed to sign token with key %s: %w", key.KeyID, err)
	}
	return signed, nil
}
