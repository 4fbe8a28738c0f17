package refresh

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Revocation reasons stored on revoked refresh tokens.
const (
	ReasonReuseDetected = "reuse_detected"
	ReasonRevoked       = "revoked"
)

// opaqueLength is the number of random bytes in a refresh token.
const opaqueLength = 32

// Token is the server-side record of a refresh token. The client only ever
// holds the opaque value; TokenHash is the SHA-256 hex of that value.
// Tokens issued from one grant share FamilyID and form a chain through
// ParentID/ReplacedByID.
type Token struct {
	ID            string
	TokenHash     string
	TenantID      string
	UserID        string
	ClientID      string
	DeviceID      string
	SessionID     string
	JKT           string
	FamilyID      string
	ParentID      string
	ReplacedByID  string
	Scope         string
	UsedAt        *time.Time
	ExpiresAt     time.Time
	CreatedAt     time.Time
	Revoked       bool
	RevokedReason string
}

func (t *Token) Clone() *Token {
	c := *t
	if t.UsedAt != nil {
		u := *t.UsedAt
		c.UsedAt = &u
	}
	return &c
}

// NewOpaque returns a new random refresh token and its storage hash.
func NewOpaque() (raw string, hash string, err error) {
	b := make([]byte, opaqueLength)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("failed to generate refresh token: %w", err)
	}
	raw = base64.RawURLEncoding.EncodeToString(b)
	return raw, Hash(raw), nil
}

// Hash is the lookup key of a raw refresh token.
func Hash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// NewFamily creates the first token of a new family for grant. The caller
// stores it with Repo.Create and hands raw to the client.
func NewFamily(grant Grant, now, expiresAt time.Time) (raw string, token *Token, err error) {
	raw, hash, err := NewOpaque()
	if err != nil {
		return "", nil, err
	}
	return raw, &Token{
		ID:        uuid.NewString(),
		TokenHash: hash,
		TenantID:  grant.TenantID,
		UserID:    grant.UserID,
		ClientID:  grant.ClientID,
		DeviceID:  grant.DeviceID,
		SessionID: grant.SessionID,
		JKT:       grant.CnfJKT,
		FamilyID:  uuid.NewString(),
		Scope:     grant.Scope,
		ExpiresAt: expiresAt,
		CreatedAt: now,
	}, nil
}

// Expiry caps a refresh token lifetime at the end of its session.
func Expiry(now time.Time, ttl time.Duration, notAfter time.Time) time.Time {
	exp := now.Add(ttl)
	if !notAfter.IsZero() && notAfter.Before(exp) {
		return notAfter
	}
	return exp
}
