package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

// JWT algorithms (string values used in JWKs and headers)
const (
	ES256 = "ES256"
	EdDSA = "EdDSA"
)

// Status is the lifecycle state of a signing key.
// ACTIVE -> ROLLED_OVER (on rotation) -> EXPIRED (at ExpiresAt).
type Status string

const (
	StatusActive     Status = "ACTIVE"
	StatusRolledOver Status = "ROLLED_OVER"
	StatusExpired    Status = "EXPIRED"
)

// SigningKey is a tenant's asymmetric signing key and its lifecycle state.
type SigningKey struct {
	KeyID         string     `json:"kid"`
	TenantID      string     `json:"tenant_id"`
	Algorithm     string     `json:"alg"`
	Status        Status     `json:"status"`
	PublicKeyJWK  string     `json:"public_key_jwk"`
	PrivateKeyPEM string     `json:"-"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	RolledOverAt  *time.Time `json:"rolled_over_at,omitempty"`
}

// Clone returns a copy that shares no pointers with k.
func (k *SigningKey) Clone() *SigningKey {
	c := *k
	if k.RolledOverAt != nil {
		t := *k.RolledOverAt
		c.RolledOverAt = &t
	}
	return &c
}

// VerifiableAt reports whether tokens signed by this key may still be verified.
func (k *SigningKey) VerifiableAt(now time.Time) bool {
	if k.Status != StatusActive && k.Status != StatusRolledOver {
		return false
	}
	return now.Before(k.ExpiresAt)
}

// SigningMethod returns the JWT signing method for this key
func (k *SigningKey) SigningMethod() (jwt.SigningMethod, error) {
	switch k.Algorithm {
	case ES256:
		return jwt.SigningMethodES256, nil
	case EdDSA:
		return jwt.SigningMethodEdDSA, nil
	}
	return nil, fmt.Errorf("unsupported signing algorithm %q", k.Algorithm)
}

// PrivateKey decodes the PKCS#8 private key material.
func (k *SigningKey) PrivateKey() (crypto.Signer, error) {
	block, _ := pem.Decode([]byte(k.PrivateKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block for key %s", k.KeyID)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key %s: %w", k.KeyID, err)
	}
	signer, ok := parsed.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("private key %s is not a signer", k.KeyID)
	}
	return signer, nil
}

// JWK decodes the stored public JWK.
func (k *SigningKey) JWK() (jose.JSONWebKey, error) {
	var jwk jose.JSONWebKey
	if err := jwk.UnmarshalJSON([]byte(k.PublicKeyJWK)); err != nil {
		return jose.JSONWebKey{}, fmt.Errorf("failed to parse public JWK %s: %w", k.KeyID, err)
	}
	return jwk, nil
}

// PublicKey returns the verification key in the form golang-jwt expects.
func (k *SigningKey) PublicKey() (crypto.PublicKey, error) {
	jwk, err := k.JWK()
	if err != nil {
		return nil, err
	}
	return jwk.Key, nil
}

// GenerateSigningKey creates new key material for tenantID. The key id is the
// RFC 7638 thumbprint of the public key.
func GenerateSigningKey(tenantID, algorithm string, now time.Time, lifetime time.Duration) (*SigningKey, error) {
	var private crypto.Signer
	switch algorithm {
	case ES256:
		k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate P-256 key: %w", err)
		}
		private = k
	case EdDSA:
		_, k, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate Ed25519 key: %w", err)
		}
		private = k
	default:
		return nil, fmt.Errorf("unsupported signing algorithm %q", algorithm)
	}

	kid, err := Thumbprint(private.Public())
	if err != nil {
		return nil, err
	}

	der, err := x509.MarshalPKCS8PrivateKey(private)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	privatePEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	jwk := jose.JSONWebKey{
		Key:       private.Public(),
		KeyID:     kid,
		Algorithm: algorithm,
		Use:       "sig",
	}
	jwkJSON, err := json.Marshal(jwk)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public JWK: %w", err)
	}

	return &SigningKey{
		KeyID:         kid,
		TenantID:      tenantID,
		Algorithm:     algorithm,
		Status:        StatusActive,
		PublicKeyJWK:  string(jwkJSON),
		PrivateKeyPEM: string(privatePEM),
		CreatedAt:     now,
		ExpiresAt:     now.Add(lifetime),
	}, nil
}

// Thumbprint is the base64url RFC 7638 SHA-256 thumbprint of a public key.
func Thumbprint(public crypto.PublicKey) (string, error) {
	tp, err := (&jose.JSONWebKey{Key: public}).Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(tp), nil
}
