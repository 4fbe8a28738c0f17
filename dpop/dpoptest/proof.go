// Package dpoptest builds DPoP proofs for tests.
package dpoptest

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jrsteele09/dpop-auth-server/dpop"
	"github.com/jrsteele09/dpop-auth-server/token/keys"
)

// Key is a client DPoP key pair.
type Key struct {
	private crypto.Signer
	alg     string
	jwk     map[string]any
	JKT     string
}

func NewES256Key() (*Key, error) {
	private, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return newKey(private, keys.ES256)
}

func NewEdDSAKey() (*Key, error) {
	_, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return newKey(private, keys.EdDSA)
}

func newKey(private crypto.Signer, alg string) (*Key, error) {
	data, err := (&jose.JSONWebKey{Key: private.Public()}).MarshalJSON()
	if err != nil {
		return nil, err
	}
	jwk := make(map[string]any)
	if err := json.Unmarshal(data, &jwk); err != nil {
		return nil, err
	}
	jkt, err := keys.Thumbprint(private.Public())
	if err != nil {
		return nil, err
	}
	return &Key{private: private, alg: alg, jwk: jwk, JKT: jkt}, nil
}

type proofParams struct {
	iat         time.Time
	jti         string
	typ         string
	accessToken string
	extraHeader map[string]any
	privateJWK  bool
}

type ProofOption func(*proofParams)

func WithIssuedAt(t time.Time) ProofOption {
	return func(p *proofParams) { p.iat = t }
}

func WithJTI(jti string) ProofOption {
	return func(p *proofParams) { p.jti = jti }
}

func WithType(typ string) ProofOption {
	return func(p *proofParams) { p.typ = typ }
}

// WithAccessToken adds the ath claim for the token.
func WithAccessToken(token string) ProofOption {
	return func(p *proofParams) { p.accessToken = token }
}

func WithHeader(name string, value any) ProofOption {
	return func(p *proofParams) { p.extraHeader[name] = value }
}

// WithPrivateJWK embeds the private key in the header, which servers must refuse.
func WithPrivateJWK() ProofOption {
	return func(p *proofParams) { p.privateJWK = true }
}

// Proof signs a proof for method and url.
func (k *Key) Proof(method, url string, opts ...ProofOption) (string, error) {
	p := &proofParams{
		iat:         time.Now(),
		jti:         uuid.NewString(),
		typ:         dpop.TypeProof,
		extraHeader: make(map[string]any),
	}
	for _, opt := range opts {
		opt(p)
	}

	claims := dpop.Claims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			ID:       p.jti,
			IssuedAt: jwtlib.NewNumericDate(p.iat),
		},
		HTM: method,
		HTU: url,
	}
	if p.accessToken != "" {
		claims.ATH = dpop.AccessTokenHash(p.accessToken)
	}

	signingMethod := jwtlib.GetSigningMethod(k.alg)
	if signingMethod == nil {
		return "", fmt.Errorf("unknown alg %s", k.alg)
	}
	token := jwtlib.NewWithClaims(signingMethod, claims)
	token.Header["typ"] = p.typ
	token.Header["jwk"] = k.jwk
	if p.privateJWK {
		data, err := (&jose.JSONWebKey{Key: k.private}).MarshalJSON()
		if err != nil {
			return "", err
		}
		private := make(map[string]any)
		if err := json.Unmarshal(data, &private); err != nil {
			return "", err
		}
		token.Header["jwk"] = private
	}
	for name, value := range p.extraHeader {
		token.Header[name] = value
	}
	return token.SignedString(k.private)
}

// MustProof is Proof for tests that cannot fail.
func (k *Key) MustProof(method, url string, opts ...ProofOption) string {
	proof, err := k.Proof(method, url, opts...)
	if err != nil {
		panic(err)
	}
	return proof
}
