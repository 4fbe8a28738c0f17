// Package dpop validates DPoP proofs (RFC 9449) and guards against their
// replay.
package dpop

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/jrsteele09/dpop-auth-server/internal/metrics"
	"github.com/jrsteele09/dpop-auth-server/oauthmodel"
	"github.com/jrsteele09/dpop-auth-server/token/keys"
	"github.com/rs/zerolog/log"
)

// TypeProof is the required typ header of a DPoP proof.
const TypeProof = "dpop+jwt"

// Rejection reasons, used as the metrics label.
const (
	reasonMalformed = "malformed"
	reasonHeader    = "header"
	reasonSignature = "signature"
	reasonClaims    = "claims"
	reasonMethod    = "htm"
	reasonURL       = "htu"
	reasonIssuedAt  = "iat"
	reasonReplay    = "replay"
	reasonATH       = "ath"
	reasonStorage   = "storage"
)

// Claims is the payload of a DPoP proof.
type Claims struct {
	jwtlib.RegisteredClaims
	HTM   string `json:"htm"`
	HTU   string `json:"htu"`
	ATH   string `json:"ath,omitempty"`
	Nonce string `json:"nonce,omitempty"`
}

// ProofRequest is one proof and the request it arrived with.
type ProofRequest struct {
	TenantID    string
	Proof       string
	Method      string
	URL         string
	AccessToken string // when set the proof must carry a matching ath
}

// Proof is a validated DPoP proof.
type Proof struct {
	JKT      string
	JTI      string
	IssuedAt time.Time
	Method   string
	URL      string
}

// Validator checks DPoP proofs and records them in a ReplayStore.
type Validator struct {
	replay  ReplayStore
	maxSkew time.Duration
	metrics *metrics.Metrics
	nowTime func() time.Time
}

type ValidatorOption func(*Validator)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) ValidatorOption {
	return func(v *Validator) {
		v.nowTime = nowFunc
	}
}

// WithMaxSkew bounds how far iat may be from now in either direction. Replay
// records are kept for twice this long.
func WithMaxSkew(skew time.Duration) ValidatorOption {
	return func(v *Validator) {
		v.maxSkew = skew
	}
}

func WithMetrics(m *metrics.Metrics) ValidatorOption {
	return func(v *Validator) {
		v.metrics = m
	}
}

func NewValidator(replay ReplayStore, options ...ValidatorOption) *Validator {
	v := &Validator{
		replay:  replay,
		maxSkew: 60 * time.Second,
		nowTime: time.Now,
	}
	for _, opt := range options {
		opt(v)
	}
	return v
}

// ReplayTTL is how long an accepted proof is remembered.
func (v *Validator) ReplayTTL() time.Duration {
	return 2 * v.maxSkew
}

// Validate verifies the proof and records it. Every failure is reported as
// invalid_dpop_proof; storage failures are server errors.
func (v *Validator) Validate(ctx context.Context, req ProofRequest) (*Proof, error) {
	if strings.TrimSpace(req.Proof) == "" {
		return nil, v.reject(req, reasonMalformed, "DPoP proof is required")
	}

	var jkt string
	claims := &Claims{}
	parser := jwtlib.NewParser(
		jwtlib.WithValidMethods([]string{keys.ES256, keys.EdDSA}),
		jwtlib.WithoutClaimsValidation(),
	)
	_, err := parser.ParseWithClaims(req.Proof, claims, func(t *jwtlib.Token) (any, error) {
		if typ, _ := t.Header["typ"].(string); typ != TypeProof {
			return nil, fmt.Errorf("typ must be %s", TypeProof)
		}
		if _, ok := t.Header["crit"]; ok {
			return nil, errors.New("crit header is not supported")
		}
		public, thumbprint, err := embeddedKey(t)
		if err != nil {
			return nil, err
		}
		jkt = thumbprint
		return public, nil
	})
	if err != nil {
		reason := reasonSignature
		switch {
		case errors.Is(err, jwtlib.ErrTokenMalformed):
			reason = reasonMalformed
		case jkt == "":
			reason = reasonHeader
		}
		return nil, v.rejectErr(req, reason, "DPoP proof could not be verified", err)
	}

	if claims.ID == "" || claims.IssuedAt == nil || claims.HTM == "" || claims.HTU == "" {
		return nil, v.reject(req, reasonClaims, "DPoP proof must carry jti, iat, htm and htu")
	}
	if claims.HTM != req.Method {
		return nil, v.reject(req, reasonMethod, "htm does not match the request method")
	}
	wantURL, err := CanonicalURL(req.URL)
	if err != nil {
		return nil, v.rejectErr(req, reasonURL, "request URL cannot be canonicalized", err)
	}
	gotURL, err := CanonicalURL(claims.HTU)
	if err != nil || gotURL != wantURL {
		return nil, v.reject(req, reasonURL, "htu does not match the request URL")
	}

	now := v.nowTime()
	iat := claims.IssuedAt.Time
	if iat.Before(now.Add(-v.maxSkew)) || iat.After(now.Add(v.maxSkew)) {
		return nil, v.reject(req, reasonIssuedAt, "DPoP proof iat is outside the accepted window")
	}

	if req.AccessToken != "" {
		if claims.ATH == "" || subtle.ConstantTimeCompare([]byte(claims.ATH), []byte(AccessTokenHash(req.AccessToken))) != 1 {
			return nil, v.reject(req, reasonATH, "ath does not match the access token")
		}
	}

	err = v.replay.Record(ctx, ReplayRecord{TenantID: req.TenantID, JKT: jkt, JTI: claims.ID, IssuedAt: iat}, v.ReplayTTL())
	if errors.Is(err, ErrReplay) {
		log.Warn().Str("tenant_id", req.TenantID).Str("jkt", jkt).Str("jti", claims.ID).Msg("DPoP proof replay rejected")
		return nil, v.reject(req, reasonReplay, "DPoP proof has already been used")
	}
	if err != nil {
		v.metrics.ProofRejected(reasonStorage)
		return nil, oauthmodel.ServerError(fmt.Errorf("[Validator.Validate] record proof: %w", err))
	}

	return &Proof{
		JKT:      jkt,
		JTI:      claims.ID,
		IssuedAt: iat,
		Method:   claims.HTM,
		URL:      gotURL,
	}, nil
}

func (v *Validator) reject(req ProofRequest, reason, description string) error {
	return v.rejectErr(req, reason, description, nil)
}

func (v *Validator) rejectErr(req ProofRequest, reason, description string, cause error) error {
	v.metrics.ProofRejected(reason)
	log.Debug().Err(cause).Str("tenant_id", req.TenantID).Str("reason", reason).Msg("DPoP proof rejected")
	return oauthmodel.InvalidDPoPProof(description).WithCause(cause)
}

// embeddedKey extracts the public JWK from the proof header and checks that it
// fits the declared algorithm.
func embeddedKey(t *jwtlib.Token) (any, string, error) {
	raw, ok := t.Header["jwk"]
	if !ok {
		return nil, "", errors.New("jwk header is required")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, "", fmt.Errorf("jwk header: %w", err)
	}
	var jwk jose.JSONWebKey
	if err := jwk.UnmarshalJSON(data); err != nil {
		return nil, "", fmt.Errorf("jwk header: %w", err)
	}
	if !jwk.IsPublic() {
		return nil, "", errors.New("jwk header must not contain private key material")
	}

	switch key := jwk.Key.(type) {
	case *ecdsa.PublicKey:
		if t.Method.Alg() != keys.ES256 || key.Curve != elliptic.P256() {
			return nil, "", errors.New("jwk does not match alg")
		}
	case ed25519.PublicKey:
		if t.Method.Alg() != keys.EdDSA {
			return nil, "", errors.New("jwk does not match alg")
		}
	default:
		return nil, "", fmt.Errorf("unsupported jwk type %T", jwk.Key)
	}

	jkt, err := keys.Thumbprint(jwk.Key)
	if err != nil {
		return nil, "", err
	}
	return jwk.Key, jkt, nil
}

// CanonicalURL normalizes a URL for htu comparison: scheme and host are
// lowercased, default ports removed, query parameters sorted and re-encoded,
// fragment dropped.
func CanonicalURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q is not absolute", raw)
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "https" && port == "443") || (scheme == "http" && port == "80") {
		port = ""
	}
	switch {
	case port != "":
		host = net.JoinHostPort(host, port)
	case strings.Contains(host, ":"):
		host = "[" + host + "]"
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery == "" {
		return scheme + "://" + host + path, nil
	}
	query, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return "", fmt.Errorf("url %q has a malformed query: %w", raw, err)
	}
	return scheme + "://" + host + path + "?" + query.Encode(), nil
}

// AccessTokenHash is the ath value for an access token.
func AccessTokenHash(accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
