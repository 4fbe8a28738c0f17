package jwt

import (
	"context"
	"errors"
	"fmt"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/jrsteele09/dpop-auth-server/token/keys"
)

var (
	ErrMalformedToken  = errors.New("malformed token")
	ErrCriticalHeader  = errors.New("token carries unsupported critical header parameters")
	ErrUnexpectedType  = errors.New("unexpected token type")
	ErrTenantMismatch  = errors.New("token issued for a different tenant")
	ErrUnsupportedAlgo = errors.New("unsupported signing algorithm")
)

// Inspector verifies access tokens issued by Creator.
type Inspector struct {
	keys    KeySource
	domain  string
	leeway  time.Duration
	nowTime func() time.Time
}

type InspectorOption func(*Inspector)

// WithInspectorNowTime sets the now time function (primarily for testing)
func WithInspectorNowTime(nowFunc func() time.Time) InspectorOption {
	return func(i *Inspector) {
		i.nowTime = nowFunc
	}
}

// NewInspector creates a new JWT inspector
func NewInspector(keySource KeySource, issuerDomain string, options ...InspectorOption) *Inspector {
	i := &Inspector{
		keys:    keySource,
		domain:  issuerDomain,
		leeway:  5 * time.Second,
		nowTime: time.Now,
	}
	for _, opt := range options {
		opt(i)
	}
	return i
}

// VerifyAccessToken checks the signature against the tenant's published keys
// (ACTIVE or non-expired ROLLED_OVER), the issuer, expiry and claim schema.
// When tenantID is not empty the token must belong to that tenant.
func (i *Inspector) VerifyAccessToken(ctx context.Context, raw, tenantID string) (*AccessClaims, error) {
	// First, parse unverified to extract tenant ID and check the header
	unverified, _, err := jwtlib.NewParser().ParseUnverified(raw, &AccessClaims{})
	if err != nil {
		return nil, fmt.Errorf("[Inspector.VerifyAccessToken] %w: %w", ErrMalformedToken, err)
	}
	if _, ok := unverified.Header["crit"]; ok {
		return nil, fmt.Errorf("[Inspector.VerifyAccessToken] %w", ErrCriticalHeader)
	}
	if typ, _ := unverified.Header["typ"].(string); typ != TypeAccessToken {
		return nil, fmt.Errorf("[Inspector.VerifyAccessToken] %w: %q", ErrUnexpectedType, typ)
	}
	unverifiedClaims, ok := unverified.Claims.(*AccessClaims)
	if !ok || unverifiedClaims.TenantID == "" {
		return nil, fmt.Errorf("[Inspector.VerifyAccessToken] %w: missing tenant_id", ErrMalformedToken)
	}
	if tenantID != "" && unverifiedClaims.TenantID != tenantID {
		return nil, fmt.Errorf("[Inspector.VerifyAccessToken] %w", ErrTenantMismatch)
	}
	tokenTenant := unverifiedClaims.TenantID
	issuer := Issuer(i.domain, tokenTenant)

	// Now parse and verify with the tenant's keys
	parser := jwtlib.NewParser(
		jwtlib.WithValidMethods([]string{keys.ES256, keys.EdDSA}),
		jwtlib.WithIssuer(issuer),
		jwtlib.WithAudience(issuer),
		jwtlib.WithExpirationRequired(),
		jwtlib.WithIssuedAt(),
		jwtlib.WithLeeway(i.leeway),
		jwtlib.WithTimeFunc(i.nowTime),
	)
	claims := &AccessClaims{}
	_, err = parser.ParseWithClaims(raw, claims, func(t *jwtlib.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("%w: missing kid", ErrMalformedToken)
		}
		public, key, err := i.keys.VerificationKey(ctx, tokenTenant, kid)
		if err != nil {
			return nil, err
		}
		if t.Method.Alg() != key.Algorithm {
			return nil, fmt.Errorf("%w: %s for key %s", ErrUnsupportedAlgo, t.Method.Alg(), kid)
		}
		return public, nil
	})
	if err != nil {
		return nil, fmt.Errorf("[Inspector.VerifyAccessToken] %w", err)
	}
	return claims, nil
}
