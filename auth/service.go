// Package auth is the protocol engine: it drives PAR, authorization, the
// token grants, the device flow, introspection, revocation and discovery on
// top of the stores and token components.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/jrsteele09/dpop-auth-server/clients"
	"github.com/jrsteele09/dpop-auth-server/device"
	"github.com/jrsteele09/dpop-auth-server/dpop"
	autherrors "github.com/jrsteele09/dpop-auth-server/internal/errors"
	"github.com/jrsteele09/dpop-auth-server/internal/metrics"
	"github.com/jrsteele09/dpop-auth-server/oauthmodel"
	"github.com/jrsteele09/dpop-auth-server/sessions"
	"github.com/jrsteele09/dpop-auth-server/singleuse"
	"github.com/jrsteele09/dpop-auth-server/token"
	"github.com/jrsteele09/dpop-auth-server/token/jwt"
	"github.com/jrsteele09/dpop-auth-server/token/keys"
	"github.com/jrsteele09/dpop-auth-server/token/refresh"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const randomHandleLength = 32

// CredentialVerifier authenticates the end user. Only the verified result and
// the user id are consumed.
type CredentialVerifier interface {
	VerifyCredentials(ctx context.Context, tenantID, username, password string) (userID string, verified bool, err error)
}

// TenantChecker refuses unknown or inactive tenants.
type TenantChecker interface {
	CheckTenant(ctx context.Context, tenantID string) error
}

// Deps holds every collaborator of the AuthorizationService.
type Deps struct {
	Clients     clients.Repo
	Tenants     TenantChecker
	Credentials CredentialVerifier
	PAR         singleuse.Store[oauthmodel.AuthorizationParameters]
	Codes       singleuse.Store[oauthmodel.AuthorizationCode]
	DPoP        *dpop.Validator
	Keys        *keys.KeyStore
	Issuer      *token.Issuer
	Inspector   *jwt.Inspector
	Rotator     *refresh.Rotator
	Sessions    *sessions.Registry
	Devices     *device.Flow
}

func (d Deps) validate() error {
	switch {
	case d.Clients == nil:
		return errors.New("[NewAuthorizationService] Clients repo is required")
	case d.Tenants == nil:
		return errors.New("[NewAuthorizationService] Tenants checker is required")
	case d.Credentials == nil:
		return errors.New("[NewAuthorizationService] Credentials verifier is required")
	case d.PAR == nil || d.Codes == nil:
		return errors.New("[NewAuthorizationService] PAR and code stores are required")
	case d.DPoP == nil:
		return errors.New("[NewAuthorizationService] DPoP validator is required")
	case d.Keys == nil || d.Issuer == nil || d.Inspector == nil:
		return errors.New("[NewAuthorizationService] key store, issuer and inspector are required")
	case d.Rotator == nil || d.Sessions == nil || d.Devices == nil:
		return errors.New("[NewAuthorizationService] rotator, session registry and device flow are required")
	}
	return nil
}

// AuthorizationService provides the OAuth2 and OIDC endpoint operations.
type AuthorizationService struct {
	deps                 Deps
	issuerDomain         string
	signingAlgorithm     string
	parTTL               time.Duration
	codeTTL              time.Duration
	sessionTTL           time.Duration
	revokeFamilyOnRevoke bool
	requireIntrospectPoP bool
	metrics              *metrics.Metrics
	nowTime              func() time.Time
}

// AuthorizationServiceOption defines a function type to modify the AuthorizationService instance.
type AuthorizationServiceOption func(*AuthorizationService)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) AuthorizationServiceOption {
	return func(as *AuthorizationService) {
		as.nowTime = nowFunc
	}
}

func WithIssuerDomain(domain string) AuthorizationServiceOption {
	return func(as *AuthorizationService) {
		as.issuerDomain = domain
	}
}

func WithSigningAlgorithm(alg string) AuthorizationServiceOption {
	return func(as *AuthorizationService) {
		as.signingAlgorithm = alg
	}
}

func WithPARTTL(ttl time.Duration) AuthorizationServiceOption {
	return func(as *AuthorizationService) {
		as.parTTL = ttl
	}
}

func WithCodeTTL(ttl time.Duration) AuthorizationServiceOption {
	return func(as *AuthorizationService) {
		as.codeTTL = ttl
	}
}

// WithSessionTTL overrides the registry default for sessions opened by grants.
func WithSessionTTL(ttl time.Duration) AuthorizationServiceOption {
	return func(as *AuthorizationService) {
		as.sessionTTL = ttl
	}
}

// WithRevokeFamilyOnRevoke makes refresh token revocation revoke the whole family.
func WithRevokeFamilyOnRevoke(enabled bool) AuthorizationServiceOption {
	return func(as *AuthorizationService) {
		as.revokeFamilyOnRevoke = enabled
	}
}

// WithRequireDPoPOnIntrospect rejects introspection calls without a proof.
func WithRequireDPoPOnIntrospect(required bool) AuthorizationServiceOption {
	return func(as *AuthorizationService) {
		as.requireIntrospectPoP = required
	}
}

func WithMetrics(m *metrics.Metrics) AuthorizationServiceOption {
	return func(as *AuthorizationService) {
		as.metrics = m
	}
}

// NewAuthorizationService initializes a new AuthorizationService with required dependencies.
func NewAuthorizationService(deps Deps, options ...AuthorizationServiceOption) (*AuthorizationService, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}

	as := &AuthorizationService{
		deps:                 deps,
		issuerDomain:         "example.com",
		signingAlgorithm:     keys.ES256,
		parTTL:               60 * time.Second,
		codeTTL:              120 * time.Second,
		revokeFamilyOnRevoke: true,
		nowTime:              time.Now,
	}
	for _, opt := range options {
		opt(as)
	}
	return as, nil
}

// checkTenant maps tenant refusals to invalid_request and anything else to a
// server error.
func (as *AuthorizationService) checkTenant(ctx context.Context, tenantID string) error {
	err := as.deps.Tenants.CheckTenant(ctx, tenantID)
	switch {
	case err == nil:
		return nil
	case autherrors.Is(err, autherrors.ErrTenantNotFound), autherrors.Is(err, autherrors.ErrTenantInactive):
		return oauthmodel.InvalidRequest("unknown or inactive tenant").WithCause(err)
	default:
		return oauthmodel.ServerError(errors.Wrap(err, "tenant check"))
	}
}

// lookupClient returns invalid_client for unknown clients.
func (as *AuthorizationService) lookupClient(ctx context.Context, tenantID, clientID string) (*clients.Client, error) {
	if clientID == "" {
		return nil, oauthmodel.InvalidRequest("client_id is required")
	}
	client, err := as.deps.Clients.Get(ctx, tenantID, clientID)
	if autherrors.Is(err, autherrors.ErrNotFound) {
		return nil, oauthmodel.InvalidClient("unknown client")
	}
	if err != nil {
		return nil, oauthmodel.ServerError(errors.Wrap(err, "client lookup"))
	}
	return client, nil
}

// authenticateClient checks the secret of confidential clients. Public
// clients must not send one; requireConfidential refuses them outright.
func (as *AuthorizationService) authenticateClient(ctx context.Context, tenantID, clientID, secret string, requireConfidential bool) (*clients.Client, error) {
	client, err := as.lookupClient(ctx, tenantID, clientID)
	if err != nil {
		return nil, err
	}
	if client.IsPublic() {
		if requireConfidential {
			return nil, oauthmodel.InvalidClient("client authentication required")
		}
		if secret != "" {
			return nil, oauthmodel.InvalidClient("public clients must not send a secret")
		}
		return client, nil
	}
	if !client.CheckSecret(secret) {
		log.Warn().Str("tenant_id", tenantID).Str("client_id", clientID).Msg("client authentication failed")
		return nil, oauthmodel.InvalidClient("client authentication failed")
	}
	return client, nil
}

// authenticateUser runs the credential verifier for the tenant.
func (as *AuthorizationService) authenticateUser(ctx context.Context, tenantID, username, password string) (string, error) {
	userID, ok, err := as.deps.Credentials.VerifyCredentials(ctx, tenantID, username, password)
	if err != nil {
		return "", oauthmodel.ServerError(errors.Wrap(err, "credential verification"))
	}
	if !ok || userID == "" {
		return "", oauthmodel.LoginRequired()
	}
	return userID, nil
}

// validateProof runs the DPoP validator for the tenant.
func (as *AuthorizationService) validateProof(ctx context.Context, tenantID string, pc oauthmodel.ProofContext, accessToken string) (*dpop.Proof, error) {
	if !pc.Present() {
		return nil, oauthmodel.InvalidDPoPProof("DPoP proof is required")
	}
	return as.deps.DPoP.Validate(ctx, dpop.ProofRequest{
		TenantID:    tenantID,
		Proof:       pc.Proof,
		Method:      pc.Method,
		URL:         pc.URL,
		AccessToken: accessToken,
	})
}

func randomHandle() (string, error) {
	b := make([]byte, randomHandleLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
