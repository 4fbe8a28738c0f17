package auth

import (
	"context"
	"net/url"
	"strings"

	"github.com/go-jose/go-jose/v4"
	"github.com/jrsteele09/dpop-auth-server/oauthmodel"
	"github.com/jrsteele09/dpop-auth-server/token/jwt"
	"github.com/jrsteele09/dpop-auth-server/token/keys"
	"github.com/pkg/errors"
)

// Endpoint paths served by the transport, used in discovery documents.
const (
	PathPAR                 = "/oauth/par"
	PathAuthorize           = "/authorize"
	PathToken               = "/oauth/token"
	PathDeviceAuthorization = "/oauth/device_authorization"
	PathDeviceVerify        = "/oauth/device/verify"
	PathIntrospect          = "/oauth/introspect"
	PathRevoke              = "/oauth/revoke"
	PathLogout              = "/oauth/logout"
	PathJWKS                = "/.well-known/jwks.json"
	PathOpenIDConfiguration = "/.well-known/openid-configuration"
)

// JWKS returns the tenant's ACTIVE and non-expired ROLLED_OVER public keys.
func (as *AuthorizationService) JWKS(ctx context.Context, tenantID string) (*jose.JSONWebKeySet, error) {
	if err := as.checkTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	set, err := as.deps.Keys.GetJWKS(ctx, tenantID)
	if err != nil {
		return nil, oauthmodel.ServerError(errors.Wrap(err, "[AuthorizationService.JWKS]"))
	}
	return set, nil
}

// OpenIDConfiguration builds the tenant's discovery document. baseURL is the
// externally visible origin of this server.
func (as *AuthorizationService) OpenIDConfiguration(ctx context.Context, tenantID, baseURL string) (*oauthmodel.ProviderMetadata, error) {
	if err := as.checkTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	endpoint := func(path string) string {
		return baseURL + path + "?tenant_id=" + url.QueryEscape(tenantID)
	}

	return &oauthmodel.ProviderMetadata{
		Issuer:                             jwt.Issuer(as.issuerDomain, tenantID),
		AuthorizationEndpoint:              endpoint(PathAuthorize),
		TokenEndpoint:                      endpoint(PathToken),
		JWKSURI:                            endpoint(PathJWKS),
		PushedAuthorizationRequestEndpoint: endpoint(PathPAR),
		DeviceAuthorizationEndpoint:        endpoint(PathDeviceAuthorization),
		IntrospectionEndpoint:              endpoint(PathIntrospect),
		RevocationEndpoint:                 endpoint(PathRevoke),
		EndSessionEndpoint:                 endpoint(PathLogout),
		ResponseTypesSupported:             []string{string(oauthmodel.CodeResponseType)},
		ResponseModesSupported:             []string{string(oauthmodel.JSONResponseMode), string(oauthmodel.QueryResponseMode)},
		GrantTypesSupported: []string{
			string(oauthmodel.AuthorizationCodeGrant),
			string(oauthmodel.RefreshTokenGrant),
			string(oauthmodel.DeviceCodeGrant),
		},
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  []string{as.signingAlgorithm},
		ScopesSupported:                   []string{"openid", "offline_access"},
		TokenEndpointAuthMethodsSupported: []string{"none", "client_secret_basic", "client_secret_post"},
		CodeChallengeMethodsSupported:     []string{string(oauthmodel.CodeMethodTypeS256)},
		DPoPSigningAlgValuesSupported:     []string{keys.ES256, keys.EdDSA},
		ClaimsSupported:                   []string{"sub", "iss", "aud", "exp", "iat", "nbf", "jti", "sid", "tenant_id", "client_id", "scope", "cnf", "nonce", "auth_time", "ver"},
	}, nil
}

// RotateSigningKey forces a key rotation for the tenant.
func (as *AuthorizationService) RotateSigningKey(ctx context.Context, tenantID string) (*keys.SigningKey, error) {
	if err := as.checkTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	key, err := as.deps.Keys.GenerateKey(ctx, tenantID)
	if err != nil {
		return nil, oauthmodel.ServerError(errors.Wrap(err, "[AuthorizationService.RotateSigningKey]"))
	}
	return key, nil
}
