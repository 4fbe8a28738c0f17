package auth

import (
	"context"
	"net/url"
	"strings"

	"github.com/jrsteele09/dpop-auth-server/clients"
	autherrors "github.com/jrsteele09/dpop-auth-server/internal/errors"
	"github.com/jrsteele09/dpop-auth-server/oauthmodel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// AuthorizeRequest is a call to /authorize. Either RequestURI names a pushed
// request or Params carries the request inline. Username and Password are
// the end user's credentials for the CredentialVerifier.
type AuthorizeRequest struct {
	TenantID   string
	ClientID   string
	RequestURI string
	Params     *oauthmodel.AuthorizationParameters
	Username   string
	Password   string
}

// PushAuthorizationRequest validates and stores an authorization request,
// returning the single-use request_uri (RFC 9126).
func (as *AuthorizationService) PushAuthorizationRequest(ctx context.Context, params *oauthmodel.AuthorizationParameters, clientSecret string) (*oauthmodel.PushedAuthorizationResponse, error) {
	if params == nil {
		return nil, oauthmodel.InvalidRequest("missing authorization parameters")
	}
	if err := as.checkTenant(ctx, params.TenantID); err != nil {
		return nil, err
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	client, err := as.authenticateClient(ctx, params.TenantID, params.ClientID, clientSecret, false)
	if err != nil {
		return nil, err
	}
	if err := validateClientRequest(client, params); err != nil {
		return nil, err
	}

	handle, err := randomHandle()
	if err != nil {
		return nil, oauthmodel.ServerError(errors.Wrap(err, "[AuthorizationService.PushAuthorizationRequest] request_uri"))
	}
	requestURI := oauthmodel.RequestURIPrefix + handle
	if err := as.deps.PAR.Put(ctx, requestURI, *params, as.parTTL); err != nil {
		return nil, oauthmodel.ServerError(errors.Wrap(err, "[AuthorizationService.PushAuthorizationRequest] store"))
	}

	return &oauthmodel.PushedAuthorizationResponse{
		RequestURI: requestURI,
		ExpiresIn:  int(as.parTTL.Seconds()),
	}, nil
}

// Authorize authenticates the end user, resolves the authorization request
// and issues a single-use code bound to the PKCE challenge. A pushed request
// is consumed only after the user has been authenticated.
func (as *AuthorizationService) Authorize(ctx context.Context, req AuthorizeRequest) (*oauthmodel.AuthorizationResponse, error) {
	if err := as.checkTenant(ctx, req.TenantID); err != nil {
		return nil, err
	}
	if req.RequestURI == "" && req.Params == nil {
		return nil, oauthmodel.InvalidRequest("request_uri or authorization parameters are required")
	}

	userID, err := as.authenticateUser(ctx, req.TenantID, req.Username, req.Password)
	if err != nil {
		return nil, err
	}

	params, err := as.resolveParameters(ctx, req)
	if err != nil {
		return nil, err
	}
	client, err := as.lookupClient(ctx, params.TenantID, params.ClientID)
	if err != nil {
		return nil, err
	}
	if err := validateClientRequest(client, params); err != nil {
		return nil, err
	}

	code, err := randomHandle()
	if err != nil {
		return nil, oauthmodel.ServerError(errors.Wrap(err, "[AuthorizationService.Authorize] code"))
	}
	ac := oauthmodel.AuthorizationCode{
		Code:                code,
		TenantID:            params.TenantID,
		ClientID:            params.ClientID,
		RedirectURI:         params.RedirectURI,
		CodeChallenge:       params.CodeChallenge,
		CodeChallengeMethod: params.CodeChallengeMethod,
		UserID:              userID,
		Scope:               params.Scope,
		Nonce:               params.Nonce,
		ExpiresAt:           as.nowTime().Add(as.codeTTL),
	}
	if err := as.deps.Codes.Put(ctx, code, ac, as.codeTTL); err != nil {
		return nil, oauthmodel.ServerError(errors.Wrap(err, "[AuthorizationService.Authorize] store code"))
	}

	log.Info().Str("tenant_id", params.TenantID).Str("client_id", params.ClientID).Str("user_id", userID).Msg("authorization code issued")

	mode := params.ResponseMode
	if mode == "" {
		mode = oauthmodel.JSONResponseMode
	}
	return &oauthmodel.AuthorizationResponse{
		Code:        code,
		State:       params.State,
		RedirectURI: params.RedirectURI,
		Mode:        mode,
	}, nil
}

func (as *AuthorizationService) resolveParameters(ctx context.Context, req AuthorizeRequest) (*oauthmodel.AuthorizationParameters, error) {
	if req.RequestURI == "" {
		params := *req.Params
		params.TenantID = req.TenantID
		if err := params.Validate(); err != nil {
			return nil, err
		}
		return &params, nil
	}

	if !strings.HasPrefix(req.RequestURI, oauthmodel.RequestURIPrefix) {
		return nil, oauthmodel.InvalidRequest("request_uri is invalid or expired")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	params, err := as.deps.PAR.TakeOnce(ctx, req.RequestURI)
	if autherrors.Is(err, autherrors.ErrNotFound) {
		return nil, oauthmodel.InvalidRequest("request_uri is invalid or expired")
	}
	if err != nil {
		return nil, oauthmodel.ServerError(errors.Wrap(err, "[AuthorizationService.Authorize] take request_uri"))
	}
	if params.TenantID != req.TenantID {
		return nil, oauthmodel.InvalidRequest("request_uri is invalid or expired")
	}
	if req.ClientID != "" && req.ClientID != params.ClientID {
		return nil, oauthmodel.InvalidRequest("client_id does not match the pushed request")
	}
	return &params, nil
}

// validateClientRequest checks the request against the client's registration.
func validateClientRequest(client *clients.Client, params *oauthmodel.AuthorizationParameters) error {
	if !client.AllowsGrant(string(oauthmodel.AuthorizationCodeGrant)) {
		return oauthmodel.UnauthorizedClient("client may not use the authorization code grant")
	}
	if err := validateRedirectURI(params.RedirectURI); err != nil {
		return err
	}
	if !client.AllowsRedirectURI(params.RedirectURI) {
		return oauthmodel.InvalidRequest("redirect_uri is not registered for this client")
	}
	if err := client.ValidateScopes(params.Scope); err != nil {
		return oauthmodel.InvalidScope("requested scope is not allowed for this client").WithCause(err)
	}
	return nil
}

// validateRedirectURI requires an absolute http(s) URI without a fragment.
func validateRedirectURI(uri string) error {
	u, err := url.Parse(uri)
	if err != nil || !u.IsAbs() {
		return oauthmodel.InvalidRequest("redirect_uri must be an absolute URI")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return oauthmodel.InvalidRequest("redirect_uri must use http or https scheme")
	}
	if u.Fragment != "" || strings.Contains(uri, "#") {
		return oauthmodel.InvalidRequest("redirect_uri must not contain fragments")
	}
	return nil
}
