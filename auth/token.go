package auth

import (
	"context"
	"crypto/subtle"
	"time"

	"github.com/jrsteele09/dpop-auth-server/clients"
	"github.com/jrsteele09/dpop-auth-server/dpop"
	autherrors "github.com/jrsteele09/dpop-auth-server/internal/errors"
	"github.com/jrsteele09/dpop-auth-server/internal/utils"
	"github.com/jrsteele09/dpop-auth-server/oauthmodel"
	"github.com/jrsteele09/dpop-auth-server/sessions"
	"github.com/jrsteele09/dpop-auth-server/token"
	"github.com/jrsteele09/dpop-auth-server/token/refresh"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

// RFC 7636 section 4.1
const (
	minVerifierLength = 43
	maxVerifierLength = 128
)

// grant is an authenticated user grant ready for a session and tokens.
type grant struct {
	tenantID string
	userID   string
	clientID string
	deviceID string
	scope    string
	nonce    string
	jkt      string
}

// Token handles the token endpoint. Every grant requires a DPoP proof; the
// proof is validated before any single-use artifact is consumed.
func (as *AuthorizationService) Token(ctx context.Context, req oauthmodel.TokenRequest) (*oauthmodel.TokenResponse, error) {
	if err := as.checkTenant(ctx, req.TenantID); err != nil {
		return nil, err
	}
	switch req.GrantType {
	case oauthmodel.AuthorizationCodeGrant, oauthmodel.RefreshTokenGrant, oauthmodel.DeviceCodeGrant:
	case "":
		return nil, oauthmodel.InvalidRequest("grant_type is required")
	default:
		return nil, oauthmodel.UnsupportedGrantType(string(req.GrantType))
	}

	client, err := as.authenticateClient(ctx, req.TenantID, req.ClientID, req.ClientSecret, false)
	if err != nil {
		return nil, err
	}
	if !client.AllowsGrant(string(req.GrantType)) {
		return nil, oauthmodel.UnauthorizedClient("client may not use this grant type")
	}

	proof, err := as.validateProof(ctx, req.TenantID, req.DPoP, "")
	if err != nil {
		return nil, err
	}

	var issued *token.IssuedTokens
	switch req.GrantType {
	case oauthmodel.AuthorizationCodeGrant:
		issued, err = as.exchangeCode(ctx, req, client, proof)
	case oauthmodel.RefreshTokenGrant:
		issued, err = as.rotateRefreshToken(ctx, req, client, proof)
	case oauthmodel.DeviceCodeGrant:
		issued, err = as.exchangeDeviceCode(ctx, req, client, proof)
	}
	if err != nil {
		return nil, err
	}

	as.metrics.TokenIssued(string(req.GrantType))
	log.Info().
		Str("tenant_id", req.TenantID).
		Str("client_id", client.ID).
		Str("grant_type", string(req.GrantType)).
		Str("session_id", issued.Record.SessionID).
		Str("family_id", issued.Record.FamilyID).
		Msg("tokens issued")
	return tokenResponse(issued), nil
}

func (as *AuthorizationService) exchangeCode(ctx context.Context, req oauthmodel.TokenRequest, client *clients.Client, proof *dpop.Proof) (*token.IssuedTokens, error) {
	if req.Code == "" {
		return nil, oauthmodel.InvalidRequest("code is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ac, err := as.deps.Codes.TakeOnce(ctx, req.Code)
	if autherrors.Is(err, autherrors.ErrNotFound) {
		return nil, oauthmodel.InvalidGrant("authorization code is invalid, expired or already used")
	}
	if err != nil {
		return nil, oauthmodel.ServerError(errors.Wrap(err, "[AuthorizationService.exchangeCode] take code"))
	}

	if ac.TenantID != req.TenantID || ac.ClientID != client.ID {
		return nil, oauthmodel.InvalidGrant("authorization code was not issued to this client")
	}
	if req.RedirectURI != "" && req.RedirectURI != ac.RedirectURI {
		return nil, oauthmodel.InvalidGrant("redirect_uri does not match the authorization request")
	}
	// The code is already consumed: a malformed verifier burns it like a wrong one
	if l := len(req.CodeVerifier); l < minVerifierLength || l > maxVerifierLength {
		log.Warn().Str("tenant_id", ac.TenantID).Str("client_id", ac.ClientID).Int("verifier_length", l).Msg("PKCE verifier has invalid length")
		return nil, oauthmodel.InvalidGrant("code_verifier must be between 43 and 128 characters")
	}
	if !verifyPKCE(ac.CodeChallenge, req.CodeVerifier) {
		log.Warn().Str("tenant_id", ac.TenantID).Str("client_id", ac.ClientID).Msg("PKCE verification failed")
		return nil, oauthmodel.InvalidGrant("code_verifier does not match the code challenge")
	}

	return as.openSessionAndIssue(ctx, grant{
		tenantID: ac.TenantID,
		userID:   ac.UserID,
		clientID: ac.ClientID,
		deviceID: req.DeviceID,
		scope:    ac.Scope,
		nonce:    ac.Nonce,
		jkt:      proof.JKT,
	})
}

func (as *AuthorizationService) rotateRefreshToken(ctx context.Context, req oauthmodel.TokenRequest, client *clients.Client, proof *dpop.Proof) (*token.IssuedTokens, error) {
	if req.RefreshToken == "" {
		return nil, oauthmodel.InvalidRequest("refresh_token is required")
	}
	issued, err := as.deps.Rotator.Rotate(ctx, refresh.RotateRequest{
		TenantID:     req.TenantID,
		ClientID:     client.ID,
		RefreshToken: req.RefreshToken,
		ProofJKT:     proof.JKT,
	})
	if err != nil {
		return nil, errors.Wrap(err, "[AuthorizationService.rotateRefreshToken]")
	}
	return issued, nil
}

func (as *AuthorizationService) exchangeDeviceCode(ctx context.Context, req oauthmodel.TokenRequest, client *clients.Client, proof *dpop.Proof) (*token.IssuedTokens, error) {
	if req.DeviceCode == "" {
		return nil, oauthmodel.InvalidRequest("device_code is required")
	}
	code, err := as.deps.Devices.Poll(ctx, req.TenantID, client.ID, req.DeviceCode)
	if err != nil {
		return nil, errors.Wrap(err, "[AuthorizationService.exchangeDeviceCode]")
	}
	return as.openSessionAndIssue(ctx, grant{
		tenantID: code.TenantID,
		userID:   code.UserID,
		clientID: code.ClientID,
		deviceID: req.DeviceID,
		scope:    code.Scope,
		jkt:      proof.JKT,
	})
}

// openSessionAndIssue opens a DPoP bound session and starts a refresh token
// family for it. The session is revoked again if signing fails.
func (as *AuthorizationService) openSessionAndIssue(ctx context.Context, g grant) (*token.IssuedTokens, error) {
	session, err := as.deps.Sessions.Open(ctx, sessions.OpenRequest{
		TenantID: g.tenantID,
		UserID:   g.userID,
		ClientID: g.clientID,
		DeviceID: g.deviceID,
		CnfJKT:   g.jkt,
		TTL:      as.sessionTTL,
	})
	if err != nil {
		return nil, oauthmodel.ServerError(errors.Wrap(err, "[AuthorizationService.openSessionAndIssue] open session"))
	}

	issued, err := as.deps.Issuer.Issue(ctx, token.IssueRequest{
		TenantID:        g.tenantID,
		UserID:          g.userID,
		SessionID:       session.ID,
		SessionNotAfter: session.NotAfter,
		ClientID:        g.clientID,
		DeviceID:        g.deviceID,
		Scope:           g.scope,
		CnfJKT:          g.jkt,
		Nonce:           g.nonce,
		AuthTime:        session.IssuedAt,
	})
	if err != nil {
		if rerr := as.deps.Sessions.Revoke(ctx, session.ID, sessions.ReasonAdmin); rerr != nil {
			log.Error().Err(rerr).Str("session_id", session.ID).Msg("failed to revoke session after issuance failure")
		}
		return nil, oauthmodel.ServerError(errors.Wrap(err, "[AuthorizationService.openSessionAndIssue] issue"))
	}
	return issued, nil
}

// verifyPKCE compares the S256 transform of the verifier with the stored
// challenge in constant time.
func verifyPKCE(challenge, verifier string) bool {
	if challenge == "" || verifier == "" {
		return false
	}
	computed := oauth2.S256ChallengeFromVerifier(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

func tokenResponse(issued *token.IssuedTokens) *oauthmodel.TokenResponse {
	resp := &oauthmodel.TokenResponse{
		AccessToken:  utils.Ptr(issued.AccessToken),
		TokenType:    oauthmodel.TokenTypeDPoP,
		ExpiresIn:    int(issued.ExpiresIn / time.Second),
		RefreshToken: utils.Ptr(issued.RefreshToken),
		Scope:        issued.Scope,
	}
	if issued.IDToken != "" {
		resp.IdToken = utils.Ptr(issued.IDToken)
	}
	return resp
}
