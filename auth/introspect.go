package auth

import (
	"context"
	"strings"

	autherrors "github.com/jrsteele09/dpop-auth-server/internal/errors"
	"github.com/jrsteele09/dpop-auth-server/internal/utils"
	"github.com/jrsteele09/dpop-auth-server/oauthmodel"
	"github.com/jrsteele09/dpop-auth-server/sessions"
	"github.com/jrsteele09/dpop-auth-server/token/jwt"
	"github.com/jrsteele09/dpop-auth-server/token/refresh"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var inactive = &oauthmodel.IntrospectionResponse{Active: false}

// Introspect reports whether a token is active (RFC 7662). An access token
// must verify against the tenant's published keys; a refresh token must still
// be rotatable. Either way its session must be active and bound to the
// token's key. When a DPoP proof accompanies the call its key must match the
// token's binding.
func (as *AuthorizationService) Introspect(ctx context.Context, req oauthmodel.IntrospectionRequest) (*oauthmodel.IntrospectionResponse, error) {
	if err := as.checkTenant(ctx, req.TenantID); err != nil {
		return nil, err
	}
	if _, err := as.authenticateClient(ctx, req.TenantID, req.ClientID, req.ClientSecret, true); err != nil {
		return nil, err
	}
	if req.Token == "" {
		return nil, oauthmodel.InvalidRequest("token is required")
	}

	var proofJKT string
	if req.DPoP.Present() || as.requireIntrospectPoP {
		proof, err := as.validateProof(ctx, req.TenantID, req.DPoP, req.Token)
		if err != nil {
			return nil, err
		}
		proofJKT = proof.JKT
	}

	if req.TokenTypeHint == oauthmodel.TokenTypeHintRefreshToken || !looksLikeJWT(req.Token) {
		return as.introspectRefreshToken(ctx, req.TenantID, req.Token, proofJKT)
	}

	claims, err := as.deps.Inspector.VerifyAccessToken(ctx, req.Token, req.TenantID)
	if err != nil {
		log.Debug().Err(err).Str("tenant_id", req.TenantID).Msg("introspected token is not valid")
		return inactive, nil
	}
	if proofJKT != "" && proofJKT != claims.Cnf.JKT {
		log.Warn().Str("tenant_id", req.TenantID).Str("session_id", claims.SessionID).Msg("introspection proof key does not match token binding")
		return inactive, nil
	}

	if _, err := as.deps.Sessions.Validate(ctx, claims.SessionID, claims.Cnf.JKT); err != nil {
		if isSessionRejection(err) {
			return inactive, nil
		}
		return nil, oauthmodel.ServerError(errors.Wrap(err, "[AuthorizationService.Introspect] session"))
	}

	return introspectionResponse(claims), nil
}

// Revoke implements RFC 7009. Refresh tokens are revoked (with their family
// when configured); access tokens revoke their session. Unknown tokens are
// not an error. A DPoP bound token needs a proof signed by its key.
func (as *AuthorizationService) Revoke(ctx context.Context, req oauthmodel.RevocationRequest) error {
	if err := as.checkTenant(ctx, req.TenantID); err != nil {
		return err
	}
	client, err := as.authenticateClient(ctx, req.TenantID, req.ClientID, req.ClientSecret, false)
	if err != nil {
		return err
	}
	if req.Token == "" {
		return oauthmodel.InvalidRequest("token is required")
	}
	var proofJKT string
	if req.DPoP.Present() {
		proof, err := as.validateProof(ctx, req.TenantID, req.DPoP, "")
		if err != nil {
			return err
		}
		proofJKT = proof.JKT
	}

	if !looksLikeJWT(req.Token) {
		revoked, err := as.deps.Rotator.Revoke(ctx, refresh.RevokeRequest{
			TenantID:     req.TenantID,
			ClientID:     client.ID,
			RefreshToken: req.Token,
			ProofJKT:     proofJKT,
			WholeFamily:  as.revokeFamilyOnRevoke,
		})
		if err != nil {
			var oe *oauthmodel.Error
			if errors.As(err, &oe) {
				return err
			}
			return oauthmodel.ServerError(errors.Wrap(err, "[AuthorizationService.Revoke] refresh token"))
		}
		if revoked {
			log.Info().Str("tenant_id", req.TenantID).Str("client_id", client.ID).Bool("family", as.revokeFamilyOnRevoke).Msg("refresh token revoked")
		}
		return nil
	}

	claims, err := as.deps.Inspector.VerifyAccessToken(ctx, req.Token, req.TenantID)
	if err != nil || claims.ClientID != client.ID {
		return nil
	}
	if claims.Cnf.JKT != "" && claims.Cnf.JKT != proofJKT {
		return oauthmodel.InvalidDPoPProof("proof key does not match the token binding")
	}
	if err := as.deps.Sessions.Revoke(ctx, claims.SessionID, sessions.ReasonTokenRevoked); err != nil && !autherrors.Is(err, autherrors.ErrNotFound) {
		return oauthmodel.ServerError(errors.Wrap(err, "[AuthorizationService.Revoke] session"))
	}
	return nil
}

// Logout revokes the session bound to the presented DPoP access token. The
// proof must be signed by the token's key and carry its ath.
func (as *AuthorizationService) Logout(ctx context.Context, req oauthmodel.LogoutRequest) error {
	if err := as.checkTenant(ctx, req.TenantID); err != nil {
		return err
	}
	if req.AccessToken == "" {
		return oauthmodel.InvalidToken("access token is required")
	}
	proof, err := as.validateProof(ctx, req.TenantID, req.DPoP, req.AccessToken)
	if err != nil {
		return err
	}
	claims, err := as.deps.Inspector.VerifyAccessToken(ctx, req.AccessToken, req.TenantID)
	if err != nil {
		return oauthmodel.InvalidToken("access token is invalid").WithCause(err)
	}
	if proof.JKT != claims.Cnf.JKT {
		return oauthmodel.InvalidDPoPProof("proof key does not match the token binding")
	}
	if err := as.deps.Sessions.Revoke(ctx, claims.SessionID, sessions.ReasonLogout); err != nil {
		if autherrors.Is(err, autherrors.ErrNotFound) {
			return oauthmodel.InvalidToken("session not found")
		}
		return oauthmodel.ServerError(errors.Wrap(err, "[AuthorizationService.Logout]"))
	}
	return nil
}

// RevokeSubject revokes every session of a user in the tenant.
func (as *AuthorizationService) RevokeSubject(ctx context.Context, tenantID, userID string) (int, error) {
	if err := as.checkTenant(ctx, tenantID); err != nil {
		return 0, err
	}
	if userID == "" {
		return 0, oauthmodel.InvalidRequest("sub is required")
	}
	n, err := as.deps.Sessions.RevokeAllForSubject(ctx, tenantID, userID, sessions.ReasonSubjectRevoked)
	if err != nil {
		return 0, oauthmodel.ServerError(errors.Wrap(err, "[AuthorizationService.RevokeSubject]"))
	}
	return n, nil
}

func isSessionRejection(err error) bool {
	return autherrors.Is(err, autherrors.ErrNotFound) ||
		autherrors.Is(err, autherrors.ErrSessionRevoked) ||
		autherrors.Is(err, autherrors.ErrSessionExpired) ||
		autherrors.Is(err, autherrors.ErrSessionKeyBound)
}

func looksLikeJWT(raw string) bool {
	return strings.Count(raw, ".") == 2
}

func (as *AuthorizationService) introspectRefreshToken(ctx context.Context, tenantID, raw, proofJKT string) (*oauthmodel.IntrospectionResponse, error) {
	t, err := as.deps.Rotator.Inspect(ctx, tenantID, raw)
	if err != nil {
		return nil, oauthmodel.ServerError(errors.Wrap(err, "[AuthorizationService.Introspect] refresh token"))
	}
	if t == nil {
		return inactive, nil
	}
	if proofJKT != "" && proofJKT != t.JKT {
		log.Warn().Str("tenant_id", tenantID).Str("family_id", t.FamilyID).Msg("introspection proof key does not match refresh token binding")
		return inactive, nil
	}
	resp := &oauthmodel.IntrospectionResponse{
		Active:    true,
		Scope:     t.Scope,
		ClientID:  t.ClientID,
		TokenType: oauthmodel.TokenTypeHintRefreshToken,
		Sub:       t.UserID,
		TenantID:  t.TenantID,
		SessionID: t.SessionID,
		Exp:       utils.UnixPtr(t.ExpiresAt),
		Iat:       utils.UnixPtr(t.CreatedAt),
	}
	if t.JKT != "" {
		resp.Cnf = &oauthmodel.Confirmation{JKT: t.JKT}
	}
	return resp, nil
}

func introspectionResponse(c *jwt.AccessClaims) *oauthmodel.IntrospectionResponse {
	resp := &oauthmodel.IntrospectionResponse{
		Active:    true,
		Scope:     c.Scope,
		ClientID:  c.ClientID,
		TokenType: oauthmodel.TokenTypeDPoP,
		Sub:       c.Subject,
		Aud:       c.Audience,
		Iss:       c.Issuer,
		Jti:       c.ID,
		TenantID:  c.TenantID,
		SessionID: c.SessionID,
		Cnf:       &oauthmodel.Confirmation{JKT: c.Cnf.JKT},
	}
	if c.ExpiresAt != nil {
		resp.Exp = utils.UnixPtr(c.ExpiresAt.Time)
	}
	if c.IssuedAt != nil {
		resp.Iat = utils.UnixPtr(c.IssuedAt.Time)
	}
	if c.NotBefore != nil {
		resp.Nbf = utils.UnixPtr(c.NotBefore.Time)
	}
	return resp
}
