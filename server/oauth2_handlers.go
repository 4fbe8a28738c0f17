package server

import (
	"net/http"

	"github.com/jrsteele09/dpop-auth-server/auth"
	"github.com/jrsteele09/dpop-auth-server/oauthmodel"
)

// PushedAuthorization stores an authorization request and returns its request_uri (RFC 9126)
func (s *Server) PushedAuthorization() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := parseForm(w, r); err != nil {
			writeOAuthError(w, err)
			return
		}
		clientID, secret, err := clientCredentials(r)
		if err != nil {
			writeOAuthError(w, err)
			return
		}
		if r.PostFormValue("request_uri") != "" {
			writeOAuthError(w, oauthmodel.InvalidRequest("request_uri must not be pushed"))
			return
		}

		params := parseAuthorizationParameters(tenantID(r), r)
		params.ClientID = clientID
		resp, err := s.auth.PushAuthorizationRequest(r.Context(), params, secret)
		if err != nil {
			writeOAuthError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, resp)
	}
}

// Authorize authenticates the end user and issues an authorization code for a
// pushed (request_uri) or inline request. The code is returned as JSON, or by
// redirect when response_mode=query.
func (s *Server) Authorize() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := parseForm(w, r); err != nil {
			writeOAuthError(w, err)
			return
		}
		tenant := tenantID(r)
		username, password := userCredentials(r)
		req := auth.AuthorizeRequest{
			TenantID:   tenant,
			ClientID:   r.FormValue("client_id"),
			RequestURI: r.FormValue("request_uri"),
			Username:   username,
			Password:   password,
		}
		if req.RequestURI == "" {
			req.Params = parseAuthorizationParameters(tenant, r)
		}

		resp, err := s.auth.Authorize(r.Context(), req)
		if err != nil {
			writeOAuthError(w, err)
			return
		}

		w.Header().Set("Cache-Control", "no-store")
		if resp.Mode == oauthmodel.QueryResponseMode {
			if err := callbackRedirect(w, r, resp); err != nil {
				writeOAuthError(w, oauthmodel.ServerError(err))
			}
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// Token exchanges a code, refresh token or device code for DPoP bound tokens
func (s *Server) Token() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := parseForm(w, r); err != nil {
			writeOAuthError(w, err)
			return
		}
		clientID, secret, err := clientCredentials(r)
		if err != nil {
			writeOAuthError(w, err)
			return
		}
		proof, err := s.proofContext(r)
		if err != nil {
			writeOAuthError(w, err)
			return
		}

		tokenReq := oauthmodel.TokenRequest{
			TenantID:     tenantID(r),
			GrantType:    oauthmodel.GrantType(r.PostFormValue("grant_type")),
			ClientID:     clientID,
			ClientSecret: secret,
			Code:         r.PostFormValue("code"),
			RedirectURI:  r.PostFormValue("redirect_uri"),
			CodeVerifier: r.PostFormValue("code_verifier"),
			RefreshToken: r.PostFormValue("refresh_token"),
			DeviceCode:   r.PostFormValue("device_code"),
			DeviceID:     r.PostFormValue("device_id"),
			DPoP:         proof,
		}

		tokenResponse, err := s.auth.Token(r.Context(), tokenReq)
		if err != nil {
			writeOAuthError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, tokenResponse)
	}
}

// DeviceAuthorization starts the device flow (RFC 8628)
func (s *Server) DeviceAuthorization() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := parseForm(w, r); err != nil {
			writeOAuthError(w, err)
			return
		}
		clientID, secret, err := clientCredentials(r)
		if err != nil {
			writeOAuthError(w, err)
			return
		}
		resp, err := s.auth.DeviceAuthorization(r.Context(), oauthmodel.DeviceAuthorizationRequest{
			TenantID:     tenantID(r),
			ClientID:     clientID,
			ClientSecret: secret,
			Scope:        r.PostFormValue("scope"),
		})
		if err != nil {
			writeOAuthError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// DeviceVerify records the end user's decision for a user code. action=deny
// denies the request; anything else approves it.
func (s *Server) DeviceVerify() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := parseForm(w, r); err != nil {
			writeOAuthError(w, err)
			return
		}
		username, password := userCredentials(r)
		req := oauthmodel.DeviceVerificationRequest{
			TenantID: tenantID(r),
			UserCode: r.FormValue("user_code"),
			Username: username,
			Password: password,
		}

		var err error
		status := "approved"
		if r.PostFormValue("action") == "deny" {
			status = "denied"
			err = s.auth.DenyDevice(r.Context(), req)
		} else {
			err = s.auth.ApproveDevice(r.Context(), req)
		}
		if err != nil {
			writeOAuthError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": status})
	}
}

// Introspect reports whether an access token is active (RFC 7662)
func (s *Server) Introspect() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := parseForm(w, r); err != nil {
			writeOAuthError(w, err)
			return
		}
		clientID, secret, err := clientCredentials(r)
		if err != nil {
			writeOAuthError(w, err)
			return
		}
		proof, err := s.proofContext(r)
		if err != nil {
			writeOAuthError(w, err)
			return
		}

		introspection, err := s.auth.Introspect(r.Context(), oauthmodel.IntrospectionRequest{
			TenantID:      tenantID(r),
			Token:         r.PostFormValue("token"),
			TokenTypeHint: r.PostFormValue("token_type_hint"),
			ClientID:      clientID,
			ClientSecret:  secret,
			DPoP:          proof,
		})
		if err != nil {
			writeOAuthError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, introspection)
	}
}

// Revoke revokes a refresh token or the session of an access token (RFC 7009)
func (s *Server) Revoke() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := parseForm(w, r); err != nil {
			writeOAuthError(w, err)
			return
		}
		clientID, secret, err := clientCredentials(r)
		if err != nil {
			writeOAuthError(w, err)
			return
		}
		proof, err := s.proofContext(r)
		if err != nil {
			writeOAuthError(w, err)
			return
		}

		err = s.auth.Revoke(r.Context(), oauthmodel.RevocationRequest{
			TenantID:      tenantID(r),
			Token:         r.PostFormValue("token"),
			TokenTypeHint: r.PostFormValue("token_type_hint"),
			ClientID:      clientID,
			ClientSecret:  secret,
			DPoP:          proof,
		})
		if err != nil {
			writeOAuthError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// Logout ends the session bound to the presented DPoP access token
func (s *Server) Logout() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := parseForm(w, r); err != nil {
			writeOAuthError(w, err)
			return
		}
		accessToken, ok := authorizationToken(r, "DPoP")
		if !ok {
			writeOAuthError(w, oauthmodel.InvalidToken("missing DPoP access token"))
			return
		}
		proof, err := s.proofContext(r)
		if err != nil {
			writeOAuthError(w, err)
			return
		}

		err = s.auth.Logout(r.Context(), oauthmodel.LogoutRequest{
			TenantID:    tenantID(r),
			AccessToken: accessToken,
			DPoP:        proof,
		})
		if err != nil {
			writeOAuthError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// WellKnownOpenIDConfig serves the tenant's OIDC discovery document
func (s *Server) WellKnownOpenIDConfig() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		meta, err := s.auth.OpenIDConfiguration(r.Context(), tenantID(r), s.baseURL(r))
		if err != nil {
			writeOAuthError(w, err)
			return
		}
		w.Header().Set("Cache-Control", "public, max-age=3600")
		writeJSON(w, http.StatusOK, meta)
	}
}

// JWKS returns the JSON Web Key Set used to validate the tenant's tokens
func (s *Server) JWKS() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jwks, err := s.auth.JWKS(r.Context(), tenantID(r))
		if err != nil {
			writeOAuthError(w, err)
			return
		}
		// well below the rollover grace period
		w.Header().Set("Cache-Control", "public, max-age=300")
		writeJSON(w, http.StatusOK, jwks)
	}
}
