package server

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/jrsteele09/dpop-auth-server/oauthmodel"
)

const (
	maxFormBytes   = 64 << 10
	headerDPoP     = "DPoP"
	headerTenantID = "X-Tenant-ID"
)

// parseForm reads a bounded form body. Query parameters are merged in.
func parseForm(w http.ResponseWriter, r *http.Request) error {
	if r.Body != nil {
		r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	}
	if err := r.ParseForm(); err != nil {
		return oauthmodel.InvalidRequest("failed to parse form data").WithCause(err)
	}
	return nil
}

// tenantID resolves the tenant from the tenant_id parameter, falling back to
// the X-Tenant-ID header.
func tenantID(r *http.Request) string {
	if id := r.FormValue("tenant_id"); id != "" {
		return id
	}
	return r.Header.Get(headerTenantID)
}

// proofContext collects the DPoP header and the htm/htu the proof must match.
func (s *Server) proofContext(r *http.Request) (oauthmodel.ProofContext, error) {
	values := r.Header.Values(headerDPoP)
	if len(values) > 1 {
		return oauthmodel.ProofContext{}, oauthmodel.InvalidDPoPProof("multiple DPoP headers")
	}
	pc := oauthmodel.ProofContext{
		Method: r.Method,
		URL:    s.baseURL(r) + r.URL.Path,
	}
	if r.URL.RawQuery != "" {
		pc.URL += "?" + r.URL.RawQuery
	}
	if len(values) == 1 {
		pc.Proof = strings.TrimSpace(values[0])
	}
	return pc, nil
}

// clientCredentials reads client_secret_basic first and client_secret_post
// (or a bare client_id for public clients) second.
func clientCredentials(r *http.Request) (clientID, secret string, err error) {
	formClientID := r.PostFormValue("client_id")
	if formClientID == "" {
		formClientID = r.URL.Query().Get("client_id")
	}
	if id, sec, ok := r.BasicAuth(); ok {
		// RFC 6749 2.3.1: both parts are form-urlencoded
		if clientID, err = url.QueryUnescape(id); err != nil {
			return "", "", oauthmodel.InvalidClient("malformed client credentials")
		}
		if secret, err = url.QueryUnescape(sec); err != nil {
			return "", "", oauthmodel.InvalidClient("malformed client credentials")
		}
		if formClientID != "" && formClientID != clientID {
			return "", "", oauthmodel.InvalidRequest("client_id does not match the authenticated client")
		}
		return clientID, secret, nil
	}
	return formClientID, r.PostFormValue("client_secret"), nil
}

// userCredentials reads the end user's credentials from HTTP Basic or from
// the username and password form fields.
func userCredentials(r *http.Request) (username, password string) {
	if u, p, ok := r.BasicAuth(); ok {
		return u, p
	}
	return r.PostFormValue("username"), r.PostFormValue("password")
}

// authorizationToken returns the credential of an Authorization header using
// scheme, matched case-insensitively.
func authorizationToken(r *http.Request, scheme string) (string, bool) {
	header := r.Header.Get("Authorization")
	prefix, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(prefix, scheme) {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// parseAuthorizationParameters extracts the OAuth2 authorization parameters from the request
func parseAuthorizationParameters(tenantID string, r *http.Request) *oauthmodel.AuthorizationParameters {
	return &oauthmodel.AuthorizationParameters{
		TenantID:            tenantID,
		ClientID:            r.FormValue("client_id"),
		ResponseType:        oauthmodel.ResponseType(r.FormValue("response_type")),
		ResponseMode:        oauthmodel.ResponseModeType(r.FormValue("response_mode")),
		RedirectURI:         r.FormValue("redirect_uri"),
		Scope:               r.FormValue("scope"),
		State:               r.FormValue("state"),
		CodeChallenge:       r.FormValue("code_challenge"),
		CodeChallengeMethod: oauthmodel.CodeMethodType(r.FormValue("code_challenge_method")),
		Nonce:               r.FormValue("nonce"),
	}
}
