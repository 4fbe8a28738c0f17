package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/jrsteele09/dpop-auth-server/oauthmodel"
	"github.com/rs/zerolog/log"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

// writeOAuthError maps any error to an RFC 6749 error body. Unknown errors
// become server_error and only their cause is logged.
func writeOAuthError(w http.ResponseWriter, err error) {
	oe := oauthmodel.AsError(err)
	if oe.Status >= http.StatusInternalServerError {
		log.Error().Err(oe.Cause).Str("error", oe.Code).Msg("request failed")
	}

	switch oe.Code {
	case oauthmodel.CodeInvalidDPoPProof:
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`DPoP error=%q, error_description=%q`, oe.Code, oe.Description))
	case oauthmodel.CodeInvalidToken:
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`DPoP error=%q`, oe.Code))
	case oauthmodel.CodeInvalidClient:
		if oe.Status == http.StatusUnauthorized {
			w.Header().Set("WWW-Authenticate", `Basic realm="oauth"`)
		}
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSONError(w, oe.Code, oe.Description, oe.Status)
}

// writeJSONError writes an OAuth2 error response
func writeJSONError(w http.ResponseWriter, errorCode, description string, statusCode int) {
	writeJSON(w, statusCode, map[string]string{
		"error":             errorCode,
		"error_description": description,
	})
}

// callbackRedirect sends the authorization code to the client's redirect URI
// in the query string.
func callbackRedirect(w http.ResponseWriter, r *http.Request, resp *oauthmodel.AuthorizationResponse) error {
	u, err := url.Parse(resp.RedirectURI)
	if err != nil {
		return fmt.Errorf("[callbackRedirect] invalid redirect URI: %w", err)
	}
	q := u.Query()
	q.Set("code", resp.Code)
	if resp.State != "" {
		q.Set("state", resp.State)
	}
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
	return nil
}
