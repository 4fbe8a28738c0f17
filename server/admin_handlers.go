package server

import (
	"net/http"

	"github.com/rs/zerolog/log"
)

// AdminRevokeSubject revokes every session of a user in a tenant
func (s *Server) AdminRevokeSubject() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := parseForm(w, r); err != nil {
			writeOAuthError(w, err)
			return
		}
		tenant := tenantID(r)
		n, err := s.auth.RevokeSubject(r.Context(), tenant, r.FormValue("sub"))
		if err != nil {
			writeOAuthError(w, err)
			return
		}
		log.Info().Str("tenant_id", tenant).Int("sessions", n).Msg("admin revoked subject sessions")
		writeJSON(w, http.StatusOK, map[string]int{"revoked": n})
	}
}

// AdminRotateKey forces a signing key rotation for a tenant
func (s *Server) AdminRotateKey() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := parseForm(w, r); err != nil {
			writeOAuthError(w, err)
			return
		}
		key, err := s.auth.RotateSigningKey(r.Context(), tenantID(r))
		if err != nil {
			writeOAuthError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, key)
	}
}
