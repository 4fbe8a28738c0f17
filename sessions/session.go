package sessions

import (
	"time"
)

// Session is the server-side record every issued token chain hangs off.
// Revocation is one way: once RevokedAt is set it is never cleared.
type Session struct {
	ID        string     // Unique session identifier (UUID)
	TenantID  string     // Tenant this session belongs to
	UserID    string     // Authenticated subject
	ClientID  string     // Client the session was opened for
	DeviceID  string     // Optional device identifier supplied by the client
	CnfJKT    string     // Thumbprint of the DPoP key the session is bound to
	IssuedAt  time.Time  // When the session was opened
	NotAfter  time.Time  // Hard expiry
	RevokedAt *time.Time // Set once on revocation
	Version   int        // Incremented on every state change
}

// Active reports whether the session may still back tokens at now.
func (s *Session) Active(now time.Time) bool {
	return s.RevokedAt == nil && now.Before(s.NotAfter)
}

func (s *Session) Clone() *Session {
	c := *s
	if s.RevokedAt != nil {
		t := *s.RevokedAt
		c.RevokedAt = &t
	}
	return &c
}
