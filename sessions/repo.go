package sessions

import (
	"context"
	"time"
)

// Repo stores sessions. Implementations must make Revoke and
// RevokeAllForSubject atomic per session.
type Repo interface {
	Create(ctx context.Context, session *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	// Revoke marks the session revoked at the given time. It returns false when
	// the session was already revoked.
	Revoke(ctx context.Context, id string, at time.Time) (bool, *Session, error)
	// RevokeAllForSubject revokes every unrevoked session of the subject in the
	// tenant and returns the ids it changed.
	RevokeAllForSubject(ctx context.Context, tenantID, userID string, at time.Time) ([]string, error)
	// DeleteExpired removes sessions whose NotAfter is before the cutoff.
	DeleteExpired(ctx context.Context, before time.Time) (int, error)
}
