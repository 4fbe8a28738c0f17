package keys

import (
	"context"
	"time"
)

// Repo persists signing keys. Rotate is the only operation that changes which
// key is ACTIVE and must be atomic per tenant.
type Repo interface {
	// Rotate marks the tenant's ACTIVE key (if any) ROLLED_OVER at now and
	// stores next as the ACTIVE key. It returns the key that was rolled over.
	Rotate(ctx context.Context, next *SigningKey, now time.Time) (*SigningKey, error)
	// GetActive returns ErrNoActiveKey when the tenant has no ACTIVE key.
	GetActive(ctx context.Context, tenantID string) (*SigningKey, error)
	Get(ctx context.Context, tenantID, kid string) (*SigningKey, error)
	List(ctx context.Context, tenantID string) ([]*SigningKey, error)
	// ListActive returns the ACTIVE key of every tenant.
	ListActive(ctx context.Context) ([]*SigningKey, error)
	// ExpireDue moves ACTIVE and ROLLED_OVER keys whose ExpiresAt is not after
	// now to EXPIRED and returns them.
	ExpireDue(ctx context.Context, now time.Time) ([]*SigningKey, error)
	// DeleteExpired removes EXPIRED keys whose ExpiresAt is before cutoff.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int, error)
}
