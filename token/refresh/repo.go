package refresh

import (
	"context"
	"time"
)

// Repo manages server-side storage of refresh token families.
type Repo interface {
	// Create stores the first token of a new family.
	Create(ctx context.Context, token *Token) error
	GetByHash(ctx context.Context, tokenHash string) (*Token, error)
	// WithFamily runs fn as one atomic unit over the family of the token with
	// the given hash. Staged changes are committed only when fn returns nil.
	// Unknown hashes return ErrNotFound without calling fn.
	WithFamily(ctx context.Context, tokenHash string, fn func(tx FamilyTx) error) error
	// DeleteExpired removes tokens that expired before the cutoff.
	DeleteExpired(ctx context.Context, before time.Time) (int, error)
}

// FamilyTx is the view of one family inside WithFamily.
type FamilyTx interface {
	// Token is the presented token as read inside the unit.
	Token() *Token
	Insert(ctx context.Context, token *Token) error
	MarkUsed(ctx context.Context, id string, at time.Time, replacedByID string) error
	RevokeToken(ctx context.Context, id, reason string) error
	RevokeFamily(ctx context.Context, familyID, reason string) error
}
