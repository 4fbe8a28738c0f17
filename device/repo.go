package device

import (
	"context"
	"time"
)

// Repo stores device codes. Update is an atomic read-modify-write: fn edits
// the code in place and the change is saved only when fn returns nil.
type Repo interface {
	// Create fails with ErrAlreadyExists when either code is taken.
	Create(ctx context.Context, code *Code) error
	GetByUserCode(ctx context.Context, userCode string) (*Code, error)
	Update(ctx context.Context, deviceCode string, fn func(c *Code) error) (*Code, error)
	DeleteExpired(ctx context.Context, before time.Time) (int, error)
}
