// Package singleuse provides stores whose entries can be read at most once.
// They back pushed authorization requests and authorization codes.
package singleuse

import (
	"context"
	"time"

	autherrors "github.com/jrsteele09/dpop-auth-server/internal/errors"
)

// ErrNotFound is returned by TakeOnce for unknown, expired or already taken keys.
var ErrNotFound = autherrors.ErrNotFound

// Store holds values that can be retrieved once. TakeOnce must be atomic: for
// concurrent callers on the same key exactly one receives the value.
type Store[T any] interface {
	Put(ctx context.Context, key string, value T, ttl time.Duration) error
	TakeOnce(ctx context.Context, key string) (T, error)
}

// Sweeper is implemented by stores that reclaim expired entries themselves.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}
