package singleuse

import (
	"context"
	"errors"
	"sync"
	"time"
)

type entry[T any] struct {
	value     T
	expiresAt time.Time
}

// InMemoryStore is a process local Store. Suitable for single instance deployments.
type InMemoryStore[T any] struct {
	mu      sync.Mutex
	entries map[string]entry[T]
	nowTime func() time.Time
}

var _ Store[string] = (*InMemoryStore[string])(nil)
var _ Sweeper = (*InMemoryStore[string])(nil)

type InMemoryOption[T any] func(*InMemoryStore[T])

// WithNowTime sets the clock (primarily for testing)
func WithNowTime[T any](nowFunc func() time.Time) InMemoryOption[T] {
	return func(s *InMemoryStore[T]) {
		s.nowTime = nowFunc
	}
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore[T any](opts ...InMemoryOption[T]) *InMemoryStore[T] {
	s := &InMemoryStore[T]{
		entries: make(map[string]entry[T]),
		nowTime: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put stores value under key, replacing any previous value.
func (s *InMemoryStore[T]) Put(ctx context.Context, key string, value T, ttl time.Duration) error {
	if key == "" {
		return errors.New("[InMemoryStore.Put] key cannot be empty")
	}
	if ttl <= 0 {
		return errors.New("[InMemoryStore.Put] ttl must be positive")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry[T]{value: value, expiresAt: s.nowTime().Add(ttl)}
	return nil
}

// TakeOnce removes and returns the value for key.
func (s *InMemoryStore[T]) TakeOnce(ctx context.Context, key string) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return zero, ErrNotFound
	}
	delete(s.entries, key)
	if !s.nowTime().Before(e.expiresAt) {
		return zero, ErrNotFound
	}
	return e.value, nil
}

// Sweep removes expired entries and reports how many were dropped.
func (s *InMemoryStore[T]) Sweep(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowTime()
	removed := 0
	for k, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed, nil
}

// Len is the number of entries currently held, expired or not.
func (s *InMemoryStore[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
