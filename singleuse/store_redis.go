package singleuse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Store shared between instances. Values are JSON encoded and
// expire through the Redis TTL; TakeOnce relies on GETDEL being atomic.
type RedisStore[T any] struct {
	client    redis.UniversalClient
	keyPrefix string
}

var _ Store[string] = (*RedisStore[string])(nil)

// NewRedisStore creates a store whose keys are prefixed with keyPrefix, for
// example "dpopauth:par:".
func NewRedisStore[T any](client redis.UniversalClient, keyPrefix string) *RedisStore[T] {
	return &RedisStore[T]{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore[T]) key(k string) string {
	return s.keyPrefix + k
}

func (s *RedisStore[T]) Put(ctx context.Context, key string, value T, ttl time.Duration) error {
	if key == "" {
		return errors.New("[RedisStore.Put] key cannot be empty")
	}
	if ttl <= 0 {
		return errors.New("[RedisStore.Put] ttl must be positive")
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("[RedisStore.Put] marshal: %w", err)
	}
	if err := s.client.Set(ctx, s.key(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("[RedisStore.Put] set: %w", err)
	}
	return nil
}

func (s *RedisStore[T]) TakeOnce(ctx context.Context, key string) (T, error) {
	var value T
	data, err := s.client.GetDel(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return value, ErrNotFound
	}
	if err != nil {
		return value, fmt.Errorf("[RedisStore.TakeOnce] getdel: %w", err)
	}
	if err := json.Unmarshal(data, &value); err != nil {
		return value, fmt.Errorf("[RedisStore.TakeOnce] unmarshal: %w", err)
	}
	return value, nil
}
