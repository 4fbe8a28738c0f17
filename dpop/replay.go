package dpop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrReplay is returned when a (jkt, jti) pair has been seen before.
var ErrReplay = errors.New("dpop proof replayed")

// ReplayRecord identifies one accepted proof.
type ReplayRecord struct {
	TenantID string
	JKT      string
	JTI      string
	IssuedAt time.Time
}

func (r ReplayRecord) key() string {
	return r.JKT + ":" + r.JTI
}

// ReplayStore records accepted proofs. Record must be atomic: of two
// concurrent calls for the same (jkt, jti) exactly one succeeds.
type ReplayStore interface {
	Record(ctx context.Context, record ReplayRecord, ttl time.Duration) error
}

// InMemoryReplayStore keeps records in a map until Sweep removes them.
type InMemoryReplayStore struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	nowTime func() time.Time
}

var _ ReplayStore = (*InMemoryReplayStore)(nil)

type InMemoryReplayOption func(*InMemoryReplayStore)

// WithReplayNowTime sets the now time function (primarily for testing)
func WithReplayNowTime(nowFunc func() time.Time) InMemoryReplayOption {
	return func(s *InMemoryReplayStore) {
		s.nowTime = nowFunc
	}
}

func NewInMemoryReplayStore(options ...InMemoryReplayOption) *InMemoryReplayStore {
	s := &InMemoryReplayStore{
		seen:    make(map[string]time.Time),
		nowTime: time.Now,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

func (s *InMemoryReplayStore) Record(ctx context.Context, record ReplayRecord, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowTime()
	k := record.key()
	if exp, ok := s.seen[k]; ok && now.Before(exp) {
		return ErrReplay
	}
	s.seen[k] = now.Add(ttl)
	return nil
}

// Sweep drops records whose TTL has passed.
func (s *InMemoryReplayStore) Sweep(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowTime()
	removed := 0
	for k, exp := range s.seen {
		if !now.Before(exp) {
			delete(s.seen, k)
			removed++
		}
	}
	return removed, nil
}

func (s *InMemoryReplayStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// RedisReplayStore records proofs with SET NX EX so every instance sharing the
// Redis sees the same history.
type RedisReplayStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

var _ ReplayStore = (*RedisReplayStore)(nil)

func NewRedisReplayStore(client redis.UniversalClient, keyPrefix string) *RedisReplayStore {
	return &RedisReplayStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisReplayStore) Record(ctx context.Context, record ReplayRecord, ttl time.Duration) error {
	ok, err := s.client.SetNX(ctx, s.keyPrefix+record.key(), record.TenantID, ttl).Result()
	if err != nil {
		return fmt.Errorf("[RedisReplayStore.Record] %w", err)
	}
	if !ok {
		return ErrReplay
	}
	return nil
}
