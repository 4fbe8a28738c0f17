package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	autherrors "github.com/jrsteele09/dpop-auth-server/internal/errors"
	"github.com/redis/go-redis/v9"
)

const maxUpdateAttempts = 5

var _ Repo = (*RedisRepo)(nil)

// RedisRepo stores codes as JSON under the device code with a user code
// index. Both keys expire with the code.
type RedisRepo struct {
	client    redis.UniversalClient
	keyPrefix string
	nowTime   func() time.Time
}

type RedisRepoOption func(*RedisRepo)

// WithRedisNowTime sets the clock used to derive key TTLs (primarily for testing)
func WithRedisNowTime(nowFunc func() time.Time) RedisRepoOption {
	return func(r *RedisRepo) {
		r.nowTime = nowFunc
	}
}

func NewRedisRepo(client redis.UniversalClient, keyPrefix string, options ...RedisRepoOption) *RedisRepo {
	r := &RedisRepo{client: client, keyPrefix: keyPrefix, nowTime: time.Now}
	for _, opt := range options {
		opt(r)
	}
	return r
}

func (r *RedisRepo) deviceKey(deviceCode string) string {
	return r.keyPrefix + "device:" + deviceCode
}

func (r *RedisRepo) userKey(userCode string) string {
	return r.keyPrefix + "user:" + userCode
}

func (r *RedisRepo) Create(ctx context.Context, code *Code) error {
	ttl := code.ExpiresAt.Sub(r.nowTime())
	if ttl <= 0 {
		return fmt.Errorf("[RedisRepo.Create] code already expired: %w", autherrors.ErrExpired)
	}
	data, err := json.Marshal(code)
	if err != nil {
		return fmt.Errorf("[RedisRepo.Create] marshal: %w", err)
	}

	ok, err := r.client.SetNX(ctx, r.userKey(code.UserCode), code.DeviceCode, ttl).Result()
	if err != nil {
		return fmt.Errorf("[RedisRepo.Create] user code: %w", err)
	}
	if !ok {
		return fmt.Errorf("[RedisRepo.Create] user code: %w", autherrors.ErrAlreadyExists)
	}
	ok, err = r.client.SetNX(ctx, r.deviceKey(code.DeviceCode), data, ttl).Result()
	if err != nil || !ok {
		_ = r.client.Del(ctx, r.userKey(code.UserCode)).Err()
		if err != nil {
			return fmt.Errorf("[RedisRepo.Create] device code: %w", err)
		}
		return fmt.Errorf("[RedisRepo.Create] device code: %w", autherrors.ErrAlreadyExists)
	}
	return nil
}

func (r *RedisRepo) GetByUserCode(ctx context.Context, userCode string) (*Code, error) {
	deviceCode, err := r.client.Get(ctx, r.userKey(userCode)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("[RedisRepo.GetByUserCode] %w", autherrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("[RedisRepo.GetByUserCode] %w", err)
	}
	code, err := r.get(ctx, r.client, deviceCode)
	if err != nil {
		return nil, fmt.Errorf("[RedisRepo.GetByUserCode] %w", err)
	}
	return code, nil
}

func (r *RedisRepo) get(ctx context.Context, c redis.Cmdable, deviceCode string) (*Code, error) {
	data, err := c.Get(ctx, r.deviceKey(deviceCode)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, autherrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var code Code
	if err := json.Unmarshal(data, &code); err != nil {
		return nil, err
	}
	return &code, nil
}

// Update uses WATCH/MULTI so concurrent polls and approvals never overwrite
// each other; a lost race is retried.
func (r *RedisRepo) Update(ctx context.Context, deviceCode string, fn func(c *Code) error) (*Code, error) {
	key := r.deviceKey(deviceCode)
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		var updated *Code
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			code, err := r.get(ctx, tx, deviceCode)
			if err != nil {
				return err
			}
			if err := fn(code); err != nil {
				return err
			}
			data, err := json.Marshal(code)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.SetArgs(ctx, key, data, redis.SetArgs{KeepTTL: true})
				return nil
			})
			if err != nil {
				return err
			}
			updated = code
			return nil
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("[RedisRepo.Update] %w", err)
		}
		return updated, nil
	}
	return nil, fmt.Errorf("[RedisRepo.Update] %w", autherrors.ErrConflict)
}

// DeleteExpired is a no-op: Redis expires the keys itself.
func (r *RedisRepo) DeleteExpired(context.Context, time.Time) (int, error) {
	return 0, nil
}
