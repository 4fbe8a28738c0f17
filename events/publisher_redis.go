package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStreamPublisher appends events to a Redis stream. Consumers read it with
// consumer groups, which gives at-least-once delivery.
type RedisStreamPublisher struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

var _ Publisher = (*RedisStreamPublisher)(nil)

func NewRedisStreamPublisher(client redis.UniversalClient, stream string) *RedisStreamPublisher {
	return &RedisStreamPublisher{client: client, stream: stream, maxLen: 100000}
}

func (p *RedisStreamPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("[RedisStreamPublisher.Publish] marshal: %w", err)
	}
	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{
			"id":      event.ID,
			"type":    string(event.Type),
			"tenant":  event.TenantID,
			"payload": string(payload),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("[RedisStreamPublisher.Publish] xadd: %w", err)
	}
	return nil
}
