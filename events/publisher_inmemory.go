package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Handler receives delivered events. Returning an error causes redelivery.
type Handler func(ctx context.Context, event Event) error

// Outbox is an in-process queue that redelivers to each subscriber until it
// succeeds or maxAttempts is reached.
type Outbox struct {
	queue       chan Event
	mu          sync.RWMutex
	handlers    []Handler
	maxAttempts int
	retryDelay  time.Duration
}

var _ Publisher = (*Outbox)(nil)

// NewOutbox creates an outbox with the given queue capacity.
func NewOutbox(capacity int) *Outbox {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Outbox{
		queue:       make(chan Event, capacity),
		maxAttempts: 5,
		retryDelay:  100 * time.Millisecond,
	}
}

// Subscribe registers a handler for all subsequently delivered events.
func (o *Outbox) Subscribe(h Handler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handlers = append(o.handlers, h)
}

// Publish queues the event without waiting for delivery. A full queue blocks
// until Run frees a slot or ctx is done.
func (o *Outbox) Publish(ctx context.Context, event Event) error {
	select {
	case o.queue <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run delivers queued events until ctx is cancelled.
func (o *Outbox) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-o.queue:
			o.deliver(ctx, ev)
		}
	}
}

func (o *Outbox) deliver(ctx context.Context, ev Event) {
	o.mu.RLock()
	handlers := append([]Handler(nil), o.handlers...)
	o.mu.RUnlock()

	for _, h := range handlers {
		for attempt := 1; attempt <= o.maxAttempts; attempt++ {
			err := h(ctx, ev)
			if err == nil {
				break
			}
			if attempt == o.maxAttempts {
				log.Error().Err(err).Str("event_id", ev.ID).Str("type", string(ev.Type)).Msg("event delivery abandoned")
				break
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(o.retryDelay * time.Duration(attempt)):
			}
		}
	}
}
