// Package events carries revocation notifications to downstream services.
// Delivery is at-least-once; the server's responsibility ends once an event is queued.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	SessionRevoked         Type = "session.revoked"
	SubjectSessionsRevoked Type = "subject.sessions_revoked"
	RefreshFamilyRevoked   Type = "refresh.family_revoked"
	SigningKeyRotated      Type = "signing_key.rotated"
)

// Event is a revocation or key lifecycle notification. Subscribers use ID to
// discard duplicates.
type Event struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	TenantID   string    `json:"tenant_id"`
	Subject    string    `json:"sub,omitempty"`
	SessionIDs []string  `json:"session_ids,omitempty"`
	FamilyID   string    `json:"family_id,omitempty"`
	KeyID      string    `json:"kid,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// New fills in the id and timestamp of an event.
func New(t Type, tenantID string, at time.Time) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		TenantID:   tenantID,
		OccurredAt: at.UTC(),
	}
}

// Publisher queues events for delivery.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }
