package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/dpop-auth-server/events"
	autherrors "github.com/jrsteele09/dpop-auth-server/internal/errors"
	"github.com/jrsteele09/dpop-auth-server/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Revocation reasons carried on events and logs.
const (
	ReasonLogout         = "logout"
	ReasonReuseDetected  = "refresh_reuse_detected"
	ReasonAdmin          = "admin"
	ReasonTokenRevoked   = "token_revoked"
	ReasonSubjectRevoked = "subject_revoked"
)

// OpenRequest describes a new session.
type OpenRequest struct {
	TenantID string
	UserID   string
	ClientID string
	DeviceID string
	CnfJKT   string
	TTL      time.Duration
}

// Registry owns the session lifecycle and announces revocations.
type Registry struct {
	repo       Repo
	defaultTTL time.Duration
	publisher  events.Publisher
	metrics    *metrics.Metrics
	nowTime    func() time.Time
}

type RegistryOption func(*Registry)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.nowTime = nowFunc
	}
}

func WithDefaultTTL(ttl time.Duration) RegistryOption {
	return func(r *Registry) {
		r.defaultTTL = ttl
	}
}

func WithPublisher(p events.Publisher) RegistryOption {
	return func(r *Registry) {
		r.publisher = p
	}
}

func WithMetrics(m *metrics.Metrics) RegistryOption {
	return func(r *Registry) {
		r.metrics = m
	}
}

func NewRegistry(repo Repo, options ...RegistryOption) *Registry {
	r := &Registry{
		repo:       repo,
		defaultTTL: 30 * 24 * time.Hour,
		publisher:  events.Discard{},
		nowTime:    time.Now,
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Open creates an active session bound to the client's DPoP key.
func (r *Registry) Open(ctx context.Context, req OpenRequest) (*Session, error) {
	if req.TenantID == "" || req.UserID == "" {
		return nil, errors.New("[Registry.Open] tenant and user are required")
	}
	if req.CnfJKT == "" {
		return nil, errors.New("[Registry.Open] session must be bound to a DPoP key")
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = r.defaultTTL
	}
	now := r.nowTime()
	s := &Session{
		ID:       uuid.NewString(),
		TenantID: req.TenantID,
		UserID:   req.UserID,
		ClientID: req.ClientID,
		DeviceID: req.DeviceID,
		CnfJKT:   req.CnfJKT,
		IssuedAt: now,
		NotAfter: now.Add(ttl),
		Version:  1,
	}
	if err := r.repo.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("[Registry.Open] %w", err)
	}
	return s, nil
}

func (r *Registry) Get(ctx context.Context, id string) (*Session, error) {
	s, err := r.repo.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("[Registry.Get] %w", err)
	}
	return s, nil
}

// Revoke is idempotent: revoking an already revoked session succeeds without
// publishing a second event.
func (r *Registry) Revoke(ctx context.Context, id, reason string) error {
	changed, s, err := r.repo.Revoke(ctx, id, r.nowTime())
	if err != nil {
		return fmt.Errorf("[Registry.Revoke] %w", err)
	}
	if !changed {
		return nil
	}

	log.Info().Str("tenant_id", s.TenantID).Str("session_id", s.ID).Str("reason", reason).Msg("session revoked")
	r.metrics.SessionsRevoked(1)

	ev := events.New(events.SessionRevoked, s.TenantID, r.nowTime())
	ev.Subject = s.UserID
	ev.SessionIDs = []string{s.ID}
	ev.Reason = reason
	r.publish(ctx, ev)
	return nil
}

// RevokeAllForSubject revokes every session the subject holds in the tenant.
func (r *Registry) RevokeAllForSubject(ctx context.Context, tenantID, userID, reason string) (int, error) {
	ids, err := r.repo.RevokeAllForSubject(ctx, tenantID, userID, r.nowTime())
	if err != nil {
		return 0, fmt.Errorf("[Registry.RevokeAllForSubject] %w", err)
	}

	log.Info().Str("tenant_id", tenantID).Str("sub", userID).Int("sessions", len(ids)).Str("reason", reason).Msg("subject sessions revoked")
	r.metrics.SessionsRevoked(len(ids))

	ev := events.New(events.SubjectSessionsRevoked, tenantID, r.nowTime())
	ev.Subject = userID
	ev.SessionIDs = ids
	ev.Reason = reason
	r.publish(ctx, ev)
	return len(ids), nil
}

// Validate returns the session when it is not revoked, has not passed
// NotAfter and, when proofJKT is supplied, is bound to that key.
func (r *Registry) Validate(ctx context.Context, id, proofJKT string) (*Session, error) {
	s, err := r.repo.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("[Registry.Validate] %w", err)
	}
	if s.RevokedAt != nil {
		return nil, fmt.Errorf("[Registry.Validate] session %s: %w", id, autherrors.ErrSessionRevoked)
	}
	if !r.nowTime().Before(s.NotAfter) {
		return nil, fmt.Errorf("[Registry.Validate] session %s: %w", id, autherrors.ErrSessionExpired)
	}
	if proofJKT != "" && proofJKT != s.CnfJKT {
		return nil, fmt.Errorf("[Registry.Validate] session %s: %w", id, autherrors.ErrSessionKeyBound)
	}
	return s, nil
}

// Sweep deletes sessions that ended before now.
func (r *Registry) Sweep(ctx context.Context) (int, error) {
	n, err := r.repo.DeleteExpired(ctx, r.nowTime())
	if err != nil {
		return 0, fmt.Errorf("[Registry.Sweep] %w", err)
	}
	return n, nil
}

func (r *Registry) publish(ctx context.Context, ev events.Event) {
	if err := r.publisher.Publish(ctx, ev); err != nil {
		log.Error().Err(err).Str("tenant_id", ev.TenantID).Str("event", string(ev.Type)).Msg("failed to queue revocation event")
	}
}
