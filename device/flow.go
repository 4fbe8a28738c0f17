package device

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	autherrors "github.com/jrsteele09/dpop-auth-server/internal/errors"
	"github.com/jrsteele09/dpop-auth-server/oauthmodel"
	"github.com/rs/zerolog/log"
)

const (
	// slowDownStep is added to the interval every time a client polls too fast.
	slowDownStep = 5 * time.Second

	maxCreateAttempts = 5
)

// Flow drives device codes through PENDING to a terminal state.
type Flow struct {
	repo            Repo
	ttl             time.Duration
	interval        time.Duration
	verificationURI string
	nowTime         func() time.Time
}

type FlowOption func(*Flow)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) FlowOption {
	return func(f *Flow) {
		f.nowTime = nowFunc
	}
}

func WithTTL(ttl time.Duration) FlowOption {
	return func(f *Flow) {
		f.ttl = ttl
	}
}

func WithInterval(interval time.Duration) FlowOption {
	return func(f *Flow) {
		f.interval = interval
	}
}

func WithVerificationURI(uri string) FlowOption {
	return func(f *Flow) {
		f.verificationURI = uri
	}
}

func NewFlow(repo Repo, options ...FlowOption) *Flow {
	f := &Flow{
		repo:            repo,
		ttl:             30 * time.Minute,
		interval:        5 * time.Second,
		verificationURI: "https://example.com/device",
		nowTime:         time.Now,
	}
	for _, opt := range options {
		opt(f)
	}
	return f
}

// Start issues a new PENDING device code.
func (f *Flow) Start(ctx context.Context, tenantID, clientID, scope string) (*Code, error) {
	now := f.nowTime()
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		deviceCode, err := newDeviceCode()
		if err != nil {
			return nil, fmt.Errorf("[Flow.Start] %w", err)
		}
		userCode, err := newUserCode()
		if err != nil {
			return nil, fmt.Errorf("[Flow.Start] %w", err)
		}
		code := &Code{
			DeviceCode: deviceCode,
			UserCode:   userCode,
			TenantID:   tenantID,
			ClientID:   clientID,
			Scope:      scope,
			Status:     StatusPending,
			Interval:   f.interval,
			ExpiresAt:  now.Add(f.ttl),
			CreatedAt:  now,
		}
		err = f.repo.Create(ctx, code)
		if errors.Is(err, autherrors.ErrAlreadyExists) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("[Flow.Start] %w", err)
		}
		return code, nil
	}
	return nil, fmt.Errorf("[Flow.Start] could not allocate a unique user code: %w", autherrors.ErrConflict)
}

// Response renders the device authorization response for a new code.
func (f *Flow) Response(code *Code) *oauthmodel.DeviceAuthorizationResponse {
	return &oauthmodel.DeviceAuthorizationResponse{
		DeviceCode:              code.DeviceCode,
		UserCode:                code.UserCode,
		VerificationURI:         f.verificationURI,
		VerificationURIComplete: f.verificationURI + "?user_code=" + url.QueryEscape(code.UserCode),
		ExpiresIn:               int(code.ExpiresAt.Sub(code.CreatedAt).Seconds()),
		Interval:                int(code.Interval.Seconds()),
	}
}

// Approve records the user's consent for a PENDING code.
func (f *Flow) Approve(ctx context.Context, tenantID, userCode, userID string) (*Code, error) {
	if userID == "" {
		return nil, errors.New("[Flow.Approve] user is required")
	}
	return f.decide(ctx, tenantID, userCode, StatusApproved, userID)
}

// Deny ends a PENDING code; the next poll returns access_denied.
func (f *Flow) Deny(ctx context.Context, tenantID, userCode string) (*Code, error) {
	return f.decide(ctx, tenantID, userCode, StatusDenied, "")
}

func (f *Flow) decide(ctx context.Context, tenantID, userCode string, status Status, userID string) (*Code, error) {
	existing, err := f.repo.GetByUserCode(ctx, NormalizeUserCode(userCode))
	if err != nil {
		return nil, fmt.Errorf("[Flow.decide] %w", err)
	}
	if existing.TenantID != tenantID {
		return nil, fmt.Errorf("[Flow.decide] %w", autherrors.ErrNotFound)
	}
	now := f.nowTime()
	updated, err := f.repo.Update(ctx, existing.DeviceCode, func(c *Code) error {
		if !now.Before(c.ExpiresAt) {
			return autherrors.ErrExpired
		}
		if c.Status != StatusPending {
			return autherrors.ErrConflict
		}
		c.Status = status
		c.UserID = userID
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("[Flow.decide] %w", err)
	}
	log.Info().Str("tenant_id", tenantID).Str("user_code", updated.UserCode).Str("status", string(status)).Msg("device code decided")
	return updated, nil
}

// Poll answers one device_code grant request. It returns the code exactly
// once after approval; every other outcome is a protocol error. The poll
// time is recorded atomically with the decision so concurrent polls cannot
// both receive the approval.
func (f *Flow) Poll(ctx context.Context, tenantID, clientID, deviceCode string) (*Code, error) {
	now := f.nowTime()
	var outcome error
	code, err := f.repo.Update(ctx, deviceCode, func(c *Code) error {
		outcome = nil
		if c.TenantID != tenantID || c.ClientID != clientID {
			return oauthmodel.InvalidGrant("device code was not issued to this client")
		}
		if c.Consumed {
			outcome = oauthmodel.InvalidGrant("device code has already been used")
			return nil
		}
		// An approval not collected before expiry is lost with the code
		if !now.Before(c.ExpiresAt) {
			c.Status = StatusExpired
		}

		switch c.Status {
		case StatusExpired:
			outcome = oauthmodel.ExpiredToken()
		case StatusDenied:
			outcome = oauthmodel.AccessDenied("the user denied the request")
		case StatusApproved:
			c.Consumed = true
		case StatusPending:
			if c.LastPolledAt != nil && now.Sub(*c.LastPolledAt) < c.Interval {
				c.Interval += slowDownStep
				outcome = oauthmodel.SlowDown()
			} else {
				outcome = oauthmodel.AuthorizationPending()
			}
		}
		polled := now
		c.LastPolledAt = &polled
		return nil
	})
	if errors.Is(err, autherrors.ErrNotFound) {
		return nil, oauthmodel.InvalidGrant("unknown device code")
	}
	if err != nil {
		var oe *oauthmodel.Error
		if errors.As(err, &oe) {
			return nil, err
		}
		return nil, fmt.Errorf("[Flow.Poll] %w", err)
	}
	if outcome != nil {
		return nil, outcome
	}
	return code, nil
}

// Sweep removes codes past their expiry.
func (f *Flow) Sweep(ctx context.Context) (int, error) {
	n, err := f.repo.DeleteExpired(ctx, f.nowTime())
	if err != nil {
		return 0, fmt.Errorf("[Flow.Sweep] %w", err)
	}
	return n, nil
}
