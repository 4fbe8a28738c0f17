package refresh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/dpop-auth-server/events"
	autherrors "github.com/jrsteele09/dpop-auth-server/internal/errors"
	"github.com/jrsteele09/dpop-auth-server/internal/metrics"
	"github.com/jrsteele09/dpop-auth-server/oauthmodel"
	"github.com/jrsteele09/dpop-auth-server/sessions"
	"github.com/rs/zerolog/log"
)

// Grant is everything needed to mint tokens for a session.
type Grant struct {
	TenantID  string
	UserID    string
	ClientID  string
	SessionID string
	DeviceID  string
	Scope     string
	CnfJKT    string
	Nonce     string
}

// Minted holds signed tokens for one grant.
type Minted struct {
	AccessToken string
	IDToken     string
	ExpiresIn   time.Duration
	Scope       string
}

// Issued is a full token response: minted tokens plus the refresh token.
type Issued struct {
	Minted
	RefreshToken string
	Record       *Token
}

// Minter signs access and ID tokens.
type Minter interface {
	Mint(ctx context.Context, grant Grant) (*Minted, error)
}

// SessionChecker is the part of the session registry the rotator relies on.
type SessionChecker interface {
	Validate(ctx context.Context, id, proofJKT string) (*sessions.Session, error)
	Revoke(ctx context.Context, id, reason string) error
}

// RotateRequest is a refresh_token grant after the DPoP proof was validated.
type RotateRequest struct {
	TenantID     string
	ClientID     string
	RefreshToken string
	ProofJKT     string
}

// Rotator exchanges refresh tokens and contains theft: presenting a used or
// revoked token revokes the whole family and its session.
type Rotator struct {
	repo      Repo
	minter    Minter
	sessions  SessionChecker
	ttl       time.Duration
	publisher events.Publisher
	metrics   *metrics.Metrics
	nowTime   func() time.Time
}

type RotatorOption func(*Rotator)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) RotatorOption {
	return func(r *Rotator) {
		r.nowTime = nowFunc
	}
}

func WithTTL(ttl time.Duration) RotatorOption {
	return func(r *Rotator) {
		r.ttl = ttl
	}
}

func WithPublisher(p events.Publisher) RotatorOption {
	return func(r *Rotator) {
		r.publisher = p
	}
}

func WithMetrics(m *metrics.Metrics) RotatorOption {
	return func(r *Rotator) {
		r.metrics = m
	}
}

func NewRotator(repo Repo, minter Minter, sessionChecker SessionChecker, options ...RotatorOption) *Rotator {
	r := &Rotator{
		repo:      repo,
		minter:    minter,
		sessions:  sessionChecker,
		ttl:       30 * 24 * time.Hour,
		publisher: events.Discard{},
		nowTime:   time.Now,
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Rotate runs the refresh state machine inside one per-family atomic unit:
// unknown, reused, expired and mismatched tokens are rejected; a valid token
// is marked used and replaced by a child in the same family.
func (r *Rotator) Rotate(ctx context.Context, req RotateRequest) (*Issued, error) {
	var (
		issued *Issued
		reused *Token
	)
	err := r.repo.WithFamily(ctx, Hash(req.RefreshToken), func(tx FamilyTx) error {
		current := tx.Token()
		now := r.nowTime()

		if current.UsedAt != nil || current.Revoked {
			if err := tx.RevokeFamily(ctx, current.FamilyID, ReasonReuseDetected); err != nil {
				return err
			}
			reused = current
			return nil
		}
		if !now.Before(current.ExpiresAt) {
			return oauthmodel.InvalidGrant("refresh token expired")
		}
		if current.TenantID != req.TenantID || current.ClientID != req.ClientID {
			return oauthmodel.InvalidGrant("refresh token was not issued to this client")
		}
		if current.JKT != req.ProofJKT {
			return oauthmodel.InvalidDPoPProof("proof key does not match the refresh token binding")
		}
		session, err := r.sessions.Validate(ctx, current.SessionID, req.ProofJKT)
		if err != nil {
			if isSessionRejection(err) {
				return oauthmodel.InvalidGrant("session is no longer active").WithCause(err)
			}
			return err
		}

		grant := Grant{
			TenantID:  current.TenantID,
			UserID:    current.UserID,
			ClientID:  current.ClientID,
			SessionID: current.SessionID,
			DeviceID:  current.DeviceID,
			Scope:     current.Scope,
			CnfJKT:    current.JKT,
		}
		minted, err := r.minter.Mint(ctx, grant)
		if err != nil {
			return err
		}

		raw, hash, err := NewOpaque()
		if err != nil {
			return err
		}
		child := &Token{
			ID:        uuid.NewString(),
			TokenHash: hash,
			TenantID:  current.TenantID,
			UserID:    current.UserID,
			ClientID:  current.ClientID,
			DeviceID:  current.DeviceID,
			SessionID: current.SessionID,
			JKT:       current.JKT,
			FamilyID:  current.FamilyID,
			ParentID:  current.ID,
			Scope:     current.Scope,
			ExpiresAt: r.expiry(now, session.NotAfter),
			CreatedAt: now,
		}
		if err := tx.Insert(ctx, child); err != nil {
			return err
		}
		if err := tx.MarkUsed(ctx, current.ID, now, child.ID); err != nil {
			return err
		}
		issued = &Issued{Minted: *minted, RefreshToken: raw, Record: child}
		return nil
	})
	if errors.Is(err, autherrors.ErrNotFound) {
		return nil, oauthmodel.InvalidGrant("unknown refresh token")
	}
	if err != nil {
		var oe *oauthmodel.Error
		if errors.As(err, &oe) {
			return nil, err
		}
		return nil, fmt.Errorf("[Rotator.Rotate] %w", err)
	}

	if reused != nil {
		if err := r.containTheft(ctx, reused); err != nil {
			return nil, oauthmodel.ServerError(fmt.Errorf("[Rotator.Rotate] %w", err))
		}
		return nil, oauthmodel.InvalidGrant("refresh token has already been used")
	}
	return issued, nil
}

// RevokeRequest is an RFC 7009 revocation of a refresh token. ProofJKT is the
// thumbprint of the DPoP proof sent with the request, empty when none was.
type RevokeRequest struct {
	TenantID     string
	ClientID     string
	RefreshToken string
	ProofJKT     string
	WholeFamily  bool
}

// Revoke implements RFC 7009 for refresh tokens. It reports false for tokens
// that are unknown or belong to another client. A bound token is only revoked
// by a proof from its key.
func (r *Rotator) Revoke(ctx context.Context, req RevokeRequest) (bool, error) {
	var revoked *Token
	err := r.repo.WithFamily(ctx, Hash(req.RefreshToken), func(tx FamilyTx) error {
		current := tx.Token()
		if current.TenantID != req.TenantID || current.ClientID != req.ClientID {
			return nil
		}
		if current.JKT != "" && current.JKT != req.ProofJKT {
			return oauthmodel.InvalidDPoPProof("proof key does not match the refresh token binding")
		}
		revoked = current
		if req.WholeFamily {
			return tx.RevokeFamily(ctx, current.FamilyID, ReasonRevoked)
		}
		return tx.RevokeToken(ctx, current.ID, ReasonRevoked)
	})
	if errors.Is(err, autherrors.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		var oe *oauthmodel.Error
		if errors.As(err, &oe) {
			return false, err
		}
		return false, fmt.Errorf("[Rotator.Revoke] %w", err)
	}
	if revoked == nil {
		return false, nil
	}
	if req.WholeFamily {
		r.publishFamilyRevoked(ctx, revoked, ReasonRevoked)
	}
	return true, nil
}

// Inspect returns the refresh token for raw when it could still be rotated:
// known in the tenant, unused, unrevoked, unexpired and on a live session.
// Any other token yields nil without an error.
func (r *Rotator) Inspect(ctx context.Context, tenantID, raw string) (*Token, error) {
	t, err := r.repo.GetByHash(ctx, Hash(raw))
	if errors.Is(err, autherrors.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("[Rotator.Inspect] %w", err)
	}
	if t.TenantID != tenantID || t.UsedAt != nil || t.Revoked || !r.nowTime().Before(t.ExpiresAt) {
		return nil, nil
	}
	if _, err := r.sessions.Validate(ctx, t.SessionID, t.JKT); err != nil {
		if isSessionRejection(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("[Rotator.Inspect] session: %w", err)
	}
	return t, nil
}

// Sweep deletes refresh tokens past their expiry.
func (r *Rotator) Sweep(ctx context.Context) (int, error) {
	n, err := r.repo.DeleteExpired(ctx, r.nowTime())
	if err != nil {
		return 0, fmt.Errorf("[Rotator.Sweep] %w", err)
	}
	return n, nil
}

// containTheft revokes the session bound to a reused family. The family itself
// is already revoked; an error means the session may still be live.
func (r *Rotator) containTheft(ctx context.Context, reused *Token) error {
	log.Warn().
		Str("tenant_id", reused.TenantID).
		Str("family_id", reused.FamilyID).
		Str("session_id", reused.SessionID).
		Str("client_id", reused.ClientID).
		Msg("refresh token reuse detected, family revoked")
	r.metrics.ReuseDetected()

	r.publishFamilyRevoked(ctx, reused, ReasonReuseDetected)
	if err := r.sessions.Revoke(ctx, reused.SessionID, sessions.ReasonReuseDetected); err != nil && !errors.Is(err, autherrors.ErrNotFound) {
		log.Error().Err(err).Str("session_id", reused.SessionID).Msg("failed to revoke session after refresh reuse")
		return fmt.Errorf("revoke session %s: %w", reused.SessionID, err)
	}
	return nil
}

func (r *Rotator) publishFamilyRevoked(ctx context.Context, t *Token, reason string) {
	ev := events.New(events.RefreshFamilyRevoked, t.TenantID, r.nowTime())
	ev.Subject = t.UserID
	ev.FamilyID = t.FamilyID
	ev.SessionIDs = []string{t.SessionID}
	ev.Reason = reason
	if err := r.publisher.Publish(ctx, ev); err != nil {
		log.Error().Err(err).Str("family_id", t.FamilyID).Msg("failed to queue family revocation event")
	}
}

func (r *Rotator) expiry(now, notAfter time.Time) time.Time {
	return Expiry(now, r.ttl, notAfter)
}

func isSessionRejection(err error) bool {
	return errors.Is(err, autherrors.ErrSessionRevoked) ||
		errors.Is(err, autherrors.ErrSessionExpired) ||
		errors.Is(err, autherrors.ErrSessionKeyBound) ||
		errors.Is(err, autherrors.ErrNotFound)
}
