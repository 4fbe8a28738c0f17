package keys

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/jrsteele09/dpop-auth-server/events"
	autherrors "github.com/jrsteele09/dpop-auth-server/internal/errors"
	"github.com/jrsteele09/dpop-auth-server/internal/keylock"
	"github.com/jrsteele09/dpop-auth-server/internal/metrics"
	"github.com/rs/zerolog/log"
)

// KeyStore owns the per-tenant signing key lifecycle. Rotation for one tenant
// is serialized; different tenants never wait on each other.
type KeyStore struct {
	repo           Repo
	algorithm      string
	lifetime       time.Duration
	rotationPeriod time.Duration
	retention      time.Duration
	locks          *keylock.Locker
	publisher      events.Publisher
	metrics        *metrics.Metrics
	nowTime        func() time.Time
}

type KeyStoreOption func(*KeyStore)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) KeyStoreOption {
	return func(ks *KeyStore) {
		ks.nowTime = nowFunc
	}
}

// WithAlgorithm selects ES256 (default) or EdDSA for newly generated keys.
func WithAlgorithm(alg string) KeyStoreOption {
	return func(ks *KeyStore) {
		ks.algorithm = alg
	}
}

// WithLifetimes sets how long a key is usable, how old an ACTIVE key may get
// before RotateDue replaces it, and how long EXPIRED keys are retained.
func WithLifetimes(lifetime, rotationPeriod, retention time.Duration) KeyStoreOption {
	return func(ks *KeyStore) {
		ks.lifetime = lifetime
		ks.rotationPeriod = rotationPeriod
		ks.retention = retention
	}
}

func WithPublisher(p events.Publisher) KeyStoreOption {
	return func(ks *KeyStore) {
		ks.publisher = p
	}
}

func WithMetrics(m *metrics.Metrics) KeyStoreOption {
	return func(ks *KeyStore) {
		ks.metrics = m
	}
}

func NewKeyStore(repo Repo, options ...KeyStoreOption) (*KeyStore, error) {
	if repo == nil {
		return nil, errors.New("[NewKeyStore] repo is required")
	}
	ks := &KeyStore{
		repo:           repo,
		algorithm:      ES256,
		lifetime:       97 * 24 * time.Hour,
		rotationPeriod: 90 * 24 * time.Hour,
		retention:      7 * 24 * time.Hour,
		locks:          keylock.New(),
		publisher:      events.Discard{},
		nowTime:        time.Now,
	}
	for _, opt := range options {
		opt(ks)
	}
	if ks.algorithm != ES256 && ks.algorithm != EdDSA {
		return nil, fmt.Errorf("[NewKeyStore] unsupported algorithm %q", ks.algorithm)
	}
	if ks.rotationPeriod >= ks.lifetime {
		return nil, errors.New("[NewKeyStore] rotation period must be shorter than the key lifetime")
	}
	return ks, nil
}

// GenerateKey creates a new ACTIVE key for the tenant, rolling over the
// previous ACTIVE key.
func (ks *KeyStore) GenerateKey(ctx context.Context, tenantID string) (*SigningKey, error) {
	unlock := ks.locks.Lock(tenantID)
	defer unlock()
	return ks.generateLocked(ctx, tenantID)
}

func (ks *KeyStore) generateLocked(ctx context.Context, tenantID string) (*SigningKey, error) {
	now := ks.nowTime()
	key, err := GenerateSigningKey(tenantID, ks.algorithm, now, ks.lifetime)
	if err != nil {
		return nil, fmt.Errorf("[KeyStore.GenerateKey] %w", err)
	}
	previous, err := ks.repo.Rotate(ctx, key, now)
	if err != nil {
		return nil, fmt.Errorf("[KeyStore.GenerateKey] rotate: %w", err)
	}

	logEvent := log.Info().Str("tenant_id", tenantID).Str("kid", key.KeyID).Str("alg", key.Algorithm)
	if previous != nil {
		logEvent = logEvent.Str("rolled_over_kid", previous.KeyID)
	}
	logEvent.Msg("signing key generated")
	ks.metrics.KeyRotated(tenantID)

	ev := events.New(events.SigningKeyRotated, tenantID, now)
	ev.KeyID = key.KeyID
	if err := ks.publisher.Publish(ctx, ev); err != nil {
		log.Error().Err(err).Str("tenant_id", tenantID).Msg("failed to queue key rotation event")
	}
	return key, nil
}

// EnsureActiveKey returns the tenant's usable ACTIVE key, generating one when
// the tenant has none.
func (ks *KeyStore) EnsureActiveKey(ctx context.Context, tenantID string) (*SigningKey, error) {
	unlock := ks.locks.Lock(tenantID)
	defer unlock()

	key, err := ks.GetActiveKey(ctx, tenantID)
	switch {
	case err == nil:
		return key, nil
	case errors.Is(err, autherrors.ErrNoActiveKey), errors.Is(err, autherrors.ErrKeyExpired):
		return ks.generateLocked(ctx, tenantID)
	default:
		return nil, err
	}
}

// GetActiveKey returns the key new tokens must be signed with.
func (ks *KeyStore) GetActiveKey(ctx context.Context, tenantID string) (*SigningKey, error) {
	key, err := ks.repo.GetActive(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("[KeyStore.GetActiveKey] tenant %s: %w", tenantID, err)
	}
	if !ks.nowTime().Before(key.ExpiresAt) {
		return nil, fmt.Errorf("[KeyStore.GetActiveKey] tenant %s kid %s: %w", tenantID, key.KeyID, autherrors.ErrKeyExpired)
	}
	return key, nil
}

// GetJWKS returns the ACTIVE key and every ROLLED_OVER key that has not expired.
func (ks *KeyStore) GetJWKS(ctx context.Context, tenantID string) (*jose.JSONWebKeySet, error) {
	all, err := ks.repo.List(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("[KeyStore.GetJWKS] %w", err)
	}
	now := ks.nowTime()
	set := &jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(all))}
	for _, k := range all {
		if !k.VerifiableAt(now) {
			continue
		}
		jwk, err := k.JWK()
		if err != nil {
			return nil, fmt.Errorf("[KeyStore.GetJWKS] %w", err)
		}
		set.Keys = append(set.Keys, jwk)
	}
	return set, nil
}

// VerificationKey resolves kid for token verification. Expired and unknown
// keys are rejected.
func (ks *KeyStore) VerificationKey(ctx context.Context, tenantID, kid string) (crypto.PublicKey, *SigningKey, error) {
	key, err := ks.repo.Get(ctx, tenantID, kid)
	if errors.Is(err, autherrors.ErrNotFound) {
		return nil, nil, fmt.Errorf("[KeyStore.VerificationKey] kid %s: %w", kid, autherrors.ErrUnknownKey)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("[KeyStore.VerificationKey] %w", err)
	}
	if !key.VerifiableAt(ks.nowTime()) {
		return nil, nil, fmt.Errorf("[KeyStore.VerificationKey] kid %s: %w", kid, autherrors.ErrKeyExpired)
	}
	pub, err := key.PublicKey()
	if err != nil {
		return nil, nil, fmt.Errorf("[KeyStore.VerificationKey] %w", err)
	}
	return pub, key, nil
}

// RotateDue rotates every ACTIVE key older than the rotation period.
func (ks *KeyStore) RotateDue(ctx context.Context) (int, error) {
	active, err := ks.repo.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("[KeyStore.RotateDue] %w", err)
	}
	rotated := 0
	for _, k := range active {
		if ks.nowTime().Sub(k.CreatedAt) < ks.rotationPeriod {
			continue
		}
		if err := ks.rotateIfStillActive(ctx, k); err != nil {
			return rotated, err
		}
		rotated++
	}
	return rotated, nil
}

func (ks *KeyStore) rotateIfStillActive(ctx context.Context, due *SigningKey) error {
	unlock := ks.locks.Lock(due.TenantID)
	defer unlock()

	current, err := ks.repo.GetActive(ctx, due.TenantID)
	if err != nil && !errors.Is(err, autherrors.ErrNoActiveKey) {
		return fmt.Errorf("[KeyStore.RotateDue] %w", err)
	}
	// Someone rotated in the meantime
	if current != nil && current.KeyID != due.KeyID {
		return nil
	}
	if _, err := ks.generateLocked(ctx, due.TenantID); err != nil {
		return err
	}
	return nil
}

// PruneExpired moves keys past their expiry to EXPIRED and deletes EXPIRED
// keys older than the retention period.
func (ks *KeyStore) PruneExpired(ctx context.Context) (expired int, deleted int, err error) {
	now := ks.nowTime()
	expiredKeys, err := ks.repo.ExpireDue(ctx, now)
	if err != nil {
		return 0, 0, fmt.Errorf("[KeyStore.PruneExpired] expire: %w", err)
	}
	for _, k := range expiredKeys {
		log.Info().Str("tenant_id", k.TenantID).Str("kid", k.KeyID).Msg("signing key expired")
	}
	deleted, err = ks.repo.DeleteExpired(ctx, now.Add(-ks.retention))
	if err != nil {
		return len(expiredKeys), 0, fmt.Errorf("[KeyStore.PruneExpired] delete: %w", err)
	}
	return len(expiredKeys), deleted, nil
}
