package keys

import (
	"context"
	"sort"
	"sync"
	"time"

	autherrors "github.com/jrsteele09/dpop-auth-server/internal/errors"
)

// InMemoryRepo is a thread-safe in-memory implementation of the Repo interface
type InMemoryRepo struct {
	mu   sync.RWMutex
	keys map[string]map[string]*SigningKey // tenant -> kid -> key
}

var _ Repo = (*InMemoryRepo)(nil)

func NewInMemoryRepo() *InMemoryRepo {
	return &InMemoryRepo{keys: make(map[string]map[string]*SigningKey)}
}

func (r *InMemoryRepo) Rotate(ctx context.Context, next *SigningKey, now time.Time) (*SigningKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tenantKeys, ok := r.keys[next.TenantID]
	if !ok {
		tenantKeys = make(map[string]*SigningKey)
		r.keys[next.TenantID] = tenantKeys
	}
	if _, exists := tenantKeys[next.KeyID]; exists {
		return nil, autherrors.ErrAlreadyExists
	}

	var previous *SigningKey
	for _, k := range tenantKeys {
		if k.Status == StatusActive {
			rolledAt := now
			k.Status = StatusRolledOver
			k.RolledOverAt = &rolledAt
			previous = k.Clone()
		}
	}
	stored := next.Clone()
	stored.Status = StatusActive
	tenantKeys[stored.KeyID] = stored
	return previous, nil
}

func (r *InMemoryRepo) GetActive(ctx context.Context, tenantID string) (*SigningKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, k := range r.keys[tenantID] {
		if k.Status == StatusActive {
			return k.Clone(), nil
		}
	}
	return nil, autherrors.ErrNoActiveKey
}

func (r *InMemoryRepo) Get(ctx context.Context, tenantID, kid string) (*SigningKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	k, ok := r.keys[tenantID][kid]
	if !ok {
		return nil, autherrors.ErrNotFound
	}
	return k.Clone(), nil
}

func (r *InMemoryRepo) List(ctx context.Context, tenantID string) ([]*SigningKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*SigningKey, 0, len(r.keys[tenantID]))
	for _, k := range r.keys[tenantID] {
		out = append(out, k.Clone())
	}
	sortNewestFirst(out)
	return out, nil
}

func (r *InMemoryRepo) ListActive(ctx context.Context) ([]*SigningKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*SigningKey, 0, len(r.keys))
	for _, tenantKeys := range r.keys {
		for _, k := range tenantKeys {
			if k.Status == StatusActive {
				out = append(out, k.Clone())
			}
		}
	}
	return out, nil
}

func (r *InMemoryRepo) ExpireDue(ctx context.Context, now time.Time) ([]*SigningKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []*SigningKey
	for _, tenantKeys := range r.keys {
		for _, k := range tenantKeys {
			if k.Status != StatusExpired && !now.Before(k.ExpiresAt) {
				k.Status = StatusExpired
				expired = append(expired, k.Clone())
			}
		}
	}
	return expired, nil
}

func (r *InMemoryRepo) DeleteExpired(ctx context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	deleted := 0
	for tenantID, tenantKeys := range r.keys {
		for kid, k := range tenantKeys {
			if k.Status == StatusExpired && k.ExpiresAt.Before(cutoff) {
				delete(tenantKeys, kid)
				deleted++
			}
		}
		if len(tenantKeys) == 0 {
			delete(r.keys, tenantID)
		}
	}
	return deleted, nil
}

func sortNewestFirst(keys []*SigningKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].CreatedAt.Equal(keys[j].CreatedAt) {
			return keys[i].KeyID < keys[j].KeyID
		}
		return keys[i].CreatedAt.After(keys[j].CreatedAt)
	})
}
