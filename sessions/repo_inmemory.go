package sessions

import (
	"context"
	"fmt"
	"sync"
	"time"

	autherrors "github.com/jrsteele09/dpop-auth-server/internal/errors"
)

var _ Repo = (*InMemoryRepo)(nil)

type InMemoryRepo struct {
	sessions map[string]*Session
	lock     sync.RWMutex
}

func NewInMemoryRepo() *InMemoryRepo {
	return &InMemoryRepo{
		sessions: make(map[string]*Session),
	}
}

func (r *InMemoryRepo) Create(_ context.Context, session *Session) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if _, ok := r.sessions[session.ID]; ok {
		return fmt.Errorf("[InMemoryRepo.Create] session %s: %w", session.ID, autherrors.ErrAlreadyExists)
	}
	r.sessions[session.ID] = session.Clone()
	return nil
}

func (r *InMemoryRepo) Get(_ context.Context, id string) (*Session, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("[InMemoryRepo.Get] session %s: %w", id, autherrors.ErrNotFound)
	}
	return s.Clone(), nil
}

func (r *InMemoryRepo) Revoke(_ context.Context, id string, at time.Time) (bool, *Session, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return false, nil, fmt.Errorf("[InMemoryRepo.Revoke] session %s: %w", id, autherrors.ErrNotFound)
	}
	if s.RevokedAt != nil {
		return false, s.Clone(), nil
	}
	s.RevokedAt = &at
	s.Version++
	return true, s.Clone(), nil
}

func (r *InMemoryRepo) RevokeAllForSubject(_ context.Context, tenantID, userID string, at time.Time) ([]string, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	revoked := make([]string, 0)
	for _, s := range r.sessions {
		if s.TenantID != tenantID || s.UserID != userID || s.RevokedAt != nil {
			continue
		}
		revokedAt := at
		s.RevokedAt = &revokedAt
		s.Version++
		revoked = append(revoked, s.ID)
	}
	return revoked, nil
}

func (r *InMemoryRepo) DeleteExpired(_ context.Context, before time.Time) (int, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	deleted := 0
	for id, s := range r.sessions {
		if s.NotAfter.Before(before) {
			delete(r.sessions, id)
			deleted++
		}
	}
	return deleted, nil
}
