package users

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	autherrors "github.com/jrsteele09/dpop-auth-server/internal/errors"
)

var _ UserRepo = (*InMemoryRepo)(nil)

type InMemoryRepo struct {
	users       map[string]*User
	emailIDs    map[string]string // email to user id
	usernameIDs map[string]string // username to user id
	lock        sync.RWMutex
}

func NewInMemoryRepo() *InMemoryRepo {
	return &InMemoryRepo{
		users:       make(map[string]*User),
		emailIDs:    make(map[string]string),
		usernameIDs: make(map[string]string),
	}
}

func (r *InMemoryRepo) Upsert(_ context.Context, user *User) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	if prev, ok := r.users[user.ID]; ok {
		delete(r.emailIDs, strings.ToLower(prev.Email))
		delete(r.usernameIDs, prev.Username)
	}
	r.users[user.ID] = user.clone()
	if user.Email != "" {
		r.emailIDs[strings.ToLower(user.Email)] = user.ID
	}
	if user.Username != "" {
		r.usernameIDs[user.Username] = user.ID
	}
	return nil
}

func (r *InMemoryRepo) Delete(_ context.Context, id string) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	u, ok := r.users[id]
	if !ok {
		return autherrors.ErrNotFound
	}
	delete(r.emailIDs, strings.ToLower(u.Email))
	delete(r.usernameIDs, u.Username)
	delete(r.users, id)
	return nil
}

func (r *InMemoryRepo) GetByEmail(ctx context.Context, email string) (*User, error) {
	r.lock.RLock()
	id, ok := r.emailIDs[strings.ToLower(email)]
	r.lock.RUnlock()
	if !ok {
		return nil, autherrors.ErrNotFound
	}
	return r.GetByID(ctx, id)
}

func (r *InMemoryRepo) GetByUsername(ctx context.Context, username string) (*User, error) {
	r.lock.RLock()
	id, ok := r.usernameIDs[username]
	r.lock.RUnlock()
	if !ok {
		return nil, autherrors.ErrNotFound
	}
	return r.GetByID(ctx, id)
}

func (r *InMemoryRepo) GetByID(_ context.Context, id string) (*User, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	u, ok := r.users[id]
	if !ok {
		return nil, autherrors.ErrNotFound
	}
	return u.clone(), nil
}

func (r *InMemoryRepo) SetBlocked(_ context.Context, id string, blocked bool) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	u, ok := r.users[id]
	if !ok {
		return autherrors.ErrNotFound
	}
	u.Blocked = blocked
	return nil
}
