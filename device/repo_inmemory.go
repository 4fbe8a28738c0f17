package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	autherrors "github.com/jrsteele09/dpop-auth-server/internal/errors"
)

var _ Repo = (*InMemoryRepo)(nil)

type InMemoryRepo struct {
	codes     map[string]*Code  // device code -> code
	userCodes map[string]string // user code -> device code
	lock      sync.RWMutex
}

func NewInMemoryRepo() *InMemoryRepo {
	return &InMemoryRepo{
		codes:     make(map[string]*Code),
		userCodes: make(map[string]string),
	}
}

func (r *InMemoryRepo) Create(_ context.Context, code *Code) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if _, ok := r.codes[code.DeviceCode]; ok {
		return fmt.Errorf("[InMemoryRepo.Create] device code: %w", autherrors.ErrAlreadyExists)
	}
	if _, ok := r.userCodes[code.UserCode]; ok {
		return fmt.Errorf("[InMemoryRepo.Create] user code: %w", autherrors.ErrAlreadyExists)
	}
	r.codes[code.DeviceCode] = code.Clone()
	r.userCodes[code.UserCode] = code.DeviceCode
	return nil
}

func (r *InMemoryRepo) GetByUserCode(_ context.Context, userCode string) (*Code, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	deviceCode, ok := r.userCodes[userCode]
	if !ok {
		return nil, fmt.Errorf("[InMemoryRepo.GetByUserCode] %w", autherrors.ErrNotFound)
	}
	return r.codes[deviceCode].Clone(), nil
}

func (r *InMemoryRepo) Update(ctx context.Context, deviceCode string, fn func(c *Code) error) (*Code, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.lock.Lock()
	defer r.lock.Unlock()

	stored, ok := r.codes[deviceCode]
	if !ok {
		return nil, fmt.Errorf("[InMemoryRepo.Update] %w", autherrors.ErrNotFound)
	}
	working := stored.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	r.codes[deviceCode] = working
	return working.Clone(), nil
}

func (r *InMemoryRepo) DeleteExpired(_ context.Context, before time.Time) (int, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	deleted := 0
	for deviceCode, c := range r.codes {
		if c.ExpiresAt.Before(before) {
			delete(r.codes, deviceCode)
			delete(r.userCodes, c.UserCode)
			deleted++
		}
	}
	return deleted, nil
}
