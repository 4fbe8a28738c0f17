package tenants

import (
	"context"
	"errors"
	"sort"
	"sync"

	autherrors "github.com/jrsteele09/dpop-auth-server/internal/errors"
)

var _ Repo = (*InMemoryRepo)(nil)

type InMemoryRepo struct {
	tenants map[string]*Tenant
	lock    sync.RWMutex
}

func NewInMemoryRepo() *InMemoryRepo {
	return &InMemoryRepo{
		tenants: make(map[string]*Tenant),
	}
}

func (r *InMemoryRepo) Upsert(_ context.Context, tenant *Tenant) error {
	if tenant.ID == "" {
		return errors.New("[InMemoryRepo.Upsert] tenant id is required")
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	c := *tenant
	r.tenants[tenant.ID] = &c
	return nil
}

func (r *InMemoryRepo) Delete(_ context.Context, tenantID string) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.tenants[tenantID]; !ok {
		return autherrors.ErrNotFound
	}
	delete(r.tenants, tenantID)
	return nil
}

func (r *InMemoryRepo) Get(_ context.Context, tenantID string) (*Tenant, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	t, ok := r.tenants[tenantID]
	if !ok {
		return nil, autherrors.ErrNotFound
	}
	c := *t
	return &c, nil
}

func (r *InMemoryRepo) List(_ context.Context, offset, limit int) ([]*Tenant, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	tenants := make([]*Tenant, 0, len(r.tenants))
	for _, t := range r.tenants {
		c := *t
		tenants = append(tenants, &c)
	}
	sort.Slice(tenants, func(i, j int) bool {
		return tenants[i].ID < tenants[j].ID
	})
	return page(tenants, offset, limit), nil
}

func page[T any](items []T, offset, limit int) []T {
	if offset < 0 || offset >= len(items) {
		return nil
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}
