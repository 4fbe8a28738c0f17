package clients

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"

	autherrors "github.com/jrsteele09/dpop-auth-server/internal/errors"
)

var _ Repo = (*InMemoryRepo)(nil)

type InMemoryRepo struct {
	clients map[string]*Client // tenantID/clientID -> client
	lock    sync.RWMutex
}

func NewInMemoryRepo() *InMemoryRepo {
	return &InMemoryRepo{
		clients: make(map[string]*Client),
	}
}

func clientKey(tenantID, clientID string) string {
	return tenantID + "/" + clientID
}

func (r *InMemoryRepo) Upsert(_ context.Context, client *Client) error {
	if client.ID == "" || client.TenantID == "" {
		return errors.New("[InMemoryRepo.Upsert] client id and tenant id are required")
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	r.clients[clientKey(client.TenantID, client.ID)] = clone(client)
	return nil
}

func (r *InMemoryRepo) Delete(_ context.Context, tenantID, clientID string) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	k := clientKey(tenantID, clientID)
	if _, ok := r.clients[k]; !ok {
		return autherrors.ErrNotFound
	}
	delete(r.clients, k)
	return nil
}

func (r *InMemoryRepo) Get(_ context.Context, tenantID, clientID string) (*Client, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	c, ok := r.clients[clientKey(tenantID, clientID)]
	if !ok {
		return nil, autherrors.ErrNotFound
	}
	return clone(c), nil
}

func (r *InMemoryRepo) List(_ context.Context, tenantID string) ([]*Client, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	list := make([]*Client, 0)
	for _, c := range r.clients {
		if c.TenantID == tenantID {
			list = append(list, clone(c))
		}
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].ID < list[j].ID
	})
	return list, nil
}

func clone(c *Client) *Client {
	cp := *c
	cp.RedirectURIs = slices.Clone(c.RedirectURIs)
	cp.Scopes = slices.Clone(c.Scopes)
	cp.GrantTypes = slices.Clone(c.GrantTypes)
	return &cp
}
