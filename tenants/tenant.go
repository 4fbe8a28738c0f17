package tenants

import (
	"context"
	"fmt"
	"time"

	autherrors "github.com/jrsteele09/dpop-auth-server/internal/errors"
)

// Tenant is an isolated issuer: its own signing keys, clients, users and
// sessions.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Domain    string    `json:"domain"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Checker answers whether a tenant may be served.
type Checker struct {
	repo Repo
}

func NewChecker(repo Repo) *Checker {
	return &Checker{repo: repo}
}

// CheckTenant returns ErrTenantNotFound or ErrTenantInactive when requests for
// tenantID must be refused.
func (c *Checker) CheckTenant(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("[Checker.CheckTenant] %w", autherrors.ErrTenantNotFound)
	}
	t, err := c.repo.Get(ctx, tenantID)
	if autherrors.Is(err, autherrors.ErrNotFound) {
		return fmt.Errorf("[Checker.CheckTenant] %s: %w", tenantID, autherrors.ErrTenantNotFound)
	}
	if err != nil {
		return fmt.Errorf("[Checker.CheckTenant] %w", err)
	}
	if !t.Active {
		return fmt.Errorf("[Checker.CheckTenant] %s: %w", tenantID, autherrors.ErrTenantInactive)
	}
	return nil
}
