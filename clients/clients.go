package clients

import (
	"errors"
	"slices"

	"github.com/jrsteele09/dpop-auth-server/internal/utils"
	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidScope = errors.New("scope not allowed for client")

type ClientType string

const (
	ClientTypeConfidential ClientType = "confidential" // Can keep secrets (server-side apps)
	ClientTypePublic       ClientType = "public"       // Cannot keep secrets (SPAs, mobile apps)
)

type Client struct {
	ID           string     `json:"id"`
	TenantID     string     `json:"tenantId"`
	Type         ClientType `json:"type"` // public or confidential
	Description  string     `json:"description"`
	SecretHash   string     `json:"-"` // bcrypt hash, confidential clients only
	RedirectURIs []string   `json:"redirectURIs"`
	Scopes       []string   `json:"scopes"`     // Allowed scopes for this client
	GrantTypes   []string   `json:"grantTypes"` // Empty allows every supported grant
}

// IsPublic returns true if the client is a public client
func (c *Client) IsPublic() bool {
	return c.Type == ClientTypePublic
}

// HasScope checks if the client has permission for a specific scope
func (c *Client) HasScope(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

// ValidateScopes checks if all requested scopes are allowed for this client
func (c *Client) ValidateScopes(requestedScopes string) error {
	for _, scope := range utils.SplitScopes(requestedScopes) {
		if !c.HasScope(scope) {
			return ErrInvalidScope
		}
	}
	return nil
}

// AllowsRedirectURI requires an exact match against a registered URI.
func (c *Client) AllowsRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

func (c *Client) AllowsGrant(grantType string) bool {
	return len(c.GrantTypes) == 0 || slices.Contains(c.GrantTypes, grantType)
}

// CheckSecret compares secret with the stored bcrypt hash. Public clients
// never authenticate with a secret.
func (c *Client) CheckSecret(secret string) bool {
	if c.IsPublic() || c.SecretHash == "" || secret == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(c.SecretHash), []byte(secret)) == nil
}

func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	return string(hash), err
}
