package jwt

import (
	"errors"
	"fmt"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// SchemaVersion is carried in the ver claim of every token issued here.
const SchemaVersion = 1

// JWT typ header values
const (
	TypeAccessToken = "at+jwt"
	TypeIDToken     = "JWT"
)

// Issuer builds the tenant issuer: https://auth.<domain>/t/<tenant_id>
func Issuer(domain, tenantID string) string {
	return fmt.Sprintf("https://auth.%s/t/%s", domain, tenantID)
}

// Confirmation binds a token to the thumbprint of the client's DPoP key.
type Confirmation struct {
	JKT string `json:"jkt"`
}

// AccessClaims is the fixed claim set of a DPoP bound access token.
type AccessClaims struct {
	jwtlib.RegisteredClaims
	Scope     string       `json:"scope,omitempty"`
	TenantID  string       `json:"tenant_id"`
	ClientID  string       `json:"client_id,omitempty"`
	SessionID string       `json:"sid"`
	Cnf       Confirmation `json:"cnf"`
	Version   int          `json:"ver"`
}

// Validate is called by the parser after the registered claims are checked.
func (c AccessClaims) Validate() error {
	if c.Version != SchemaVersion {
		return fmt.Errorf("unsupported claim schema version %d", c.Version)
	}
	if c.TenantID == "" || c.Subject == "" || c.SessionID == "" {
		return errors.New("missing tenant_id, sub or sid")
	}
	if c.Cnf.JKT == "" {
		return errors.New("token is not key bound")
	}
	if c.ID == "" {
		return errors.New("missing jti")
	}
	return nil
}

// IDClaims is the OpenID Connect ID token claim set.
type IDClaims struct {
	jwtlib.RegisteredClaims
	TenantID  string              `json:"tenant_id"`
	SessionID string              `json:"sid,omitempty"`
	Nonce     string              `json:"nonce,omitempty"`
	AuthTime  *jwtlib.NumericDate `json:"auth_time,omitempty"`
	Version   int                 `json:"ver"`
}

func (c IDClaims) Validate() error {
	if c.Version != SchemaVersion {
		return fmt.Errorf("unsupported claim schema version %d", c.Version)
	}
	if c.TenantID == "" || c.Subject == "" {
		return errors.New("missing tenant_id or sub")
	}
	return nil
}
