// Package device implements the OAuth 2.0 device authorization grant (RFC 8628).
package device

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"time"
)

type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusDenied   Status = "DENIED"
	StatusExpired  Status = "EXPIRED"
)

// Code is one device authorization. APPROVED, DENIED and EXPIRED are
// terminal; an APPROVED code is handed out once and then marked Consumed.
type Code struct {
	DeviceCode   string        `json:"device_code"`
	UserCode     string        `json:"user_code"`
	TenantID     string        `json:"tenant_id"`
	ClientID     string        `json:"client_id"`
	Scope        string        `json:"scope"`
	Status       Status        `json:"status"`
	UserID       string        `json:"user_id,omitempty"`
	Consumed     bool          `json:"consumed"`
	Interval     time.Duration `json:"interval"`
	LastPolledAt *time.Time    `json:"last_polled_at,omitempty"`
	ExpiresAt    time.Time     `json:"expires_at"`
	CreatedAt    time.Time     `json:"created_at"`
}

func (c *Code) Clone() *Code {
	cc := *c
	if c.LastPolledAt != nil {
		t := *c.LastPolledAt
		cc.LastPolledAt = &t
	}
	return &cc
}

func newDeviceCode() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// newUserCode returns 8 uppercase hex characters.
func newUserCode() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(b)), nil
}

// NormalizeUserCode accepts codes typed with lowercase letters, spaces or a
// separating dash.
func NormalizeUserCode(userCode string) string {
	r := strings.NewReplacer("-", "", " ", "")
	return strings.ToUpper(r.Replace(userCode))
}
