package users

import (
	"slices"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// TenantMembership records that a user may sign in to a tenant.
type TenantMembership struct {
	TenantID string    `json:"tenant_id"`
	JoinedAt time.Time `json:"joined_at"`
}

type User struct {
	ID           string             `json:"id,omitempty"`          // Unique identifier for the user
	Email        string             `json:"email,omitempty"`       // User's email address
	Username     string             `json:"username,omitempty"`    // Unique username
	PasswordHash string             `json:"-"`                     // Hashed version of the user's password - never serialize
	FirstName    string             `json:"first_name,omitempty"`  // First name of the user
	LastName     string             `json:"last_name,omitempty"`   // Last name of the user
	DateJoined   time.Time          `json:"date_joined,omitempty"` // Date and time when the user registered
	Tenants      []TenantMembership `json:"tenants,omitempty"`     // Tenants the user belongs to

	Verified bool `json:"verified,omitempty"` // Verified, has the user verified who they are
	Blocked  bool `json:"blocked,omitempty"`  // Blocked, has the user been blocked from logging in
}

func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}

func CheckPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

func (u *User) HasTenant(tenantID string) bool {
	return slices.ContainsFunc(u.Tenants, func(m TenantMembership) bool {
		return m.TenantID == tenantID
	})
}

// CanSignIn reports whether the account state allows authentication.
func (u *User) CanSignIn(tenantID string) bool {
	return !u.Blocked && u.Verified && u.HasTenant(tenantID)
}

func (u *User) clone() *User {
	c := *u
	c.Tenants = slices.Clone(u.Tenants)
	return &c
}
