package errors

import "errors"

// Storage and lifecycle errors shared by the repositories
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrConflict      = errors.New("conflicting update")
	ErrExpired       = errors.New("expired")

	// Key lifecycle errors
	ErrNoActiveKey = errors.New("no active signing key")
	ErrKeyExpired  = errors.New("signing key expired")
	ErrUnknownKey  = errors.New("unknown signing key")

	// Tenant errors
	ErrTenantNotFound = errors.New("tenant not found")
	ErrTenantInactive = errors.New("tenant inactive")

	// Session errors
	ErrSessionRevoked  = errors.New("session revoked")
	ErrSessionExpired  = errors.New("session expired")
	ErrSessionKeyBound = errors.New("session bound to a different key")
)

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}
