package oauthmodel

import (
	"errors"
	"fmt"
	"net/http"
)

// OAuth error codes returned to clients.
const (
	CodeInvalidRequest       = "invalid_request"
	CodeInvalidClient        = "invalid_client"
	CodeInvalidGrant         = "invalid_grant"
	CodeInvalidDPoPProof     = "invalid_dpop_proof"
	CodeUnauthorizedClient   = "unauthorized_client"
	CodeUnsupportedGrantType = "unsupported_grant_type"
	CodeInvalidScope         = "invalid_scope"
	CodeAuthorizationPending = "authorization_pending"
	CodeSlowDown             = "slow_down"
	CodeExpiredToken         = "expired_token"
	CodeAccessDenied         = "access_denied"
	CodeLoginRequired        = "login_required"
	CodeInvalidToken         = "invalid_token"
	CodeServerError          = "server_error"
)

// Error is a protocol error with a stable machine readable code. Description is
// safe to show the caller; Cause is kept for logging only.
type Error struct {
	Code        string
	Description string
	Status      int
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Description, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on the error code so sentinels such as ErrInvalidGrant can be used
// with errors.Is regardless of description.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithCause attaches an internal cause to a copy of the error.
func (e *Error) WithCause(err error) *Error {
	c := *e
	c.Cause = err
	return &c
}

// Sentinels for errors.Is comparisons.
var (
	ErrInvalidRequest       = &Error{Code: CodeInvalidRequest}
	ErrInvalidClient        = &Error{Code: CodeInvalidClient}
	ErrInvalidGrant         = &Error{Code: CodeInvalidGrant}
	ErrInvalidDPoPProof     = &Error{Code: CodeInvalidDPoPProof}
	ErrUnauthorizedClient   = &Error{Code: CodeUnauthorizedClient}
	ErrAuthorizationPending = &Error{Code: CodeAuthorizationPending}
	ErrSlowDown             = &Error{Code: CodeSlowDown}
	ErrExpiredToken         = &Error{Code: CodeExpiredToken}
	ErrAccessDenied         = &Error{Code: CodeAccessDenied}
	ErrLoginRequired        = &Error{Code: CodeLoginRequired}
	ErrInvalidToken         = &Error{Code: CodeInvalidToken}
	ErrServerError          = &Error{Code: CodeServerError}
)

func InvalidRequest(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidRequest, Description: fmt.Sprintf(format, args...), Status: http.StatusBadRequest}
}

func InvalidClient(description string) *Error {
	return &Error{Code: CodeInvalidClient, Description: description, Status: http.StatusUnauthorized}
}

func InvalidGrant(description string) *Error {
	return &Error{Code: CodeInvalidGrant, Description: description, Status: http.StatusBadRequest}
}

func InvalidDPoPProof(description string) *Error {
	return &Error{Code: CodeInvalidDPoPProof, Description: description, Status: http.StatusBadRequest}
}

func UnauthorizedClient(description string) *Error {
	return &Error{Code: CodeUnauthorizedClient, Description: description, Status: http.StatusBadRequest}
}

func UnsupportedGrantType(grantType string) *Error {
	return &Error{Code: CodeUnsupportedGrantType, Description: fmt.Sprintf("grant_type %q is not supported", grantType), Status: http.StatusBadRequest}
}

func InvalidScope(description string) *Error {
	return &Error{Code: CodeInvalidScope, Description: description, Status: http.StatusBadRequest}
}

func AuthorizationPending() *Error {
	return &Error{Code: CodeAuthorizationPending, Description: "the user has not yet completed authorization", Status: http.StatusBadRequest}
}

func SlowDown() *Error {
	return &Error{Code: CodeSlowDown, Description: "polling too frequently", Status: http.StatusBadRequest}
}

func ExpiredToken() *Error {
	return &Error{Code: CodeExpiredToken, Description: "the device code has expired", Status: http.StatusBadRequest}
}

func AccessDenied(description string) *Error {
	return &Error{Code: CodeAccessDenied, Description: description, Status: http.StatusBadRequest}
}

// LoginRequired is returned when the end user could not be authenticated.
func LoginRequired() *Error {
	return &Error{Code: CodeLoginRequired, Description: "the user could not be authenticated", Status: http.StatusUnauthorized}
}

// InvalidToken follows RFC 6750 for a rejected bearer of an access token.
func InvalidToken(description string) *Error {
	return &Error{Code: CodeInvalidToken, Description: description, Status: http.StatusUnauthorized}
}

// ServerError hides cause from the caller. Storage and key failures fail closed
// through this error.
func ServerError(cause error) *Error {
	return &Error{Code: CodeServerError, Description: "the server could not complete the request", Status: http.StatusInternalServerError, Cause: cause}
}

// AsError converts any error into a protocol error, treating unknown errors as
// server errors.
func AsError(err error) *Error {
	var oe *Error
	if errors.As(err, &oe) {
		if oe.Status == 0 {
			c := *oe
			c.Status = http.StatusBadRequest
			return &c
		}
		return oe
	}
	return ServerError(err)
}
