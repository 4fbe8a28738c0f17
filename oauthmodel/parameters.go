package oauthmodel

import (
	"strings"
	"time"
)

// RequestURIPrefix is the URN prefix of pushed authorization request handles.
const RequestURIPrefix = "urn:ietf:params:oauth:request_uri:"

// ResponseType represents the OAuth 2.0 response type.
type ResponseType string

const (
	// CodeResponseType indicates the authorization code flow, the only flow supported.
	CodeResponseType ResponseType = "code"
)

// ResponseModeType denotes how the authorization response is returned.
type ResponseModeType string

const (
	// JSONResponseMode returns {code, state} as a JSON body. This is the default.
	JSONResponseMode ResponseModeType = "json"

	// QueryResponseMode redirects to the redirect_uri with code and state in the query string.
	QueryResponseMode ResponseModeType = "query"
)

// CodeMethodType represents the PKCE challenge method.
type CodeMethodType string

const (
	// CodeMethodTypeS256 indicates SHA-256 hashing is used for the code challenge.
	// Client sends: code_challenge = BASE64URL(SHA256(code_verifier))
	// Server validates: SHA256(provided code_verifier) == stored code_challenge
	// This is the only accepted method.
	CodeMethodTypeS256 CodeMethodType = "S256"
)

// GrantType represents the OAuth 2.0 grant type used at the token endpoint.
type GrantType string

const (
	// AuthorizationCodeGrant exchanges a PKCE bound authorization code for tokens.
	AuthorizationCodeGrant GrantType = "authorization_code"

	// RefreshTokenGrant rotates a refresh token within its family.
	RefreshTokenGrant GrantType = "refresh_token"

	// DeviceCodeGrant polls the device authorization flow (RFC 8628).
	DeviceCodeGrant GrantType = "urn:ietf:params:oauth:grant-type:device_code"
)

// AuthorizationParameters holds the parameters of an authorization request,
// either pushed to the PAR endpoint or given inline to /authorize.
// When pushed, the stored value is the PAR payload.
type AuthorizationParameters struct {
	// TenantID scopes the request. Every stored artifact carries it and every
	// read checks it.
	TenantID string `json:"tenant_id"`

	// ClientID identifies the application requesting authorization.
	// Required: Yes
	// Validated against: clients.Client.ID within the tenant
	ClientID string `json:"client_id"`

	// ResponseType must be "code" when supplied.
	ResponseType ResponseType `json:"response_type,omitempty"`

	// ResponseMode selects JSON (default) or a query redirect.
	ResponseMode ResponseModeType `json:"response_mode,omitempty"`

	// RedirectURI is where a query mode response is sent.
	// Required: Yes
	// Security: Must exactly match a pre-registered URI to prevent open redirects
	RedirectURI string `json:"redirect_uri"`

	// Scope specifies the permissions being requested.
	// Example: "openid offline_access"
	// Validated against: clients.Client.Scopes
	Scope string `json:"scope,omitempty"`

	// State is echoed back with the code for CSRF protection.
	State string `json:"state,omitempty"`

	// CodeChallenge is BASE64URL(SHA256(code_verifier)).
	// Required: Yes, PKCE is mandatory for every client
	// Length: 43 characters for S256
	CodeChallenge string `json:"code_challenge"`

	// CodeChallengeMethod must be S256.
	CodeChallengeMethod CodeMethodType `json:"code_challenge_method"`

	// Nonce is copied into the ID token.
	Nonce string `json:"nonce,omitempty"`
}

// ValidatePKCE checks the PKCE parameters. Only S256 is accepted.
func (p *AuthorizationParameters) ValidatePKCE() error {
	if strings.TrimSpace(p.CodeChallenge) == "" {
		return InvalidRequest("code_challenge is required")
	}
	if p.CodeChallengeMethod != CodeMethodTypeS256 {
		return InvalidRequest("code_challenge_method must be S256")
	}
	// 32 byte SHA-256 digest, base64url without padding
	if len(p.CodeChallenge) != 43 {
		return InvalidRequest("code_challenge must be a base64url encoded SHA-256 digest")
	}
	return nil
}

// Validate performs the client independent checks.
func (p *AuthorizationParameters) Validate() error {
	if strings.TrimSpace(p.ClientID) == "" {
		return InvalidRequest("client_id is required")
	}
	if strings.TrimSpace(p.RedirectURI) == "" {
		return InvalidRequest("redirect_uri is required")
	}
	if p.ResponseType != "" && p.ResponseType != CodeResponseType {
		return InvalidRequest("response_type must be code")
	}
	switch p.ResponseMode {
	case "", JSONResponseMode, QueryResponseMode:
	default:
		return InvalidRequest("unsupported response_mode")
	}
	return p.ValidatePKCE()
}

// PushedAuthorizationResponse is returned from the PAR endpoint.
type PushedAuthorizationResponse struct {
	RequestURI string `json:"request_uri"`
	ExpiresIn  int    `json:"expires_in"`
}

// AuthorizationCode is the single-use artifact issued by /authorize.
type AuthorizationCode struct {
	Code                string         `json:"code"`
	TenantID            string         `json:"tenant_id"`
	ClientID            string         `json:"client_id"`
	RedirectURI         string         `json:"redirect_uri"`
	CodeChallenge       string         `json:"code_challenge"`
	CodeChallengeMethod CodeMethodType `json:"code_challenge_method"`
	UserID              string         `json:"user_id"`
	Scope               string         `json:"scope"`
	Nonce               string         `json:"nonce,omitempty"`
	ExpiresAt           time.Time      `json:"expires_at"`
}

// AuthorizationResponse carries the issued code back to the client.
type AuthorizationResponse struct {
	Code        string           `json:"code"`
	State       string           `json:"state,omitempty"`
	RedirectURI string           `json:"-"`
	Mode        ResponseModeType `json:"-"`
}
