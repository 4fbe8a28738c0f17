package oauthmodel

// ProofContext is the DPoP proof presented with a request together with the
// method and absolute URL the proof must be bound to.
type ProofContext struct {
	Proof  string
	Method string
	URL    string
}

// Present reports whether a proof was supplied.
func (p ProofContext) Present() bool {
	return p.Proof != ""
}

// TokenRequest holds parameters for the OAuth2 token request.
// This represents the request body sent to the /oauth/token endpoint.
type TokenRequest struct {
	TenantID string

	// GrantType selects authorization_code, refresh_token or device_code.
	// Required: Yes
	GrantType GrantType

	// ClientID identifies the OAuth2 client making the request.
	// Required: Yes
	ClientID string

	// ClientSecret authenticates confidential clients (Basic or form).
	ClientSecret string

	// Code is the authorization code received from the authorization endpoint.
	// Required: Yes (only for authorization_code grant)
	// Usage: Exchanged once for tokens, then becomes invalid
	Code string

	// RedirectURI must match the value the code was issued for when supplied.
	RedirectURI string

	// CodeVerifier is the PKCE code verifier that matches the code_challenge.
	// Required: Yes (authorization_code grant)
	// Example: "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	// Validation: Server compares SHA256(code_verifier) with stored code_challenge
	CodeVerifier string

	// RefreshToken is the opaque token being rotated.
	// Required: Yes (only for refresh_token grant)
	// Behavior: Rotated, the presented token becomes used and a child is issued
	RefreshToken string

	// DeviceCode is the device_code returned by the device authorization endpoint.
	// Required: Yes (only for device_code grant)
	DeviceCode string

	// DeviceID is an optional client supplied device identifier stored on the session.
	DeviceID string

	// DPoP is the proof presented in the DPoP header. Required for every grant.
	DPoP ProofContext
}

// IntrospectionRequest is the body of /oauth/introspect.
type IntrospectionRequest struct {
	TenantID      string
	Token         string
	TokenTypeHint string
	ClientID      string
	ClientSecret  string
	DPoP          ProofContext
}

// RevocationRequest is the body of /oauth/revoke.
type RevocationRequest struct {
	TenantID      string
	Token         string
	TokenTypeHint string
	ClientID      string
	ClientSecret  string
	DPoP          ProofContext
}

// DeviceAuthorizationRequest starts the device flow.
type DeviceAuthorizationRequest struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	Scope        string
}

// DeviceVerificationRequest carries the user's decision for a user code.
type DeviceVerificationRequest struct {
	TenantID string
	UserCode string
	Username string
	Password string
}

// LogoutRequest ends the session bound to a DPoP access token.
type LogoutRequest struct {
	TenantID    string
	AccessToken string
	DPoP        ProofContext
}

// Token type hints accepted by introspection and revocation (RFC 7009).
const (
	TokenTypeHintAccessToken  = "access_token"
	TokenTypeHintRefreshToken = "refresh_token"
)
