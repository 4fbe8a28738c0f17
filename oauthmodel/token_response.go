package oauthmodel

// TokenTypeDPoP is the token_type of every access token issued here.
const TokenTypeDPoP = "DPoP"

// TokenResponse represents the response from an OAuth2 token request (RFC 6749).
type TokenResponse struct {
	// AccessToken is the DPoP bound JWT used to access protected resources.
	// Usage: "Authorization: DPoP <access_token>" plus a fresh DPoP proof with ath
	AccessToken *string `json:"access_token,omitempty"`

	// IdToken is the OpenID Connect ID token.
	// Only present: When "openid" scope was requested
	IdToken *string `json:"id_token,omitempty"`

	// TokenType is always "DPoP".
	TokenType string `json:"token_type,omitempty"`

	// ExpiresIn is the lifetime in seconds of the access token.
	ExpiresIn int `json:"expires_in,omitempty"`

	// RefreshToken is an opaque token used to obtain new access tokens.
	// Security: Rotates on each use, reuse revokes the whole family
	RefreshToken *string `json:"refresh_token,omitempty"`

	// Scope indicates the access token's granted permissions.
	Scope string `json:"scope,omitempty"`
}

// DeviceAuthorizationResponse is returned from the device authorization endpoint (RFC 8628).
type DeviceAuthorizationResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
}

// Confirmation is the cnf member carrying the DPoP key thumbprint.
type Confirmation struct {
	JKT string `json:"jkt"`
}

// IntrospectionResponse follows RFC 7662. Inactive tokens only carry active=false.
type IntrospectionResponse struct {
	Active    bool          `json:"active"`
	Scope     string        `json:"scope,omitempty"`
	ClientID  string        `json:"client_id,omitempty"`
	TokenType string        `json:"token_type,omitempty"`
	Exp       *int64        `json:"exp,omitempty"`
	Iat       *int64        `json:"iat,omitempty"`
	Nbf       *int64        `json:"nbf,omitempty"`
	Sub       string        `json:"sub,omitempty"`
	Aud       []string      `json:"aud,omitempty"`
	Iss       string        `json:"iss,omitempty"`
	Jti       string        `json:"jti,omitempty"`
	TenantID  string        `json:"tenant_id,omitempty"`
	SessionID string        `json:"sid,omitempty"`
	Cnf       *Confirmation `json:"cnf,omitempty"`
}
