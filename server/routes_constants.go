package server

import "github.com/jrsteele09/dpop-auth-server/auth"

// Route path constants
// The protocol paths are shared with the discovery document built by auth.
const (
	// OAuth2 / OIDC Routes
	RoutePAR                   = auth.PathPAR
	RouteAuthorize             = auth.PathAuthorize
	RouteToken                 = auth.PathToken
	RouteDeviceAuthorization   = auth.PathDeviceAuthorization
	RouteDeviceVerify          = auth.PathDeviceVerify
	RouteIntrospect            = auth.PathIntrospect
	RouteRevoke                = auth.PathRevoke
	RouteLogout                = auth.PathLogout
	RouteWellKnownJWKS         = auth.PathJWKS
	RouteWellKnownOpenIDConfig = auth.PathOpenIDConfiguration

	// Admin Routes (ADMIN_API_KEY)
	RouteAdminRevokeSubject = "/admin/subjects/revoke"
	RouteAdminRotateKey     = "/admin/keys/rotate"

	// Operational Routes
	RouteMetrics = "/metrics"
	RouteHealth  = "/healthz"
)
