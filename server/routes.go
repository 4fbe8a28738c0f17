package server

import (
	"net/http"
)

func (s *Server) initRoutes() {
	// OAuth2 / OIDC API routes
	s.RegisterRouteHandler("POST "+RoutePAR, ChainMiddleware(s.PushedAuthorization(), s.APIMiddleware()...))
	s.RegisterRouteHandler("GET "+RouteAuthorize, ChainMiddleware(s.Authorize(), s.APIMiddleware()...))
	s.RegisterRouteHandler("POST "+RouteAuthorize, ChainMiddleware(s.Authorize(), s.APIMiddleware()...))
	s.RegisterRouteHandler("POST "+RouteToken, ChainMiddleware(s.Token(), s.APIMiddleware(s.NoStoreMiddleware)...))
	s.RegisterRouteHandler("POST "+RouteDeviceAuthorization, ChainMiddleware(s.DeviceAuthorization(), s.APIMiddleware(s.NoStoreMiddleware)...))
	s.RegisterRouteHandler("POST "+RouteDeviceVerify, ChainMiddleware(s.DeviceVerify(), s.APIMiddleware()...))
	s.RegisterRouteHandler("POST "+RouteIntrospect, ChainMiddleware(s.Introspect(), s.APIMiddleware(s.NoStoreMiddleware)...))
	s.RegisterRouteHandler("POST "+RouteRevoke, ChainMiddleware(s.Revoke(), s.APIMiddleware()...))
	s.RegisterRouteHandler("POST "+RouteLogout, ChainMiddleware(s.Logout(), s.APIMiddleware()...))

	s.RegisterRouteHandler("GET "+RouteWellKnownOpenIDConfig, ChainMiddleware(s.WellKnownOpenIDConfig(), s.APIMiddleware()...))
	s.RegisterRouteHandler("GET "+RouteWellKnownJWKS, ChainMiddleware(s.JWKS(), s.APIMiddleware()...))

	// Admin routes
	s.RegisterRouteHandler("POST "+RouteAdminRevokeSubject, ChainMiddleware(s.AdminRevokeSubject(), s.APIMiddleware(s.RequireAdminKey)...))
	s.RegisterRouteHandler("POST "+RouteAdminRotateKey, ChainMiddleware(s.AdminRotateKey(), s.APIMiddleware(s.RequireAdminKey)...))

	// CORS preflight for every API route
	s.RegisterRouteHandler("OPTIONS /", ChainMiddleware(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}, s.APIMiddleware()...))

	if s.metrics != nil {
		s.RegisterRouteHandler("GET "+RouteMetrics, s.metrics.Handler())
	}
	s.RegisterRouteFunc("GET "+RouteHealth, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}
