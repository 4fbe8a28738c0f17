package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/jrsteele09/dpop-auth-server/auth"
	"github.com/jrsteele09/dpop-auth-server/internal/config"
	"github.com/jrsteele09/dpop-auth-server/internal/metrics"
	"github.com/rs/zerolog/log"
)

const contentTypeJSON = "application/json; charset=utf-8"

type Server struct {
	env           string // Environment (e.g., "DEV", "PROD")
	mux           *http.ServeMux
	routes        []string
	config        config.Config
	auth          *auth.AuthorizationService
	metrics       *metrics.Metrics
	publicBaseURL string
}

func New(config config.Config, authService *auth.AuthorizationService, m *metrics.Metrics) (*Server, error) {
	if authService == nil {
		return nil, fmt.Errorf("[Server New] authorization service is required")
	}

	s := &Server{
		env:           config.GetEnv(),
		mux:           http.NewServeMux(),
		config:        config,
		auth:          authService,
		metrics:       m,
		publicBaseURL: strings.TrimSuffix(config.GetPublicBaseURL(), "/"),
	}

	s.initRoutes()
	s.logRoutes()

	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) RegisterRouteHandler(pattern string, handler http.Handler) {
	s.routes = append(s.routes, pattern)
	s.mux.Handle(pattern, handler)
}

func (s *Server) RegisterRouteFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	s.routes = append(s.routes, pattern)
	s.mux.HandleFunc(pattern, handler)
}

func (s *Server) logRoutes() {
	if s.env != "DEV" {
		return // Skip logging in non-development environments
	}
	for _, route := range s.routes {
		method, path, found := strings.Cut(route, " ")
		if !found {
			method, path = "", route
		}
		log.Debug().Str("method", method).Str("path", path).Msg("route registered")
	}
}

// baseURL is the externally visible origin: PUBLIC_BASE_URL when configured,
// otherwise derived from the request.
func (s *Server) baseURL(r *http.Request) string {
	if s.publicBaseURL != "" {
		return s.publicBaseURL
	}
	return getScheme(r) + "://" + r.Host
}

// Helper function to determine the scheme (http/https)
func getScheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if scheme := r.Header.Get("X-Forwarded-Proto"); scheme != "" {
		return scheme
	}
	return "http"
}
