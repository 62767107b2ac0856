// Package adminapi implements the read-only operator HTTP surface:
// route table dump, blocklist size, rate-limit actor counts, and edge
// module registry listing, gated by a bearer JWT.
package adminapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/aegis-network/edge/infrastructure/logging"
	"github.com/aegis-network/edge/infrastructure/middleware"
)

// Server exposes the operator endpoints over http.Handler.
type Server struct {
	routes     RouteSource
	blocklist  BlocklistSource
	rateLimits RateLimitSource
	modules    ModuleSource

	handler http.Handler
}

// Config wires in the data sources and auth secret a Server needs.
type Config struct {
	Routes     RouteSource
	Blocklist  BlocklistSource
	RateLimits RateLimitSource
	Modules    ModuleSource
	JWTSecret  []byte
	Logger     *logging.Logger
}

// New builds a Server with its route table and middleware chain fully
// wired: logging, recovery,
// CORS, then auth scoped to the admin subrouter.
func New(cfg Config) *Server {
	s := &Server{
		routes:     cfg.Routes,
		blocklist:  cfg.Blocklist,
		rateLimits: cfg.RateLimits,
		modules:    cfg.Modules,
	}

	router := mux.NewRouter()
	router.Use(middleware.LoggingMiddleware(cfg.Logger))
	router.Use(middleware.NewRecoveryMiddleware(cfg.Logger).Handler)
	router.Use(middleware.NewCORSMiddleware(&middleware.CORSConfig{
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
	}).Handler)

	admin := router.PathPrefix("/admin").Subrouter()
	admin.Use(authMiddleware(cfg.JWTSecret))
	admin.HandleFunc("/routes", s.handleRoutes).Methods(http.MethodGet)
	admin.HandleFunc("/blocklist", s.handleBlocklist).Methods(http.MethodGet)
	admin.HandleFunc("/ratelimits", s.handleRateLimits).Methods(http.MethodGet)
	admin.HandleFunc("/modules", s.handleModules).Methods(http.MethodGet)

	s.handler = router
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}
