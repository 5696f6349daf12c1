// Package httpapi implements the HTTP transport in front of the public
// dispatcher (C11): GET /report, the content-addressed GET /cache/<kind>/<fp>
// route, and the jailed GET /fs/<jail>/<path> filestore — the transport
// itself is an explicit Non-goal of spec.md §1 ("treated as an external
// collaborator"), so this package stays a thin, ungrounded-in-domain-logic
// shell over internal/dispatch, internal/cache, and internal/config.
package httpapi

import (
	"encoding/json"
	"net/http"

	"ducksearch/internal/cache"
	"ducksearch/internal/config"
	"ducksearch/internal/dispatch"
	"ducksearch/internal/middleware"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Server holds everything the HTTP handlers need. Server itself holds no
// domain logic — every handler delegates to Dispatcher (report compilation),
// Cache (artifact serving), or the Filestore config (jailed static files).
type Server struct {
	Dispatcher *dispatch.Dispatcher
	Cache      *cache.Cache
	Filestore  config.FilestoreConfig
}

// NewRouter builds the chi router: request-id, access logging, panic
// recovery, CORS, and rate limiting ahead of an optional auth gate, then the
// three report-compilation routes plus a health check. Grounded on the
// teacher's cmd/server/main.go chi wiring (same middleware stack, same
// ordering), trimmed to the routes this core actually serves.
func NewRouter(srv *Server, cfg config.ServerConfig, auth *middleware.Authenticator) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "X-API-Key", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.RateLimiter(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		Burst:             cfg.RateLimitBurst,
	}))

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error_code": "NotFound", "message": "not found"})
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	guard := func(next http.HandlerFunc) http.HandlerFunc {
		if auth == nil {
			return next
		}
		return func(w http.ResponseWriter, r *http.Request) {
			auth.Middleware()(next).ServeHTTP(w, r)
		}
	}

	r.Get("/report", guard(srv.handleReport))
	r.Get("/cache/{kind}/{fp}", guard(srv.handleArtifact))
	r.Get("/fs/{jail}/*", guard(srv.handleFilestore))

	return r
}
