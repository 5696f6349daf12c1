package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"ducksearch/internal/config"
)

// principalKey is the context key an authenticated request's subject is
// stored under. ducksearch has no RBAC model — authentication here is a
// binary gate in front of /report, not an authorization system — so the
// only thing worth retaining past the middleware is the subject string for
// logging.
type principalKey struct{}

// APIKeyLookup abstracts the API key verification store; nil disables the
// API key path entirely even if cfg.APIKeyEnabled is set.
type APIKeyLookup interface {
	Valid(ctx context.Context, key string) bool
}

// Authenticator gates requests behind a JWT bearer token and/or a static
// API key header, per config.AuthConfig. Both paths are optional and off
// by default (spec.md's HTTP transport is a Non-goal for behavior; this is
// the ambient security layer carried regardless, SPEC_FULL.md §A.2).
type Authenticator struct {
	jwtValidator JWTValidator
	apiKeys      APIKeyLookup
	cfg          config.AuthConfig
}

// NewAuthenticator builds an Authenticator. A nil jwtValidator disables the
// bearer-token path; a nil apiKeys disables the API-key path regardless of
// cfg.APIKeyEnabled.
func NewAuthenticator(jwtValidator JWTValidator, apiKeys APIKeyLookup, cfg config.AuthConfig) *Authenticator {
	return &Authenticator{jwtValidator: jwtValidator, apiKeys: apiKeys, cfg: cfg}
}

// Middleware enforces authentication when either path is configured. If
// neither a JWT validator nor an API key lookup is wired, every request
// passes through unauthenticated — this is the default, matching spec.md's
// stance that auth is ambient infrastructure, not a report-level concern.
func (a *Authenticator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if a.jwtValidator == nil && (!a.cfg.APIKeyEnabled || a.apiKeys == nil) {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()

			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") && a.jwtValidator != nil {
				tok := strings.TrimPrefix(auth, "Bearer ")
				claims, err := a.jwtValidator.Validate(ctx, tok)
				if err == nil && claims.Subject != "" {
					next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, principalKey{}, claims.Subject)))
					return
				}
			}

			if a.cfg.APIKeyEnabled && a.apiKeys != nil {
				header := a.cfg.APIKeyHeader
				if header == "" {
					header = "X-API-Key"
				}
				if key := r.Header.Get(header); key != "" && a.apiKeys.Valid(ctx, key) {
					next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, principalKey{}, "api-key")))
					return
				}
			}

			writeUnauthorized(w)
		})
	}
}

// PrincipalFromContext returns the authenticated subject, if any.
func PrincipalFromContext(ctx context.Context) (string, bool) {
	p, ok := ctx.Value(principalKey{}).(string)
	return p, ok
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error_code": "Unauthorized",
		"message":    "provide a valid JWT bearer token or API key",
	})
}
