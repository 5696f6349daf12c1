package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"ducksearch/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubValidator struct {
	claims *JWTClaims
	err    error
}

func (s stubValidator) Validate(ctx context.Context, token string) (*JWTClaims, error) {
	return s.claims, s.err
}

type stubAPIKeys struct{ valid map[string]bool }

func (s stubAPIKeys) Valid(ctx context.Context, key string) bool { return s.valid[key] }

func TestMiddlewarePassesThroughWhenUnconfigured(t *testing.T) {
	a := NewAuthenticator(nil, nil, config.AuthConfig{})
	called := false
	h := a.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	req := httptest.NewRequest(http.MethodGet, "/report", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.True(t, called)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddlewareAcceptsValidBearerToken(t *testing.T) {
	a := NewAuthenticator(stubValidator{claims: &JWTClaims{Subject: "svc-a"}}, nil, config.AuthConfig{})
	var gotSubject string
	h := a.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sub, ok := PrincipalFromContext(r.Context())
		require.True(t, ok)
		gotSubject = sub
	}))

	req := httptest.NewRequest(http.MethodGet, "/report", nil)
	req.Header.Set("Authorization", "Bearer good-token")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "svc-a", gotSubject)
}

func TestMiddlewareRejectsInvalidBearerToken(t *testing.T) {
	a := NewAuthenticator(stubValidator{err: assert.AnError}, nil, config.AuthConfig{})
	h := a.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/report", nil)
	req.Header.Set("Authorization", "Bearer bad-token")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareAcceptsValidAPIKey(t *testing.T) {
	cfg := config.AuthConfig{APIKeyEnabled: true, APIKeyHeader: "X-API-Key"}
	a := NewAuthenticator(nil, stubAPIKeys{valid: map[string]bool{"secret-key": true}}, cfg)
	h := a.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/report", nil)
	req.Header.Set("X-API-Key", "secret-key")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddlewareRejectsMissingCredentials(t *testing.T) {
	cfg := config.AuthConfig{APIKeyEnabled: true, APIKeyHeader: "X-API-Key"}
	a := NewAuthenticator(stubValidator{err: assert.AnError}, stubAPIKeys{valid: map[string]bool{}}, cfg)
	h := a.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/report", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
