// Package middleware holds the HTTP middleware wrapped around
// internal/httpapi's mux: request-ID propagation, per-client rate limiting,
// and the JWT/API-key gate in front of GET /report (SPEC_FULL.md §A.2 —
// ducksearch's spec treats the dispatch pipeline itself as transport-agnostic,
// so auth lives here rather than in internal/dispatch).
package middleware

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// JWTClaims holds the parsed claims from a validated JWT. Subject becomes
// the principal recorded by Authenticator (auth.go) for audit logging
// alongside a report dispatch.
type JWTClaims struct {
	Subject  string
	Issuer   string
	Audience []string
	Email    *string
	Name     *string
	Raw      map[string]interface{}
}

// JWTValidator validates a bearer token and returns the parsed claims.
// Authenticator.Middleware calls this once per Authorization header it
// sees; a nil JWTValidator disables the bearer-token path entirely.
type JWTValidator interface {
	Validate(ctx context.Context, tokenString string) (*JWTClaims, error)
}

// claimsFrom assembles a JWTClaims from the identity fields plus the raw
// claim map, lifting the optional email/name claims both validator
// implementations surface the same way.
func claimsFrom(subject, issuer string, audience []string, raw map[string]interface{}) *JWTClaims {
	c := &JWTClaims{Subject: subject, Issuer: issuer, Audience: audience, Raw: raw}
	if email, ok := raw["email"].(string); ok {
		c.Email = &email
	}
	if name, ok := raw["name"].(string); ok {
		c.Name = &name
	}
	return c
}

// issuerSet builds the allowed-issuer lookup, falling back to the single
// configured issuer when no explicit allowlist was given.
func issuerSet(allowed []string, fallback string) map[string]bool {
	set := make(map[string]bool, len(allowed))
	for _, iss := range allowed {
		set[iss] = true
	}
	if len(set) == 0 && fallback != "" {
		set[fallback] = true
	}
	return set
}

// OIDCValidator validates JWTs using OIDC discovery and JWKS — the
// production path, for deployments fronted by an identity provider.
type OIDCValidator struct {
	verifier       *oidc.IDTokenVerifier
	allowedIssuers map[string]bool
}

// NewOIDCValidator creates a validator from an OIDC issuer URL.
func NewOIDCValidator(ctx context.Context, issuerURL, audience string, allowedIssuers []string) (*OIDCValidator, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc provider discovery: %w", err)
	}
	return &OIDCValidator{
		verifier:       provider.Verifier(&oidc.Config{ClientID: audience}),
		allowedIssuers: issuerSet(allowedIssuers, issuerURL),
	}, nil
}

// NewOIDCValidatorFromJWKS creates a validator from a JWKS URL directly,
// for providers whose discovery document is unreachable from the
// ducksearch host (or absent entirely).
func NewOIDCValidatorFromJWKS(ctx context.Context, jwksURL, issuerURL, audience string, allowedIssuers []string) (*OIDCValidator, error) {
	keySet := oidc.NewRemoteKeySet(ctx, jwksURL)
	return &OIDCValidator{
		verifier:       oidc.NewVerifier(issuerURL, keySet, &oidc.Config{ClientID: audience}),
		allowedIssuers: issuerSet(allowedIssuers, issuerURL),
	}, nil
}

// Validate verifies the JWT using the OIDC provider's JWKS.
func (v *OIDCValidator) Validate(ctx context.Context, tokenString string) (*JWTClaims, error) {
	idToken, err := v.verifier.Verify(ctx, tokenString)
	if err != nil {
		return nil, fmt.Errorf("oidc verify: %w", err)
	}
	if len(v.allowedIssuers) > 0 && !v.allowedIssuers[idToken.Issuer] {
		return nil, fmt.Errorf("issuer %q not in allowed list", idToken.Issuer)
	}

	var raw map[string]interface{}
	if err := idToken.Claims(&raw); err != nil {
		return nil, fmt.Errorf("parse claims: %w", err)
	}
	return claimsFrom(idToken.Subject, idToken.Issuer, idToken.Audience, raw), nil
}

// SharedSecretValidator validates JWTs signed with a shared HS256 secret —
// the local/dev path, for standing up ducksearch without an OIDC provider.
type SharedSecretValidator struct {
	secret []byte
}

// NewSharedSecretValidator creates a validator for local/dev HS256 tokens
// signed with secret. Never returns an error itself — an empty secret just
// means every token will fail to verify, which Authenticator treats the
// same as "no Authorization header".
func NewSharedSecretValidator(secret string) *SharedSecretValidator {
	return &SharedSecretValidator{secret: []byte(secret)}
}

// Validate verifies a JWT signed with HS256 and extracts claims.
func (v *SharedSecretValidator) Validate(_ context.Context, tokenString string) (*JWTClaims, error) {
	tok, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if token.Method == nil || token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("jwt parse: %w", err)
	}

	raw, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("jwt parse: unsupported claim type %T", tok.Claims)
	}

	subject, _ := raw["sub"].(string)
	issuer, _ := raw["iss"].(string)
	var audience []string
	switch aud := raw["aud"].(type) {
	case string:
		audience = []string{aud}
	case []interface{}:
		for _, a := range aud {
			if s, ok := a.(string); ok {
				audience = append(audience, s)
			}
		}
	}
	return claimsFrom(subject, issuer, audience, map[string]interface{}(raw)), nil
}
