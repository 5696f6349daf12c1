// Package config handles root configuration loading for ducksearch:
// config.toml on disk overlaid with a small set of environment variables,
// following the precedence order file < env < CLI flags.
package config

import (
	"bufio"
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// AuthConfig holds the optional ambient HTTP auth gate configuration.
// Nothing in the report-compilation core depends on this; it only guards
// the /report, /cache, /fs HTTP routes when OIDC or an API key is configured.
type AuthConfig struct {
	IssuerURL      string        `toml:"issuer_url"`
	JWKSURL        string        `toml:"jwks_url"`
	Audience       string        `toml:"audience"`
	AllowedIssuers []string      `toml:"allowed_issuers"`
	JWKSCacheTTL   time.Duration `toml:"jwks_cache_ttl"`
	APIKeyEnabled  bool          `toml:"api_key_enabled"`
	APIKeyHeader   string        `toml:"api_key_header"`
}

// OIDCEnabled returns true when an external identity provider is configured.
func (a *AuthConfig) OIDCEnabled() bool {
	return a.IssuerURL != "" || a.JWKSURL != ""
}

// Validate checks that the auth configuration is internally consistent.
func (a *AuthConfig) Validate() error {
	if !a.OIDCEnabled() {
		return nil
	}
	if a.Audience == "" {
		return fmt.Errorf("auth.audience is required when issuer_url or jwks_url is set")
	}
	return nil
}

// CacheConfig controls the artifact cache (C7) defaults, overridable per
// report via its CACHE metadata block.
type CacheConfig struct {
	DefaultTTLSeconds int    `toml:"default_ttl_seconds"`
	MaxBytesPerKind   int64  `toml:"max_bytes_per_kind"`
	MaxBytesTotal     int64  `toml:"max_bytes_total"`
	SweepIntervalSecs int    `toml:"sweep_interval_seconds"`
	IndexDBPath       string `toml:"index_db_path"`
}

// ArtifactMirrorConfig configures the optional write-behind copy of
// published artifacts to an object store. Purely additive: never consulted
// for reads.
type ArtifactMirrorConfig struct {
	Provider string `toml:"provider"` // "s3" | "azure" | "gcs" | ""
	Bucket   string `toml:"bucket"`
	Prefix   string `toml:"prefix"`
	Endpoint string `toml:"endpoint"`
	Region   string `toml:"region"`
}

// Enabled reports whether an artifact mirror is configured.
func (m *ArtifactMirrorConfig) Enabled() bool {
	return m != nil && m.Provider != ""
}

// FilestoreConfig controls the jailed static file server at GET /fs/<jail>/<path>.
// Each jail name maps to a root directory; paths are resolved and verified to
// stay within that root before serving.
type FilestoreConfig struct {
	Roots    map[string]string `toml:"roots"`
	AllowExt []string          `toml:"allow_ext"`
	DenyExt  []string          `toml:"deny_ext"`
	MaxBytes int64             `toml:"max_bytes"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	ListenAddr         string   `toml:"listen_addr"`
	TLSCertFile        string   `toml:"tls_cert_file"`
	TLSKeyFile         string   `toml:"tls_key_file"`
	AllowInsecureHTTP  bool     `toml:"allow_insecure_http"`
	CORSAllowedOrigins []string `toml:"cors_allowed_origins"`
	RateLimitRPS       float64  `toml:"rate_limit_rps"`
	RateLimitBurst     int      `toml:"rate_limit_burst"`
	EngineMaxConns     int      `toml:"engine_max_conns"`
}

// fileConfig is the shape of config.toml. It is decoded separately from
// Config so that TOML-specific struct tags don't leak into the rest of the
// program, and so unknown keys can be rejected with go-toml/v2's strict mode.
type fileConfig struct {
	Server        ServerConfig          `toml:"server"`
	Cache         CacheConfig           `toml:"cache"`
	Auth          AuthConfig            `toml:"auth"`
	ArtifactMirror ArtifactMirrorConfig `toml:"artifact_mirror"`
	Filestore     FilestoreConfig       `toml:"filestore"`
	Config        map[string]string     `toml:"config"`
	Secrets       []string              `toml:"secrets"`
}

// Config is the fully resolved, process-wide configuration.
type Config struct {
	Root         string // report root (set from --root, not config.toml)
	Env          string // "development" (default) or "production"
	LogLevel     string // debug, info, warn, error
	DeploymentID string // salts cache paths (DUCKSEARCH_DEPLOYMENT_ID)
	SecretsFile  string // sidecar secrets file path (DUCKSEARCH_SECRETS_FILE)
	Dev          bool   // enables file-watch polling and verbose output

	Server        ServerConfig
	Cache         CacheConfig
	Auth          AuthConfig
	ArtifactMirror ArtifactMirrorConfig
	Filestore     FilestoreConfig

	// ConfigConstants is the declared CONFIG block: name -> literal value,
	// resolved by {{config NAME}} placeholders.
	ConfigConstants map[string]string

	// DeclaredSecretNames lists names a SECRETS block may reference; actual
	// values are resolved at runtime by the secrets vault, never stored here.
	DeclaredSecretNames []string

	// Warnings collects non-fatal warnings generated while loading, logged
	// by the caller once the logger exists.
	Warnings []string
}

// SlogLevel maps LogLevel to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsProduction reports whether the server is running in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// Load reads config.toml at path, overlays DUCKSEARCH_* environment
// variables, applies defaults, and validates the result.
func Load(path, root string) (*Config, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // path is operator-controlled
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	dec := toml.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var fc fileConfig
	if err := dec.Decode(&fc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg := &Config{
		Root:            root,
		Env:             os.Getenv("DUCKSEARCH_ENV"),
		LogLevel:        os.Getenv("DUCKSEARCH_LOG_LEVEL"),
		DeploymentID:    os.Getenv("DUCKSEARCH_DEPLOYMENT_ID"),
		SecretsFile:     os.Getenv("DUCKSEARCH_SECRETS_FILE"),
		Server:          fc.Server,
		Cache:           fc.Cache,
		Auth:            fc.Auth,
		ArtifactMirror:  fc.ArtifactMirror,
		Filestore:       fc.Filestore,
		ConfigConstants: fc.Config,
		DeclaredSecretNames: fc.Secrets,
	}
	if cfg.ConfigConstants == nil {
		cfg.ConfigConstants = map[string]string{}
	}

	applyDefaults(cfg)

	if cfg.Auth.OIDCEnabled() {
		if err := cfg.Auth.Validate(); err != nil {
			return nil, fmt.Errorf("auth config: %w", err)
		}
	}
	if (cfg.Server.TLSCertFile == "") != (cfg.Server.TLSKeyFile == "") {
		return nil, fmt.Errorf("both server.tls_cert_file and server.tls_key_file must be set together")
	}
	if cfg.DeploymentID == "" {
		cfg.Warnings = append(cfg.Warnings,
			"DUCKSEARCH_DEPLOYMENT_ID is not set — defaulting to \"dev\"; do not share cache/ across deployments with different secrets")
		cfg.DeploymentID = "dev"
	}

	if cfg.IsProduction() {
		if cfg.Server.TLSCertFile == "" && !cfg.Server.AllowInsecureHTTP {
			return nil, fmt.Errorf("server.tls_cert_file/tls_key_file must be set in production unless allow_insecure_http=true")
		}
		if len(cfg.Server.CORSAllowedOrigins) == 1 && cfg.Server.CORSAllowedOrigins[0] == "*" {
			return nil, fmt.Errorf("CORS wildcard (*) is not allowed in production")
		}
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Env == "" {
		cfg.Env = "development"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.RateLimitRPS == 0 {
		cfg.Server.RateLimitRPS = 100
	}
	if cfg.Server.RateLimitBurst == 0 {
		cfg.Server.RateLimitBurst = 200
	}
	// Server.EngineMaxConns stays 0 when unset; the executor resolves that
	// to 2x NumCPU.
	if len(cfg.Server.CORSAllowedOrigins) == 0 {
		cfg.Server.CORSAllowedOrigins = []string{"*"}
	}
	if cfg.Cache.DefaultTTLSeconds == 0 {
		cfg.Cache.DefaultTTLSeconds = 300
	}
	if cfg.Cache.SweepIntervalSecs == 0 {
		cfg.Cache.SweepIntervalSecs = 30
	}
	if cfg.Cache.MaxBytesTotal == 0 {
		cfg.Cache.MaxBytesTotal = 8 << 30 // 8 GiB
	}
	if cfg.Cache.MaxBytesPerKind == 0 {
		cfg.Cache.MaxBytesPerKind = 2 << 30 // 2 GiB
	}
	if cfg.Cache.IndexDBPath == "" {
		cfg.Cache.IndexDBPath = "cache/index.sqlite"
	}
	if cfg.Auth.APIKeyHeader == "" {
		cfg.Auth.APIKeyHeader = "X-API-Key"
	}
	if cfg.Auth.JWKSCacheTTL == 0 {
		cfg.Auth.JWKSCacheTTL = time.Hour
	}
	if cfg.Filestore.MaxBytes == 0 {
		cfg.Filestore.MaxBytes = 64 << 20 // 64 MiB
	}
	if len(cfg.Filestore.DenyExt) == 0 {
		cfg.Filestore.DenyExt = []string{".sql", ".env", ".toml", ".key", ".pem"}
	}
}

// LoadDotEnv reads a .env file and sets any variables not already present in
// the environment. Lines must be KEY=VALUE; comments (#) and blanks skipped.
func LoadDotEnv(path string) error {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = stripQuotes(strings.TrimSpace(value))
		if os.Getenv(key) == "" {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("setenv %s: %w", key, err)
			}
		}
	}
	return scanner.Err()
}

func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
