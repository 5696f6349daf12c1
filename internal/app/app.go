// Package app wires the fully-constructed ducksearch application: registry,
// secrets vault, artifact cache (with its optional durable index and
// optional object-store mirror), executor, and the public dispatcher that
// ties them together. Construction order mirrors the teacher's app.New:
// every dependency a constructor needs is already built by the time that
// constructor runs, so there are no post-construction Set*() calls.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"ducksearch/internal/cache"
	"ducksearch/internal/cacheindex"
	"ducksearch/internal/config"
	internaldb "ducksearch/internal/db"
	"ducksearch/internal/dispatch"
	"ducksearch/internal/executor"
	"ducksearch/internal/middleware"
	"ducksearch/internal/mirror"
	"ducksearch/internal/registry"
	"ducksearch/internal/secrets"
)

// Deps holds the external dependencies that main() must provide: things the
// app package cannot (or should not) create itself, since they need a
// context or process-lifetime ownership (the DuckDB handle, the logger).
type Deps struct {
	Cfg    *config.Config
	DuckDB *sql.DB
	Logger *slog.Logger
}

// App holds the fully-wired application: the report registry, the artifact
// cache, the executor, and the public dispatcher, plus the handles main()
// needs to manage background goroutines and shut down cleanly.
type App struct {
	Cfg        *config.Config
	Registry   *registry.Registry
	Cache      *cache.Cache
	Vault      *secrets.Vault
	Executor   *executor.Executor
	Dispatcher *dispatch.Dispatcher
	Auth       *middleware.Authenticator

	indexDB  *sql.DB
	lockFile *os.File
}

// New first acquires the single-process advisory lock at cfg.Root/cache/lock
// (spec §5 "single-process assumption"), then builds a Registry, Secrets
// vault, Cache (with its durable index and optional mirror), Executor, and
// Dispatcher from cfg.
func New(ctx context.Context, deps Deps) (*App, error) {
	cfg := deps.Cfg
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cacheRoot := filepath.Join(cfg.Root, "cache", cfg.DeploymentID)
	if err := os.MkdirAll(filepath.Join(cfg.Root, "cache"), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir cache root: %w", err)
	}
	lockFile, err := acquireProcessLock(filepath.Join(cfg.Root, "cache", "lock"))
	if err != nil {
		return nil, fmt.Errorf("acquire cache/lock: %w", err)
	}

	// === 1. Secrets vault (needed by the executor, never by the registry
	// or the plan builder — spec §4.9) ===
	vault, err := secrets.Load(cfg.SecretsFile)
	if err != nil {
		_ = lockFile.Close()
		return nil, fmt.Errorf("load secrets: %w", err)
	}

	// === 2. Report registry (spec §4.8, C10) ===
	reg, err := registry.New(ctx, cfg.Root, logger.With("component", "registry"))
	if err != nil {
		_ = lockFile.Close()
		return nil, fmt.Errorf("build registry: %w", err)
	}
	if cfg.Dev {
		if err := reg.StartWatch(ctx, time.Second); err != nil {
			_ = lockFile.Close()
			return nil, fmt.Errorf("start registry watch: %w", err)
		}
	}

	// === 3. Cache durable index (SQLite side-table backing LRU bookkeeping,
	// SPEC_FULL.md §A.3) ===
	indexPath := cfg.Cache.IndexDBPath
	if !filepath.IsAbs(indexPath) {
		indexPath = filepath.Join(cfg.Root, indexPath)
	}
	if err := os.MkdirAll(filepath.Dir(indexPath), 0o755); err != nil {
		_ = lockFile.Close()
		return nil, fmt.Errorf("mkdir cache index dir: %w", err)
	}
	indexDB, err := internaldb.OpenSQLite(indexPath, "write", 0)
	if err != nil {
		_ = lockFile.Close()
		return nil, fmt.Errorf("open cache index db: %w", err)
	}
	if err := internaldb.RunMigrations(indexDB); err != nil {
		_ = indexDB.Close()
		_ = lockFile.Close()
		return nil, fmt.Errorf("migrate cache index db: %w", err)
	}
	idx := cacheindex.New(indexDB)

	// === 4. Optional artifact mirror (write-behind only, never read path) ===
	var mir cache.Mirror
	if m, err := mirror.New(cfg.ArtifactMirror, logger.With("component", "mirror")); err != nil {
		_ = indexDB.Close()
		_ = lockFile.Close()
		return nil, fmt.Errorf("artifact mirror: %w", err)
	} else if m != nil {
		mir = m
	}

	// === 5. Artifact cache (C7) ===
	artifactCache, err := cache.New(cacheRoot, logger.With("component", "cache"), idx, mir,
		cfg.Cache.MaxBytesPerKind, cfg.Cache.MaxBytesTotal)
	if err != nil {
		_ = indexDB.Close()
		_ = lockFile.Close()
		return nil, fmt.Errorf("build cache: %w", err)
	}
	sweepInterval := time.Duration(cfg.Cache.SweepIntervalSecs) * time.Second
	if err := artifactCache.StartSweeper(ctx, sweepInterval); err != nil {
		_ = indexDB.Close()
		_ = lockFile.Close()
		return nil, fmt.Errorf("start cache sweeper: %w", err)
	}

	// === 6. Executor (C8) ===
	if err := executor.InstallExtensions(ctx, deps.DuckDB); err != nil {
		_ = indexDB.Close()
		_ = lockFile.Close()
		return nil, fmt.Errorf("install duckdb extensions: %w", err)
	}
	ex := executor.New(deps.DuckDB, artifactCache, vault, cfg.ConfigConstants,
		logger.With("component", "executor"), cfg.Server.EngineMaxConns)

	// === 7. Public dispatcher (C11) ===
	disp := dispatch.New(reg, ex, cfg.DeploymentID)

	// === 8. Ambient HTTP auth gate (optional, guards the HTTP surface only;
	// nothing in the report-compilation core depends on it) ===
	auth, err := buildAuthenticator(ctx, cfg, logger)
	if err != nil {
		_ = indexDB.Close()
		_ = lockFile.Close()
		return nil, fmt.Errorf("auth: %w", err)
	}

	return &App{
		Cfg:        cfg,
		Registry:   reg,
		Cache:      artifactCache,
		Vault:      vault,
		Executor:   ex,
		Dispatcher: disp,
		Auth:       auth,
		indexDB:    indexDB,
		lockFile:   lockFile,
	}, nil
}

// Close stops background goroutines (registry watch, cache sweeper), closes
// the cache index database, and releases the advisory process lock.
func (a *App) Close() {
	a.Registry.StopWatch()
	a.Cache.StopSweeper()
	if a.indexDB != nil {
		_ = a.indexDB.Close()
	}
	releaseProcessLock(a.lockFile)
}

// buildAuthenticator wires an optional OIDC JWT validator plus an
// optional static API-key gate from cfg.Auth. Both paths are off by default;
// a fully nil Authenticator is a valid, commonly-used configuration.
func buildAuthenticator(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*middleware.Authenticator, error) {
	var jwtValidator middleware.JWTValidator
	var err error
	if cfg.Auth.OIDCEnabled() {
		if cfg.Auth.JWKSURL != "" {
			jwtValidator, err = middleware.NewOIDCValidatorFromJWKS(ctx,
				cfg.Auth.JWKSURL, cfg.Auth.IssuerURL, cfg.Auth.Audience, cfg.Auth.AllowedIssuers)
		} else {
			jwtValidator, err = middleware.NewOIDCValidator(ctx,
				cfg.Auth.IssuerURL, cfg.Auth.Audience, cfg.Auth.AllowedIssuers)
		}
		if err != nil {
			return nil, fmt.Errorf("oidc validator: %w", err)
		}
		logger.Info("OIDC JWT validation enabled", "issuer", cfg.Auth.IssuerURL)
	}

	var apiKeys middleware.APIKeyLookup
	if cfg.Auth.APIKeyEnabled {
		apiKeys = staticAPIKeyLookup(os.Getenv("DUCKSEARCH_API_KEY"))
	}

	return middleware.NewAuthenticator(jwtValidator, apiKeys, cfg.Auth), nil
}

// staticAPIKeyLookup is the simplest possible APIKeyLookup: a single key
// read from the environment at startup. A deployment wanting per-principal
// API keys would replace this with a database-backed lookup; ducksearch has
// no principal model, so one shared operator key is all the ambient auth
// gate needs to cover (spec.md's HTTP transport is a Non-goal for behavior).
type staticAPIKeyLookup string

func (k staticAPIKeyLookup) Valid(_ context.Context, key string) bool {
	return k != "" && string(k) == key
}
