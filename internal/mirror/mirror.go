// Package mirror implements the optional write-behind copy of published
// artifacts to object storage (SPEC_FULL.md §A.3). A Mirror is purely
// additive: it is never consulted on the read path, only invoked by
// internal/cache after an artifact is published locally, and a failed
// upload never fails the request that triggered the build.
package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"time"

	"ducksearch/internal/cache"
	"ducksearch/internal/config"
	"ducksearch/internal/fingerprint"
)

// uploader is the per-provider surface a concrete backend implements.
type uploader interface {
	upload(ctx context.Context, key string, body *os.File, size int64) error
}

// Mirror satisfies cache.Mirror, uploading each published artifact to the
// configured object store under <prefix>/<kind>/<fingerprint>.parquet.
type Mirror struct {
	backend uploader
	prefix  string
	logger  *slog.Logger
}

var _ cache.Mirror = (*Mirror)(nil)

// New constructs a Mirror from config, or returns (nil, nil) when no
// provider is configured so callers can pass the result straight to
// cache.New without a branch.
func New(cfg config.ArtifactMirrorConfig, logger *slog.Logger) (*Mirror, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	var b uploader
	var err error
	switch cfg.Provider {
	case "s3":
		b, err = newS3Uploader(cfg)
	case "azure":
		b, err = newAzureUploader(cfg)
	case "gcs":
		b, err = newGCSUploader(cfg)
	default:
		return nil, fmt.Errorf("artifact_mirror: unsupported provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("artifact_mirror: %w", err)
	}

	return &Mirror{backend: b, prefix: cfg.Prefix, logger: logger}, nil
}

// Upload copies the artifact at path to the mirror under its content
// address. An upload failure is logged and returned; open and stat errors
// are returned without a log line. internal/cache treats a mirror
// failure as non-fatal to the publishing request.
func (m *Mirror) Upload(ctx context.Context, kind cache.Kind, fp fingerprint.Digest, filePath string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("open artifact for mirror upload: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat artifact for mirror upload: %w", err)
	}

	key := path.Join(m.prefix, string(kind), fp.Hex()+".parquet")

	start := time.Now()
	if err := m.backend.upload(ctx, key, f, info.Size()); err != nil {
		m.logger.Warn("artifact mirror upload failed", "kind", kind, "key", key, "error", err)
		return err
	}
	m.logger.Debug("artifact mirrored", "kind", kind, "key", key, "bytes", info.Size(), "elapsed", time.Since(start))
	return nil
}
