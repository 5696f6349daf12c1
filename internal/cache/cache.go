// Package cache implements the artifact cache (C7): a content-addressed
// Parquet store under cache/<kind>/<fingerprint>.parquet with at-most-one-
// concurrent-build-per-fingerprint semantics (single-flight), a TTL probe,
// and atomic publish (write to tmp, fsync, rename). A background sweeper
// enforces per-kind and global byte caps by evicting the least-recently-used
// artifacts that are not currently held by an in-flight response.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"ducksearch/internal/apperr"
	"ducksearch/internal/domain"
	"ducksearch/internal/fingerprint"

	"github.com/robfig/cron/v3"
)

// Kind is one artifact kind, each stored under its own cache subdirectory.
type Kind string

const (
	KindBase          Kind = "artifacts"
	KindSlice         Kind = "slices"
	KindMaterialize   Kind = "materialize"
	KindLiteralSource Kind = "literal_sources"
	KindBinding       Kind = "bindings"
	KindFacet         Kind = "facets"
	KindChart         Kind = "charts"
)

// DefaultTTL is the default artifact freshness window (spec §4.6).
const DefaultTTL = 300 * time.Second

// Index is the minimal surface the optional cache-index side-table
// (SPEC_FULL.md §A.3) must implement; satisfied by internal/cacheindex.Index.
// A nil Index is valid: the cache still works from the filesystem alone, and
// each sweep then walks the kind directories and ranks artifacts by file
// mtime instead of reading a durable side-table.
type Index interface {
	Record(kind, fingerprint, path string, sizeBytes int64, createdAt time.Time) error
	Touch(path string, accessedAt time.Time) error
	Remove(path string) error
	TotalBytes(kind string) (int64, error)
	LRUCandidates(kind string, excludePaths map[string]bool) ([]IndexEntry, error)
}

// IndexEntry mirrors one row of the cache index.
type IndexEntry struct {
	Path      string
	SizeBytes int64
	AccessAt  time.Time
}

// Mirror is the optional write-behind artifact durability target
// (SPEC_FULL.md §A.3); satisfied by internal/mirror.Mirror. A nil Mirror
// disables mirroring.
type Mirror interface {
	Upload(ctx context.Context, kind Kind, fp fingerprint.Digest, path string) error
}

// Cache owns the on-disk artifact store rooted at Root.
type Cache struct {
	Root   string
	Logger *slog.Logger
	Index  Index
	Mirror Mirror

	MaxBytesPerKind int64
	MaxBytesTotal   int64

	mu     sync.Mutex
	tokens map[string]*buildToken
	refs   map[string]int // path -> in-flight reader count

	scheduler *cron.Cron
}

// buildToken is the single-flight coordination primitive for one
// fingerprint: the first caller to Probe a miss becomes the builder; every
// other concurrent caller for the same key waits on done.
type buildToken struct {
	done chan struct{}
	path string
	err  error
}

// New constructs a Cache rooted at root (normally
// "<report-root>/cache/<deployment-id>").
func New(root string, logger *slog.Logger, idx Index, mirror Mirror, maxBytesPerKind, maxBytesTotal int64) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, kind := range []Kind{KindBase, KindSlice, KindMaterialize, KindLiteralSource, KindBinding, KindFacet, KindChart, "tmp"} {
		if err := os.MkdirAll(filepath.Join(root, string(kind)), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir cache/%s: %w", kind, err)
		}
	}
	if maxBytesPerKind <= 0 {
		maxBytesPerKind = 2 << 30
	}
	if maxBytesTotal <= 0 {
		maxBytesTotal = 8 << 30
	}
	return &Cache{
		Root: root, Logger: logger, Index: idx, Mirror: mirror,
		MaxBytesPerKind: maxBytesPerKind, MaxBytesTotal: maxBytesTotal,
		tokens: map[string]*buildToken{},
		refs:   map[string]int{},
	}, nil
}

func (c *Cache) path(kind Kind, fp fingerprint.Digest) string {
	return filepath.Join(c.Root, string(kind), fp.Hex()+".parquet")
}

func tokenKey(kind Kind, fp fingerprint.Digest) string {
	return string(kind) + "/" + fp.Hex()
}

// BuildFunc writes the artifact's bytes to tmpPath. It is never given the
// final publish path; GetOrBuild handles the atomic rename.
type BuildFunc func(ctx context.Context, tmpPath string) error

// PathIfExists returns the artifact path for (kind, fp) when it has already
// been published, regardless of TTL — content-addressed artifacts never go
// stale once built, so the HTTP artifact route serves them unconditionally.
func (c *Cache) PathIfExists(kind Kind, fp fingerprint.Digest) (string, bool) {
	p := c.path(kind, fp)
	if _, err := os.Stat(p); err != nil {
		return "", false
	}
	c.touch(p)
	return p, true
}

// Probe reports whether a fresh artifact already exists for (kind, fp)
// within ttl. A zero ttl uses DefaultTTL.
func (c *Cache) Probe(kind Kind, fp fingerprint.Digest, ttl time.Duration) (path string, hit bool) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	p := c.path(kind, fp)
	info, err := os.Stat(p)
	if err != nil {
		return "", false
	}
	if time.Since(info.ModTime()) > ttl {
		return p, false
	}
	return p, true
}

// GetOrBuild probes the cache; on a miss it coordinates a single-flight
// build via build, publishing the result atomically. Concurrent calls for
// the same (kind, fp) coalesce onto one builder (spec §4.6, IP4).
func (c *Cache) GetOrBuild(ctx context.Context, kind Kind, fp fingerprint.Digest, ttl time.Duration, build BuildFunc) (string, error) {
	if p, hit := c.Probe(kind, fp, ttl); hit {
		c.touch(p)
		return p, nil
	}

	key := tokenKey(kind, fp)

	c.mu.Lock()
	if tok, ok := c.tokens[key]; ok {
		c.mu.Unlock()
		<-tok.done
		if tok.err != nil {
			return "", tok.err
		}
		c.touch(tok.path)
		return tok.path, nil
	}
	tok := &buildToken{done: make(chan struct{})}
	c.tokens[key] = tok
	c.mu.Unlock()

	path, err := c.doBuild(ctx, kind, fp, build)
	tok.path, tok.err = path, err

	c.mu.Lock()
	delete(c.tokens, key)
	c.mu.Unlock()
	close(tok.done)

	return path, err
}

func (c *Cache) doBuild(ctx context.Context, kind Kind, fp fingerprint.Digest, build BuildFunc) (string, error) {
	final := c.path(kind, fp)
	tmp := filepath.Join(c.Root, "tmp", fmt.Sprintf("%s.%s.parquet", fp.Hex(), domain.NewID()))
	defer os.Remove(tmp) //nolint:errcheck // best-effort cleanup; rename below moves it away on success

	if err := build(ctx, tmp); err != nil {
		return "", err
	}

	f, err := os.Open(tmp) //nolint:gosec // tmp is ours, under cache/tmp
	if err != nil {
		return "", apperr.Wrap(apperr.CacheCorrupt, err, "open built artifact before publish")
	}
	if err := f.Sync(); err != nil {
		f.Close() //nolint:errcheck
		return "", apperr.Wrap(apperr.CacheCorrupt, err, "fsync built artifact")
	}
	info, statErr := f.Stat()
	f.Close() //nolint:errcheck
	if statErr != nil {
		return "", apperr.Wrap(apperr.CacheCorrupt, statErr, "stat built artifact")
	}

	if err := os.Rename(tmp, final); err != nil {
		return "", apperr.Wrap(apperr.CacheCorrupt, err, "publish artifact to %s", final)
	}

	now := time.Now()
	if c.Index != nil {
		if err := c.Index.Record(string(kind), fp.Hex(), final, info.Size(), now); err != nil {
			c.Logger.Warn("cache index record failed", "error", err, "path", final)
		}
	}
	if c.Mirror != nil {
		if err := c.Mirror.Upload(ctx, kind, fp, final); err != nil {
			c.Logger.Warn("artifact mirror upload failed", "error", err, "path", final)
		}
	}

	c.Logger.Info("artifact published", "kind", kind, "fingerprint", fp.Hex(), "size_bytes", info.Size())
	return final, nil
}

func (c *Cache) touch(path string) {
	if c.Index != nil {
		if err := c.Index.Touch(path, time.Now()); err != nil {
			c.Logger.Warn("cache index touch failed", "error", err, "path", path)
		}
	}
}

// Acquire increments path's in-flight reference count; the sweeper will not
// evict a path with a positive count. Release must be called exactly once
// per successful Acquire.
func (c *Cache) Acquire(path string) {
	c.mu.Lock()
	c.refs[path]++
	c.mu.Unlock()
}

// Release decrements path's in-flight reference count.
func (c *Cache) Release(path string) {
	c.mu.Lock()
	if c.refs[path] > 0 {
		c.refs[path]--
		if c.refs[path] == 0 {
			delete(c.refs, path)
		}
	}
	c.mu.Unlock()
}

func (c *Cache) heldPaths() map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	held := make(map[string]bool, len(c.refs))
	for p, n := range c.refs {
		if n > 0 {
			held[p] = true
		}
	}
	return held
}
