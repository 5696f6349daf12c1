// Package registry implements the report registry (C10): it walks a root
// directory for `.sql` report files, parses each into an immutable
// report.Report, and exposes a copy-on-write snapshot that readers consult
// without ever blocking a concurrent rebuild. In --dev mode a background
// poller compares mtime+size and republishes a fresh snapshot when a file
// changes; in production the registry is built once at startup and never
// reloaded short of a process restart (spec §4.8).
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"ducksearch/internal/apperr"
	"ducksearch/internal/report"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

// fileStat is the mtime+size pair used to decide whether a report file
// needs reparsing.
type fileStat struct {
	modTime time.Time
	size    int64
}

// snapshot is one immutable, fully-parsed view of the report tree. Readers
// always hold a snapshot pointer for the duration of a request; the watcher
// publishes a new snapshot atomically, never mutates one in place.
type snapshot struct {
	byID  map[string]*report.Report
	stats map[string]fileStat // keyed by report ID, mtime+size at parse time
}

// Registry discovers reports under Root and serves Get/IDs lookups against
// the current snapshot. It satisfies both lint.Registry and plan.Registry.
type Registry struct {
	root   string
	logger *slog.Logger

	current atomic.Pointer[snapshot]

	mu        sync.Mutex // serializes rebuilds; readers never take this lock
	cronID    cron.EntryID
	scheduler *cron.Cron
}

// New builds a Registry rooted at root/reports and performs the initial
// walk+parse synchronously, so New returns only once every report file has
// been parsed. Any parse failure fails the whole build: `serve` refuses to
// start over a broken report tree.
func New(ctx context.Context, root string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	reg := &Registry{root: root, logger: logger}

	snap, failures, err := buildSnapshot(ctx, reportsDir(root))
	if err != nil {
		return nil, err
	}
	if len(failures) > 0 {
		return nil, fmt.Errorf("parse %s: %w", failures[0].Path, failures[0].Err)
	}
	reg.current.Store(snap)
	return reg, nil
}

// ParseFailure records one report file that failed C2/C3 parsing during a
// lenient walk.
type ParseFailure struct {
	ID   string
	Path string
	Err  error
}

// NewLenient builds a Registry from every report that parses, returning the
// files that did not as ParseFailures instead of failing outright. `lint`
// uses this so a single malformed report surfaces as a finding (exit 1)
// rather than aborting the whole run as a tool error (exit 2).
func NewLenient(ctx context.Context, root string, logger *slog.Logger) (*Registry, []ParseFailure, error) {
	if logger == nil {
		logger = slog.Default()
	}
	reg := &Registry{root: root, logger: logger}

	snap, failures, err := buildSnapshot(ctx, reportsDir(root))
	if err != nil {
		return nil, nil, err
	}
	reg.current.Store(snap)
	return reg, failures, nil
}

func reportsDir(root string) string {
	return filepath.Join(root, "reports")
}

// Get returns the parsed report for id, or false if no such report exists in
// the current snapshot.
func (r *Registry) Get(id string) (*report.Report, bool) {
	snap := r.current.Load()
	rep, ok := snap.byID[id]
	return rep, ok
}

// IDs returns every report ID in the current snapshot, sorted.
func (r *Registry) IDs() []string {
	snap := r.current.Load()
	ids := make([]string, 0, len(snap.byID))
	for id := range snap.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StartWatch begins dev-mode mtime+size polling on the given interval,
// republishing a fresh snapshot whenever any report file under Root has
// changed, been added, or been removed. In-flight requests holding the
// previous snapshot pointer complete normally against the old IR (spec
// §4.8, §5 ordering guarantees). Only meaningful with --dev; production
// deployments call New once and never StartWatch.
func (r *Registry) StartWatch(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	r.scheduler = cron.New()
	spec := fmt.Sprintf("@every %s", interval)
	id, err := r.scheduler.AddFunc(spec, func() { r.poll(ctx) })
	if err != nil {
		return fmt.Errorf("schedule registry poll: %w", err)
	}
	r.cronID = id
	r.scheduler.Start()
	return nil
}

// StopWatch stops the background poller, if running.
func (r *Registry) StopWatch() {
	if r.scheduler != nil {
		r.scheduler.Stop()
	}
}

func (r *Registry) poll(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap, failures, err := buildSnapshot(ctx, reportsDir(r.root))
	if err != nil {
		r.logger.Warn("registry poll failed, keeping previous snapshot", "error", err)
		return
	}
	if len(failures) > 0 {
		r.logger.Warn("registry poll found unparseable reports, keeping previous snapshot",
			"path", failures[0].Path, "error", failures[0].Err)
		return
	}
	if snapshotsEqual(r.current.Load(), snap) {
		return
	}
	r.logger.Info("report registry changed, publishing new snapshot", "report_count", len(snap.byID))
	r.current.Store(snap)
}

func snapshotsEqual(a, b *snapshot) bool {
	if len(a.stats) != len(b.stats) {
		return false
	}
	for id, st := range a.stats {
		other, ok := b.stats[id]
		if !ok || st != other {
			return false
		}
	}
	return true
}

// buildSnapshot walks dir for *.sql files and parses each concurrently.
// I/O errors (stat/read/walk) fail the whole rebuild; C2/C3 parse errors are
// collected as ParseFailures so the caller decides whether they are fatal
// (serve) or findings (lint).
func buildSnapshot(ctx context.Context, dir string) (*snapshot, []ParseFailure, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == dir {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, ".sql") {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("walk report root: %w", err)
	}

	snap := &snapshot{byID: map[string]*report.Report{}, stats: map[string]fileStat{}}
	var mu sync.Mutex
	var failures []ParseFailure

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(32)
	for _, path := range paths {
		path := path
		g.Go(func() error {
			id, err := idFor(dir, path)
			if err != nil {
				return err
			}
			info, err := os.Stat(path)
			if err != nil {
				return fmt.Errorf("stat %s: %w", path, err)
			}
			raw, err := os.ReadFile(path) //nolint:gosec // path comes from a directory walk under an operator-controlled root
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}
			rep, err := report.Parse(id, path, raw)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, ParseFailure{ID: id, Path: path, Err: err})
				return nil
			}
			snap.byID[id] = rep
			snap.stats[id] = fileStat{modTime: info.ModTime(), size: info.Size()}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	sort.Slice(failures, func(i, j int) bool { return failures[i].ID < failures[j].ID })
	return snap, failures, nil
}

// idFor computes a report's canonical ID: its path relative to dir, with the
// .sql suffix stripped and separators normalized to "/".
func idFor(dir, path string) (string, error) {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	id := strings.TrimSuffix(rel, ".sql")
	if id == rel {
		return "", apperr.New(apperr.ReportNotFound, "report file %s does not end in .sql", path)
	}
	return id, nil
}
