package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
)

// allKinds enumerates every artifact subdirectory the sweeper walks.
var allKinds = []Kind{KindBase, KindSlice, KindMaterialize, KindLiteralSource, KindBinding, KindFacet, KindChart}

// StartSweeper begins a background eviction loop on the given interval,
// enforcing MaxBytesPerKind and MaxBytesTotal by deleting the
// least-recently-used artifacts not currently held via Acquire (spec §4.6,
// IP5: eviction never removes an artifact an in-flight response is reading).
func (c *Cache) StartSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	c.scheduler = cron.New()
	spec := fmt.Sprintf("@every %s", interval)
	_, err := c.scheduler.AddFunc(spec, func() { c.sweep(ctx) })
	if err != nil {
		return fmt.Errorf("schedule cache sweeper: %w", err)
	}
	c.scheduler.Start()
	return nil
}

// StopSweeper stops the background eviction loop, if running.
func (c *Cache) StopSweeper() {
	if c.scheduler != nil {
		c.scheduler.Stop()
	}
}

// entry is one eviction candidate: an unheld artifact plus the bookkeeping
// the LRU ranking needs.
type entry struct {
	kind     Kind
	path     string
	size     int64
	accessAt time.Time
}

// sweep enforces the per-kind budgets first, then the global budget across
// every kind, once. Kept as its own method (rather than inline in the cron
// callback) so tests can invoke it deterministically instead of racing a
// timer.
func (c *Cache) sweep(ctx context.Context) {
	for _, kind := range allKinds {
		if err := c.sweepKind(kind, c.MaxBytesPerKind); err != nil {
			c.Logger.Warn("cache sweep failed", "kind", kind, "error", err)
		}
	}
	if err := c.sweepTotal(); err != nil {
		c.Logger.Warn("cache sweep failed", "scope", "total", "error", err)
	}
}

func (c *Cache) sweepKind(kind Kind, budget int64) error {
	if budget <= 0 {
		return nil
	}
	held := c.heldPaths()
	entries, total, err := c.collectKind(kind, held)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].accessAt.Before(entries[j].accessAt) })
	c.evictUntil(entries, total, budget)
	return nil
}

// sweepTotal enforces MaxBytesTotal across every kind at once: it re-collects
// the (now per-kind-budgeted) artifacts from every subdirectory, merges them
// into one LRU ordering regardless of kind, and evicts the globally
// oldest-accessed unheld artifacts until the combined size is back under
// budget (spec §4.6: "a global max bytes" limit, distinct from the per-kind
// one `sweepKind` already enforces).
func (c *Cache) sweepTotal() error {
	if c.MaxBytesTotal <= 0 {
		return nil
	}
	held := c.heldPaths()
	var all []entry
	var total int64
	for _, kind := range allKinds {
		entries, kindTotal, err := c.collectKind(kind, held)
		if err != nil {
			return err
		}
		all = append(all, entries...)
		total += kindTotal
	}
	sort.Slice(all, func(i, j int) bool { return all[i].accessAt.Before(all[j].accessAt) })
	c.evictUntil(all, total, c.MaxBytesTotal)
	return nil
}

// collectKind lists every unheld artifact under kind's subdirectory (via the
// durable Index when present, else a directory walk), returning the
// candidate entries plus the kind's total bytes including held paths (held
// bytes still count against the budget, they are just never eviction
// candidates).
func (c *Cache) collectKind(kind Kind, held map[string]bool) ([]entry, int64, error) {
	var entries []entry
	var total int64

	if c.Index != nil {
		candidates, err := c.Index.LRUCandidates(string(kind), held)
		if err != nil {
			return nil, 0, err
		}
		for _, e := range candidates {
			entries = append(entries, entry{kind, e.Path, e.SizeBytes, e.AccessAt})
			total += e.SizeBytes
		}
		heldTotal, err := c.Index.TotalBytes(string(kind))
		if err == nil {
			// TotalBytes already includes held+unheld; candidates above only
			// cover unheld rows, so recompute total from the index directly.
			total = heldTotal
		}
		return entries, total, nil
	}

	kindDir := filepath.Join(c.Root, string(kind))
	dirEntries, err := os.ReadDir(kindDir)
	if err != nil {
		return nil, 0, err
	}
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		full := filepath.Join(kindDir, de.Name())
		total += info.Size()
		if held[full] {
			continue
		}
		entries = append(entries, entry{kind, full, info.Size(), info.ModTime()})
	}
	return entries, total, nil
}

// evictUntil removes entries (already sorted oldest-accessed first) until
// total is at or under budget, skipping nothing — every entry passed in is
// already known unheld.
func (c *Cache) evictUntil(entries []entry, total, budget int64) {
	for _, e := range entries {
		if total <= budget {
			return
		}
		if err := os.Remove(e.path); err != nil && !os.IsNotExist(err) {
			c.Logger.Warn("evict artifact failed", "path", e.path, "error", err)
			continue
		}
		if c.Index != nil {
			if err := c.Index.Remove(e.path); err != nil {
				c.Logger.Warn("cache index remove failed", "path", e.path, "error", err)
			}
		}
		total -= e.size
		c.Logger.Info("artifact evicted", "kind", e.kind, "path", e.path, "size_bytes", e.size)
	}
}
