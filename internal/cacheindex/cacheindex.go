// Package cacheindex is the durable side-table backing the artifact cache's
// LRU bookkeeping (SPEC_FULL.md §A.3): a row per artifact on disk, so the
// cache's eviction sweeper can rank candidates by last access without a
// filesystem mtime walk and so LRU order survives a process restart. It is
// read/written through the same SQLite write pool pattern the teacher uses
// for its metastore (internal/db.OpenSQLitePair).
package cacheindex

import (
	"database/sql"
	"fmt"
	"time"

	"ducksearch/internal/cache"
)

// Index is a SQLite-backed implementation of cache.Index.
type Index struct {
	db *sql.DB
}

// New wraps an already-migrated *sql.DB (internal/db.OpenSQLite "write" mode
// plus db.RunMigrations) as a cache.Index.
func New(db *sql.DB) *Index {
	return &Index{db: db}
}

var _ cache.Index = (*Index)(nil)

// Record inserts or replaces the row for a freshly published artifact.
func (i *Index) Record(kind, fingerprint, path string, sizeBytes int64, createdAt time.Time) error {
	_, err := i.db.Exec(
		`INSERT INTO cache_index (path, kind, fingerprint, size_bytes, created_at, accessed_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET
		   kind=excluded.kind, fingerprint=excluded.fingerprint,
		   size_bytes=excluded.size_bytes, created_at=excluded.created_at,
		   accessed_at=excluded.accessed_at`,
		path, kind, fingerprint, sizeBytes, createdAt, createdAt,
	)
	if err != nil {
		return fmt.Errorf("cacheindex record: %w", err)
	}
	return nil
}

// Touch updates an artifact's last-access timestamp, the signal the LRU
// sweeper ranks on.
func (i *Index) Touch(path string, accessedAt time.Time) error {
	_, err := i.db.Exec(`UPDATE cache_index SET accessed_at = ? WHERE path = ?`, accessedAt, path)
	if err != nil {
		return fmt.Errorf("cacheindex touch: %w", err)
	}
	return nil
}

// Remove deletes an artifact's row, called after the sweeper unlinks the
// file from disk.
func (i *Index) Remove(path string) error {
	_, err := i.db.Exec(`DELETE FROM cache_index WHERE path = ?`, path)
	if err != nil {
		return fmt.Errorf("cacheindex remove: %w", err)
	}
	return nil
}

// TotalBytes sums size_bytes across all rows of the given kind.
func (i *Index) TotalBytes(kind string) (int64, error) {
	var total sql.NullInt64
	err := i.db.QueryRow(`SELECT SUM(size_bytes) FROM cache_index WHERE kind = ?`, kind).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("cacheindex total bytes: %w", err)
	}
	return total.Int64, nil
}

// LRUCandidates returns every row of the given kind not in exclude, ordered
// oldest-accessed first — the order the eviction sweeper consumes.
func (i *Index) LRUCandidates(kind string, exclude map[string]bool) ([]cache.IndexEntry, error) {
	rows, err := i.db.Query(
		`SELECT path, size_bytes, accessed_at FROM cache_index WHERE kind = ? ORDER BY accessed_at ASC`,
		kind,
	)
	if err != nil {
		return nil, fmt.Errorf("cacheindex lru candidates: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []cache.IndexEntry
	for rows.Next() {
		var e cache.IndexEntry
		if err := rows.Scan(&e.Path, &e.SizeBytes, &e.AccessAt); err != nil {
			return nil, fmt.Errorf("cacheindex scan row: %w", err)
		}
		if exclude[e.Path] {
			continue
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cacheindex rows: %w", err)
	}
	return out, nil
}
