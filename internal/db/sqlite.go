// Package db opens the SQLite pools backing the artifact cache's
// durable index (internal/cacheindex), the side table C7 consults for
// per-artifact size/access-time bookkeeping so the sweeper (internal/cache)
// can rank eviction candidates without a directory walk on every tick.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// poolProfile describes one of the two ways the cache index is opened.
type poolProfile struct {
	maxOpen       int  // 0 means "caller decides, default 4"
	immediateLock bool // _txlock=immediate, so a write transaction never upgrades mid-flight
}

// profiles: "write" is a single connection for the cache's publish/evict
// path; "read" allows several concurrent readers. internal/app opens only
// the write pool, which also serves the sweeper's LRU scan.
var poolProfiles = map[string]poolProfile{
	"write": {maxOpen: 1, immediateLock: true},
	"read":  {},
}

// OpenSQLite opens a *sql.DB pool for the cache-index file at path.
//
// mode is "write" (MaxOpenConns=1, _txlock=immediate) or "read"
// (MaxOpenConns=maxOpen, 0 defaulting to 4). Both modes run WAL with
// busy_timeout=5000ms, synchronous=NORMAL and foreign_keys=on — the index
// is a bookkeeping table, so losing the last write on power failure is
// acceptable (it is rebuildable from a cache/ directory walk) while a
// corrupted journal is not.
func OpenSQLite(path string, mode string, maxOpen int) (*sql.DB, error) {
	profile, ok := poolProfiles[mode]
	if !ok {
		return nil, fmt.Errorf("invalid SQLite mode %q: must be \"read\" or \"write\"", mode)
	}
	if profile.maxOpen == 0 {
		if maxOpen <= 0 {
			maxOpen = 4
		}
		profile.maxOpen = maxOpen
	}

	params := url.Values{}
	params.Set("_journal_mode", "WAL")
	params.Set("_busy_timeout", "5000")
	params.Set("_synchronous", "NORMAL")
	params.Set("_foreign_keys", "on")
	if profile.immediateLock {
		params.Set("_txlock", "immediate")
	}

	db, err := sql.Open("sqlite3", path+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("open cache-index sqlite (%s): %w", mode, err)
	}
	db.SetMaxOpenConns(profile.maxOpen)
	db.SetMaxIdleConns(profile.maxOpen)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping cache-index sqlite (%s): %w", mode, err)
	}
	return db, nil
}

// OpenSQLitePair opens both a write pool (MaxOpenConns=1) and a read pool
// against the same cache-index file, so readers can run queries without
// blocking on the writer's lock. internal/cacheindex.New takes a single
// *sql.DB, and internal/app opens only the write pool via OpenSQLite; the
// pair is used by OpenTestSQLite.
//
// readMaxOpen controls the read pool size (0 defaults to 4).
func OpenSQLitePair(path string, readMaxOpen int) (writeDB, readDB *sql.DB, err error) {
	writeDB, err = OpenSQLite(path, "write", 0)
	if err != nil {
		return nil, nil, err
	}
	readDB, err = OpenSQLite(path, "read", readMaxOpen)
	if err != nil {
		_ = writeDB.Close()
		return nil, nil, err
	}
	return writeDB, readDB, nil
}
