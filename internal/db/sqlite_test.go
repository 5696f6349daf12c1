package db

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenSQLite_InvalidMode(t *testing.T) {
	_, err := OpenSQLite(filepath.Join(t.TempDir(), "cache_index.sqlite"), "invalid", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid SQLite mode")
}

func TestOpenSQLite_Write(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "cache_index.sqlite"), "write", 0)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	var journalMode string
	err = db.QueryRow("PRAGMA journal_mode").Scan(&journalMode)
	require.NoError(t, err)
	assert.Equal(t, "wal", strings.ToLower(journalMode))

	var busyTimeout int
	err = db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout)
	require.NoError(t, err)
	assert.Equal(t, 5000, busyTimeout)

	assert.Equal(t, 1, db.Stats().MaxOpenConnections)
}

func TestOpenSQLite_Read(t *testing.T) {
	// First create the file with a write pool (sets WAL mode on file)
	path := filepath.Join(t.TempDir(), "cache_index.sqlite")
	wdb, err := OpenSQLite(path, "write", 0)
	require.NoError(t, err)
	wdb.Close()

	db, err := OpenSQLite(path, "read", 4)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	var journalMode string
	err = db.QueryRow("PRAGMA journal_mode").Scan(&journalMode)
	require.NoError(t, err)
	assert.Equal(t, "wal", strings.ToLower(journalMode))

	assert.Equal(t, 4, db.Stats().MaxOpenConnections)
}

func TestOpenSQLite_ReadDefaultMaxOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache_index.sqlite")
	db, err := OpenSQLite(path, "read", 0)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	assert.Equal(t, 4, db.Stats().MaxOpenConnections)
}

func TestOpenSQLitePair(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache_index.sqlite")

	writeDB, readDB, err := OpenSQLitePair(path, 4)
	require.NoError(t, err)
	t.Cleanup(func() {
		writeDB.Close()
		readDB.Close()
	})

	assert.Equal(t, 1, writeDB.Stats().MaxOpenConnections)
	assert.Equal(t, 4, readDB.Stats().MaxOpenConnections)

	_, err = writeDB.Exec("CREATE TABLE artifacts (path TEXT PRIMARY KEY, kind TEXT)")
	require.NoError(t, err)

	_, err = writeDB.Exec("INSERT INTO artifacts (path, kind) VALUES ('cache/base/a.parquet', 'base')")
	require.NoError(t, err)

	var kind string
	err = readDB.QueryRow("SELECT kind FROM artifacts WHERE path = ?", "cache/base/a.parquet").Scan(&kind)
	require.NoError(t, err)
	assert.Equal(t, "base", kind)
}

func TestOpenSQLitePair_ConcurrentReads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache_index.sqlite")

	writeDB, readDB, err := OpenSQLitePair(path, 4)
	require.NoError(t, err)
	t.Cleanup(func() {
		writeDB.Close()
		readDB.Close()
	})

	_, err = writeDB.Exec("CREATE TABLE artifacts (path TEXT PRIMARY KEY, size_bytes INTEGER)")
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		_, err = writeDB.Exec("INSERT INTO artifacts (path, size_bytes) VALUES (?, ?)", fmt.Sprintf("cache/base/%d.parquet", i), i)
		require.NoError(t, err)
	}

	// Launch concurrent readers — should not block each other
	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			var count int
			errs[idx] = readDB.QueryRow("SELECT count(*) FROM artifacts").Scan(&count)
		}(i)
	}
	wg.Wait()

	for i, e := range errs {
		assert.NoError(t, e, "reader %d failed", i)
	}
}

func TestOpenSQLite_ForeignKeysEnabled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache_index.sqlite")
	db, err := OpenSQLite(path, "write", 0)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	var fk int
	err = db.QueryRow("PRAGMA foreign_keys").Scan(&fk)
	require.NoError(t, err)
	assert.Equal(t, 1, fk)
}

func TestOpenSQLite_InvalidPath(t *testing.T) {
	_, err := OpenSQLite("/nonexistent/dir/cache_index.sqlite", "write", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ping cache-index sqlite")
}

func TestOpenSQLitePair_WriteFailClosesNothing(t *testing.T) {
	// If the write pool fails to open, readDB should not be attempted
	_, _, err := OpenSQLitePair("/nonexistent/dir/cache_index.sqlite", 4)
	require.Error(t, err)
}

// TestOpenSQLite_BusyTimeoutPreventsErrors verifies that the busy_timeout
// setting prevents SQLITE_BUSY errors when the sweeper's writer and a
// concurrent manifest-path reader hit the cache index at once.
func TestOpenSQLite_BusyTimeoutPreventsErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache_index.sqlite")

	writeDB, readDB, err := OpenSQLitePair(path, 4)
	require.NoError(t, err)
	t.Cleanup(func() {
		writeDB.Close()
		readDB.Close()
	})

	_, err = writeDB.Exec("CREATE TABLE access_counter (id INTEGER PRIMARY KEY, hits INTEGER)")
	require.NoError(t, err)
	_, err = writeDB.Exec("INSERT INTO access_counter (id, hits) VALUES (1, 0)")
	require.NoError(t, err)

	var wg sync.WaitGroup
	writeErrs := make([]error, 20)
	readErrs := make([]error, 20)

	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(idx int) {
			defer wg.Done()
			_, writeErrs[idx] = writeDB.Exec("UPDATE access_counter SET hits = hits + 1 WHERE id = 1")
		}(i)
		go func(idx int) {
			defer wg.Done()
			var n int
			readErrs[idx] = readDB.QueryRow("SELECT hits FROM access_counter WHERE id = 1").Scan(&n)
		}(i)
	}
	wg.Wait()

	for i, e := range writeErrs {
		assert.NoError(t, e, "writer %d failed", i)
	}
	for i, e := range readErrs {
		assert.NoError(t, e, "reader %d failed", i)
	}

	var n int
	err = readDB.QueryRow("SELECT hits FROM access_counter WHERE id = 1").Scan(&n)
	require.NoError(t, err)
	assert.Equal(t, 20, n)
}

// verify sql.DB is interface compatible for test use
var _ interface{ Stats() sql.DBStats } = (*sql.DB)(nil)
