package db

import (
	"database/sql"
	"path/filepath"
	"testing"
)

// OpenTestSQLite opens a hardened write/read cache-index pool pair in
// t.TempDir(), migrates the write pool to the current cache_index schema, and
// registers cleanup, for tests that need a real SQLite file rather than an
// in-memory fake.
func OpenTestSQLite(t *testing.T) (writeDB, readDB *sql.DB) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "cache_index.sqlite")

	writeDB, readDB, err := OpenSQLitePair(path, 4)
	if err != nil {
		t.Fatalf("open test cache-index sqlite: %v", err)
	}
	t.Cleanup(func() {
		_ = readDB.Close()
		_ = writeDB.Close()
	})

	if err := RunMigrations(writeDB); err != nil {
		t.Fatalf("run cache-index migrations: %v", err)
	}

	return writeDB, readDB
}
