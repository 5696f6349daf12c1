package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const simpleReport = `SELECT 1 AS one;`

func writeReport(t *testing.T, root, relPath, body string) {
	t.Helper()
	full := filepath.Join(root, "reports", relPath)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(body), 0o644))
}

func TestRegistryDiscoversReports(t *testing.T) {
	root := t.TempDir()
	writeReport(t, root, "demos/speed/rolling.sql", simpleReport)
	writeReport(t, root, "bindings/segment_focus.sql", simpleReport)

	reg, err := New(context.Background(), root, nil)
	require.NoError(t, err)

	ids := reg.IDs()
	assert.ElementsMatch(t, []string{"demos/speed/rolling", "bindings/segment_focus"}, ids)

	rep, ok := reg.Get("demos/speed/rolling")
	require.True(t, ok)
	assert.Equal(t, "demos/speed/rolling", rep.ID)
}

func TestRegistryGetMiss(t *testing.T) {
	root := t.TempDir()
	reg, err := New(context.Background(), root, nil)
	require.NoError(t, err)

	_, ok := reg.Get("nonexistent")
	assert.False(t, ok)
}

func TestRegistryPollPicksUpChanges(t *testing.T) {
	root := t.TempDir()
	writeReport(t, root, "a.sql", simpleReport)

	reg, err := New(context.Background(), root, nil)
	require.NoError(t, err)
	_, ok := reg.Get("b")
	assert.False(t, ok)

	// Simulate a new file appearing, then poll directly (bypassing the cron
	// scheduler so the test is deterministic rather than timing-sensitive).
	writeReport(t, root, "b.sql", simpleReport)
	reg.poll(context.Background())

	_, ok = reg.Get("b")
	assert.True(t, ok)
}

func TestRegistryRejectsInvalidReport(t *testing.T) {
	root := t.TempDir()
	writeReport(t, root, "bad.sql", "CREATE TABLE x (a int);")

	_, err := New(context.Background(), root, nil)
	require.Error(t, err)
}

func TestRegistryLenientCollectsParseFailures(t *testing.T) {
	root := t.TempDir()
	writeReport(t, root, "good.sql", simpleReport)
	writeReport(t, root, "bad.sql", "CREATE TABLE x (a int);")

	reg, failures, err := NewLenient(context.Background(), root, nil)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "bad", failures[0].ID)

	_, ok := reg.Get("good")
	assert.True(t, ok)
	_, ok = reg.Get("bad")
	assert.False(t, ok)
}

func TestRegistryWatchStartStop(t *testing.T) {
	root := t.TempDir()
	writeReport(t, root, "a.sql", simpleReport)
	reg, err := New(context.Background(), root, nil)
	require.NoError(t, err)

	require.NoError(t, reg.StartWatch(context.Background(), 50*time.Millisecond))
	defer reg.StopWatch()
	time.Sleep(120 * time.Millisecond)

	_, ok := reg.Get("a")
	assert.True(t, ok)
}
