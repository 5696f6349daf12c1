package cache

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"ducksearch/internal/fingerprint"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(t.TempDir(), nil, nil, nil, 0, 0)
	require.NoError(t, err)
	return c
}

func writeBuild(content string) BuildFunc {
	return func(ctx context.Context, tmpPath string) error {
		return os.WriteFile(tmpPath, []byte(content), 0o644)
	}
}

func TestProbeMissWhenAbsent(t *testing.T) {
	c := newTestCache(t)
	fp := fingerprint.SourceOf([]byte("select 1"))

	_, hit := c.Probe(KindBase, fp, 0)
	assert.False(t, hit)
}

func TestGetOrBuildPublishesAndProbeHits(t *testing.T) {
	c := newTestCache(t)
	fp := fingerprint.SourceOf([]byte("select 1"))

	path, err := c.GetOrBuild(context.Background(), KindBase, fp, time.Minute, writeBuild("parquet-bytes"))
	require.NoError(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "parquet-bytes", string(got))

	_, hit := c.Probe(KindBase, fp, time.Minute)
	assert.True(t, hit)
}

func TestGetOrBuildExpiresAfterTTL(t *testing.T) {
	c := newTestCache(t)
	fp := fingerprint.SourceOf([]byte("select 1"))

	_, err := c.GetOrBuild(context.Background(), KindBase, fp, time.Minute, writeBuild("v1"))
	require.NoError(t, err)

	_, hit := c.Probe(KindBase, fp, time.Nanosecond)
	assert.False(t, hit)
}

func TestGetOrBuildCoalescesConcurrentBuilds(t *testing.T) {
	c := newTestCache(t)
	fp := fingerprint.SourceOf([]byte("select 1"))

	var buildCount int32
	start := make(chan struct{})
	build := func(ctx context.Context, tmpPath string) error {
		atomic.AddInt32(&buildCount, 1)
		<-start
		return os.WriteFile(tmpPath, []byte("data"), 0o644)
	}

	results := make(chan string, 4)
	for i := 0; i < 4; i++ {
		go func() {
			path, err := c.GetOrBuild(context.Background(), KindSlice, fp, time.Minute, build)
			require.NoError(t, err)
			results <- path
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(start)

	first := <-results
	for i := 0; i < 3; i++ {
		assert.Equal(t, first, <-results)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&buildCount))
}

func TestGetOrBuildPropagatesBuildError(t *testing.T) {
	c := newTestCache(t)
	fp := fingerprint.SourceOf([]byte("select 1"))

	failing := func(ctx context.Context, tmpPath string) error {
		return assert.AnError
	}

	_, err := c.GetOrBuild(context.Background(), KindBase, fp, time.Minute, failing)
	require.Error(t, err)

	_, hit := c.Probe(KindBase, fp, time.Minute)
	assert.False(t, hit)
}

func TestAcquireReleaseTracksRefcount(t *testing.T) {
	c := newTestCache(t)
	path := filepath.Join(c.Root, "artifacts", "x.parquet")

	c.Acquire(path)
	c.Acquire(path)
	held := c.heldPaths()
	assert.True(t, held[path])

	c.Release(path)
	held = c.heldPaths()
	assert.True(t, held[path])

	c.Release(path)
	held = c.heldPaths()
	assert.False(t, held[path])
}

func TestSweepEvictsLRUBeyondBudget(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	fp1 := fingerprint.SourceOf([]byte("a"))
	fp2 := fingerprint.SourceOf([]byte("b"))

	p1, err := c.GetOrBuild(ctx, KindBase, fp1, time.Minute, writeBuild("0123456789"))
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	p2, err := c.GetOrBuild(ctx, KindBase, fp2, time.Minute, writeBuild("0123456789"))
	require.NoError(t, err)

	c.MaxBytesPerKind = 12
	c.sweep(ctx)

	_, err1 := os.Stat(p1)
	_, err2 := os.Stat(p2)
	assert.True(t, os.IsNotExist(err1), "older artifact should be evicted")
	assert.NoError(t, err2, "newer artifact should survive")
}

func TestSweepEvictsAcrossKindsBeyondTotalBudget(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	fp1 := fingerprint.SourceOf([]byte("a"))
	fp2 := fingerprint.SourceOf([]byte("b"))

	p1, err := c.GetOrBuild(ctx, KindBase, fp1, time.Minute, writeBuild("0123456789"))
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	p2, err := c.GetOrBuild(ctx, KindSlice, fp2, time.Minute, writeBuild("0123456789"))
	require.NoError(t, err)

	// Neither kind exceeds its own budget individually, but the two
	// artifacts together exceed the global budget.
	c.MaxBytesPerKind = 100
	c.MaxBytesTotal = 15
	c.sweep(ctx)

	_, err1 := os.Stat(p1)
	_, err2 := os.Stat(p2)
	assert.True(t, os.IsNotExist(err1), "older artifact should be evicted under the global budget")
	assert.NoError(t, err2, "newer artifact should survive")
}

func TestSweepTotalSkipsHeldArtifacts(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	fp1 := fingerprint.SourceOf([]byte("a"))
	p1, err := c.GetOrBuild(ctx, KindBase, fp1, time.Minute, writeBuild("0123456789"))
	require.NoError(t, err)

	c.Acquire(p1)
	c.MaxBytesPerKind = 100
	c.MaxBytesTotal = 1
	c.sweep(ctx)

	_, err1 := os.Stat(p1)
	assert.NoError(t, err1, "held artifact must survive a sweep even under the global budget")
	c.Release(p1)
}

func TestSweepSkipsHeldArtifacts(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	fp1 := fingerprint.SourceOf([]byte("a"))
	p1, err := c.GetOrBuild(ctx, KindBase, fp1, time.Minute, writeBuild("0123456789"))
	require.NoError(t, err)

	c.Acquire(p1)
	c.MaxBytesPerKind = 1
	c.sweep(ctx)

	_, err1 := os.Stat(p1)
	assert.NoError(t, err1, "held artifact must survive a sweep")
	c.Release(p1)
}
