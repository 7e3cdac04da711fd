package quickstep_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/merlinai-com/quickstep"
	"github.com/merlinai-com/quickstep/internal/quickstep/config"
	"github.com/stretchr/testify/require"
)

// countingMetrics is a single test double for MiniPageMetrics, WALMetrics,
// and TreeMetrics, giving these end-to-end tests a way to observe
// eviction/checkpoint/split/merge counts without reaching into any
// internal package.
type countingMetrics struct {
	mu          sync.Mutex
	evictions   int
	checkpoints int
	splits      int
	merges      int
}

func (m *countingMetrics) SetBufferSize(int)   {}
func (m *countingMetrics) IncHit()             {}
func (m *countingMetrics) IncMiss()            {}
func (m *countingMetrics) IncEviction()        { m.mu.Lock(); m.evictions++; m.mu.Unlock() }
func (m *countingMetrics) IncSecondChance()    {}
func (m *countingMetrics) IncBufferFull()      {}
func (m *countingMetrics) IncAppend(int)       {}
func (m *countingMetrics) IncCheckpoint()      { m.mu.Lock(); m.checkpoints++; m.mu.Unlock() }
func (m *countingMetrics) SetWALSize(int64)    {}
func (m *countingMetrics) IncSplit()           { m.mu.Lock(); m.splits++; m.mu.Unlock() }
func (m *countingMetrics) IncMerge()           { m.mu.Lock(); m.merges++; m.mu.Unlock() }
func (m *countingMetrics) IncOLCRestart()      {}
func (m *countingMetrics) IncContentionExceeded() {}

func (m *countingMetrics) snapshot() (evictions, checkpoints, splits, merges int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evictions, m.checkpoints, m.splits, m.merges
}

func openWithMetrics(t *testing.T, cfg config.Config) (*quickstep.DB, *countingMetrics) {
	t.Helper()
	m := &countingMetrics{}
	db, err := quickstep.Open(cfg, quickstep.WithMetrics(m, m, m))
	require.NoError(t, err)
	return db, m
}

// Scenario A: a single put/get round-trip through an explicit Tx.
func TestPutGetRoundTripThroughTx(t *testing.T) {
	cfg := config.DefaultConfig(t.TempDir())
	db, err := quickstep.Open(cfg)
	require.NoError(t, err)
	defer db.Close()

	tx := db.Tx()
	require.NoError(t, tx.Put([]byte("hello"), []byte("world")))
	require.NoError(t, tx.Commit())

	v, found, err := db.Get([]byte("hello"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("world"), v)
}

// Scenario B: enough inserts to force the root leaf to split repeatedly.
// quickstep's leaves are a fixed 4KiB, so 200 keys at 256 bytes each
// cannot fit behind a single split the way a larger page would; the
// honest assertion is "more than one split happened and every key
// survives it", not a literal split count of one.
func TestManyInsertsForceRepeatedSplits(t *testing.T) {
	cfg := config.DefaultConfig(t.TempDir())
	db, m := openWithMetrics(t, cfg)
	defer db.Close()

	value := make([]byte, 256)
	for i := range value {
		value[i] = byte(i)
	}

	const n = 200
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("k%04d", i))
		require.NoError(t, db.Put(key, value))
	}

	_, _, splits, _ := m.snapshot()
	require.Greater(t, splits, 1, "200 keys at 256 bytes each must not fit in one 4KiB leaf")

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("k%04d", i))
		v, found, err := db.Get(key)
		require.NoError(t, err)
		require.True(t, found, "key %s missing after splits", key)
		require.Equal(t, value, v)
	}
}

// Scenario C: deleting most of a leaf's content after Scenario B's splits
// drives its live size below the merge threshold and folds it back into
// its neighbor.
func TestDeletesDriveAutoMerge(t *testing.T) {
	cfg := config.DefaultConfig(t.TempDir())
	db, m := openWithMetrics(t, cfg)
	defer db.Close()

	value := make([]byte, 256)
	const n = 200
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("k%04d", i))
		require.NoError(t, db.Put(key, value))
	}

	// Delete every key but the last handful, so most leaves fall well
	// under MergeThresholdBytes and get folded into a neighbor.
	for i := 0; i < n-5; i++ {
		key := []byte(fmt.Sprintf("k%04d", i))
		require.NoError(t, db.Delete(key))
	}

	_, _, _, merges := m.snapshot()
	require.Greater(t, merges, 0, "expected at least one auto-merge after deleting most of the tree")

	for i := n - 5; i < n; i++ {
		key := []byte(fmt.Sprintf("k%04d", i))
		v, found, err := db.Get(key)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, value, v)
	}
	for i := 0; i < n-5; i++ {
		key := []byte(fmt.Sprintf("k%04d", i))
		_, found, err := db.Get(key)
		require.NoError(t, err)
		require.False(t, found, "deleted key %s still readable", key)
	}
}

// Scenario D: a tiny mini-page buffer forces eviction to disk under
// ordinary writes; closing without any explicit flush and reopening must
// still surface every key, since eviction durably checkpoints the WAL as
// it flushes.
func TestEvictedPagesSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig(dir)
	cfg.CacheBytes = 8 << 10 // 8 KiB: only a couple of leaves fit at once

	db, m := openWithMetrics(t, cfg)

	value := make([]byte, 512)
	const n = 64
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("evict-%04d", i))
		require.NoError(t, db.Put(key, value))
	}

	evictions, _, _, _ := m.snapshot()
	require.Greater(t, evictions, 0, "an 8KiB buffer under this workload must evict at least one page")

	require.NoError(t, db.Close())

	reopened, err := quickstep.Open(cfg)
	require.NoError(t, err)
	defer reopened.Close()

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("evict-%04d", i))
		v, found, err := reopened.Get(key)
		require.NoError(t, err)
		require.True(t, found, "key %s missing after reopen", key)
		require.Equal(t, value, v)
	}
}

// Scenario E: crash-replay across splits and an auto-merge. Close (which,
// unlike an explicit checkpoint sweep, only closes file handles) stands
// in for a crash: every write reaching Close was already fsynced to the
// WAL (or, for evicted/checkpointed pages, to the paged file) by the time
// it returned, so recovery on the next Open must reconstruct exactly the
// same logical state.
func TestCrashReplayAcrossSplitsAndMerge(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig(dir)

	db, err := quickstep.Open(cfg)
	require.NoError(t, err)

	value := make([]byte, 256)
	const n = 500
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("crash-%04d", i))
		require.NoError(t, db.Put(key, value))
	}
	// Delete a swath of keys to trigger at least one merge alongside the
	// splits the initial inserts already forced.
	for i := 100; i < 200; i++ {
		key := []byte(fmt.Sprintf("crash-%04d", i))
		require.NoError(t, db.Delete(key))
	}

	require.NoError(t, db.Close())

	reopened, err := quickstep.Open(cfg)
	require.NoError(t, err)
	defer reopened.Close()

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("crash-%04d", i))
		v, found, err := reopened.Get(key)
		require.NoError(t, err)
		if i >= 100 && i < 200 {
			require.False(t, found, "deleted key %s resurrected after replay", key)
			continue
		}
		require.True(t, found, "key %s missing after crash replay", key)
		require.Equal(t, value, v)
	}
}

// Scenario F: crossing WALLeafThreshold on a single leaf's own record
// count triggers exactly one proactive checkpoint. (That a checkpoint
// shrinks the WAL is checked in the wal package's own tests.)
func TestPerLeafWALThresholdTriggersOneCheckpoint(t *testing.T) {
	cfg := config.DefaultConfig(t.TempDir())
	cfg.WALLeafThreshold = 4

	db, m := openWithMetrics(t, cfg)
	defer db.Close()

	for i := 0; i < 5; i++ {
		key := []byte(fmt.Sprintf("f%d", i))
		require.NoError(t, db.Put(key, []byte("v")))
	}

	_, checkpoints, _, _ := m.snapshot()
	require.Equal(t, 1, checkpoints, "crossing WALLeafThreshold once must checkpoint exactly once")
}
