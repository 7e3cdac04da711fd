package txn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSharedLocksDoNotConflict(t *testing.T) {
	m := NewManager()
	done := make(chan struct{})

	m.Acquire(1, 100, LockShared)
	go func() {
		m.Acquire(2, 100, LockShared)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second shared lock should not have blocked")
	}
	m.ReleaseAll(1)
	m.ReleaseAll(2)
}

func TestExclusiveLockBlocksOthers(t *testing.T) {
	m := NewManager()
	m.Acquire(1, 100, LockExclusive)

	acquired := make(chan struct{})
	go func() {
		m.Acquire(2, 100, LockExclusive)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second exclusive lock should have blocked")
	case <-time.After(50 * time.Millisecond):
	}

	m.ReleaseAll(1)
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second exclusive lock never granted after release")
	}
	m.ReleaseAll(2)
}

func TestRepeatedAcquireDedupsInPlace(t *testing.T) {
	m := NewManager()
	m.Acquire(1, 100, LockShared)
	m.Acquire(1, 100, LockShared) // should not deadlock or double-count
	require.Len(t, m.held[1], 1)
	m.ReleaseAll(1)
}

func TestUpgradeFromSharedToExclusive(t *testing.T) {
	m := NewManager()
	m.Acquire(1, 100, LockShared)
	m.Acquire(1, 100, LockExclusive)
	require.Equal(t, LockExclusive, m.held[1][100])
	m.ReleaseAll(1)
}

func TestUndoLogReplaysMostRecentFirst(t *testing.T) {
	var u UndoLog
	u.Record(UndoEntry{Key: []byte("k"), Value: []byte("v1"), Existed: true})
	u.Record(UndoEntry{Key: []byte("k"), Value: []byte("v2"), Existed: true})

	entries := u.Entries()
	require.Equal(t, []byte("v2"), entries[0].Value)
	require.Equal(t, []byte("v1"), entries[1].Value)
}
