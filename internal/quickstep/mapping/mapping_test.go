package mapping

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocateThenWriteThenRead(t *testing.T) {
	tbl := New(4)
	id := tbl.Allocate()

	h, ok := tbl.WriteLock(id)
	require.True(t, ok)
	h.SetRef(NodeRef{Loc: LocMemory})
	h.Unlock()

	ref, _, unlock, ok := tbl.ReadLock(id)
	defer unlock()
	require.True(t, ok)
	require.Equal(t, LocMemory, ref.Loc)
}

func TestHasEntryFalseForUnallocated(t *testing.T) {
	tbl := New(4)
	require.False(t, tbl.HasEntry(99))
}

func TestRetireSetsEmptyPermanently(t *testing.T) {
	tbl := New(4)
	id := tbl.Allocate()

	h, _ := tbl.WriteLock(id)
	h.SetRef(NodeRef{Loc: LocDisk})
	h.Unlock()

	tbl.Retire(id)

	ref, _, unlock, ok := tbl.ReadLock(id)
	defer unlock()
	require.True(t, ok)
	require.Equal(t, LocEmpty, ref.Loc)
}

func TestWriteLockExcludesConcurrentReaders(t *testing.T) {
	tbl := New(4)
	id := tbl.Allocate()

	h, _ := tbl.WriteLock(id)

	done := make(chan struct{})
	go func() {
		_, _, unlock, ok := tbl.ReadLock(id)
		require.True(t, ok)
		unlock()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("reader acquired lock while writer held it")
	default:
	}

	h.SetRef(NodeRef{Loc: LocBoth})
	h.Unlock()
	<-done
}
