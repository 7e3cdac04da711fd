package minipage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocPicksSmallestFittingClass(t *testing.T) {
	b := New(7*64*8, nil, func(uint64, []byte) error { return nil })

	h, buf, err := b.Alloc(1, 40)
	require.NoError(t, err)
	require.Equal(t, Class64, h.class)
	require.Len(t, buf, 64)
}

func TestAllocRejectsOversizedRequest(t *testing.T) {
	b := New(7*64*8, nil, func(uint64, []byte) error { return nil })

	_, _, err := b.Alloc(1, 5000)
	require.Error(t, err)
}

func TestFreeReturnsSlotToFreelist(t *testing.T) {
	b := New(64*4, nil, func(uint64, []byte) error { return nil })

	h1, _, err := b.Alloc(1, 32)
	require.NoError(t, err)
	b.Free(h1)

	h2, _, err := b.Alloc(2, 32)
	require.NoError(t, err)
	require.Equal(t, h1.class, h2.class)
}

func TestAllocEvictsWhenClassExhausted(t *testing.T) {
	evicted := map[uint64]bool{}
	b := New(7*128, nil, func(pageID uint64, buf []byte) error {
		evicted[pageID] = true
		return nil
	})

	_, _, err := b.Alloc(1, 32)
	require.NoError(t, err)
	_, _, err = b.Alloc(2, 32)
	require.NoError(t, err)

	// Both slots of the 64-byte class are now occupied; a third alloc must
	// evict one of the first two after the second-chance scan clears their
	// referenced bits.
	_, _, err = b.Alloc(3, 32)
	require.NoError(t, err)
	require.True(t, evicted[1] || evicted[2])
}

func TestGrowMovesToNextSizeClass(t *testing.T) {
	b := New(1<<20, nil, func(uint64, []byte) error { return nil })

	h, _, err := b.Alloc(1, 32)
	require.NoError(t, err)
	require.Equal(t, Class64, h.class)

	grown, buf, err := b.Grow(h, 1)
	require.NoError(t, err)
	require.Equal(t, Class128, grown.class)
	require.Len(t, buf, 128)
}

func TestGrowFailsPastLargestClass(t *testing.T) {
	b := New(1<<20, nil, func(uint64, []byte) error { return nil })

	h, _, err := b.Alloc(1, 4000)
	require.NoError(t, err)
	require.Equal(t, Class4096, h.class)

	_, _, err = b.Grow(h, 1)
	require.Error(t, err)
}
