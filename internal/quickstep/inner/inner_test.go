package inner

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewTreeRoutesEverythingToRootLeaf(t *testing.T) {
	tr := New(7)
	require.Equal(t, uint64(7), tr.FindLeaf([]byte("anything")))
	require.Equal(t, uint64(7), tr.FindLeaf([]byte("")))
}

func TestInstallSplitRoutesAroundSeparator(t *testing.T) {
	tr := New(1)
	tr.InstallSplit(1, []byte("m"), 2)

	require.Equal(t, uint64(1), tr.FindLeaf([]byte("apple")))
	require.Equal(t, uint64(2), tr.FindLeaf([]byte("mango")))
	require.Equal(t, uint64(2), tr.FindLeaf([]byte("zebra")))
}

func TestRepeatedSplitsGrowMultiLevelTree(t *testing.T) {
	tr := New(0)
	nextID := uint64(1)

	// Force enough splits at the leaf level to overflow maxFanout and
	// trigger an inner-node split too.
	for i := 0; i < maxFanout*3; i++ {
		sep := []byte(fmt.Sprintf("k%04d", i))
		oldID := tr.FindLeaf(sep)
		tr.InstallSplit(oldID, sep, nextID)
		nextID++
	}

	// Spot check a handful of routed keys land on some valid leaf id.
	seen := map[uint64]bool{}
	for i := 0; i < maxFanout*3; i++ {
		k := []byte(fmt.Sprintf("k%04d", i))
		id := tr.FindLeaf(k)
		seen[id] = true
	}
	require.Greater(t, len(seen), 1)
}
