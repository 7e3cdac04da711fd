package recovery

import (
	"path/filepath"
	"testing"

	"github.com/merlinai-com/quickstep/internal/quickstep/wal"
	"github.com/stretchr/testify/require"
)

func TestReplayRebuildsCommittedPage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.wal")

	w, err := wal.Open(path, nil)
	require.NoError(t, err)
	_, err = w.AppendPut(3, []byte("a"), []byte("z"), []byte("key1"), []byte("v1"))
	require.NoError(t, err)
	_, err = w.AppendPut(3, []byte("a"), []byte("z"), []byte("key2"), []byte("v2"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	result, err := Replay(path)
	require.NoError(t, err)

	ps := result.Pages[3]
	require.NotNil(t, ps)
	require.Len(t, ps.Entries, 2)
	require.Equal(t, []byte("key1"), ps.Entries[0].Key)
}

func TestReplayAppliesUncommittedTransactionUnconditionally(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.wal")

	w, err := wal.Open(path, nil)
	require.NoError(t, err)
	_, err = w.AppendTxnBegin(1)
	require.NoError(t, err)
	rec := wal.Record{Type: wal.RecordPut, PageID: 5, TxnID: 1, Lower: []byte("a"), Upper: []byte("z"), Key: []byte("k"), Value: []byte("v")}
	_, err = w.Append(rec)
	require.NoError(t, err)
	// no commit marker: process crashed mid-transaction. Recovery redoes it
	// anyway per the adopted redo-always policy; there is no undo pass.
	require.NoError(t, w.Close())

	result, err := Replay(path)
	require.NoError(t, err)
	require.NotNil(t, result.Pages[5])
	require.Len(t, result.Pages[5].Entries, 1)
}

func TestReplayKeepsCommittedTransaction(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.wal")

	w, err := wal.Open(path, nil)
	require.NoError(t, err)
	_, err = w.AppendTxnBegin(1)
	require.NoError(t, err)
	rec := wal.Record{Type: wal.RecordPut, PageID: 5, TxnID: 1, Lower: []byte("a"), Upper: []byte("z"), Key: []byte("k"), Value: []byte("v")}
	_, err = w.Append(rec)
	require.NoError(t, err)
	_, err = w.AppendTxnCommit(1)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	result, err := Replay(path)
	require.NoError(t, err)
	require.NotNil(t, result.Pages[5])
	require.Len(t, result.Pages[5].Entries, 1)
}

func TestCheckpointDropsPriorRecords(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.wal")

	w, err := wal.Open(path, nil)
	require.NoError(t, err)
	_, err = w.AppendPut(3, []byte("a"), []byte("z"), []byte("stale"), []byte("v"))
	require.NoError(t, err)
	_, err = w.AppendCheckpoint(3)
	require.NoError(t, err)
	_, err = w.AppendPut(3, []byte("a"), []byte("z"), []byte("fresh"), []byte("v"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	result, err := Replay(path)
	require.NoError(t, err)
	require.Len(t, result.Pages[3].Entries, 1)
	require.Equal(t, []byte("fresh"), result.Pages[3].Entries[0].Key)
}

func TestReplayDropsRetiredPageEntirely(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.wal")

	w, err := wal.Open(path, nil)
	require.NoError(t, err)
	_, err = w.AppendPut(4, []byte("a"), []byte("m"), []byte("k"), []byte("v"))
	require.NoError(t, err)
	_, err = w.AppendRetire(4)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	result, err := Replay(path)
	require.NoError(t, err)
	require.Nil(t, result.Pages[4])
	require.True(t, result.Retired[4])
}

func TestToLeafPageProducesQueryableLeaf(t *testing.T) {
	ps := &PageState{
		PageID: 1,
		Lower:  []byte("a"),
		Upper:  []byte("z"),
	}
	buf := make([]byte, 4096)
	p, err := ToLeafPage(buf, ps)
	require.NoError(t, err)
	require.Equal(t, uint64(1), p.PageID())
}
