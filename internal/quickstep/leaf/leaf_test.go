package leaf

import (
	"fmt"
	"testing"

	"github.com/merlinai-com/quickstep/internal/quickstep/qserr"
	"github.com/stretchr/testify/require"
)

func newTestLeaf(t *testing.T) *Page {
	t.Helper()
	buf := make([]byte, 4096)
	p, err := NewLeaf(buf, 1, []byte("a"), []byte("z"))
	require.NoError(t, err)
	return p
}

func TestPutGetRoundTrip(t *testing.T) {
	p := newTestLeaf(t)

	res, err := p.Put([]byte("apple"), []byte("fruit"), RecordInsert)
	require.NoError(t, err)
	require.Equal(t, PutOK, res)

	res, err = p.Put([]byte("banana"), []byte("also-fruit"), RecordInsert)
	require.NoError(t, err)
	require.Equal(t, PutOK, res)

	v, found := p.Get([]byte("apple"))
	require.True(t, found)
	require.Equal(t, []byte("fruit"), v)

	v, found = p.Get([]byte("banana"))
	require.True(t, found)
	require.Equal(t, []byte("also-fruit"), v)

	_, found = p.Get([]byte("cherry"))
	require.False(t, found)
}

func TestPutOverwrite(t *testing.T) {
	p := newTestLeaf(t)

	_, err := p.Put([]byte("key"), []byte("v1"), RecordInsert)
	require.NoError(t, err)
	_, err = p.Put([]byte("key"), []byte("v2-longer"), RecordInsert)
	require.NoError(t, err)

	v, found := p.Get([]byte("key"))
	require.True(t, found)
	require.Equal(t, []byte("v2-longer"), v)
	require.Equal(t, 1, p.RecordCount())
}

func TestTombstoneFlipsExistingEntry(t *testing.T) {
	p := newTestLeaf(t)

	_, err := p.Put([]byte("key"), []byte("value"), RecordInsert)
	require.NoError(t, err)

	_, err = p.Put([]byte("key"), nil, RecordTombstone)
	require.NoError(t, err)

	_, found := p.Get([]byte("key"))
	require.False(t, found)
	require.Equal(t, 1, p.RecordCount())
}

func TestTombstoneInsertsFreshSlotForAbsentKey(t *testing.T) {
	p := newTestLeaf(t)

	_, err := p.Put([]byte("ghost"), nil, RecordTombstone)
	require.NoError(t, err)

	_, found := p.Get([]byte("ghost"))
	require.False(t, found)
	require.Equal(t, 1, p.RecordCount())
}

func TestSortedOrderMaintained(t *testing.T) {
	p := newTestLeaf(t)

	keys := []string{"mango", "cherry", "banana", "date", "apple"}
	for _, k := range keys {
		_, err := p.Put([]byte(k), []byte("v-"+k), RecordInsert)
		require.NoError(t, err)
	}

	it := p.IterUserEntries()
	var got []string
	for {
		k, _, _, ok := it.Next()
		if !ok {
			break
		}
		got = append(got, string(k))
	}
	require.Equal(t, []string{"apple", "banana", "cherry", "date", "mango"}, got)
}

func TestFencesRoundTrip(t *testing.T) {
	p := newTestLeaf(t)
	require.Equal(t, []byte("a"), p.LowerFence())
	require.Equal(t, []byte("z"), p.UpperFence())
}

func TestRightmostLeafHasNilUpperFence(t *testing.T) {
	buf := make([]byte, 4096)
	p, err := NewLeaf(buf, 1, []byte("a"), nil)
	require.NoError(t, err)
	require.Nil(t, p.UpperFence())
}

func TestPageFromBytesRejectsShortBuffer(t *testing.T) {
	_, err := PageFromBytes(make([]byte, 10))
	require.Error(t, err)
}

func TestPageFromBytesRoundTripsExistingPage(t *testing.T) {
	p := newTestLeaf(t)
	_, err := p.Put([]byte("key"), []byte("val"), RecordInsert)
	require.NoError(t, err)

	reopened, err := PageFromBytes(p.Bytes())
	require.NoError(t, err)

	v, found := reopened.Get([]byte("key"))
	require.True(t, found)
	require.Equal(t, []byte("val"), v)
}

func TestCompactionReclaimsTombstoneAndOverwrittenSpace(t *testing.T) {
	p := newTestLeaf(t)

	for i := 0; i < 20; i++ {
		k := []byte(fmt.Sprintf("key-%02d", i))
		_, err := p.Put(k, make([]byte, 100), RecordInsert)
		require.NoError(t, err)
	}
	for i := 0; i < 10; i++ {
		k := []byte(fmt.Sprintf("key-%02d", i))
		_, _ = p.Put(k, nil, RecordTombstone)
	}

	require.NoError(t, p.compact())

	for i := 10; i < 20; i++ {
		k := []byte(fmt.Sprintf("key-%02d", i))
		v, found := p.Get(k)
		require.True(t, found, "key %s should survive compaction", k)
		require.Len(t, v, 100)
	}
	for i := 0; i < 10; i++ {
		k := []byte(fmt.Sprintf("key-%02d", i))
		_, found := p.Get(k)
		require.False(t, found)
	}
}

func TestPutReturnsNeedsSplitWhenPageFull(t *testing.T) {
	buf := make([]byte, 4096)
	p, err := NewLeaf(buf, 1, []byte(""), nil)
	require.NoError(t, err)

	var lastResult PutResult
	for i := 0; i < 200; i++ {
		k := []byte(fmt.Sprintf("key-%04d", i))
		res, err := p.Put(k, make([]byte, 64), RecordInsert)
		require.NoError(t, err)
		lastResult = res
		if res == PutNeedsSplit {
			break
		}
	}
	require.Equal(t, PutNeedsSplit, lastResult)
}

func TestReplayEntriesRebuildsPage(t *testing.T) {
	buf := make([]byte, 4096)
	p, err := NewLeaf(buf, 7, []byte("a"), []byte("z"))
	require.NoError(t, err)

	entries := []UserEntry{
		{Key: []byte("apple"), Value: []byte("1"), Type: RecordInsert},
		{Key: []byte("banana"), Value: []byte("2"), Type: RecordInsert},
		{Key: []byte("cherry"), Value: []byte("3"), Type: RecordTombstone},
	}
	require.NoError(t, p.ReplayEntries(entries))

	v, found := p.Get([]byte("apple"))
	require.True(t, found)
	require.Equal(t, []byte("1"), v)

	_, found = p.Get([]byte("cherry"))
	require.False(t, found)
}

func TestSetIdentityAndDiskAddr(t *testing.T) {
	p := newTestLeaf(t)
	require.Equal(t, int64(-1), p.DiskAddr())

	p.SetIdentity(42, 8192)
	require.Equal(t, uint64(42), p.PageID())
	require.Equal(t, int64(8192), p.DiskAddr())

	reopened, err := PageFromBytes(p.Bytes())
	require.NoError(t, err)
	require.Equal(t, uint64(42), reopened.PageID())
	require.Equal(t, int64(8192), reopened.DiskAddr())
}

func TestVersionBumpsOnEveryWrite(t *testing.T) {
	p := newTestLeaf(t)
	v0 := p.Version()

	_, err := p.Put([]byte("k"), []byte("v"), RecordInsert)
	require.NoError(t, err)
	require.Greater(t, p.Version(), v0)
}

func TestMarkEvictingRejectsWrites(t *testing.T) {
	p := newTestLeaf(t)
	require.False(t, p.IsEvicting())

	p.MarkEvicting()
	require.True(t, p.IsEvicting())

	_, err := p.Put([]byte("k"), []byte("v"), RecordInsert)
	require.ErrorIs(t, err, qserr.ErrEvicting)

	p.ClearEvicting()
	require.False(t, p.IsEvicting())
	_, err = p.Put([]byte("k"), []byte("v"), RecordInsert)
	require.NoError(t, err)
}
