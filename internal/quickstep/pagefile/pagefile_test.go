package pagefile

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadWritePageRoundTrip(t *testing.T) {
	pf, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer pf.Close()

	src := make([]byte, PageSize)
	copy(src, "hello page")
	require.NoError(t, pf.WritePage(PageSize, src))

	dst := make([]byte, PageSize)
	require.NoError(t, pf.ReadPage(PageSize, dst))
	require.Equal(t, src, dst)
}

func TestReadWritePageRejectsReservedOffset(t *testing.T) {
	pf, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer pf.Close()

	buf := make([]byte, PageSize)
	require.Error(t, pf.ReadPage(0, buf))
	require.Error(t, pf.WritePage(0, buf))
}

func TestManifestRoundTripsThroughReservedOffset(t *testing.T) {
	pf, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer pf.Close()

	src := make([]byte, PageSize)
	copy(src, "manifest bytes")
	require.NoError(t, pf.WriteManifest(src))

	dst := make([]byte, PageSize)
	require.NoError(t, pf.ReadManifest(dst))
	require.Equal(t, src, dst)
}

func TestReadManifestOnFreshFileReturnsZeroedBuffer(t *testing.T) {
	pf, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer pf.Close()

	dst := make([]byte, PageSize)
	for i := range dst {
		dst[i] = 0xFF
	}
	require.NoError(t, pf.ReadManifest(dst))
	require.Equal(t, make([]byte, PageSize), dst)
}
