//go:build linux

package pagefile

import (
	"os"

	"golang.org/x/sys/unix"
)

// fdatasync flushes file data (and only as much metadata as is needed to
// retrieve it) to stable storage, skipping the extra inode-timestamp sync
// that Sync() would otherwise force on every WAL checkpoint.
func fdatasync(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}
