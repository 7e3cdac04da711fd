//go:build !linux

package pagefile

import "os"

// fdatasync falls back to a full Sync on platforms without fdatasync(2).
func fdatasync(f *os.File) error {
	return f.Sync()
}
