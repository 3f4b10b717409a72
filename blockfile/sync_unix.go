//go:build darwin

package blockfile

import (
	"os"

	"golang.org/x/sys/unix"
)

// fullSync fsyncs f, using F_FULLFSYNC on Darwin where a plain fsync
// does not flush the drive's write cache, per spec.md §4.1's note about
// platform FULLFSYNC. Falls back to the plain sync if the fcntl fails.
func fullSync(f *os.File) error {
	if _, err := unix.FcntlInt(f.Fd(), unix.F_FULLFSYNC, 0); err == nil {
		return nil
	}
	return wrapSyncErr(f.Sync())
}
