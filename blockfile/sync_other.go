//go:build !darwin

package blockfile

import "os"

// fullSync fsyncs f. On non-Darwin platforms a plain fsync is already
// sufficient durability, per spec.md §4.1.
func fullSync(f *os.File) error {
	return wrapSyncErr(f.Sync())
}
