//go:build linux

package file

import (
	"os"

	"golang.org/x/sys/unix"
)

// fdatasync is enough for appended records, the size change is flushed too.
func fdatasync(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}

func lockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
}

func unlockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
