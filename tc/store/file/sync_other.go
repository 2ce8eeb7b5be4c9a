//go:build !linux && !darwin

package file

import (
	"os"
)

func fdatasync(f *os.File) error {
	return f.Sync()
}

// no advisory locking
func lockFile(f *os.File) error {
	return nil
}

func unlockFile(f *os.File) error {
	return nil
}
