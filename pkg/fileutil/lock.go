//go:build !windows

package fileutil

import (
	"errors"
	"os"
	"syscall"
)

// ErrLocked is returned by TryLockFile when another process holds the
// lock.
var ErrLocked = errors.New("fileutil: file already locked")

// LockedFile is a file holding an exclusive flock. Closing it releases
// the lock.
type LockedFile struct {
	*os.File
}

// TryLockFile opens path and takes an exclusive lock on it without
// waiting.
func TryLockFile(path string, flag int, perm os.FileMode) (*LockedFile, error) {
	f, err := os.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}
	switch err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err {
	case nil:
		return &LockedFile{f}, nil
	case syscall.EWOULDBLOCK:
		f.Close()
		return nil, ErrLocked
	default:
		f.Close()
		return nil, err
	}
}
