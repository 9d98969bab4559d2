package fileutil

import (
	"os"
	"syscall"
)

// Fdatasync flushes f's data without the inode timestamps, which is
// all an appended log segment needs.
func Fdatasync(f *os.File) error {
	return syscall.Fdatasync(int(f.Fd()))
}
