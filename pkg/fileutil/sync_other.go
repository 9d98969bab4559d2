//go:build !linux

package fileutil

import "os"

// Fdatasync is Fsync where fdatasync(2) is missing.
func Fdatasync(f *os.File) error { return f.Sync() }
