package fileutil

import (
	"io"
	"os"
)

// Fsync flushes f's data and metadata.
func Fsync(f *os.File) error { return f.Sync() }

// FsyncDir makes creates, renames and removes inside dir durable.
func FsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	err = d.Sync()
	if cerr := d.Close(); err == nil {
		err = cerr
	}
	return err
}

// WriteSync replaces the contents of path with data and syncs it
// before returning.
func WriteSync(path string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	n, err := f.Write(data)
	switch {
	case err != nil:
	case n < len(data):
		err = io.ErrShortWrite
	default:
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}
