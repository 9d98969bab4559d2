// Package fileutil holds the file and directory primitives the raft
// log, the state store and the store copy build their durability on.
package fileutil

import (
	"os"
	"path/filepath"
	"sort"
)

const (
	// PrivateFileMode is the mode of every file a member writes.
	PrivateFileMode = 0600
	// PrivateDirMode is the mode of every directory a member creates.
	PrivateDirMode = 0700
)

// MkdirAll creates dir if needed and fails unless files can be created
// in it.
func MkdirAll(dir string) error {
	if err := os.MkdirAll(dir, PrivateDirMode); err != nil {
		return err
	}
	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return err
	}
	probe.Close()
	return os.Remove(probe.Name())
}

// ReadDir returns the names in dir, sorted.
func ReadDir(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(ents))
	for i, e := range ents {
		names[i] = e.Name()
	}
	sort.Strings(names)
	return names, nil
}

// RemoveMatchFile removes every entry of dir whose name matches.
func RemoveMatchFile(dir string, match func(name string) bool) error {
	names, err := ReadDir(dir)
	if err != nil {
		return err
	}
	for _, n := range names {
		if match(n) {
			if err := os.RemoveAll(filepath.Join(dir, n)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Exist reports whether path names an existing file or directory.
func Exist(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
