//go:build !linux

package backend

import "github.com/boltdb/bolt"

func boltOpenOptions(mmapSize int64) *bolt.Options {
	return &bolt.Options{InitialMmapSize: int(mmapSize)}
}
