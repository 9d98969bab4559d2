package backend

import (
	"syscall"

	"github.com/boltdb/bolt"
)

// MAP_POPULATE reads the whole file ahead on open, so a restarted or
// freshly copied store is warm before the first apply.
func boltOpenOptions(mmapSize int64) *bolt.Options {
	return &bolt.Options{MmapFlags: syscall.MAP_POPULATE, InitialMmapSize: int(mmapSize)}
}
