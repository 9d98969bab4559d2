// Package backend persists the replicated state machines in a bolt
// database. Writes go through one batched write transaction; snapshots
// of the database are streamed to members that copy the store.
package backend

import (
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"time"

	"github.com/boltdb/bolt"
	"github.com/google/uuid"

	"github.com/neo4j/neo4j-sub208/pkg/fileutil"
	"github.com/neo4j/neo4j-sub208/pkg/logutil"
)

var logger = logutil.NewPackageLogger("backend")

const (
	defaultBatchLimit    = 10000
	defaultBatchInterval = 100 * time.Millisecond
)

// InitialMmapSize is the mmap size used when Config.MmapSize is unset.
// Sizing it above the largest expected store keeps a growing write
// transaction from waiting on open snapshots to remap. Linux only.
var InitialMmapSize = int64(10 * 1024 * 1024 * 1024)

// Backend is the store of the replicated state machines.
type Backend interface {
	// BatchTx returns the shared write transaction.
	BatchTx() BatchTx
	// Snapshot commits pending writes and opens a read view over them.
	Snapshot() Snapshot
	// Hash returns a crc32c over every committed bucket, key and value.
	Hash() (uint32, error)
	ForceCommit()
	Path() string
	Close() error
}

// Snapshot is a consistent read-only view of the whole database.
type Snapshot interface {
	Size() int64
	WriteTo(w io.Writer) (n int64, err error)
	// Applied returns the applied index and term the view records.
	Applied() (index, term uint64)
	Close() error
}

// Config configures a Backend.
type Config struct {
	// Path is the bolt file.
	Path string
	// BatchInterval is the longest pending writes wait for a commit.
	BatchInterval time.Duration
	// BatchLimit is the number of pending writes that forces a commit.
	BatchLimit int
	// MmapSize is the initial mmap size; 0 uses InitialMmapSize.
	MmapSize int64
}

// DefaultConfig returns the default configuration for a file at path.
func DefaultConfig(path string) Config {
	return Config{Path: path, BatchInterval: defaultBatchInterval, BatchLimit: defaultBatchLimit}
}

type backend struct {
	db       *bolt.DB
	tx       *batchTx
	interval time.Duration

	stopc chan struct{}
	donec chan struct{}
}

// Open opens or creates the bolt file at cfg.Path, makes sure it has a
// meta bucket and starts the batch committer.
func Open(cfg Config) (Backend, error) {
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = defaultBatchInterval
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = defaultBatchLimit
	}
	if cfg.MmapSize <= 0 {
		cfg.MmapSize = InitialMmapSize
	}

	db, err := bolt.Open(cfg.Path, fileutil.PrivateFileMode, boltOpenOptions(cfg.MmapSize))
	if err != nil {
		return nil, fmt.Errorf("backend: cannot open database at %s: %w", cfg.Path, err)
	}

	be := &backend{
		db:       db,
		tx:       newBatchTx(db, cfg.BatchLimit),
		interval: cfg.BatchInterval,
		stopc:    make(chan struct{}),
		donec:    make(chan struct{}),
	}
	be.tx.Lock()
	be.tx.UnsafeCreateBucket(MetaBucket)
	be.tx.Unlock()
	be.tx.Commit()

	go be.run()
	logger.Debugf("opened %s", cfg.Path)
	return be, nil
}

func (be *backend) run() {
	defer close(be.donec)
	ticker := time.NewTicker(be.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			be.tx.Commit()
		case <-be.stopc:
			be.tx.stop()
			return
		}
	}
}

// Close commits pending writes and closes the file.
func (be *backend) Close() error {
	close(be.stopc)
	<-be.donec
	return be.db.Close()
}

func (be *backend) BatchTx() BatchTx { return be.tx }

func (be *backend) ForceCommit() { be.tx.Commit() }

func (be *backend) Path() string { return be.db.Path() }

func (be *backend) Snapshot() Snapshot {
	be.tx.Commit()
	tx, err := be.db.Begin(false)
	if err != nil {
		panic(fmt.Errorf("backend: cannot begin read tx: %v", err))
	}
	return &snapshot{tx}
}

func (be *backend) Hash() (uint32, error) {
	be.tx.Commit()
	h := crc32.New(crc32.MakeTable(crc32.Castagnoli))
	err := be.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, b *bolt.Bucket) error {
			h.Write(name)
			return b.ForEach(func(k, v []byte) error {
				h.Write(k)
				h.Write(v)
				return nil
			})
		})
	})
	return h.Sum32(), err
}

type snapshot struct {
	*bolt.Tx
}

func (s *snapshot) Close() error { return s.Tx.Rollback() }

func (s *snapshot) Applied() (uint64, uint64) {
	b := s.Tx.Bucket(MetaBucket)
	if b == nil {
		return 0, 0
	}
	return decodeApplied(b.Get(appliedKey))
}

// ErrInvalidDatabase is returned by Verify for a file that is not a
// usable store.
var ErrInvalidDatabase = errors.New("backend: invalid database file")

// Info identifies the content of a store file.
type Info struct {
	StoreID      uuid.UUID
	AppliedIndex uint64
	AppliedTerm  uint64
}

// Verify opens the bolt file at path read-only and checks that it holds
// a meta bucket. It returns the store id and applied index it records.
func Verify(path string) (Info, error) {
	db, err := bolt.Open(path, 0400, &bolt.Options{ReadOnly: true, Timeout: time.Second})
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrInvalidDatabase, err)
	}
	defer db.Close()

	var info Info
	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(MetaBucket)
		if b == nil {
			return fmt.Errorf("%w: no %s bucket", ErrInvalidDatabase, MetaBucket)
		}
		if v := b.Get(storeIDKey); v != nil {
			id, err := uuid.FromBytes(v)
			if err != nil {
				return fmt.Errorf("%w: store id: %v", ErrInvalidDatabase, err)
			}
			info.StoreID = id
		}
		info.AppliedIndex, info.AppliedTerm = decodeApplied(b.Get(appliedKey))
		return nil
	})
	return info, err
}
