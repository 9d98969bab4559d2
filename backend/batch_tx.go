package backend

import (
	"fmt"
	"sync"

	"github.com/boltdb/bolt"
)

// BatchTx is the long-running write transaction every state machine
// writes through. It commits on the backend's interval, or on Unlock
// once the batch limit is reached. Callers hold Lock around Unsafe*
// calls; UnsafeGet sees writes not yet committed.
type BatchTx interface {
	Lock()
	Unlock()
	UnsafeCreateBucket(name []byte)
	UnsafePut(bucket, key, value []byte)
	// UnsafeSeqPut is UnsafePut for keys written in ascending order.
	UnsafeSeqPut(bucket, key, value []byte)
	UnsafeGet(bucket, key []byte) []byte
	Commit()
}

type batchTx struct {
	mu      sync.Mutex
	db      *bolt.DB
	tx      *bolt.Tx
	limit   int
	pending int
}

// newBatchTx returns a batchTx with a write transaction already open.
func newBatchTx(db *bolt.DB, limit int) *batchTx {
	t := &batchTx{db: db, limit: limit}
	t.commit(true)
	return t
}

func (t *batchTx) Lock() { t.mu.Lock() }

func (t *batchTx) Unlock() {
	if t.pending >= t.limit {
		t.commit(true)
	}
	t.mu.Unlock()
}

// Commit commits pending writes, if any, and leaves a transaction open.
func (t *batchTx) Commit() {
	t.mu.Lock()
	t.commit(true)
	t.mu.Unlock()
}

func (t *batchTx) stop() {
	t.mu.Lock()
	t.commit(false)
	t.mu.Unlock()
}

// commit ends the open transaction if it has writes or the batch is
// stopping, then begins the next one when reopen is set. Bolt errors
// here mean the file is unusable, so they panic.
func (t *batchTx) commit(reopen bool) {
	if t.tx != nil && (t.pending > 0 || !reopen) {
		if err := t.tx.Commit(); err != nil {
			panic(fmt.Errorf("backend: cannot commit tx: %v", err))
		}
		t.tx, t.pending = nil, 0
	}
	if reopen && t.tx == nil {
		tx, err := t.db.Begin(true)
		if err != nil {
			panic(fmt.Errorf("backend: cannot begin tx: %v", err))
		}
		t.tx = tx
	}
}

func (t *batchTx) bucket(name []byte) *bolt.Bucket {
	b := t.tx.Bucket(name)
	if b == nil {
		panic(fmt.Errorf("backend: bucket %q does not exist", name))
	}
	return b
}

func (t *batchTx) UnsafeCreateBucket(name []byte) {
	if _, err := t.tx.CreateBucketIfNotExists(name); err != nil {
		panic(fmt.Errorf("backend: cannot create bucket %q: %v", name, err))
	}
	t.pending++
}

func (t *batchTx) put(bucket, key, value []byte, fill float64) {
	b := t.bucket(bucket)
	b.FillPercent = fill
	if err := b.Put(key, value); err != nil {
		panic(fmt.Errorf("backend: cannot put %q into %q: %v", key, bucket, err))
	}
	t.pending++
}

func (t *batchTx) UnsafePut(bucket, key, value []byte) {
	t.put(bucket, key, value, bolt.DefaultFillPercent)
}

// Appended keys never land in the middle of a page, so pages can be
// packed fuller before they split.
func (t *batchTx) UnsafeSeqPut(bucket, key, value []byte) {
	t.put(bucket, key, value, 0.9)
}

// UnsafeGet returns a copy of the value at key, or nil.
func (t *batchTx) UnsafeGet(bucket, key []byte) []byte {
	v := t.bucket(bucket).Get(key)
	if v == nil {
		return nil
	}
	return append([]byte(nil), v...)
}
