package backend

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// MetaBucket holds the store id and the applied index.
var MetaBucket = []byte("meta")

var (
	storeIDKey = []byte("store_id")
	appliedKey = []byte("applied_index")
)

// ReadStoreID returns the store id, or uuid.Nil for a store that has
// none yet.
func ReadStoreID(be Backend) (uuid.UUID, error) {
	tx := be.BatchTx()
	tx.Lock()
	v := tx.UnsafeGet(MetaBucket, storeIDKey)
	tx.Unlock()

	if v == nil {
		return uuid.Nil, nil
	}
	id, err := uuid.FromBytes(v)
	if err != nil {
		return uuid.Nil, fmt.Errorf("backend: invalid store id: %w", err)
	}
	return id, nil
}

// InitStoreID records id unless the store already has one, and returns
// the id the store ends up with.
func InitStoreID(be Backend, id uuid.UUID) (uuid.UUID, error) {
	cur, err := ReadStoreID(be)
	if err != nil || cur != uuid.Nil {
		return cur, err
	}

	tx := be.BatchTx()
	tx.Lock()
	tx.UnsafePut(MetaBucket, storeIDKey, id[:])
	tx.Unlock()
	be.ForceCommit()
	return id, nil
}

// UnsafeReadApplied returns the applied index and term. The caller
// holds the batch tx lock.
func UnsafeReadApplied(tx BatchTx) (index, term uint64) {
	return decodeApplied(tx.UnsafeGet(MetaBucket, appliedKey))
}

// UnsafeSetApplied records the applied index and term in the same
// transaction as the state they describe. The caller holds the batch
// tx lock.
func UnsafeSetApplied(tx BatchTx, index, term uint64) {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b, index)
	binary.BigEndian.PutUint64(b[8:], term)
	tx.UnsafePut(MetaBucket, appliedKey, b)
}

// ReadApplied returns the applied index and term, including writes not
// yet committed.
func ReadApplied(be Backend) (index, term uint64) {
	tx := be.BatchTx()
	tx.Lock()
	defer tx.Unlock()
	return UnsafeReadApplied(tx)
}

func decodeApplied(v []byte) (uint64, uint64) {
	if len(v) != 16 {
		return 0, 0
	}
	return binary.BigEndian.Uint64(v), binary.BigEndian.Uint64(v[8:])
}
