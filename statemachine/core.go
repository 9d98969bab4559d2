package statemachine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/neo4j/neo4j-sub208/backend"
	"github.com/neo4j/neo4j-sub208/pkg/types"
	"github.com/neo4j/neo4j-sub208/raft/raftpb"
)

var (
	idAllocationBucket = []byte("id_allocation")
	tokenBucket        = []byte("tokens")
	lockTokenBucket    = []byte("lock_token")
	sessionBucket      = []byte("sessions")
	transactionBucket  = []byte("transactions")

	lockTokenKey        = []byte("token")
	transactionCountKey = []byte("count")
)

// ErrSessionOutOfOrder is delivered for an operation whose sequence
// skips ahead of its local session. It is not applied.
var ErrSessionOutOfOrder = errors.New("statemachine: operation out of order in its session")

// TransactionApplier applies a replicated transaction payload within
// the batch tx of its entry. It must be deterministic.
type TransactionApplier interface {
	ApplyTransaction(tx backend.BatchTx, index uint64, payload []byte) ([]byte, error)
}

// TransactionApplierFunc adapts a function to TransactionApplier.
type TransactionApplierFunc func(tx backend.BatchTx, index uint64, payload []byte) ([]byte, error)

func (f TransactionApplierFunc) ApplyTransaction(tx backend.BatchTx, index uint64, payload []byte) ([]byte, error) {
	return f(tx, index, payload)
}

// Applied is delivered to whoever waits on an operation.
type Applied struct {
	Result Result

	// Duplicate is set when the operation had already been applied and
	// Result is the one recorded then.
	Duplicate bool

	Err error
}

// CoreStateMachines are the replicated state machines: id allocation,
// token holders, the lock token, the session tracker and the
// transaction delegate. All of them live in one backend, next to the
// applied index.
type CoreStateMachines struct {
	mu sync.RWMutex
	be backend.Backend

	txApplier TransactionApplier
}

// NewCoreStateMachines creates the buckets in be. A nil txApplier
// records transaction payloads in order.
func NewCoreStateMachines(be backend.Backend, txApplier TransactionApplier) *CoreStateMachines {
	if txApplier == nil {
		txApplier = TransactionApplierFunc(recordTransaction)
	}
	sm := &CoreStateMachines{txApplier: txApplier}
	sm.reset(be)
	return sm
}

func (sm *CoreStateMachines) reset(be backend.Backend) {
	tx := be.BatchTx()
	tx.Lock()
	for _, b := range [][]byte{idAllocationBucket, tokenBucket, lockTokenBucket, sessionBucket, transactionBucket} {
		tx.UnsafeCreateBucket(b)
	}
	tx.Unlock()
	be.ForceCommit()

	sm.mu.Lock()
	sm.be = be
	sm.mu.Unlock()
}

// Backend returns the current backend.
func (sm *CoreStateMachines) Backend() backend.Backend {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.be
}

// unsafeApply applies one committed entry. The caller holds the batch
// tx lock. Entries at or below the applied index are skipped. The
// returned error is fatal.
func (sm *CoreStateMachines) unsafeApply(tx backend.BatchTx, e raftpb.Entry) (op *Operation, out Applied, err error) {
	if applied, _ := backend.UnsafeReadApplied(tx); e.Index <= applied {
		return nil, out, nil
	}

	if e.Type == raftpb.ENTRY_TYPE_NORMAL {
		op = &Operation{}
		if err = op.Unmarshal(e.Data); err != nil {
			return nil, out, err
		}
		if out, err = sm.unsafeApplyInSession(tx, e.Index, op); err != nil {
			return op, out, err
		}
	}

	backend.UnsafeSetApplied(tx, e.Index, e.Term)
	return op, out, nil
}

func sessionKey(session uuid.UUID, local uint64) []byte {
	k := make([]byte, 0, 24)
	k = append(k, session[:]...)
	return binary.BigEndian.AppendUint64(k, local)
}

func (sm *CoreStateMachines) unsafeApplyInSession(tx backend.BatchTx, index uint64, op *Operation) (Applied, error) {
	key := sessionKey(op.Session, op.LocalSession)

	var next uint64
	var last Result
	if v := tx.UnsafeGet(sessionBucket, key); v != nil {
		if len(v) < 8 {
			return Applied{}, fmt.Errorf("corrupt session record for %s", op.OperationID)
		}
		next = binary.BigEndian.Uint64(v)
		if err := last.unmarshal(v[8:]); err != nil {
			return Applied{}, err
		}
	}

	switch {
	case op.Sequence < next:
		out := Applied{Duplicate: true, Result: Result{Accepted: true}}
		if op.Sequence == next-1 {
			out.Result = last
		}
		return out, nil
	case op.Sequence > next:
		return Applied{Err: fmt.Errorf("%w: sequence %d, expected %d", ErrSessionOutOfOrder, op.Sequence, next)}, nil
	}

	res, err := sm.unsafeApplyOperation(tx, index, op)
	if err != nil {
		return Applied{}, err
	}

	v := binary.BigEndian.AppendUint64(nil, op.Sequence+1)
	tx.UnsafePut(sessionBucket, key, append(v, res.marshal()...))
	return Applied{Result: res}, nil
}

func (sm *CoreStateMachines) unsafeApplyOperation(tx backend.BatchTx, index uint64, op *Operation) (Result, error) {
	switch op.Kind {
	case KindDummy:
		return Result{Accepted: true}, nil

	case KindIDAllocation:
		var r IDAllocation
		if err := r.Unmarshal(op.Payload); err != nil {
			return Result{}, err
		}
		key := binary.BigEndian.AppendUint32(nil, r.IDType)
		first := decodeUint64(tx.UnsafeGet(idAllocationBucket, key))
		tx.UnsafePut(idAllocationBucket, key, binary.BigEndian.AppendUint64(nil, first+r.Size))
		return Result{Accepted: true, Value: first, Count: r.Size}, nil

	case KindTokenRequest:
		var r TokenRequest
		if err := r.Unmarshal(op.Payload); err != nil {
			return Result{}, err
		}
		nameKey := append(binary.BigEndian.AppendUint32([]byte("t"), r.TokenType), r.Name...)
		if v := tx.UnsafeGet(tokenBucket, nameKey); v != nil {
			return Result{Accepted: true, Value: decodeUint64(v)}, nil
		}
		countKey := binary.BigEndian.AppendUint32([]byte("n"), r.TokenType)
		id := decodeUint64(tx.UnsafeGet(tokenBucket, countKey))
		tx.UnsafePut(tokenBucket, nameKey, binary.BigEndian.AppendUint64(nil, id))
		tx.UnsafePut(tokenBucket, countKey, binary.BigEndian.AppendUint64(nil, id+1))
		return Result{Accepted: true, Value: id}, nil

	case KindLockTokenRequest:
		var r LockTokenRequest
		if err := r.Unmarshal(op.Payload); err != nil {
			return Result{}, err
		}
		owner, id := unsafeLockToken(tx)
		if r.Candidate != id+1 {
			return Result{Accepted: false, Value: id, Data: owner.Bytes()}, nil
		}
		tx.UnsafePut(lockTokenBucket, lockTokenKey, append(r.Owner.Bytes(), binary.BigEndian.AppendUint64(nil, r.Candidate)...))
		return Result{Accepted: true, Value: r.Candidate, Data: r.Owner.Bytes()}, nil

	case KindTransaction:
		data, err := sm.txApplier.ApplyTransaction(tx, index, op.Payload)
		if err != nil {
			return Result{}, err
		}
		return Result{Accepted: true, Data: data}, nil
	}
	return Result{}, fmt.Errorf("%w: unknown kind %d", ErrMalformed, op.Kind)
}

func unsafeLockToken(tx backend.BatchTx) (types.MemberID, uint64) {
	v := tx.UnsafeGet(lockTokenBucket, lockTokenKey)
	if len(v) != 24 {
		return types.NoMember, 0
	}
	var owner types.MemberID
	copy(owner[:], v[:16])
	return owner, binary.BigEndian.Uint64(v[16:])
}

// recordTransaction stores each payload under its transaction number
// and returns the number.
func recordTransaction(tx backend.BatchTx, _ uint64, payload []byte) ([]byte, error) {
	n := decodeUint64(tx.UnsafeGet(transactionBucket, transactionCountKey)) + 1
	key := binary.BigEndian.AppendUint64(nil, n)
	tx.UnsafeSeqPut(transactionBucket, key, payload)
	tx.UnsafePut(transactionBucket, transactionCountKey, key)
	return key, nil
}

func decodeUint64(v []byte) uint64 {
	if len(v) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

func (sm *CoreStateMachines) read(fn func(tx backend.BatchTx)) {
	tx := sm.Backend().BatchTx()
	tx.Lock()
	defer tx.Unlock()
	fn(tx)
}

// NextID returns the first id of idType not yet allocated.
func (sm *CoreStateMachines) NextID(idType uint32) (next uint64) {
	sm.read(func(tx backend.BatchTx) {
		next = decodeUint64(tx.UnsafeGet(idAllocationBucket, binary.BigEndian.AppendUint32(nil, idType)))
	})
	return next
}

// Token returns the id of a token, if it exists.
func (sm *CoreStateMachines) Token(tokenType uint32, name string) (id uint64, ok bool) {
	sm.read(func(tx backend.BatchTx) {
		v := tx.UnsafeGet(tokenBucket, append(binary.BigEndian.AppendUint32([]byte("t"), tokenType), name...))
		id, ok = decodeUint64(v), v != nil
	})
	return id, ok
}

// LockToken returns the current lock token.
func (sm *CoreStateMachines) LockToken() (owner types.MemberID, id uint64) {
	sm.read(func(tx backend.BatchTx) {
		owner, id = unsafeLockToken(tx)
	})
	return owner, id
}

// TransactionCount returns the number of transactions recorded by the
// default transaction delegate.
func (sm *CoreStateMachines) TransactionCount() (n uint64) {
	sm.read(func(tx backend.BatchTx) {
		n = decodeUint64(tx.UnsafeGet(transactionBucket, transactionCountKey))
	})
	return n
}

// AppliedIndex returns the applied index and term, including writes not
// yet committed.
func (sm *CoreStateMachines) AppliedIndex() (uint64, uint64) {
	return backend.ReadApplied(sm.Backend())
}
