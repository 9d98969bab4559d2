package statemachine

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/neo4j/neo4j-sub208/backend"
	"github.com/neo4j/neo4j-sub208/pkg/types"
	"github.com/neo4j/neo4j-sub208/raft/raftpb"
)

func openTestBackend(t *testing.T, path string) backend.Backend {
	be, err := backend.Open(backend.Config{Path: path, BatchInterval: time.Hour, BatchLimit: 10000, MmapSize: 1 << 20})
	require.NoError(t, err)
	return be
}

func newTestStateMachines(t *testing.T) *CoreStateMachines {
	be := openTestBackend(t, filepath.Join(t.TempDir(), "state.db"))
	t.Cleanup(func() { be.Close() })
	return NewCoreStateMachines(be, nil)
}

type opMaker struct {
	origin  types.MemberID
	session uuid.UUID
	seq     map[uint64]uint64
}

func newOpMaker() *opMaker {
	return &opMaker{origin: types.NewMemberID(), session: uuid.New(), seq: make(map[uint64]uint64)}
}

// next returns the next operation of local session ls.
func (m *opMaker) next(ls uint64, kind Kind, payload []byte) Operation {
	op := Operation{
		Kind:        kind,
		Origin:      m.origin,
		OperationID: OperationID{Session: m.session, LocalSession: ls, Sequence: m.seq[ls]},
		Payload:     payload,
	}
	m.seq[ls]++
	return op
}

func entryOf(index, term uint64, op Operation) raftpb.Entry {
	return raftpb.Entry{Index: index, Term: term, Type: raftpb.ENTRY_TYPE_NORMAL, Data: op.Marshal()}
}

func applyOne(t *testing.T, sm *CoreStateMachines, e raftpb.Entry) Applied {
	tx := sm.Backend().BatchTx()
	tx.Lock()
	defer tx.Unlock()
	_, out, err := sm.unsafeApply(tx, e)
	require.NoError(t, err)
	return out
}

func TestIDAllocation(t *testing.T) {
	sm := newTestStateMachines(t)
	m := newOpMaker()

	out := applyOne(t, sm, entryOf(1, 1, m.next(0, KindIDAllocation, IDAllocation{IDType: 1, Size: 100}.Marshal())))
	require.Equal(t, Result{Accepted: true, Value: 0, Count: 100}, out.Result)

	out = applyOne(t, sm, entryOf(2, 1, m.next(0, KindIDAllocation, IDAllocation{IDType: 1, Size: 50}.Marshal())))
	require.Equal(t, Result{Accepted: true, Value: 100, Count: 50}, out.Result)

	out = applyOne(t, sm, entryOf(3, 1, m.next(0, KindIDAllocation, IDAllocation{IDType: 2, Size: 10}.Marshal())))
	require.Equal(t, uint64(0), out.Result.Value)

	require.Equal(t, uint64(150), sm.NextID(1))
	require.Equal(t, uint64(10), sm.NextID(2))
	require.Equal(t, uint64(0), sm.NextID(3))
}

func TestTokenRequests(t *testing.T) {
	sm := newTestStateMachines(t)
	m := newOpMaker()

	tests := []struct {
		tokenType uint32
		name      string
		id        uint64
	}{
		{0, "Person", 0},
		{0, "Movie", 1},
		{0, "Person", 0},
		{1, "Person", 0},
		{1, "ACTED_IN", 1},
	}
	for i, tt := range tests {
		out := applyOne(t, sm, entryOf(uint64(i+1), 1, m.next(0, KindTokenRequest, TokenRequest{TokenType: tt.tokenType, Name: tt.name}.Marshal())))
		require.Equal(t, tt.id, out.Result.Value, "#%d", i)
	}

	id, ok := sm.Token(1, "ACTED_IN")
	require.True(t, ok)
	require.Equal(t, uint64(1), id)
	_, ok = sm.Token(0, "ACTED_IN")
	require.False(t, ok)
}

func TestLockToken(t *testing.T) {
	sm := newTestStateMachines(t)
	m := newOpMaker()
	a, b := types.NewMemberID(), types.NewMemberID()

	out := applyOne(t, sm, entryOf(1, 1, m.next(0, KindLockTokenRequest, LockTokenRequest{Owner: a, Candidate: 1}.Marshal())))
	require.True(t, out.Result.Accepted)
	require.Equal(t, uint64(1), out.Result.Value)

	// a stale candidate is refused and told the current token
	out = applyOne(t, sm, entryOf(2, 1, m.next(0, KindLockTokenRequest, LockTokenRequest{Owner: b, Candidate: 1}.Marshal())))
	require.False(t, out.Result.Accepted)
	require.Equal(t, uint64(1), out.Result.Value)
	require.Equal(t, a.Bytes(), out.Result.Data)

	out = applyOne(t, sm, entryOf(3, 1, m.next(0, KindLockTokenRequest, LockTokenRequest{Owner: b, Candidate: 2}.Marshal())))
	require.True(t, out.Result.Accepted)

	owner, id := sm.LockToken()
	require.Equal(t, b, owner)
	require.Equal(t, uint64(2), id)
}

func TestSessionTracker(t *testing.T) {
	sm := newTestStateMachines(t)
	m := newOpMaker()

	first := m.next(0, KindTransaction, []byte("tx-1"))
	out := applyOne(t, sm, entryOf(1, 1, first))
	require.False(t, out.Duplicate)
	recorded := out.Result

	// the same operation committed again after a retry
	out = applyOne(t, sm, entryOf(2, 1, first))
	require.True(t, out.Duplicate)
	require.Equal(t, recorded, out.Result)
	require.Equal(t, uint64(1), sm.TransactionCount())

	// another local session numbers independently
	out = applyOne(t, sm, entryOf(3, 1, m.next(1, KindTransaction, []byte("tx-2"))))
	require.False(t, out.Duplicate)
	require.Equal(t, uint64(2), sm.TransactionCount())

	// skipping ahead is refused and not applied
	m.next(0, KindDummy, nil)
	out = applyOne(t, sm, entryOf(4, 1, m.next(0, KindTransaction, []byte("tx-3"))))
	require.ErrorIs(t, out.Err, ErrSessionOutOfOrder)
	require.Equal(t, uint64(2), sm.TransactionCount())

	idx, term := sm.AppliedIndex()
	require.Equal(t, uint64(4), idx)
	require.Equal(t, uint64(1), term)
}

func TestApplySkipsAppliedIndex(t *testing.T) {
	sm := newTestStateMachines(t)
	m := newOpMaker()

	applyOne(t, sm, entryOf(5, 2, m.next(0, KindTransaction, []byte("a"))))

	// a different operation at an index already applied is not looked at
	out := applyOne(t, sm, entryOf(5, 2, m.next(1, KindTransaction, []byte("b"))))
	require.Equal(t, Applied{}, out)
	require.Equal(t, uint64(1), sm.TransactionCount())
}

func TestApplyMalformedIsError(t *testing.T) {
	sm := newTestStateMachines(t)
	m := newOpMaker()

	tx := sm.Backend().BatchTx()
	tx.Lock()
	defer tx.Unlock()

	_, _, err := sm.unsafeApply(tx, raftpb.Entry{Index: 1, Term: 1, Data: []byte("garbage")})
	require.ErrorIs(t, err, ErrMalformed)

	_, _, err = sm.unsafeApply(tx, entryOf(1, 1, m.next(0, KindIDAllocation, []byte{1})))
	require.ErrorIs(t, err, ErrMalformed)

	idx, _ := backend.UnsafeReadApplied(tx)
	require.Equal(t, uint64(0), idx)
}

func TestRaftInternalEntriesAdvanceApplied(t *testing.T) {
	sm := newTestStateMachines(t)

	applyOne(t, sm, raftpb.Entry{Index: 1, Term: 1, Type: raftpb.ENTRY_TYPE_NO_OP})
	applyOne(t, sm, raftpb.Entry{Index: 2, Term: 1, Type: raftpb.ENTRY_TYPE_MEMBERSHIP, Data: raftpb.EncodeMembers(types.MemberIDs{types.NewMemberID()})})

	idx, _ := sm.AppliedIndex()
	require.Equal(t, uint64(2), idx)
}
