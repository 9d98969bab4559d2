package raft

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/neo4j/neo4j-sub208/pkg/types"
	"github.com/neo4j/neo4j-sub208/raft/raftpb"
)

type lockedMailbox struct {
	mu   sync.Mutex
	msgs []raftpb.Message
}

func (mb *lockedMailbox) Send(msgs []raftpb.Message) {
	mb.mu.Lock()
	mb.msgs = append(mb.msgs, msgs...)
	mb.mu.Unlock()
}

func (mb *lockedMailbox) sent() []raftpb.Message {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return append([]raftpb.Message(nil), mb.msgs...)
}

func startTestNode(t *testing.T, n int) (Node, *MemoryLog, *MemoryStateStorage, *lockedMailbox) {
	ids := generateIDs(n)
	lg, storage, mb := NewMemoryLog(), &MemoryStateStorage{}, &lockedMailbox{}
	nd, err := StartNode(testConfig(ids[0], ids, 1), lg, storage, mb)
	require.NoError(t, err)
	t.Cleanup(nd.Stop)
	return nd, lg, storage, mb
}

func waitCommit(t *testing.T, nd Node, index uint64) {
	timer := time.NewTimer(5 * time.Second)
	defer timer.Stop()
	for {
		select {
		case c := <-nd.CommitC():
			if c >= index {
				return
			}
		case <-timer.C:
			t.Fatalf("commit index %d not reached [status=%s]", index, nd.Status())
		}
	}
}

func Test_Node_single_member(t *testing.T) {
	nd, lg, _, _ := startTestNode(t, 1)
	ctx := context.Background()

	require.NoError(t, nd.Campaign(ctx))
	waitCommit(t, nd, 1)

	st := nd.Status()
	require.Equal(t, RoleLeader, st.Role)
	require.Equal(t, uint64(1), st.Term)

	require.NoError(t, nd.Propose(ctx, []byte("foo")))
	waitCommit(t, nd, 2)

	ents, err := lg.Entries(2, 3, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("foo"), ents[0].Data)

	require.NoError(t, nd.Prune(ctx, 10))
	require.Equal(t, uint64(2), lg.PrevIndex())
}

func Test_Node_ticks_elect(t *testing.T) {
	nd, _, _, _ := startTestNode(t, 1)
	for i := 0; i < 20; i++ {
		nd.Tick()
	}
	waitCommit(t, nd, 1)
	require.Equal(t, RoleLeader, nd.Status().Role)
}

func Test_Node_propose_not_leader(t *testing.T) {
	nd, _, _, mb := startTestNode(t, 3)
	ctx := context.Background()

	_, ok := IsNotLeader(nd.Propose(ctx, []byte("foo")))
	require.True(t, ok)

	// once a leader is known, proposals are forwarded to it
	ids := generateIDs(3)
	require.NoError(t, nd.Step(ctx, raftpb.Message{Type: raftpb.MESSAGE_TYPE_HEARTBEAT, From: ids[1], To: ids[0], Term: 1}))
	require.NoError(t, nd.Propose(ctx, []byte("foo")))

	var forwarded bool
	for _, m := range mb.sent() {
		if m.Type == raftpb.MESSAGE_TYPE_PROPOSAL && m.To == ids[1] {
			forwarded = true
		}
	}
	require.True(t, forwarded)
	require.Equal(t, ids[1], nd.Status().Leader)

	err := nd.ProposeMembership(ctx, ids[:2])
	leader, ok := IsNotLeader(err)
	require.True(t, ok)
	require.Equal(t, ids[1], leader)
}

func Test_Node_ignores_internal_messages_from_network(t *testing.T) {
	nd, _, _, _ := startTestNode(t, 1)
	require.NoError(t, nd.Step(context.Background(), raftpb.Message{Type: raftpb.MESSAGE_TYPE_INTERNAL_ELECTION_TIMEOUT}))
	require.Equal(t, RoleFollower, nd.Status().Role)
}

func Test_Node_halts_on_durability_failure(t *testing.T) {
	nd, _, storage, mb := startTestNode(t, 3)
	storage.SetFail(errors.New("disk full"))

	err := nd.Campaign(context.Background())
	require.ErrorIs(t, err, ErrStopped)

	select {
	case <-nd.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("node did not stop")
	}
	require.ErrorIs(t, nd.Err(), ErrStopped)
	require.ErrorIs(t, nd.Status().Err, ErrStopped)

	// nothing was sent for the unsaved term
	require.Empty(t, mb.sent())

	require.ErrorIs(t, nd.Propose(context.Background(), []byte("foo")), ErrStopped)
}

func Test_Node_stop(t *testing.T) {
	nd, _, _, _ := startTestNode(t, 1)
	nd.Stop()
	nd.Stop()

	require.ErrorIs(t, nd.Campaign(context.Background()), ErrStopped)
	nd.Tick()
}

func Test_Node_context_canceled(t *testing.T) {
	nd, _, _, _ := startTestNode(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := nd.Step(ctx, raftpb.Message{Type: raftpb.MESSAGE_TYPE_HEARTBEAT})
	if err != nil {
		require.ErrorIs(t, err, context.Canceled)
	}
}

func Test_Node_apply_panics(t *testing.T) {
	ids := generateIDs(3)
	newTestNode := func() *node {
		lg := newTestLog(t, 1, 1, 2)
		nd, err := newNode(testConfig(ids[0], ids, 1), lg, &MemoryStateStorage{}, &mailbox{})
		require.NoError(t, err)
		nd.st.Term = 2
		nd.st.Commit = 2
		return nd
	}

	t.Run("truncate committed", func(t *testing.T) {
		nd := newTestNode()
		require.Panics(t, func() { nd.apply(nd.st, Outcome{TruncateFrom: 2}) })
	})
	t.Run("term decrease", func(t *testing.T) {
		nd := newTestNode()
		next := nd.st
		next.Term = 1
		require.Panics(t, func() { nd.apply(next, Outcome{}) })
	})
	t.Run("commit decrease", func(t *testing.T) {
		nd := newTestNode()
		next := nd.st
		next.Commit = 1
		require.Panics(t, func() { nd.apply(next, Outcome{}) })
	})
	t.Run("leader truncate", func(t *testing.T) {
		nd := newTestNode()
		nd.st.Role = &LeaderState{Progress: map[types.MemberID]*Progress{}}
		require.Panics(t, func() { nd.apply(nd.st, Outcome{TruncateFrom: 3}) })
	})
	t.Run("stale term commit", func(t *testing.T) {
		nd := newTestNode()
		nd.st.Term = 3
		nd.st.Role = &LeaderState{Progress: map[types.MemberID]*Progress{}}
		next := nd.st
		next.Commit = 3
		require.Panics(t, func() { nd.apply(next, Outcome{}) })
	})
}

func Test_Node_step_down(t *testing.T) {
	nd, _, _, _ := startTestNode(t, 1)
	ctx := context.Background()
	require.NoError(t, nd.Campaign(ctx))
	require.Equal(t, RoleLeader, nd.Status().Role)

	require.NoError(t, nd.StepDown(ctx))
	st := nd.Status()
	require.Equal(t, RoleFollower, st.Role)
	require.True(t, st.Leader.IsZero())
}
