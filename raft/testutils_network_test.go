package raft

import (
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/neo4j/neo4j-sub208/pkg/types"
	"github.com/neo4j/neo4j-sub208/raft/raftpb"
)

type mailbox struct {
	msgs []raftpb.Message
}

func (mb *mailbox) Send(msgs []raftpb.Message) { mb.msgs = append(mb.msgs, msgs...) }

func (mb *mailbox) take() []raftpb.Message {
	msgs := mb.msgs
	mb.msgs = nil
	return msgs
}

func generateIDs(n int) types.MemberIDs {
	ids := make(types.MemberIDs, n)
	for i := range ids {
		ids[i] = types.MustParseMemberID(fmt.Sprintf("00000000-0000-0000-0000-%012d", i+1))
	}
	return ids
}

func testConfig(id types.MemberID, members types.MemberIDs, seed int64) ClusterConfig {
	return ClusterConfig{
		ID:                  id,
		Members:             members,
		ElectionTickNum:     10,
		HeartbeatTickNum:    1,
		CheckQuorum:         true,
		MaxAppendEntries:    64,
		MaxInflight:         256,
		CatchupGapThreshold: 1000,
		RandSeed:            seed,
		Logger:              newTestLogger(),
	}
}

type link struct {
	from, to types.MemberID
}

// fakeNetwork runs nodes synchronously on the test goroutine, delivering
// messages through mailboxes.
type fakeNetwork struct {
	t *testing.T

	ids      types.MemberIDs
	nodes    map[types.MemberID]*node
	logs     map[types.MemberID]*MemoryLog
	storages map[types.MemberID]*MemoryStateStorage
	boxes    map[types.MemberID]*mailbox

	cut      map[link]bool
	dropRate float64
	rand     *rand.Rand

	// leaders records the leader seen in each term
	leaders map[uint64]types.MemberID

	// committed records the term of every entry seen committed
	committed map[uint64]uint64

	// committedIn is the term in which an index was first seen committed
	committedIn map[uint64]uint64
}

func newFakeNetwork(t *testing.T, n int, configure func(*ClusterConfig)) *fakeNetwork {
	nw := &fakeNetwork{
		t:         t,
		ids:       generateIDs(n),
		nodes:     make(map[types.MemberID]*node),
		logs:      make(map[types.MemberID]*MemoryLog),
		storages:  make(map[types.MemberID]*MemoryStateStorage),
		boxes:     make(map[types.MemberID]*mailbox),
		cut:       make(map[link]bool),
		rand:      rand.New(rand.NewSource(1)),
		leaders:   make(map[uint64]types.MemberID),
		committed: make(map[uint64]uint64),

		committedIn: make(map[uint64]uint64),
	}
	for i, id := range nw.ids {
		cfg := testConfig(id, nw.ids, int64(i+1))
		if configure != nil {
			configure(&cfg)
		}
		nw.logs[id] = NewMemoryLog()
		nw.storages[id] = &MemoryStateStorage{}
		nw.boxes[id] = &mailbox{}

		nd, err := newNode(cfg, nw.logs[id], nw.storages[id], nw.boxes[id])
		require.NoError(t, err)
		nw.nodes[id] = nd
	}
	return nw
}

// deliver passes messages until every mailbox is empty.
func (nw *fakeNetwork) deliver() {
	for round := 0; ; round++ {
		require.Less(nw.t, round, 10000, "messages never settled")

		var msgs []raftpb.Message
		for _, id := range nw.ids {
			msgs = append(msgs, nw.boxes[id].take()...)
		}
		if len(msgs) == 0 {
			return
		}
		for _, msg := range msgs {
			if nw.cut[link{msg.From, msg.To}] {
				continue
			}
			if nw.dropRate > 0 && nw.rand.Float64() < nw.dropRate {
				continue
			}
			nd, ok := nw.nodes[msg.To]
			if !ok {
				continue
			}
			nd.step(msg)
			nw.check()
		}
	}
}

// tick ticks every node in turn, delivering after each one.
func (nw *fakeNetwork) tick(n int) {
	for i := 0; i < n; i++ {
		for _, id := range nw.ids {
			nw.nodes[id].tick()
			nw.check()
			nw.deliver()
		}
	}
}

func (nw *fakeNetwork) propose(id types.MemberID, data string) error {
	err := nw.nodes[id].propose([]raftpb.Entry{{Data: []byte(data)}})
	nw.check()
	nw.deliver()
	return err
}

func (nw *fakeNetwork) isolate(id types.MemberID) {
	nw.partition(types.MemberIDs{id})
}

// partition cuts every link between group and the other members.
func (nw *fakeNetwork) partition(group types.MemberIDs) {
	for _, a := range group {
		for _, b := range nw.ids {
			if group.Contains(b) {
				continue
			}
			nw.cut[link{a, b}] = true
			nw.cut[link{b, a}] = true
		}
	}
}

func (nw *fakeNetwork) heal() {
	nw.cut = make(map[link]bool)
	nw.dropRate = 0
}

// leader returns the leader with the highest term.
func (nw *fakeNetwork) leader() (types.MemberID, bool) {
	var (
		best types.MemberID
		term uint64
	)
	for _, id := range nw.ids {
		st := nw.nodes[id].st
		if st.Role.Kind() == RoleLeader && st.Term >= term {
			best, term = id, st.Term
		}
	}
	return best, !best.IsZero()
}

// waitLeader ticks until a leader exists among ids, returning the
// number of ticks it took.
func (nw *fakeNetwork) waitLeader(ids types.MemberIDs, maxTicks int) (types.MemberID, int) {
	for i := 0; i <= maxTicks; i++ {
		for _, id := range ids {
			if nw.nodes[id].st.Role.Kind() == RoleLeader {
				return id, i
			}
		}
		nw.tick(1)
	}
	nw.t.Fatalf("no leader among %v within %d ticks", ids, maxTicks)
	return types.NoMember, 0
}

// check asserts the safety properties that must hold after every step.
func (nw *fakeNetwork) check() {
	t := nw.t
	for _, id := range nw.ids {
		st := nw.nodes[id].st

		// at most one leader per term
		if st.Role.Kind() == RoleLeader {
			if prev, ok := nw.leaders[st.Term]; ok && prev != id {
				t.Fatalf("two leaders in term %d: %s and %s", st.Term, prev, id)
			}
			nw.leaders[st.Term] = id
		}

		// committed entries never change
		lg := nw.logs[id]
		for idx := lg.PrevIndex() + 1; idx <= st.Commit; idx++ {
			term, err := lg.Term(idx)
			require.NoError(t, err)
			if w, ok := nw.committed[idx]; ok && w != term {
				t.Fatalf("%s committed index %d with term %d, expected %d", id, idx, term, w)
			}
			if _, ok := nw.committed[idx]; !ok {
				nw.committed[idx] = term
				nw.committedIn[idx] = st.Term
			}
		}
	}

	// a leader elected after an entry was committed holds it
	for _, id := range nw.ids {
		st := nw.nodes[id].st
		if st.Role.Kind() != RoleLeader {
			continue
		}
		lg := nw.logs[id]
		for idx, w := range nw.committed {
			if idx <= lg.PrevIndex() || st.Term <= nw.committedIn[idx] {
				continue
			}
			term, err := lg.Term(idx)
			if err != nil || term != w {
				t.Fatalf("leader %s in term %d is missing index %d committed in term %d", id, st.Term, idx, nw.committedIn[idx])
			}
		}
	}
}

// checkLogMatching asserts that logs agreeing on an index's term agree
// on every entry up to it.
func (nw *fakeNetwork) checkLogMatching() {
	t := nw.t
	for i, a := range nw.ids {
		for _, b := range nw.ids[i+1:] {
			la, lb := nw.logs[a], nw.logs[b]
			lo := maxUint64(la.PrevIndex(), lb.PrevIndex()) + 1
			hi := minUint64(la.LastIndex(), lb.LastIndex())
			if lo > hi {
				continue
			}
			ea, err := la.Entries(lo, hi+1, 0)
			require.NoError(t, err)
			eb, err := lb.Entries(lo, hi+1, 0)
			require.NoError(t, err)

			matched := -1
			for k := len(ea) - 1; k >= 0; k-- {
				if ea[k].Term == eb[k].Term {
					matched = k
					break
				}
			}
			for k := 0; k <= matched; k++ {
				require.Equal(t, ea[k], eb[k], "%s and %s differ at index %d", a, b, ea[k].Index)
			}
		}
	}
}

// data returns the NORMAL entry payloads of a member's log.
func (nw *fakeNetwork) data(id types.MemberID) []string {
	lg := nw.logs[id]
	ents, err := lg.Entries(lg.PrevIndex()+1, lg.LastIndex()+1, 0)
	require.NoError(nw.t, err)

	var ds []string
	for _, e := range ents {
		if e.Type == raftpb.ENTRY_TYPE_NORMAL {
			ds = append(ds, string(e.Data))
		}
	}
	return ds
}

func (nw *fakeNetwork) sortedCommits() []uint64 {
	var cs []uint64
	for _, id := range nw.ids {
		cs = append(cs, nw.nodes[id].st.Commit)
	}
	sort.Slice(cs, func(i, j int) bool { return cs[i] < cs[j] })
	return cs
}
