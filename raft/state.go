package raft

import (
	"fmt"

	"github.com/neo4j/neo4j-sub208/pkg/types"
	"github.com/neo4j/neo4j-sub208/raft/raftpb"
)

// ReadableLog is the read side of the raft log used by role handlers.
type ReadableLog interface {
	// PrevIndex is the index preceding the first entry held.
	PrevIndex() uint64
	LastIndex() uint64
	LastTerm() uint64

	// Term returns the term at index; PrevIndex is answered too.
	Term(index uint64) (uint64, error)

	// Entries returns entries in [lo, hi) up to maxSize bytes.
	Entries(lo, hi, maxSize uint64) ([]raftpb.Entry, error)
}

// Log is the durable raft log owned by the Node.
type Log interface {
	ReadableLog

	Append(ents ...raftpb.Entry) error
	Truncate(from uint64) error
	Prune(upTo uint64) (uint64, error)
	Skip(index, term uint64) error
}

// StateStorage persists term, vote and membership.
type StateStorage interface {
	LoadState() (raftpb.TermState, raftpb.VoteState, error)
	SaveTerm(raftpb.TermState) error
	SaveVote(raftpb.VoteState) error
	LoadMembership() (raftpb.MembershipState, error)
	SaveMembership(raftpb.MembershipState) error
}

// State is what the role handlers read and produce. Handlers receive
// a copy; the Node installs the returned copy once its Outcome has been
// applied.
type State struct {
	ID      types.MemberID
	Members types.MemberIDs
	Term    uint64

	// VotedFor is the vote cast in Term.
	VotedFor types.MemberID
	Leader   types.MemberID
	Commit   uint64

	Role Role
	Log  ReadableLog

	cfg *ClusterConfig
}

// Outcome lists what a transition requires, in the order the Node
// performs it: truncate, append, prune, then send.
type Outcome struct {
	// TruncateFrom removes entries >= TruncateFrom when non-zero.
	TruncateFrom uint64

	Append []raftpb.Entry

	// PruneTo prunes the log up to this index when non-zero.
	PruneTo uint64

	Messages []raftpb.Message

	// ResetElectionTimer restarts the randomized election timeout.
	ResetElectionTimer bool

	// CatchUp is set when the leader can no longer feed this member
	// from its log.
	CatchUp *CatchUpRequest
}

// CatchUpRequest asks the member to fetch state out of band.
type CatchUpRequest struct {
	Leader    types.MemberID
	Term      uint64
	PrevIndex uint64
}

func (st *State) isVoter(id types.MemberID) bool { return st.Members.Contains(id) }

func (st *State) others() []types.MemberID {
	ids := make([]types.MemberID, 0, len(st.Members))
	for _, id := range st.Members {
		if id != st.ID {
			ids = append(ids, id)
		}
	}
	return ids
}

func (st *State) logger() Logger { return st.cfg.Logger }

// describe prefixes log lines with the role, member and term.
func (st *State) describe() string {
	return fmt.Sprintf("%q %s [term=%d | leader=%s]", st.Role.Kind(), st.ID.Short(), st.Term, st.Leader.Short())
}

func (st *State) termAt(index uint64) uint64 {
	t, err := st.Log.Term(index)
	if err != nil {
		return 0
	}
	return t
}

// isUpToDate reports whether a log ending at (lastIndex, lastTerm) is
// at least as up-to-date as the local log.
func (st *State) isUpToDate(lastIndex, lastTerm uint64) bool {
	myTerm := st.Log.LastTerm()
	return lastTerm > myTerm || (lastTerm == myTerm && lastIndex >= st.Log.LastIndex())
}

func (o *Outcome) send(msg raftpb.Message) {
	o.Messages = append(o.Messages, msg)
}
