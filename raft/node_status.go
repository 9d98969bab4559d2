package raft

import (
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-sub208/pkg/types"
)

// Status is a point-in-time view of a Node.
type Status struct {
	ID       types.MemberID
	Role     RoleKind
	Term     uint64
	VotedFor types.MemberID
	Leader   types.MemberID
	Commit   uint64

	PrevIndex uint64
	LastIndex uint64
	LastTerm  uint64

	Members    types.MemberIDs
	CatchingUp bool

	// Progress is set on the leader.
	Progress map[types.MemberID]Progress

	// Err is set once the Node halted on a durability failure.
	Err error
}

func (s Status) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[id=%s | role=%q | term=%d | leader=%s | commit=%d | last index=%d]",
		s.ID.Short(), s.Role, s.Term, s.Leader.Short(), s.Commit, s.LastIndex)
	for _, id := range s.Members {
		if pr, ok := s.Progress[id]; ok {
			fmt.Fprintf(&sb, " %s=%s", id.Short(), &pr)
		}
	}
	return sb.String()
}

func (nd *node) publishStatus() {
	st := &nd.st
	s := Status{
		ID:        st.ID,
		Role:      st.Role.Kind(),
		Term:      st.Term,
		VotedFor:  st.VotedFor,
		Leader:    st.Leader,
		Commit:    st.Commit,
		PrevIndex: nd.log.PrevIndex(),
		LastIndex: nd.log.LastIndex(),
		LastTerm:  nd.log.LastTerm(),
		Members:   append(types.MemberIDs(nil), st.Members...),
	}
	switch r := st.Role.(type) {
	case *FollowerState:
		s.CatchingUp = r.CatchingUp
	case *LeaderState:
		s.Progress = make(map[types.MemberID]Progress, len(r.Progress))
		for id, pr := range r.Progress {
			cp := *pr
			cp.inflights = pr.inflights.clone()
			s.Progress[id] = cp
		}
	}

	nd.mu.Lock()
	s.Err = nd.err
	nd.status = s
	nd.mu.Unlock()
}

func (nd *node) Status() Status {
	nd.mu.RLock()
	defer nd.mu.RUnlock()
	return nd.status
}
