package raft

import (
	"github.com/neo4j/neo4j-sub208/pkg/types"
	"github.com/neo4j/neo4j-sub208/raft/raftpb"
)

func (h *handler) stepCandidate(msg raftpb.Message) {
	st := h.st

	switch msg.Type {
	case raftpb.MESSAGE_TYPE_INTERNAL_ELECTION_TIMEOUT:
		h.campaign()

	case raftpb.MESSAGE_TYPE_APPEND_REQUEST,
		raftpb.MESSAGE_TYPE_HEARTBEAT,
		raftpb.MESSAGE_TYPE_LOG_COMPACTION_INFO:
		// a leader won this term
		h.becomeFollower(st.Term, msg.From)
		h.stepFollower(msg)

	case raftpb.MESSAGE_TYPE_VOTE_RESPONSE:
		cs := st.Role.(*CandidateState)
		if !st.isVoter(msg.From) {
			return
		}
		cs.Votes[msg.From] = !msg.Reject

		granted, rejected := cs.granted()
		q := quorum(len(st.Members))
		st.logger().Infof("%s received vote from %s [granted=%v | %d granted, %d rejected, quorum %d]",
			st.describe(), msg.From.Short(), !msg.Reject, granted, rejected, q)
		switch {
		case granted >= q:
			h.becomeLeader()
		case rejected >= q:
			h.becomeFollower(st.Term, types.NoMember)
		}

	case raftpb.MESSAGE_TYPE_PROPOSAL:
		st.logger().Infof("%s dropped proposal from %s, no leader", st.describe(), msg.From.Short())

	case raftpb.MESSAGE_TYPE_INTERNAL_HEARTBEAT_TIMEOUT,
		raftpb.MESSAGE_TYPE_APPEND_RESPONSE,
		raftpb.MESSAGE_TYPE_HEARTBEAT_RESPONSE:

	default:
		st.logger().Warningf("%s ignored %q from %s", st.describe(), msg.Type, msg.From.Short())
	}
}
