package raft

import (
	"github.com/neo4j/neo4j-sub208/raft/raftpb"
)

func (h *handler) stepFollower(msg raftpb.Message) {
	st := h.st

	switch msg.Type {
	case raftpb.MESSAGE_TYPE_INTERNAL_ELECTION_TIMEOUT:
		h.campaign()

	case raftpb.MESSAGE_TYPE_APPEND_REQUEST:
		st.Leader = msg.From
		h.o.ResetElectionTimer = true
		h.handleAppend(msg)

	case raftpb.MESSAGE_TYPE_HEARTBEAT:
		st.Leader = msg.From
		h.o.ResetElectionTimer = true
		h.handleHeartbeat(msg)

	case raftpb.MESSAGE_TYPE_LOG_COMPACTION_INFO:
		st.Leader = msg.From
		h.o.ResetElectionTimer = true
		h.handleCompactionInfo(msg)

	case raftpb.MESSAGE_TYPE_PROPOSAL:
		// a proposal routed to a former leader goes on to the current one
		if st.Leader.IsZero() || st.Leader == msg.From {
			st.logger().Infof("%s dropped proposal from %s, no leader", st.describe(), msg.From.Short())
			return
		}
		fwd := msg
		fwd.To = st.Leader
		h.o.send(fwd)

	case raftpb.MESSAGE_TYPE_INTERNAL_HEARTBEAT_TIMEOUT,
		raftpb.MESSAGE_TYPE_VOTE_RESPONSE,
		raftpb.MESSAGE_TYPE_APPEND_RESPONSE,
		raftpb.MESSAGE_TYPE_HEARTBEAT_RESPONSE:
		// stale responses from an earlier role

	default:
		st.logger().Warningf("%s ignored %q from %s", st.describe(), msg.Type, msg.From.Short())
	}
}

// handleAppend appends entries after (LogIndex, LogTerm) if the local
// log matches there, truncating on the first conflicting entry.
func (h *handler) handleAppend(msg raftpb.Message) {
	st := h.st
	resp := h.msg(raftpb.MESSAGE_TYPE_APPEND_RESPONSE, msg.From)

	prev, prevTerm, ents := msg.LogIndex, msg.LogTerm, msg.Entries

	// entries at or before the local prev index are committed and held
	if pi := h.view.PrevIndex(); prev < pi {
		skip := pi - prev
		if uint64(len(ents)) <= skip {
			resp.MatchIndex = prev + uint64(len(ents))
			resp.AppendIndex = h.view.LastIndex()
			h.o.send(resp)
			return
		}
		prevTerm = ents[skip-1].Term
		prev = pi
		ents = ents[skip:]
	}

	t, err := h.view.Term(prev)
	if err != nil || t != prevTerm {
		st.logger().Debugf("%s rejected append [prev index=%d, prev term=%d | own term=%d, last index=%d]",
			st.describe(), prev, prevTerm, t, h.view.LastIndex())
		resp.Reject = true
		resp.LogIndex = msg.LogIndex
		resp.AppendIndex = h.view.LastIndex()
		h.o.send(resp)
		return
	}

	for i, e := range ents {
		if e.Index <= h.view.LastIndex() {
			if st.termAt(e.Index) == e.Term {
				continue
			}
			if e.Index <= st.Commit {
				st.logger().Panicf("%s conflicting entry at committed index %d [term=%d | commit=%d]",
					st.describe(), e.Index, e.Term, st.Commit)
			}
			st.logger().Infof("%s truncating log from index %d [local term=%d | leader term=%d]",
				st.describe(), e.Index, st.termAt(e.Index), e.Term)
			h.view.truncate(e.Index)
		}
		h.view.append(ents[i:]...)
		break
	}

	newLast := prev + uint64(len(ents))
	if c := minUint64(msg.Commit, newLast); c > st.Commit {
		st.Commit = c
	}

	resp.MatchIndex = newLast
	resp.AppendIndex = h.view.LastIndex()
	h.o.send(resp)
}

// handleHeartbeat advances the commit index only when the local entry at
// the leader's commit index has the leader's term for it.
func (h *handler) handleHeartbeat(msg raftpb.Message) {
	st := h.st
	if msg.Commit > st.Commit && msg.Commit <= h.view.LastIndex() && st.termAt(msg.Commit) == msg.CommitTerm {
		st.Commit = msg.Commit
	}

	resp := h.msg(raftpb.MESSAGE_TYPE_HEARTBEAT_RESPONSE, msg.From)
	resp.AppendIndex = h.view.LastIndex()
	h.o.send(resp)
}

func (h *handler) handleCompactionInfo(msg raftpb.Message) {
	st := h.st
	f := st.Role.(*FollowerState)
	if f.CatchingUp {
		return
	}

	st.logger().Infof("%s leader can no longer feed this member [leader prev index=%d | own last index=%d], catching up",
		st.describe(), msg.LogIndex, h.view.LastIndex())
	st.Role = &FollowerState{CatchingUp: true}
	h.o.CatchUp = &CatchUpRequest{Leader: msg.From, Term: st.Term, PrevIndex: msg.LogIndex}
}
