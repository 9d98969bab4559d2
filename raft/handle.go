package raft

import (
	"github.com/neo4j/neo4j-sub208/pkg/types"
	"github.com/neo4j/neo4j-sub208/raft/raftpb"
)

// handler carries one transition. st is the handler's own copy.
type handler struct {
	st   *State
	o    *Outcome
	view *overlay
}

// handle computes the transition of st on msg. st is passed by value;
// the role's own bookkeeping (leader progress, candidate votes) is
// updated in place, everything durable is expressed in the Outcome.
func handle(st State, msg raftpb.Message) (State, Outcome) {
	view := newOverlay(st.Log)
	st.Log = view

	var o Outcome
	h := &handler{st: &st, o: &o, view: view}
	h.step(msg)

	o.TruncateFrom = view.truncateFrom
	o.Append = view.ents
	return st, o
}

func (h *handler) step(msg raftpb.Message) {
	st := h.st

	switch {
	case raftpb.IsInternalMessage(msg.Type) || msg.Type == raftpb.MESSAGE_TYPE_PROPOSAL:
		// local events and proposals carry no term

	case msg.Term > st.Term:
		leader := types.NoMember
		switch msg.Type {
		case raftpb.MESSAGE_TYPE_APPEND_REQUEST, raftpb.MESSAGE_TYPE_HEARTBEAT, raftpb.MESSAGE_TYPE_LOG_COMPACTION_INFO:
			leader = msg.From
		}
		st.logger().Infof("%s received %q with higher term %d from %s", st.describe(), msg.Type, msg.Term, msg.From.Short())
		h.becomeFollower(msg.Term, leader)

	case msg.Term < st.Term:
		switch msg.Type {
		case raftpb.MESSAGE_TYPE_APPEND_REQUEST, raftpb.MESSAGE_TYPE_LOG_COMPACTION_INFO:
			// let a stale leader learn the newer term
			resp := h.msg(raftpb.MESSAGE_TYPE_APPEND_RESPONSE, msg.From)
			resp.Reject = true
			resp.LogIndex = msg.LogIndex
			resp.AppendIndex = h.view.LastIndex()
			h.o.send(resp)
		case raftpb.MESSAGE_TYPE_HEARTBEAT:
			h.o.send(h.msg(raftpb.MESSAGE_TYPE_HEARTBEAT_RESPONSE, msg.From))
		case raftpb.MESSAGE_TYPE_VOTE_REQUEST:
			resp := h.msg(raftpb.MESSAGE_TYPE_VOTE_RESPONSE, msg.From)
			resp.Reject = true
			h.o.send(resp)
		}
		st.logger().Debugf("%s ignored %q with lower term %d from %s", st.describe(), msg.Type, msg.Term, msg.From.Short())
		return
	}

	switch msg.Type {
	case raftpb.MESSAGE_TYPE_VOTE_REQUEST:
		h.handleVoteRequest(msg)
		return

	case raftpb.MESSAGE_TYPE_INTERNAL_PRUNE:
		h.o.PruneTo = minUint64(msg.LogIndex, st.Commit)
		return
	}

	switch st.Role.(type) {
	case *FollowerState:
		h.stepFollower(msg)
	case *CandidateState:
		h.stepCandidate(msg)
	case *LeaderState:
		h.stepLeader(msg)
	default:
		st.logger().Panicf("%s unknown role %T", st.describe(), st.Role)
	}
}

func (h *handler) msg(tp raftpb.MESSAGE_TYPE, to types.MemberID) raftpb.Message {
	return raftpb.Message{Type: tp, From: h.st.ID, To: to, Term: h.st.Term}
}

func (h *handler) handleVoteRequest(msg raftpb.Message) {
	st := h.st
	resp := h.msg(raftpb.MESSAGE_TYPE_VOTE_RESPONSE, msg.From)

	canVote := st.VotedFor == msg.From || (st.VotedFor.IsZero() && st.Leader.IsZero())
	if canVote && st.isUpToDate(msg.LogIndex, msg.LogTerm) {
		st.logger().Infof("%s granted vote to %s [candidate last index=%d, last term=%d | own last index=%d, last term=%d]",
			st.describe(), msg.From.Short(), msg.LogIndex, msg.LogTerm, h.view.LastIndex(), h.view.LastTerm())
		st.VotedFor = msg.From
		h.o.ResetElectionTimer = true
	} else {
		st.logger().Infof("%s rejected vote for %s [voted for=%s | candidate last index=%d, last term=%d | own last index=%d, last term=%d]",
			st.describe(), msg.From.Short(), st.VotedFor.Short(), msg.LogIndex, msg.LogTerm, h.view.LastIndex(), h.view.LastTerm())
		resp.Reject = true
	}
	h.o.send(resp)
}

// becomeFollower moves to term (if higher, clearing the vote) as a
// follower of leader.
func (h *handler) becomeFollower(term uint64, leader types.MemberID) {
	st := h.st
	if term > st.Term {
		st.Term = term
		st.VotedFor = types.NoMember
	}
	st.Leader = leader

	catchingUp := false
	if f, ok := st.Role.(*FollowerState); ok {
		catchingUp = f.CatchingUp
	}
	if st.Role.Kind() == RoleLeader {
		st.logger().Infof("%s stepping down", st.describe())
	}
	st.Role = &FollowerState{CatchingUp: catchingUp}
	h.o.ResetElectionTimer = true
}

// campaign starts an election for the next term.
func (h *handler) campaign() {
	st := h.st
	if !st.isVoter(st.ID) {
		st.logger().Debugf("%s is not a voter, not campaigning", st.describe())
		return
	}
	if f, ok := st.Role.(*FollowerState); ok && f.CatchingUp {
		st.logger().Infof("%s is catching up, not campaigning", st.describe())
		return
	}

	st.Term++
	st.VotedFor = st.ID
	st.Leader = types.NoMember
	st.Role = &CandidateState{Votes: map[types.MemberID]bool{st.ID: true}}
	h.o.ResetElectionTimer = true
	st.logger().Infof("%s started election [last index=%d | last term=%d]", st.describe(), h.view.LastIndex(), h.view.LastTerm())

	if quorum(len(st.Members)) == 1 {
		h.becomeLeader()
		return
	}
	for _, id := range st.others() {
		req := h.msg(raftpb.MESSAGE_TYPE_VOTE_REQUEST, id)
		req.LogIndex = h.view.LastIndex()
		req.LogTerm = h.view.LastTerm()
		h.o.send(req)
	}
}

// setMembers installs a committed membership. A leader tracks progress
// for new voters and steps down when it is no longer one.
func setMembers(st *State, members types.MemberIDs) {
	st.Members = members
	ls, ok := st.Role.(*LeaderState)
	if !ok {
		return
	}
	if !members.Contains(st.ID) {
		st.logger().Infof("%s removed from membership, stepping down", st.describe())
		st.Role = &FollowerState{}
		st.Leader = types.NoMember
		return
	}
	for id := range ls.Progress {
		if !members.Contains(id) {
			delete(ls.Progress, id)
		}
	}
	for _, id := range st.others() {
		if _, ok := ls.Progress[id]; !ok {
			pr := newProgress(st.Log.LastIndex()+1, st.cfg.MaxInflight)
			pr.RecentActive = true
			ls.Progress[id] = pr
		}
	}
}
