package raft

import (
	"sort"

	"github.com/neo4j/neo4j-sub208/pkg/types"
	"github.com/neo4j/neo4j-sub208/raft/raftpb"
)

// becomeLeader starts leadership of the current term: progress for
// every other voter starts probing at the end of the log, and a no-op
// entry of the new term is appended so earlier entries can commit.
func (h *handler) becomeLeader() {
	st := h.st
	last := h.view.LastIndex()

	ls := &LeaderState{Progress: make(map[types.MemberID]*Progress)}
	for _, id := range st.others() {
		pr := newProgress(last+1, st.cfg.MaxInflight)
		pr.RecentActive = true
		ls.Progress[id] = pr
	}
	if last > st.Commit {
		// an uncommitted membership entry may sit in the tail
		ls.PendingMembership = last
	}

	st.Role = ls
	st.Leader = st.ID
	st.logger().Infof("%s became leader [last index=%d | commit=%d]", st.describe(), last, st.Commit)

	h.appendLocal(raftpb.Entry{Type: raftpb.ENTRY_TYPE_NO_OP})
	h.broadcastAppend()
}

func (h *handler) stepLeader(msg raftpb.Message) {
	st := h.st
	ls := st.Role.(*LeaderState)

	switch msg.Type {
	case raftpb.MESSAGE_TYPE_INTERNAL_HEARTBEAT_TIMEOUT:
		h.broadcastHeartbeat()

	case raftpb.MESSAGE_TYPE_INTERNAL_ELECTION_TIMEOUT:
		if st.cfg.CheckQuorum && !h.checkQuorumActive() {
			st.logger().Warningf("%s stepping down, quorum is not active", st.describe())
			h.becomeFollower(st.Term, types.NoMember)
		}

	case raftpb.MESSAGE_TYPE_PROPOSAL:
		h.handleProposal(msg)

	case raftpb.MESSAGE_TYPE_APPEND_RESPONSE:
		h.handleAppendResponse(msg)

	case raftpb.MESSAGE_TYPE_HEARTBEAT_RESPONSE:
		pr, ok := ls.Progress[msg.From]
		if !ok {
			return
		}
		pr.RecentActive = true
		pr.resume()
		if pr.State == ProgressStateReplicate && pr.inflights.full() {
			pr.inflights.freeFirstOne()
		}

		if pr.State == ProgressStateCatchup {
			last := h.view.LastIndex()
			if msg.AppendIndex < h.view.PrevIndex() || (msg.AppendIndex < last && last-msg.AppendIndex > st.cfg.CatchupGapThreshold) {
				// still behind, remind it
				info := h.msg(raftpb.MESSAGE_TYPE_LOG_COMPACTION_INFO, msg.From)
				info.LogIndex = h.view.PrevIndex()
				h.o.send(info)
				return
			}
			st.logger().Infof("%s %s caught up to %d, probing", st.describe(), msg.From.Short(), msg.AppendIndex)
			pr.resetState(ProgressStateProbe)
			pr.NextIndex = minUint64(msg.AppendIndex, h.view.LastIndex()) + 1
		}
		if pr.MatchIndex < h.view.LastIndex() {
			h.sendAppends(msg.From)
		}

	case raftpb.MESSAGE_TYPE_APPEND_REQUEST,
		raftpb.MESSAGE_TYPE_HEARTBEAT,
		raftpb.MESSAGE_TYPE_LOG_COMPACTION_INFO:
		// two leaders in one term; step down and let the follower
		// handling answer the sender
		st.logger().Errorf("%s received %q from %s in the same term, stepping down", st.describe(), msg.Type, msg.From.Short())
		h.becomeFollower(st.Term, msg.From)
		h.stepFollower(msg)

	case raftpb.MESSAGE_TYPE_VOTE_RESPONSE:

	default:
		st.logger().Warningf("%s ignored %q from %s", st.describe(), msg.Type, msg.From.Short())
	}
}

func (h *handler) handleProposal(msg raftpb.Message) {
	st := h.st
	ls := st.Role.(*LeaderState)

	ents := make([]raftpb.Entry, 0, len(msg.Entries))
	for _, e := range msg.Entries {
		if e.Type == raftpb.ENTRY_TYPE_MEMBERSHIP {
			if ls.PendingMembership > st.Commit {
				st.logger().Warningf("%s dropped membership change, index %d not committed", st.describe(), ls.PendingMembership)
				continue
			}
			ls.PendingMembership = h.view.LastIndex() + uint64(len(ents)) + 1
		}
		ents = append(ents, e)
	}
	if len(ents) == 0 {
		return
	}
	h.appendLocal(ents...)
	h.broadcastAppend()
}

// appendLocal assigns index and term to ents and appends them.
func (h *handler) appendLocal(ents ...raftpb.Entry) {
	last := h.view.LastIndex()
	for i := range ents {
		ents[i].Index = last + 1 + uint64(i)
		ents[i].Term = h.st.Term
	}
	h.view.append(ents...)
	h.maybeCommit()
}

func (h *handler) handleAppendResponse(msg raftpb.Message) {
	st := h.st
	ls := st.Role.(*LeaderState)
	pr, ok := ls.Progress[msg.From]
	if !ok {
		return
	}
	pr.RecentActive = true

	if msg.Reject {
		st.logger().Debugf("%s %s rejected append at %d [last index=%d] %s", st.describe(), msg.From.Short(), msg.LogIndex, msg.AppendIndex, pr)
		if pr.maybeDecrease(msg.LogIndex, msg.AppendIndex) {
			if pr.State == ProgressStateReplicate {
				pr.becomeProbe()
			}
			h.sendAppends(msg.From)
		}
		return
	}

	paused := pr.isPaused()
	if !pr.maybeUpdate(msg.MatchIndex) {
		return
	}
	switch pr.State {
	case ProgressStateProbe, ProgressStateCatchup:
		pr.becomeReplicate()
	case ProgressStateReplicate:
		pr.inflights.freeTo(msg.MatchIndex)
	}

	if h.maybeCommit() {
		h.broadcastAppend()
	} else if paused || pr.NextIndex <= h.view.LastIndex() {
		h.sendAppends(msg.From)
	}
}

// maybeCommit advances the commit index to the highest index held by a
// quorum, if that entry has the current term.
func (h *handler) maybeCommit() bool {
	st := h.st
	ls := st.Role.(*LeaderState)

	matches := make([]uint64, 0, len(st.Members))
	if st.isVoter(st.ID) {
		matches = append(matches, h.view.LastIndex())
	}
	for _, id := range st.others() {
		if pr, ok := ls.Progress[id]; ok {
			matches = append(matches, pr.MatchIndex)
		} else {
			matches = append(matches, 0)
		}
	}
	q := quorum(len(st.Members))
	if len(matches) < q {
		return false
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i] > matches[j] })

	idx := matches[q-1]
	if idx <= st.Commit || st.termAt(idx) != st.Term {
		return false
	}
	st.Commit = idx
	return true
}

func (h *handler) broadcastAppend() {
	for _, id := range h.st.others() {
		h.sendAppends(id)
	}
}

func (h *handler) broadcastHeartbeat() {
	st := h.st
	for _, id := range st.others() {
		hb := h.msg(raftpb.MESSAGE_TYPE_HEARTBEAT, id)
		hb.Commit = st.Commit
		hb.CommitTerm = st.termAt(st.Commit)
		h.o.send(hb)
	}
}

// sendAppends keeps sending to a replicating follower until its
// inflights are full or it has every entry.
func (h *handler) sendAppends(to types.MemberID) {
	ls := h.st.Role.(*LeaderState)
	for h.sendAppend(to) {
		pr := ls.Progress[to]
		if pr.State != ProgressStateReplicate || pr.NextIndex > h.view.LastIndex() {
			return
		}
	}
}

// sendAppend sends one append to a follower, or LOG_COMPACTION_INFO if
// the follower can no longer be fed from the log. It returns false if
// nothing was sent.
func (h *handler) sendAppend(to types.MemberID) bool {
	st := h.st
	ls := st.Role.(*LeaderState)
	pr, ok := ls.Progress[to]
	if !ok || pr.isPaused() {
		return false
	}

	prev := pr.NextIndex - 1
	last := h.view.LastIndex()
	prevTerm, err := h.view.Term(prev)
	if err != nil || prev < h.view.PrevIndex() || last-prev > st.cfg.CatchupGapThreshold {
		st.logger().Infof("%s %s is too far behind [next index=%d | prev index=%d | last index=%d], sending compaction info",
			st.describe(), to.Short(), pr.NextIndex, h.view.PrevIndex(), last)
		pr.becomeCatchup()
		info := h.msg(raftpb.MESSAGE_TYPE_LOG_COMPACTION_INFO, to)
		info.LogIndex = h.view.PrevIndex()
		h.o.send(info)
		return false
	}

	var ents []raftpb.Entry
	if pr.NextIndex <= last {
		hi := minUint64(last+1, pr.NextIndex+st.cfg.MaxAppendEntries)
		ents, err = h.view.Entries(pr.NextIndex, hi, st.cfg.MaxAppendSize)
		if err != nil {
			st.logger().Panicf("%s failed to read entries [%d, %d) (%v)", st.describe(), pr.NextIndex, hi, err)
		}
	}

	req := h.msg(raftpb.MESSAGE_TYPE_APPEND_REQUEST, to)
	req.LogIndex = prev
	req.LogTerm = prevTerm
	req.Entries = ents
	req.Commit = st.Commit
	h.o.send(req)

	switch pr.State {
	case ProgressStateReplicate:
		if n := len(ents); n > 0 {
			lastSent := ents[n-1].Index
			pr.optimisticUpdate(lastSent)
			pr.inflights.add(lastSent)
		}
	case ProgressStateProbe:
		pr.pause()
	}
	return true
}

// checkQuorumActive reports whether a quorum responded since the last
// check, and clears the activity marks.
func (h *handler) checkQuorumActive() bool {
	st := h.st
	ls := st.Role.(*LeaderState)

	active := 0
	if st.isVoter(st.ID) {
		active++
	}
	for _, id := range st.others() {
		pr, ok := ls.Progress[id]
		if !ok {
			continue
		}
		if pr.RecentActive {
			active++
		}
		pr.RecentActive = false
	}
	return active >= quorum(len(st.Members))
}
