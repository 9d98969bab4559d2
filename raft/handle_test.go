package raft

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/neo4j/neo4j-sub208/pkg/types"
	"github.com/neo4j/neo4j-sub208/raft/raftpb"
)

func newTestLog(t *testing.T, terms ...uint64) *MemoryLog {
	lg := NewMemoryLog()
	for i, term := range terms {
		require.NoError(t, lg.Append(raftpb.Entry{Index: uint64(i + 1), Term: term}))
	}
	return lg
}

func newTestState(ids types.MemberIDs, lg ReadableLog, term uint64) State {
	cfg := testConfig(ids[0], ids, 1)
	return State{
		ID:      ids[0],
		Members: ids,
		Term:    term,
		Role:    &FollowerState{},
		Log:     lg,
		cfg:     &cfg,
	}
}

func Test_handle_vote_request(t *testing.T) {
	ids := generateIDs(3)
	cand, other := ids[1], ids[2]

	tests := []struct {
		votedFor types.MemberID
		leader   types.MemberID
		logIndex uint64
		logTerm  uint64

		wReject bool
	}{
		{types.NoMember, types.NoMember, 2, 2, false},
		{types.NoMember, types.NoMember, 3, 2, false},
		{types.NoMember, types.NoMember, 1, 3, false},
		// candidate log behind
		{types.NoMember, types.NoMember, 1, 2, true},
		{types.NoMember, types.NoMember, 5, 1, true},
		// already voted
		{other, types.NoMember, 2, 2, true},
		{cand, types.NoMember, 2, 2, false},
		// a leader is known in this term
		{types.NoMember, other, 2, 2, true},
	}
	for i, tt := range tests {
		st := newTestState(ids, newTestLog(t, 1, 2), 3)
		st.VotedFor = tt.votedFor
		st.Leader = tt.leader

		next, o := handle(st, raftpb.Message{Type: raftpb.MESSAGE_TYPE_VOTE_REQUEST, From: cand, To: ids[0], Term: 3, LogIndex: tt.logIndex, LogTerm: tt.logTerm})
		require.Len(t, o.Messages, 1, "#%d", i)
		resp := o.Messages[0]
		require.Equal(t, raftpb.MESSAGE_TYPE_VOTE_RESPONSE, resp.Type, "#%d", i)
		require.Equal(t, tt.wReject, resp.Reject, "#%d", i)
		require.Equal(t, uint64(3), resp.Term, "#%d", i)
		if !tt.wReject {
			require.Equal(t, cand, next.VotedFor, "#%d", i)
			require.True(t, o.ResetElectionTimer, "#%d", i)
		} else {
			require.Equal(t, tt.votedFor, next.VotedFor, "#%d", i)
		}
	}
}

func Test_handle_vote_request_higher_term(t *testing.T) {
	ids := generateIDs(3)
	st := newTestState(ids, newTestLog(t, 1), 1)
	st.VotedFor = ids[2]
	st.Leader = ids[2]

	next, o := handle(st, raftpb.Message{Type: raftpb.MESSAGE_TYPE_VOTE_REQUEST, From: ids[1], Term: 2, LogIndex: 1, LogTerm: 1})
	require.Equal(t, uint64(2), next.Term)
	require.Equal(t, ids[1], next.VotedFor)
	require.True(t, next.Leader.IsZero())
	require.False(t, o.Messages[0].Reject)
}

func Test_handle_lower_term(t *testing.T) {
	ids := generateIDs(3)
	st := newTestState(ids, newTestLog(t, 1, 2), 3)

	for _, tp := range []raftpb.MESSAGE_TYPE{
		raftpb.MESSAGE_TYPE_APPEND_REQUEST,
		raftpb.MESSAGE_TYPE_HEARTBEAT,
		raftpb.MESSAGE_TYPE_VOTE_REQUEST,
	} {
		next, o := handle(st, raftpb.Message{Type: tp, From: ids[1], Term: 2, LogIndex: 2, LogTerm: 2})
		require.Equal(t, st.Term, next.Term, "%q", tp)
		require.True(t, next.Leader.IsZero(), "%q", tp)
		require.Zero(t, o.TruncateFrom)
		require.Empty(t, o.Append)
		require.Len(t, o.Messages, 1, "%q", tp)
		require.Equal(t, uint64(3), o.Messages[0].Term, "%q", tp)
	}

	// stale responses are dropped
	_, o := handle(st, raftpb.Message{Type: raftpb.MESSAGE_TYPE_APPEND_RESPONSE, From: ids[1], Term: 1})
	require.Empty(t, o.Messages)
}

func Test_handle_higher_term_steps_down(t *testing.T) {
	ids := generateIDs(3)
	st := newTestState(ids, newTestLog(t, 1), 1)
	st.Role = &LeaderState{Progress: map[types.MemberID]*Progress{}}
	st.Leader = ids[0]

	next, o := handle(st, raftpb.Message{Type: raftpb.MESSAGE_TYPE_HEARTBEAT, From: ids[1], Term: 2})
	require.Equal(t, RoleFollower, next.Role.Kind())
	require.Equal(t, uint64(2), next.Term)
	require.Equal(t, ids[1], next.Leader)
	require.True(t, next.VotedFor.IsZero())
	require.True(t, o.ResetElectionTimer)

	// the original state is untouched
	require.Equal(t, RoleLeader, st.Role.Kind())
}

func Test_handle_append(t *testing.T) {
	ids := generateIDs(3)
	leader := ids[1]
	ent := func(index, term uint64) raftpb.Entry { return raftpb.Entry{Index: index, Term: term} }

	tests := []struct {
		commit   uint64
		prev     uint64
		prevTerm uint64
		ents     []raftpb.Entry
		lcommit  uint64

		wReject   bool
		wTruncate uint64
		wAppend   []raftpb.Entry
		wMatch    uint64
		wCommit   uint64
	}{
		// log is (1,1) (2,1) (3,1)
		{0, 3, 1, []raftpb.Entry{ent(4, 2)}, 3, false, 0, []raftpb.Entry{ent(4, 2)}, 4, 3},
		{0, 3, 2, []raftpb.Entry{ent(4, 2)}, 3, true, 0, nil, 0, 0},
		{0, 5, 2, nil, 3, true, 0, nil, 0, 0},
		// entries already held
		{0, 1, 1, []raftpb.Entry{ent(2, 1), ent(3, 1)}, 2, false, 0, nil, 3, 2},
		{0, 1, 1, []raftpb.Entry{ent(2, 1)}, 3, false, 0, nil, 2, 2},
		// conflict truncates
		{0, 1, 1, []raftpb.Entry{ent(2, 2), ent(3, 2)}, 3, false, 2, []raftpb.Entry{ent(2, 2), ent(3, 2)}, 3, 3},
		{1, 2, 1, []raftpb.Entry{ent(3, 2)}, 1, false, 3, []raftpb.Entry{ent(3, 2)}, 3, 1},
		// commit never decreases
		{2, 3, 1, nil, 1, false, 0, nil, 3, 2},
	}
	for i, tt := range tests {
		st := newTestState(ids, newTestLog(t, 1, 1, 1), 2)
		st.Commit = tt.commit

		next, o := handle(st, raftpb.Message{Type: raftpb.MESSAGE_TYPE_APPEND_REQUEST, From: leader, Term: 2,
			LogIndex: tt.prev, LogTerm: tt.prevTerm, Entries: tt.ents, Commit: tt.lcommit})

		require.Equal(t, leader, next.Leader, "#%d", i)
		require.True(t, o.ResetElectionTimer, "#%d", i)
		require.Len(t, o.Messages, 1, "#%d", i)
		resp := o.Messages[0]
		require.Equal(t, raftpb.MESSAGE_TYPE_APPEND_RESPONSE, resp.Type, "#%d", i)
		require.Equal(t, tt.wReject, resp.Reject, "#%d", i)
		require.Equal(t, tt.wTruncate, o.TruncateFrom, "#%d", i)
		require.Equal(t, tt.wAppend, o.Append, "#%d", i)
		require.Equal(t, tt.wCommit, next.Commit, "#%d", i)
		if tt.wReject {
			require.Equal(t, tt.prev, resp.LogIndex, "#%d", i)
			require.Equal(t, uint64(3), resp.AppendIndex, "#%d", i)
		} else {
			require.Equal(t, tt.wMatch, resp.MatchIndex, "#%d", i)
		}
	}
}

func Test_handle_append_conflict_with_committed_panics(t *testing.T) {
	ids := generateIDs(3)
	st := newTestState(ids, newTestLog(t, 1, 1, 1), 2)
	st.Commit = 2

	require.Panics(t, func() {
		handle(st, raftpb.Message{Type: raftpb.MESSAGE_TYPE_APPEND_REQUEST, From: ids[1], Term: 2,
			LogIndex: 1, LogTerm: 1, Entries: []raftpb.Entry{{Index: 2, Term: 2}}})
	})
}

func Test_handle_append_before_prev_index(t *testing.T) {
	ids := generateIDs(3)
	lg := NewMemoryLog()
	require.NoError(t, lg.Skip(5, 1))
	require.NoError(t, lg.Append(raftpb.Entry{Index: 6, Term: 1}))
	st := newTestState(ids, lg, 1)
	st.Commit = 5

	ents := []raftpb.Entry{{Index: 4, Term: 1}, {Index: 5, Term: 1}, {Index: 6, Term: 1}, {Index: 7, Term: 1}}
	next, o := handle(st, raftpb.Message{Type: raftpb.MESSAGE_TYPE_APPEND_REQUEST, From: ids[1], Term: 1,
		LogIndex: 3, LogTerm: 1, Entries: ents, Commit: 7})
	require.False(t, o.Messages[0].Reject)
	require.Equal(t, []raftpb.Entry{{Index: 7, Term: 1}}, o.Append)
	require.Equal(t, uint64(7), o.Messages[0].MatchIndex)
	require.Equal(t, uint64(7), next.Commit)
}

func Test_handle_heartbeat(t *testing.T) {
	ids := generateIDs(3)
	tests := []struct {
		commit     uint64
		commitTerm uint64
		wCommit    uint64
	}{
		{3, 2, 3},
		// local entry at 3 has another term
		{3, 3, 1},
		// beyond the local log
		{5, 2, 1},
		{0, 0, 1},
	}
	for i, tt := range tests {
		st := newTestState(ids, newTestLog(t, 1, 2, 2), 2)
		st.Commit = 1

		next, o := handle(st, raftpb.Message{Type: raftpb.MESSAGE_TYPE_HEARTBEAT, From: ids[1], Term: 2, Commit: tt.commit, CommitTerm: tt.commitTerm})
		require.Equal(t, tt.wCommit, next.Commit, "#%d", i)
		require.Equal(t, raftpb.MESSAGE_TYPE_HEARTBEAT_RESPONSE, o.Messages[0].Type, "#%d", i)
		require.Equal(t, uint64(3), o.Messages[0].AppendIndex, "#%d", i)
	}
}

func Test_handle_compaction_info(t *testing.T) {
	ids := generateIDs(3)
	st := newTestState(ids, newTestLog(t, 1), 2)

	msg := raftpb.Message{Type: raftpb.MESSAGE_TYPE_LOG_COMPACTION_INFO, From: ids[1], Term: 2, LogIndex: 40}
	next, o := handle(st, msg)
	require.NotNil(t, o.CatchUp)
	require.Equal(t, CatchUpRequest{Leader: ids[1], Term: 2, PrevIndex: 40}, *o.CatchUp)
	require.True(t, next.Role.(*FollowerState).CatchingUp)

	// only one catch-up at a time
	next, o = handle(next, msg)
	require.Nil(t, o.CatchUp)

	// a catching-up follower does not campaign
	next, o = handle(next, raftpb.Message{Type: raftpb.MESSAGE_TYPE_INTERNAL_ELECTION_TIMEOUT})
	require.Equal(t, RoleFollower, next.Role.Kind())
	require.Equal(t, uint64(2), next.Term)
	require.Empty(t, o.Messages)
}

func Test_handle_prune_bounded_by_commit(t *testing.T) {
	ids := generateIDs(3)
	st := newTestState(ids, newTestLog(t, 1, 1, 1, 1, 1, 1), 1)
	st.Commit = 4

	_, o := handle(st, raftpb.Message{Type: raftpb.MESSAGE_TYPE_INTERNAL_PRUNE, LogIndex: 10})
	require.Equal(t, uint64(4), o.PruneTo)

	_, o = handle(st, raftpb.Message{Type: raftpb.MESSAGE_TYPE_INTERNAL_PRUNE, LogIndex: 2})
	require.Equal(t, uint64(2), o.PruneTo)
}

func Test_handle_campaign(t *testing.T) {
	ids := generateIDs(3)
	st := newTestState(ids, newTestLog(t, 1, 1), 1)

	next, o := handle(st, raftpb.Message{Type: raftpb.MESSAGE_TYPE_INTERNAL_ELECTION_TIMEOUT})
	require.Equal(t, RoleCandidate, next.Role.Kind())
	require.Equal(t, uint64(2), next.Term)
	require.Equal(t, ids[0], next.VotedFor)
	require.Len(t, o.Messages, 2)
	for _, m := range o.Messages {
		require.Equal(t, raftpb.MESSAGE_TYPE_VOTE_REQUEST, m.Type)
		require.Equal(t, uint64(2), m.LogIndex)
		require.Equal(t, uint64(1), m.LogTerm)
	}

	// one rejection is not a quorum
	next, _ = handle(next, raftpb.Message{Type: raftpb.MESSAGE_TYPE_VOTE_RESPONSE, From: ids[1], Term: 2, Reject: true})
	require.Equal(t, RoleCandidate, next.Role.Kind())
	next, _ = handle(next, raftpb.Message{Type: raftpb.MESSAGE_TYPE_VOTE_RESPONSE, From: ids[2], Term: 2, Reject: true})
	require.Equal(t, RoleFollower, next.Role.Kind())
	require.Equal(t, uint64(2), next.Term)
}

func Test_handle_become_leader(t *testing.T) {
	ids := generateIDs(3)
	st := newTestState(ids, newTestLog(t, 1, 1), 1)

	next, _ := handle(st, raftpb.Message{Type: raftpb.MESSAGE_TYPE_INTERNAL_ELECTION_TIMEOUT})
	next, o := handle(next, raftpb.Message{Type: raftpb.MESSAGE_TYPE_VOTE_RESPONSE, From: ids[2], Term: 2})
	require.Equal(t, RoleLeader, next.Role.Kind())
	require.Equal(t, ids[0], next.Leader)

	// a no-op of the new term is appended and sent
	require.Equal(t, []raftpb.Entry{{Index: 3, Term: 2, Type: raftpb.ENTRY_TYPE_NO_OP}}, o.Append)
	require.Len(t, o.Messages, 2)
	for _, m := range o.Messages {
		require.Equal(t, raftpb.MESSAGE_TYPE_APPEND_REQUEST, m.Type)
		require.Equal(t, uint64(2), m.LogIndex)
		require.Equal(t, uint64(1), m.LogTerm)
		require.Len(t, m.Entries, 1)
	}
	ls := next.Role.(*LeaderState)
	require.Len(t, ls.Progress, 2)
	require.Equal(t, uint64(2), ls.PendingMembership)
}

// newTestLeader returns a leader in term 3 over a log of terms 1 1 3.
func newTestLeader(t *testing.T, ids types.MemberIDs) State {
	st := newTestState(ids, newTestLog(t, 1, 1, 3), 3)
	ls := &LeaderState{Progress: make(map[types.MemberID]*Progress)}
	for _, id := range ids[1:] {
		ls.Progress[id] = newProgress(4, 256)
	}
	st.Role = ls
	st.Leader = ids[0]
	return st
}

func Test_handle_leader_commits_only_current_term(t *testing.T) {
	ids := generateIDs(3)
	st := newTestLeader(t, ids)

	// a quorum holds index 2 of term 1, which cannot commit alone
	next, _ := handle(st, raftpb.Message{Type: raftpb.MESSAGE_TYPE_APPEND_RESPONSE, From: ids[1], Term: 3, MatchIndex: 2})
	require.Equal(t, uint64(0), next.Commit)

	next, o := handle(next, raftpb.Message{Type: raftpb.MESSAGE_TYPE_APPEND_RESPONSE, From: ids[1], Term: 3, MatchIndex: 3})
	require.Equal(t, uint64(3), next.Commit)

	// the new commit index is sent out
	var commits []uint64
	for _, m := range o.Messages {
		if m.Type == raftpb.MESSAGE_TYPE_APPEND_REQUEST {
			commits = append(commits, m.Commit)
		}
	}
	require.Contains(t, commits, uint64(3))
}

func Test_handle_leader_rejected_append(t *testing.T) {
	ids := generateIDs(3)
	st := newTestLeader(t, ids)
	pr := st.Role.(*LeaderState).Progress[ids[1]]
	pr.pause()

	// probing at prev 3, follower holds only index 1
	next, o := handle(st, raftpb.Message{Type: raftpb.MESSAGE_TYPE_APPEND_RESPONSE, From: ids[1], Term: 3, Reject: true, LogIndex: 3, AppendIndex: 1})
	require.Equal(t, uint64(0), next.Commit)
	require.Len(t, o.Messages, 1)
	m := o.Messages[0]
	require.Equal(t, raftpb.MESSAGE_TYPE_APPEND_REQUEST, m.Type)
	require.Equal(t, uint64(1), m.LogIndex)
	require.Equal(t, uint64(1), m.LogTerm)
	require.Len(t, m.Entries, 2)
}

func Test_handle_leader_sends_compaction_info(t *testing.T) {
	ids := generateIDs(3)
	lg := NewMemoryLog()
	require.NoError(t, lg.Skip(5, 1))
	require.NoError(t, lg.Append(raftpb.Entry{Index: 6, Term: 2}, raftpb.Entry{Index: 7, Term: 2}))

	st := newTestState(ids, lg, 2)
	st.Role = &LeaderState{Progress: map[types.MemberID]*Progress{
		ids[1]: newProgress(3, 256),
		ids[2]: newProgress(8, 256),
	}}
	st.Leader = ids[0]
	st.Commit = 7

	next, o := handle(st, raftpb.Message{Type: raftpb.MESSAGE_TYPE_HEARTBEAT_RESPONSE, From: ids[1], Term: 2, AppendIndex: 2})
	require.Len(t, o.Messages, 1)
	require.Equal(t, raftpb.MESSAGE_TYPE_LOG_COMPACTION_INFO, o.Messages[0].Type)
	require.Equal(t, uint64(5), o.Messages[0].LogIndex)

	pr := next.Role.(*LeaderState).Progress[ids[1]]
	require.Equal(t, ProgressStateCatchup, pr.State)

	// still behind: reminded again
	_, o = handle(next, raftpb.Message{Type: raftpb.MESSAGE_TYPE_HEARTBEAT_RESPONSE, From: ids[1], Term: 2, AppendIndex: 2})
	require.Equal(t, raftpb.MESSAGE_TYPE_LOG_COMPACTION_INFO, o.Messages[0].Type)

	// caught up to the prev index: probing resumes from there
	next, o = handle(next, raftpb.Message{Type: raftpb.MESSAGE_TYPE_HEARTBEAT_RESPONSE, From: ids[1], Term: 2, AppendIndex: 5})
	require.Equal(t, ProgressStateProbe, pr.State)
	require.Len(t, o.Messages, 1)
	require.Equal(t, raftpb.MESSAGE_TYPE_APPEND_REQUEST, o.Messages[0].Type)
	require.Equal(t, uint64(5), o.Messages[0].LogIndex)
	require.Len(t, o.Messages[0].Entries, 2)
	require.Equal(t, RoleLeader, next.Role.Kind())
}

func Test_handle_leader_steps_down_on_same_term_leader(t *testing.T) {
	tests := []struct {
		tp    raftpb.MESSAGE_TYPE
		wresp raftpb.MESSAGE_TYPE
	}{
		{raftpb.MESSAGE_TYPE_APPEND_REQUEST, raftpb.MESSAGE_TYPE_APPEND_RESPONSE},
		{raftpb.MESSAGE_TYPE_HEARTBEAT, raftpb.MESSAGE_TYPE_HEARTBEAT_RESPONSE},
	}
	for _, tt := range tests {
		t.Run(tt.tp.String(), func(t *testing.T) {
			ids := generateIDs(3)
			st := newTestLeader(t, ids)

			next, o := handle(st, raftpb.Message{Type: tt.tp, From: ids[1], Term: 3, LogIndex: 3, LogTerm: 3})
			require.Equal(t, RoleFollower, next.Role.Kind())
			require.Equal(t, uint64(3), next.Term)
			require.Equal(t, ids[1], next.Leader)
			require.True(t, o.ResetElectionTimer)
			require.Len(t, o.Messages, 1)
			require.Equal(t, tt.wresp, o.Messages[0].Type)
			require.Equal(t, ids[1], o.Messages[0].To)
		})
	}
}

func Test_handle_leader_membership_pending(t *testing.T) {
	ids := generateIDs(3)
	st := newTestLeader(t, ids)
	st.Commit = 3

	ent := raftpb.Entry{Type: raftpb.ENTRY_TYPE_MEMBERSHIP, Data: raftpb.EncodeMembers(ids[:2])}
	next, o := handle(st, raftpb.Message{Type: raftpb.MESSAGE_TYPE_PROPOSAL, From: ids[0], Entries: []raftpb.Entry{ent}})
	require.Len(t, o.Append, 1)
	require.Equal(t, uint64(4), next.Role.(*LeaderState).PendingMembership)

	require.Equal(t, uint64(4), next.Log.LastIndex())

	// dropped while the first is uncommitted
	_, o = handle(next, raftpb.Message{Type: raftpb.MESSAGE_TYPE_PROPOSAL, From: ids[0], Entries: []raftpb.Entry{ent}})
	require.Empty(t, o.Append)
	require.Zero(t, o.TruncateFrom)
}
