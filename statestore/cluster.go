package statestore

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/neo4j/neo4j-sub208/pkg/types"
	"github.com/neo4j/neo4j-sub208/raft/raftpb"
)

// ClusterState groups the stores a member keeps under its
// cluster-state directory.
type ClusterState struct {
	memberID    *Store
	term        *Store
	vote        *Store
	membership  *Store
	lastFlushed *Store
}

// OpenClusterState opens (or creates) every store under dir.
func OpenClusterState(dir string) (*ClusterState, error) {
	cs := &ClusterState{}
	for _, sv := range []struct {
		sub  string
		name string
		s    **Store
	}{
		{"member-id-state", "member-id", &cs.memberID},
		{"term-state", "term", &cs.term},
		{"vote-state", "vote", &cs.vote},
		{"membership-state", "membership", &cs.membership},
		{"last-flushed-state", "last-flushed", &cs.lastFlushed},
	} {
		s, err := Open(filepath.Join(dir, sv.sub), sv.name)
		if err != nil {
			return nil, err
		}
		*sv.s = s
	}
	return cs, nil
}

// MemberID returns the persisted member id, creating one from id (or a
// fresh random id when id is zero) on first start. A configured id that
// disagrees with the persisted one is an error.
func (cs *ClusterState) MemberID(id types.MemberID) (types.MemberID, error) {
	var st raftpb.MemberIDState
	err := cs.memberID.Read(&st)
	switch {
	case err == nil:
		if !id.IsZero() && id != st.ID {
			return types.NoMember, fmt.Errorf("statestore: configured member id %s does not match persisted %s", id, st.ID)
		}
		return st.ID, nil
	case errors.Is(err, ErrNoState):
	default:
		return types.NoMember, err
	}

	if id.IsZero() {
		id = types.NewMemberID()
	}
	if err = cs.memberID.Write(&raftpb.MemberIDState{ID: id}); err != nil {
		return types.NoMember, err
	}
	logger.Infof("created member id %s", id)
	return id, nil
}

// LoadState returns the persisted term and vote. A vote for an older
// term than the persisted term is dropped.
func (cs *ClusterState) LoadState() (raftpb.TermState, raftpb.VoteState, error) {
	var (
		ts raftpb.TermState
		vs raftpb.VoteState
	)
	if err := readOrZero(cs.term, &ts); err != nil {
		return ts, vs, err
	}
	if err := readOrZero(cs.vote, &vs); err != nil {
		return ts, vs, err
	}
	if vs.Term != ts.Term {
		vs = raftpb.VoteState{Term: ts.Term}
	}
	return ts, vs, nil
}

// SaveTerm persists the current term.
func (cs *ClusterState) SaveTerm(ts raftpb.TermState) error { return cs.term.Write(&ts) }

// SaveVote persists the vote for vs.Term.
func (cs *ClusterState) SaveVote(vs raftpb.VoteState) error { return cs.vote.Write(&vs) }

// LoadMembership returns the persisted membership, or an empty one.
func (cs *ClusterState) LoadMembership() (raftpb.MembershipState, error) {
	var ms raftpb.MembershipState
	err := readOrZero(cs.membership, &ms)
	return ms, err
}

// SaveMembership persists the membership.
func (cs *ClusterState) SaveMembership(ms raftpb.MembershipState) error {
	return cs.membership.Write(&ms)
}

// LoadApplyState returns the last flushed applied index checkpoint.
func (cs *ClusterState) LoadApplyState() (raftpb.ApplyState, error) {
	var as raftpb.ApplyState
	err := readOrZero(cs.lastFlushed, &as)
	return as, err
}

// SaveApplyState persists the applied index checkpoint.
func (cs *ClusterState) SaveApplyState(as raftpb.ApplyState) error {
	return cs.lastFlushed.Write(&as)
}

func readOrZero(s *Store, r Record) error {
	if err := s.Read(r); err != nil && !errors.Is(err, ErrNoState) {
		return err
	}
	return nil
}
