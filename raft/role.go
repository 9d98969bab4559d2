package raft

import (
	"fmt"

	"github.com/neo4j/neo4j-sub208/pkg/types"
)

// RoleKind names a role.
type RoleKind uint8

const (
	RoleFollower RoleKind = iota
	RoleCandidate
	RoleLeader
)

var roleKindNames = [...]string{"FOLLOWER", "CANDIDATE", "LEADER"}

func (k RoleKind) String() string {
	if int(k) < len(roleKindNames) {
		return roleKindNames[k]
	}
	return fmt.Sprintf("RoleKind(%d)", uint8(k))
}

// Role is exactly one of *FollowerState, *CandidateState or
// *LeaderState, each carrying the volatile data of that role.
type Role interface {
	Kind() RoleKind
	isRole()
}

// FollowerState is the follower role.
type FollowerState struct {
	// CatchingUp is set while an out-of-band catch-up runs.
	CatchingUp bool
}

// CandidateState is the candidate role.
type CandidateState struct {
	// Votes records the responses received in this election.
	Votes map[types.MemberID]bool
}

// LeaderState is the leader role.
type LeaderState struct {
	// Progress holds the replication progress of every other voter.
	Progress map[types.MemberID]*Progress

	// PendingMembership is the index of the last membership entry
	// appended in this term, 0 if none.
	PendingMembership uint64
}

func (*FollowerState) Kind() RoleKind  { return RoleFollower }
func (*CandidateState) Kind() RoleKind { return RoleCandidate }
func (*LeaderState) Kind() RoleKind    { return RoleLeader }

func (*FollowerState) isRole()  {}
func (*CandidateState) isRole() {}
func (*LeaderState) isRole()    {}

// granted counts granted and rejected votes.
func (c *CandidateState) granted() (granted, rejected int) {
	for _, v := range c.Votes {
		if v {
			granted++
		} else {
			rejected++
		}
	}
	return
}
