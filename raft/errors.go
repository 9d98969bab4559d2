package raft

import (
	"errors"
	"fmt"

	"github.com/neo4j/neo4j-sub208/pkg/types"
)

var (
	// ErrStopped is returned when a Node has been stopped, or halted
	// after a durability failure.
	ErrStopped = errors.New("raft: stopped")

	// ErrMembershipPending is returned when a membership change is
	// proposed while another is not yet committed.
	ErrMembershipPending = errors.New("raft: membership change already pending")
)

// NotLeaderError is returned when a proposal reaches a member that is
// not the leader. Leader is the best known leader, or zero.
type NotLeaderError struct {
	Leader types.MemberID
}

func (e *NotLeaderError) Error() string {
	if e.Leader.IsZero() {
		return "raft: not leader, no leader known"
	}
	return fmt.Sprintf("raft: not leader, leader is %s", e.Leader)
}

// IsNotLeader returns the leader hint if err is a NotLeaderError.
func IsNotLeader(err error) (types.MemberID, bool) {
	var nl *NotLeaderError
	if errors.As(err, &nl) {
		return nl.Leader, true
	}
	return types.NoMember, false
}

// ErrUnavailable is returned for a log index beyond the last entry.
var ErrUnavailable = errors.New("raft: requested entry at index is unavailable")

// ErrCompacted is returned for an index pruned from a MemoryLog.
var ErrCompacted = errors.New("raft: requested index is unavailable due to compaction")
