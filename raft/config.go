package raft

import (
	"errors"
	"fmt"

	"github.com/neo4j/neo4j-sub208/pkg/types"
)

// ClusterConfig holds every parameter of a raft machine. It is passed to
// the constructor; nothing is read from process-wide state.
type ClusterConfig struct {
	// ID is this member.
	ID types.MemberID

	// Members is the voting membership used when none is persisted.
	Members types.MemberIDs

	// ElectionTickNum is the number of ticks between elections. A
	// follower that hears nothing from a leader for a randomized
	// timeout in [ElectionTickNum, 2*ElectionTickNum) starts an
	// election. It must be greater than HeartbeatTickNum.
	ElectionTickNum int

	// HeartbeatTickNum is the number of ticks between heartbeats by a leader.
	HeartbeatTickNum int

	// CheckQuorum makes a leader step down when a quorum has not been
	// active within an election timeout.
	CheckQuorum bool

	// MaxAppendEntries is the maximum number of entries per append message.
	MaxAppendEntries uint64

	// MaxAppendSize bounds the bytes of entries per append message.
	// 0 means no limit.
	MaxAppendSize uint64

	// MaxInflight is the maximum number of in-flight append messages
	// per follower while replicating optimistically.
	MaxInflight int

	// CatchupGapThreshold is the number of entries a follower may lag
	// behind before the leader asks it to catch up instead of streaming
	// entries.
	CatchupGapThreshold uint64

	// RandSeed seeds the election timeout randomization; 0 uses the clock.
	RandSeed int64

	// Logger overrides the package logger.
	Logger Logger
}

func (c *ClusterConfig) validate() error {
	if c.ID.IsZero() {
		return errors.New("raft: member id must be set")
	}
	if c.HeartbeatTickNum <= 0 {
		return fmt.Errorf("raft: heartbeat tick (%d) must be greater than 0", c.HeartbeatTickNum)
	}
	if c.ElectionTickNum <= c.HeartbeatTickNum {
		return fmt.Errorf("raft: election tick (%d) must be greater than heartbeat tick (%d)", c.ElectionTickNum, c.HeartbeatTickNum)
	}
	if c.MaxInflight <= 0 {
		return errors.New("raft: max number of inflight messages must be greater than 0")
	}
	if c.MaxAppendEntries == 0 {
		c.MaxAppendEntries = 1
	}
	if c.CatchupGapThreshold == 0 {
		return errors.New("raft: catch-up gap threshold must be greater than 0")
	}
	if c.Logger == nil {
		c.Logger = defaultLogger
	}
	return nil
}

// quorum returns the majority size of n voters.
func quorum(n int) int { return n/2 + 1 }
