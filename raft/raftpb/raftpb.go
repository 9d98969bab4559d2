// Package raftpb defines the raft wire messages, log entries and the
// records persisted by the state store, with their binary encodings.
package raftpb

import (
	"fmt"

	"github.com/neo4j/neo4j-sub208/pkg/types"
)

// ENTRY_TYPE is the type of a log entry.
type ENTRY_TYPE int32

const (
	// ENTRY_TYPE_NORMAL carries replicated content.
	ENTRY_TYPE_NORMAL ENTRY_TYPE = 0

	// ENTRY_TYPE_NO_OP is appended by a new leader for its own term.
	ENTRY_TYPE_NO_OP ENTRY_TYPE = 1

	// ENTRY_TYPE_MEMBERSHIP carries an encoded member set.
	ENTRY_TYPE_MEMBERSHIP ENTRY_TYPE = 2
)

var ENTRY_TYPE_name = map[ENTRY_TYPE]string{
	ENTRY_TYPE_NORMAL:     "ENTRY_TYPE_NORMAL",
	ENTRY_TYPE_NO_OP:      "ENTRY_TYPE_NO_OP",
	ENTRY_TYPE_MEMBERSHIP: "ENTRY_TYPE_MEMBERSHIP",
}

func (tp ENTRY_TYPE) String() string {
	if s, ok := ENTRY_TYPE_name[tp]; ok {
		return s
	}
	return fmt.Sprintf("ENTRY_TYPE(%d)", int32(tp))
}

// Entry is a raft log entry. Index starts at 1; index 0 with term 0
// denotes the position before the first entry.
type Entry struct {
	Index uint64
	Term  uint64
	Type  ENTRY_TYPE
	Data  []byte
}

// MESSAGE_TYPE is the type of a raft message.
type MESSAGE_TYPE int32

const (
	MESSAGE_TYPE_VOTE_REQUEST  MESSAGE_TYPE = 0
	MESSAGE_TYPE_VOTE_RESPONSE MESSAGE_TYPE = 1

	// MESSAGE_TYPE_APPEND_REQUEST is sent by the leader with
	// LogIndex/LogTerm set to the previous entry.
	MESSAGE_TYPE_APPEND_REQUEST  MESSAGE_TYPE = 2
	MESSAGE_TYPE_APPEND_RESPONSE MESSAGE_TYPE = 3

	// MESSAGE_TYPE_HEARTBEAT carries Commit and CommitTerm.
	MESSAGE_TYPE_HEARTBEAT          MESSAGE_TYPE = 4
	MESSAGE_TYPE_HEARTBEAT_RESPONSE MESSAGE_TYPE = 5

	// MESSAGE_TYPE_LOG_COMPACTION_INFO tells a follower that the leader
	// no longer has the entries it needs; LogIndex is the leader's
	// prev index.
	MESSAGE_TYPE_LOG_COMPACTION_INFO MESSAGE_TYPE = 6

	// MESSAGE_TYPE_PROPOSAL carries one or more new entries to the leader.
	MESSAGE_TYPE_PROPOSAL MESSAGE_TYPE = 7

	MESSAGE_TYPE_INTERNAL_ELECTION_TIMEOUT  MESSAGE_TYPE = 8
	MESSAGE_TYPE_INTERNAL_HEARTBEAT_TIMEOUT MESSAGE_TYPE = 9

	// MESSAGE_TYPE_INTERNAL_PRUNE asks the local machine to prune its
	// log up to LogIndex.
	MESSAGE_TYPE_INTERNAL_PRUNE MESSAGE_TYPE = 10
)

var MESSAGE_TYPE_name = map[MESSAGE_TYPE]string{
	MESSAGE_TYPE_VOTE_REQUEST:               "MESSAGE_TYPE_VOTE_REQUEST",
	MESSAGE_TYPE_VOTE_RESPONSE:              "MESSAGE_TYPE_VOTE_RESPONSE",
	MESSAGE_TYPE_APPEND_REQUEST:             "MESSAGE_TYPE_APPEND_REQUEST",
	MESSAGE_TYPE_APPEND_RESPONSE:            "MESSAGE_TYPE_APPEND_RESPONSE",
	MESSAGE_TYPE_HEARTBEAT:                  "MESSAGE_TYPE_HEARTBEAT",
	MESSAGE_TYPE_HEARTBEAT_RESPONSE:         "MESSAGE_TYPE_HEARTBEAT_RESPONSE",
	MESSAGE_TYPE_LOG_COMPACTION_INFO:        "MESSAGE_TYPE_LOG_COMPACTION_INFO",
	MESSAGE_TYPE_PROPOSAL:                   "MESSAGE_TYPE_PROPOSAL",
	MESSAGE_TYPE_INTERNAL_ELECTION_TIMEOUT:  "MESSAGE_TYPE_INTERNAL_ELECTION_TIMEOUT",
	MESSAGE_TYPE_INTERNAL_HEARTBEAT_TIMEOUT: "MESSAGE_TYPE_INTERNAL_HEARTBEAT_TIMEOUT",
	MESSAGE_TYPE_INTERNAL_PRUNE:             "MESSAGE_TYPE_INTERNAL_PRUNE",
}

func (tp MESSAGE_TYPE) String() string {
	if s, ok := MESSAGE_TYPE_name[tp]; ok {
		return s
	}
	return fmt.Sprintf("MESSAGE_TYPE(%d)", int32(tp))
}

// IsInternalMessage is true for the types a machine raises for itself.
// They never travel over the network.
func IsInternalMessage(tp MESSAGE_TYPE) bool {
	return tp >= MESSAGE_TYPE_INTERNAL_ELECTION_TIMEOUT && tp <= MESSAGE_TYPE_INTERNAL_PRUNE
}

// Message is a raft message. Which fields are meaningful depends on Type.
type Message struct {
	Type MESSAGE_TYPE
	From types.MemberID
	To   types.MemberID

	// Term is the sender's current term.
	Term uint64

	// LogIndex and LogTerm are the candidate's last entry in a vote
	// request, and the entry preceding Entries in an append request.
	LogIndex uint64
	LogTerm  uint64

	Entries []Entry

	// Commit is the leader's commit index; CommitTerm is the term of the
	// entry at Commit (heartbeats only).
	Commit     uint64
	CommitTerm uint64

	// Reject is set on a refused vote or a failed append.
	Reject bool

	// MatchIndex is the last index known to match the leader's log.
	MatchIndex uint64

	// AppendIndex is the follower's last index, used by the leader to
	// skip back over a mismatch in one step.
	AppendIndex uint64
}
