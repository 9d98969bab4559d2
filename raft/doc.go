// Package raft implements the Raft consensus machine of a core member
// (https://github.com/ongardie/dissertation).
//
// The algorithm is split in two layers. The role handlers (handle and
// the per-role handle* functions) are deterministic transitions from a
// State and one message to the next State plus an Outcome listing the
// log changes and messages it requires; they never touch disk or
// network. Node runs the handlers on a single goroutine and applies each
// Outcome in a fixed order: term and vote are made durable, then the log
// is truncated and appended, then the commit index is published, and
// only then are messages handed to the transport.
package raft
