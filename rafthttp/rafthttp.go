// Package rafthttp carries raft messages between members over HTTP.
// Each peer has a bounded outgoing queue drained by a fixed number of
// workers, so the raft loop never blocks on the network.
package rafthttp

import (
	"errors"
	"time"

	"github.com/neo4j/neo4j-sub208/pkg/logutil"
)

var logger = logutil.NewPackageLogger("rafthttp")

var (
	ErrStopped           = errors.New("rafthttp: stopped")
	ErrMemberNotFound    = errors.New("rafthttp: member not found")
	ErrClusterIDMismatch = errors.New("rafthttp: cluster ID mismatch")
)

// RaftPrefix is the path raft messages are posted to.
var RaftPrefix = "/raft"

const (
	HeaderContentType  = "Content-Type"
	HeaderContentRaft  = "application/x-raft-messages"
	HeaderFromID       = "X-Server-From"
	HeaderClusterID    = "X-Cluster-ID"
	HeaderPeerURLs     = "X-PeerURLs"
	headerMessageCount = "X-Message-Count"
)

const (
	// ConnWriteTimeout bounds one post, enough for recycling bad
	// connections.
	ConnWriteTimeout = 5 * time.Second

	// DialTimeout bounds connecting to a peer.
	DialTimeout = time.Second

	// DefaultQueueSize is the default outgoing queue length per peer.
	DefaultQueueSize = 64

	// DefaultWorkers is the default number of workers per peer.
	DefaultWorkers = 2

	// maxBatchN is the number of queued messages posted in one request.
	maxBatchN = 64

	// maxRequestByteN bounds the body of one post.
	maxRequestByteN = 64 * 1024 * 1024
)
