package rafthttp

import (
	"sync"
	"time"

	"github.com/neo4j/neo4j-sub208/pkg/types"
)

// peerStatus tracks whether posts to one peer are getting through.
type peerStatus struct {
	id types.MemberID

	mu sync.Mutex
	// zero while the peer is unreachable
	since time.Time
	// messages dropped on a full queue since the last successful post
	dropped int
	// last post error, logged once per outage
	lastErr string
}

func newPeerStatus(id types.MemberID) *peerStatus {
	return &peerStatus{id: id}
}

// succeeded records a successful post.
func (s *peerStatus) succeeded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.since.IsZero() {
		s.since = time.Now()
		logger.Infof("peer %s is reachable", s.id.Short())
	}
	if s.dropped > 0 {
		logger.Warningf("dropped %d messages to %s while it was slow", s.dropped, s.id.Short())
	}
	s.dropped, s.lastErr = 0, ""
}

// failed records a failed post.
func (s *peerStatus) failed(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.since.IsZero() || s.lastErr == "" {
		logger.Warningf("peer %s is unreachable (%v)", s.id.Short(), err)
	}
	s.since, s.lastErr = time.Time{}, err.Error()
}

func (s *peerStatus) drop() {
	s.mu.Lock()
	s.dropped++
	s.mu.Unlock()
}

func (s *peerStatus) activeSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.since
}
