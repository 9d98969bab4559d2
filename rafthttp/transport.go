package rafthttp

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/neo4j/neo4j-sub208/pkg/transportutil"
	"github.com/neo4j/neo4j-sub208/pkg/types"
	"github.com/neo4j/neo4j-sub208/raft/raftpb"
)

// Raft is the local raft node receiving messages.
type Raft interface {
	Step(ctx context.Context, msg raftpb.Message) error
}

// Transport sends raft messages to peers and serves messages from them.
type Transport struct {
	From      types.MemberID
	ClusterID uint64

	// URLs are the advertised URLs of this member.
	URLs types.URLs

	Raft Raft

	// QueueSize is the outgoing queue length per peer.
	QueueSize int

	// Workers is the number of concurrent posts per peer.
	Workers int

	// RoundTripper defaults to an http.Transport with dial and response
	// header timeouts.
	RoundTripper http.RoundTripper

	roundTripper http.RoundTripper

	mu      sync.RWMutex
	peers   map[types.MemberID]*peer
	started bool
	stopped bool
}

// Start initializes the Transport. It must be called before any other
// method.
func (t *Transport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.QueueSize <= 0 {
		t.QueueSize = DefaultQueueSize
	}
	if t.Workers <= 0 {
		t.Workers = DefaultWorkers
	}
	t.roundTripper = t.RoundTripper
	if t.roundTripper == nil {
		t.roundTripper = transportutil.NewTransport(transportutil.Config{
			DialTimeout:           DialTimeout,
			ResponseHeaderTimeout: ConnWriteTimeout,
			MaxIdleConnsPerHost:   t.Workers,
		})
	}
	t.peers = make(map[types.MemberID]*peer)
	t.started = true
	return nil
}

// Stop stops every peer. It is safe to call more than once.
func (t *Transport) Stop() {
	t.mu.Lock()
	if t.stopped || !t.started {
		t.stopped = true
		t.mu.Unlock()
		return
	}
	t.stopped = true
	peers := t.peers
	t.peers = map[types.MemberID]*peer{}
	t.mu.Unlock()

	for _, p := range peers {
		p.stop()
	}
	if tr, ok := t.roundTripper.(*http.Transport); ok {
		tr.CloseIdleConnections()
	}
	logger.Infof("stopped transport of %s", t.From.Short())
}

// Handler serves messages posted by peers.
func (t *Transport) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(RaftPrefix, &raftHandler{tr: t})
	return mux
}

// Send queues msgs for their peers. It never blocks; messages to
// unknown peers or to full queues are dropped.
func (t *Transport) Send(msgs []raftpb.Message) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, msg := range msgs {
		if msg.To.IsZero() {
			continue
		}
		p, ok := t.peers[msg.To]
		if !ok {
			logger.Debugf("ignored %s to unknown member %s", msg.Type, msg.To.Short())
			continue
		}
		p.send(msg)
	}
}

// AddPeer starts sending to id at urls.
func (t *Transport) AddPeer(id types.MemberID, us []string) error {
	urls, err := types.NewURLs(us)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return ErrStopped
	}
	if id == t.From {
		return nil
	}
	if p, ok := t.peers[id]; ok {
		p.update(urls)
		return nil
	}
	t.peers[id] = startPeer(t, id, urls)
	logger.Infof("added peer %s %v", id.Short(), us)
	return nil
}

// AddPeerRemote adds a peer learned from a request header, unless it is
// already known.
func (t *Transport) AddPeerRemote(id types.MemberID, us []string) {
	t.mu.RLock()
	_, ok := t.peers[id]
	t.mu.RUnlock()
	if ok || id == t.From {
		return
	}
	if err := t.AddPeer(id, us); err != nil {
		logger.Warningf("cannot add remote peer %s %v (%v)", id.Short(), us, err)
	}
}

// RemovePeer stops sending to id.
func (t *Transport) RemovePeer(id types.MemberID) error {
	t.mu.Lock()
	p, ok := t.peers[id]
	delete(t.peers, id)
	t.mu.Unlock()

	if !ok {
		return ErrMemberNotFound
	}
	p.stop()
	logger.Infof("removed peer %s", id.Short())
	return nil
}

// ActiveSince returns when the last post to id succeeded after a
// failure, or zero if the peer is not active.
func (t *Transport) ActiveSince(id types.MemberID) time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if p, ok := t.peers[id]; ok {
		return p.activeSince()
	}
	return time.Time{}
}

// PeerURLs returns the URLs known for id.
func (t *Transport) PeerURLs(id types.MemberID) types.URLs {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if p, ok := t.peers[id]; ok {
		return p.addrs.list()
	}
	return nil
}
