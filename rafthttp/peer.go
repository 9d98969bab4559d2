package rafthttp

import (
	"time"

	"github.com/neo4j/neo4j-sub208/pkg/types"
	"github.com/neo4j/neo4j-sub208/raft/raftpb"
)

// peer is a remote member.
type peer struct {
	id     types.MemberID
	status *peerStatus
	addrs  *peerAddrs

	pipeline *pipeline
}

func startPeer(tr *Transport, id types.MemberID, urls types.URLs) *peer {
	status := newPeerStatus(id)
	addrs := newPeerAddrs(urls)
	p := &peer{
		id:       id,
		status:   status,
		addrs:    addrs,
		pipeline: newPipeline(tr, id, status, addrs),
	}
	p.pipeline.start()
	return p
}

func (p *peer) send(msg raftpb.Message) {
	if !p.pipeline.enqueue(msg) {
		logger.Debugf("dropped %s to %s, queue full", msg.Type, p.id.Short())
	}
}

func (p *peer) update(urls types.URLs) { p.addrs.replace(urls) }

func (p *peer) activeSince() time.Time { return p.status.activeSince() }

func (p *peer) stop() { p.pipeline.stop() }
