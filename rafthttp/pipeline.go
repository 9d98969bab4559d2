package rafthttp

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/neo4j/neo4j-sub208/pkg/types"
	"github.com/neo4j/neo4j-sub208/raft/raftpb"
)

// pipeline posts the messages queued for one peer. Several workers
// drain the queue concurrently, each posting a batch per request.
type pipeline struct {
	peerID types.MemberID
	status *peerStatus

	addrs     *peerAddrs
	transport *Transport

	msgc  chan raftpb.Message
	stopc chan struct{}

	wg sync.WaitGroup
}

func newPipeline(tr *Transport, peerID types.MemberID, status *peerStatus, addrs *peerAddrs) *pipeline {
	return &pipeline{
		peerID:    peerID,
		status:    status,
		addrs:     addrs,
		transport: tr,
		msgc:      make(chan raftpb.Message, tr.QueueSize),
		stopc:     make(chan struct{}),
	}
}

func (p *pipeline) start() {
	p.wg.Add(p.transport.Workers)
	for i := 0; i < p.transport.Workers; i++ {
		go p.handle()
	}
	logger.Infof("started pipeline to peer %s [workers=%d | queue=%d]", p.peerID.Short(), p.transport.Workers, cap(p.msgc))
}

func (p *pipeline) stop() {
	close(p.stopc)
	p.wg.Wait()
	logger.Infof("stopped pipeline to peer %s", p.peerID.Short())
}

// enqueue never blocks; a message that does not fit is dropped and
// left to raft's retries.
func (p *pipeline) enqueue(msg raftpb.Message) bool {
	select {
	case p.msgc <- msg:
		return true
	default:
		p.status.drop()
		return false
	}
}

func (p *pipeline) handle() {
	defer p.wg.Done()

	for {
		select {
		case msg := <-p.msgc:
			batch := []raftpb.Message{msg}
		drain:
			for len(batch) < maxBatchN {
				select {
				case m := <-p.msgc:
					batch = append(batch, m)
				default:
					break drain
				}
			}

			if err := p.post(batch); err != nil {
				p.status.failed(err)
				logger.Debugf("failed to post %d messages to %s (%v)", len(batch), p.peerID.Short(), err)
				continue
			}
			p.status.succeeded()

		case <-p.stopc:
			return
		}
	}
}

func (p *pipeline) post(msgs []raftpb.Message) error {
	buf := new(bytes.Buffer)
	enc := raftpb.NewMessageBinaryEncoder(buf)
	for i := range msgs {
		if err := enc.Encode(&msgs[i]); err != nil {
			return err
		}
	}

	targetURL := p.addrs.target()
	req := p.transport.newPostRequest(targetURL, buf, len(msgs))

	ctx, cancel := context.WithTimeout(context.Background(), ConnWriteTimeout)
	defer cancel()
	req = req.WithContext(ctx)
	donec := make(chan struct{})
	defer close(donec)
	go func() {
		select {
		case <-donec:
		case <-p.stopc:
			cancel()
		}
	}()

	resp, err := p.transport.roundTripper.RoundTrip(req)
	if err != nil {
		p.addrs.failed(targetURL)
		return err
	}
	defer resp.Body.Close()

	bts, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		p.addrs.failed(targetURL)
		return err
	}

	if err = checkPostResponse(resp, bts, p.peerID); err != nil {
		p.addrs.failed(targetURL)
		return err
	}
	return nil
}
