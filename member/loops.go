package member

import (
	"context"
	"time"

	"github.com/neo4j/neo4j-sub208/pkg/types"
	"github.com/neo4j/neo4j-sub208/raft"
)

const requestTimeout = 5 * time.Second

func (m *Member) startLoops() error {
	m.goAttach(m.tickLoop)
	m.goAttach(m.commitLoop)
	m.goAttach(m.pruneLoop)
	m.goAttach(m.catchUpLoop)
	m.goAttach(m.watchFailures)
	return nil
}

func (m *Member) stopLoops() {
	m.cancel()
	m.wg.Wait()
}

func (m *Member) goAttach(f func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		f()
	}()
}

// tickLoop drives the raft clock and drops transport peers for members
// that have left the membership.
func (m *Member) tickLoop() {
	ticker := time.NewTicker(m.cfg.Raft.TickInterval)
	defer ticker.Stop()

	members := make(map[types.MemberID]bool)
	for {
		select {
		case <-ticker.C:
			m.node.Tick()
			m.syncPeers(m.node.Status().Members, members)
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Member) syncPeers(current types.MemberIDs, known map[types.MemberID]bool) {
	for id := range known {
		if current.Contains(id) {
			continue
		}
		delete(known, id)
		if id == m.id {
			continue
		}
		if err := m.transport.RemovePeer(id); err != nil {
			logger.Debugf("failed to remove peer %s (%v)", id.Short(), err)
		} else {
			logger.Infof("removed peer %s", id.Short())
		}
	}
	for _, id := range current {
		known[id] = true
	}
}

func (m *Member) commitLoop() {
	for {
		select {
		case commit := <-m.node.CommitC():
			m.app.NotifyCommit(commit)
		case <-m.node.Done():
			return
		case <-m.ctx.Done():
			return
		}
	}
}

// pruneLoop prunes what the pruning strategy allows, never past the
// last flushed applied index.
func (m *Member) pruneLoop() {
	ticker := time.NewTicker(m.cfg.Raft.LogPruningFrequency)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.prune()
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Member) prune() {
	upTo := m.strategy.PruneIndex(m.log.Segments(), time.Now())
	if flushed := m.app.LastFlushed(); upTo > flushed {
		upTo = flushed
	}
	if upTo <= m.log.PrevIndex() {
		return
	}
	ctx, cancel := context.WithTimeout(m.ctx, requestTimeout)
	defer cancel()
	if err := m.node.Prune(ctx, upTo); err != nil {
		logger.Warningf("failed to prune raft log to %d (%v)", upTo, err)
		return
	}
	logger.Debugf("pruned raft log [strategy=%s | up to=%d | prev index=%d]", m.strategy, upTo, m.log.PrevIndex())
}

func (m *Member) catchUpLoop() {
	for {
		select {
		case req := <-m.node.CatchUpC():
			m.catchUp(req)
		case <-m.node.Done():
			return
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Member) catchUp(req raft.CatchUpRequest) {
	m.catchingUp.Store(true)
	defer m.catchingUp.Store(false)

	err := m.catchup.Run(m.ctx, req)
	if err == nil || m.ctx.Err() != nil {
		return
	}
	logger.Errorf("catch-up failed (%v)", err)

	ctx, cancel := context.WithTimeout(m.ctx, requestTimeout)
	defer cancel()
	if err := m.node.EndCatchUp(ctx); err != nil {
		logger.Warningf("failed to end catch-up (%v)", err)
	}
}

// watchFailures stops the raft node once the application process has
// failed, so the member stops taking part in the cluster.
func (m *Member) watchFailures() {
	select {
	case <-m.app.Done():
		if err := m.app.Err(); err != nil {
			logger.Errorf("application process failed; stopping raft (%v)", err)
			m.node.Stop()
		}
	case <-m.node.Done():
		if err := m.node.Err(); err != nil {
			logger.Errorf("raft stopped (%v)", err)
		}
	case <-m.ctx.Done():
	}
}
