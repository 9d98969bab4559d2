package catchup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/neo4j/neo4j-sub208/backend"
	"github.com/neo4j/neo4j-sub208/pkg/backoff"
	"github.com/neo4j/neo4j-sub208/pkg/types"
	"github.com/neo4j/neo4j-sub208/raft"
	"github.com/neo4j/neo4j-sub208/raft/raftpb"
)

// Node is the raft member being caught up.
type Node interface {
	Status() raft.Status
	AppendCommitted(ctx context.Context, ents []raftpb.Entry) error
	CompleteStoreCopy(ctx context.Context, index, term uint64, members types.MemberIDs) error
	EndCatchUp(ctx context.Context) error
}

// Application owns the live store.
type Application interface {
	Store() backend.Backend
	Applied() uint64
	SwapStore(ctx context.Context, swap func(old backend.Backend) (backend.Backend, error)) error

	// Err is set once the application halted.
	Err() error
}

// Peers resolves members to their URLs.
type Peers interface {
	PeerURLs(id types.MemberID) types.URLs
}

// Config configures a Process.
type Config struct {
	// Backend configures the live store; a copied store replaces the
	// file at Backend.Path.
	Backend backend.Config

	// BatchSize is the number of entries fetched per request.
	BatchSize uint64

	// InitialBackoff and MaxBackoff bound the wait between attempts.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Process catches the local member up from its peers. Run is called
// for each catch-up request of the raft node.
type Process struct {
	cfg    Config
	node   Node
	app    Application
	peers  Peers
	client *Client
}

// NewProcess returns a Process fetching through client.
func NewProcess(cfg Config, client *Client, node Node, app Application, peers Peers) *Process {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	return &Process{cfg: cfg, node: node, app: app, peers: peers, client: client}
}

// Run catches up for req, trying the leader first and then the other
// members in turn, until it succeeds or ctx is done. Catch-up has ended
// on the node when Run returns nil.
func (p *Process) Run(ctx context.Context, req raft.CatchUpRequest) error {
	logger.Infof("catching up [leader=%s | term=%d | leader prev index=%d]", req.Leader.Short(), req.Term, req.PrevIndex)
	start := time.Now()

	bo := backoff.New(p.cfg.InitialBackoff, p.cfg.MaxBackoff)
	for attempt := 0; ; attempt++ {
		st := p.node.Status()
		if st.Err != nil {
			return st.Err
		}
		if err := p.app.Err(); err != nil {
			return err
		}

		peers := p.candidates(req, st)
		if len(peers) == 0 {
			logger.Warningf("no peer to catch up from")
		} else {
			peer := peers[attempt%len(peers)]
			err := p.catchUpFrom(ctx, peer)
			if err == nil {
				logger.Infof("caught up from %s in %v [commit=%d | applied=%d]", peer.Short(), time.Since(start), p.node.Status().Commit, p.app.Applied())
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warningf("catch-up from %s failed (attempt %d) (%v)", peer.Short(), attempt+1, err)
		}

		if err := backoff.Sleep(ctx, bo.Next()); err != nil {
			return err
		}
	}
}

// candidates lists the leader first, then the other members with known
// URLs.
func (p *Process) candidates(req raft.CatchUpRequest, st raft.Status) []types.MemberID {
	var ids []types.MemberID
	if !req.Leader.IsZero() && req.Leader != st.ID && len(p.peers.PeerURLs(req.Leader)) > 0 {
		ids = append(ids, req.Leader)
	}
	for _, id := range st.Members {
		if id == st.ID || id == req.Leader {
			continue
		}
		if len(p.peers.PeerURLs(id)) > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

func (p *Process) catchUpFrom(ctx context.Context, peer types.MemberID) error {
	u := p.peers.PeerURLs(peer)[0]

	info, err := p.client.StoreInfo(ctx, u)
	if err != nil {
		return err
	}
	localID, err := backend.ReadStoreID(p.app.Store())
	if err != nil {
		return err
	}

	// the commit index restarts at 0, while entries up to the store's
	// applied index are already in the local log
	from := p.node.Status().Commit
	if applied := p.app.Applied(); applied > from {
		from = applied
	}
	from++
	switch {
	case localID != info.StoreID:
		logger.Infof("local store %s differs from %s of %s, copying store", localID, info.StoreID, peer.Short())
		if from, err = p.copyStore(ctx, peer); err != nil {
			return err
		}
	case from <= info.PrevIndex:
		logger.Infof("%s pruned entries up to %d, needed from %d, copying store", peer.Short(), info.PrevIndex, from)
		if from, err = p.copyStore(ctx, peer); err != nil {
			return err
		}
	}

	commit := info.Commit
	for from <= commit {
		var ents []raftpb.Entry
		ents, commit, err = p.client.Entries(ctx, u, from, p.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(ents) == 0 {
			break
		}
		if err := p.node.AppendCommitted(ctx, ents); err != nil {
			return err
		}
		from = ents[len(ents)-1].Index + 1
		logger.Debugf("fetched entries up to %d from %s [commit=%d]", from-1, peer.Short(), commit)
	}
	return p.node.EndCatchUp(ctx)
}

// copyStore replaces the live store with a copy of peer's and resets the
// log after it. It returns the first index to fetch next.
func (p *Process) copyStore(ctx context.Context, peer types.MemberID) (uint64, error) {
	u := p.peers.PeerURLs(peer)[0]
	path := p.cfg.Backend.Path

	staged, info, err := p.client.FetchStore(ctx, u, filepath.Dir(path))
	if err != nil {
		return 0, err
	}
	defer func() {
		if _, err := os.Stat(staged); err == nil {
			removeStaged(staged)
		}
	}()

	// the log holds no entries between the local commit and the copy
	// once it is reset, so the copy must not be behind
	if commit := p.node.Status().Commit; info.AppliedIndex < commit {
		return 0, fmt.Errorf("catchup: store of %s at %d is behind local commit %d", peer.Short(), info.AppliedIndex, commit)
	}

	err = p.app.SwapStore(ctx, func(old backend.Backend) (backend.Backend, error) {
		if err := old.Close(); err != nil {
			return nil, err
		}
		if err := installStore(staged, path); err != nil {
			return nil, err
		}
		return backend.Open(p.cfg.Backend)
	})
	if err != nil {
		return 0, err
	}
	if err := p.node.CompleteStoreCopy(ctx, info.AppliedIndex, info.AppliedTerm, info.Members); err != nil {
		return 0, err
	}
	logger.Infof("installed store %s from %s at [index=%d | term=%d]", info.StoreID, peer.Short(), info.AppliedIndex, info.AppliedTerm)
	return info.AppliedIndex + 1, nil
}
