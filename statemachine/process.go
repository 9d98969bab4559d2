package statemachine

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/neo4j/neo4j-sub208/backend"
	"github.com/neo4j/neo4j-sub208/pkg/logutil"
	"github.com/neo4j/neo4j-sub208/pkg/wait"
	"github.com/neo4j/neo4j-sub208/raft"
	"github.com/neo4j/neo4j-sub208/raft/raftpb"
)

var logger = logutil.NewPackageLogger("statemachine")

var (
	// ErrApplyFailed wraps the cause of a committed entry that could not
	// be applied. The process stops on it.
	ErrApplyFailed = errors.New("statemachine: apply failed")

	// ErrStopped is returned once the process has stopped.
	ErrStopped = errors.New("statemachine: stopped")
)

// ApplyStateStore persists the last flushed applied index.
type ApplyStateStore interface {
	LoadApplyState() (raftpb.ApplyState, error)
	SaveApplyState(raftpb.ApplyState) error
}

// Config configures an ApplicationProcess.
type Config struct {
	// FlushWindow is the number of entries applied between ApplyState
	// checkpoints.
	FlushWindow uint64

	// MaxBatch is the number of entries read from the log and applied
	// under one lock of the batch tx.
	MaxBatch uint64
}

type request struct {
	fn   func() error
	errc chan error
}

// ApplicationProcess applies committed entries in index order on one
// goroutine. The state machines and their applied index are written in
// the same backend transaction, so entries replayed after a crash are
// skipped by index.
type ApplicationProcess struct {
	cfg   Config
	log   raft.ReadableLog
	sm    *CoreStateMachines
	state ApplyStateStore

	waiters *wait.List[OperationID, Applied]

	commitCh chan uint64
	reqCh    chan request

	// owned by the run goroutine
	commit uint64

	applied     atomic.Uint64
	lastFlushed atomic.Uint64

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}

	mu  sync.RWMutex
	err error
}

// NewApplicationProcess returns a process that reads committed entries
// from log.
func NewApplicationProcess(cfg Config, log raft.ReadableLog, sm *CoreStateMachines, state ApplyStateStore) *ApplicationProcess {
	if cfg.FlushWindow == 0 {
		cfg.FlushWindow = 1
	}
	if cfg.MaxBatch == 0 {
		cfg.MaxBatch = 1
	}
	return &ApplicationProcess{
		cfg:     cfg,
		log:     log,
		sm:      sm,
		state:   state,
		waiters: wait.New[OperationID, Applied](),

		commitCh: make(chan uint64, 1),
		reqCh:    make(chan request),

		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start loads the applied index and starts applying. Entries after the
// last checkpoint are replayed; those already in the store are skipped.
func (p *ApplicationProcess) Start() error {
	var err error
	p.startOnce.Do(func() {
		var as raftpb.ApplyState
		if as, err = p.state.LoadApplyState(); err != nil {
			return
		}
		applied, _ := p.sm.AppliedIndex()
		if as.LastApplied > applied {
			logger.Warningf("store applied index %d is behind checkpoint %d", applied, as.LastApplied)
		}
		p.applied.Store(applied)
		p.lastFlushed.Store(as.LastApplied)
		p.commit = applied

		logger.Infof("starting at applied index %d [last flushed=%d]", applied, as.LastApplied)
		go p.run()
	})
	return err
}

// Stop checkpoints what has been applied and stops the process. It is
// safe to call more than once.
func (p *ApplicationProcess) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	<-p.doneCh
}

// NotifyCommit hands the latest commit index to the process. It never
// blocks; an unread older value is replaced.
func (p *ApplicationProcess) NotifyCommit(index uint64) {
	select {
	case p.commitCh <- index:
	default:
		select {
		case old := <-p.commitCh:
			if old > index {
				index = old
			}
		default:
		}
		select {
		case p.commitCh <- index:
		default:
		}
	}
}

// Register returns a channel that receives the outcome of the operation
// id once its entry is applied here.
func (p *ApplicationProcess) Register(id OperationID) <-chan Applied {
	return p.waiters.Register(id)
}

// Cancel removes interest in id. The operation itself is unaffected.
func (p *ApplicationProcess) Cancel(id OperationID) {
	p.waiters.Cancel(id)
}

// Applied returns the last applied index.
func (p *ApplicationProcess) Applied() uint64 { return p.applied.Load() }

// LastFlushed returns the last checkpointed applied index. Log entries
// up to it are no longer needed for replay.
func (p *ApplicationProcess) LastFlushed() uint64 { return p.lastFlushed.Load() }

// StateMachines returns the state machines the process applies to.
func (p *ApplicationProcess) StateMachines() *CoreStateMachines { return p.sm }

// Store returns the live backend.
func (p *ApplicationProcess) Store() backend.Backend { return p.sm.Backend() }

func (p *ApplicationProcess) Done() <-chan struct{} { return p.doneCh }

func (p *ApplicationProcess) Err() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.err
}

func (p *ApplicationProcess) run() {
	defer close(p.doneCh)

	for {
		select {
		case c := <-p.commitCh:
			if c > p.commit {
				p.commit = c
			}

		case r := <-p.reqCh:
			r.errc <- r.fn()
			if p.Err() != nil {
				return
			}

		case <-p.stopCh:
			if err := p.flush(); err != nil {
				p.fail(err)
			}
			logger.Infof("stopped at applied index %d", p.applied.Load())
			return
		}

		if err := p.applyToCommit(); err != nil {
			p.fail(err)
			return
		}
	}
}

func (p *ApplicationProcess) applyToCommit() error {
	for p.applied.Load() < p.commit {
		lo := p.applied.Load() + 1
		hi := p.commit + 1
		if hi-lo > p.cfg.MaxBatch {
			hi = lo + p.cfg.MaxBatch
		}
		ents, err := p.log.Entries(lo, hi, 0)
		if err != nil {
			return fmt.Errorf("%w: reading entries [%d, %d): %v", ErrApplyFailed, lo, hi, err)
		}
		if len(ents) == 0 {
			return fmt.Errorf("%w: no entries in [%d, %d)", ErrApplyFailed, lo, hi)
		}
		if err := p.applyBatch(ents); err != nil {
			return err
		}

		if p.applied.Load()-p.lastFlushed.Load() >= p.cfg.FlushWindow {
			if err := p.flush(); err != nil {
				return err
			}
		}
	}
	return nil
}

type delivery struct {
	id  OperationID
	out Applied
}

func (p *ApplicationProcess) applyBatch(ents []raftpb.Entry) error {
	tx := p.sm.Backend().BatchTx()
	deliveries := make([]delivery, 0, len(ents))

	tx.Lock()
	for _, e := range ents {
		op, out, err := p.sm.unsafeApply(tx, e)
		if err != nil {
			tx.Unlock()
			logApplyFailure(e, op, err)
			return fmt.Errorf("%w: entry %d of term %d: %v", ErrApplyFailed, e.Index, e.Term, err)
		}
		if op != nil {
			deliveries = append(deliveries, delivery{id: op.OperationID, out: out})
		}
	}
	p.applied.Store(ents[len(ents)-1].Index)
	tx.Unlock()

	for _, d := range deliveries {
		p.waiters.Trigger(d.id, d.out)
	}
	return nil
}

func logApplyFailure(e raftpb.Entry, op *Operation, err error) {
	if op == nil {
		logger.Errorf("cannot apply entry [index=%d | term=%d | type=%s | data=%s] (%v)",
			e.Index, e.Term, e.Type, hex.EncodeToString(e.Data), err)
		return
	}
	logger.Errorf("cannot apply entry [index=%d | term=%d | kind=%s | id=%s | origin=%s | payload=%s] (%v)",
		e.Index, e.Term, op.Kind, op.OperationID, op.Origin.Short(), hex.EncodeToString(op.Payload), err)
}

// flush commits the backend and then checkpoints the applied index.
func (p *ApplicationProcess) flush() error {
	applied := p.applied.Load()
	if applied == p.lastFlushed.Load() {
		return nil
	}
	p.sm.Backend().ForceCommit()
	if err := p.state.SaveApplyState(raftpb.ApplyState{LastApplied: applied}); err != nil {
		return fmt.Errorf("%w: saving apply state %d: %v", ErrApplyFailed, applied, err)
	}
	p.lastFlushed.Store(applied)
	logger.Debugf("flushed applied index %d", applied)
	return nil
}

func (p *ApplicationProcess) fail(err error) {
	logger.Errorf("halted (%v)", err)
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	p.waiters.TriggerAll(Applied{Err: err})
}

// do runs fn on the process goroutine.
func (p *ApplicationProcess) do(ctx context.Context, fn func() error) error {
	r := request{fn: fn, errc: make(chan error, 1)}
	select {
	case p.reqCh <- r:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.doneCh:
		return p.stoppedErr()
	}
	select {
	case err := <-r.errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-p.doneCh:
		return p.stoppedErr()
	}
}

func (p *ApplicationProcess) stoppedErr() error {
	if err := p.Err(); err != nil {
		return err
	}
	return ErrStopped
}

// Flush checkpoints the applied index now.
func (p *ApplicationProcess) Flush(ctx context.Context) error {
	return p.do(ctx, func() error {
		err := p.flush()
		if err != nil {
			p.fail(err)
		}
		return err
	})
}

// SwapStore replaces the backend between two batches. swap receives the
// current backend, which it may close, and returns the new one. The
// applied index of the new store is checkpointed before SwapStore
// returns.
func (p *ApplicationProcess) SwapStore(ctx context.Context, swap func(old backend.Backend) (backend.Backend, error)) error {
	return p.do(ctx, func() error {
		if err := p.flush(); err != nil {
			return err
		}
		be, err := swap(p.sm.Backend())
		if err != nil {
			// the old store may already be closed
			err = fmt.Errorf("%w: swapping store: %v", ErrApplyFailed, err)
			p.fail(err)
			return err
		}
		p.sm.reset(be)

		applied, _ := p.sm.AppliedIndex()
		if err := p.state.SaveApplyState(raftpb.ApplyState{LastApplied: applied}); err != nil {
			err = fmt.Errorf("%w: saving apply state %d: %v", ErrApplyFailed, applied, err)
			p.fail(err)
			return err
		}
		p.applied.Store(applied)
		p.lastFlushed.Store(applied)
		if p.commit < applied {
			p.commit = applied
		}
		logger.Infof("store swapped, applied index is now %d", applied)
		return nil
	})
}
