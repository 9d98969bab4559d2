// Package replication submits operations to the raft leader and waits
// until they have been applied locally.
package replication

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-sub208/pkg/backoff"
	"github.com/neo4j/neo4j-sub208/pkg/logutil"
	"github.com/neo4j/neo4j-sub208/pkg/types"
	"github.com/neo4j/neo4j-sub208/raft"
	"github.com/neo4j/neo4j-sub208/statemachine"
)

var logger = logutil.NewPackageLogger("replication")

var (
	// ErrNotLeader is matched by a NotLeaderError.
	ErrNotLeader = errors.New("replication: not leader")

	// ErrReplicationExhausted is returned when an operation was not
	// applied within the allowed attempts.
	ErrReplicationExhausted = errors.New("replication: attempts exhausted")

	// ErrCanceled is returned when the waiter of an operation was
	// removed before the operation was applied.
	ErrCanceled = errors.New("replication: waiter canceled")
)

// NotLeaderError carries the leader known when no member would take
// the operation. Leader may be zero.
type NotLeaderError struct {
	Leader types.MemberID
}

func (e *NotLeaderError) Error() string {
	if e.Leader.IsZero() {
		return "replication: not leader, no leader known"
	}
	return fmt.Sprintf("replication: not leader, retry at %s", e.Leader)
}

func (e *NotLeaderError) Is(target error) bool { return target == ErrNotLeader }

// LeaderHint returns the leader carried by err, if any.
func LeaderHint(err error) (types.MemberID, bool) {
	var nl *NotLeaderError
	if errors.As(err, &nl) {
		return nl.Leader, true
	}
	return types.NoMember, false
}

// Proposer appends data to the raft log through the leader.
type Proposer interface {
	Propose(ctx context.Context, data []byte) error
}

// ProgressTracker delivers the outcome of an operation once its entry
// has been applied.
type ProgressTracker interface {
	Register(id statemachine.OperationID) <-chan statemachine.Applied
	Cancel(id statemachine.OperationID)
}

// Config configures a Replicator.
type Config struct {
	// MaxAttempts bounds the proposals of one operation.
	MaxAttempts int

	// InitialBackoff is the first wait for an operation to be applied
	// before it is proposed again. Waits double up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Replicator assigns operations their session ids, proposes them, and
// re-proposes them until they are applied. A re-proposed operation that
// commits twice is applied once.
type Replicator struct {
	cfg      Config
	id       types.MemberID
	proposer Proposer
	progress ProgressTracker
	pool     *SessionPool
}

// New returns a Replicator for member id.
func New(cfg Config, id types.MemberID, proposer Proposer, progress ProgressTracker) *Replicator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	return &Replicator{
		cfg:      cfg,
		id:       id,
		proposer: proposer,
		progress: progress,
		pool:     NewSessionPool(),
	}
}

// Sessions returns the session pool.
func (r *Replicator) Sessions() *SessionPool { return r.pool }

// Replicate replicates one operation and returns its result once it is
// applied on this member. Canceling ctx only drops the wait; an
// operation already in the log still commits.
func (r *Replicator) Replicate(ctx context.Context, kind statemachine.Kind, payload []byte) (statemachine.Result, error) {
	oc := r.pool.Acquire()
	op := statemachine.Operation{Kind: kind, Origin: r.id, OperationID: oc.ID, Payload: payload}
	data := op.Marshal()

	ch := r.progress.Register(oc.ID)
	bo := backoff.New(r.cfg.InitialBackoff, r.cfg.MaxBackoff)

	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		err := r.proposer.Propose(ctx, data)
		switch {
		case err == nil:
			lastErr = nil
		case ctx.Err() != nil:
			r.progress.Cancel(oc.ID)
			return statemachine.Result{}, ctx.Err()
		default:
			leader, ok := raft.IsNotLeader(err)
			if !ok {
				r.progress.Cancel(oc.ID)
				return statemachine.Result{}, err
			}
			lastErr = &NotLeaderError{Leader: leader}
		}

		t := time.NewTimer(bo.Next())
		select {
		case out, ok := <-ch:
			t.Stop()
			if !ok {
				return statemachine.Result{}, ErrCanceled
			}
			if out.Err != nil {
				return statemachine.Result{}, out.Err
			}
			r.pool.Release(oc)
			return out.Result, nil

		case <-t.C:
			logger.Debugf("operation %s not applied after attempt %d (last error %v)", oc.ID, attempt, lastErr)

		case <-ctx.Done():
			t.Stop()
			r.progress.Cancel(oc.ID)
			return statemachine.Result{}, ctx.Err()
		}
	}

	r.progress.Cancel(oc.ID)
	if lastErr != nil {
		return statemachine.Result{}, fmt.Errorf("%w after %d attempts: %w", ErrReplicationExhausted, r.cfg.MaxAttempts, lastErr)
	}
	return statemachine.Result{}, fmt.Errorf("%w after %d attempts", ErrReplicationExhausted, r.cfg.MaxAttempts)
}
