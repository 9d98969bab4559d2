package raft

import (
	"context"
	"fmt"
	"sync"

	"github.com/neo4j/neo4j-sub208/pkg/types"
	"github.com/neo4j/neo4j-sub208/raft/raftpb"
)

// Sender hands outbound messages to the transport. It must not block.
type Sender interface {
	Send(msgs []raftpb.Message)
}

// Node is a raft member. All transitions run on one goroutine; the
// methods below hand it events.
type Node interface {
	// Status returns the latest status without waiting on the Node.
	Status() Status

	// Tick advances the logical clock by one tick. Election and
	// heartbeat timeouts are counted in ticks.
	Tick()

	// Step hands a message received from a peer to the Node.
	Step(ctx context.Context, msg raftpb.Message) error

	// Campaign makes a follower or candidate start an election now.
	Campaign(ctx context.Context) error

	// StepDown makes a leader revert to follower.
	StepDown(ctx context.Context) error

	// Propose appends data at the leader. A follower forwards it to
	// the leader it knows of; without one it returns a NotLeaderError.
	// Returning nil does not mean the entry will commit.
	Propose(ctx context.Context, data []byte) error

	// ProposeMembership replaces the voting membership. It must be
	// called on the leader, and at most one change may be pending.
	ProposeMembership(ctx context.Context, members types.MemberIDs) error

	// Prune asks the Node to prune its log up to upTo, bounded by the
	// commit index.
	Prune(ctx context.Context, upTo uint64) error

	// CommitC receives the latest commit index whenever it advances.
	// Intermediate values may be skipped.
	CommitC() <-chan uint64

	// CatchUpC receives a request when the leader can no longer feed
	// this member from its log.
	CatchUpC() <-chan CatchUpRequest

	// AppendCommitted appends entries known to be committed, fetched
	// from a peer during catch-up. Uncommitted local entries that
	// conflict are truncated.
	AppendCommitted(ctx context.Context, ents []raftpb.Entry) error

	// CompleteStoreCopy resets the log after a store copy that holds
	// every entry up to (index, term), and ends catch-up. A non-empty
	// members is the copying peer's membership, which replaces the local
	// one since the membership entries it came from are gone.
	CompleteStoreCopy(ctx context.Context, index, term uint64, members types.MemberIDs) error

	// EndCatchUp ends catch-up without changing the log, so a later
	// LOG_COMPACTION_INFO can start another one.
	EndCatchUp(ctx context.Context) error

	// Done is closed when the Node stops, including after a
	// durability failure; Err then returns the cause.
	Done() <-chan struct{}
	Err() error

	// Stop stops the Node. It is safe to call more than once.
	Stop()
}

type proposal struct {
	ents []raftpb.Entry
	errc chan error
}

type request struct {
	fn   func() error
	errc chan error
}

// tickChBufferSize buffers ticks while the Node is busy.
const tickChBufferSize = 128

type node struct {
	cfg     ClusterConfig
	log     Log
	storage StateStorage
	sender  Sender
	jitter  *jitter

	// owned by the run goroutine
	st                        State
	electionElapsed           int
	heartbeatElapsed          int
	randomizedElectionTimeout int
	// indexes of membership entries in the log not yet committed
	pendingMembership []uint64

	tickCh     chan struct{}
	recvCh     chan raftpb.Message
	proposalCh chan proposal
	requestCh  chan request

	commitCh  chan uint64
	catchUpCh chan CatchUpRequest

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	mu     sync.RWMutex
	status Status
	err    error
}

// StartNode loads term, vote and membership from storage and starts a
// Node over log. cfg.Members is the membership used when none has been
// persisted.
func StartNode(cfg ClusterConfig, log Log, storage StateStorage, sender Sender) (Node, error) {
	nd, err := newNode(cfg, log, storage, sender)
	if err != nil {
		return nil, err
	}
	go nd.run()
	return nd, nil
}

func newNode(cfg ClusterConfig, log Log, storage StateStorage, sender Sender) (*node, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	ts, vs, err := storage.LoadState()
	if err != nil {
		return nil, err
	}
	ms, err := storage.LoadMembership()
	if err != nil {
		return nil, err
	}
	members := ms.Members
	if len(members) == 0 {
		members = append(types.MemberIDs(nil), cfg.Members...)
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("raft: %s has no membership", cfg.ID)
	}

	nd := &node{
		cfg:     cfg,
		log:     log,
		storage: storage,
		sender:  sender,
		jitter:  newJitter(cfg.RandSeed),

		tickCh:     make(chan struct{}, tickChBufferSize),
		recvCh:     make(chan raftpb.Message),
		proposalCh: make(chan proposal),
		requestCh:  make(chan request),

		commitCh:  make(chan uint64, 1),
		catchUpCh: make(chan CatchUpRequest, 1),

		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	nd.st = State{
		ID:       cfg.ID,
		Members:  members,
		Term:     ts.Term,
		VotedFor: vs.VotedFor,
		Role:     &FollowerState{},
		Log:      log,
		cfg:      &nd.cfg,
	}
	if vs.Term != ts.Term {
		nd.st.VotedFor = types.NoMember
	}

	lo := maxUint64(ms.Index, log.PrevIndex()) + 1
	if err := nd.scanMembership(lo, log.LastIndex()+1); err != nil {
		return nil, err
	}
	nd.resetElectionTimer()
	nd.publishStatus()

	nd.cfg.Logger.Infof("%s started [members=%v | prev index=%d | last index=%d | last term=%d]",
		nd.st.describe(), members, log.PrevIndex(), log.LastIndex(), log.LastTerm())
	return nd, nil
}

func (nd *node) run() {
	defer close(nd.doneCh)

	for {
		select {
		case <-nd.tickCh:
			nd.tick()

		case msg := <-nd.recvCh:
			nd.step(msg)

		case p := <-nd.proposalCh:
			p.errc <- nd.propose(p.ents)

		case r := <-nd.requestCh:
			r.errc <- r.fn()

		case <-nd.stopCh:
			nd.cfg.Logger.Infof("%s stopped", nd.st.describe())
			return
		}

		if nd.halted() {
			return
		}
	}
}

func (nd *node) tick() {
	nd.electionElapsed++

	if nd.st.Role.Kind() == RoleLeader {
		nd.heartbeatElapsed++
		if nd.heartbeatElapsed >= nd.cfg.HeartbeatTickNum {
			nd.heartbeatElapsed = 0
			nd.step(raftpb.Message{Type: raftpb.MESSAGE_TYPE_INTERNAL_HEARTBEAT_TIMEOUT})
		}
		if nd.electionElapsed >= nd.cfg.ElectionTickNum {
			nd.electionElapsed = 0
			nd.step(raftpb.Message{Type: raftpb.MESSAGE_TYPE_INTERNAL_ELECTION_TIMEOUT})
		}
		return
	}

	if nd.electionElapsed >= nd.randomizedElectionTimeout {
		nd.electionElapsed = 0
		nd.step(raftpb.Message{Type: raftpb.MESSAGE_TYPE_INTERNAL_ELECTION_TIMEOUT})
	}
}

func (nd *node) resetElectionTimer() {
	nd.electionElapsed = 0
	nd.heartbeatElapsed = 0
	nd.randomizedElectionTimeout = nd.cfg.ElectionTickNum + nd.jitter.ticks(nd.cfg.ElectionTickNum)
}

func (nd *node) step(msg raftpb.Message) {
	if nd.halted() {
		return
	}
	next, o := handle(nd.st, msg)
	nd.apply(next, o)
}

// apply makes an Outcome durable and visible: term and vote first,
// then the log, then the commit index, and only then messages.
func (nd *node) apply(next State, o Outcome) {
	prev := nd.st
	lg := nd.cfg.Logger

	if next.Term < prev.Term {
		lg.Panicf("%s term decreased from %d to %d", prev.describe(), prev.Term, next.Term)
	}
	if next.Commit < prev.Commit {
		lg.Panicf("%s commit index decreased from %d to %d", prev.describe(), prev.Commit, next.Commit)
	}
	if o.TruncateFrom != 0 {
		if o.TruncateFrom <= prev.Commit {
			lg.Panicf("%s truncating committed entries from %d [commit=%d]", prev.describe(), o.TruncateFrom, prev.Commit)
		}
		if prev.Role.Kind() == RoleLeader || next.Role.Kind() == RoleLeader {
			lg.Panicf("%s leader truncating its own log from %d", prev.describe(), o.TruncateFrom)
		}
	}
	if next.Role.Kind() == RoleLeader && next.Commit > prev.Commit && next.Term == prev.Term {
		if t := next.termAt(next.Commit); t != next.Term {
			lg.Panicf("%s committing index %d of stale term %d", next.describe(), next.Commit, t)
		}
	}

	if next.Term != prev.Term {
		if err := nd.storage.SaveTerm(raftpb.TermState{Term: next.Term}); err != nil {
			nd.halt(fmt.Errorf("saving term %d: %w", next.Term, err))
			return
		}
	}
	if next.Term != prev.Term || next.VotedFor != prev.VotedFor {
		if err := nd.storage.SaveVote(raftpb.VoteState{Term: next.Term, VotedFor: next.VotedFor}); err != nil {
			nd.halt(fmt.Errorf("saving vote for %s in term %d: %w", next.VotedFor, next.Term, err))
			return
		}
	}

	if o.TruncateFrom != 0 {
		if err := nd.log.Truncate(o.TruncateFrom); err != nil {
			nd.halt(fmt.Errorf("truncating log from %d: %w", o.TruncateFrom, err))
			return
		}
		nd.dropPendingMembership(o.TruncateFrom)
	}
	if len(o.Append) > 0 {
		if err := nd.log.Append(o.Append...); err != nil {
			nd.halt(fmt.Errorf("appending %d entries at %d: %w", len(o.Append), o.Append[0].Index, err))
			return
		}
		for _, e := range o.Append {
			if e.Type == raftpb.ENTRY_TYPE_MEMBERSHIP {
				nd.pendingMembership = append(nd.pendingMembership, e.Index)
			}
		}
	}
	if o.PruneTo != 0 {
		pi, err := nd.log.Prune(o.PruneTo)
		if err != nil {
			nd.halt(fmt.Errorf("pruning log to %d: %w", o.PruneTo, err))
			return
		}
		lg.Debugf("%s pruned log [requested=%d | prev index=%d]", next.describe(), o.PruneTo, pi)
	}

	next.Log = nd.log
	nd.st = next
	if o.ResetElectionTimer || prev.Role.Kind() != next.Role.Kind() {
		nd.resetElectionTimer()
	}
	if prev.Leader != next.Leader {
		lg.Infof("%s leader changed from %s", next.describe(), prev.Leader.Short())
	}

	if next.Commit > prev.Commit && !nd.installMembership(next.Commit) {
		return
	}
	nd.publishStatus()
	if next.Commit > prev.Commit {
		nd.publishCommit(next.Commit)
	}

	if len(o.Messages) > 0 {
		nd.sender.Send(o.Messages)
	}
	if o.CatchUp != nil {
		select {
		case nd.catchUpCh <- *o.CatchUp:
		default:
			lg.Warningf("%s catch-up request dropped, one is already queued", next.describe())
		}
	}
}

// installMembership installs membership entries committed up to commit.
func (nd *node) installMembership(commit uint64) bool {
	for len(nd.pendingMembership) > 0 && nd.pendingMembership[0] <= commit {
		idx := nd.pendingMembership[0]
		nd.pendingMembership = nd.pendingMembership[1:]

		ents, err := nd.log.Entries(idx, idx+1, 0)
		if err != nil || len(ents) != 1 {
			nd.halt(fmt.Errorf("reading membership entry %d: %v", idx, err))
			return false
		}
		members, err := raftpb.DecodeMembers(ents[0].Data)
		if err != nil {
			nd.cfg.Logger.Panicf("%s invalid membership entry %d (%v)", nd.st.describe(), idx, err)
		}
		if err := nd.storage.SaveMembership(raftpb.MembershipState{Index: idx, Members: members}); err != nil {
			nd.halt(fmt.Errorf("saving membership at %d: %w", idx, err))
			return false
		}
		setMembers(&nd.st, members)
		nd.cfg.Logger.Infof("%s membership changed at %d to %v", nd.st.describe(), idx, members)
	}
	return true
}

// publishCommit replaces any unread commit index with commit.
func (nd *node) publishCommit(commit uint64) {
	select {
	case nd.commitCh <- commit:
	default:
		select {
		case <-nd.commitCh:
		default:
		}
		nd.commitCh <- commit
	}
}

func (nd *node) scanMembership(lo, hi uint64) error {
	const batch = 1024
	for lo < hi {
		ents, err := nd.log.Entries(lo, minUint64(hi, lo+batch), 0)
		if err != nil {
			return err
		}
		if len(ents) == 0 {
			return nil
		}
		for _, e := range ents {
			if e.Type == raftpb.ENTRY_TYPE_MEMBERSHIP {
				nd.pendingMembership = append(nd.pendingMembership, e.Index)
			}
		}
		lo = ents[len(ents)-1].Index + 1
	}
	return nil
}

func (nd *node) dropPendingMembership(from uint64) {
	for i, idx := range nd.pendingMembership {
		if idx >= from {
			nd.pendingMembership = nd.pendingMembership[:i]
			return
		}
	}
}

func (nd *node) propose(ents []raftpb.Entry) error {
	if err := nd.Err(); err != nil {
		return err
	}

	ls, ok := nd.st.Role.(*LeaderState)
	if !ok {
		if nd.st.Leader.IsZero() {
			return &NotLeaderError{}
		}
		nd.sender.Send([]raftpb.Message{{
			Type:    raftpb.MESSAGE_TYPE_PROPOSAL,
			From:    nd.st.ID,
			To:      nd.st.Leader,
			Entries: ents,
		}})
		return nil
	}

	for _, e := range ents {
		if e.Type == raftpb.ENTRY_TYPE_MEMBERSHIP && ls.PendingMembership > nd.st.Commit {
			return ErrMembershipPending
		}
	}
	nd.step(raftpb.Message{Type: raftpb.MESSAGE_TYPE_PROPOSAL, From: nd.st.ID, Entries: ents})
	return nd.Err()
}

func (nd *node) halt(err error) {
	nd.cfg.Logger.Errorf("%s halted on durability failure (%v)", nd.st.describe(), err)
	nd.mu.Lock()
	nd.err = fmt.Errorf("%w: %v", ErrStopped, err)
	nd.status.Err = nd.err
	nd.mu.Unlock()
}

func (nd *node) halted() bool {
	nd.mu.RLock()
	defer nd.mu.RUnlock()
	return nd.err != nil
}

func (nd *node) Err() error {
	nd.mu.RLock()
	defer nd.mu.RUnlock()
	return nd.err
}

func (nd *node) Done() <-chan struct{} { return nd.doneCh }

func (nd *node) Tick() {
	select {
	case nd.tickCh <- struct{}{}:
	case <-nd.doneCh:
	default:
		nd.cfg.Logger.Warningf("%s missed a tick, node was blocked too long", nd.cfg.ID.Short())
	}
}

func (nd *node) Step(ctx context.Context, msg raftpb.Message) error {
	if raftpb.IsInternalMessage(msg.Type) {
		nd.cfg.Logger.Warningf("ignored %q received from network", msg.Type)
		return nil
	}
	return nd.send(ctx, nd.recvCh, msg)
}

func (nd *node) send(ctx context.Context, ch chan raftpb.Message, msg raftpb.Message) error {
	select {
	case ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-nd.doneCh:
		return nd.stoppedErr()
	}
}

func (nd *node) stoppedErr() error {
	if err := nd.Err(); err != nil {
		return err
	}
	return ErrStopped
}

func (nd *node) Campaign(ctx context.Context) error {
	return nd.do(ctx, func() error {
		if nd.st.Role.Kind() != RoleLeader {
			nd.step(raftpb.Message{Type: raftpb.MESSAGE_TYPE_INTERNAL_ELECTION_TIMEOUT})
		}
		return nd.Err()
	})
}

func (nd *node) StepDown(ctx context.Context) error {
	return nd.do(ctx, func() error {
		if nd.halted() || nd.st.Role.Kind() != RoleLeader {
			return nd.Err()
		}
		next := nd.st
		next.Role = &FollowerState{}
		next.Leader = types.NoMember
		nd.cfg.Logger.Infof("%s stepping down on request", nd.st.describe())
		nd.apply(next, Outcome{ResetElectionTimer: true})
		return nd.Err()
	})
}

func (nd *node) Propose(ctx context.Context, data []byte) error {
	return nd.proposeEntries(ctx, []raftpb.Entry{{Type: raftpb.ENTRY_TYPE_NORMAL, Data: data}})
}

func (nd *node) ProposeMembership(ctx context.Context, members types.MemberIDs) error {
	if len(members) == 0 {
		return fmt.Errorf("raft: empty membership")
	}
	return nd.do(ctx, func() error {
		if _, ok := nd.st.Role.(*LeaderState); !ok {
			return &NotLeaderError{Leader: nd.st.Leader}
		}
		return nd.propose([]raftpb.Entry{{Type: raftpb.ENTRY_TYPE_MEMBERSHIP, Data: raftpb.EncodeMembers(members)}})
	})
}

func (nd *node) proposeEntries(ctx context.Context, ents []raftpb.Entry) error {
	p := proposal{ents: ents, errc: make(chan error, 1)}
	select {
	case nd.proposalCh <- p:
	case <-ctx.Done():
		return ctx.Err()
	case <-nd.doneCh:
		return nd.stoppedErr()
	}
	select {
	case err := <-p.errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-nd.doneCh:
		return nd.stoppedErr()
	}
}

// do runs fn on the Node goroutine.
func (nd *node) do(ctx context.Context, fn func() error) error {
	r := request{fn: fn, errc: make(chan error, 1)}
	select {
	case nd.requestCh <- r:
	case <-ctx.Done():
		return ctx.Err()
	case <-nd.doneCh:
		return nd.stoppedErr()
	}
	select {
	case err := <-r.errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-nd.doneCh:
		return nd.stoppedErr()
	}
}

func (nd *node) Prune(ctx context.Context, upTo uint64) error {
	return nd.do(ctx, func() error {
		nd.step(raftpb.Message{Type: raftpb.MESSAGE_TYPE_INTERNAL_PRUNE, LogIndex: upTo})
		return nd.Err()
	})
}

func (nd *node) CommitC() <-chan uint64 { return nd.commitCh }

func (nd *node) CatchUpC() <-chan CatchUpRequest { return nd.catchUpCh }

func (nd *node) AppendCommitted(ctx context.Context, ents []raftpb.Entry) error {
	if len(ents) == 0 {
		return nil
	}
	return nd.do(ctx, func() error { return nd.appendCommitted(ents) })
}

func (nd *node) appendCommitted(ents []raftpb.Entry) error {
	if err := nd.Err(); err != nil {
		return err
	}
	if nd.st.Role.Kind() == RoleLeader {
		return fmt.Errorf("raft: %s is leader, not appending fetched entries", nd.st.ID)
	}
	next := nd.st
	view := newOverlay(nd.log)
	next.Log = view

	if first := ents[0].Index; first > view.LastIndex()+1 {
		return fmt.Errorf("raft: committed entries start at %d, past last index %d", first, view.LastIndex())
	}
	for i, e := range ents {
		if e.Index <= view.PrevIndex() {
			continue
		}
		if e.Index <= view.LastIndex() {
			if next.termAt(e.Index) == e.Term {
				continue
			}
			view.truncate(e.Index)
		}
		view.append(ents[i:]...)
		break
	}
	if last := ents[len(ents)-1].Index; last > next.Commit {
		next.Commit = last
	}
	nd.apply(next, Outcome{TruncateFrom: view.truncateFrom, Append: view.ents})
	return nd.Err()
}

func (nd *node) CompleteStoreCopy(ctx context.Context, index, term uint64, members types.MemberIDs) error {
	return nd.do(ctx, func() error { return nd.completeStoreCopy(index, term, members) })
}

func (nd *node) completeStoreCopy(index, term uint64, members types.MemberIDs) error {
	if err := nd.Err(); err != nil {
		return err
	}
	if nd.st.Role.Kind() == RoleLeader {
		return fmt.Errorf("raft: %s is leader, not resetting its log", nd.st.ID)
	}
	if err := nd.log.Skip(index, term); err != nil {
		nd.halt(fmt.Errorf("resetting log to (%d, %d): %w", index, term, err))
		return nd.Err()
	}
	nd.pendingMembership = nil
	if err := nd.scanMembership(nd.log.PrevIndex()+1, nd.log.LastIndex()+1); err != nil {
		nd.halt(err)
		return nd.Err()
	}

	next := nd.st
	next.Role = &FollowerState{}
	if index > next.Commit {
		next.Commit = index
	}
	if len(members) > 0 {
		members = append(types.MemberIDs(nil), members...)
		if err := nd.storage.SaveMembership(raftpb.MembershipState{Index: index, Members: members}); err != nil {
			nd.halt(fmt.Errorf("saving membership at %d: %w", index, err))
			return nd.Err()
		}
		setMembers(&next, members)
	}
	nd.cfg.Logger.Infof("%s store copy complete, log reset to (%d, %d) [members=%v]", next.describe(), index, term, next.Members)
	nd.apply(next, Outcome{ResetElectionTimer: true})
	return nd.Err()
}

func (nd *node) EndCatchUp(ctx context.Context) error {
	return nd.do(ctx, func() error {
		nd.endCatchUp()
		return nd.Err()
	})
}

func (nd *node) endCatchUp() {
	if f, ok := nd.st.Role.(*FollowerState); ok && f.CatchingUp {
		nd.st.Role = &FollowerState{}
		nd.publishStatus()
	}
}

func (nd *node) Stop() {
	nd.stopOnce.Do(func() { close(nd.stopCh) })
	<-nd.doneCh
}
