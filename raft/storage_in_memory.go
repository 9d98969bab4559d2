package raft

import (
	"fmt"
	"sync"

	"github.com/neo4j/neo4j-sub208/raft/raftpb"
)

// MemoryLog implements Log in memory.
type MemoryLog struct {
	mu sync.Mutex

	// ents[0] is a dummy entry at (prevIndex, prevTerm)
	ents []raftpb.Entry
}

// NewMemoryLog returns an empty MemoryLog.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{ents: make([]raftpb.Entry, 1)}
}

func (ml *MemoryLog) PrevIndex() uint64 {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	return ml.ents[0].Index
}

func (ml *MemoryLog) lastIndex() uint64 { return ml.ents[len(ml.ents)-1].Index }

func (ml *MemoryLog) LastIndex() uint64 {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	return ml.lastIndex()
}

func (ml *MemoryLog) LastTerm() uint64 {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	return ml.ents[len(ml.ents)-1].Term
}

func (ml *MemoryLog) Term(index uint64) (uint64, error) {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	off := ml.ents[0].Index
	switch {
	case index < off:
		return 0, ErrCompacted
	case index > ml.lastIndex():
		return 0, fmt.Errorf("%w: %d > last index %d", ErrUnavailable, index, ml.lastIndex())
	}
	return ml.ents[index-off].Term, nil
}

func (ml *MemoryLog) Entries(lo, hi, maxSize uint64) ([]raftpb.Entry, error) {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	off := ml.ents[0].Index
	switch {
	case lo <= off:
		return nil, ErrCompacted
	case hi > ml.lastIndex()+1:
		return nil, fmt.Errorf("%w: %d > last index %d", ErrUnavailable, hi-1, ml.lastIndex())
	}

	var (
		ents []raftpb.Entry
		size uint64
	)
	for _, e := range ml.ents[lo-off : hi-off] {
		size += uint64(e.Size())
		if maxSize > 0 && len(ents) > 0 && size > maxSize {
			break
		}
		ents = append(ents, e)
	}
	return ents, nil
}

func (ml *MemoryLog) Append(ents ...raftpb.Entry) error {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	for _, e := range ents {
		if last := ml.ents[len(ml.ents)-1]; e.Index != last.Index+1 || e.Term < last.Term {
			return fmt.Errorf("raft: entry (%d, %d) does not follow (%d, %d)", e.Index, e.Term, last.Index, last.Term)
		}
		ml.ents = append(ml.ents, e)
	}
	return nil
}

func (ml *MemoryLog) Truncate(from uint64) error {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	off := ml.ents[0].Index
	if from <= off {
		return ErrCompacted
	}
	if from > ml.lastIndex() {
		return nil
	}
	ml.ents = ml.ents[:from-off]
	return nil
}

func (ml *MemoryLog) Prune(upTo uint64) (uint64, error) {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	off := ml.ents[0].Index
	if upTo <= off {
		return off, nil
	}
	if upTo > ml.lastIndex() {
		upTo = ml.lastIndex()
	}
	ml.ents = append([]raftpb.Entry(nil), ml.ents[upTo-off:]...)
	ml.ents[0].Data = nil
	return upTo, nil
}

func (ml *MemoryLog) Skip(index, term uint64) error {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	off := ml.ents[0].Index
	if index >= off && index <= ml.lastIndex() && ml.ents[index-off].Term == term {
		return nil
	}
	ml.ents = []raftpb.Entry{{Index: index, Term: term}}
	return nil
}

// MemoryStateStorage implements StateStorage in memory.
type MemoryStateStorage struct {
	mu         sync.Mutex
	term       raftpb.TermState
	vote       raftpb.VoteState
	membership raftpb.MembershipState
	fail       error
}

// SetFail makes every later save return err; nil clears it.
func (ms *MemoryStateStorage) SetFail(err error) {
	ms.mu.Lock()
	ms.fail = err
	ms.mu.Unlock()
}

func (ms *MemoryStateStorage) LoadState() (raftpb.TermState, raftpb.VoteState, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.term, ms.vote, nil
}

func (ms *MemoryStateStorage) SaveTerm(ts raftpb.TermState) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.fail != nil {
		return ms.fail
	}
	ms.term = ts
	return nil
}

func (ms *MemoryStateStorage) SaveVote(vs raftpb.VoteState) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.fail != nil {
		return ms.fail
	}
	ms.vote = vs
	return nil
}

func (ms *MemoryStateStorage) LoadMembership() (raftpb.MembershipState, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.membership, nil
}

func (ms *MemoryStateStorage) SaveMembership(s raftpb.MembershipState) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.fail != nil {
		return ms.fail
	}
	ms.membership = s
	return nil
}
