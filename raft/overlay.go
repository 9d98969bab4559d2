package raft

import (
	"fmt"

	"github.com/neo4j/neo4j-sub208/raft/raftpb"
)

// overlay shows a handler the log as it will be once the Outcome's
// truncate and append have been applied.
type overlay struct {
	base         ReadableLog
	truncateFrom uint64
	ents         []raftpb.Entry
}

// newOverlay starts with nothing pending. An overlay over another
// overlay reports only its own changes.
func newOverlay(base ReadableLog) *overlay {
	return &overlay{base: base}
}

func (v *overlay) baseLast() uint64 {
	last := v.base.LastIndex()
	if v.truncateFrom != 0 && v.truncateFrom-1 < last {
		last = v.truncateFrom - 1
	}
	return last
}

func (v *overlay) PrevIndex() uint64 { return v.base.PrevIndex() }

func (v *overlay) LastIndex() uint64 {
	if n := len(v.ents); n > 0 {
		return v.ents[n-1].Index
	}
	return v.baseLast()
}

func (v *overlay) LastTerm() uint64 {
	if n := len(v.ents); n > 0 {
		return v.ents[n-1].Term
	}
	if v.truncateFrom == 0 {
		return v.base.LastTerm()
	}
	t, _ := v.base.Term(v.baseLast())
	return t
}

func (v *overlay) Term(index uint64) (uint64, error) {
	bl := v.baseLast()
	switch {
	case index > v.LastIndex():
		return 0, fmt.Errorf("%w: %d > last index %d", ErrUnavailable, index, v.LastIndex())
	case index > bl:
		return v.ents[index-bl-1].Term, nil
	}
	return v.base.Term(index)
}

func (v *overlay) Entries(lo, hi, maxSize uint64) ([]raftpb.Entry, error) {
	if hi > v.LastIndex()+1 {
		return nil, fmt.Errorf("%w: %d > last index %d", ErrUnavailable, hi-1, v.LastIndex())
	}
	bl := v.baseLast()

	var ents []raftpb.Entry
	if lo <= bl {
		bhi := minUint64(hi, bl+1)
		bents, err := v.base.Entries(lo, bhi, maxSize)
		if err != nil {
			return nil, err
		}
		if uint64(len(bents)) < bhi-lo {
			return bents, nil
		}
		ents = bents
		lo = bhi
	}
	var size uint64
	for i := range ents {
		size += uint64(ents[i].Size())
	}
	for i := lo; i < hi; i++ {
		e := v.ents[i-bl-1]
		size += uint64(e.Size())
		if maxSize > 0 && len(ents) > 0 && size > maxSize {
			break
		}
		ents = append(ents, e)
	}
	return ents, nil
}

// truncate drops pending and base entries >= from.
func (v *overlay) truncate(from uint64) {
	bl := v.baseLast()
	if from > bl {
		v.ents = v.ents[:from-bl-1]
		return
	}
	v.ents = nil
	v.truncateFrom = from
}

func (v *overlay) append(ents ...raftpb.Entry) {
	v.ents = append(v.ents, ents...)
}
