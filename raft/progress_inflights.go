package raft

// inflights holds, in send order, the last index of each append sent to
// a follower and not yet acknowledged. At most limit are outstanding.
type inflights struct {
	limit int
	ends  []uint64
}

func newInflights(limit int) *inflights {
	return &inflights{limit: limit}
}

func (ins *inflights) count() int { return len(ins.ends) }

func (ins *inflights) full() bool { return len(ins.ends) >= ins.limit }

func (ins *inflights) add(last uint64) {
	if ins.full() {
		defaultLogger.Panicf("cannot add inflight %d, %d already outstanding", last, ins.limit)
	}
	ins.ends = append(ins.ends, last)
}

// freeTo acknowledges every append ending at or before index.
func (ins *inflights) freeTo(index uint64) {
	n := 0
	for n < len(ins.ends) && ins.ends[n] <= index {
		n++
	}
	if n == 0 {
		return
	}
	// shift down rather than reslice so the backing array is reused
	ins.ends = ins.ends[:copy(ins.ends, ins.ends[n:])]
}

// freeFirstOne acknowledges the oldest append, letting one more through
// to a follower that answered a heartbeat.
func (ins *inflights) freeFirstOne() {
	if len(ins.ends) > 0 {
		ins.freeTo(ins.ends[0])
	}
}

func (ins *inflights) freeAll() { ins.ends = ins.ends[:0] }

func (ins *inflights) clone() *inflights {
	return &inflights{limit: ins.limit, ends: append([]uint64(nil), ins.ends...)}
}
