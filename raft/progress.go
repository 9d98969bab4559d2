package raft

import "fmt"

// ProgressState is the replication state of one follower, as seen by
// the leader.
type ProgressState uint8

const (
	// ProgressStateProbe sends one append at a time until the match
	// index is found.
	ProgressStateProbe ProgressState = iota

	// ProgressStateReplicate streams appends optimistically, bounded by
	// inflights.
	ProgressStateReplicate

	// ProgressStateCatchup means the follower was told to catch up out
	// of band; appends are paused until it reports a log the leader can
	// continue from.
	ProgressStateCatchup
)

var progressStateNames = [...]string{"probe", "replicate", "catchup"}

func (s ProgressState) String() string {
	if int(s) < len(progressStateNames) {
		return progressStateNames[s]
	}
	return fmt.Sprintf("ProgressState(%d)", uint8(s))
}

// Progress is the leader's view of one follower.
type Progress struct {
	State ProgressState

	// MatchIndex is the highest index known to be replicated.
	MatchIndex uint64

	// NextIndex is the index of the next entry to send.
	NextIndex uint64

	// Paused is used in probe state: after one append is sent, the
	// leader waits for a response.
	Paused bool

	// RecentActive is set on any response and cleared by the leader's
	// quorum check.
	RecentActive bool

	inflights *inflights
}

func newProgress(next uint64, maxInflight int) *Progress {
	return &Progress{
		State:     ProgressStateProbe,
		NextIndex: next,
		inflights: newInflights(maxInflight),
	}
}

func (pr *Progress) resetState(state ProgressState) {
	pr.State = state
	pr.Paused = false
	pr.inflights.freeAll()
}

func (pr *Progress) becomeProbe() {
	pr.resetState(ProgressStateProbe)
	pr.NextIndex = pr.MatchIndex + 1
}

func (pr *Progress) becomeReplicate() {
	pr.resetState(ProgressStateReplicate)
	pr.NextIndex = pr.MatchIndex + 1
}

func (pr *Progress) becomeCatchup() {
	pr.resetState(ProgressStateCatchup)
}

func (pr *Progress) pause()  { pr.Paused = true }
func (pr *Progress) resume() { pr.Paused = false }

func (pr *Progress) isPaused() bool {
	switch pr.State {
	case ProgressStateProbe:
		return pr.Paused
	case ProgressStateReplicate:
		return pr.inflights.full()
	case ProgressStateCatchup:
		return true
	default:
		panic("unexpected pr.State")
	}
}

// optimisticUpdate advances NextIndex past a sent append.
func (pr *Progress) optimisticUpdate(lastSent uint64) {
	pr.NextIndex = lastSent + 1
}

// maybeUpdate records an acknowledged match index. It returns false if
// the response is stale.
func (pr *Progress) maybeUpdate(matchIndex uint64) bool {
	updated := false
	if pr.MatchIndex < matchIndex {
		pr.MatchIndex = matchIndex
		updated = true
		pr.resume()
	}
	if pr.NextIndex <= matchIndex {
		pr.NextIndex = matchIndex + 1
	}
	return updated
}

// maybeDecrease handles a rejected append for prevIndex rejected. The
// follower's last index, appendIndex, lets NextIndex jump back in one
// step. It returns false if the rejection is stale.
func (pr *Progress) maybeDecrease(rejected, appendIndex uint64) bool {
	if pr.State == ProgressStateReplicate {
		if rejected <= pr.MatchIndex {
			return false
		}
		pr.NextIndex = pr.MatchIndex + 1
		return true
	}

	if pr.NextIndex-1 != rejected {
		return false
	}

	pr.NextIndex = minUint64(rejected, appendIndex+1)
	if pr.NextIndex < 1 {
		pr.NextIndex = 1
	}
	pr.resume()
	return true
}

func (pr *Progress) String() string {
	return fmt.Sprintf("[state=%q | match index=%d | next index=%d | paused=%v | active=%v]",
		pr.State, pr.MatchIndex, pr.NextIndex, pr.isPaused(), pr.RecentActive)
}

func minUint64(a, b uint64) uint64 {
	if a > b {
		return b
	}
	return a
}

func maxUint64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
