package raft

import (
	"math/rand"
	"sync"
	"time"
)

// jitter draws election timeout offsets. A fixed seed makes a node's
// timeouts reproducible in tests.
type jitter struct {
	mu  sync.Mutex
	src *rand.Rand
}

func newJitter(seed int64) *jitter {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &jitter{src: rand.New(rand.NewSource(seed))}
}

// ticks returns a value in [0, n).
func (j *jitter) ticks(n int) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.src.Intn(n)
}
