// Package backoff computes randomized exponential retry delays.
package backoff

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Exponential doubles its delay on every Next, from Initial up to Max.
// Each delay is randomized to [d/2, d).
type Exponential struct {
	Initial time.Duration
	Max     time.Duration

	mu      sync.Mutex
	current time.Duration
	rand    *rand.Rand
}

// New returns an Exponential starting at initial.
func New(initial, max time.Duration) *Exponential {
	if initial <= 0 {
		initial = time.Millisecond
	}
	if max < initial {
		max = initial
	}
	return &Exponential{
		Initial: initial,
		Max:     max,
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the next delay.
func (b *Exponential) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case b.current == 0:
		b.current = b.Initial
	case b.current < b.Max:
		b.current *= 2
		if b.current > b.Max {
			b.current = b.Max
		}
	}
	half := b.current / 2
	if half <= 0 {
		return b.current
	}
	return half + time.Duration(b.rand.Int63n(int64(half)))
}

// Reset starts over from Initial.
func (b *Exponential) Reset() {
	b.mu.Lock()
	b.current = 0
	b.mu.Unlock()
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
