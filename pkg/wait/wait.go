// Package wait provides a table of pending waiters keyed by request id.
package wait

import (
	"fmt"
	"sync"
)

// List tracks waiters by id. The channel returned by Register receives
// exactly one value from Trigger and is then closed.
type List[K comparable, V any] struct {
	mu   sync.Mutex
	list map[K]chan V
}

// New returns an empty List.
func New[K comparable, V any]() *List[K, V] {
	return &List[K, V]{list: make(map[K]chan V)}
}

// Register returns a channel that receives the value passed to Trigger
// for id. Registering the same id twice panics.
func (w *List[K, V]) Register(id K) <-chan V {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.list[id]; ok {
		panic(fmt.Errorf("duplicate id %v", id))
	}
	ch := make(chan V, 1)
	w.list[id] = ch
	return ch
}

// Trigger delivers x to the waiter of id, if any. It returns false
// when nobody is waiting.
func (w *List[K, V]) Trigger(id K, x V) bool {
	w.mu.Lock()
	ch := w.list[id]
	delete(w.list, id)
	w.mu.Unlock()

	if ch == nil {
		return false
	}
	ch <- x
	close(ch)
	return true
}

// Cancel removes interest in id without delivering a value.
func (w *List[K, V]) Cancel(id K) {
	w.mu.Lock()
	ch := w.list[id]
	delete(w.list, id)
	w.mu.Unlock()

	if ch != nil {
		close(ch)
	}
}

// IsRegistered returns true if the id is already registered.
func (w *List[K, V]) IsRegistered(id K) bool {
	w.mu.Lock()
	_, ok := w.list[id]
	w.mu.Unlock()
	return ok
}

// Len returns the number of waiters.
func (w *List[K, V]) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.list)
}

// TriggerAll delivers x to every waiter and empties the list.
func (w *List[K, V]) TriggerAll(x V) {
	w.mu.Lock()
	old := w.list
	w.list = make(map[K]chan V)
	w.mu.Unlock()

	for _, ch := range old {
		ch <- x
		close(ch)
	}
}
