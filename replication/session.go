package replication

import (
	"sync"

	"github.com/google/uuid"

	"github.com/neo4j/neo4j-sub208/statemachine"
)

type localSession struct {
	id      uint64
	nextSeq uint64
}

// OperationContext is the identity of one replicated operation.
type OperationContext struct {
	ID statemachine.OperationID

	local *localSession
}

// SessionPool hands out local sessions of one global session. A local
// session numbers its operations from 0 without gaps, so it is used by
// one operation at a time.
type SessionPool struct {
	global uuid.UUID

	mu      sync.Mutex
	free    []*localSession
	nextID  uint64
	created int
}

// NewSessionPool starts a new global session.
func NewSessionPool() *SessionPool {
	return &SessionPool{global: uuid.New()}
}

// GlobalSession returns the id of the global session.
func (p *SessionPool) GlobalSession() uuid.UUID { return p.global }

// Acquire returns the context of the next operation of a free local
// session, creating one if none is free.
func (p *SessionPool) Acquire() OperationContext {
	p.mu.Lock()
	defer p.mu.Unlock()

	var ls *localSession
	if n := len(p.free); n > 0 {
		ls = p.free[n-1]
		p.free = p.free[:n-1]
	} else {
		ls = &localSession{id: p.nextID}
		p.nextID++
		p.created++
	}

	oc := OperationContext{
		ID:    statemachine.OperationID{Session: p.global, LocalSession: ls.id, Sequence: ls.nextSeq},
		local: ls,
	}
	ls.nextSeq++
	return oc
}

// Release returns the local session of an operation that has been
// applied. An operation whose outcome is unknown must not be released:
// its sequence might still commit after the next one.
func (p *SessionPool) Release(oc OperationContext) {
	p.mu.Lock()
	p.free = append(p.free, oc.local)
	p.mu.Unlock()
}

// Created returns the number of local sessions created so far.
func (p *SessionPool) Created() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}
