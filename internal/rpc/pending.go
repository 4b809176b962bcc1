package rpc

import (
	"encoding/json"
	"sync"
	"time"
)

// Outcome is the single settlement of one pending call.
type Outcome struct {
	Result json.RawMessage
	Err    error
}

type pendingCall struct {
	id       string
	issuedAt time.Time
	deadline time.Time
	done     chan Outcome
}

// PendingTable tracks calls awaiting a correlated response. Every
// settlement path removes the entry under the lock, so each call is
// settled at most once.
type PendingTable struct {
	mu    sync.Mutex
	calls map[string]*pendingCall
}

func NewPendingTable() *PendingTable {
	return &PendingTable{calls: make(map[string]*pendingCall)}
}

// Register creates the pending entry and returns its settlement channel.
func (t *PendingTable) Register(id string, issuedAt, deadline time.Time) <-chan Outcome {
	call := &pendingCall{
		id:       id,
		issuedAt: issuedAt,
		deadline: deadline,
		done:     make(chan Outcome, 1),
	}
	t.mu.Lock()
	t.calls[id] = call
	t.mu.Unlock()
	return call.done
}

// Resolve settles the call with a result. Returns false when no entry
// remains, e.g. the call already timed out.
func (t *PendingTable) Resolve(id string, result json.RawMessage) bool {
	return t.settle(id, Outcome{Result: result})
}

// Reject settles the call with an error.
func (t *PendingTable) Reject(id string, err error) bool {
	return t.settle(id, Outcome{Err: err})
}

// Cancel removes the entry without settling it; the caller stops waiting
// on its own. No-op when the call already settled.
func (t *PendingTable) Cancel(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.calls[id]; !ok {
		return false
	}
	delete(t.calls, id)
	return true
}

// FailAll rejects every pending call, used when the owning connection
// reaches a terminal state.
func (t *PendingTable) FailAll(err error) {
	t.mu.Lock()
	calls := t.calls
	t.calls = make(map[string]*pendingCall)
	t.mu.Unlock()
	for _, call := range calls {
		call.done <- Outcome{Err: err}
	}
}

func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

func (t *PendingTable) settle(id string, out Outcome) bool {
	t.mu.Lock()
	call, ok := t.calls[id]
	if ok {
		delete(t.calls, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	call.done <- out
	return true
}
