// Package guard provides the scoped reentrancy lock held by every
// state-mutating market and pool operation. The execution model is
// serialized-by-transaction, so the lock's job is not mutual exclusion for
// throughput but refusing recursive entry when an external collaborator
// (yield source, transfer hook) calls back into a mutating operation before
// the initiating one has committed.
package guard

import (
	"errors"
	"sync"
)

// ErrReentrancy is returned when a mutating operation is entered while
// another one on the same entity has not yet completed.
var ErrReentrancy = errors.New("guard: reentrant call")

// Lock is the per-entity reentrancy guard. The zero value is ready to use.
type Lock struct {
	mu   sync.Mutex
	held bool
}

// Enter acquires the guard or fails immediately when it is already held.
// It never blocks: a held guard means either reentrancy or an interleaving
// the serialized execution model forbids, and both must abort.
func (l *Lock) Enter() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return ErrReentrancy
	}
	l.held = true
	return nil
}

// Exit releases the guard. It must run on every exit path, including
// failures, typically via defer immediately after a successful Enter.
func (l *Lock) Exit() {
	l.mu.Lock()
	l.held = false
	l.mu.Unlock()
}
