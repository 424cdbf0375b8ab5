// Package txg provides the per-transaction-group bookkeeping shared by the
// pool and the vdev tree.
package txg

import (
	"fmt"
	"sync"
)

const (
	// Size is the number of txgs that can be in flight at once
	// (open, quiescing, syncing, and one being cleaned up).
	Size = 4

	// Mask maps a txg number to its ring slot.
	Mask = Size - 1
)

// Slot returns the ring slot for txg.
func Slot(txg uint64) int {
	return int(txg & Mask)
}

// List tracks, for each in-flight txg, the set of objects dirtied in it.
// Adding an object that is already on the list for the same txg is a no-op.
// The lock is held only for the duration of a single insert or remove, so
// an object's sync may dirty other objects on the same list.
//
// A txg shares its ring slot with txg+Size; adding to a slot that still
// holds members of a different txg means a txg number was reused while its
// slot was live, which panics.
type List[T comparable] struct {
	mu      sync.Mutex
	txg     [Size]uint64
	queue   [Size][]T
	members [Size]map[T]struct{}
}

// NewList returns an empty list.
func NewList[T comparable]() *List[T] {
	l := &List[T]{}
	for i := range l.members {
		l.members[i] = make(map[T]struct{})
	}
	return l
}

// Add puts x on the list for txg and reports whether it was newly added.
func (l *List[T]) Add(x T, txg uint64) bool {
	s := Slot(txg)

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.members[s]) > 0 && l.txg[s] != txg {
		panic(fmt.Sprintf("txg: slot %d still holds txg %d, cannot add txg %d", s, l.txg[s], txg))
	}
	if _, ok := l.members[s][x]; ok {
		return false
	}
	l.txg[s] = txg
	l.members[s][x] = struct{}{}
	l.queue[s] = append(l.queue[s], x)
	return true
}

// Remove takes one object off the list for txg.
func (l *List[T]) Remove(txg uint64) (T, bool) {
	s := Slot(txg)

	l.mu.Lock()
	defer l.mu.Unlock()

	var zero T
	if len(l.queue[s]) == 0 || l.txg[s] != txg {
		return zero, false
	}
	x := l.queue[s][0]
	l.queue[s][0] = zero
	l.queue[s] = l.queue[s][1:]
	delete(l.members[s], x)
	return x, true
}

// Empty reports whether nothing is dirty for txg.
func (l *List[T]) Empty(txg uint64) bool {
	return l.Len(txg) == 0
}

// Len returns the number of objects dirty for txg.
func (l *List[T]) Len(txg uint64) int {
	s := Slot(txg)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.txg[s] != txg {
		return 0
	}
	return len(l.queue[s])
}

// Member reports whether x is dirty for txg.
func (l *List[T]) Member(x T, txg uint64) bool {
	s := Slot(txg)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.txg[s] != txg {
		return false
	}
	_, ok := l.members[s][x]
	return ok
}

// Destroy releases the list. Destroying a list that still holds dirty
// objects would drop their changes, so it panics.
func (l *List[T]) Destroy() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for s := range l.queue {
		if len(l.queue[s]) != 0 {
			panic(fmt.Sprintf("txg: destroying list with %d dirty entries for txg %d", len(l.queue[s]), l.txg[s]))
		}
		l.queue[s] = nil
		l.members[s] = make(map[T]struct{})
	}
}
