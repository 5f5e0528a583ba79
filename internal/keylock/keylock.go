// Package keylock provides per-key mutual exclusion with ordered pair locking.
package keylock

import (
	"sync"
)

type refMutex struct {
	mu   sync.Mutex
	refs int
}

// Table hands out one mutex per key. Entries are dropped once no goroutine
// holds or waits on them, so the table only grows with concurrent activity.
type Table struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

// New returns an empty Table.
func New() *Table {
	return &Table{locks: make(map[string]*refMutex)}
}

func (t *Table) acquire(key string) *refMutex {
	t.mu.Lock()
	m, ok := t.locks[key]
	if !ok {
		m = &refMutex{}
		t.locks[key] = m
	}
	m.refs++
	t.mu.Unlock()
	return m
}

func (t *Table) release(key string, m *refMutex) {
	t.mu.Lock()
	m.refs--
	if m.refs == 0 {
		delete(t.locks, key)
	}
	t.mu.Unlock()
}

// Lock locks key and returns the matching unlock function.
func (t *Table) Lock(key string) func() {
	m := t.acquire(key)
	m.mu.Lock()
	return func() {
		m.mu.Unlock()
		t.release(key, m)
	}
}

// LockPair locks a and b in lexical order. Locking the same key twice is
// collapsed into a single lock.
func (t *Table) LockPair(a, b string) func() {
	if a == b {
		return t.Lock(a)
	}
	if b < a {
		a, b = b, a
	}
	unlockA := t.Lock(a)
	unlockB := t.Lock(b)
	return func() {
		unlockB()
		unlockA()
	}
}

// Len reports how many keys currently have a live mutex.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
