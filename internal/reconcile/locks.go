// Package reconcile routes persisted webhook events to the Device and Order
// aggregates they reference and applies the resulting state transitions
// under a per-aggregate serialization guarantee.
package reconcile

import "sync"

// keyedLocks serializes work per aggregate key ("device:<id>", "order:<id>").
// Locks are created on first use and kept for the process lifetime; the key
// space is bounded by the fleet size.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for key, creating it if needed, and returns the
// unlock function.
func (k *keyedLocks) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
