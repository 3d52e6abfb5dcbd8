// Package locks provides keyed mutual exclusion.
//
// The orchestrator uses it in two places: knowledge namespaces get a single
// writer each, and the manager serializes the review loop of any one task.
package locks

import (
	"sort"
	"sync"
)

// Keyed hands out one mutex per key. Holders of different keys never block
// each other; holders of the same key are serialized.
type Keyed struct {
	mu    sync.Mutex             // guards locks
	locks map[string]*sync.Mutex // per-key mutexes
}

// NewKeyed creates an empty Keyed lock set.
func NewKeyed() *Keyed {
	return &Keyed{
		locks: make(map[string]*sync.Mutex),
	}
}

// Lock acquires the mutex for key, creating it on first use.
func (k *Keyed) Lock(key string) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	// Acquire outside the map lock so other keys are not held up.
	l.Lock()
}

// TryLock acquires the mutex for key only if it is free.
func (k *Keyed) TryLock(key string) bool {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	return l.TryLock()
}

// Unlock releases the mutex for key. Unlocking an unknown key is a no-op.
func (k *Keyed) Unlock(key string) {
	k.mu.Lock()
	l, ok := k.locks[key]
	k.mu.Unlock()

	if ok {
		l.Unlock()
	}
}

// With runs fn while holding the mutex for key.
func (k *Keyed) With(key string, fn func() error) error {
	k.Lock(key)
	defer k.Unlock(key)
	return fn()
}

// LockAll acquires every key in lexicographic order so two callers with
// overlapping key sets cannot deadlock.
func (k *Keyed) LockAll(keys []string) {
	if len(keys) == 0 {
		return
	}
	for _, key := range sortedCopy(keys) {
		k.Lock(key)
	}
}

// UnlockAll releases keys in reverse sorted order.
func (k *Keyed) UnlockAll(keys []string) {
	if len(keys) == 0 {
		return
	}
	sorted := sortedCopy(keys)
	for i := len(sorted) - 1; i >= 0; i-- {
		k.Unlock(sorted[i])
	}
}

func sortedCopy(keys []string) []string {
	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)
	return sorted
}
