// Package worklock provides per-key single-flight guards for units of work
// that must not run concurrently for the same workspace.
package worklock

import "sync"

// KeyedLock hands out at most one acquisition per key at a time.
type KeyedLock struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// New constructs an empty KeyedLock.
func New() *KeyedLock {
	return &KeyedLock{held: make(map[string]struct{})}
}

// TryAcquire claims the key, returning false if it is already held.
func (l *KeyedLock) TryAcquire(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return false
	}
	l.held[key] = struct{}{}
	return true
}

// Release frees the key for the next acquirer.
func (l *KeyedLock) Release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
}
