// Package roomlock provides context-aware mutual exclusion keyed by room name.
package roomlock

import (
	"context"
	"sync"
)

type entry struct {
	slot chan struct{}
	refs int
}

// Locker hands out one exclusive slot per key. Entries are reference counted and
// released once no holder or waiter remains, so idle rooms cost nothing.
type Locker struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New constructs an empty Locker.
func New() *Locker {
	return &Locker{entries: make(map[string]*entry)}
}

// Lock blocks until the key is free or ctx is done. The returned function
// releases the key and must be called exactly once.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	current, ok := l.entries[key]
	if !ok {
		current = &entry{slot: make(chan struct{}, 1)}
		l.entries[key] = current
	}
	current.refs++
	l.mu.Unlock()

	select {
	case current.slot <- struct{}{}:
	case <-ctx.Done():
		l.release(key, current)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-current.slot
			l.release(key, current)
		})
	}, nil
}

func (l *Locker) release(key string, current *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	current.refs--
	if current.refs == 0 {
		delete(l.entries, key)
	}
}

// Len reports how many keys are currently held or awaited.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
