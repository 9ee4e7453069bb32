// Package keymutex serializes work per string key in arrival order, so two
// mutations on the same SKU never interleave while different SKUs proceed in
// parallel.
package keymutex

import (
	"context"
	"sync"
)

type entry struct {
	held    bool
	waiters []chan struct{}
}

// KeyMutex hands out per-key critical sections. Idle keys are removed, so
// memory stays proportional to keys currently held or contended.
type KeyMutex struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func New() *KeyMutex {
	return &KeyMutex{entries: make(map[string]*entry)}
}

// Run executes fn while holding key. Waiters on the same key run in FIFO
// order; ctx cancellation abandons the wait.
func (km *KeyMutex) Run(ctx context.Context, key string, fn func() error) error {
	if err := km.lock(ctx, key); err != nil {
		return err
	}
	defer km.unlock(key)
	return fn()
}

func (km *KeyMutex) lock(ctx context.Context, key string) error {
	km.mu.Lock()
	e := km.entries[key]
	if e == nil {
		e = &entry{}
		km.entries[key] = e
	}
	if !e.held {
		e.held = true
		km.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	e.waiters = append(e.waiters, ready)
	km.mu.Unlock()

	select {
	case <-ready:
		// the unlocking goroutine handed the key to us
		return nil
	case <-ctx.Done():
		km.abandon(key, ready)
		return ctx.Err()
	}
}

func (km *KeyMutex) unlock(key string) {
	km.mu.Lock()
	e := km.entries[key]
	if e == nil || !e.held {
		km.mu.Unlock()
		panic("keymutex: unlock of unheld key " + key)
	}
	if len(e.waiters) > 0 {
		next := e.waiters[0]
		e.waiters = e.waiters[1:]
		km.mu.Unlock()
		close(next) // ownership transfers; held stays true
		return
	}
	e.held = false
	delete(km.entries, key)
	km.mu.Unlock()
}

// abandon removes a waiter that gave up. If the key was already handed over
// by a concurrent unlock, it is released again.
func (km *KeyMutex) abandon(key string, ready chan struct{}) {
	km.mu.Lock()
	if e := km.entries[key]; e != nil {
		for i, ch := range e.waiters {
			if ch == ready {
				e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
				km.mu.Unlock()
				return
			}
		}
	}
	km.mu.Unlock()
	km.unlock(key)
}

// Keys reports how many keys are currently held or contended.
func (km *KeyMutex) Keys() int {
	km.mu.Lock()
	defer km.mu.Unlock()
	return len(km.entries)
}
