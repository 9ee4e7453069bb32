package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SaturatedError is returned without running the operation when both the
// in-flight slots and the waiting queue of a bulkhead are full.
type SaturatedError struct {
	Name      string
	Limit     int
	QueueSize int
}

func (e *SaturatedError) Error() string {
	return fmt.Sprintf("bulkhead %s saturated: %d in flight, %d queued", e.Name, e.Limit, e.QueueSize)
}

// Bulkhead bounds concurrent work: up to limit calls run at once, up to
// queueSize more wait in arrival order, and beyond that callers fail fast.
type Bulkhead struct {
	name      string
	limit     int
	queueSize int

	mu        sync.Mutex
	active    int
	queue     []chan struct{}
	completed uint64
	rejected  uint64
}

// BulkheadStats is a point-in-time snapshot for the stats endpoint.
type BulkheadStats struct {
	Name      string `json:"name"`
	Limit     int    `json:"limit"`
	QueueSize int    `json:"queueSize"`
	Active    int    `json:"active"`
	Queued    int    `json:"queued"`
	Completed uint64 `json:"completed"`
	Rejected  uint64 `json:"rejected"`
}

func NewBulkhead(name string, limit, queueSize int) *Bulkhead {
	if limit < 1 {
		limit = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &Bulkhead{name: name, limit: limit, queueSize: queueSize}
}

// Run admits fn through the bulkhead, waiting in queue order when all slots
// are busy. It returns a SaturatedError without running fn when the queue is
// full, or the context error if ctx ends while queued.
func (b *Bulkhead) Run(ctx context.Context, fn func() error) error {
	if err := b.acquire(ctx); err != nil {
		return err
	}
	defer b.release(true)
	return fn()
}

func (b *Bulkhead) acquire(ctx context.Context) error {
	b.mu.Lock()
	switch {
	case b.active < b.limit:
		b.active++
		b.mu.Unlock()
		return nil
	case len(b.queue) >= b.queueSize:
		b.rejected++
		b.mu.Unlock()
		return &SaturatedError{Name: b.name, Limit: b.limit, QueueSize: b.queueSize}
	default:
		ready := make(chan struct{})
		b.queue = append(b.queue, ready)
		b.mu.Unlock()
		select {
		case <-ready:
			// the releasing goroutine handed its slot to us
			return nil
		case <-ctx.Done():
			b.abandon(ready)
			return ctx.Err()
		}
	}
}

// release frees one slot, preferring to hand it to the oldest waiter.
func (b *Bulkhead) release(ran bool) {
	b.mu.Lock()
	if ran {
		b.completed++
	}
	if len(b.queue) > 0 {
		next := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()
		close(next)
		return
	}
	b.active--
	b.mu.Unlock()
}

// abandon removes a waiter that gave up. If the slot was already handed over
// by a concurrent release, it is freed again.
func (b *Bulkhead) abandon(ready chan struct{}) {
	b.mu.Lock()
	for i, ch := range b.queue {
		if ch == ready {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			b.mu.Unlock()
			return
		}
	}
	b.mu.Unlock()
	b.release(false)
}

func (b *Bulkhead) Stats() BulkheadStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BulkheadStats{
		Name:      b.name,
		Limit:     b.limit,
		QueueSize: b.queueSize,
		Active:    b.active,
		Queued:    len(b.queue),
		Completed: b.completed,
		Rejected:  b.rejected,
	}
}

// Drain blocks until no work is running or queued, or ctx ends.
func (b *Bulkhead) Drain(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		b.mu.Lock()
		idle := b.active == 0 && len(b.queue) == 0
		b.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
