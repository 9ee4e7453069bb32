package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/erauner12/stocksync-api/internal/clock"
)

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// OpenError fails calls fast while the breaker cools down. RetryAfter is the
// remaining cooldown at rejection time.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("breaker %s is open", e.Name)
}

// BreakerTimeoutError reports an operation that outlived the breaker's
// per-call timeout. The operation keeps running in the background; its
// result is discarded.
type BreakerTimeoutError struct {
	Name    string
	Timeout time.Duration
}

func (e *BreakerTimeoutError) Error() string {
	return fmt.Sprintf("breaker %s: operation timed out after %s", e.Name, e.Timeout)
}

// CircuitBreaker trips after a run of consecutive failures, fails fast while
// open, and re-closes through a single half-open probe that concurrent
// callers wait on. Cooldown expiry reads the injected clock.
type CircuitBreaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	timeout   time.Duration
	clk       clock.Clock

	mu          sync.Mutex
	state       BreakerState
	failures    int
	lastFailure time.Time
	probeDone   chan struct{}
	opens       uint64
	rejected    uint64
}

// BreakerStats is a point-in-time snapshot for the stats endpoint.
type BreakerStats struct {
	Name      string `json:"name"`
	State     string `json:"state"`
	Failures  int    `json:"failures"`
	Threshold int    `json:"threshold"`
	Opens     uint64 `json:"opens"`
	Rejected  uint64 `json:"rejected"`
}

// NewCircuitBreaker opens after threshold consecutive failures and stays
// open for cooldown. A timeout of 0 disables the per-call timeout. A nil clk
// uses the wall clock.
func NewCircuitBreaker(name string, threshold int, cooldown, timeout time.Duration, clk clock.Clock) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	if clk == nil {
		clk = clock.System()
	}
	return &CircuitBreaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		timeout:   timeout,
		clk:       clk,
		state:     BreakerClosed,
	}
}

// Execute runs fn under the breaker. While open it returns OpenError without
// running fn. The first call after cooldown becomes the probe; callers that
// arrive during the probe wait for its outcome, then follow the new state.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	for {
		cb.mu.Lock()
		switch cb.state {
		case BreakerClosed:
			cb.mu.Unlock()
			err := cb.call(ctx, fn)
			cb.record(err)
			return err

		case BreakerOpen:
			elapsed := cb.clk.Now().Sub(cb.lastFailure)
			if elapsed < cb.cooldown {
				cb.rejected++
				remaining := cb.cooldown - elapsed
				cb.mu.Unlock()
				return &OpenError{Name: cb.name, RetryAfter: remaining}
			}
			cb.state = BreakerHalfOpen
			cb.probeDone = make(chan struct{})
			cb.mu.Unlock()
			err := cb.call(ctx, fn)
			cb.settleProbe(err)
			return err

		case BreakerHalfOpen:
			done := cb.probeDone
			cb.mu.Unlock()
			select {
			case <-done:
				// probe settled; re-read the state
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// call runs fn, bounded by the per-call timeout when one is configured.
func (cb *CircuitBreaker) call(ctx context.Context, fn func() error) error {
	if cb.timeout <= 0 {
		return fn()
	}
	done := make(chan error, 1)
	go func() { done <- fn() }()
	timer := time.NewTimer(cb.timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		return &BreakerTimeoutError{Name: cb.name, Timeout: cb.timeout}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err == nil {
		cb.failures = 0
		return
	}
	cb.failures++
	cb.lastFailure = cb.clk.Now()
	if cb.state == BreakerClosed && cb.failures >= cb.threshold {
		cb.state = BreakerOpen
		cb.opens++
	}
}

func (cb *CircuitBreaker) settleProbe(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.state = BreakerOpen
		cb.failures = 1
		cb.lastFailure = cb.clk.Now()
		cb.opens++
	} else {
		cb.state = BreakerClosed
		cb.failures = 0
	}
	close(cb.probeDone)
	cb.probeDone = nil
}

func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerStats{
		Name:      cb.name,
		State:     cb.state.String(),
		Failures:  cb.failures,
		Threshold: cb.threshold,
		Opens:     cb.opens,
		Rejected:  cb.rejected,
	}
}
