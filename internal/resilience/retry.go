// Package resilience provides the admission and failure-isolation primitives
// wrapped around file I/O and sync work: bounded bulkheads, circuit breakers
// and retry with exponential backoff.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/sethvargo/go-retry"
)

// Retryer reruns transient failures with exponential backoff. Delays follow
// base·2^(attempt−1) + U[0,jitter). The PRNG is injectable so tests can pin
// the jitter sequence.
type Retryer struct {
	base   time.Duration
	times  int
	jitter time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRetryer configures up to times retries after the first attempt. A nil
// src seeds the jitter PRNG from the wall clock.
func NewRetryer(base time.Duration, times int, jitter time.Duration, src rand.Source) *Retryer {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &Retryer{base: base, times: times, jitter: jitter, rng: rand.New(src)}
}

// Do runs op up to times+1 attempts, sleeping between attempts. Permanent
// errors short-circuit. The returned error wraps the last cause together
// with the operation name and the attempt count.
func (r *Retryer) Do(ctx context.Context, name string, op func(context.Context) error) error {
	attempts := 0
	work := func(ctx context.Context) error {
		attempts++
		if err := op(ctx); err != nil {
			if Permanent(err) {
				return err
			}
			return retry.RetryableError(err)
		}
		return nil
	}

	err := retry.Do(ctx, retry.WithMaxRetries(uint64(r.times), r.backoff()), work)
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s failed after %d attempts: %w", name, attempts, err)
}

func (r *Retryer) backoff() retry.Backoff {
	attempt := 0
	return retry.BackoffFunc(func() (time.Duration, bool) {
		attempt++
		d := r.base << uint(attempt-1)
		if r.jitter > 0 {
			r.mu.Lock()
			d += time.Duration(r.rng.Int63n(int64(r.jitter)))
			r.mu.Unlock()
		}
		return d, false
	})
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// NonRetryable marks err as permanent for Retryer.Do regardless of its type.
// The mirror image of retry.RetryableError.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Permanent reports whether err is a failure retrying cannot fix: context
// cancellation, missing or already-existing files, permissions, and
// filesystem errnos such as EROFS or ENOSPC.
func Permanent(err error) bool {
	if err == nil {
		return false
	}
	var pe *permanentError
	if errors.As(err, &pe) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, os.ErrNotExist) ||
		errors.Is(err, os.ErrPermission) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, os.ErrExist) {
		return true
	}
	switch {
	case errors.Is(err, syscall.EROFS),
		errors.Is(err, syscall.ENOSPC),
		errors.Is(err, syscall.EDQUOT),
		errors.Is(err, syscall.EACCES),
		errors.Is(err, syscall.EPERM),
		errors.Is(err, syscall.ENAMETOOLONG),
		errors.Is(err, syscall.ENOTDIR),
		errors.Is(err, syscall.EISDIR),
		errors.Is(err, syscall.ENOTEMPTY),
		errors.Is(err, syscall.EINVAL):
		return true
	}
	return false
}
