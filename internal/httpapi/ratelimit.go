package httpapi

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/erauner12/stocksync-api/internal/clock"
	"github.com/erauner12/stocksync-api/internal/metrics"
)

// TokenBucket is a refilling token bucket. Time comes from the injected
// clock so refill behavior stays deterministic under test.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	clk        clock.Clock
}

// NewTokenBucket creates a bucket with the given capacity, starting full.
func NewTokenBucket(capacity int, refillRate float64, clk clock.Clock) *TokenBucket {
	return &TokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		refillRate: refillRate,
		lastRefill: clk.Now(),
		clk:        clk,
	}
}

// Allow consumes a token if one is available.
// Returns: allowed, remaining whole tokens, wait until the next token
// lands, and the absolute time the bucket refills completely.
func (tb *TokenBucket) Allow() (bool, int, time.Duration, time.Time) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.refillLocked()
	if tb.tokens >= 1 {
		tb.tokens--
		return true, int(tb.tokens), 0, now.Add(tb.timeFor(tb.capacity - tb.tokens))
	}
	return false, 0, tb.timeFor(1 - tb.tokens), now.Add(tb.timeFor(tb.capacity - tb.tokens))
}

// Remaining reports available whole tokens without consuming one.
func (tb *TokenBucket) Remaining() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	return int(tb.tokens)
}

func (tb *TokenBucket) refillLocked() time.Time {
	now := tb.clk.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed > 0 {
		tb.tokens = math.Min(tb.capacity, tb.tokens+elapsed*tb.refillRate)
	}
	tb.lastRefill = now
	return now
}

func (tb *TokenBucket) timeFor(tokens float64) time.Duration {
	if tb.refillRate <= 0 || tokens <= 0 {
		return 0
	}
	return time.Duration(tokens / tb.refillRate * float64(time.Second))
}

// RateLimiter applies one shared token bucket to the inventory routes.
// Burst sets the bucket capacity; sustained throughput is rps.
type RateLimiter struct {
	bucket *TokenBucket
	rps    int
	burst  int
	met    *metrics.Registry
}

func NewRateLimiter(rps, burst int, clk clock.Clock, met *metrics.Registry) *RateLimiter {
	return &RateLimiter{
		bucket: NewTokenBucket(burst, float64(rps), clk),
		rps:    rps,
		burst:  burst,
		met:    met,
	}
}

type RateLimitStats struct {
	LimitRPS  int `json:"limitRps"`
	Burst     int `json:"burst"`
	Remaining int `json:"remaining"`
}

func (rl *RateLimiter) Stats() RateLimitStats {
	return RateLimitStats{LimitRPS: rl.rps, Burst: rl.burst, Remaining: rl.bucket.Remaining()}
}

// Middleware rejects with 429 once the bucket runs dry. Rate limit
// headers are set on every response, allowed or not.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, remaining, wait, reset := rl.bucket.Allow()

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.rps))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
		w.Header().Set("X-RateLimit-Burst", strconv.Itoa(rl.burst))

		if !allowed {
			rl.met.Inc(metrics.RequestsThrottled)
			w.Header().Set("Retry-After", retryAfterSeconds(wait))
			writeError(w, r, http.StatusTooManyRequests, "RateLimitError", codeRateLimited,
				"rate limit exceeded, retry later", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
