package config

import "errors"

var (
	// ErrBreakerThresholdRange indicates BREAKER_THRESHOLD is outside [0,1]
	ErrBreakerThresholdRange = errors.New("BREAKER_THRESHOLD must be within [0,1]")

	// ErrConcurrencyRange indicates a bulkhead limit below 1
	ErrConcurrencyRange = errors.New("CONCURRENCY_API, CONCURRENCY_SYNC and CONCURRENCY_FS must be at least 1")

	// ErrRateLimitRange indicates a non-positive rate limit setting
	ErrRateLimitRange = errors.New("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be at least 1")

	// ErrRetryRange indicates a negative retry count
	ErrRetryRange = errors.New("RETRY_TIMES must not be negative")

	// ErrSnapshotCadenceRange indicates a non-positive snapshot cadence
	ErrSnapshotCadenceRange = errors.New("SNAPSHOT_EVERY_N_EVENTS must be at least 1")

	// ErrLoadShedRange indicates a non-positive load shed queue depth
	ErrLoadShedRange = errors.New("LOAD_SHED_QUEUE_MAX must be at least 1")

	// ErrIdempotencyTTLRange indicates a non-positive idempotency retention
	ErrIdempotencyTTLRange = errors.New("IDEMP_TTL_MS must be positive")

	// ErrSyncIntervalRange indicates a sync interval below the 100ms floor
	ErrSyncIntervalRange = errors.New("SYNC_INTERVAL_MS must be at least 100")

	// ErrLockTimingRange indicates inconsistent lease timing (renew must be
	// shorter than the TTL it refreshes)
	ErrLockTimingRange = errors.New("LOCK_TTL_MS and LOCK_RENEW_MS must be positive with renew < ttl")

	// ErrLockRejectStatusRange indicates a lease rejection status outside 4xx/5xx
	ErrLockRejectStatusRange = errors.New("LOCK_REJECT_STATUS must be a 4xx or 5xx status code")
)
