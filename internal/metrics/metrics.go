// Package metrics keeps process-local named counters surfaced by the stats
// endpoint.
package metrics

import "sync"

// Counter names used across the service.
const (
	StockAdjusted        = "stock_adjusted_total"
	StockReserved        = "stock_reserved_total"
	VersionConflicts     = "version_conflicts_total"
	InsufficientStock    = "insufficient_stock_total"
	ValidationFailures   = "validation_failures_total"
	IdempotentReplays    = "idempotent_replays_total"
	IdempotencyConflicts = "idempotency_conflicts_total"

	LeaseAcquired      = "lease_acquired_total"
	LeaseRejections    = "lease_rejections_total"
	LeaseStolen        = "lease_stolen_total"
	LeaseExpiredSwept  = "lease_expired_swept_total"
	LeaseLost          = "lease_lost_total"
	LeaseForceReleased = "lease_force_released_total"

	SyncRuns          = "sync_runs_total"
	SyncEventsApplied = "sync_events_applied_total"
	SyncEventsFailed  = "sync_events_failed_total"
	SyncDeadLettered  = "sync_dead_lettered_total"
	SyncUnknownEvents = "sync_unknown_events_total"

	SnapshotsTaken   = "snapshots_taken_total"
	SnapshotsCleaned = "snapshots_cleaned_total"
	EventsCompacted  = "events_compacted_total"

	RequestsShed      = "requests_shed_total"
	RequestsThrottled = "requests_throttled_total"
)

// Registry is a mutex-guarded counter map. A nil *Registry is valid and
// drops every update, so callers can treat metrics as optional.
type Registry struct {
	mu       sync.RWMutex
	counters map[string]uint64
}

func NewRegistry() *Registry {
	return &Registry{counters: make(map[string]uint64)}
}

// Inc adds one to the named counter.
func (r *Registry) Inc(name string) { r.Add(name, 1) }

// Add adds delta to the named counter.
func (r *Registry) Add(name string, delta uint64) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.counters[name] += delta
	r.mu.Unlock()
}

// Get returns the current value of one counter.
func (r *Registry) Get(name string) uint64 {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counters[name]
}

// Snapshot copies all counters for serialization.
func (r *Registry) Snapshot() map[string]uint64 {
	if r == nil {
		return map[string]uint64{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.counters))
	for k, v := range r.counters {
		out[k] = v
	}
	return out
}
