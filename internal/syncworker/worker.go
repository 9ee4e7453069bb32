// Package syncworker folds journal events into the central aggregate on a
// timer. Failed events are retried on later passes and dead-lettered when
// they exhaust their budget; the pipeline never halts on one bad event.
package syncworker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/erauner12/stocksync-api/internal/clock"
	"github.com/erauner12/stocksync-api/internal/eventlog"
	"github.com/erauner12/stocksync-api/internal/fsio"
	"github.com/erauner12/stocksync-api/internal/metrics"
	"github.com/erauner12/stocksync-api/internal/resilience"
	"github.com/erauner12/stocksync-api/internal/snapshot"
)

// Summary reports what one sync pass did.
type Summary struct {
	Loaded           int   `json:"loaded"`
	Applied          int   `json:"applied"`
	Failed           int   `json:"failed"`
	DeadLettered     int   `json:"deadLettered"`
	Cursor           int64 `json:"cursor"`
	Snapshotted      bool  `json:"snapshotted"`
	SnapshotSequence int64 `json:"snapshotSequence,omitempty"`
	Compacted        int   `json:"compacted,omitempty"`
}

// Status is the admin view of the worker.
type Status struct {
	Running             bool       `json:"running"`
	IntervalMs          int64      `json:"intervalMs"`
	LastAppliedSequence int64      `json:"lastAppliedSequence"`
	LastRunAt           *time.Time `json:"lastRunAt,omitempty"`
	LastError           string     `json:"lastError,omitempty"`
	TotalRuns           uint64     `json:"totalRuns"`
	TotalApplied        uint64     `json:"totalApplied"`
	TotalFailed         uint64     `json:"totalFailed"`
	TotalDeadLettered   uint64     `json:"totalDeadLettered"`
}

// Worker owns the central aggregate and the last-applied cursor. Passes are
// admitted through a bulkhead and gated by a breaker; runMu serializes the
// aggregate mutation itself.
type Worker struct {
	log        *eventlog.Store
	snapper    *snapshot.Snapshotter
	files      *fsio.Files
	aggPath    string
	admit      *resilience.Bulkhead
	breaker    *resilience.CircuitBreaker
	maxRetries int
	clk        clock.Clock
	met        *metrics.Registry

	runMu  sync.Mutex
	agg    snapshot.CentralInventory
	cursor int64

	mu         sync.Mutex
	running    bool
	interval   time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}
	lastRun    time.Time
	lastErr    string
	cursorView int64
	runs       uint64
	applied    uint64
	failed     uint64
	dead       uint64
}

func NewWorker(elog *eventlog.Store, snapper *snapshot.Snapshotter, files *fsio.Files, aggPath string,
	admit *resilience.Bulkhead, breaker *resilience.CircuitBreaker, maxRetries int,
	clk clock.Clock, met *metrics.Registry) *Worker {
	if clk == nil {
		clk = clock.System()
	}
	return &Worker{
		log:        elog,
		snapper:    snapper,
		files:      files,
		aggPath:    aggPath,
		admit:      admit,
		breaker:    breaker,
		maxRetries: maxRetries,
		clk:        clk,
		met:        met,
		agg:        make(snapshot.CentralInventory),
	}
}

// SyncOnce runs a single pass through the guards and records the outcome for
// the status endpoint.
func (w *Worker) SyncOnce(ctx context.Context) (Summary, error) {
	var sum Summary
	err := w.admit.Run(ctx, func() error {
		return w.breaker.Execute(ctx, func() error {
			var runErr error
			sum, runErr = w.run(ctx)
			return runErr
		})
	})
	w.note(sum, err)
	return sum, err
}

// ReplayOnBoot restores the aggregate from the latest snapshot, then runs one
// pass to fold the tail. Replay is best-effort: an unreadable snapshot means
// starting from scratch, not refusing to boot.
func (w *Worker) ReplayOnBoot(ctx context.Context) (Summary, error) {
	w.runMu.Lock()
	snap, err := w.snapper.Latest(ctx)
	switch {
	case err != nil:
		log.Warn().Err(err).Msg("failed to load latest snapshot, replaying from the start of the log")
	case snap != nil:
		w.agg = snap.CentralInventory.Clone()
		w.cursor = snap.Sequence
		log.Info().
			Int64("sequence", snap.Sequence).
			Int("event_count", snap.EventCount).
			Msg("restored central aggregate from snapshot")
	}
	w.runMu.Unlock()

	return w.SyncOnce(ctx)
}

func (w *Worker) run(ctx context.Context) (Summary, error) {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	w.met.Inc(metrics.SyncRuns)

	batch := w.log.GetAfterSequence(w.cursor)
	sum := Summary{Loaded: len(batch), Cursor: w.cursor}
	if len(batch) == 0 {
		return sum, nil
	}

	// The cursor only advances over the contiguous prefix of events that
	// were folded (or skipped) without failure, so a failed event is seen
	// again next pass until it succeeds or dead-letters.
	var prefix []eventlog.Event
	prefixBroken := false
	for _, ev := range batch {
		if err := snapshot.Fold(w.agg, ev); err != nil {
			if errors.Is(err, snapshot.ErrUnknownEventType) {
				log.Warn().Str("event_id", ev.ID).Str("type", ev.Type).Msg("skipping event with unknown type")
				w.met.Inc(metrics.SyncUnknownEvents)
				if !prefixBroken {
					prefix = append(prefix, ev)
				}
				continue
			}
			sum.Failed++
			w.met.Inc(metrics.SyncEventsFailed)
			prefixBroken = true
			w.handleFailure(ctx, ev, err, &sum)
			continue
		}
		sum.Applied++
		w.met.Inc(metrics.SyncEventsApplied)
		if !prefixBroken {
			prefix = append(prefix, ev)
		}
	}

	if len(prefix) > 0 {
		w.cursor = prefix[len(prefix)-1].Sequence
	}
	sum.Cursor = w.cursor

	if sum.Applied > 0 {
		if err := w.files.WriteJSONAtomic(ctx, w.aggPath, w.agg); err != nil {
			return sum, fmt.Errorf("persist central aggregate: %w", err)
		}
	}

	// Only the applied prefix is offered for snapshotting, which keeps
	// compaction from deleting events that are still pending a retry.
	snap, err := w.snapper.MaybeSnapshot(ctx, prefix, w.agg)
	if err != nil {
		return sum, err
	}
	if snap != nil {
		sum.Snapshotted = true
		sum.SnapshotSequence = snap.Sequence
		log.Info().Int64("sequence", snap.Sequence).Msg("snapshot written")

		removed, err := w.log.CompactBelow(ctx, snap.Sequence)
		if err != nil {
			return sum, err
		}
		sum.Compacted = removed
		w.met.Add(metrics.EventsCompacted, uint64(removed))

		if _, err := w.snapper.CleanupOld(ctx); err != nil {
			log.Warn().Err(err).Msg("snapshot cleanup failed")
		}
	}
	return sum, nil
}

func (w *Worker) handleFailure(ctx context.Context, ev eventlog.Event, cause error, sum *Summary) {
	count, err := w.log.RecordFailure(ctx, ev.ID, cause.Error())
	if err != nil {
		log.Error().Err(err).Str("event_id", ev.ID).Msg("failed to record event failure")
		return
	}
	log.Warn().
		Err(cause).
		Str("event_id", ev.ID).
		Int("retry_count", count).
		Msg("event processing failed")

	if count >= w.maxRetries {
		reason := fmt.Sprintf("Max retries (%d) exceeded", w.maxRetries)
		if err := w.log.MoveToDeadLetter(ctx, ev.ID, reason); err != nil {
			log.Error().Err(err).Str("event_id", ev.ID).Msg("failed to dead-letter event")
			return
		}
		sum.DeadLettered++
		w.met.Inc(metrics.SyncDeadLettered)
		log.Error().Str("event_id", ev.ID).Int("retries", count).Msg("event moved to dead letter queue")
	}
}

func (w *Worker) note(sum Summary, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastRun = w.clk.Now().UTC()
	if err != nil {
		w.lastErr = err.Error()
	} else {
		w.lastErr = ""
	}
	w.runs++
	w.applied += uint64(sum.Applied)
	w.failed += uint64(sum.Failed)
	w.dead += uint64(sum.DeadLettered)
	if sum.Cursor > w.cursorView {
		w.cursorView = sum.Cursor
	}
}

// Start launches the periodic loop. Returns false if already running.
func (w *Worker) Start(interval time.Duration) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running || interval <= 0 {
		return false
	}
	w.interval = interval
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.running = true
	go w.loop(w.stopCh, w.doneCh, interval)
	log.Info().Dur("interval", interval).Msg("sync worker started")
	return true
}

// Stop halts the loop and waits for an in-flight pass to finish. Returns
// false if the worker was not running.
func (w *Worker) Stop() bool {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return false
	}
	stop, done := w.stopCh, w.doneCh
	w.running = false
	w.mu.Unlock()

	close(stop)
	<-done
	log.Info().Msg("sync worker stopped")
	return true
}

// Running reports whether the periodic loop is active.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Worker) loop(stop <-chan struct{}, done chan<- struct{}, interval time.Duration) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := w.SyncOnce(context.Background()); err != nil {
				log.Error().Err(err).Msg("scheduled sync failed")
			}
		case <-stop:
			return
		}
	}
}

// Status reports control state and lifetime counters without blocking behind
// an in-flight pass.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := Status{
		Running:             w.running,
		IntervalMs:          w.interval.Milliseconds(),
		LastAppliedSequence: w.cursorView,
		LastError:           w.lastErr,
		TotalRuns:           w.runs,
		TotalApplied:        w.applied,
		TotalFailed:         w.failed,
		TotalDeadLettered:   w.dead,
	}
	if !w.lastRun.IsZero() {
		t := w.lastRun
		st.LastRunAt = &t
	}
	return st
}

// Aggregate returns a deep copy of the central inventory.
func (w *Worker) Aggregate() snapshot.CentralInventory {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	return w.agg.Clone()
}
