// Package snapshot materializes the central aggregate at a given event
// sequence and manages the snapshot directory. Folding an event into the
// aggregate lives here so the sync worker and boot replay share one
// definition of what an event means.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/erauner12/stocksync-api/internal/clock"
	"github.com/erauner12/stocksync-api/internal/eventlog"
	"github.com/erauner12/stocksync-api/internal/fsio"
	"github.com/erauner12/stocksync-api/internal/metrics"
)

// ErrUnknownEventType marks an event the fold has no handler for. Callers
// log and skip these rather than treating them as retryable failures.
var ErrUnknownEventType = errors.New("unknown event type")

// CentralRecord is one stock line in the aggregated view.
type CentralRecord struct {
	Qty       int       `json:"qty"`
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CentralInventory is the aggregate keyed by storeId then sku.
type CentralInventory map[string]map[string]CentralRecord

// Clone deep-copies the aggregate.
func (c CentralInventory) Clone() CentralInventory {
	out := make(CentralInventory, len(c))
	for storeID, byStore := range c {
		inner := make(map[string]CentralRecord, len(byStore))
		for sku, rec := range byStore {
			inner[sku] = rec
		}
		out[storeID] = inner
	}
	return out
}

// Fold applies one event to the aggregate. Handlers assign the event's
// absolute after-state, so re-folding an already applied event is harmless.
func Fold(agg CentralInventory, ev eventlog.Event) error {
	switch ev.Type {
	case eventlog.TypeStockAdjusted, eventlog.TypeStockReserved:
		if ev.Payload.StoreID == "" || ev.Payload.SKU == "" {
			return fmt.Errorf("event %s: payload missing storeId or sku", ev.ID)
		}
		byStore := agg[ev.Payload.StoreID]
		if byStore == nil {
			byStore = make(map[string]CentralRecord)
			agg[ev.Payload.StoreID] = byStore
		}
		byStore[ev.Payload.SKU] = CentralRecord{
			Qty:       ev.Payload.NewQty,
			Version:   ev.Payload.NewVersion,
			UpdatedAt: ev.Timestamp,
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnknownEventType, ev.Type)
	}
}

// Snapshot is the aggregate state produced by folding every event with
// sequence ≤ Sequence into an empty central inventory.
type Snapshot struct {
	Sequence         int64            `json:"sequence"`
	Timestamp        time.Time        `json:"timestamp"`
	CentralInventory CentralInventory `json:"centralInventory"`
	EventCount       int              `json:"eventCount"`
}

// Snapshotter owns the snapshot directory: cadence, naming, retention.
type Snapshotter struct {
	files *fsio.Files
	dir   string
	every int
	keep  int
	clk   clock.Clock
	met   *metrics.Registry
}

func NewSnapshotter(files *fsio.Files, dir string, every, keep int, clk clock.Clock, met *metrics.Registry) *Snapshotter {
	if clk == nil {
		clk = clock.System()
	}
	return &Snapshotter{files: files, dir: dir, every: every, keep: keep, clk: clk, met: met}
}

// MaybeSnapshot writes a snapshot when the applied batch hits the cadence.
// Returns nil when the batch is empty or off-cadence.
func (s *Snapshotter) MaybeSnapshot(ctx context.Context, applied []eventlog.Event, agg CentralInventory) (*Snapshot, error) {
	if len(applied) == 0 || len(applied)%s.every != 0 {
		return nil, nil
	}

	snap := &Snapshot{
		Sequence:         applied[len(applied)-1].Sequence,
		Timestamp:        s.clk.Now().UTC(),
		CentralInventory: agg.Clone(),
		EventCount:       len(applied),
	}
	if err := s.files.EnsureDir(ctx, s.dir); err != nil {
		return nil, fmt.Errorf("snapshot dir: %w", err)
	}
	if err := s.files.WriteJSONAtomic(ctx, s.path(snap.Sequence), snap); err != nil {
		return nil, fmt.Errorf("write snapshot %d: %w", snap.Sequence, err)
	}
	s.met.Inc(metrics.SnapshotsTaken)
	return snap, nil
}

// Load reads the snapshot stored at sequence.
func (s *Snapshotter) Load(ctx context.Context, sequence int64) (*Snapshot, error) {
	var snap Snapshot
	if err := s.files.ReadJSON(ctx, s.path(sequence), &snap); err != nil {
		return nil, fmt.Errorf("load snapshot %d: %w", sequence, err)
	}
	if snap.CentralInventory == nil {
		snap.CentralInventory = make(CentralInventory)
	}
	return &snap, nil
}

// Latest returns the highest-sequence snapshot, or nil when none exist.
func (s *Snapshotter) Latest(ctx context.Context) (*Snapshot, error) {
	seqs, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(seqs) == 0 {
		return nil, nil
	}
	return s.Load(ctx, seqs[len(seqs)-1])
}

// List scans the snapshot directory for central-<sequence>.json files and
// returns their sequences ascending. Files that do not match the naming
// convention are ignored.
func (s *Snapshotter) List(ctx context.Context) ([]int64, error) {
	entries, err := s.files.ReadDir(ctx, s.dir)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}

	var seqs []int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		seq, ok := parseName(e.Name())
		if !ok {
			continue
		}
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs, nil
}

// CleanupOld deletes all but the newest keep snapshots and reports how many
// were removed.
func (s *Snapshotter) CleanupOld(ctx context.Context) (int, error) {
	seqs, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	if len(seqs) <= s.keep {
		return 0, nil
	}

	removed := 0
	for _, seq := range seqs[:len(seqs)-s.keep] {
		if err := s.files.Delete(ctx, s.path(seq)); err != nil {
			return removed, fmt.Errorf("delete snapshot %d: %w", seq, err)
		}
		removed++
	}
	s.met.Add(metrics.SnapshotsCleaned, uint64(removed))
	return removed, nil
}

func (s *Snapshotter) path(sequence int64) string {
	return filepath.Join(s.dir, fmt.Sprintf("central-%d.json", sequence))
}

func parseName(name string) (int64, bool) {
	rest, ok := strings.CutPrefix(name, "central-")
	if !ok {
		return 0, false
	}
	rest, ok = strings.CutSuffix(rest, ".json")
	if !ok {
		return 0, false
	}
	seq, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || seq < 0 {
		return 0, false
	}
	return seq, true
}
