package snapshot

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/erauner12/stocksync-api/internal/clock"
	"github.com/erauner12/stocksync-api/internal/eventlog"
	"github.com/erauner12/stocksync-api/internal/fsio"
	"github.com/erauner12/stocksync-api/internal/metrics"
	"github.com/erauner12/stocksync-api/internal/resilience"
)

func newTestFiles() *fsio.Files {
	return fsio.New(
		resilience.NewBulkhead("fs", 4, 16),
		resilience.NewCircuitBreaker("fs", 5, 50*time.Millisecond, 0, clock.System()),
		resilience.NewRetryer(time.Millisecond, 2, 0, rand.NewSource(1)),
	)
}

func mkEvent(seq int64, typ, storeID, sku string, newQty, newVersion int) eventlog.Event {
	return eventlog.Event{
		ID:        "ev-" + sku,
		Sequence:  seq,
		Timestamp: time.Date(2026, 4, 1, 10, 0, int(seq), 0, time.UTC),
		Type:      typ,
		Payload: eventlog.Payload{
			SKU:        sku,
			StoreID:    storeID,
			NewQty:     newQty,
			NewVersion: newVersion,
		},
	}
}

func TestFoldAppliesAbsoluteState(t *testing.T) {
	agg := make(CentralInventory)

	ev1 := mkEvent(1, eventlog.TypeStockAdjusted, "STORE001", "SKU123", 100, 2)
	require.NoError(t, Fold(agg, ev1))
	require.Equal(t, 100, agg["STORE001"]["SKU123"].Qty)
	require.Equal(t, 2, agg["STORE001"]["SKU123"].Version)
	require.Equal(t, ev1.Timestamp, agg["STORE001"]["SKU123"].UpdatedAt)

	ev2 := mkEvent(2, eventlog.TypeStockReserved, "STORE001", "SKU123", 80, 3)
	require.NoError(t, Fold(agg, ev2))
	require.Equal(t, 80, agg["STORE001"]["SKU123"].Qty)
	require.Equal(t, 3, agg["STORE001"]["SKU123"].Version)

	// refolding an already applied event changes nothing
	before := agg.Clone()
	require.NoError(t, Fold(agg, ev2))
	if diff := cmp.Diff(before, agg); diff != "" {
		t.Fatalf("aggregate changed on refold (-want +got):\n%s", diff)
	}
}

func TestFoldUnknownType(t *testing.T) {
	agg := make(CentralInventory)
	ev := mkEvent(1, "stock_audited", "STORE001", "SKU123", 5, 2)

	require.ErrorIs(t, Fold(agg, ev), ErrUnknownEventType)
	require.Empty(t, agg)
}

func TestFoldRejectsMissingIdentity(t *testing.T) {
	agg := make(CentralInventory)
	ev := mkEvent(1, eventlog.TypeStockAdjusted, "STORE001", "", 5, 2)

	err := Fold(agg, ev)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrUnknownEventType)
}

func TestCloneIsDeep(t *testing.T) {
	agg := CentralInventory{"STORE001": {"SKU123": {Qty: 1, Version: 2}}}

	clone := agg.Clone()
	clone["STORE001"]["SKU123"] = CentralRecord{Qty: 99, Version: 3}

	require.Equal(t, 1, agg["STORE001"]["SKU123"].Qty)
}

func TestMaybeSnapshotCadence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	clk := clock.NewManual(time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC))
	met := metrics.NewRegistry()
	snapper := NewSnapshotter(newTestFiles(), dir, 3, 5, clk, met)

	agg := make(CentralInventory)
	var applied []eventlog.Event
	for seq := int64(1); seq <= 2; seq++ {
		ev := mkEvent(seq, eventlog.TypeStockAdjusted, "STORE001", "SKU123", int(seq)*10, int(seq)+1)
		require.NoError(t, Fold(agg, ev))
		applied = append(applied, ev)
	}

	snap, err := snapper.MaybeSnapshot(ctx, applied, agg)
	require.NoError(t, err)
	require.Nil(t, snap)

	ev := mkEvent(3, eventlog.TypeStockAdjusted, "STORE001", "SKU123", 30, 4)
	require.NoError(t, Fold(agg, ev))
	applied = append(applied, ev)

	snap, err = snapper.MaybeSnapshot(ctx, applied, agg)
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.Equal(t, int64(3), snap.Sequence)
	require.Equal(t, 3, snap.EventCount)
	require.Equal(t, clk.Now(), snap.Timestamp)
	require.FileExists(t, filepath.Join(dir, "central-3.json"))
	require.Equal(t, uint64(1), met.Get(metrics.SnapshotsTaken))

	loaded, err := snapper.Load(ctx, 3)
	require.NoError(t, err)
	if diff := cmp.Diff(snap, loaded); diff != "" {
		t.Fatalf("snapshot round trip mismatch (-want +got):\n%s", diff)
	}

	// off-cadence batch size stays quiet
	applied = append(applied, mkEvent(4, eventlog.TypeStockAdjusted, "STORE001", "SKU123", 40, 5))
	snap, err = snapper.MaybeSnapshot(ctx, applied, agg)
	require.NoError(t, err)
	require.Nil(t, snap)

	snap, err = snapper.MaybeSnapshot(ctx, nil, agg)
	require.NoError(t, err)
	require.Nil(t, snap)
}

func TestSnapshotIsDetachedFromAggregate(t *testing.T) {
	ctx := context.Background()
	snapper := NewSnapshotter(newTestFiles(), t.TempDir(), 1, 5, clock.System(), nil)

	agg := make(CentralInventory)
	ev := mkEvent(1, eventlog.TypeStockAdjusted, "STORE001", "SKU123", 10, 2)
	require.NoError(t, Fold(agg, ev))

	snap, err := snapper.MaybeSnapshot(ctx, []eventlog.Event{ev}, agg)
	require.NoError(t, err)
	require.NotNil(t, snap)

	// later folds must not leak into the captured snapshot
	require.NoError(t, Fold(agg, mkEvent(2, eventlog.TypeStockAdjusted, "STORE001", "SKU123", 999, 3)))
	require.Equal(t, 10, snap.CentralInventory["STORE001"]["SKU123"].Qty)
}

func TestListLatestAndCleanup(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	met := metrics.NewRegistry()
	snapper := NewSnapshotter(newTestFiles(), dir, 3, 2, clock.NewManual(time.Now()), met)

	agg := make(CentralInventory)
	var applied []eventlog.Event
	for seq := int64(1); seq <= 9; seq++ {
		ev := mkEvent(seq, eventlog.TypeStockAdjusted, "STORE001", "SKU123", int(seq), int(seq)+1)
		require.NoError(t, Fold(agg, ev))
		applied = append(applied, ev)
		if _, err := snapper.MaybeSnapshot(ctx, applied, agg); err != nil {
			t.Fatal(err)
		}
	}

	// stray files are ignored by the scan
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "central-x.json"), []byte("{}"), 0o644))

	seqs, err := snapper.List(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{3, 6, 9}, seqs)

	latest, err := snapper.Latest(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	require.Equal(t, int64(9), latest.Sequence)

	removed, err := snapper.CleanupOld(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	require.Equal(t, uint64(1), met.Get(metrics.SnapshotsCleaned))

	seqs, err = snapper.List(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{6, 9}, seqs)
	require.NoFileExists(t, filepath.Join(dir, "central-3.json"))
}

func TestLatestEmptyDirIsNil(t *testing.T) {
	snapper := NewSnapshotter(newTestFiles(), filepath.Join(t.TempDir(), "missing"), 3, 5, clock.System(), nil)

	latest, err := snapper.Latest(context.Background())
	require.NoError(t, err)
	require.Nil(t, latest)
}
