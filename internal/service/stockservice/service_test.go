package stockservice

import (
	"context"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/erauner12/stocksync-api/internal/clock"
	"github.com/erauner12/stocksync-api/internal/eventlog"
	"github.com/erauner12/stocksync-api/internal/fsio"
	"github.com/erauner12/stocksync-api/internal/idempotency"
	"github.com/erauner12/stocksync-api/internal/inventory"
	"github.com/erauner12/stocksync-api/internal/keymutex"
	"github.com/erauner12/stocksync-api/internal/lease"
	"github.com/erauner12/stocksync-api/internal/metrics"
	"github.com/erauner12/stocksync-api/internal/resilience"
)

type fixture struct {
	svc    *Service
	inv    *inventory.Store
	log    *eventlog.Store
	idem   *idempotency.Store
	met    *metrics.Registry
	leases *lease.Manager
}

func newTestFiles() *fsio.Files {
	return fsio.New(
		resilience.NewBulkhead("fs", 8, 64),
		resilience.NewCircuitBreaker("fs", 5, 50*time.Millisecond, 0, clock.System()),
		resilience.NewRetryer(time.Millisecond, 2, 0, rand.NewSource(1)),
	)
}

func newFixture(t *testing.T, leases *lease.Manager) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	files := newTestFiles()

	inv, err := inventory.Open(ctx, files, filepath.Join(dir, "store-inventory.json"))
	require.NoError(t, err)
	elog, err := eventlog.Open(ctx, files,
		filepath.Join(dir, "event-log.json"), filepath.Join(dir, "dead-letter.json"), clock.System())
	require.NoError(t, err)

	idem := idempotency.New(clock.System())
	met := metrics.NewRegistry()
	svc := New(inv, elog, idem, keymutex.New(), leases, clock.System(), met, Options{
		LockTTL:        2 * time.Second,
		LockRetryAfter: 300 * time.Millisecond,
		IdempotencyTTL: 5 * time.Minute,
	})
	return &fixture{svc: svc, inv: inv, log: elog, idem: idem, met: met, leases: leases}
}

func intp(v int) *int { return &v }

func TestAdjustHappyPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	res, err := f.svc.AdjustStock(ctx, AdjustRequest{StoreID: "STORE001", SKU: "SKU123", Delta: 100})
	require.NoError(t, err)
	require.Equal(t, 100, res.NewQuantity)
	require.Equal(t, 2, res.NewVersion)
	require.False(t, res.Replayed)

	rec, err := f.svc.GetStock("STORE001", "SKU123")
	require.NoError(t, err)
	require.Equal(t, 100, rec.Qty)
	require.Equal(t, 2, rec.Version)

	events := f.log.GetAll()
	require.Len(t, events, 1)
	ev := events[0]
	require.Equal(t, eventlog.TypeStockAdjusted, ev.Type)
	require.Equal(t, int64(1), ev.Sequence)
	require.Equal(t, 0, ev.Payload.PreviousQty)
	require.Equal(t, 100, ev.Payload.NewQty)
	require.Equal(t, 1, ev.Payload.PreviousVersion)
	require.Equal(t, 2, ev.Payload.NewVersion)
	require.NotNil(t, ev.Payload.Delta)
	require.Equal(t, 100, *ev.Payload.Delta)
	require.Equal(t, uint64(1), f.met.Get(metrics.StockAdjusted))
}

func TestExpectedVersionConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.svc.AdjustStock(ctx, AdjustRequest{StoreID: "STORE001", SKU: "SKU123", Delta: 100})
	require.NoError(t, err)

	_, err = f.svc.AdjustStock(ctx, AdjustRequest{
		StoreID: "STORE001", SKU: "SKU123", Delta: 10, ExpectedVersion: intp(1),
	})
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, 1, conflict.Expected)
	require.Equal(t, 2, conflict.Current)

	// state and journal are untouched by the refused mutation
	rec, err := f.svc.GetStock("STORE001", "SKU123")
	require.NoError(t, err)
	require.Equal(t, 100, rec.Qty)
	require.Equal(t, 2, rec.Version)
	require.Equal(t, 1, f.log.Count())
	require.Equal(t, uint64(1), f.met.Get(metrics.VersionConflicts))
}

func TestExpectedVersionMatchSucceeds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.svc.AdjustStock(ctx, AdjustRequest{StoreID: "STORE001", SKU: "SKU123", Delta: 100})
	require.NoError(t, err)

	res, err := f.svc.AdjustStock(ctx, AdjustRequest{
		StoreID: "STORE001", SKU: "SKU123", Delta: 10, ExpectedVersion: intp(2),
	})
	require.NoError(t, err)
	require.Equal(t, 110, res.NewQuantity)
	require.Equal(t, 3, res.NewVersion)
}

func TestReserveBeyondStock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.svc.AdjustStock(ctx, AdjustRequest{StoreID: "STORE001", SKU: "SKU123", Delta: 100})
	require.NoError(t, err)

	_, err = f.svc.ReserveStock(ctx, ReserveRequest{StoreID: "STORE001", SKU: "SKU123", Qty: 150})
	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	require.Equal(t, 100, insufficient.Available)
	require.Equal(t, 150, insufficient.Requested)

	rec, err := f.svc.GetStock("STORE001", "SKU123")
	require.NoError(t, err)
	require.Equal(t, 100, rec.Qty)
	require.Equal(t, 2, rec.Version)
}

func TestReserveHappyPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.svc.AdjustStock(ctx, AdjustRequest{StoreID: "STORE001", SKU: "SKU123", Delta: 100})
	require.NoError(t, err)

	res, err := f.svc.ReserveStock(ctx, ReserveRequest{StoreID: "STORE001", SKU: "SKU123", Qty: 30})
	require.NoError(t, err)
	require.Equal(t, 70, res.NewQuantity)
	require.Equal(t, 3, res.NewVersion)

	events := f.log.GetByType(eventlog.TypeStockReserved)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].Payload.ReservedQty)
	require.Equal(t, 30, *events[0].Payload.ReservedQty)
	require.Equal(t, uint64(1), f.met.Get(metrics.StockReserved))
}

func TestReserveRequiresPositiveQty(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	for _, qty := range []int{0, -5} {
		_, err := f.svc.ReserveStock(ctx, ReserveRequest{StoreID: "STORE001", SKU: "SKU123", Qty: qty})
		var validation *ValidationError
		require.ErrorAs(t, err, &validation)
	}
	require.Equal(t, 0, f.log.Count())
}

func TestAdjustCannotGoNegative(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.svc.AdjustStock(ctx, AdjustRequest{StoreID: "STORE001", SKU: "SKU123", Delta: -5})
	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	require.Equal(t, 0, insufficient.Available)
	require.Equal(t, 5, insufficient.Requested)

	// the refused first touch must not create the record
	_, err = f.svc.GetStock("STORE001", "SKU123")
	require.ErrorIs(t, err, inventory.ErrNotFound)
}

func TestMissingIdentifiersRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.svc.AdjustStock(ctx, AdjustRequest{StoreID: "", SKU: "SKU123", Delta: 1})
	var validation *ValidationError
	require.ErrorAs(t, err, &validation)

	_, err = f.svc.ReserveStock(ctx, ReserveRequest{StoreID: "STORE001", SKU: "", Qty: 1})
	require.ErrorAs(t, err, &validation)
}

func TestIdempotentReplay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	first, err := f.svc.AdjustStock(ctx, AdjustRequest{
		StoreID: "STORE001", SKU: "SKU123", Delta: 50, IdempotencyKey: "K",
	})
	require.NoError(t, err)
	require.Equal(t, 50, first.NewQuantity)

	second, err := f.svc.AdjustStock(ctx, AdjustRequest{
		StoreID: "STORE001", SKU: "SKU123", Delta: 50, IdempotencyKey: "K",
	})
	require.NoError(t, err)
	require.True(t, second.Replayed)
	require.Equal(t, first.NewQuantity, second.NewQuantity)
	require.Equal(t, first.NewVersion, second.NewVersion)

	// the replay performed no new work
	require.Equal(t, 1, f.log.Count())
	rec, err := f.svc.GetStock("STORE001", "SKU123")
	require.NoError(t, err)
	require.Equal(t, 50, rec.Qty)

	// same key with a different payload is a conflict
	_, err = f.svc.AdjustStock(ctx, AdjustRequest{
		StoreID: "STORE001", SKU: "SKU123", Delta: 51, IdempotencyKey: "K",
	})
	var conflict *IdempotencyConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, "K", conflict.Key)

	require.Equal(t, uint64(1), f.met.Get(metrics.IdempotentReplays))
	require.Equal(t, uint64(1), f.met.Get(metrics.IdempotencyConflicts))
}

func TestFailedMutationIsNotCached(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.svc.ReserveStock(ctx, ReserveRequest{
		StoreID: "STORE001", SKU: "SKU123", Qty: 10, IdempotencyKey: "K",
	})
	require.Error(t, err)

	// after stocking up, the same key runs the mutation for real
	_, err = f.svc.AdjustStock(ctx, AdjustRequest{StoreID: "STORE001", SKU: "SKU123", Delta: 100})
	require.NoError(t, err)

	res, err := f.svc.ReserveStock(ctx, ReserveRequest{
		StoreID: "STORE001", SKU: "SKU123", Qty: 10, IdempotencyKey: "K",
	})
	require.NoError(t, err)
	require.False(t, res.Replayed)
	require.Equal(t, 90, res.NewQuantity)
}

func TestConcurrentAdjustsSerializePerSKU(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	g := new(errgroup.Group)
	for i := 0; i < 100; i++ {
		g.Go(func() error {
			_, err := f.svc.AdjustStock(ctx, AdjustRequest{StoreID: "STORE001", SKU: "SKU123", Delta: 1})
			return err
		})
	}
	require.NoError(t, g.Wait())

	rec, err := f.svc.GetStock("STORE001", "SKU123")
	require.NoError(t, err)
	require.Equal(t, 100, rec.Qty)
	require.Equal(t, 101, rec.Version)

	// every mutation took a distinct version with no gaps
	events := f.log.GetAll()
	require.Len(t, events, 100)
	seen := make(map[int]bool, 100)
	for _, ev := range events {
		require.False(t, seen[ev.Payload.NewVersion], "version %d assigned twice", ev.Payload.NewVersion)
		seen[ev.Payload.NewVersion] = true
	}
	for v := 2; v <= 101; v++ {
		require.True(t, seen[v], "version %d missing", v)
	}
}

func TestLeaseRejection(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	met := metrics.NewRegistry()

	mine, err := lease.NewManager(dir, "owner-mine", clock.System(), met)
	require.NoError(t, err)
	other, err := lease.NewManager(dir, "owner-other", clock.System(), met)
	require.NoError(t, err)

	f := newFixture(t, mine)

	// another process holds the SKU
	_, err = other.Acquire("SKU123", time.Minute)
	require.NoError(t, err)

	_, err = f.svc.AdjustStock(ctx, AdjustRequest{StoreID: "STORE001", SKU: "SKU123", Delta: 1})
	var rejected *LockRejectionError
	require.ErrorAs(t, err, &rejected)
	require.Equal(t, "SKU123", rejected.SKU)
	require.Equal(t, 300*time.Millisecond, rejected.RetryAfter)
}

func TestLeaseReleasedAfterMutation(t *testing.T) {
	ctx := context.Background()
	mgr, err := lease.NewManager(t.TempDir(), "owner-mine", clock.System(), metrics.NewRegistry())
	require.NoError(t, err)
	f := newFixture(t, mgr)

	_, err = f.svc.AdjustStock(ctx, AdjustRequest{StoreID: "STORE001", SKU: "SKU123", Delta: 5})
	require.NoError(t, err)

	require.Equal(t, 0, mgr.Outstanding())
	require.False(t, mgr.IsLocked("SKU123"))
}
