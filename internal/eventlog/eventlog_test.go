package eventlog

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/erauner12/stocksync-api/internal/clock"
	"github.com/erauner12/stocksync-api/internal/fsio"
	"github.com/erauner12/stocksync-api/internal/resilience"
)

func newTestFiles() *fsio.Files {
	return fsio.New(
		resilience.NewBulkhead("fs", 4, 16),
		resilience.NewCircuitBreaker("fs", 5, 50*time.Millisecond, 0, clock.System()),
		resilience.NewRetryer(time.Millisecond, 2, 0, rand.NewSource(1)),
	)
}

func newTestStore(t *testing.T, clk clock.Clock) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(context.Background(), newTestFiles(),
		filepath.Join(dir, "event-log.json"), filepath.Join(dir, "dead-letter.json"), clk)
	require.NoError(t, err)
	return s, dir
}

func mkEvent(id, typ string, ts time.Time) Event {
	return Event{
		ID:        id,
		Timestamp: ts,
		Type:      typ,
		Payload: Payload{
			SKU:             "SKU123",
			StoreID:         "STORE001",
			PreviousQty:     0,
			NewQty:          10,
			PreviousVersion: 1,
			NewVersion:      2,
		},
	}
}

func TestAppendAssignsMonotonicSequence(t *testing.T) {
	ctx := context.Background()
	s, dir := newTestStore(t, clock.System())
	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	for i, id := range []string{"ev-1", "ev-2", "ev-3"} {
		ev, err := s.Append(ctx, mkEvent(id, TypeStockAdjusted, base.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
		require.Equal(t, int64(i+1), ev.Sequence)
	}
	require.Equal(t, int64(3), s.LastSequence())
	require.Equal(t, 3, s.Count())

	// reopening reads back the same state
	reopened, err := Open(ctx, newTestFiles(),
		filepath.Join(dir, "event-log.json"), filepath.Join(dir, "dead-letter.json"), clock.System())
	require.NoError(t, err)
	require.Equal(t, int64(3), reopened.LastSequence())
	require.Equal(t, s.GetAll(), reopened.GetAll())
}

func TestAppendDuplicateIDIsNoOp(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, clock.System())
	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	first, err := s.Append(ctx, mkEvent("ev-1", TypeStockAdjusted, base))
	require.NoError(t, err)

	dup := mkEvent("ev-1", TypeStockReserved, base.Add(time.Hour))
	again, err := s.Append(ctx, dup)
	require.NoError(t, err)
	require.Equal(t, first, again)
	require.Equal(t, 1, s.Count())
	require.Equal(t, int64(1), s.LastSequence())
}

func TestQueries(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, clock.System())
	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	_, err := s.Append(ctx, mkEvent("ev-1", TypeStockAdjusted, base))
	require.NoError(t, err)
	_, err = s.Append(ctx, mkEvent("ev-2", TypeStockReserved, base.Add(time.Minute)))
	require.NoError(t, err)
	_, err = s.Append(ctx, mkEvent("ev-3", TypeStockAdjusted, base.Add(2*time.Minute)))
	require.NoError(t, err)

	require.Len(t, s.GetByType(TypeStockAdjusted), 2)
	require.Len(t, s.GetByType(TypeStockReserved), 1)

	// range bounds are inclusive
	inRange := s.GetByTimeRange(base, base.Add(time.Minute))
	require.Len(t, inRange, 2)
	require.Equal(t, "ev-1", inRange[0].ID)
	require.Equal(t, "ev-2", inRange[1].ID)

	after := s.GetAfterSequence(1)
	require.Len(t, after, 2)
	require.Equal(t, int64(2), after[0].Sequence)

	ev, ok := s.GetByID("ev-2")
	require.True(t, ok)
	require.Equal(t, int64(2), ev.Sequence)
	_, ok = s.GetByID("nope")
	require.False(t, ok)

	last, ok := s.GetLast()
	require.True(t, ok)
	require.Equal(t, "ev-3", last.ID)

	page, total := s.GetPaginated(1, 1)
	require.Equal(t, 3, total)
	require.Len(t, page, 1)
	require.Equal(t, "ev-2", page[0].ID)

	page, total = s.GetPaginated(5, 10)
	require.Equal(t, 3, total)
	require.Empty(t, page)

	stats := s.GetStats()
	require.Equal(t, 3, stats.TotalEvents)
	require.Equal(t, 2, stats.ByType[TypeStockAdjusted])
	require.Equal(t, int64(3), stats.LastSequence)
	require.Equal(t, base, *stats.OldestTs)
}

func TestRecordFailureIncrements(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	clk := clock.NewManual(now)
	s, _ := newTestStore(t, clk)

	_, err := s.Append(ctx, mkEvent("ev-1", TypeStockAdjusted, now))
	require.NoError(t, err)

	count, err := s.RecordFailure(ctx, "ev-1", "boom")
	require.NoError(t, err)
	require.Equal(t, 1, count)

	clk.Advance(time.Second)
	count, err = s.RecordFailure(ctx, "ev-1", "boom again")
	require.NoError(t, err)
	require.Equal(t, 2, count)

	ev, ok := s.GetByID("ev-1")
	require.True(t, ok)
	require.Equal(t, 2, ev.RetryCount)
	require.Equal(t, "boom again", ev.FailureReason)
	require.Equal(t, now.Add(time.Second), *ev.LastFailureTs)

	require.NoError(t, s.UpdateRetryInfo(ctx, "ev-1", 7, ""))
	ev, _ = s.GetByID("ev-1")
	require.Equal(t, 7, ev.RetryCount)
	require.Equal(t, "boom again", ev.FailureReason)
}

func TestMoveToDeadLetter(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	clk := clock.NewManual(now)
	s, _ := newTestStore(t, clk)

	_, err := s.Append(ctx, mkEvent("ev-1", TypeStockAdjusted, now))
	require.NoError(t, err)
	_, err = s.Append(ctx, mkEvent("ev-2", TypeStockAdjusted, now))
	require.NoError(t, err)

	_, err = s.RecordFailure(ctx, "ev-1", "poison")
	require.NoError(t, err)
	_, err = s.RecordFailure(ctx, "ev-1", "poison")
	require.NoError(t, err)

	require.NoError(t, s.MoveToDeadLetter(ctx, "ev-1", "Max retries (3) exceeded"))

	require.Equal(t, 1, s.Count())
	_, ok := s.GetByID("ev-1")
	require.False(t, ok)
	require.Equal(t, int64(2), s.LastSequence())

	letters, err := s.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	require.Equal(t, "ev-1", letters[0].OriginalEvent.ID)
	require.Equal(t, 2, letters[0].TotalRetries)
	require.Equal(t, "Max retries (3) exceeded", letters[0].FinalFailureReason)
	require.Equal(t, now, letters[0].DLQTs)

	// sequence keeps climbing after the removal
	ev, err := s.Append(ctx, mkEvent("ev-3", TypeStockAdjusted, now))
	require.NoError(t, err)
	require.Equal(t, int64(3), ev.Sequence)
}

func TestCompactBelow(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, clock.System())
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	for _, id := range []string{"ev-1", "ev-2", "ev-3", "ev-4", "ev-5"} {
		_, err := s.Append(ctx, mkEvent(id, TypeStockAdjusted, now))
		require.NoError(t, err)
	}

	removed, err := s.CompactBelow(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, 3, removed)

	remaining := s.GetAll()
	require.Len(t, remaining, 2)
	require.Equal(t, int64(4), remaining[0].Sequence)
	require.Equal(t, int64(5), remaining[1].Sequence)
	require.Equal(t, int64(5), s.LastSequence())

	// compacting past the end empties the log but keeps the counters
	removed, err = s.CompactBelow(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 2, removed)
	require.Equal(t, 0, s.Count())
	require.Equal(t, int64(5), s.LastSequence())

	ev, err := s.Append(ctx, mkEvent("ev-6", TypeStockAdjusted, now))
	require.NoError(t, err)
	require.Equal(t, int64(6), ev.Sequence)
}

func TestCompactBelowNothingToDo(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, clock.System())

	_, err := s.Append(ctx, mkEvent("ev-1", TypeStockAdjusted, time.Now()))
	require.NoError(t, err)

	removed, err := s.CompactBelow(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 0, removed)
	require.Equal(t, 1, s.Count())
}

func TestClearPreservesCounters(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, clock.System())

	_, err := s.Append(ctx, mkEvent("ev-1", TypeStockAdjusted, time.Now()))
	require.NoError(t, err)
	_, err = s.Append(ctx, mkEvent("ev-2", TypeStockAdjusted, time.Now()))
	require.NoError(t, err)

	require.NoError(t, s.Clear(ctx))
	require.Equal(t, 0, s.Count())
	require.Equal(t, int64(2), s.LastSequence())

	ev, err := s.Append(ctx, mkEvent("ev-3", TypeStockAdjusted, time.Now()))
	require.NoError(t, err)
	require.Equal(t, int64(3), ev.Sequence)
}

func TestRemoveEventNotFound(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, clock.System())

	err := s.RemoveEvent(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestOpenMissingFileIsEmpty(t *testing.T) {
	s, _ := newTestStore(t, clock.System())
	require.Equal(t, 0, s.Count())
	require.Equal(t, int64(0), s.LastSequence())
}

func TestOpenCorruptFileFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "event-log.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o644))

	_, err := Open(context.Background(), newTestFiles(), path, filepath.Join(dir, "dead-letter.json"), clock.System())
	require.Error(t, err)
}
