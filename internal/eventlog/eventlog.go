// Package eventlog persists the append-only mutation journal. Append assigns
// the monotonic sequence that orders every downstream consumer; the
// dead-letter file quarantines events the sync worker gave up on.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/erauner12/stocksync-api/internal/clock"
	"github.com/erauner12/stocksync-api/internal/fsio"
)

// Event types written by the mutation service.
const (
	TypeStockAdjusted = "stock_adjusted"
	TypeStockReserved = "stock_reserved"
)

// ErrNotFound is returned when an event id is absent from the log.
var ErrNotFound = errors.New("event not found")

// Payload carries the before/after picture of one mutation.
type Payload struct {
	SKU             string `json:"sku"`
	StoreID         string `json:"storeId"`
	Delta           *int   `json:"delta,omitempty"`
	ReservedQty     *int   `json:"reservedQty,omitempty"`
	PreviousQty     int    `json:"previousQty"`
	NewQty          int    `json:"newQty"`
	PreviousVersion int    `json:"previousVersion"`
	NewVersion      int    `json:"newVersion"`
}

// Event is one journal entry. ID comes from the caller (it is the idempotency
// handle); Sequence is assigned at append and never reused.
type Event struct {
	ID            string     `json:"id"`
	Sequence      int64      `json:"sequence"`
	Timestamp     time.Time  `json:"timestamp"`
	Type          string     `json:"type"`
	Payload       Payload    `json:"payload"`
	RetryCount    int        `json:"retryCount,omitempty"`
	LastFailureTs *time.Time `json:"lastFailureTs,omitempty"`
	FailureReason string     `json:"failureReason,omitempty"`
}

// DeadLetterEvent wraps an event the sync worker exhausted retries on.
type DeadLetterEvent struct {
	OriginalEvent      Event     `json:"originalEvent"`
	DLQTs              time.Time `json:"dlqTs"`
	FinalFailureReason string    `json:"finalFailureReason"`
	TotalRetries       int       `json:"totalRetries"`
}

// Stats summarizes the live log for the events admin endpoint.
type Stats struct {
	TotalEvents  int            `json:"totalEvents"`
	ByType       map[string]int `json:"byType"`
	LastSequence int64          `json:"lastSequence"`
	OldestTs     *time.Time     `json:"oldestTs,omitempty"`
	NewestTs     *time.Time     `json:"newestTs,omitempty"`
}

type logFile struct {
	Events       []Event `json:"events"`
	LastID       string  `json:"lastId,omitempty"`
	LastSequence int64   `json:"lastSequence,omitempty"`
}

type dlqFile struct {
	Events []DeadLetterEvent `json:"events"`
}

// Store keeps the journal in memory and mirrors every mutation to disk before
// applying it, so the in-memory view never runs ahead of the file. writeMu
// serializes mutations including their I/O; stateMu guards the in-memory view
// for readers.
type Store struct {
	files   *fsio.Files
	path    string
	dlqPath string
	clk     clock.Clock

	writeMu sync.Mutex
	stateMu sync.RWMutex
	events  []Event
	index   map[string]int
	lastID  string
	lastSeq int64
}

// Open loads the journal from path. A missing file is an empty log; a file
// that cannot be decoded is an error the caller should treat as fatal.
func Open(ctx context.Context, files *fsio.Files, path, dlqPath string, clk clock.Clock) (*Store, error) {
	if clk == nil {
		clk = clock.System()
	}
	s := &Store{files: files, path: path, dlqPath: dlqPath, clk: clk, index: make(map[string]int)}

	var f logFile
	err := files.ReadJSON(ctx, path, &f)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("open event log: %w", err)
	}

	s.events = f.Events
	s.index = reindex(f.Events)
	s.lastID = f.LastID
	s.lastSeq = f.LastSequence
	// a log written before the counters existed still has a live tail
	if s.lastSeq == 0 && len(f.Events) > 0 {
		last := f.Events[len(f.Events)-1]
		s.lastID, s.lastSeq = last.ID, last.Sequence
	}
	return s, nil
}

// Append journals ev with the next sequence. A duplicate id is a no-op that
// returns the already-stored event, which is what makes retried HTTP requests
// safe to replay.
func (s *Store) Append(ctx context.Context, ev Event) (Event, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.stateMu.RLock()
	if i, ok := s.index[ev.ID]; ok {
		existing := s.events[i]
		s.stateMu.RUnlock()
		return existing, nil
	}
	next := make([]Event, len(s.events), len(s.events)+1)
	copy(next, s.events)
	seq := s.lastSeq + 1
	s.stateMu.RUnlock()

	ev.Sequence = seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.clk.Now().UTC()
	}
	next = append(next, ev)

	if err := s.persist(ctx, next, ev.ID, seq); err != nil {
		return Event{}, fmt.Errorf("append event %s: %w", ev.ID, err)
	}

	s.stateMu.Lock()
	s.events = next
	s.index[ev.ID] = len(next) - 1
	s.lastID = ev.ID
	s.lastSeq = seq
	s.stateMu.Unlock()
	return ev, nil
}

// GetAll returns a copy of every event in sequence order.
func (s *Store) GetAll() []Event {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// GetByType filters events by type.
func (s *Store) GetByType(t string) []Event {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	var out []Event
	for _, ev := range s.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// GetByTimeRange returns events with from ≤ timestamp ≤ to.
func (s *Store) GetByTimeRange(from, to time.Time) []Event {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	var out []Event
	for _, ev := range s.events {
		if !ev.Timestamp.Before(from) && !ev.Timestamp.After(to) {
			out = append(out, ev)
		}
	}
	return out
}

// GetAfterSequence returns events with sequence strictly greater than seq.
// This is the sync worker's read.
func (s *Store) GetAfterSequence(seq int64) []Event {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	var out []Event
	for _, ev := range s.events {
		if ev.Sequence > seq {
			out = append(out, ev)
		}
	}
	return out
}

// GetByID looks up one event.
func (s *Store) GetByID(id string) (Event, bool) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	i, ok := s.index[id]
	if !ok {
		return Event{}, false
	}
	return s.events[i], true
}

// GetLast returns the most recently appended event still in the log.
func (s *Store) GetLast() (Event, bool) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	if len(s.events) == 0 {
		return Event{}, false
	}
	return s.events[len(s.events)-1], true
}

// GetPaginated returns the window [offset, offset+limit) and the total count.
func (s *Store) GetPaginated(offset, limit int) ([]Event, int) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	total := len(s.events)
	if offset < 0 {
		offset = 0
	}
	if offset >= total || limit <= 0 {
		return []Event{}, total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	out := make([]Event, end-offset)
	copy(out, s.events[offset:end])
	return out, total
}

// Count returns the number of live events.
func (s *Store) Count() int {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return len(s.events)
}

// LastSequence returns the highest sequence ever assigned, surviving
// compaction and removal.
func (s *Store) LastSequence() int64 {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.lastSeq
}

// GetStats aggregates the live log.
func (s *Store) GetStats() Stats {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	st := Stats{
		TotalEvents:  len(s.events),
		ByType:       make(map[string]int),
		LastSequence: s.lastSeq,
	}
	for _, ev := range s.events {
		st.ByType[ev.Type]++
	}
	if len(s.events) > 0 {
		oldest := s.events[0].Timestamp
		newest := s.events[len(s.events)-1].Timestamp
		st.OldestTs = &oldest
		st.NewestTs = &newest
	}
	return st
}

// UpdateRetryInfo overwrites retry bookkeeping on one event and stamps the
// failure time.
func (s *Store) UpdateRetryInfo(ctx context.Context, id string, retryCount int, reason string) error {
	now := s.clk.Now().UTC()
	_, err := s.updateEvent(ctx, id, func(ev *Event) {
		ev.RetryCount = retryCount
		ev.LastFailureTs = &now
		if reason != "" {
			ev.FailureReason = reason
		}
	})
	return err
}

// RecordFailure increments the event's retry count and returns the new
// count, so the caller can compare it against its dead-letter ceiling.
func (s *Store) RecordFailure(ctx context.Context, id, reason string) (int, error) {
	now := s.clk.Now().UTC()
	ev, err := s.updateEvent(ctx, id, func(ev *Event) {
		ev.RetryCount++
		ev.LastFailureTs = &now
		ev.FailureReason = reason
	})
	if err != nil {
		return 0, err
	}
	return ev.RetryCount, nil
}

// MoveToDeadLetter quarantines the event and drops it from the live log. The
// dead-letter file is written first, so a crash between the two writes
// duplicates the event rather than losing it.
func (s *Store) MoveToDeadLetter(ctx context.Context, id, finalReason string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.stateMu.RLock()
	i, ok := s.index[id]
	if !ok {
		s.stateMu.RUnlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	ev := s.events[i]
	next := make([]Event, 0, len(s.events)-1)
	next = append(next, s.events[:i]...)
	next = append(next, s.events[i+1:]...)
	lastID, lastSeq := s.lastID, s.lastSeq
	s.stateMu.RUnlock()

	entries, err := s.readDeadLetters(ctx)
	if err != nil {
		return err
	}
	entries = append(entries, DeadLetterEvent{
		OriginalEvent:      ev,
		DLQTs:              s.clk.Now().UTC(),
		FinalFailureReason: finalReason,
		TotalRetries:       ev.RetryCount,
	})
	if err := s.files.WriteJSONAtomic(ctx, s.dlqPath, dlqFile{Events: entries}); err != nil {
		return fmt.Errorf("write dead letters: %w", err)
	}
	if err := s.persist(ctx, next, lastID, lastSeq); err != nil {
		return fmt.Errorf("remove event %s: %w", id, err)
	}

	s.stateMu.Lock()
	s.events = next
	s.index = reindex(next)
	s.stateMu.Unlock()
	return nil
}

// RemoveEvent deletes one event from the live log. Sequence counters are
// untouched so later appends stay monotonic.
func (s *Store) RemoveEvent(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.stateMu.RLock()
	i, ok := s.index[id]
	if !ok {
		s.stateMu.RUnlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next := make([]Event, 0, len(s.events)-1)
	next = append(next, s.events[:i]...)
	next = append(next, s.events[i+1:]...)
	lastID, lastSeq := s.lastID, s.lastSeq
	s.stateMu.RUnlock()

	if err := s.persist(ctx, next, lastID, lastSeq); err != nil {
		return fmt.Errorf("remove event %s: %w", id, err)
	}

	s.stateMu.Lock()
	s.events = next
	s.index = reindex(next)
	s.stateMu.Unlock()
	return nil
}

// Clear empties the live log while preserving the sequence counters.
func (s *Store) Clear(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.stateMu.RLock()
	lastID, lastSeq := s.lastID, s.lastSeq
	s.stateMu.RUnlock()

	if err := s.persist(ctx, nil, lastID, lastSeq); err != nil {
		return fmt.Errorf("clear event log: %w", err)
	}

	s.stateMu.Lock()
	s.events = nil
	s.index = make(map[string]int)
	s.stateMu.Unlock()
	return nil
}

// CompactBelow drops every event with sequence ≤ seq and reports how many
// were removed. lastId/lastSequence survive even when the log empties, so
// the next append continues the global order.
func (s *Store) CompactBelow(ctx context.Context, seq int64) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.stateMu.RLock()
	tail := make([]Event, 0, len(s.events))
	for _, ev := range s.events {
		if ev.Sequence > seq {
			tail = append(tail, ev)
		}
	}
	removed := len(s.events) - len(tail)
	lastID, lastSeq := s.lastID, s.lastSeq
	s.stateMu.RUnlock()

	if removed == 0 {
		return 0, nil
	}
	if len(tail) > 0 {
		lastID = tail[len(tail)-1].ID
		lastSeq = tail[len(tail)-1].Sequence
	}

	if err := s.persist(ctx, tail, lastID, lastSeq); err != nil {
		return 0, fmt.Errorf("compact event log: %w", err)
	}

	s.stateMu.Lock()
	s.events = tail
	s.index = reindex(tail)
	s.lastID = lastID
	s.lastSeq = lastSeq
	s.stateMu.Unlock()
	return removed, nil
}

// DeadLetters reads the quarantine file.
func (s *Store) DeadLetters(ctx context.Context) ([]DeadLetterEvent, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.readDeadLetters(ctx)
}

func (s *Store) updateEvent(ctx context.Context, id string, apply func(*Event)) (Event, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.stateMu.RLock()
	i, ok := s.index[id]
	if !ok {
		s.stateMu.RUnlock()
		return Event{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next := make([]Event, len(s.events))
	copy(next, s.events)
	lastID, lastSeq := s.lastID, s.lastSeq
	s.stateMu.RUnlock()

	apply(&next[i])
	if err := s.persist(ctx, next, lastID, lastSeq); err != nil {
		return Event{}, fmt.Errorf("update event %s: %w", id, err)
	}

	s.stateMu.Lock()
	s.events = next
	s.stateMu.Unlock()
	return next[i], nil
}

func (s *Store) persist(ctx context.Context, events []Event, lastID string, lastSeq int64) error {
	return s.files.WriteJSONAtomic(ctx, s.path, logFile{Events: events, LastID: lastID, LastSequence: lastSeq})
}

func (s *Store) readDeadLetters(ctx context.Context) ([]DeadLetterEvent, error) {
	var f dlqFile
	err := s.files.ReadJSON(ctx, s.dlqPath, &f)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read dead letters: %w", err)
	}
	return f.Events, nil
}

func reindex(events []Event) map[string]int {
	idx := make(map[string]int, len(events))
	for i, ev := range events {
		idx[ev.ID] = i
	}
	return idx
}
