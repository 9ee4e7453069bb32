// Package inventory persists the store-local stock records keyed by
// (storeId, sku). Version assignment belongs to the mutation service; this
// store is last-writer-wins on whole records.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/erauner12/stocksync-api/internal/fsio"
)

// ErrNotFound is returned when no record exists for a (storeId, sku) pair.
var ErrNotFound = errors.New("inventory record not found")

// Record is one stock line.
type Record struct {
	StoreID   string    `json:"storeId"`
	SKU       string    `json:"sku"`
	Qty       int       `json:"qty"`
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store mirrors the records file in memory, persisting every mutation before
// applying it. writeMu serializes mutations including their I/O; stateMu
// guards the in-memory view for readers.
type Store struct {
	files *fsio.Files
	path  string

	writeMu sync.Mutex
	stateMu sync.RWMutex
	records map[string]map[string]Record
}

// Open loads the records file. Missing means empty; undecodable is an error
// the caller should treat as fatal.
func Open(ctx context.Context, files *fsio.Files, path string) (*Store, error) {
	s := &Store{files: files, path: path, records: make(map[string]map[string]Record)}

	var f map[string]map[string]Record
	err := files.ReadJSON(ctx, path, &f)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("open inventory store: %w", err)
	}
	if f != nil {
		s.records = f
	}
	return s, nil
}

// Get returns the record for (storeID, sku).
func (s *Store) Get(storeID, sku string) (Record, error) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	rec, ok := s.records[storeID][sku]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s/%s", ErrNotFound, storeID, sku)
	}
	return rec, nil
}

// Upsert writes rec under its (storeId, sku) identity.
func (s *Store) Upsert(ctx context.Context, rec Record) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.stateMu.RLock()
	next := cloneFor(s.records, rec.StoreID)
	s.stateMu.RUnlock()

	if next[rec.StoreID] == nil {
		next[rec.StoreID] = make(map[string]Record)
	}
	next[rec.StoreID][rec.SKU] = rec

	if err := s.files.WriteJSONAtomic(ctx, s.path, next); err != nil {
		return fmt.Errorf("upsert %s/%s: %w", rec.StoreID, rec.SKU, err)
	}

	s.stateMu.Lock()
	s.records = next
	s.stateMu.Unlock()
	return nil
}

// Delete removes the record; an emptied store map is pruned.
func (s *Store) Delete(ctx context.Context, storeID, sku string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.stateMu.RLock()
	if _, ok := s.records[storeID][sku]; !ok {
		s.stateMu.RUnlock()
		return fmt.Errorf("%w: %s/%s", ErrNotFound, storeID, sku)
	}
	next := cloneFor(s.records, storeID)
	s.stateMu.RUnlock()

	delete(next[storeID], sku)
	if len(next[storeID]) == 0 {
		delete(next, storeID)
	}

	if err := s.files.WriteJSONAtomic(ctx, s.path, next); err != nil {
		return fmt.Errorf("delete %s/%s: %w", storeID, sku, err)
	}

	s.stateMu.Lock()
	s.records = next
	s.stateMu.Unlock()
	return nil
}

// ListByStore returns the store's records sorted by SKU.
func (s *Store) ListByStore(storeID string) []Record {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	byStore := s.records[storeID]
	out := make([]Record, 0, len(byStore))
	for _, rec := range byStore {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out
}

// ListStores returns every store id holding at least one record, sorted.
func (s *Store) ListStores() []string {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	out := make([]string, 0, len(s.records))
	for id := range s.records {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// TotalCount returns the number of records across all stores.
func (s *Store) TotalCount() int {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	n := 0
	for _, byStore := range s.records {
		n += len(byStore)
	}
	return n
}

// cloneFor copies the outer map and the one inner map about to change, so
// readers holding the previous view are never mutated under.
func cloneFor(records map[string]map[string]Record, storeID string) map[string]map[string]Record {
	next := make(map[string]map[string]Record, len(records)+1)
	for id, byStore := range records {
		next[id] = byStore
	}
	if byStore, ok := records[storeID]; ok {
		inner := make(map[string]Record, len(byStore)+1)
		for sku, rec := range byStore {
			inner[sku] = rec
		}
		next[storeID] = inner
	}
	return next
}
