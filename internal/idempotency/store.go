// Package idempotency caches mutation results by client-supplied key so a
// retried request replays the original outcome instead of re-executing.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/erauner12/stocksync-api/internal/clock"
)

// Status tracks an entry through its lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

type entry struct {
	fingerprint string
	result      any
	status      Status
	expiresAt   time.Time
}

// Lookup is the outcome of Check: a hit replays the cached result, a
// conflict means the key was reused with a different payload, and the zero
// value is a miss.
type Lookup struct {
	Hit      bool
	Conflict bool
	Result   any
	Status   Status
}

// Store is an in-memory idempotency cache with TTL expiry. Expired entries
// are reaped lazily on Check and in bulk by the janitor.
type Store struct {
	clk clock.Clock

	mu      sync.RWMutex
	entries map[string]*entry

	stopOnce sync.Once
	stop     chan struct{}
}

func New(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.System()
	}
	return &Store{
		clk:     clk,
		entries: make(map[string]*entry),
		stop:    make(chan struct{}),
	}
}

// Fingerprint hashes the canonical JSON encoding of payload. Key order of
// the source document does not affect the result.
func Fingerprint(payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("fingerprint payload: %w", err)
	}
	// Round-trip through any: object keys come back sorted from json.Marshal.
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("fingerprint payload: %w", err)
	}
	canon, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("fingerprint payload: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// Check looks up key. A matching fingerprint returns the cached result; a
// different fingerprint on a live key is a conflict; an unknown or expired
// key is a miss.
func (s *Store) Check(key, fingerprint string) Lookup {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return Lookup{}
	}
	if s.clk.Now().After(e.expiresAt) {
		s.mu.Lock()
		if cur, live := s.entries[key]; live && cur == e {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return Lookup{}
	}
	if e.fingerprint != fingerprint {
		return Lookup{Conflict: true, Status: e.status}
	}
	return Lookup{Hit: true, Result: e.result, Status: e.status}
}

// Set stores or replaces the entry for key with the given retention.
func (s *Store) Set(key, fingerprint string, result any, status Status, ttl time.Duration) {
	s.mu.Lock()
	s.entries[key] = &entry{
		fingerprint: fingerprint,
		result:      result,
		status:      status,
		expiresAt:   s.clk.Now().Add(ttl),
	}
	s.mu.Unlock()
}

// Len reports stored entries, including expired ones not yet swept.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// StartJanitor sweeps expired entries every interval until Stop.
func (s *Store) StartJanitor(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := s.sweep(); n > 0 {
					log.Debug().Int("removed", n).Msg("idempotency janitor sweep")
				}
			case <-s.stop:
				return
			}
		}
	}()
}

func (s *Store) sweep() int {
	now := s.clk.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// Stop terminates the janitor. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}
