// Package lease implements advisory cross-process locks as per-key files
// with a TTL. Acquisition is an exclusive create; expired leases may be
// stolen; renew and release are owner-checked. Lease I/O goes straight to
// the os package so lock traffic never queues behind the general filesystem
// pool.
package lease

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/erauner12/stocksync-api/internal/clock"
	"github.com/erauner12/stocksync-api/internal/metrics"
)

// payload is the lock file content.
type payload struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Handle identifies one acquired lease.
type Handle struct {
	Key       string
	Owner     string
	ExpiresAt time.Time
}

// HeldError reports a key validly held by another owner.
type HeldError struct {
	Key   string
	Owner string
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("lease %s held by %s", e.Key, e.Owner)
}

// RaceError reports losing the re-create race after removing a stale file.
type RaceError struct{ Key string }

func (e *RaceError) Error() string {
	return fmt.Sprintf("lease %s: race during retry", e.Key)
}

// LostError reports an owner mismatch on renew or release: the lease
// expired and another process took it.
type LostError struct {
	Key   string
	Owner string // current holder, empty when the file is gone
}

func (e *LostError) Error() string {
	if e.Owner == "" {
		return fmt.Sprintf("lease %s lost", e.Key)
	}
	return fmt.Sprintf("lease %s lost to %s", e.Key, e.Owner)
}

// Manager acquires and tracks leases for one owner id. The registry of
// outstanding handles lets shutdown force-release everything this process
// created.
type Manager struct {
	dir   string
	owner string
	clk   clock.Clock
	met   *metrics.Registry

	mu      sync.Mutex
	handles map[string]*Handle
}

func NewManager(dir, owner string, clk clock.Clock, met *metrics.Registry) (*Manager, error) {
	if clk == nil {
		clk = clock.System()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lease dir %s: %w", dir, err)
	}
	return &Manager{
		dir:     dir,
		owner:   owner,
		clk:     clk,
		met:     met,
		handles: make(map[string]*Handle),
	}, nil
}

// Owner returns the owner id leases are acquired under.
func (m *Manager) Owner() string { return m.owner }

// Acquire takes the lease for key or explains why it cannot: HeldError on
// live contention, RaceError when another process wins the re-create after
// a stale file was removed.
func (m *Manager) Acquire(key string, ttl time.Duration) (*Handle, error) {
	path := m.path(key)
	now := m.clk.Now()

	h, err := m.create(path, key, now.Add(ttl))
	if err == nil {
		m.register(h)
		m.met.Inc(metrics.LeaseAcquired)
		return h, nil
	}
	if !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("acquire lease %s: %w", key, err)
	}

	cur, rerr := m.read(path)
	switch {
	case rerr != nil:
		// unparsable or vanished: treat as non-existent
		return m.retryCreate(path, key, ttl, false)
	case cur.ExpiresAt.Before(now):
		return m.retryCreate(path, key, ttl, true)
	default:
		m.met.Inc(metrics.LeaseRejections)
		return nil, &HeldError{Key: key, Owner: cur.Owner}
	}
}

// retryCreate removes the stale file and tries the exclusive create once
// more. Losing that second race is reported, not retried again.
func (m *Manager) retryCreate(path, key string, ttl time.Duration, stolen bool) (*Handle, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	h, err := m.create(path, key, m.clk.Now().Add(ttl))
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			m.met.Inc(metrics.LeaseRejections)
			return nil, &RaceError{Key: key}
		}
		return nil, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if stolen {
		m.met.Inc(metrics.LeaseStolen)
		m.met.Inc(metrics.LeaseExpiredSwept)
	}
	m.register(h)
	m.met.Inc(metrics.LeaseAcquired)
	return h, nil
}

// Renew re-reads the lease and extends it. A missing file or foreign owner
// is a LostError; the handle is deregistered in that case.
func (m *Manager) Renew(h *Handle, ttl time.Duration) (*Handle, error) {
	path := m.path(h.Key)
	cur, err := m.read(path)
	if err != nil {
		m.deregister(h.Key)
		m.met.Inc(metrics.LeaseLost)
		return nil, &LostError{Key: h.Key}
	}
	if cur.Owner != m.owner {
		m.deregister(h.Key)
		m.met.Inc(metrics.LeaseLost)
		return nil, &LostError{Key: h.Key, Owner: cur.Owner}
	}

	expires := m.clk.Now().Add(ttl).UTC()
	data, err := json.Marshal(payload{Owner: m.owner, ExpiresAt: expires})
	if err != nil {
		return nil, fmt.Errorf("renew lease %s: %w", h.Key, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("renew lease %s: %w", h.Key, err)
	}

	nh := &Handle{Key: h.Key, Owner: m.owner, ExpiresAt: expires}
	m.register(nh)
	return nh, nil
}

// Release removes the lease file after an owner check. A missing or
// unreadable file counts as already released.
func (m *Manager) Release(h *Handle) error {
	path := m.path(h.Key)
	defer m.deregister(h.Key)

	cur, err := m.read(path)
	if err != nil {
		return nil
	}
	if cur.Owner != m.owner {
		m.met.Inc(metrics.LeaseLost)
		return &LostError{Key: h.Key, Owner: cur.Owner}
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("release lease %s: %w", h.Key, err)
	}
	return nil
}

// IsLocked probes key. Expired lease files are swept on sight, matching the
// acquire path's steal behavior.
func (m *Manager) IsLocked(key string) bool {
	path := m.path(key)
	cur, err := m.read(path)
	if err != nil {
		return false
	}
	if cur.ExpiresAt.Before(m.clk.Now()) {
		if err := os.Remove(path); err == nil {
			m.met.Inc(metrics.LeaseExpiredSwept)
		}
		return false
	}
	return true
}

// ForceRelease removes the lease file regardless of owner. Shutdown only.
func (m *Manager) ForceRelease(key string) error {
	m.deregister(key)
	if err := os.Remove(m.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("force release lease %s: %w", key, err)
	}
	m.met.Inc(metrics.LeaseForceReleased)
	return nil
}

// ReleaseAll force-releases every lease this process still holds and
// returns how many were released.
func (m *Manager) ReleaseAll() int {
	m.mu.Lock()
	keys := make([]string, 0, len(m.handles))
	for k := range m.handles {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	released := 0
	for _, k := range keys {
		if err := m.ForceRelease(k); err != nil {
			log.Warn().Err(err).Str("key", k).Msg("failed to force-release lease at shutdown")
			continue
		}
		released++
	}
	return released
}

// Outstanding reports leases currently registered by this process.
func (m *Manager) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

func (m *Manager) create(path, key string, expires time.Time) (*Handle, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(payload{Owner: m.owner, ExpiresAt: expires.UTC()})
	if err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, err
	}
	return &Handle{Key: key, Owner: m.owner, ExpiresAt: expires.UTC()}, nil
}

func (m *Manager) read(path string) (payload, error) {
	var p payload
	data, err := os.ReadFile(path)
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, err
	}
	return p, nil
}

func (m *Manager) register(h *Handle) {
	m.mu.Lock()
	m.handles[h.Key] = h
	m.mu.Unlock()
}

func (m *Manager) deregister(key string) {
	m.mu.Lock()
	delete(m.handles, key)
	m.mu.Unlock()
}

func (m *Manager) path(key string) string {
	safe := strings.ReplaceAll(key, "/", "_")
	safe = strings.ReplaceAll(safe, "\\", "_")
	return filepath.Join(m.dir, safe+".lock")
}
