package config

import (
	"fmt"
	"math"
	"path/filepath"
	"time"
)

// Config holds all runtime configuration for the stock sync server.
// Values come from environment variables with defaults; see Load.
type Config struct {
	HTTPAddr string `json:"httpAddr"`
	Env      string `json:"env"`
	LogLevel string `json:"logLevel"`

	// DataDir is the root for every persisted file. Tests redirect it.
	DataDir string `json:"dataDir"`

	ConcurrencyAPI  int `json:"concurrencyApi"`
	ConcurrencySync int `json:"concurrencySync"`
	ConcurrencyFS   int `json:"concurrencyFs"`

	RateLimitRPS   int `json:"rateLimitRps"`
	RateLimitBurst int `json:"rateLimitBurst"`

	// BreakerThreshold is a fraction in [0,1]; see FailureCount for the
	// consecutive-failure count the breakers are wired with.
	BreakerThreshold float64       `json:"breakerThreshold"`
	BreakerCooldown  time.Duration `json:"breakerCooldown"`

	RetryBase   time.Duration `json:"retryBase"`
	RetryTimes  int           `json:"retryTimes"`
	RetryJitter time.Duration `json:"retryJitter"`

	SnapshotEveryNEvents int `json:"snapshotEveryNEvents"`
	SnapshotKeepCount    int `json:"snapshotKeepCount"`

	LoadShedQueueMax int `json:"loadShedQueueMax"`

	IdempotencyTTL time.Duration `json:"idempotencyTtl"`

	SyncInterval   time.Duration `json:"syncInterval"`
	SyncMaxRetries int           `json:"syncMaxRetries"`

	LocksEnabled     bool          `json:"locksEnabled"`
	LockTTL          time.Duration `json:"lockTtl"`
	LockRenew        time.Duration `json:"lockRenew"`
	LockDir          string        `json:"lockDir"`
	LockRejectStatus int           `json:"lockRejectStatus"`
	LockRetryAfter   time.Duration `json:"lockRetryAfter"`
	LockOwnerID      string        `json:"lockOwnerId"`
}

// DefaultConfig returns the built-in defaults. Environment overrides are
// applied on top by Load.
func DefaultConfig() *Config {
	return &Config{
		HTTPAddr: ":8080",
		Env:      "development",
		LogLevel: "info",

		DataDir: "data",

		ConcurrencyAPI:  16,
		ConcurrencySync: 4,
		ConcurrencyFS:   8,

		RateLimitRPS:   100,
		RateLimitBurst: 200,

		BreakerThreshold: 0.5,
		BreakerCooldown:  30 * time.Second,

		RetryBase:   1000 * time.Millisecond,
		RetryTimes:  3,
		RetryJitter: 0,

		SnapshotEveryNEvents: 100,
		SnapshotKeepCount:    5,

		LoadShedQueueMax: 1000,

		IdempotencyTTL: 5 * time.Minute,

		SyncInterval:   5 * time.Second,
		SyncMaxRetries: 3,

		LocksEnabled:     false,
		LockTTL:          2 * time.Second,
		LockRenew:        1 * time.Second,
		LockDir:          "", // derived from DataDir when empty
		LockRejectStatus: 503,
		LockRetryAfter:   300 * time.Millisecond,
		LockOwnerID:      "", // derived "<pid>-<uuid>" when empty
	}
}

// Validate checks ranges. Malformed environment values never reach here
// (they fall back to defaults with a warning); Validate catches values that
// parsed fine but are out of range.
func (c *Config) Validate() error {
	if c.BreakerThreshold < 0 || c.BreakerThreshold > 1 {
		return ErrBreakerThresholdRange
	}
	if c.ConcurrencyAPI < 1 || c.ConcurrencySync < 1 || c.ConcurrencyFS < 1 {
		return ErrConcurrencyRange
	}
	if c.RateLimitRPS < 1 || c.RateLimitBurst < 1 {
		return ErrRateLimitRange
	}
	if c.RetryTimes < 0 {
		return ErrRetryRange
	}
	if c.SnapshotEveryNEvents < 1 {
		return ErrSnapshotCadenceRange
	}
	if c.LoadShedQueueMax < 1 {
		return ErrLoadShedRange
	}
	if c.IdempotencyTTL <= 0 {
		return ErrIdempotencyTTLRange
	}
	if c.SyncInterval < 100*time.Millisecond {
		return ErrSyncIntervalRange
	}
	if c.LocksEnabled {
		if c.LockTTL <= 0 || c.LockRenew <= 0 || c.LockRenew >= c.LockTTL {
			return ErrLockTimingRange
		}
		if c.LockRejectStatus < 400 || c.LockRejectStatus > 599 {
			return fmt.Errorf("%w: %d", ErrLockRejectStatusRange, c.LockRejectStatus)
		}
	}
	return nil
}

// FailureCount converts the configured threshold fraction into the
// consecutive-failure count used by the circuit breakers.
func (c *Config) FailureCount() int {
	n := int(math.Round(c.BreakerThreshold * 10))
	if n < 1 {
		n = 1
	}
	return n
}

// File locations under DataDir.

func (c *Config) InventoryPath() string {
	return filepath.Join(c.DataDir, "store-inventory.json")
}

func (c *Config) EventLogPath() string {
	return filepath.Join(c.DataDir, "event-log.json")
}

func (c *Config) DeadLetterPath() string {
	return filepath.Join(c.DataDir, "dead-letter.json")
}

func (c *Config) CentralInventoryPath() string {
	return filepath.Join(c.DataDir, "central-inventory.json")
}

func (c *Config) SnapshotDir() string {
	return filepath.Join(c.DataDir, "snapshots")
}

// LeaseDir returns LOCK_DIR, defaulting to <DataDir>/locks.
func (c *Config) LeaseDir() string {
	if c.LockDir != "" {
		return c.LockDir
	}
	return filepath.Join(c.DataDir, "locks")
}
