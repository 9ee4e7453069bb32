package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Load builds configuration from defaults and environment variable overrides.
// Malformed values are logged and replaced with the default; range checks are
// deferred to Validate so the caller decides whether to refuse startup.
func Load() *Config {
	cfg := DefaultConfig()
	applyEnvironmentOverrides(cfg)

	if cfg.LockOwnerID == "" {
		cfg.LockOwnerID = fmt.Sprintf("%d-%s", os.Getpid(), uuid.NewString())
	}

	return cfg
}

func applyEnvironmentOverrides(cfg *Config) {
	cfg.HTTPAddr = envString("HTTP_ADDR", cfg.HTTPAddr)
	cfg.Env = envString("ENV", cfg.Env)
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)

	cfg.DataDir = envString("DATA_DIR", cfg.DataDir)

	cfg.ConcurrencyAPI = envInt("CONCURRENCY_API", cfg.ConcurrencyAPI)
	cfg.ConcurrencySync = envInt("CONCURRENCY_SYNC", cfg.ConcurrencySync)
	cfg.ConcurrencyFS = envInt("CONCURRENCY_FS", cfg.ConcurrencyFS)

	cfg.RateLimitRPS = envInt("RATE_LIMIT_RPS", cfg.RateLimitRPS)
	cfg.RateLimitBurst = envInt("RATE_LIMIT_BURST", cfg.RateLimitBurst)

	cfg.BreakerThreshold = envFloat("BREAKER_THRESHOLD", cfg.BreakerThreshold)
	cfg.BreakerCooldown = envMillis("BREAKER_COOLDOWN_MS", cfg.BreakerCooldown)

	cfg.RetryBase = envMillis("RETRY_BASE_MS", cfg.RetryBase)
	cfg.RetryTimes = envInt("RETRY_TIMES", cfg.RetryTimes)
	cfg.RetryJitter = envMillis("RETRY_JITTER_MS", cfg.RetryJitter)

	cfg.SnapshotEveryNEvents = envInt("SNAPSHOT_EVERY_N_EVENTS", cfg.SnapshotEveryNEvents)
	cfg.SnapshotKeepCount = envInt("SNAPSHOT_KEEP_COUNT", cfg.SnapshotKeepCount)

	cfg.LoadShedQueueMax = envInt("LOAD_SHED_QUEUE_MAX", cfg.LoadShedQueueMax)

	cfg.IdempotencyTTL = envMillis("IDEMP_TTL_MS", cfg.IdempotencyTTL)

	cfg.SyncInterval = envMillis("SYNC_INTERVAL_MS", cfg.SyncInterval)
	cfg.SyncMaxRetries = envInt("SYNC_MAX_RETRIES", cfg.SyncMaxRetries)

	cfg.LocksEnabled = envBool("LOCKS_ENABLED", cfg.LocksEnabled)
	cfg.LockTTL = envMillis("LOCK_TTL_MS", cfg.LockTTL)
	cfg.LockRenew = envMillis("LOCK_RENEW_MS", cfg.LockRenew)
	cfg.LockDir = envString("LOCK_DIR", cfg.LockDir)
	cfg.LockRejectStatus = envInt("LOCK_REJECT_STATUS", cfg.LockRejectStatus)
	cfg.LockRetryAfter = envMillis("LOCK_RETRY_AFTER_MS", cfg.LockRetryAfter)
	cfg.LockOwnerID = envString("LOCK_OWNER_ID", cfg.LockOwnerID)
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		warnFallback(key, raw, strconv.Itoa(def))
		return def
	}
	return v
}

func envFloat(key string, def float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		warnFallback(key, raw, strconv.FormatFloat(def, 'g', -1, 64))
		return def
	}
	return v
}

// envMillis reads an integer millisecond value into a Duration.
func envMillis(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || ms < 0 {
		warnFallback(key, raw, strconv.FormatInt(def.Milliseconds(), 10))
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func envBool(key string, def bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	warnFallback(key, raw, strconv.FormatBool(def))
	return def
}

func warnFallback(key, raw, def string) {
	log.Warn().
		Str("key", key).
		Str("value", raw).
		Str("default", def).
		Msg("invalid configuration value, using default")
}
