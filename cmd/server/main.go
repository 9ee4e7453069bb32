package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/erauner12/stocksync-api/internal/clock"
	"github.com/erauner12/stocksync-api/internal/config"
	"github.com/erauner12/stocksync-api/internal/eventlog"
	"github.com/erauner12/stocksync-api/internal/fsio"
	"github.com/erauner12/stocksync-api/internal/httpapi"
	"github.com/erauner12/stocksync-api/internal/idempotency"
	"github.com/erauner12/stocksync-api/internal/inventory"
	"github.com/erauner12/stocksync-api/internal/keymutex"
	"github.com/erauner12/stocksync-api/internal/lease"
	"github.com/erauner12/stocksync-api/internal/metrics"
	"github.com/erauner12/stocksync-api/internal/resilience"
	"github.com/erauner12/stocksync-api/internal/service/stockservice"
	"github.com/erauner12/stocksync-api/internal/snapshot"
	"github.com/erauner12/stocksync-api/internal/syncworker"
)

// Per-call timeouts for the breaker-guarded resource classes. File I/O
// should be fast; a sync pass may fold and compact a large backlog.
const (
	fsBreakerTimeout   = 5 * time.Second
	syncBreakerTimeout = 30 * time.Second
	shutdownTimeout    = 30 * time.Second
	janitorInterval    = time.Minute
)

func main() {
	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "stocksync-api").Logger()

	cfg := config.Load()
	if lvl, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel)); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	// Pretty logging for local dev
	if cfg.Env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()
	clk := clock.System()
	met := metrics.NewRegistry()

	// One bulkhead/breaker pair per resource class. The file pair also
	// fronts every read and write issued by the stores below.
	apiBulk := resilience.NewBulkhead("api", cfg.ConcurrencyAPI, cfg.ConcurrencyAPI*4)
	fsBulk := resilience.NewBulkhead("fs", cfg.ConcurrencyFS, 64)
	syncBulk := resilience.NewBulkhead("sync", cfg.ConcurrencySync, cfg.ConcurrencySync)
	fsBreaker := resilience.NewCircuitBreaker("fs", cfg.FailureCount(), cfg.BreakerCooldown, fsBreakerTimeout, clk)
	syncBreaker := resilience.NewCircuitBreaker("sync", cfg.FailureCount(), cfg.BreakerCooldown, syncBreakerTimeout, clk)
	files := fsio.New(fsBulk, fsBreaker, resilience.NewRetryer(cfg.RetryBase, cfg.RetryTimes, cfg.RetryJitter, nil))

	if err := files.EnsureDir(ctx, cfg.DataDir); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("cannot create data directory")
	}

	inv, err := inventory.Open(ctx, files, cfg.InventoryPath())
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.InventoryPath()).Msg("cannot open store inventory")
	}
	elog, err := eventlog.Open(ctx, files, cfg.EventLogPath(), cfg.DeadLetterPath(), clk)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.EventLogPath()).Msg("cannot open event log")
	}

	idem := idempotency.New(clk)
	idem.StartJanitor(janitorInterval)

	var leases *lease.Manager
	if cfg.LocksEnabled {
		owner := cfg.LockOwnerID
		if owner == "" {
			owner = fmt.Sprintf("%d-%s", os.Getpid(), uuid.NewString())
		}
		leases, err = lease.NewManager(cfg.LeaseDir(), owner, clk, met)
		if err != nil {
			log.Fatal().Err(err).Str("dir", cfg.LeaseDir()).Msg("cannot initialize lease manager")
		}
		log.Info().Str("owner", owner).Str("dir", cfg.LeaseDir()).Msg("file leases enabled")
	}

	svc := stockservice.New(inv, elog, idem, keymutex.New(), leases, clk, met, stockservice.Options{
		LockTTL:        cfg.LockTTL,
		LockRetryAfter: cfg.LockRetryAfter,
		IdempotencyTTL: cfg.IdempotencyTTL,
	})

	snapper := snapshot.NewSnapshotter(files, cfg.SnapshotDir(),
		cfg.SnapshotEveryNEvents, cfg.SnapshotKeepCount, clk, met)
	worker := syncworker.NewWorker(elog, snapper, files, cfg.CentralInventoryPath(),
		syncBulk, syncBreaker, cfg.SyncMaxRetries, clk, met)

	// Rebuild the central aggregate before taking traffic. A failed
	// replay is logged but not fatal; the periodic worker will retry.
	if _, err := worker.ReplayOnBoot(ctx); err != nil {
		log.Error().Err(err).Msg("boot replay failed, continuing with last good aggregate")
	}
	worker.Start(cfg.SyncInterval)

	srv := &httpapi.Server{
		Stock:  svc,
		Events: elog,
		Worker: worker,
		Met:    met,
		Cfg:    cfg,
		Clk:    clk,
		Guards: httpapi.Guards{
			API:         apiBulk,
			FS:          fsBulk,
			Sync:        syncBulk,
			FSBreaker:   fsBreaker,
			SyncBreaker: syncBreaker,
		},
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Str("env", cfg.Env).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM; SIGUSR1/SIGUSR2 are treated
	// the same so orchestrators with custom stop signals drain cleanly.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Stop accepting requests, then stop the ticker. An in-flight sync
	// pass finishes on its own.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}
	worker.Stop()

	// Wait for queued work to clear before the final flush.
	g, drainCtx := errgroup.WithContext(shutdownCtx)
	for _, b := range []*resilience.Bulkhead{apiBulk, syncBulk, fsBulk} {
		b := b
		g.Go(func() error { return b.Drain(drainCtx) })
	}
	if err := g.Wait(); err != nil {
		log.Warn().Err(err).Msg("bulkhead drain incomplete")
	}

	// Best-effort final pass so restarts resume from a fresh aggregate.
	if sum, err := worker.SyncOnce(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("final sync pass failed")
	} else if sum.Applied > 0 {
		log.Info().Int("applied", sum.Applied).Msg("final sync pass flushed pending events")
	}

	idem.Stop()
	if leases != nil {
		if n := leases.ReleaseAll(); n > 0 {
			log.Info().Int("released", n).Msg("released outstanding leases")
		}
	}

	log.Info().Msg("server stopped")
}
