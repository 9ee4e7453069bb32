package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/erauner12/stocksync-api/internal/clock"
	"github.com/erauner12/stocksync-api/internal/config"
	"github.com/erauner12/stocksync-api/internal/eventlog"
	"github.com/erauner12/stocksync-api/internal/fsio"
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

// api wires a full server against a temp data dir. The server clock is
// manual so rate limit and uptime behavior is deterministic; everything
// else runs on the system clock.
type api struct {
	handler http.Handler
	srv     *Server
	cfg     *config.Config
	clk     *clock.Manual
	met     *metrics.Registry
	log     *eventlog.Store
	leases  *lease.Manager
}

func newAPI(t *testing.T, tweak func(cfg *config.Config)) *api {
	t.Helper()
	ctx := context.Background()

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	// High cadence keeps snapshot side effects out of tests that don't
	// opt in.
	cfg.SnapshotEveryNEvents = 1000
	if tweak != nil {
		tweak(cfg)
	}
	require.NoError(t, cfg.Validate())

	fsBulk := resilience.NewBulkhead("fs", cfg.ConcurrencyFS, 64)
	fsBreaker := resilience.NewCircuitBreaker("fs", cfg.FailureCount(), 50*time.Millisecond, 0, clock.System())
	files := fsio.New(fsBulk, fsBreaker, resilience.NewRetryer(time.Millisecond, 2, 0, rand.NewSource(1)))

	inv, err := inventory.Open(ctx, files, cfg.InventoryPath())
	require.NoError(t, err)
	elog, err := eventlog.Open(ctx, files, cfg.EventLogPath(), cfg.DeadLetterPath(), clock.System())
	require.NoError(t, err)

	met := metrics.NewRegistry()
	var leases *lease.Manager
	if cfg.LocksEnabled {
		leases, err = lease.NewManager(cfg.LeaseDir(), "api-test-owner", clock.System(), met)
		require.NoError(t, err)
	}

	svc := stockservice.New(inv, elog, idempotency.New(clock.System()), keymutex.New(), leases,
		clock.System(), met, stockservice.Options{
			LockTTL:        cfg.LockTTL,
			LockRetryAfter: cfg.LockRetryAfter,
			IdempotencyTTL: cfg.IdempotencyTTL,
		})

	snapper := snapshot.NewSnapshotter(files, cfg.SnapshotDir(),
		cfg.SnapshotEveryNEvents, cfg.SnapshotKeepCount, clock.System(), met)
	syncBulk := resilience.NewBulkhead("sync", cfg.ConcurrencySync, cfg.ConcurrencySync)
	syncBreaker := resilience.NewCircuitBreaker("sync", cfg.FailureCount(), cfg.BreakerCooldown, 0, clock.System())
	worker := syncworker.NewWorker(elog, snapper, files, cfg.CentralInventoryPath(),
		syncBulk, syncBreaker, cfg.SyncMaxRetries, clock.System(), met)
	t.Cleanup(func() { worker.Stop() })

	clk := clock.NewManual(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	srv := &Server{
		Stock:  svc,
		Events: elog,
		Worker: worker,
		Met:    met,
		Cfg:    cfg,
		Clk:    clk,
		Guards: Guards{
			API:         resilience.NewBulkhead("api", cfg.ConcurrencyAPI, cfg.ConcurrencyAPI*4),
			FS:          fsBulk,
			Sync:        syncBulk,
			FSBreaker:   fsBreaker,
			SyncBreaker: syncBreaker,
		},
	}
	return &api{
		handler: srv.Routes(),
		srv:     srv,
		cfg:     cfg,
		clk:     clk,
		met:     met,
		log:     elog,
		leases:  leases,
	}
}

func (a *api) do(t *testing.T, method, path string, body any, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func (a *api) adjust(t *testing.T, store, sku string, body any, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	return a.do(t, http.MethodPost, "/api/inventory/stores/"+store+"/inventory/"+sku+"/adjust", body, hdr)
}

func (a *api) reserve(t *testing.T, store, sku string, body any, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	return a.do(t, http.MethodPost, "/api/inventory/stores/"+store+"/inventory/"+sku+"/reserve", body, hdr)
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m), "body: %s", rec.Body.String())
	return m
}

// errorPart decodes the error envelope and asserts the uniform shape.
func errorPart(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	m := decodeBody(t, rec)
	require.Equal(t, false, m["success"])
	e, ok := m["error"].(map[string]any)
	require.True(t, ok, "missing error object: %s", rec.Body.String())
	require.NotEmpty(t, e["name"])
	require.NotEmpty(t, e["message"])
	require.NotEmpty(t, e["code"])
	require.NotEmpty(t, e["timestamp"])
	require.EqualValues(t, rec.Code, e["statusCode"])
	return e
}

func dataPart(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	m := decodeBody(t, rec)
	require.Equal(t, true, m["success"], "body: %s", rec.Body.String())
	d, ok := m["data"].(map[string]any)
	require.True(t, ok, "missing data object: %s", rec.Body.String())
	return d
}
