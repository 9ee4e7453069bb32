// Package stockservice encapsulates the business logic for stock mutations:
// optimistic version checks, write-ahead event append, and idempotent replay.
package stockservice

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/stocksync-api/internal/clock"
	"github.com/erauner12/stocksync-api/internal/eventlog"
	"github.com/erauner12/stocksync-api/internal/idempotency"
	"github.com/erauner12/stocksync-api/internal/inventory"
	"github.com/erauner12/stocksync-api/internal/keymutex"
	"github.com/erauner12/stocksync-api/internal/lease"
	"github.com/erauner12/stocksync-api/internal/metrics"
)

// AdjustRequest raises or lowers stock by a signed delta.
type AdjustRequest struct {
	StoreID         string
	SKU             string
	Delta           int
	ExpectedVersion *int
	IdempotencyKey  string
}

// ReserveRequest removes a strictly positive quantity from stock.
type ReserveRequest struct {
	StoreID         string
	SKU             string
	Qty             int
	ExpectedVersion *int
	IdempotencyKey  string
}

// MutationResult is the committed outcome of one adjust or reserve.
type MutationResult struct {
	StoreID     string           `json:"storeId"`
	SKU         string           `json:"sku"`
	NewQuantity int              `json:"newQuantity"`
	NewVersion  int              `json:"newVersion"`
	Record      inventory.Record `json:"record"`
	Replayed    bool             `json:"-"`
}

// Options carries the tunables the service reads per mutation.
type Options struct {
	LockTTL        time.Duration
	LockRetryAfter time.Duration
	IdempotencyTTL time.Duration
}

// Service coordinates a mutation across the per-key serializer, the optional
// cross-process lease, the event journal, and the record store.
type Service struct {
	records *inventory.Store
	journal *eventlog.Store
	idem    *idempotency.Store
	keys    *keymutex.KeyMutex
	leases  *lease.Manager // nil when leases are disabled
	clk     clock.Clock
	met     *metrics.Registry
	opts    Options
}

func New(records *inventory.Store, journal *eventlog.Store, idem *idempotency.Store,
	keys *keymutex.KeyMutex, leases *lease.Manager, clk clock.Clock, met *metrics.Registry,
	opts Options) *Service {
	if clk == nil {
		clk = clock.System()
	}
	return &Service{
		records: records,
		journal: journal,
		idem:    idem,
		keys:    keys,
		leases:  leases,
		clk:     clk,
		met:     met,
		opts:    opts,
	}
}

// fingerprintPayload is the canonical shape hashed for idempotency checks.
// The op tag keeps an adjust and a reserve with equal numbers distinct.
type fingerprintPayload struct {
	Op              string `json:"op"`
	StoreID         string `json:"storeId"`
	SKU             string `json:"sku"`
	Amount          int    `json:"amount"`
	ExpectedVersion *int   `json:"expectedVersion,omitempty"`
}

type mutation struct {
	op              string
	storeID         string
	sku             string
	amount          int
	expectedVersion *int
}

// AdjustStock applies a signed delta to (storeId, sku), creating the record
// on first touch.
func (s *Service) AdjustStock(ctx context.Context, req AdjustRequest) (*MutationResult, error) {
	res, err := s.execute(ctx, req.IdempotencyKey, mutation{
		op:              eventlog.TypeStockAdjusted,
		storeID:         req.StoreID,
		sku:             req.SKU,
		amount:          req.Delta,
		expectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		return nil, err
	}
	if !res.Replayed {
		s.met.Inc(metrics.StockAdjusted)
	}
	return res, nil
}

// ReserveStock removes qty units from (storeId, sku); qty must be positive
// and covered by the available stock.
func (s *Service) ReserveStock(ctx context.Context, req ReserveRequest) (*MutationResult, error) {
	res, err := s.execute(ctx, req.IdempotencyKey, mutation{
		op:              eventlog.TypeStockReserved,
		storeID:         req.StoreID,
		sku:             req.SKU,
		amount:          req.Qty,
		expectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		return nil, err
	}
	if !res.Replayed {
		s.met.Inc(metrics.StockReserved)
	}
	return res, nil
}

// GetStock reads one record.
func (s *Service) GetStock(storeID, sku string) (inventory.Record, error) {
	return s.records.Get(storeID, sku)
}

// ListStore returns a store's records sorted by SKU.
func (s *Service) ListStore(storeID string) []inventory.Record {
	return s.records.ListByStore(storeID)
}

// ListStores returns every known store id.
func (s *Service) ListStores() []string {
	return s.records.ListStores()
}

func (s *Service) execute(ctx context.Context, idemKey string, m mutation) (*MutationResult, error) {
	if m.storeID == "" || m.sku == "" {
		s.met.Inc(metrics.ValidationFailures)
		return nil, &ValidationError{Msg: "storeId and sku are required"}
	}

	var fp string
	if idemKey != "" {
		var err error
		fp, err = idempotency.Fingerprint(fingerprintPayload{
			Op:              m.op,
			StoreID:         m.storeID,
			SKU:             m.sku,
			Amount:          m.amount,
			ExpectedVersion: m.expectedVersion,
		})
		if err != nil {
			return nil, err
		}
		look := s.idem.Check(idemKey, fp)
		if look.Conflict {
			s.met.Inc(metrics.IdempotencyConflicts)
			return nil, &IdempotencyConflictError{Key: idemKey}
		}
		if look.Hit {
			if cached, ok := look.Result.(*MutationResult); ok {
				s.met.Inc(metrics.IdempotentReplays)
				replay := *cached
				replay.Replayed = true
				return &replay, nil
			}
		}
	}

	var result *MutationResult
	err := s.keys.Run(ctx, m.sku, func() error {
		res, err := s.mutate(ctx, m)
		if err != nil {
			return err
		}
		// Publish to the idempotency cache only after the journal append and
		// upsert have both committed; failed mutations are never cached.
		if idemKey != "" {
			s.idem.Set(idemKey, fp, res, idempotency.StatusCompleted, s.opts.IdempotencyTTL)
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// mutate runs with the per-key serializer held for m.sku.
func (s *Service) mutate(ctx context.Context, m mutation) (*MutationResult, error) {
	if s.leases != nil {
		h, err := s.leases.Acquire(m.sku, s.opts.LockTTL)
		if err != nil {
			log.Debug().Err(err).Str("sku", m.sku).Msg("lease rejected")
			return nil, &LockRejectionError{SKU: m.sku, RetryAfter: s.opts.LockRetryAfter}
		}
		defer func() {
			if rerr := s.leases.Release(h); rerr != nil {
				log.Warn().Err(rerr).Str("sku", m.sku).Msg("lease release failed")
			}
		}()
	}

	rec, err := s.records.Get(m.storeID, m.sku)
	if err != nil {
		if !errors.Is(err, inventory.ErrNotFound) {
			return nil, err
		}
		// first touch synthesizes the baseline record
		rec = inventory.Record{StoreID: m.storeID, SKU: m.sku, Qty: 0, Version: 1}
	}

	if m.expectedVersion != nil && *m.expectedVersion != rec.Version {
		s.met.Inc(metrics.VersionConflicts)
		return nil, &ConflictError{StoreID: m.storeID, SKU: m.sku, Expected: *m.expectedVersion, Current: rec.Version}
	}

	var newQty int
	switch m.op {
	case eventlog.TypeStockAdjusted:
		newQty = rec.Qty + m.amount
		if newQty < 0 {
			s.met.Inc(metrics.InsufficientStock)
			return nil, &InsufficientStockError{StoreID: m.storeID, SKU: m.sku, Available: rec.Qty, Requested: -m.amount}
		}
	case eventlog.TypeStockReserved:
		if m.amount <= 0 {
			s.met.Inc(metrics.ValidationFailures)
			return nil, &ValidationError{Msg: "reserve qty must be a positive integer"}
		}
		if rec.Qty < m.amount {
			s.met.Inc(metrics.InsufficientStock)
			return nil, &InsufficientStockError{StoreID: m.storeID, SKU: m.sku, Available: rec.Qty, Requested: m.amount}
		}
		newQty = rec.Qty - m.amount
	default:
		return nil, &ValidationError{Msg: "unsupported operation"}
	}

	newVersion := rec.Version + 1
	now := s.clk.Now().UTC()

	ev := eventlog.Event{
		ID:        uuid.NewString(),
		Timestamp: now,
		Type:      m.op,
		Payload: eventlog.Payload{
			SKU:             m.sku,
			StoreID:         m.storeID,
			PreviousQty:     rec.Qty,
			NewQty:          newQty,
			PreviousVersion: rec.Version,
			NewVersion:      newVersion,
		},
	}
	if m.op == eventlog.TypeStockAdjusted {
		d := m.amount
		ev.Payload.Delta = &d
	} else {
		q := m.amount
		ev.Payload.ReservedQty = &q
	}

	// WAL discipline: the journal append must land before the state upsert.
	// The log is the truth; the record store is a cache of it.
	appended, err := s.journal.Append(ctx, ev)
	if err != nil {
		return nil, err
	}

	updated := inventory.Record{StoreID: m.storeID, SKU: m.sku, Qty: newQty, Version: newVersion, UpdatedAt: now}
	if err := s.records.Upsert(ctx, updated); err != nil {
		return nil, err
	}

	log.Debug().
		Str("store_id", m.storeID).
		Str("sku", m.sku).
		Str("event_id", appended.ID).
		Int64("sequence", appended.Sequence).
		Int("new_qty", newQty).
		Int("new_version", newVersion).
		Msg("stock mutation committed")

	return &MutationResult{
		StoreID:     m.storeID,
		SKU:         m.sku,
		NewQuantity: newQty,
		NewVersion:  newVersion,
		Record:      updated,
	}, nil
}
