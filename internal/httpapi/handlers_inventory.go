package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/erauner12/stocksync-api/internal/inventory"
	"github.com/erauner12/stocksync-api/internal/service/stockservice"
)

// ============================================================
// Inventory REST handlers
// ============================================================

type dataEnvelope struct {
	Success bool        `json:"success"`
	Data    any `json:"data"`
}

type listEnvelope struct {
	Success bool        `json:"success"`
	Data    any `json:"data"`
	Count   int         `json:"count"`
}

type mutationResponse struct {
	Success     bool             `json:"success"`
	NewQuantity int              `json:"newQuantity"`
	NewVersion  int              `json:"newVersion"`
	Record      inventory.Record `json:"record"`
}

type adjustBody struct {
	Delta           *int `json:"delta"`
	ExpectedVersion *int `json:"expectedVersion"`
}

type reserveBody struct {
	Qty             *int `json:"qty"`
	ExpectedVersion *int `json:"expectedVersion"`
}

// GetRecord handles GET /api/inventory/stores/{storeId}/inventory/{sku}
func (s *Server) GetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Stock.GetStock(chi.URLParam(r, "storeId"), chi.URLParam(r, "sku"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("ETag", fmt.Sprintf("%q", strconv.Itoa(rec.Version)))
	writeJSON(w, http.StatusOK, dataEnvelope{Success: true, Data: rec})
}

// ListStoreInventory handles GET /api/inventory/stores/{storeId}/inventory
func (s *Server) ListStoreInventory(w http.ResponseWriter, r *http.Request) {
	records := s.Stock.ListStore(chi.URLParam(r, "storeId"))
	writeJSON(w, http.StatusOK, listEnvelope{Success: true, Data: records, Count: len(records)})
}

// ListStores handles GET /api/inventory/stores
func (s *Server) ListStores(w http.ResponseWriter, r *http.Request) {
	stores := s.Stock.ListStores()
	writeJSON(w, http.StatusOK, listEnvelope{Success: true, Data: stores, Count: len(stores)})
}

// AdjustStock handles POST /api/inventory/stores/{storeId}/inventory/{sku}/adjust
//
// expectedVersion may come from the body or from an If-Match header;
// the body wins when both are present.
func (s *Server) AdjustStock(w http.ResponseWriter, r *http.Request) {
	var body adjustBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, http.StatusBadRequest, "ValidationError", codeValidation, "invalid JSON body", nil)
		return
	}
	if body.Delta == nil {
		writeError(w, r, http.StatusBadRequest, "ValidationError", codeValidation, "delta is required", nil)
		return
	}
	expected := body.ExpectedVersion
	if expected == nil {
		expected = parseIfMatchHeader(r)
	}

	res, err := s.Stock.AdjustStock(r.Context(), stockservice.AdjustRequest{
		StoreID:         chi.URLParam(r, "storeId"),
		SKU:             chi.URLParam(r, "sku"),
		Delta:           *body.Delta,
		ExpectedVersion: expected,
		IdempotencyKey:  idempotencyKey(r),
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeMutation(w, res)
}

// ReserveStock handles POST /api/inventory/stores/{storeId}/inventory/{sku}/reserve
func (s *Server) ReserveStock(w http.ResponseWriter, r *http.Request) {
	var body reserveBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, http.StatusBadRequest, "ValidationError", codeValidation, "invalid JSON body", nil)
		return
	}
	if body.Qty == nil {
		writeError(w, r, http.StatusBadRequest, "ValidationError", codeValidation, "qty is required", nil)
		return
	}
	expected := body.ExpectedVersion
	if expected == nil {
		expected = parseIfMatchHeader(r)
	}

	res, err := s.Stock.ReserveStock(r.Context(), stockservice.ReserveRequest{
		StoreID:         chi.URLParam(r, "storeId"),
		SKU:             chi.URLParam(r, "sku"),
		Qty:             *body.Qty,
		ExpectedVersion: expected,
		IdempotencyKey:  idempotencyKey(r),
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeMutation(w, res)
}

func (s *Server) writeMutation(w http.ResponseWriter, res *stockservice.MutationResult) {
	if res.Replayed {
		w.Header().Set("X-Idempotent-Replay", "true")
	}
	writeJSON(w, http.StatusOK, mutationResponse{
		Success:     true,
		NewQuantity: res.NewQuantity,
		NewVersion:  res.NewVersion,
		Record:      res.Record,
	})
}
