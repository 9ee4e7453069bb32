package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"time"
)

// ============================================================
// Health and metrics handlers
// ============================================================

// Health handles GET /api/health
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	now := s.Clk.Now()
	writeJSON(w, http.StatusOK, dataEnvelope{
		Success: true,
		Data: map[string]any{
			"status":    "ok",
			"timestamp": now.UTC().Format(time.RFC3339Nano),
			"uptime":    now.Sub(s.startedAt).Seconds(),
		},
	})
}

// Metrics handles GET /api/metrics. One JSON document with the counter
// registry plus live stats from every guard in the request path.
func (s *Server) Metrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, dataEnvelope{
		Success: true,
		Data: map[string]any{
			"counters": s.Met.Snapshot(),
			"bulkheads": map[string]any{
				"api":  s.Guards.API.Stats(),
				"fs":   s.Guards.FS.Stats(),
				"sync": s.Guards.Sync.Stats(),
			},
			"breakers": map[string]any{
				"fs":   s.Guards.FSBreaker.Stats(),
				"sync": s.Guards.SyncBreaker.Stats(),
			},
			"rateLimit": s.limiter.Stats(),
			"loadShed":  s.shedder.Stats(),
		},
	})
}

// ============================================================
// Sync worker handlers
// ============================================================

// TriggerSync handles POST /api/sync, running one synchronous pass.
func (s *Server) TriggerSync(w http.ResponseWriter, r *http.Request) {
	sum, err := s.Worker.SyncOnce(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dataEnvelope{Success: true, Data: sum})
}

// SyncStatus handles GET /api/sync/status
func (s *Server) SyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, dataEnvelope{Success: true, Data: s.Worker.Status()})
}

type startSyncBody struct {
	IntervalMs int `json:"intervalMs"`
}

// StartSync handles POST /api/sync/start. An empty or absent body means
// the configured default interval.
func (s *Server) StartSync(w http.ResponseWriter, r *http.Request) {
	var body startSyncBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
		writeError(w, r, http.StatusBadRequest, "ValidationError", codeValidation, "invalid JSON body", nil)
		return
	}
	interval := s.Cfg.SyncInterval
	if body.IntervalMs != 0 {
		if body.IntervalMs < 100 {
			writeError(w, r, http.StatusBadRequest, "ValidationError", codeValidation, "intervalMs must be at least 100", nil)
			return
		}
		interval = time.Duration(body.IntervalMs) * time.Millisecond
	}
	started := s.Worker.Start(interval)
	writeJSON(w, http.StatusOK, dataEnvelope{
		Success: true,
		Data: map[string]any{
			"started":    started,
			"running":    true,
			"intervalMs": interval.Milliseconds(),
		},
	})
}

// StopSync handles POST /api/sync/stop
func (s *Server) StopSync(w http.ResponseWriter, r *http.Request) {
	stopped := s.Worker.Stop()
	writeJSON(w, http.StatusOK, dataEnvelope{
		Success: true,
		Data: map[string]any{
			"stopped": stopped,
			"running": false,
		},
	})
}

// SyncAggregate handles GET /api/sync/aggregate, returning the central
// inventory view as of the last completed pass.
func (s *Server) SyncAggregate(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, dataEnvelope{Success: true, Data: s.Worker.Aggregate()})
}

// ============================================================
// Event log handlers
// ============================================================

// ListEvents handles GET /api/events?offset=N&limit=N
func (s *Server) ListEvents(w http.ResponseWriter, r *http.Request) {
	offset := parseOffset(r.URL.Query().Get("offset"))
	limit := parseLimit(r.URL.Query().Get("limit"), 100, 1000)
	events, total := s.Events.GetPaginated(offset, limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    events,
		"total":   total,
		"offset":  offset,
		"limit":   limit,
	})
}

// EventStats handles GET /api/events/stats
func (s *Server) EventStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, dataEnvelope{Success: true, Data: s.Events.GetStats()})
}

// DeadLetters handles GET /api/dlq
func (s *Server) DeadLetters(w http.ResponseWriter, r *http.Request) {
	letters, err := s.Events.DeadLetters(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listEnvelope{Success: true, Data: letters, Count: len(letters)})
}
