package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/stocksync-api/internal/clock"
	"github.com/erauner12/stocksync-api/internal/config"
	"github.com/erauner12/stocksync-api/internal/eventlog"
	"github.com/erauner12/stocksync-api/internal/metrics"
	"github.com/erauner12/stocksync-api/internal/resilience"
	"github.com/erauner12/stocksync-api/internal/service/stockservice"
	"github.com/erauner12/stocksync-api/internal/syncworker"
)

// Guards bundles the resilience primitives the server reports on and
// applies to inbound traffic. The FS pair is owned by the file layer;
// it is referenced here only for the metrics endpoint.
type Guards struct {
	API         *resilience.Bulkhead
	FS          *resilience.Bulkhead
	Sync        *resilience.Bulkhead
	FSBreaker   *resilience.CircuitBreaker
	SyncBreaker *resilience.CircuitBreaker
}

// Server holds dependencies for HTTP handlers.
type Server struct {
	Stock  *stockservice.Service
	Events *eventlog.Store
	Worker *syncworker.Worker
	Met    *metrics.Registry
	Cfg    *config.Config
	Guards Guards
	Clk    clock.Clock

	startedAt time.Time
	limiter   *RateLimiter
	shedder   *LoadShedder
}

// writeJSON writes a JSON response body with the given status code.
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

// parseLimit parses the "limit" query parameter with a default and a maximum.
func parseLimit(q string, def, max int) int {
	if q == "" {
		return def
	}
	n, err := strconv.Atoi(q)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// parseOffset parses the "offset" query parameter, clamping at zero.
func parseOffset(q string) int {
	if q == "" {
		return 0
	}
	n, err := strconv.Atoi(q)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// parseIfMatchHeader extracts a version number from an If-Match header.
// Accepts both bare integers and quoted ETags per RFC 7232 (`"3"`).
// Returns nil when the header is absent or malformed.
func parseIfMatchHeader(r *http.Request) *int {
	raw := strings.TrimSpace(r.Header.Get("If-Match"))
	if raw == "" || raw == "*" {
		return nil
	}
	raw = strings.TrimPrefix(raw, "W/")
	raw = strings.Trim(raw, `"`)
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil
	}
	return &n
}

// idempotencyKey returns the caller-supplied idempotency key, if any.
// The canonical header is Idempotency-Key; X-Idempotency-Key is accepted
// as an alias for older clients.
func idempotencyKey(r *http.Request) string {
	if k := strings.TrimSpace(r.Header.Get("Idempotency-Key")); k != "" {
		return k
	}
	return strings.TrimSpace(r.Header.Get("X-Idempotency-Key"))
}

// Routes returns the HTTP handler with all routes configured.
func (s *Server) Routes() http.Handler {
	if s.Clk == nil {
		s.Clk = clock.System()
	}
	s.startedAt = s.Clk.Now()
	s.limiter = NewRateLimiter(s.Cfg.RateLimitRPS, s.Cfg.RateLimitBurst, s.Clk, s.Met)
	s.shedder = NewLoadShedder(s.Cfg.LoadShedQueueMax, s.Met)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(echoRequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.Health)
		r.Get("/metrics", s.Metrics)

		// Inventory routes sit behind the full admission chain: load
		// shedding first (cheapest check), then the rate limiter, then
		// the API bulkhead. Admin and introspection routes are exempt
		// so operators can still see in when the data path is choked.
		r.Route("/inventory", func(r chi.Router) {
			r.Use(s.shedder.Middleware)
			r.Use(s.limiter.Middleware)
			r.Use(s.admitAPI)

			r.Get("/stores", s.ListStores)
			r.Route("/stores/{storeId}/inventory", func(r chi.Router) {
				r.Get("/", s.ListStoreInventory)
				r.Route("/{sku}", func(r chi.Router) {
					r.Get("/", s.GetRecord)
					r.Post("/adjust", s.AdjustStock)
					r.Post("/reserve", s.ReserveStock)
				})
			})
		})

		r.Route("/sync", func(r chi.Router) {
			r.Post("/", s.TriggerSync)
			r.Get("/status", s.SyncStatus)
			r.Post("/start", s.StartSync)
			r.Post("/stop", s.StopSync)
			r.Get("/aggregate", s.SyncAggregate)
		})

		r.Route("/events", func(r chi.Router) {
			r.Get("/", s.ListEvents)
			r.Get("/stats", s.EventStats)
		})
		r.Get("/dlq", s.DeadLetters)
	})

	log.Info().Msg("HTTP routes registered")
	return r
}

// admitAPI runs the wrapped handler inside the API bulkhead so that at
// most ConcurrencyAPI requests touch the service layer at once.
func (s *Server) admitAPI(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := s.Guards.API.Run(r.Context(), func() error {
			next.ServeHTTP(w, r)
			return nil
		})
		if err != nil {
			s.writeServiceError(w, r, err)
		}
	})
}
