package httpapi

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/erauner12/stocksync-api/internal/inventory"
	"github.com/erauner12/stocksync-api/internal/resilience"
	"github.com/erauner12/stocksync-api/internal/service/stockservice"
)

// Machine-readable error codes carried in the error envelope.
const (
	codeValidation          = "VALIDATION_ERROR"
	codeNotFound            = "NOT_FOUND"
	codeVersionConflict     = "VERSION_CONFLICT"
	codeInsufficientStock   = "INSUFFICIENT_STOCK"
	codeIdempotencyConflict = "IDEMPOTENCY_CONFLICT"
	codeLockRejected        = "LOCK_REJECTED"
	codeRateLimited         = "RATE_LIMITED"
	codeLoadShed            = "LOAD_SHED"
	codeSaturated           = "SATURATED"
	codeBreakerOpen         = "BREAKER_OPEN"
	codeTimeout             = "TIMEOUT"
	codeInternal            = "INTERNAL_ERROR"
)

type errorBody struct {
	Name       string                 `json:"name"`
	Message    string                 `json:"message"`
	Code       string                 `json:"code"`
	StatusCode int                    `json:"statusCode"`
	Timestamp  time.Time              `json:"timestamp"`
	Details    map[string]any `json:"details,omitempty"`
}

type errorEnvelope struct {
	Success bool      `json:"success"`
	Error   errorBody `json:"error"`
}

// writeError writes the uniform error envelope. Every non-2xx response
// in the API goes through here so clients can parse one shape.
func writeError(w http.ResponseWriter, r *http.Request, statusCode int, name, code, message string, details map[string]any) {
	log.Ctx(r.Context()).Warn().
		Int("status", statusCode).
		Str("code", code).
		Str("path", r.URL.Path).
		Msg(message)
	writeJSON(w, statusCode, errorEnvelope{
		Success: false,
		Error: errorBody{
			Name:       name,
			Message:    message,
			Code:       code,
			StatusCode: statusCode,
			Timestamp:  time.Now().UTC(),
			Details:    details,
		},
	})
}

// retryAfterSeconds renders a duration as a Retry-After header value,
// rounding up so sub-second hints never collapse to zero.
func retryAfterSeconds(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("%d", secs)
}

// writeServiceError maps domain and resilience errors onto HTTP status
// codes and the error envelope. Anything unrecognized is a 500.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation   *stockservice.ValidationError
		conflict     *stockservice.ConflictError
		insufficient *stockservice.InsufficientStockError
		idemConflict *stockservice.IdempotencyConflictError
		lockRejected *stockservice.LockRejectionError
		saturated    *resilience.SaturatedError
		open         *resilience.OpenError
		timedOut     *resilience.BreakerTimeoutError
	)
	switch {
	case errors.As(err, &validation):
		writeError(w, r, http.StatusBadRequest, "ValidationError", codeValidation, validation.Error(), nil)
	case errors.Is(err, inventory.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "NotFoundError", codeNotFound, "inventory record not found", nil)
	case errors.As(err, &conflict):
		writeError(w, r, http.StatusConflict, "ConflictError", codeVersionConflict, conflict.Error(), map[string]any{
			"expectedVersion": conflict.Expected,
			"currentVersion":  conflict.Current,
		})
	case errors.As(err, &insufficient):
		writeError(w, r, http.StatusUnprocessableEntity, "InsufficientStockError", codeInsufficientStock, insufficient.Error(), map[string]any{
			"available": insufficient.Available,
			"requested": insufficient.Requested,
		})
	case errors.As(err, &idemConflict):
		writeError(w, r, http.StatusConflict, "IdempotencyConflictError", codeIdempotencyConflict, idemConflict.Error(), nil)
	case errors.As(err, &lockRejected):
		w.Header().Set("Retry-After", retryAfterSeconds(lockRejected.RetryAfter))
		w.Header().Set("X-Lock-Key", lockRejected.SKU)
		writeError(w, r, s.Cfg.LockRejectStatus, "LockRejectionError", codeLockRejected, lockRejected.Error(), nil)
	case errors.As(err, &saturated):
		w.Header().Set("Retry-After", "1")
		writeError(w, r, http.StatusServiceUnavailable, "SaturatedError", codeSaturated, saturated.Error(), nil)
	case errors.As(err, &open):
		w.Header().Set("Retry-After", retryAfterSeconds(open.RetryAfter))
		writeError(w, r, http.StatusServiceUnavailable, "CircuitOpenError", codeBreakerOpen, open.Error(), nil)
	case errors.As(err, &timedOut):
		writeError(w, r, http.StatusServiceUnavailable, "TimeoutError", codeTimeout, timedOut.Error(), nil)
	default:
		log.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("unhandled service error")
		writeError(w, r, http.StatusInternalServerError, "InternalError", codeInternal, "internal server error", nil)
	}
}
