package httpapi

import (
	"net/http"
	"sync/atomic"

	"github.com/erauner12/stocksync-api/internal/metrics"
)

// LoadShedder rejects requests outright once more than max are already
// in flight on the guarded routes. It sits in front of the rate limiter
// and bulkhead: shedding is the cheapest possible "no", taken before
// any queueing.
type LoadShedder struct {
	max      int64
	inflight atomic.Int64
	shed     atomic.Int64
	met      *metrics.Registry
}

func NewLoadShedder(max int, met *metrics.Registry) *LoadShedder {
	return &LoadShedder{max: int64(max), met: met}
}

type LoadShedStats struct {
	Max      int64 `json:"max"`
	InFlight int64 `json:"inFlight"`
	Shed     int64 `json:"shed"`
}

func (ls *LoadShedder) Stats() LoadShedStats {
	return LoadShedStats{Max: ls.max, InFlight: ls.inflight.Load(), Shed: ls.shed.Load()}
}

func (ls *LoadShedder) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := ls.inflight.Add(1)
		defer ls.inflight.Add(-1)

		if n > ls.max {
			ls.shed.Add(1)
			ls.met.Inc(metrics.RequestsShed)
			w.Header().Set("Retry-After", "1")
			writeError(w, r, http.StatusServiceUnavailable, "LoadShedError", codeLoadShed,
				"server overloaded, request shed", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
