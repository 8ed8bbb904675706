// Package metrics exposes Prometheus instrumentation for the HTTP surface
// and the load engine.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "microtile_http_response_time_seconds",
		Help: "Duration of HTTP requests.",
	}, []string{"path"})
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "microtile_http_requests_total",
		Help: "Number of HTTP requests.",
	}, []string{"path"})
)

// Middleware records request counts and latency per route. Routes are
// labelled by their mux template so content hashes in the path do not
// explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		duration := time.Since(start)

		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				path = tmpl
			}
		}
		httpDuration.WithLabelValues(path).Observe(duration.Seconds())
		httpRequests.WithLabelValues(path).Inc()
	})
}

// Handler serves the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Engine counts load-engine activity. All methods tolerate a nil receiver
// so components can run unmetered.
type Engine struct {
	sessionsStarted    prometheus.Counter
	tilesDecoded       prometheus.Counter
	tileDecodeFailures prometheus.Counter
	staleDiscarded     prometheus.Counter
	storeRetries       prometheus.Counter
	registrationsDone  prometheus.Counter
}

var (
	engineOnce sync.Once
	engine     *Engine
)

// NewEngine returns the process-wide engine counters.
func NewEngine() *Engine {
	engineOnce.Do(func() {
		engine = &Engine{
			sessionsStarted: promauto.NewCounter(prometheus.CounterOpts{
				Name: "microtile_sessions_started_total",
				Help: "Load sessions started by image changes.",
			}),
			tilesDecoded: promauto.NewCounter(prometheus.CounterOpts{
				Name: "microtile_tiles_decoded_total",
				Help: "Tiles decoded into the viewer cache.",
			}),
			tileDecodeFailures: promauto.NewCounter(prometheus.CounterOpts{
				Name: "microtile_tile_decode_failures_total",
				Help: "Tile payloads that failed to decode.",
			}),
			staleDiscarded: promauto.NewCounter(prometheus.CounterOpts{
				Name: "microtile_stale_results_discarded_total",
				Help: "Results discarded because their session was superseded.",
			}),
			storeRetries: promauto.NewCounter(prometheus.CounterOpts{
				Name: "microtile_store_retries_total",
				Help: "Retries of tile store calls after I/O failures.",
			}),
			registrationsDone: promauto.NewCounter(prometheus.CounterOpts{
				Name: "microtile_registrations_applied_total",
				Help: "Overlay registrations applied successfully.",
			}),
		}
	})
	return engine
}

// SessionStarted counts a new load session.
func (e *Engine) SessionStarted() {
	if e == nil {
		return
	}
	e.sessionsStarted.Inc()
}

// TilesDecoded counts tiles decoded into the cache.
func (e *Engine) TilesDecoded(n int) {
	if e == nil || n <= 0 {
		return
	}
	e.tilesDecoded.Add(float64(n))
}

// TileDecodeFailed counts an undecodable tile payload.
func (e *Engine) TileDecodeFailed() {
	if e == nil {
		return
	}
	e.tileDecodeFailures.Inc()
}

// StaleDiscarded counts a continuation dropped by the epoch check.
func (e *Engine) StaleDiscarded() {
	if e == nil {
		return
	}
	e.staleDiscarded.Inc()
}

// StoreRetry counts one retry of a store call.
func (e *Engine) StoreRetry() {
	if e == nil {
		return
	}
	e.storeRetries.Inc()
}

// RegistrationApplied counts a successful overlay registration.
func (e *Engine) RegistrationApplied() {
	if e == nil {
		return
	}
	e.registrationsDone.Inc()
}
