// Package metrics exposes the Prometheus counters/gauges/histograms this
// core actually emits, served over HTTP via promhttp. Trimmed from the
// indicator-engine/TF-resampler metric surface the teacher's mdengine
// exposed down to what TaskManager, CandleFetcher, CacheStore, and the
// optional RedisMirror/FetchAuditLedger components emit.
package metrics

import (
	"context"
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every metric this core registers.
type Metrics struct {
	TradesTotal        *prometheus.CounterVec // labels: exchange, symbol
	OrderBookUpdates   *prometheus.CounterVec // labels: exchange, symbol
	CandlesEmitted     *prometheus.CounterVec // labels: exchange, symbol, timeframe
	StreamerReconnects *prometheus.CounterVec // labels: exchange, symbol, kind
	StreamerDeaths     *prometheus.CounterVec // labels: exchange, symbol, kind

	FetchPagesTotal *prometheus.CounterVec // labels: exchange, outcome=ok|retry|fail
	FetchDuration   *prometheus.HistogramVec

	CacheWriteDuration prometheus.Histogram
	CacheLoadDuration  prometheus.Histogram

	QueueDepth    prometheus.Gauge
	QueueOverflow prometheus.Counter

	RedisCircuitState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitTrips prometheus.Counter
}

// New registers and returns every metric. Safe to call once per process;
// a second call against the default registry will panic on duplicate
// registration, matching promauto/prometheus convention.
func New() *Metrics {
	m := &Metrics{
		TradesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketpulse_trades_total",
			Help: "Total trades received per exchange/symbol.",
		}, []string{"exchange", "symbol"}),
		OrderBookUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketpulse_orderbook_updates_total",
			Help: "Total order-book snapshots received per exchange/symbol.",
		}, []string{"exchange", "symbol"}),
		CandlesEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketpulse_candles_emitted_total",
			Help: "Total UPDATED_CANDLE emissions per exchange/symbol/timeframe.",
		}, []string{"exchange", "symbol", "timeframe"}),
		StreamerReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketpulse_streamer_reconnects_total",
			Help: "Total Streamer backoff-retry cycles per exchange/symbol/kind.",
		}, []string{"exchange", "symbol", "kind"}),
		StreamerDeaths: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketpulse_streamer_deaths_total",
			Help: "Total Streamer tasks that exited permanently (auth/not-supported).",
		}, []string{"exchange", "symbol", "kind"}),

		FetchPagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketpulse_fetch_pages_total",
			Help: "Total CandleFetcher page fetches by outcome.",
		}, []string{"exchange", "outcome"}),
		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "marketpulse_fetch_duration_seconds",
			Help:    "CandleFetcher.FetchSince wall-clock duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"exchange"}),

		CacheWriteDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "marketpulse_cache_write_duration_seconds",
			Help:    "CacheStore.Save duration, including atomic rename.",
			Buckets: prometheus.DefBuckets,
		}),
		CacheLoadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "marketpulse_cache_load_duration_seconds",
			Help:    "CacheStore.Load duration.",
			Buckets: prometheus.DefBuckets,
		}),

		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "marketpulse_queue_depth",
			Help: "Current depth of the TaskManager routing queue (qsize()).",
		}),
		QueueOverflow: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketpulse_queue_grow_total",
			Help: "Total times the internal ring buffer grew to absorb backpressure.",
		}),

		RedisCircuitState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "marketpulse_redis_mirror_circuit_state",
			Help: "RedisMirror circuit breaker state: 0=closed, 1=open, 2=half-open.",
		}),
		RedisCircuitTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketpulse_redis_mirror_circuit_trips_total",
			Help: "Total times the RedisMirror circuit breaker tripped open.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.TradesTotal, m.OrderBookUpdates, m.CandlesEmitted, m.StreamerReconnects, m.StreamerDeaths,
		m.FetchPagesTotal, m.FetchDuration, m.CacheWriteDuration, m.CacheLoadDuration,
		m.QueueDepth, m.QueueOverflow, m.RedisCircuitState, m.RedisCircuitTrips,
	} {
		prometheus.MustRegister(c)
	}
	return m
}

// Server exposes /metrics over HTTP.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer builds a metrics HTTP server bound to addr. Call Start to
// launch it.
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{addr: addr, srv: &http.Server{Addr: addr, Handler: mux}}
}

// Start launches the HTTP server in a background goroutine.
func (s *Server) Start() {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
