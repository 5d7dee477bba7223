// Package marketpulse is the composition root: Facade (spec §4.8), the
// public API surface of the core. Grounded on cmd/mdengine/main.go's
// composition-root sequence (config load → metrics → writers → pipeline →
// signal wait → graceful shutdown), generalized from a single `main`
// function into a reusable type so both a CLI host (cmd/marketpulsed) and
// library callers can embed it.
package marketpulse

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"marketpulse/config"
	"marketpulse/internal/audit"
	"marketpulse/internal/cache"
	"marketpulse/internal/exchange"
	"marketpulse/internal/fetcher"
	"marketpulse/internal/metrics"
	"marketpulse/internal/mirror"
	"marketpulse/internal/model"
	"marketpulse/internal/signalbus"
	"marketpulse/internal/taskmanager"
)

// SubscriberID identifies a subscriber for Subscribe/Unsubscribe.
type SubscriberID = taskmanager.SubscriberID

// Facade is C8: the public entry point. Construct with New, call Start
// before Subscribe/FetchCandlesOnce, and Stop to shut down cleanly.
type Facade struct {
	cfg          *config.Config
	capabilities map[string]exchange.Capability

	log     *slog.Logger
	metrics *metrics.Metrics
	metricsSrv *metrics.Server

	store   *cache.Store
	fetcher *fetcher.Fetcher
	bus     *signalbus.Bus
	tasks   *taskmanager.TaskManager

	redisMirror *mirror.Mirror
	auditLedger *audit.Ledger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
}

// New builds a Facade wired against cfg and the given pre-constructed
// exchange capabilities, keyed by exchange ID. Capabilities are supplied by
// the caller (rather than built from cfg directly) because constructing one
// requires a provider-specific Codec/RESTClient — outside the core's
// concern per §4.1.
func New(cfg *config.Config, capabilities map[string]exchange.Capability, log *slog.Logger) (*Facade, error) {
	if log == nil {
		log = slog.Default()
	}

	store, err := cache.New(cfg.CacheDir, cfg.FetchConcurrency, log)
	if err != nil {
		return nil, fmt.Errorf("marketpulse: cache store: %w", err)
	}

	m := metrics.New()
	store = store.WithMetrics(m)

	f := fetcher.New(store, fetcher.Options{
		SemCapacity: cfg.FetchConcurrency,
		Logger:      log,
		Metrics:     m,
	})

	bus := signalbus.New(log)

	facade := &Facade{
		cfg:          cfg,
		capabilities: capabilities,
		log:          log,
		metrics:      m,
		store:        store,
		fetcher:      f,
		bus:          bus,
	}

	facade.tasks = taskmanager.New(taskmanager.Config{
		Bus:                 bus,
		Fetcher:             f,
		Resolve:             facade.resolveCapability,
		SeedBarCount:        cfg.SeedBarCount,
		ShutdownGraceMillis: cfg.ShutdownGraceMillis,
		QueueHighWaterMark:  cfg.QueueHighWaterMark,
		Logger:              log,
		Metrics:             m,
	})

	if cfg.RedisMirror {
		rm, err := mirror.New(cfg.RedisAddr, cfg.RedisPassword, log, m)
		if err != nil {
			return nil, fmt.Errorf("marketpulse: redis mirror: %w", err)
		}
		facade.redisMirror = rm
	}
	if cfg.AuditDB {
		led, err := audit.New(cfg.AuditDBPath, log)
		if err != nil {
			return nil, fmt.Errorf("marketpulse: audit ledger: %w", err)
		}
		facade.auditLedger = led
	}

	return facade, nil
}

func (fc *Facade) resolveCapability(exchangeID string) (exchange.Capability, error) {
	cap, ok := fc.capabilities[exchangeID]
	if !ok {
		return nil, model.NewError(model.ErrBadRequest, "unknown exchange "+exchangeID, nil)
	}
	return cap, nil
}

// Start launches the async runtime: TaskManager's router loop, the metrics
// HTTP server (if MetricsAddr is set), and optional mirror/audit
// subscribers. Calling Start twice is a no-op.
func (fc *Facade) Start(ctx context.Context) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.started {
		return
	}
	fc.started = true

	runCtx, cancel := context.WithCancel(ctx)
	fc.cancel = cancel
	fc.tasks.Run(runCtx)

	if fc.cfg.MetricsAddr != "" {
		fc.metricsSrv = metrics.NewServer(fc.cfg.MetricsAddr)
		fc.metricsSrv.Start()
	}
	if fc.redisMirror != nil {
		fc.redisMirror.Subscribe(fc.bus)
	}
	if fc.auditLedger != nil {
		fc.auditLedger.Subscribe(fc.bus)
	}
}

// Subscribe registers subscriber's interest in req, starting upstream
// tasks on a 0→1 refcount transition. Returns an error once the facade has
// been stopped.
func (fc *Facade) Subscribe(subscriber SubscriberID, req model.Requirement) error {
	fc.mu.Lock()
	started := fc.started
	fc.mu.Unlock()
	if !started {
		return model.NewError(model.ErrBadRequest, "facade is stopped", nil)
	}
	return fc.tasks.Subscribe(subscriber, req)
}

// Unsubscribe removes subscriber's interest in req, or every requirement it
// holds if req is nil.
func (fc *Facade) Unsubscribe(subscriber SubscriberID, req *model.Requirement) {
	fc.tasks.Unsubscribe(subscriber, req)
}

// FetchCandlesOnce performs a one-shot historical fetch without creating
// any subscription or CandleFactory. Returns an error once the facade has
// been stopped.
func (fc *Facade) FetchCandlesOnce(ctx context.Context, exchangeID, symbol, timeframe string, sinceMillis int64) (model.CandleSeries, error) {
	fc.mu.Lock()
	started := fc.started
	fc.mu.Unlock()
	if !started {
		return model.CandleSeries{}, model.NewError(model.ErrBadRequest, "facade is stopped", nil)
	}

	cap, err := fc.resolveCapability(exchangeID)
	if err != nil {
		return model.CandleSeries{}, err
	}
	series, err := fc.fetcher.FetchSince(ctx, cap, symbol, timeframe, sinceMillis)
	if err == nil && fc.auditLedger != nil {
		fc.auditLedger.RecordFetch(exchangeID, symbol, timeframe, len(series.Candles))
	}
	return series, err
}

// RegisterSignal subscribes fn to signal on the SignalBus, returning a
// handle for later unregistration.
func (fc *Facade) RegisterSignal(signal signalbus.Signal, fn func(any)) signalbus.SubscriptionID {
	return fc.bus.Subscribe(signal, fn)
}

// UnregisterSignal removes a previously registered signal callback.
func (fc *Facade) UnregisterSignal(signal signalbus.Signal, id signalbus.SubscriptionID) {
	fc.bus.Unsubscribe(signal, id)
}

// Drain dispatches every signal currently queued to its subscribers. Call
// this once per consumer-domain tick (a GUI frame, or RunHeadless's
// ticker).
func (fc *Facade) Drain() { fc.bus.Drain() }

// RunHeadless runs Drain on a fixed cadence until ctx is done, matching
// spec's "headless worker" consumer-domain language for hosts with no
// natural per-frame tick of their own.
func (fc *Facade) RunHeadless(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fc.bus.Drain()
			return
		case <-ticker.C:
			fc.bus.Drain()
		}
	}
}

// Stop implements the §4.8 shutdown sequence: set all stop signals (via
// TaskManager.Shutdown, bounded by ShutdownGraceMillis), flush the
// outbound queue with one final Drain, close every exchange client, and
// stop the metrics server. The wait for TaskManager.Shutdown and the
// metrics-server shutdown are each bounded by timeoutMillis separately.
func (fc *Facade) Stop(timeoutMillis int64) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if !fc.started {
		return nil
	}
	fc.started = false

	done := make(chan struct{})
	go func() {
		fc.tasks.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Duration(timeoutMillis) * time.Millisecond):
		fc.log.Warn("marketpulse: TaskManager did not shut down within timeout, proceeding anyway")
	}

	fc.bus.Drain()

	for id, cap := range fc.capabilities {
		if err := cap.Close(); err != nil {
			fc.log.Warn("marketpulse: error closing exchange capability", "exchange", id, "err", err)
		}
	}

	fc.store.Close()

	if fc.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutMillis)*time.Millisecond)
		defer cancel()
		if err := fc.metricsSrv.Stop(ctx); err != nil {
			fc.log.Warn("marketpulse: error stopping metrics server", "err", err)
		}
	}
	if fc.redisMirror != nil {
		fc.redisMirror.Close()
	}
	if fc.auditLedger != nil {
		fc.auditLedger.Close()
	}

	if fc.cancel != nil {
		fc.cancel()
	}
	return nil
}
