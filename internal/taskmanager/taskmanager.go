// Package taskmanager implements TaskManager (spec §4.7): the heart of
// the core. It owns the async runtime, ref-counts StreamKeys across
// subscribers, launches/tears down Streamer tasks and CandleFactory
// instances on 0↔1 refcount transitions, and routes incoming items to
// factories and the SignalBus. Grounded on cmd/mdengine/main.go's
// composition-root orchestration style, generalized from one fixed
// pipeline wired at startup to a dynamically keyed subscribe/unsubscribe
// registry.
package taskmanager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"marketpulse/internal/candlefactory"
	"marketpulse/internal/exchange"
	"marketpulse/internal/fetcher"
	"marketpulse/internal/metrics"
	"marketpulse/internal/model"
	"marketpulse/internal/queue"
	"marketpulse/internal/signalbus"
	"marketpulse/internal/streamer"
)

// SubscriberID identifies a subscriber for bookkeeping and selective
// unsubscription.
type SubscriberID string

// CapabilityResolver resolves an exchange identifier to its Capability.
type CapabilityResolver func(exchangeID string) (exchange.Capability, error)

// Config configures a TaskManager. Zero values fall back to spec
// defaults.
type Config struct {
	Bus                 *signalbus.Bus
	Fetcher             *fetcher.Fetcher
	Resolve             CapabilityResolver
	SeedBarCount        int64 // default 1000
	ShutdownGraceMillis int64 // default 2000
	CadenceMillis       int64 // order-book throttle, 0 disables
	QueueHighWaterMark  int   // 0 disables the backpressure check
	Logger              *slog.Logger
	Metrics             *metrics.Metrics // optional
}

// taskHandle is satisfied by streamer.Streamer[T] for any T.
type taskHandle interface{ Stop() }

// queueItem tags an item arriving from a Streamer with the StreamKey it
// belongs to, so the router can dispatch it without a type switch on the
// originating Streamer.
type queueItem struct {
	key    model.StreamKey
	trade  *model.Trade
	book   *model.OrderBookSnapshot
	ticker *model.Ticker
}

// TaskManager is C7.
type TaskManager struct {
	bus     *signalbus.Bus
	fetcher *fetcher.Fetcher
	resolve CapabilityResolver
	cfg     Config
	log     *slog.Logger

	q                 *queue.Ring[queueItem]
	notify            chan struct{}
	lastReportedGrows uint64

	mu             sync.Mutex
	refCount       map[model.StreamKey]int
	cancels        map[model.StreamKey]context.CancelFunc
	tasks          map[model.StreamKey]taskHandle
	factories      map[model.StreamKey]*candlefactory.Factory
	degraded       map[model.StreamKey]bool
	subscriptions  map[SubscriberID]map[model.Requirement]struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
}

// New constructs a TaskManager. Call Run to start its async runtime
// before calling Subscribe.
func New(cfg Config) *TaskManager {
	if cfg.SeedBarCount <= 0 {
		cfg.SeedBarCount = 1000
	}
	if cfg.ShutdownGraceMillis <= 0 {
		cfg.ShutdownGraceMillis = 2000
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &TaskManager{
		bus:           cfg.Bus,
		fetcher:       cfg.Fetcher,
		resolve:       cfg.Resolve,
		cfg:           cfg,
		log:           cfg.Logger,
		q:             queue.New[queueItem](256),
		notify:        make(chan struct{}, 1),
		refCount:      map[model.StreamKey]int{},
		cancels:       map[model.StreamKey]context.CancelFunc{},
		tasks:         map[model.StreamKey]taskHandle{},
		factories:     map[model.StreamKey]*candlefactory.Factory{},
		degraded:      map[model.StreamKey]bool{},
		subscriptions: map[SubscriberID]map[model.Requirement]struct{}{},
	}
}

// Run starts the async runtime's router loop: the dedicated "thread" that
// pops routed items off the internal queue and dispatches them to
// factories and the SignalBus. Run returns immediately; the loop runs on
// its own goroutine until ctx is done or Shutdown is called.
func (tm *TaskManager) Run(ctx context.Context) {
	tm.runCtx, tm.runCancel = context.WithCancel(ctx)
	tm.runWG.Add(1)
	go tm.routeLoop()
}

func (tm *TaskManager) wake() {
	select {
	case tm.notify <- struct{}{}:
	default:
	}
}

func (tm *TaskManager) routeLoop() {
	defer tm.runWG.Done()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		for {
			item, ok := tm.q.Pop()
			if !ok {
				break
			}
			tm.route(item)
		}
		if tm.cfg.Metrics != nil {
			tm.cfg.Metrics.QueueDepth.Set(float64(tm.q.Len()))
			if grown := tm.q.Overflow(); grown > tm.lastReportedGrows {
				tm.cfg.Metrics.QueueOverflow.Add(float64(grown - tm.lastReportedGrows))
				tm.lastReportedGrows = grown
			}
		}
		if tm.cfg.QueueHighWaterMark > 0 && tm.q.Len() > tm.cfg.QueueHighWaterMark {
			tm.bus.Publish(signalbus.TaskError, signalbus.TaskErrorPayload{
				Kind:    model.ErrBackpressure,
				Message: fmt.Sprintf("queue depth %d exceeds high-water mark %d", tm.q.Len(), tm.cfg.QueueHighWaterMark),
			})
		}
		select {
		case <-tm.runCtx.Done():
			return
		case <-tm.notify:
		case <-ticker.C:
		}
	}
}

// route implements onQueueItem (§4.7): Trades items fan out to every
// alive CandleFactory for (exchange,symbol) and publish NEW_TRADE;
// OrderBook/Ticker items publish directly.
func (tm *TaskManager) route(item queueItem) {
	switch {
	case item.trade != nil:
		tm.mu.Lock()
		var factoryKeys []model.StreamKey
		for key := range tm.factories {
			if key.Exchange == item.key.Exchange && key.Symbol == item.key.Symbol {
				factoryKeys = append(factoryKeys, key)
			}
		}
		factories := make([]*candlefactory.Factory, 0, len(factoryKeys))
		for _, k := range factoryKeys {
			factories = append(factories, tm.factories[k])
		}
		tm.mu.Unlock()

		for _, f := range factories {
			f.OnTrade(*item.trade)
		}
		tm.bus.Publish(signalbus.NewTrade, signalbus.NewTradePayload{Exchange: item.key.Exchange, Trade: *item.trade})
		if tm.cfg.Metrics != nil {
			tm.cfg.Metrics.TradesTotal.WithLabelValues(item.key.Exchange, item.key.Symbol).Inc()
		}

	case item.book != nil:
		tm.bus.Publish(signalbus.OrderBookUpdate, signalbus.OrderBookUpdatePayload{Exchange: item.key.Exchange, Book: *item.book})
		if tm.cfg.Metrics != nil {
			tm.cfg.Metrics.OrderBookUpdates.WithLabelValues(item.key.Exchange, item.key.Symbol).Inc()
		}

	case item.ticker != nil:
		tm.bus.Publish(signalbus.NewTicker, signalbus.NewTickerPayload{Exchange: item.key.Exchange, Symbol: item.key.Symbol, Ticker: *item.ticker})
	}
}

// Subscribe registers subscriber's interest in requirement. Idempotent for
// the same (subscriber, requirement) pair — a duplicate subscription is a
// no-op and does not bump ref counts.
func (tm *TaskManager) Subscribe(subscriber SubscriberID, req model.Requirement) error {
	tm.mu.Lock()
	if tm.subscriptions[subscriber] == nil {
		tm.subscriptions[subscriber] = map[model.Requirement]struct{}{}
	}
	if _, exists := tm.subscriptions[subscriber][req]; exists {
		tm.mu.Unlock()
		return nil
	}
	tm.subscriptions[subscriber][req] = struct{}{}

	keys := req.Keys()
	var toStart []model.StreamKey
	for _, k := range keys {
		tm.refCount[k]++
		if tm.refCount[k] == 1 {
			toStart = append(toStart, k)
		}
	}
	tm.mu.Unlock()

	for _, k := range toStart {
		tm.startKey(k)
	}
	return nil
}

// Unsubscribe removes subscriber's interest. If req is nil, every
// requirement recorded for subscriber is removed.
func (tm *TaskManager) Unsubscribe(subscriber SubscriberID, req *model.Requirement) {
	tm.mu.Lock()
	reqs := tm.subscriptions[subscriber]
	var toRemove []model.Requirement
	if req == nil {
		for r := range reqs {
			toRemove = append(toRemove, r)
		}
	} else if _, ok := reqs[*req]; ok {
		toRemove = append(toRemove, *req)
	}

	var toStop []model.StreamKey
	for _, r := range toRemove {
		delete(reqs, r)
		for _, k := range r.Keys() {
			tm.refCount[k]--
			if tm.refCount[k] <= 0 {
				delete(tm.refCount, k)
				toStop = append(toStop, k)
			}
		}
	}
	if len(reqs) == 0 {
		delete(tm.subscriptions, subscriber)
	}
	tm.mu.Unlock()

	for _, k := range toStop {
		tm.stopKey(k)
	}
}

// startKey handles a 0→1 refcount transition for key: launches the
// matching Streamer task for stream keys, or creates a CandleFactory and
// schedules its background seed fetch for candles keys.
func (tm *TaskManager) startKey(key model.StreamKey) {
	if key.Kind == model.KindCandles {
		tm.startCandles(key)
		return
	}

	cap, err := tm.resolve(key.Exchange)
	if err != nil {
		tm.bus.Publish(signalbus.TaskError, signalbus.TaskErrorPayload{StreamKey: key, Kind: model.KindOf(err), Message: err.Error()})
		return
	}

	ctx, cancel := context.WithCancel(tm.runCtx)
	handle := tm.launchStreamer(ctx, key, cap)

	tm.mu.Lock()
	tm.cancels[key] = cancel
	tm.tasks[key] = handle
	tm.mu.Unlock()
}

func (tm *TaskManager) launchStreamer(ctx context.Context, key model.StreamKey, cap exchange.Capability) taskHandle {
	log := tm.log
	onDead := func(symbol string, err error) { tm.taskDied(key, err) }
	switch key.Kind {
	case model.KindTrades:
		s := streamer.New(ctx, cap.WatchTrades, func(symbol string, t model.Trade) {
			tm.q.Push(queueItem{key: key, trade: &t})
			tm.wake()
		}, streamer.Options{Logger: log, OnDead: onDead})
		s.SetSymbols([]string{key.Symbol})
		return s
	case model.KindOrderBook:
		s := streamer.New(ctx, cap.WatchOrderBook, func(symbol string, b model.OrderBookSnapshot) {
			tm.q.Push(queueItem{key: key, book: &b})
			tm.wake()
		}, streamer.Options{Logger: log, CadenceMillis: tm.cfg.CadenceMillis, OnDead: onDead})
		s.SetSymbols([]string{key.Symbol})
		return s
	case model.KindTicker:
		s := streamer.New(ctx, cap.WatchTicker, func(symbol string, tk model.Ticker) {
			tm.q.Push(queueItem{key: key, ticker: &tk})
			tm.wake()
		}, streamer.Options{Logger: log, OnDead: onDead})
		s.SetSymbols([]string{key.Symbol})
		return s
	default:
		return nil
	}
}

// taskDied publishes TASK_ERROR when a Streamer task drops to Dead
// (§4.6/§4.7: fatal errors exit the task and raise TASK_ERROR).
func (tm *TaskManager) taskDied(key model.StreamKey, err error) {
	tm.bus.Publish(signalbus.TaskError, signalbus.TaskErrorPayload{
		StreamKey: key,
		Kind:      model.KindOf(err),
		Message:   err.Error(),
	})
	if tm.cfg.Metrics != nil {
		tm.cfg.Metrics.StreamerDeaths.WithLabelValues(key.Exchange, key.Symbol, key.Kind.String()).Inc()
	}
}

// startCandles creates the factory immediately (so concurrently arriving
// trades, routed once its Trades dependency starts, have somewhere to
// go) and schedules the background historical fetch that will seed it.
func (tm *TaskManager) startCandles(key model.StreamKey) {
	factory, err := candlefactory.New(key.Exchange, key.Symbol, key.Timeframe, func(u candlefactory.UpdatedBar) {
		tm.bus.Publish(signalbus.UpdatedCandle, signalbus.UpdatedCandlePayload{
			Exchange: u.Exchange, Symbol: u.Symbol, Timeframe: u.Timeframe, Candle: u.Bar,
		})
		if tm.cfg.Metrics != nil {
			tm.cfg.Metrics.CandlesEmitted.WithLabelValues(u.Exchange, u.Symbol, u.Timeframe).Inc()
		}
	}, tm.log)
	if err != nil {
		tm.bus.Publish(signalbus.TaskError, signalbus.TaskErrorPayload{StreamKey: key, Kind: model.KindOf(err), Message: err.Error()})
		return
	}

	tm.mu.Lock()
	tm.factories[key] = factory
	tm.mu.Unlock()

	go tm.seedCandles(key, factory)
}

func (tm *TaskManager) seedCandles(key model.StreamKey, factory *candlefactory.Factory) {
	cap, err := tm.resolve(key.Exchange)
	if err != nil {
		tm.markDegraded(key, factory, err)
		return
	}
	tfSeconds, ok := model.TFSeconds(key.Timeframe)
	if !ok {
		tm.markDegraded(key, factory, model.NewError(model.ErrBadRequest, "unknown timeframe", nil))
		return
	}
	since := time.Now().UnixMilli() - tm.cfg.SeedBarCount*tfSeconds*1000

	series, err := tm.fetcher.FetchSince(tm.runCtx, cap, key.Symbol, key.Timeframe, since)
	if err != nil {
		tm.markDegraded(key, factory, err)
		return
	}

	// Merge the seed into the factory, publish INITIAL_CANDLES, then open
	// the gate — in that order, so any UPDATED_CANDLE buffered while this
	// fetch was in flight is enqueued strictly after INITIAL_CANDLES (§5).
	factory.Seed(series.Candles)
	tm.bus.Publish(signalbus.InitialCandles, signalbus.InitialCandlesPayload{
		Exchange: key.Exchange, Symbol: key.Symbol, Timeframe: key.Timeframe, Series: series,
	})
	factory.ReleaseGate()
}

func (tm *TaskManager) markDegraded(key model.StreamKey, factory *candlefactory.Factory, err error) {
	tm.mu.Lock()
	tm.degraded[key] = true
	tm.mu.Unlock()
	tm.log.Warn("taskmanager: candle seed failed, continuing from live trades only", "key", key, "err", err)
	factory.MarkDegraded()
}

// Degraded reports whether key's CandleFactory failed to seed and is
// running from live trades only.
func (tm *TaskManager) Degraded(key model.StreamKey) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.degraded[key]
}

// stopKey handles a 1→0 refcount transition: sets the stop signal and
// awaits task termination bounded by ShutdownGraceMillis, then for
// candles keys closes and drops the factory.
func (tm *TaskManager) stopKey(key model.StreamKey) {
	tm.mu.Lock()
	cancel := tm.cancels[key]
	handle := tm.tasks[key]
	factory := tm.factories[key]
	delete(tm.cancels, key)
	delete(tm.tasks, key)
	delete(tm.factories, key)
	delete(tm.degraded, key)
	tm.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if handle != nil {
		done := make(chan struct{})
		go func() {
			handle.Stop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Duration(tm.cfg.ShutdownGraceMillis) * time.Millisecond):
			tm.log.Warn("taskmanager: task did not stop within grace period", "key", key)
		}
	}
	if factory != nil {
		factory.Close()
	}
}

// Shutdown stops every active task, bounded by ShutdownGraceMillis in
// aggregate, then stops the router loop.
func (tm *TaskManager) Shutdown() {
	tm.mu.Lock()
	keys := make([]model.StreamKey, 0, len(tm.refCount))
	for k := range tm.refCount {
		keys = append(keys, k)
	}
	tm.mu.Unlock()

	var wg sync.WaitGroup
	for _, k := range keys {
		wg.Add(1)
		go func(k model.StreamKey) {
			defer wg.Done()
			tm.stopKey(k)
		}(k)
	}
	wg.Wait()

	if tm.runCancel != nil {
		tm.runCancel()
	}
	tm.runWG.Wait()
}

// QSize returns the depth of the internal routing queue (§5 qsize()).
func (tm *TaskManager) QSize() int { return tm.q.Len() }
