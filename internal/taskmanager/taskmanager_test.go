package taskmanager

import (
	"context"
	"testing"
	"time"

	"marketpulse/internal/cache"
	"marketpulse/internal/exchange"
	"marketpulse/internal/fetcher"
	"marketpulse/internal/model"
	"marketpulse/internal/signalbus"
)

func newTestTaskManager(t *testing.T, mock *exchange.Mock) (*TaskManager, *signalbus.Bus, context.Context, context.CancelFunc) {
	t.Helper()
	store, err := cache.New(t.TempDir(), 1, nil)
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	f := fetcher.New(store, fetcher.Options{})
	bus := signalbus.New(nil)
	tm := New(Config{
		Bus:     bus,
		Fetcher: f,
		Resolve: func(exchangeID string) (exchange.Capability, error) { return mock, nil },
	})

	ctx, cancel := context.WithCancel(context.Background())
	tm.Run(ctx)
	return tm, bus, ctx, cancel
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestSubscribeTradesStartsOneStreamerAndRoutesNewTrade(t *testing.T) {
	mock := exchange.NewMock("coinbase")
	tm, bus, _, cancel := newTestTaskManager(t, mock)
	defer cancel()

	var got []model.Trade
	bus.Subscribe(signalbus.NewTrade, func(p any) {
		got = append(got, p.(signalbus.NewTradePayload).Trade)
	})

	err := tm.Subscribe("sub1", model.Requirement{Kind: model.KindTrades, Exchange: "coinbase", Symbol: "BTC/USD"})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	mock.TradeFeed("BTC/USD") <- model.Trade{Symbol: "BTC/USD", Price: 100, Amount: 1, TimestampMillis: 1000}

	waitFor(t, time.Second, func() bool {
		bus.Drain()
		return len(got) == 1
	})
	if got[0].Price != 100 {
		t.Fatalf("unexpected trade payload: %+v", got[0])
	}
}

func TestSubscribeCandlesAlsoStartsTradesDependency(t *testing.T) {
	mock := exchange.NewMock("coinbase")
	tm, _, _, cancel := newTestTaskManager(t, mock)
	defer cancel()

	if err := tm.Subscribe("sub1", model.Requirement{Kind: model.KindCandles, Exchange: "coinbase", Symbol: "BTC/USD", Timeframe: "1m"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		tm.mu.Lock()
		defer tm.mu.Unlock()
		tradesKey := model.TradesKey("coinbase", "BTC/USD")
		candlesKey := model.CandlesKey("coinbase", "BTC/USD", "1m")
		return tm.refCount[tradesKey] == 1 && tm.refCount[candlesKey] == 1
	})
}

func TestDuplicateSubscriptionIsNoOpAndDoesNotBumpRefCount(t *testing.T) {
	mock := exchange.NewMock("coinbase")
	tm, _, _, cancel := newTestTaskManager(t, mock)
	defer cancel()

	req := model.Requirement{Kind: model.KindTrades, Exchange: "coinbase", Symbol: "BTC/USD"}
	if err := tm.Subscribe("sub1", req); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := tm.Subscribe("sub1", req); err != nil {
		t.Fatalf("Subscribe (dup): %v", err)
	}

	tm.mu.Lock()
	count := tm.refCount[model.TradesKey("coinbase", "BTC/USD")]
	tm.mu.Unlock()
	if count != 1 {
		t.Fatalf("expected refcount 1 after duplicate subscribe, got %d", count)
	}
}

func TestSharedTradesStreamSurvivesUntilLastSubscriberUnsubscribes(t *testing.T) {
	mock := exchange.NewMock("coinbase")
	tm, _, _, cancel := newTestTaskManager(t, mock)
	defer cancel()

	req := model.Requirement{Kind: model.KindTrades, Exchange: "coinbase", Symbol: "BTC/USD"}
	tm.Subscribe("sub1", req)
	tm.Subscribe("sub2", req)

	key := model.TradesKey("coinbase", "BTC/USD")
	tm.mu.Lock()
	if tm.refCount[key] != 2 {
		tm.mu.Unlock()
		t.Fatalf("expected refcount 2, got %d", tm.refCount[key])
	}
	tm.mu.Unlock()

	tm.Unsubscribe("sub1", &req)

	tm.mu.Lock()
	_, stillTask := tm.tasks[key]
	tm.mu.Unlock()
	if !stillTask {
		t.Fatal("expected task to still be running with one subscriber remaining")
	}

	tm.Unsubscribe("sub2", &req)
	waitFor(t, time.Second, func() bool {
		tm.mu.Lock()
		defer tm.mu.Unlock()
		_, exists := tm.tasks[key]
		return !exists
	})
}

func TestUnsubscribeWithNilRequirementRemovesEverySubscription(t *testing.T) {
	mock := exchange.NewMock("coinbase")
	tm, _, _, cancel := newTestTaskManager(t, mock)
	defer cancel()

	tm.Subscribe("sub1", model.Requirement{Kind: model.KindTrades, Exchange: "coinbase", Symbol: "BTC/USD"})
	tm.Subscribe("sub1", model.Requirement{Kind: model.KindTicker, Exchange: "coinbase", Symbol: "ETH/USD"})

	tm.Unsubscribe("sub1", nil)

	tm.mu.Lock()
	defer tm.mu.Unlock()
	if len(tm.subscriptions["sub1"]) != 0 {
		t.Fatalf("expected all subscriptions removed, got %v", tm.subscriptions["sub1"])
	}
	if len(tm.refCount) != 0 {
		t.Fatalf("expected refCount map empty, got %v", tm.refCount)
	}
}

func TestSharedCandlesSubscriptionUsesOneStreamAndOneFactory(t *testing.T) {
	mock := exchange.NewMock("coinbase")
	tm, bus, _, cancel := newTestTaskManager(t, mock)
	defer cancel()

	var updates []signalbus.UpdatedCandlePayload
	bus.Subscribe(signalbus.UpdatedCandle, func(p any) {
		updates = append(updates, p.(signalbus.UpdatedCandlePayload))
	})

	req := model.Requirement{Kind: model.KindCandles, Exchange: "coinbase", Symbol: "BTC/USD", Timeframe: "1h"}
	if err := tm.Subscribe("widgetA", req); err != nil {
		t.Fatalf("Subscribe widgetA: %v", err)
	}
	if err := tm.Subscribe("widgetB", req); err != nil {
		t.Fatalf("Subscribe widgetB: %v", err)
	}

	tradesKey := model.TradesKey("coinbase", "BTC/USD")
	candlesKey := model.CandlesKey("coinbase", "BTC/USD", "1h")
	waitFor(t, time.Second, func() bool {
		tm.mu.Lock()
		defer tm.mu.Unlock()
		return tm.refCount[tradesKey] == 2 && tm.refCount[candlesKey] == 2 && len(tm.factories) == 1
	})

	mock.TradeFeed("BTC/USD") <- model.Trade{Symbol: "BTC/USD", Price: 100, Amount: 1, TimestampMillis: 1000}
	waitFor(t, time.Second, func() bool {
		bus.Drain()
		return len(updates) == 1
	})

	tm.Unsubscribe("widgetA", &req)
	tm.mu.Lock()
	_, stillFactory := tm.factories[candlesKey]
	tm.mu.Unlock()
	if !stillFactory {
		t.Fatal("expected the shared factory to survive while widgetB is still subscribed")
	}

	tm.Unsubscribe("widgetB", &req)
	waitFor(t, time.Second, func() bool {
		tm.mu.Lock()
		defer tm.mu.Unlock()
		_, exists := tm.factories[candlesKey]
		return !exists
	})
}

func TestDisjointTimeframesGetIndependentFactoriesOverOneTradesStream(t *testing.T) {
	mock := exchange.NewMock("coinbase")
	tm, _, _, cancel := newTestTaskManager(t, mock)
	defer cancel()

	if err := tm.Subscribe("widgetA", model.Requirement{Kind: model.KindCandles, Exchange: "coinbase", Symbol: "BTC/USD", Timeframe: "1m"}); err != nil {
		t.Fatalf("Subscribe 1m: %v", err)
	}
	if err := tm.Subscribe("widgetB", model.Requirement{Kind: model.KindCandles, Exchange: "coinbase", Symbol: "BTC/USD", Timeframe: "1h"}); err != nil {
		t.Fatalf("Subscribe 1h: %v", err)
	}

	tradesKey := model.TradesKey("coinbase", "BTC/USD")
	oneMin := model.CandlesKey("coinbase", "BTC/USD", "1m")
	oneHour := model.CandlesKey("coinbase", "BTC/USD", "1h")
	waitFor(t, time.Second, func() bool {
		tm.mu.Lock()
		defer tm.mu.Unlock()
		_, hasMin := tm.factories[oneMin]
		_, hasHour := tm.factories[oneHour]
		return tm.refCount[tradesKey] == 1 && hasMin && hasHour
	})
}

func TestInitialCandlesAlwaysPrecedesUpdatedCandleForASubscription(t *testing.T) {
	mock := exchange.NewMock("coinbase")
	tm, bus, _, cancel := newTestTaskManager(t, mock)
	defer cancel()

	var order []string
	bus.Subscribe(signalbus.InitialCandles, func(p any) { order = append(order, "INITIAL_CANDLES") })
	bus.Subscribe(signalbus.UpdatedCandle, func(p any) { order = append(order, "UPDATED_CANDLE") })

	req := model.Requirement{Kind: model.KindCandles, Exchange: "coinbase", Symbol: "BTC/USD", Timeframe: "1m"}
	if err := tm.Subscribe("sub1", req); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// Fire trades immediately so they race the background seed fetch; the
	// bars they produce must still be buffered until INITIAL_CANDLES ships.
	mock.TradeFeed("BTC/USD") <- model.Trade{Symbol: "BTC/USD", Price: 100, Amount: 1, TimestampMillis: 1000}
	mock.TradeFeed("BTC/USD") <- model.Trade{Symbol: "BTC/USD", Price: 101, Amount: 1, TimestampMillis: 61_000}

	waitFor(t, time.Second, func() bool {
		bus.Drain()
		return len(order) >= 1
	})
	waitFor(t, 2*time.Second, func() bool {
		bus.Drain()
		return len(order) >= 2
	})

	if order[0] != "INITIAL_CANDLES" {
		t.Fatalf("expected INITIAL_CANDLES first, got %v", order)
	}
	for _, sig := range order[1:] {
		if sig != "UPDATED_CANDLE" {
			t.Fatalf("expected only UPDATED_CANDLE after INITIAL_CANDLES, got %v", order)
		}
	}
}

func TestQSizeIsZeroBeforeAnyItemIsRouted(t *testing.T) {
	mock := exchange.NewMock("coinbase")
	tm, _, ctx, cancel := newTestTaskManager(t, mock)
	defer cancel()
	_ = ctx

	if tm.QSize() != 0 {
		t.Fatalf("expected 0 initially, got %d", tm.QSize())
	}
}
