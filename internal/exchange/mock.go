package exchange

import (
	"context"
	"sort"
	"sync"

	"marketpulse/internal/model"
)

// Page is one scripted response to FetchOHLCVPage: either candles or an
// error to return for that call.
type Page struct {
	Candles []model.Candle
	Err     error
}

// Mock is a test-only Capability double: table-driven page/error scripts
// plus injectable trade/orderbook/ticker feeds. It takes the place of a
// real provider SDK so §8's testable properties can be exercised without
// network access.
type Mock struct {
	ExchangeID      string
	RateLimitMillis_ uint32
	Markets         map[string]model.MarketInfo

	mu        sync.Mutex
	pages     map[string][]Page // key: symbol+"/"+timeframe, consumed in order
	pageCalls map[string]int

	trades     map[string]chan model.Trade
	orderbooks map[string]chan model.OrderBookSnapshot
	tickers    map[string]chan model.Ticker

	closed bool
}

// NewMock constructs an empty Mock. Use SetPages/TradeFeed/etc. to script
// behavior before handing it to a Streamer or CandleFetcher under test.
func NewMock(exchangeID string) *Mock {
	return &Mock{
		ExchangeID:       exchangeID,
		RateLimitMillis_: 50,
		Markets:          map[string]model.MarketInfo{},
		pages:            map[string][]Page{},
		pageCalls:        map[string]int{},
		trades:           map[string]chan model.Trade{},
		orderbooks:       map[string]chan model.OrderBookSnapshot{},
		tickers:          map[string]chan model.Ticker{},
	}
}

func pageKey(symbol, timeframe string) string { return symbol + "/" + timeframe }

// SetPages scripts the sequence of FetchOHLCVPage responses for a
// symbol/timeframe pair. Each call to FetchOHLCVPage consumes the next
// entry; once exhausted, the last entry repeats.
func (m *Mock) SetPages(symbol, timeframe string, pages ...Page) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages[pageKey(symbol, timeframe)] = pages
}

// TradeFeed returns (creating if needed) the channel WatchTrades reads
// from for symbol. Tests send synthetic trades into it.
func (m *Mock) TradeFeed(symbol string) chan model.Trade {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.trades[symbol]
	if !ok {
		ch = make(chan model.Trade, 64)
		m.trades[symbol] = ch
	}
	return ch
}

// OrderBookFeed returns the injectable feed channel for symbol.
func (m *Mock) OrderBookFeed(symbol string) chan model.OrderBookSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.orderbooks[symbol]
	if !ok {
		ch = make(chan model.OrderBookSnapshot, 64)
		m.orderbooks[symbol] = ch
	}
	return ch
}

// TickerFeed returns the injectable feed channel for symbol.
func (m *Mock) TickerFeed(symbol string) chan model.Ticker {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.tickers[symbol]
	if !ok {
		ch = make(chan model.Ticker, 64)
		m.tickers[symbol] = ch
	}
	return ch
}

func (m *Mock) ID() string { return m.ExchangeID }

// RateLimitMillis implements Capability.
func (m *Mock) RateLimitMillis() uint32 { return m.RateLimitMillis_ }

func (m *Mock) ListMarkets(ctx context.Context) (map[string]model.MarketInfo, error) {
	out := make(map[string]model.MarketInfo, len(m.Markets))
	for k, v := range m.Markets {
		out[k] = v
	}
	return out, nil
}

func (m *Mock) FetchOHLCVPage(ctx context.Context, symbol, timeframe string, sinceMillis int64, limit int) ([]model.Candle, error) {
	m.mu.Lock()
	key := pageKey(symbol, timeframe)
	scripted := m.pages[key]
	call := m.pageCalls[key]
	m.pageCalls[key] = call + 1
	m.mu.Unlock()

	if len(scripted) == 0 {
		return nil, nil
	}
	idx := call
	if idx >= len(scripted) {
		idx = len(scripted) - 1
	}
	page := scripted[idx]
	if page.Err != nil {
		return nil, page.Err
	}

	out := make([]model.Candle, 0, len(page.Candles))
	for _, c := range page.Candles {
		if c.TimestampSeconds*1000 >= sinceMillis {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TimestampSeconds < out[j].TimestampSeconds })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Mock) WatchTrades(ctx context.Context, symbol string, out chan<- model.Trade) error {
	feed := m.TradeFeed(symbol)
	for {
		select {
		case t, ok := <-feed:
			if !ok {
				return nil
			}
			select {
			case out <- t:
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Mock) WatchOrderBook(ctx context.Context, symbol string, out chan<- model.OrderBookSnapshot) error {
	feed := m.OrderBookFeed(symbol)
	for {
		select {
		case b, ok := <-feed:
			if !ok {
				return nil
			}
			select {
			case out <- b:
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Mock) WatchTicker(ctx context.Context, symbol string, out chan<- model.Ticker) error {
	feed := m.TickerFeed(symbol)
	for {
		select {
		case t, ok := <-feed:
			if !ok {
				return nil
			}
			select {
			case out <- t:
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, ch := range m.trades {
		close(ch)
	}
	for _, ch := range m.orderbooks {
		close(ch)
	}
	for _, ch := range m.tickers {
		close(ch)
	}
	return nil
}

var _ Capability = (*Mock)(nil)
