// Package exchange defines the ExchangeCapability abstraction (spec §4.1):
// a thin seam between the core and a concrete market-data provider. The
// core never talks to a provider's SDK except through this interface.
package exchange

import (
	"context"

	"marketpulse/internal/model"
)

// Capability abstracts a market-data provider. Implementations wrap a
// third-party client library; callers outside this package MUST NOT reach
// around it to a provider SDK directly.
type Capability interface {
	// ID returns the exchange identifier this capability serves, e.g.
	// "coinbase".
	ID() string

	// ListMarkets returns the provider's tradeable markets keyed by symbol.
	ListMarkets(ctx context.Context) (map[string]model.MarketInfo, error)

	// FetchOHLCVPage returns up to limit candles for symbol/timeframe
	// starting at sinceMillis, with TimestampMillis non-decreasing.
	FetchOHLCVPage(ctx context.Context, symbol, timeframe string, sinceMillis int64, limit int) ([]model.Candle, error)

	// WatchTrades streams trades for symbol onto out until ctx is done or a
	// fatal error occurs. Restartable: callers may call it again after it
	// returns.
	WatchTrades(ctx context.Context, symbol string, out chan<- model.Trade) error

	// WatchOrderBook streams order-book snapshots for symbol.
	WatchOrderBook(ctx context.Context, symbol string, out chan<- model.OrderBookSnapshot) error

	// WatchTicker streams ticker updates for symbol.
	WatchTicker(ctx context.Context, symbol string, out chan<- model.Ticker) error

	// RateLimitMillis is this exchange's advertised minimum spacing between
	// REST calls, used by the fetcher's retry/backoff policy (§4.3).
	RateLimitMillis() uint32

	// Close releases any underlying connections.
	Close() error
}
