package model

// StreamKind is the tag of the StreamKey union (§3).
type StreamKind int

const (
	KindTrades StreamKind = iota
	KindOrderBook
	KindTicker
	KindCandles
)

func (k StreamKind) String() string {
	switch k {
	case KindTrades:
		return "trades"
	case KindOrderBook:
		return "orderbook"
	case KindTicker:
		return "ticker"
	case KindCandles:
		return "candles"
	default:
		return "unknown"
	}
}

// StreamKey is the internal resource identity used for reference-counted
// lifecycle management. It is a plain comparable struct so it can be used
// directly as a map key; Timeframe is the zero value for non-candle kinds.
type StreamKey struct {
	Kind      StreamKind
	Exchange  string
	Symbol    string
	Timeframe string
}

// TradesKey builds a Trades(exchange, symbol) key.
func TradesKey(exchange, symbol string) StreamKey {
	return StreamKey{Kind: KindTrades, Exchange: exchange, Symbol: symbol}
}

// OrderBookKey builds an OrderBook(exchange, symbol) key.
func OrderBookKey(exchange, symbol string) StreamKey {
	return StreamKey{Kind: KindOrderBook, Exchange: exchange, Symbol: symbol}
}

// TickerKey builds a Ticker(exchange, symbol) key.
func TickerKey(exchange, symbol string) StreamKey {
	return StreamKey{Kind: KindTicker, Exchange: exchange, Symbol: symbol}
}

// CandlesKey builds a Candles(exchange, symbol, timeframe) key.
func CandlesKey(exchange, symbol, timeframe string) StreamKey {
	return StreamKey{Kind: KindCandles, Exchange: exchange, Symbol: symbol, Timeframe: timeframe}
}

// TradesDependency returns the Trades key a Candles key depends on — §3's
// "Candles additionally implies an upstream dependency on Trades".
func (k StreamKey) TradesDependency() StreamKey {
	return TradesKey(k.Exchange, k.Symbol)
}

// Requirement describes what a subscriber asked for; it expands to one or
// more StreamKeys via the dependency rule in §3/§4.7.
type Requirement struct {
	Kind      StreamKind
	Exchange  string
	Symbol    string
	Timeframe string // only meaningful for KindCandles
}

// Keys expands a Requirement into the StreamKeys that must be ref-counted
// for it. A Candles requirement always includes its Trades dependency.
func (r Requirement) Keys() []StreamKey {
	switch r.Kind {
	case KindCandles:
		ck := CandlesKey(r.Exchange, r.Symbol, r.Timeframe)
		return []StreamKey{ck, ck.TradesDependency()}
	case KindTrades:
		return []StreamKey{TradesKey(r.Exchange, r.Symbol)}
	case KindOrderBook:
		return []StreamKey{OrderBookKey(r.Exchange, r.Symbol)}
	case KindTicker:
		return []StreamKey{TickerKey(r.Exchange, r.Symbol)}
	default:
		return nil
	}
}
