package signalbus

import "marketpulse/internal/model"

// Signal names the fixed taxonomy of spec §4.6. Payloads are keyed by
// name, never by positional parameter.
type Signal int

const (
	NewTrade Signal = iota
	OrderBookUpdate
	NewTicker
	InitialCandles
	UpdatedCandle
	TaskError
)

func (s Signal) String() string {
	switch s {
	case NewTrade:
		return "NEW_TRADE"
	case OrderBookUpdate:
		return "ORDER_BOOK_UPDATE"
	case NewTicker:
		return "NEW_TICKER"
	case InitialCandles:
		return "INITIAL_CANDLES"
	case UpdatedCandle:
		return "UPDATED_CANDLE"
	case TaskError:
		return "TASK_ERROR"
	default:
		return "unknown"
	}
}

// NewTradePayload is NEW_TRADE(exchange, trade).
type NewTradePayload struct {
	Exchange string
	Trade    model.Trade
}

// OrderBookUpdatePayload is ORDER_BOOK_UPDATE(exchange, orderbook).
type OrderBookUpdatePayload struct {
	Exchange string
	Book     model.OrderBookSnapshot
}

// NewTickerPayload is NEW_TICKER(exchange, symbol, ticker).
type NewTickerPayload struct {
	Exchange string
	Symbol   string
	Ticker   model.Ticker
}

// InitialCandlesPayload is INITIAL_CANDLES(exchange, symbol, timeframe,
// series), fired once per candle subscription after seeding.
type InitialCandlesPayload struct {
	Exchange  string
	Symbol    string
	Timeframe string
	Series    model.CandleSeries
}

// UpdatedCandlePayload is UPDATED_CANDLE(exchange, symbol, timeframe,
// candle), fired per live update.
type UpdatedCandlePayload struct {
	Exchange  string
	Symbol    string
	Timeframe string
	Candle    model.Candle
}

// TaskErrorPayload is TASK_ERROR(streamKey, errorKind, message), surfaced
// when a stream dies unrecoverably.
type TaskErrorPayload struct {
	StreamKey model.StreamKey
	Kind      model.ErrorKind
	Message   string
}
