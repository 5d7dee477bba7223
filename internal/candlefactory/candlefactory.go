// Package candlefactory implements CandleFactory (spec §4.5): one instance
// per (exchange, symbol, timeframe), aggregating live trades into OHLCV
// bars in O(1) per trade. Grounded on internal/marketdata/tfbuilder's
// bucket-compare state machine, narrowed from "many timeframes in one
// instance" to exactly one (exchange, symbol, timeframe) triple.
package candlefactory

import (
	"log/slog"
	"math"
	"sort"
	"sync"

	"marketpulse/internal/model"
)

// UpdatedBar is one emission: the single bar that was appended or mutated
// by the triggering trade, tagged with the triple it belongs to.
type UpdatedBar struct {
	Exchange  string
	Symbol    string
	Timeframe string
	Bar       model.Candle
}

// Factory is CandleFactory (C5).
type Factory struct {
	exchange  string
	symbol    string
	timeframe string
	tfSeconds int64
	onUpdate  func(UpdatedBar)
	log       *slog.Logger

	mu       sync.Mutex
	buffer   []model.Candle
	seeded   bool
	degraded bool
	closed   bool

	// ready gates onUpdate emission: per §5's ordering guarantee, no
	// UPDATED_CANDLE may reach a subscriber before INITIAL_CANDLES (or, for
	// a degraded factory, before the seed attempt has resolved at all).
	// Bars produced by live trades that arrive while the seed is still
	// in flight are buffered here and flushed once ReleaseGate opens the
	// gate (called by the owner after Seed, or by MarkDegraded itself).
	ready   bool
	pending []UpdatedBar
}

// New constructs an empty Factory: callers (TaskManager) create it
// immediately on subscribe so live trades have somewhere to go while a
// historical fetch runs in the background, then call Seed once that fetch
// resolves. onUpdate is invoked synchronously from OnTrade's caller
// goroutine — callers needing async delivery must do their own dispatch.
func New(exchange, symbol, timeframe string, onUpdate func(UpdatedBar), log *slog.Logger) (*Factory, error) {
	tfSeconds, ok := model.TFSeconds(timeframe)
	if !ok {
		return nil, model.NewError(model.ErrBadRequest, "unknown timeframe "+timeframe, nil)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Factory{
		exchange:  exchange,
		symbol:    symbol,
		timeframe: timeframe,
		tfSeconds: tfSeconds,
		onUpdate:  onUpdate,
		log:       log,
	}, nil
}

// Seed merges an already-aligned historical series into the buffer. Per
// the seed contract it accepts second- or millisecond-timestamped
// candles, normalizes to seconds, rejects NaN/negative rows, and leaves
// the buffer sorted and unique. Callable exactly once: a second call is a
// no-op (logged at debug level), since by then live trades may already be
// ahead of the seed and re-merging could reorder them. Where a seeded bar
// and a live-aggregated bar share a bucket, the live bar wins — it
// reflects trades newer than whatever the historical fetch captured.
//
// Seed does not itself unblock OnTrade's UPDATED_CANDLE emission — the
// caller must call ReleaseGate after publishing INITIAL_CANDLES, so that
// signal always reaches the bus ahead of any UPDATED_CANDLE for bars
// buffered while the fetch was in flight (§5 ordering guarantee).
func (f *Factory) Seed(candles []model.Candle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	if f.seeded || f.degraded {
		f.log.Debug("candlefactory: ignoring duplicate seed call", "exchange", f.exchange, "symbol", f.symbol, "timeframe", f.timeframe)
		return
	}
	f.seeded = true

	normalized := normalizeSeed(candles, f.tfSeconds)
	merged := append(normalized, f.buffer...) // live buffer sorts after the seed for equal buckets
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].TimestampSeconds < merged[j].TimestampSeconds })
	f.buffer = dedupeAdjacent(merged)
}

// MarkDegraded records that the seed attempt failed without ever seeding:
// per §4.7, a CandleFetcher failure during seeding delivers no
// INITIAL_CANDLES and the factory continues to aggregate from live trades
// only. Unlike Seed, MarkDegraded opens the gate itself — there is no
// INITIAL_CANDLES for it to follow, so bars buffered during the failed
// attempt flush immediately.
func (f *Factory) MarkDegraded() {
	f.mu.Lock()
	if f.closed || f.seeded || f.degraded {
		f.mu.Unlock()
		return
	}
	f.degraded = true
	f.mu.Unlock()

	f.ReleaseGate()
}

// ReleaseGate unblocks OnTrade's UPDATED_CANDLE emission and flushes any
// bars buffered while the gate was closed, in the order they were
// produced. Call once, after INITIAL_CANDLES (if any) has already been
// published for this factory's subscription.
func (f *Factory) ReleaseGate() {
	f.mu.Lock()
	if f.ready {
		f.mu.Unlock()
		return
	}
	f.ready = true
	flushed := f.pending
	f.pending = nil
	f.mu.Unlock()

	if f.onUpdate != nil {
		for _, u := range flushed {
			f.onUpdate(u)
		}
	}
}

// Seeded reports whether Seed has been called successfully.
func (f *Factory) Seeded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seeded
}

// Degraded reports whether the factory's seed attempt failed and it is
// running from live trades only.
func (f *Factory) Degraded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.degraded
}

// normalizeSeed implements the seed contract: accepts second- or
// millisecond-timestamped candles, normalizes to seconds, rejects NaN/
// negative rows, and returns a sorted, deduplicated buffer.
func normalizeSeed(seed []model.Candle, tfSeconds int64) []model.Candle {
	out := make([]model.Candle, 0, len(seed))
	for _, c := range seed {
		ts := c.TimestampSeconds
		if ts > 1_000_000_000_000 { // looks like milliseconds
			ts /= 1000
		}
		if ts < 0 {
			continue
		}
		if math.IsNaN(c.Open) || math.IsNaN(c.High) || math.IsNaN(c.Low) || math.IsNaN(c.Close) || math.IsNaN(c.Volume) {
			continue
		}
		if c.Open < 0 || c.High < 0 || c.Low < 0 || c.Close < 0 || c.Volume < 0 {
			continue
		}
		c.TimestampSeconds = model.BarStart(ts, tfSeconds)
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TimestampSeconds < out[j].TimestampSeconds })
	return dedupeAdjacent(out)
}

func dedupeAdjacent(candles []model.Candle) []model.Candle {
	if len(candles) == 0 {
		return candles
	}
	out := candles[:1]
	for _, c := range candles[1:] {
		if c.TimestampSeconds == out[len(out)-1].TimestampSeconds {
			out[len(out)-1] = c
			continue
		}
		out = append(out, c)
	}
	return out
}

// OnTrade applies the §4.5 per-trade algorithm: bucket the trade into its
// bar, append or update the last bar, or discard it if it belongs before
// the last bar (out of order). Emits at most one UpdatedBar.
func (f *Factory) OnTrade(trade model.Trade) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}

	tradeTsSeconds := trade.TimestampMillis / 1000
	barStart := model.BarStart(tradeTsSeconds, f.tfSeconds)

	var bar model.Candle
	switch {
	case len(f.buffer) == 0 || barStart > f.buffer[len(f.buffer)-1].TimestampSeconds:
		bar = model.Candle{
			TimestampSeconds: barStart,
			Open:             trade.Price,
			High:             trade.Price,
			Low:              trade.Price,
			Close:            trade.Price,
			Volume:           trade.Amount,
		}
		f.buffer = append(f.buffer, bar)
	case barStart == f.buffer[len(f.buffer)-1].TimestampSeconds:
		last := &f.buffer[len(f.buffer)-1]
		last.High = math.Max(last.High, trade.Price)
		last.Low = math.Min(last.Low, trade.Price)
		last.Close = trade.Price
		last.Volume += trade.Amount
		bar = *last
	default:
		f.log.Debug("candlefactory: discarding out-of-order trade",
			"exchange", f.exchange, "symbol", f.symbol, "timeframe", f.timeframe,
			"tradeTsSeconds", tradeTsSeconds, "lastBarStart", f.buffer[len(f.buffer)-1].TimestampSeconds)
		return
	}

	update := UpdatedBar{Exchange: f.exchange, Symbol: f.symbol, Timeframe: f.timeframe, Bar: bar}
	if !f.ready {
		f.pending = append(f.pending, update)
		return
	}
	if f.onUpdate != nil {
		f.onUpdate(update)
	}
}

// Series returns a copy of the current in-memory buffer, oldest first.
func (f *Factory) Series() []model.Candle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Candle(nil), f.buffer...)
}

// Close detaches the factory from further trade input and releases its
// buffer. Idempotent.
func (f *Factory) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.buffer = nil
	f.pending = nil
}
