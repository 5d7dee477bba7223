package candlefactory

import (
	"math"
	"testing"

	"marketpulse/internal/model"
)

func trade(tsMillis int64, price, amount float64) model.Trade {
	return model.Trade{Symbol: "BTC/USD", Price: price, Amount: amount, Side: model.SideBuy, TimestampMillis: tsMillis}
}

func TestNewRejectsUnknownTimeframe(t *testing.T) {
	_, err := New("coinbase", "BTC/USD", "7x", nil, nil)
	if model.KindOf(err) != model.ErrBadRequest {
		t.Fatalf("expected bad-request error, got %v", err)
	}
}

func TestSeedNormalizesMillisecondsAndSortsDedupes(t *testing.T) {
	const secondBucket = 1_700_000_460 // aligned to a 1m bucket
	seed := []model.Candle{
		{TimestampSeconds: secondBucket * 1000, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1}, // looks like ms
		{TimestampSeconds: secondBucket - 60, Open: 2, High: 2, Low: 2, Close: 2, Volume: 2},
		{TimestampSeconds: secondBucket - 60, Open: 3, High: 3, Low: 3, Close: 3, Volume: 3}, // duplicate bucket, later wins
	}
	f, err := New("coinbase", "BTC/USD", "1m", nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.Seed(seed)

	series := f.Series()
	if len(series) != 2 {
		t.Fatalf("expected 2 bars after dedupe, got %d: %+v", len(series), series)
	}
	if series[0].TimestampSeconds != secondBucket-60 || series[0].Open != 3 {
		t.Fatalf("expected earlier bucket to keep the later duplicate, got %+v", series[0])
	}
	if series[1].TimestampSeconds != secondBucket {
		t.Fatalf("expected second bucket at %d, got %+v", secondBucket, series[1])
	}
}

func TestSeedRejectsNaNAndNegativeRows(t *testing.T) {
	seed := []model.Candle{
		{TimestampSeconds: 60, Open: math.NaN(), High: 1, Low: 1, Close: 1, Volume: 1},
		{TimestampSeconds: 120, Open: -1, High: 1, Low: 1, Close: 1, Volume: 1},
		{TimestampSeconds: 180, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1},
	}
	f, err := New("coinbase", "BTC/USD", "1m", nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.Seed(seed)

	series := f.Series()
	if len(series) != 1 || series[0].TimestampSeconds != 180 {
		t.Fatalf("expected only the valid row to survive, got %+v", series)
	}
}

func TestSeedIsANoOpTheSecondTime(t *testing.T) {
	f, _ := New("coinbase", "BTC/USD", "1m", nil, nil)
	f.Seed([]model.Candle{{TimestampSeconds: 60, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1}})
	f.Seed([]model.Candle{{TimestampSeconds: 120, Open: 2, High: 2, Low: 2, Close: 2, Volume: 2}})

	series := f.Series()
	if len(series) != 1 || series[0].TimestampSeconds != 60 {
		t.Fatalf("expected second Seed call to be ignored, got %+v", series)
	}
	if !f.Seeded() {
		t.Fatal("expected Seeded() to report true after the first Seed call")
	}
}

func TestSeedMergesAroundLiveBarsPreferringLiveData(t *testing.T) {
	var updates []UpdatedBar
	f, _ := New("coinbase", "BTC/USD", "1m", func(u UpdatedBar) { updates = append(updates, u) }, nil)

	// A live trade arrives before the background fetch resolves.
	f.OnTrade(trade(120_000, 999, 5)) // bucket 120

	// The historical fetch resolves with an older bar plus a stale copy of
	// bucket 120 (as of fetch time, before the live trade was known).
	f.Seed([]model.Candle{
		{TimestampSeconds: 60, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1},
		{TimestampSeconds: 120, Open: 50, High: 50, Low: 50, Close: 50, Volume: 50},
	})

	series := f.Series()
	if len(series) != 2 {
		t.Fatalf("expected 2 bars, got %d: %+v", len(series), series)
	}
	if series[0].TimestampSeconds != 60 {
		t.Fatalf("expected bucket 60 from the seed to survive, got %+v", series[0])
	}
	if series[1].TimestampSeconds != 120 || series[1].Close != 999 {
		t.Fatalf("expected the live bar to win for bucket 120, got %+v", series[1])
	}
}

func TestOnTradeAppendsNewBarWhenBucketAdvances(t *testing.T) {
	var updates []UpdatedBar
	f, err := New("coinbase", "BTC/USD", "1m", func(u UpdatedBar) { updates = append(updates, u) }, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.ReleaseGate()

	f.OnTrade(trade(0, 100, 1))
	f.OnTrade(trade(61_000, 105, 2))

	series := f.Series()
	if len(series) != 2 {
		t.Fatalf("expected 2 bars, got %d", len(series))
	}
	if len(updates) != 2 {
		t.Fatalf("expected exactly one emission per trade, got %d", len(updates))
	}
	if updates[1].Exchange != "coinbase" || updates[1].Symbol != "BTC/USD" || updates[1].Timeframe != "1m" {
		t.Fatalf("emission missing triple: %+v", updates[1])
	}
}

func TestOnTradeUpdatesLastBarWithinSameBucket(t *testing.T) {
	var updates []UpdatedBar
	f, _ := New("coinbase", "BTC/USD", "1m", func(u UpdatedBar) { updates = append(updates, u) }, nil)
	f.ReleaseGate()

	f.OnTrade(trade(0, 100, 1))
	f.OnTrade(trade(10_000, 110, 2))
	f.OnTrade(trade(20_000, 90, 1))

	series := f.Series()
	if len(series) != 1 {
		t.Fatalf("expected a single bar, got %d", len(series))
	}
	bar := series[0]
	if bar.Open != 100 || bar.High != 110 || bar.Low != 90 || bar.Close != 90 || bar.Volume != 4 {
		t.Fatalf("unexpected aggregated bar: %+v", bar)
	}
	if len(updates) != 3 {
		t.Fatalf("expected one emission per trade, got %d", len(updates))
	}
}

func TestOnTradeDiscardsOutOfOrderWithoutMutatingHistory(t *testing.T) {
	var updates []UpdatedBar
	f, _ := New("coinbase", "BTC/USD", "1m", func(u UpdatedBar) { updates = append(updates, u) }, nil)
	f.ReleaseGate()

	f.OnTrade(trade(120_000, 100, 1)) // bucket 120
	before := f.Series()

	f.OnTrade(trade(0, 999, 999)) // bucket 0, out of order relative to last bar at 120

	after := f.Series()
	if len(after) != len(before) {
		t.Fatalf("out-of-order trade mutated history: before=%+v after=%+v", before, after)
	}
	if after[0] != before[0] {
		t.Fatalf("out-of-order trade mutated the existing bar: before=%+v after=%+v", before[0], after[0])
	}
	if len(updates) != 1 {
		t.Fatalf("expected no emission for the discarded trade, got %d updates", len(updates))
	}
}

func TestOnTradeBuffersUpdatesUntilGateReleased(t *testing.T) {
	var updates []UpdatedBar
	f, _ := New("coinbase", "BTC/USD", "1m", func(u UpdatedBar) { updates = append(updates, u) }, nil)

	f.OnTrade(trade(0, 100, 1))
	f.OnTrade(trade(61_000, 105, 2))
	if len(updates) != 0 {
		t.Fatalf("expected no emissions before the gate opens, got %d", len(updates))
	}

	f.ReleaseGate()
	if len(updates) != 2 {
		t.Fatalf("expected both buffered bars to flush on ReleaseGate, got %d", len(updates))
	}

	f.OnTrade(trade(122_000, 110, 1))
	if len(updates) != 3 {
		t.Fatalf("expected trades after the gate opens to emit immediately, got %d", len(updates))
	}
}

func TestMarkDegradedFlushesBufferedUpdatesWithoutSeeding(t *testing.T) {
	var updates []UpdatedBar
	f, _ := New("coinbase", "BTC/USD", "1m", func(u UpdatedBar) { updates = append(updates, u) }, nil)

	f.OnTrade(trade(0, 100, 1))
	f.MarkDegraded()

	if !f.Degraded() || f.Seeded() {
		t.Fatalf("expected Degraded()=true, Seeded()=false, got degraded=%v seeded=%v", f.Degraded(), f.Seeded())
	}
	if len(updates) != 1 {
		t.Fatalf("expected the buffered bar to flush on MarkDegraded, got %d", len(updates))
	}

	f.OnTrade(trade(61_000, 105, 1))
	if len(updates) != 2 {
		t.Fatalf("expected trades after MarkDegraded to emit immediately, got %d", len(updates))
	}
}

func TestReleaseGateAfterSeedOrdersInitialBeforeUpdated(t *testing.T) {
	var order []string
	f, _ := New("coinbase", "BTC/USD", "1m", func(u UpdatedBar) { order = append(order, "UPDATED_CANDLE") }, nil)

	f.OnTrade(trade(0, 100, 1)) // arrives while the seed fetch is "in flight"
	f.Seed([]model.Candle{{TimestampSeconds: 120, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1}})
	if len(order) != 0 {
		t.Fatalf("expected Seed alone not to emit UPDATED_CANDLE, got %v", order)
	}

	order = append(order, "INITIAL_CANDLES") // caller publishes INITIAL_CANDLES here
	f.ReleaseGate()

	if len(order) != 2 || order[0] != "INITIAL_CANDLES" || order[1] != "UPDATED_CANDLE" {
		t.Fatalf("expected INITIAL_CANDLES before UPDATED_CANDLE, got %v", order)
	}
}

func TestCloseIsIdempotentAndStopsFurtherUpdates(t *testing.T) {
	var updates int
	f, _ := New("coinbase", "BTC/USD", "1m", func(u UpdatedBar) { updates++ }, nil)
	f.ReleaseGate()
	f.OnTrade(trade(0, 100, 1))
	f.Close()
	f.Close()
	f.OnTrade(trade(60_000, 200, 1))
	if updates != 1 {
		t.Fatalf("expected updates to stop after Close, got %d", updates)
	}
	if f.Series() != nil {
		t.Fatalf("expected buffer to be released after Close, got %+v", f.Series())
	}
}
