package model

import "sort"

// Candle is one OHLCV bar. TimestampSeconds is the bar's open time, aligned
// to the owning timeframe's tfSeconds.
type Candle struct {
	TimestampSeconds int64   `json:"timestamp_seconds"`
	Open             float64 `json:"open"`
	High             float64 `json:"high"`
	Low              float64 `json:"low"`
	Close            float64 `json:"close"`
	Volume           float64 `json:"volume"`
}

// Valid checks the §3 OHLC invariant: low <= open,close <= high, low <= high.
func (c Candle) Valid() bool {
	if c.Low > c.High {
		return false
	}
	if c.Open < c.Low || c.Open > c.High {
		return false
	}
	if c.Close < c.Low || c.Close > c.High {
		return false
	}
	return c.Volume >= 0
}

// CandleSeries is an ordered, gap-permitting, strictly-increasing-timestamp
// sequence of candles for one (exchange, symbol, timeframe).
type CandleSeries struct {
	Exchange  string
	Symbol    string
	Timeframe string
	Candles   []Candle
}

// First returns the earliest candle and true, or the zero value and false
// if the series is empty.
func (s CandleSeries) First() (Candle, bool) {
	if len(s.Candles) == 0 {
		return Candle{}, false
	}
	return s.Candles[0], true
}

// Last returns the latest candle and true, or the zero value and false if
// the series is empty.
func (s CandleSeries) Last() (Candle, bool) {
	if len(s.Candles) == 0 {
		return Candle{}, false
	}
	return s.Candles[len(s.Candles)-1], true
}

// FilterSince returns the subset of candles with TimestampSeconds*1000 >=
// sinceMillis, preserving order.
func (s CandleSeries) FilterSince(sinceMillis int64) []Candle {
	sinceSeconds := sinceMillis / 1000
	idx := sort.Search(len(s.Candles), func(i int) bool {
		return s.Candles[i].TimestampSeconds >= sinceSeconds
	})
	out := make([]Candle, len(s.Candles)-idx)
	copy(out, s.Candles[idx:])
	return out
}

// MergeDedup merges `incoming` into `existing`, sorted ascending by
// timestamp, keeping the earliest occurrence on duplicate timestamps (§4.3
// step 5): a bar in `existing` wins over one in `incoming`. Returns a new
// slice; neither input is mutated.
func MergeDedup(existing, incoming []Candle) []Candle {
	byTS := make(map[int64]Candle, len(existing)+len(incoming))
	order := make([]int64, 0, len(existing)+len(incoming))

	add := func(c Candle) {
		if _, ok := byTS[c.TimestampSeconds]; !ok {
			order = append(order, c.TimestampSeconds)
		}
		// keep-earliest: only set if not already present
		if _, ok := byTS[c.TimestampSeconds]; !ok {
			byTS[c.TimestampSeconds] = c
		}
	}
	for _, c := range existing {
		add(c)
	}
	for _, c := range incoming {
		add(c)
	}

	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	merged := make([]Candle, len(order))
	for i, ts := range order {
		merged[i] = byTS[ts]
	}
	return merged
}
