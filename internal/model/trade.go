package model

// Trade is a single executed trade reported by an exchange trade stream.
type Trade struct {
	Symbol          string  `json:"symbol"`
	Price           float64 `json:"price"`  // strictly positive
	Amount          float64 `json:"amount"` // strictly positive, base-asset quantity
	Side            Side    `json:"side"`
	TimestampMillis int64   `json:"timestamp_millis"` // exchange-assigned event time
}

// Valid reports whether the trade satisfies the §3 invariants (strictly
// positive price/amount). Exchange adapters MUST reject trades failing this
// before they reach a CandleFactory or the SignalBus.
func (t Trade) Valid() bool {
	return t.Price > 0 && t.Amount > 0 && t.Symbol != ""
}
