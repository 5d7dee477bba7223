package model

// Ticker is a best-bid/ask/last snapshot. All numeric fields are optional —
// exchanges frequently omit one or more — so they are pointers rather than
// zero-valued floats, which would be indistinguishable from "reported as 0".
type Ticker struct {
	Symbol          string   `json:"symbol"`
	Bid             *float64 `json:"bid,omitempty"`
	Ask             *float64 `json:"ask,omitempty"`
	Last            *float64 `json:"last,omitempty"`
	TimestampMillis int64    `json:"timestamp_millis"`
}
