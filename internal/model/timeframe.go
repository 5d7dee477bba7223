package model

// timeframeSeconds is the canonical timeframe → duration mapping (§3).
var timeframeSeconds = map[string]int64{
	"1m":  60,
	"3m":  180,
	"5m":  300,
	"15m": 900,
	"30m": 1800,
	"1h":  3600,
	"2h":  7200,
	"4h":  14400,
	"6h":  21600,
	"12h": 43200,
	"1d":  86400,
	"1w":  604800,
}

// TFSeconds returns the duration in seconds for a canonical timeframe
// string, and whether it is recognized.
func TFSeconds(timeframe string) (int64, bool) {
	secs, ok := timeframeSeconds[timeframe]
	return secs, ok
}

// KnownTimeframes returns the set of canonical timeframe labels this core
// recognizes.
func KnownTimeframes() []string {
	out := make([]string, 0, len(timeframeSeconds))
	for tf := range timeframeSeconds {
		out = append(out, tf)
	}
	return out
}

// BarStart aligns a Unix-second timestamp down to the start of its
// tfSeconds-wide bucket, per §4.5 step 2.
func BarStart(tsSeconds, tfSeconds int64) int64 {
	return tsSeconds - (tsSeconds % tfSeconds)
}
