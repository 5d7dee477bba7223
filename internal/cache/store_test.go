package cache

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"marketpulse/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), 2, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestLoadOnColdCacheReturnsEmptyNotError(t *testing.T) {
	s := newTestStore(t)
	key := Key{Exchange: "coinbase", Symbol: "BTC/USD", Timeframe: "1m"}
	series := s.Load(key)
	if len(series.Candles) != 0 {
		t.Fatalf("expected empty series, got %d candles", len(series.Candles))
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	s := newTestStore(t)
	key := Key{Exchange: "coinbase", Symbol: "BTC/USD", Timeframe: "1m"}
	want := []model.Candle{
		{TimestampSeconds: 60, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10},
		{TimestampSeconds: 120, Open: 1.5, High: 2.5, Low: 1, Close: 2, Volume: 5},
	}
	series := model.CandleSeries{Exchange: key.Exchange, Symbol: key.Symbol, Timeframe: key.Timeframe, Candles: want}
	if err := s.Save(key, series, Metadata{Exchange: key.Exchange, Symbol: key.Symbol, Timeframe: key.Timeframe, LastWrittenAt: 1}); err != nil {
		t.Fatalf("save: %v", err)
	}

	got := s.Load(key)
	if len(got.Candles) != len(want) {
		t.Fatalf("got %d candles, want %d", len(got.Candles), len(want))
	}
	for i := range want {
		if got.Candles[i] != want[i] {
			t.Fatalf("candle %d: got %+v, want %+v", i, got.Candles[i], want[i])
		}
	}
}

func TestRowsAndMetadataAreSeparateFiles(t *testing.T) {
	s := newTestStore(t)
	key := Key{Exchange: "coinbase", Symbol: "ETH/USD", Timeframe: "5m"}
	series := model.CandleSeries{Candles: []model.Candle{{TimestampSeconds: 300, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1}}}
	if err := s.Save(key, series, Metadata{Exchange: "coinbase", Symbol: "ETH/USD", Timeframe: "5m", LastWrittenAt: 42}); err != nil {
		t.Fatalf("save: %v", err)
	}

	csvBytes, err := os.ReadFile(s.csvPath(key))
	if err != nil {
		t.Fatalf("read rows file: %v", err)
	}
	if strings.Contains(string(csvBytes), "lastWrittenAtMillis") || strings.Contains(string(csvBytes), "exchange\":") {
		t.Fatal("rows file must not contain metadata fields")
	}

	metaBytes, err := os.ReadFile(s.metaPath(key))
	if err != nil {
		t.Fatalf("read metadata file: %v", err)
	}
	if strings.Contains(string(metaBytes), "timestamp_seconds") {
		t.Fatal("metadata file must not contain row fields")
	}
}

func TestCorruptRowsFileTreatedAsCold(t *testing.T) {
	s := newTestStore(t)
	key := Key{Exchange: "coinbase", Symbol: "BTC/USD", Timeframe: "1m"}
	if err := os.WriteFile(s.csvPath(key), []byte("not,a,valid,csv,row\n"), 0o644); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}
	series := s.Load(key)
	if len(series.Candles) != 0 {
		t.Fatalf("expected empty series for corrupt cache, got %d candles", len(series.Candles))
	}
}

func TestLockForSerializesSameKeyNotDistinctKeys(t *testing.T) {
	s := newTestStore(t)
	keyA := Key{Exchange: "coinbase", Symbol: "BTC/USD", Timeframe: "1m"}
	keyB := Key{Exchange: "coinbase", Symbol: "ETH/USD", Timeframe: "1m"}

	lockA := s.LockFor(keyA)
	acquiredB := make(chan struct{})
	go func() {
		lockB := s.LockFor(keyB)
		close(acquiredB)
		lockB.Unlock()
	}()

	select {
	case <-acquiredB:
	case <-time.After(time.Second):
		t.Fatal("distinct keys serialized against each other")
	}
	lockA.Unlock()

	var wg sync.WaitGroup
	order := make([]int, 0, 2)
	var mu sync.Mutex
	held := s.LockFor(keyA)
	wg.Add(1)
	go func() {
		defer wg.Done()
		l := s.LockFor(keyA)
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		l.Unlock()
	}()
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	order = append(order, 1)
	mu.Unlock()
	held.Unlock()
	wg.Wait()

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("expected same-key holders to serialize in order, got %v", order)
	}
}

func TestNewCreatesDirIfMissing(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "cache")
	s, err := New(dir, 1, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("expected dir to be created: %v", err)
	}
}
