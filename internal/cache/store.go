// Package cache implements CacheStore (spec §4.2): a per-market OHLCV cache
// on disk, with OHLCV rows and sidecar metadata kept in separate files and
// a lock per cache key so distinct keys never serialize against each other.
package cache

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"marketpulse/internal/metrics"
	"marketpulse/internal/model"
)

// Metadata is the sidecar file content: identifies the series without
// duplicating anything from the CSV rows.
type Metadata struct {
	Exchange      string `json:"exchange"`
	Symbol        string `json:"symbol"`
	Timeframe     string `json:"timeframe"`
	LastWrittenAt int64  `json:"lastWrittenAtMillis"`
}

// Key identifies one cached series.
type Key struct {
	Exchange  string
	Symbol    string
	Timeframe string
}

func (k Key) filenameBase() string {
	sanitize := func(s string) string {
		return strings.NewReplacer("/", "-", " ", "_", ":", "-").Replace(s)
	}
	return fmt.Sprintf("%s_%s_%s", sanitize(k.Exchange), sanitize(k.Symbol), sanitize(k.Timeframe))
}

// ScopedLock is a held mutual-exclusion handle for one cache key. Callers
// MUST call Unlock on every exit path.
type ScopedLock struct {
	mu *sync.Mutex
}

func (l ScopedLock) Unlock() { l.mu.Unlock() }

// Store is CacheStore (C2). The zero value is not usable; construct with
// New.
type Store struct {
	dir     string
	log     *slog.Logger
	metrics *metrics.Metrics

	locks sync.Map // Key -> *sync.Mutex, get-or-insert

	io *ioPool
}

// New constructs a Store rooted at dir, creating it if necessary. workers
// sizes the background I/O pool that offloads disk writes from the async
// runtime thread (§4.2: "Writes MUST go through a scoped file-I/O
// abstraction so they do not block the async runtime thread").
func New(dir string, workers int, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create dir %q: %w", dir, err)
	}
	if workers <= 0 {
		workers = 2
	}
	return &Store{dir: dir, log: log, io: newIOPool(workers)}, nil
}

// WithMetrics attaches a metrics sink, instrumenting subsequent Load/Save
// calls. Optional — a Store built without it behaves identically, just
// uninstrumented.
func (s *Store) WithMetrics(m *metrics.Metrics) *Store {
	s.metrics = m
	return s
}

// Close stops the background I/O pool, waiting for queued writes to finish.
func (s *Store) Close() { s.io.close() }

// LockFor returns a scoped mutual-exclusion handle for key. Distinct keys
// never block each other; same key serializes via a get-or-insert registry
// so construction of the per-key mutex is itself race-safe.
func (s *Store) LockFor(key Key) ScopedLock {
	actual, _ := s.locks.LoadOrStore(key, &sync.Mutex{})
	mu := actual.(*sync.Mutex)
	mu.Lock()
	return ScopedLock{mu: mu}
}

func (s *Store) csvPath(key Key) string  { return filepath.Join(s.dir, key.filenameBase()+".csv") }
func (s *Store) metaPath(key Key) string { return filepath.Join(s.dir, key.filenameBase()+".meta.json") }

// Load returns the cached series for key in ascending timestamp order, or
// an empty series if no cache exists yet. A non-existent cache is not an
// error; a corrupt cache is treated as empty with a logged warning.
func (s *Store) Load(key Key) model.CandleSeries {
	if s.metrics != nil {
		start := time.Now()
		defer func() { s.metrics.CacheLoadDuration.Observe(time.Since(start).Seconds()) }()
	}
	empty := model.CandleSeries{Exchange: key.Exchange, Symbol: key.Symbol, Timeframe: key.Timeframe}

	f, err := os.Open(s.csvPath(key))
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("cache: failed to open rows file, treating as cold", "key", key, "err", err)
		}
		return empty
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		s.log.Warn("cache: corrupt rows file, treating as cold", "key", key, "err", err)
		return empty
	}

	candles := make([]model.Candle, 0, len(rows))
	for i, row := range rows {
		if i == 0 && len(row) > 0 && row[0] == "timestamp_seconds" {
			continue // header
		}
		c, err := parseRow(row)
		if err != nil {
			s.log.Warn("cache: corrupt row, treating cache as cold", "key", key, "row", i, "err", err)
			return empty
		}
		candles = append(candles, c)
	}

	empty.Candles = candles
	return empty
}

func parseRow(row []string) (model.Candle, error) {
	if len(row) != 6 {
		return model.Candle{}, fmt.Errorf("expected 6 columns, got %d", len(row))
	}
	ts, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return model.Candle{}, err
	}
	vals := make([]float64, 5)
	for i, s := range row[1:] {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return model.Candle{}, err
		}
		vals[i] = v
	}
	return model.Candle{
		TimestampSeconds: ts,
		Open:             vals[0],
		High:             vals[1],
		Low:              vals[2],
		Close:            vals[3],
		Volume:           vals[4],
	}, nil
}

func formatRow(c model.Candle) []string {
	return []string{
		strconv.FormatInt(c.TimestampSeconds, 10),
		strconv.FormatFloat(c.Open, 'f', -1, 64),
		strconv.FormatFloat(c.High, 'f', -1, 64),
		strconv.FormatFloat(c.Low, 'f', -1, 64),
		strconv.FormatFloat(c.Close, 'f', -1, 64),
		strconv.FormatFloat(c.Volume, 'f', -1, 64),
	}
}

// Save atomically replaces the cached rows and sidecar metadata for key.
// The write is dispatched onto the background I/O pool and this call
// blocks until it completes, so callers still see a synchronous contract
// while the async runtime thread that scheduled it is never the one
// touching disk.
func (s *Store) Save(key Key, series model.CandleSeries, meta Metadata) error {
	return s.io.submit(func() error {
		if s.metrics != nil {
			start := time.Now()
			defer func() { s.metrics.CacheWriteDuration.Observe(time.Since(start).Seconds()) }()
		}
		return s.saveNow(key, series, meta)
	})
}

func (s *Store) saveNow(key Key, series model.CandleSeries, meta Metadata) error {
	if err := writeCSVAtomic(s.csvPath(key), series.Candles); err != nil {
		return fmt.Errorf("cache: write rows for %v: %w", key, err)
	}
	if err := writeJSONAtomic(s.metaPath(key), meta); err != nil {
		return fmt.Errorf("cache: write metadata for %v: %w", key, err)
	}
	return nil
}

func writeCSVAtomic(path string, candles []model.Candle) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	if err := w.Write([]string{"timestamp_seconds", "open", "high", "low", "close", "volume"}); err != nil {
		f.Close()
		return err
	}
	for _, c := range candles {
		if err := w.Write(formatRow(c)); err != nil {
			f.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func writeJSONAtomic(path string, meta Metadata) error {
	tmp := path + ".tmp"
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
