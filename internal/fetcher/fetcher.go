// Package fetcher implements CandleFetcher (spec §4.3): it produces a
// contiguous (modulo gaps) CandleSeries from a caller-supplied sinceMillis
// up to "now", combining ExchangeCapability pages with CacheStore.
package fetcher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"marketpulse/internal/cache"
	"marketpulse/internal/exchange"
	"marketpulse/internal/metrics"
	"marketpulse/internal/model"
)

const (
	defaultMaxRetries      = 3
	defaultBaseBackoff     = 500 * time.Millisecond
	defaultMaxBackoff      = 60 * time.Second
	defaultPageLimit       = 500
	defaultSemCapacity     = 5
)

// Options configures a Fetcher. Zero values fall back to the spec's
// defaults.
type Options struct {
	MaxRetries    int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	PageLimit     int
	SemCapacity   int
	RatePerSecond float64 // 0 disables rate limiting beyond the semaphore
	RateBurst     int
	Logger        *slog.Logger
	Metrics       *metrics.Metrics // optional; nil disables instrumentation
}

// Fetcher is CandleFetcher (C3).
type Fetcher struct {
	store *cache.Store
	regs  *limiterRegistry
	opts  Options
	log   *slog.Logger
}

// New constructs a Fetcher backed by store.
func New(store *cache.Store, opts Options) *Fetcher {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = defaultBaseBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.PageLimit <= 0 {
		opts.PageLimit = defaultPageLimit
	}
	if opts.SemCapacity <= 0 {
		opts.SemCapacity = defaultSemCapacity
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Fetcher{
		store: store,
		regs:  newLimiterRegistry(opts.SemCapacity, opts.RatePerSecond, opts.RateBurst),
		opts:  opts,
		log:   opts.Logger,
	}
}

// FetchSince implements the §4.3 algorithm: acquire the cache lock for the
// whole operation, fill the range from sinceMillis up to the first cached
// bar if needed, append forward to "now", merge, persist, and return the
// series filtered to sinceMillis.
func (f *Fetcher) FetchSince(ctx context.Context, cap exchange.Capability, symbol, timeframe string, sinceMillis int64) (model.CandleSeries, error) {
	tfSeconds, ok := model.TFSeconds(timeframe)
	if !ok {
		return model.CandleSeries{}, model.NewError(model.ErrBadRequest, "unknown timeframe "+timeframe, nil)
	}
	tfMillis := tfSeconds * 1000

	if f.opts.Metrics != nil {
		start := time.Now()
		defer func() {
			f.opts.Metrics.FetchDuration.WithLabelValues(cap.ID()).Observe(time.Since(start).Seconds())
		}()
	}

	key := cache.Key{Exchange: cap.ID(), Symbol: symbol, Timeframe: timeframe}
	lock := f.store.LockFor(key)
	defer lock.Unlock()

	series := f.store.Load(key)

	if first, ok := series.First(); !ok || sinceMillis < first.TimestampSeconds*1000 {
		prepended, err := f.prepend(ctx, cap, symbol, timeframe, sinceMillis, tfMillis, series)
		if err != nil {
			return model.CandleSeries{}, err
		}
		series.Candles = model.MergeDedup(series.Candles, prepended)
	}

	appendCursor := sinceMillis
	if last, ok := series.Last(); ok {
		appendCursor = last.TimestampSeconds*1000 + tfMillis
	}
	appended, err := f.appendForward(ctx, cap, symbol, timeframe, appendCursor, tfMillis, series)
	if err != nil {
		return model.CandleSeries{}, err
	}
	series.Candles = model.MergeDedup(series.Candles, appended)
	series.Exchange, series.Symbol, series.Timeframe = cap.ID(), symbol, timeframe

	if err := f.store.Save(key, series, cache.Metadata{
		Exchange:      cap.ID(),
		Symbol:        symbol,
		Timeframe:     timeframe,
		LastWrittenAt: time.Now().UnixMilli(),
	}); err != nil {
		return model.CandleSeries{}, err
	}

	out := series
	out.Candles = series.FilterSince(sinceMillis)
	return out, nil
}

// prepend fetches forward from sinceMillis until the cursor reaches the
// start of the cached series (or a page returns empty).
func (f *Fetcher) prepend(ctx context.Context, cap exchange.Capability, symbol, timeframe string, sinceMillis, tfMillis int64, series model.CandleSeries) ([]model.Candle, error) {
	var out []model.Candle
	cursor := sinceMillis
	boundary := int64(-1)
	if first, ok := series.First(); ok {
		boundary = first.TimestampSeconds * 1000
	}
	var prevLast int64 = -1

	for {
		if boundary >= 0 && cursor >= boundary {
			return out, nil
		}
		page, err := f.fetchPageWithRetry(ctx, cap, symbol, timeframe, cursor)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			return out, nil
		}
		last := page[len(page)-1]
		if prevLast >= 0 && last.TimestampSeconds*1000 <= prevLast {
			f.log.Warn("fetcher: prepend page did not advance, aborting phase", "exchange", cap.ID(), "symbol", symbol, "timeframe", timeframe)
			return out, nil
		}
		prevLast = last.TimestampSeconds * 1000
		out = append(out, page...)
		cursor = last.TimestampSeconds*1000 + tfMillis
	}
}

// appendForward fetches forward from cursor until it reaches "now" (or a
// page returns empty).
func (f *Fetcher) appendForward(ctx context.Context, cap exchange.Capability, symbol, timeframe string, cursor, tfMillis int64, series model.CandleSeries) ([]model.Candle, error) {
	var out []model.Candle
	var prevLast int64 = -1

	for {
		nowBoundary := time.Now().UnixMilli() - tfMillis
		if cursor >= nowBoundary {
			return out, nil
		}
		page, err := f.fetchPageWithRetry(ctx, cap, symbol, timeframe, cursor)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			return out, nil
		}
		last := page[len(page)-1]
		if prevLast >= 0 && last.TimestampSeconds*1000 <= prevLast {
			f.log.Warn("fetcher: append page did not advance, aborting phase", "exchange", cap.ID(), "symbol", symbol, "timeframe", timeframe)
			return out, nil
		}
		prevLast = last.TimestampSeconds * 1000
		out = append(out, page...)
		cursor = last.TimestampSeconds*1000 + tfMillis
	}
}

// fetchPageWithRetry applies the §4.3 retry policy: the semaphore and rate
// limiter surround only the network call itself, never the backoff sleep.
func (f *Fetcher) fetchPageWithRetry(ctx context.Context, cap exchange.Capability, symbol, timeframe string, sinceMillis int64) ([]model.Candle, error) {
	reg := f.regs.forExchange(cap.ID())

	for attempt := 0; ; attempt++ {
		page, err := f.fetchPageOnce(ctx, reg, cap, symbol, timeframe, sinceMillis)
		if err == nil {
			f.countPage(cap.ID(), "ok")
			return page, nil
		}

		kind := model.KindOf(err)
		switch kind {
		case model.ErrTransientNetwork:
			if attempt >= f.opts.MaxRetries {
				f.countPage(cap.ID(), "fail")
				return nil, err
			}
			f.countPage(cap.ID(), "retry")
			if waitErr := f.sleep(ctx, backoffDuration(f.opts.BaseBackoff, f.opts.MaxBackoff, attempt)); waitErr != nil {
				return nil, waitErr
			}
		case model.ErrRateLimited:
			if attempt >= f.opts.MaxRetries {
				f.countPage(cap.ID(), "fail")
				return nil, err
			}
			f.countPage(cap.ID(), "retry")
			wait := rateLimitedWait(err, cap.RateLimitMillis(), attempt, f.opts.MaxBackoff)
			if waitErr := f.sleep(ctx, wait); waitErr != nil {
				return nil, waitErr
			}
		default:
			f.countPage(cap.ID(), "fail")
			return nil, err
		}
	}
}

func (f *Fetcher) countPage(exchangeID, outcome string) {
	if f.opts.Metrics != nil {
		f.opts.Metrics.FetchPagesTotal.WithLabelValues(exchangeID, outcome).Inc()
	}
}

func (f *Fetcher) fetchPageOnce(ctx context.Context, reg *perExchangeLimiter, cap exchange.Capability, symbol, timeframe string, sinceMillis int64) ([]model.Candle, error) {
	select {
	case reg.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-reg.sem }()

	if reg.limiter != nil && reg.limiter.Limit() > 0 {
		if err := reg.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	return cap.FetchOHLCVPage(ctx, symbol, timeframe, sinceMillis, f.opts.PageLimit)
}

func (f *Fetcher) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func backoffDuration(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return d
}

// rateLimitedWait honors the server's retry-after hint if present, else
// falls back to exchange.rateLimitMillis * 2^attempt, capped at max.
func rateLimitedWait(err error, exchangeRateLimitMillis uint32, attempt int, max time.Duration) time.Duration {
	var ce *model.CoreError
	if errors.As(err, &ce) && ce.RetryAfterMS > 0 {
		d := time.Duration(ce.RetryAfterMS) * time.Millisecond
		if d > max {
			return max
		}
		return d
	}
	base := time.Duration(exchangeRateLimitMillis) * time.Millisecond
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	return backoffDuration(base, max, attempt)
}
