// Package streamer implements Streamer (spec §4.4): one long-lived async
// producer task per active symbol, delivering items via a single
// caller-chosen sink, with backoff on transient errors, hot-reloadable
// symbol sets, and optional cadence throttling for order-book snapshots.
package streamer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"marketpulse/internal/model"
)

// WatchFunc streams items for symbol onto out until ctx is done or a fatal
// error occurs. It matches the shape of exchange.Capability's WatchTrades/
// WatchOrderBook/WatchTicker methods.
type WatchFunc[T any] func(ctx context.Context, symbol string, out chan<- T) error

// Options configures a Streamer.
type Options struct {
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	CadenceMillis int64 // 0 disables throttling; >0 applies a "last wins" gate
	Logger        *slog.Logger
	// OnDead is called once a symbol's task exits permanently (fatal error,
	// §4.7's Dead state), so callers can raise TASK_ERROR. Optional.
	OnDead func(symbol string, err error)
}

// Streamer drives WatchFunc for a dynamically-reloadable set of symbols,
// delivering each received item to onItem at most once: every item when
// CadenceMillis is 0, otherwise only the last item of each cadence window
// (intermediate items are dropped). Callers choose the
// delivery mechanism (outbound queue, direct callback, or SignalBus
// publish) by what they pass as onItem — Streamer itself only knows about
// a single sink function, keeping it decoupled from queue/signalbus.
type Streamer[T any] struct {
	watch  WatchFunc[T]
	onItem func(symbol string, item T)
	opts   Options
	log    *slog.Logger

	symbols atomic.Pointer[[]string]

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
	dead    map[string]bool

	parentCtx context.Context
}

// New constructs a Streamer. Call SetSymbols to start watching; tasks run
// until Stop is called or ctx is done.
func New[T any](ctx context.Context, watch WatchFunc[T], onItem func(symbol string, item T), opts Options) *Streamer[T] {
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Streamer[T]{
		watch:     watch,
		onItem:    onItem,
		opts:      opts,
		log:       opts.Logger,
		cancels:   map[string]context.CancelFunc{},
		dead:      map[string]bool{},
		parentCtx: ctx,
	}
	empty := []string{}
	s.symbols.Store(&empty)
	return s
}

// SetSymbols hot-reloads the active symbol set: symbols present in the new
// set but not the old one get a new task started; symbols dropped from the
// new set have their task cancelled. Existing tasks for symbols that
// remain are left untouched — no transport is reopened for them.
func (s *Streamer[T]) SetSymbols(symbols []string) {
	next := append([]string(nil), symbols...)
	s.symbols.Store(&next)

	want := make(map[string]bool, len(next))
	for _, sym := range next {
		want[sym] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for sym := range want {
		if _, running := s.cancels[sym]; !running && !s.dead[sym] {
			s.startLocked(sym)
		}
	}
	for sym, cancel := range s.cancels {
		if !want[sym] {
			cancel()
			delete(s.cancels, sym)
		}
	}
}

// Symbols returns the currently configured symbol set.
func (s *Streamer[T]) Symbols() []string {
	p := s.symbols.Load()
	return append([]string(nil), (*p)...)
}

func (s *Streamer[T]) startLocked(symbol string) {
	ctx, cancel := context.WithCancel(s.parentCtx)
	s.cancels[symbol] = cancel
	s.wg.Add(1)
	go s.runSymbol(ctx, symbol)
}

// Stop cancels every active task and waits for them to exit.
func (s *Streamer[T]) Stop() {
	s.mu.Lock()
	for sym, cancel := range s.cancels {
		cancel()
		delete(s.cancels, sym)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Streamer[T]) markDead(symbol string) {
	s.mu.Lock()
	s.dead[symbol] = true
	delete(s.cancels, symbol)
	s.mu.Unlock()
}

// runSymbol is one task's lifetime: connect, pump items until the watch
// call returns, then classify the error and either back off and retry or
// exit (for authenticationFailed/notSupported).
func (s *Streamer[T]) runSymbol(ctx context.Context, symbol string) {
	defer s.wg.Done()

	gate := newCadenceGate(time.Duration(s.opts.CadenceMillis)*time.Millisecond, func(item T) {
		s.onItem(symbol, item)
	})
	defer gate.Stop()

	backoff := s.opts.BaseBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		items := make(chan T, 32)
		watchCtx, cancelWatch := context.WithCancel(ctx)
		errCh := make(chan error, 1)
		watchDone := make(chan struct{})
		go func() {
			defer close(watchDone)
			errCh <- s.watch(watchCtx, symbol, items)
		}()

		s.pump(ctx, items, watchDone, gate)
		cancelWatch()
		err := <-errCh

		if ctx.Err() != nil {
			return
		}
		if err == nil {
			backoff = s.opts.BaseBackoff
			continue
		}

		switch model.KindOf(err) {
		case model.ErrAuthenticationFailed, model.ErrNotSupported:
			s.log.Error("streamer: task exiting permanently", "symbol", symbol, "err", err)
			s.markDead(symbol)
			if s.opts.OnDead != nil {
				s.opts.OnDead(symbol, err)
			}
			return
		default:
			s.log.Warn("streamer: watch error, backing off", "symbol", symbol, "backoff", backoff, "err", err)
			timer := time.NewTimer(backoff)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return
			}
			backoff *= 2
			if backoff > s.opts.MaxBackoff {
				backoff = s.opts.MaxBackoff
			}
		}
	}
}

// pump forwards items from the watch call to the cadence gate until the
// watch call signals it is done (watchDone) or ctx is cancelled, draining
// any buffered items left behind by the producer goroutine.
func (s *Streamer[T]) pump(ctx context.Context, items <-chan T, watchDone <-chan struct{}, gate *cadenceGate[T]) {
	for {
		select {
		case item := <-items:
			gate.Offer(item)
		case <-watchDone:
			for {
				select {
				case item := <-items:
					gate.Offer(item)
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}
