package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pquerna/otp/totp"

	"marketpulse/internal/model"
)

// Codec decodes raw WebSocket frames into core types and builds the
// subscribe frames a provider expects. Keeping this pluggable is what lets
// one transport implementation (WSExchange) serve many JSON-over-WebSocket
// exchanges instead of being hard-wired to one wire format.
type Codec interface {
	DecodeTrade(raw []byte) (model.Trade, error)
	DecodeOrderBook(raw []byte) (model.OrderBookSnapshot, error)
	DecodeTicker(raw []byte) (model.Ticker, error)
	SubscribeTradesFrame(symbol string) ([]byte, error)
	SubscribeOrderBookFrame(symbol string) ([]byte, error)
	SubscribeTickerFrame(symbol string) ([]byte, error)
}

// RESTClient performs the non-streaming calls ExchangeCapability needs:
// market listing and historical OHLCV pagination.
type RESTClient interface {
	ListMarkets(ctx context.Context) (map[string]model.MarketInfo, error)
	FetchOHLCVPage(ctx context.Context, symbol, timeframe string, sinceMillis int64, limit int) ([]model.Candle, error)
}

// Authenticator refreshes a session token given a TOTP code. Exchanges
// requiring 2FA-backed API sessions (grounded on the teacher's Angel One
// TOTP login flow) implement this; exchanges without 2FA leave it nil.
type Authenticator interface {
	Login(ctx context.Context, totpCode string) (authToken string, err error)
}

// Config configures a WSExchange.
type Config struct {
	ExchangeID      string
	WSURL           string
	Codec           Codec
	REST            RESTClient
	Auth            Authenticator // optional
	TOTPSecret      string        // optional; required if Auth is set
	RateLimitMillis uint32
	Dialer          *websocket.Dialer // optional, defaults to websocket.DefaultDialer
	Logger          *slog.Logger
}

// WSExchange is a generic gorilla/websocket-backed ExchangeCapability.
// Grounded on pkg/smartconnect's connect/subscribe/OnData hook pattern and
// internal/marketdata/ws's Start/ctx-cancel loop, generalized from a single
// broker's wire format to any Codec.
type WSExchange struct {
	cfg Config
	log *slog.Logger

	mu        sync.Mutex
	authToken string
}

// New creates a WSExchange. The codec and REST client are mandatory.
func New(cfg Config) (*WSExchange, error) {
	if cfg.Codec == nil || cfg.REST == nil {
		return nil, fmt.Errorf("exchange: codec and REST client are required")
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WSExchange{cfg: cfg, log: cfg.Logger}, nil
}

func (e *WSExchange) ID() string { return e.cfg.ExchangeID }

func (e *WSExchange) RateLimitMillis() uint32 { return e.cfg.RateLimitMillis }

func (e *WSExchange) ListMarkets(ctx context.Context) (map[string]model.MarketInfo, error) {
	return e.cfg.REST.ListMarkets(ctx)
}

func (e *WSExchange) FetchOHLCVPage(ctx context.Context, symbol, timeframe string, sinceMillis int64, limit int) ([]model.Candle, error) {
	return e.cfg.REST.FetchOHLCVPage(ctx, symbol, timeframe, sinceMillis, limit)
}

// ensureSession refreshes authToken via TOTP if this exchange requires 2FA.
// Grounded on cmd/mdengine/main.go's pre-market TOTP login loop, generalized
// from "run once per trading day" to "run lazily before the first watch".
func (e *WSExchange) ensureSession(ctx context.Context) error {
	if e.cfg.Auth == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.authToken != "" {
		return nil
	}
	code, err := totp.GenerateCode(e.cfg.TOTPSecret, time.Now())
	if err != nil {
		return model.NewError(model.ErrAuthenticationFailed, "generate totp code", err)
	}
	token, err := e.cfg.Auth.Login(ctx, code)
	if err != nil {
		return model.NewError(model.ErrAuthenticationFailed, "login", err)
	}
	e.authToken = token
	return nil
}

// invalidateSession clears a cached auth token so the next watch retries login.
func (e *WSExchange) invalidateSession() {
	e.mu.Lock()
	e.authToken = ""
	e.mu.Unlock()
}

func (e *WSExchange) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := e.cfg.Dialer.DialContext(ctx, e.cfg.WSURL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, model.NewError(model.ErrAuthenticationFailed, "websocket handshake rejected", err)
		}
		return nil, model.NewError(model.ErrTransientNetwork, "websocket dial", err)
	}
	return conn, nil
}

// WatchTrades implements Capability.WatchTrades: one connect-subscribe-read
// loop, restartable by the caller (Streamer) after it returns.
func (e *WSExchange) WatchTrades(ctx context.Context, symbol string, out chan<- model.Trade) error {
	return e.watch(ctx, symbol, e.cfg.Codec.SubscribeTradesFrame, func(raw []byte) error {
		trade, err := e.cfg.Codec.DecodeTrade(raw)
		if err != nil {
			e.log.Debug("discarding malformed trade frame", "exchange", e.cfg.ExchangeID, "symbol", symbol, "err", err)
			return nil
		}
		if !trade.Valid() {
			e.log.Debug("discarding invalid trade", "exchange", e.cfg.ExchangeID, "symbol", symbol)
			return nil
		}
		select {
		case out <- trade:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	})
}

// WatchOrderBook implements Capability.WatchOrderBook.
func (e *WSExchange) WatchOrderBook(ctx context.Context, symbol string, out chan<- model.OrderBookSnapshot) error {
	return e.watch(ctx, symbol, e.cfg.Codec.SubscribeOrderBookFrame, func(raw []byte) error {
		book, err := e.cfg.Codec.DecodeOrderBook(raw)
		if err != nil {
			e.log.Debug("discarding malformed orderbook frame", "exchange", e.cfg.ExchangeID, "symbol", symbol, "err", err)
			return nil
		}
		if !book.Valid() {
			e.log.Debug("discarding invalid orderbook snapshot", "exchange", e.cfg.ExchangeID, "symbol", symbol)
			return nil
		}
		select {
		case out <- book:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	})
}

// WatchTicker implements Capability.WatchTicker.
func (e *WSExchange) WatchTicker(ctx context.Context, symbol string, out chan<- model.Ticker) error {
	return e.watch(ctx, symbol, e.cfg.Codec.SubscribeTickerFrame, func(raw []byte) error {
		ticker, err := e.cfg.Codec.DecodeTicker(raw)
		if err != nil {
			e.log.Debug("discarding malformed ticker frame", "exchange", e.cfg.ExchangeID, "symbol", symbol, "err", err)
			return nil
		}
		select {
		case out <- ticker:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	})
}

// watch is the shared connect/subscribe/read loop for all three stream
// kinds. subscribeFrame builds the provider's subscribe message; handle is
// called once per decoded frame.
func (e *WSExchange) watch(ctx context.Context, symbol string, subscribeFrame func(string) ([]byte, error), handle func([]byte) error) error {
	if err := e.ensureSession(ctx); err != nil {
		return err
	}

	conn, err := e.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	frame, err := subscribeFrame(symbol)
	if err != nil {
		return model.NewError(model.ErrBadRequest, "build subscribe frame", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return model.NewError(model.ErrTransientNetwork, "send subscribe frame", err)
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseAbnormalClosure) {
				return model.NewError(model.ErrTransientNetwork, "websocket closed unexpectedly", err)
			}
			return model.NewError(model.ErrTransientNetwork, "websocket read", err)
		}
		if err := handle(raw); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return model.NewError(model.ErrInternal, "handle frame", err)
		}
	}
}

// Close releases resources. WSExchange holds no persistent connections
// between watch calls, so this only clears any cached session.
func (e *WSExchange) Close() error {
	e.invalidateSession()
	return nil
}
