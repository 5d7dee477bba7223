// Package mirror implements RedisMirror (C9, expansion): an optional,
// never-authoritative hot-mirror of NEW_TRADE/UPDATED_CANDLE signals into
// Redis, for downstream consumers (e.g. an alert engine) that want a
// pub/sub feed without embedding the core. Grounded on
// internal/store/redis.Writer's pipelined SET+PUBLISH style, narrowed to
// PUBLISH+SET only (Streams/replay are out of scope here), with the
// teacher's hand-rolled CircuitBreaker swapped for github.com/sony/gobreaker.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/sony/gobreaker"

	"marketpulse/internal/metrics"
	"marketpulse/internal/signalbus"
)

// Mirror is C9.
type Mirror struct {
	client  *goredis.Client
	breaker *gobreaker.CircuitBreaker
	log     *slog.Logger
	metrics *metrics.Metrics

	tradeSub  signalbus.SubscriptionID
	candleSub signalbus.SubscriptionID
}

// New connects to Redis at addr and wraps every publish in a circuit
// breaker so a Redis outage never blocks the SignalBus drain loop: once
// tripped, publishes are dropped (logged once per trip) until the breaker
// half-opens and probes again.
func New(addr, password string, log *slog.Logger, m *metrics.Metrics) (*Mirror, error) {
	if log == nil {
		log = slog.Default()
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr, Password: password})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("mirror: redis ping: %w", err)
	}

	mir := &Mirror{client: client, log: log, metrics: m}
	mir.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis-mirror",
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures >= 5 },
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("mirror: circuit breaker state change", "name", name, "from", from, "to", to)
			if m != nil {
				m.RedisCircuitState.Set(float64(to))
				if to == gobreaker.StateOpen {
					m.RedisCircuitTrips.Inc()
				}
			}
		},
	})
	return mir, nil
}

// Subscribe registers the mirror as a SignalBus subscriber for NEW_TRADE
// and UPDATED_CANDLE.
func (m *Mirror) Subscribe(bus *signalbus.Bus) {
	m.tradeSub = bus.Subscribe(signalbus.NewTrade, func(p any) {
		payload := p.(signalbus.NewTradePayload)
		m.publish(fmt.Sprintf("marketpulse:trade:%s:%s", payload.Exchange, payload.Trade.Symbol), payload)
	})
	m.candleSub = bus.Subscribe(signalbus.UpdatedCandle, func(p any) {
		payload := p.(signalbus.UpdatedCandlePayload)
		key := fmt.Sprintf("marketpulse:candle:%s:%s:%s", payload.Exchange, payload.Symbol, payload.Timeframe)
		m.publish(key, payload)
		m.set(key, payload)
	})
}

func (m *Mirror) publish(channel string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		m.log.Warn("mirror: marshal failed", "channel", channel, "err", err)
		return
	}
	_, err = m.breaker.Execute(func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return nil, m.client.Publish(ctx, channel, data).Err()
	})
	if err != nil {
		m.log.Debug("mirror: publish dropped", "channel", channel, "err", err)
	}
}

func (m *Mirror) set(key string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_, _ = m.breaker.Execute(func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return nil, m.client.Set(ctx, key+":latest", data, 30*time.Minute).Err()
	})
}

// Close releases the Redis connection.
func (m *Mirror) Close() error {
	return m.client.Close()
}
