// Command marketpulsed is the headless CLI host for the core: it builds
// exchange capabilities, constructs a Facade, starts it, runs the
// consumer-domain drain loop, and shuts down cleanly on SIGINT/SIGTERM.
// Grounded on cmd/mdengine/main.go's overall shape (load config → build
// dependencies → wire pipeline → wait for signal → bounded shutdown),
// generalized from one hard-coded pipeline to Facade-driven subscriptions.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"marketpulse"
	"marketpulse/config"
	"marketpulse/internal/exchange"
	"marketpulse/internal/logger"
)

var (
	flagExchanges   []string
	flagLogLevel    string
	flagMetricsAddr string
	flagCacheDir    string
	flagRedisMirror bool
	flagAuditDB     string
)

func main() {
	root := &cobra.Command{
		Use:   "marketpulsed",
		Short: "Headless market data distribution core",
		RunE:  run,
	}

	root.Flags().StringSliceVar(&flagExchanges, "exchanges", []string{"coinbase"}, "exchange IDs to activate")
	root.Flags().StringVar(&flagLogLevel, "log-level", "info", "log level: debug|info|warn|error")
	root.Flags().StringVar(&flagMetricsAddr, "metrics-addr", ":9090", "address to serve /metrics on; empty disables it")
	root.Flags().StringVar(&flagCacheDir, "cache-dir", "data/cache", "OHLCV cache directory")
	root.Flags().BoolVar(&flagRedisMirror, "redis-mirror", false, "mirror NEW_TRADE/UPDATED_CANDLE into Redis")
	root.Flags().StringVar(&flagAuditDB, "audit-db", "", "path to a SQLite fetch-audit database; empty disables it")
	// --reset-layout is a UI-host-only flag per spec §6 and is intentionally
	// not registered here — this is a headless CLI.

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	cfg.Exchanges = flagExchanges
	cfg.MetricsAddr = flagMetricsAddr
	cfg.CacheDir = flagCacheDir
	cfg.RedisMirror = flagRedisMirror
	if flagAuditDB != "" {
		cfg.AuditDB = true
		cfg.AuditDBPath = flagAuditDB
	}

	level := parseLevel(flagLogLevel)
	log := logger.Init("marketpulsed", level)

	capabilities, err := buildCapabilities(cfg, log)
	if err != nil {
		return fmt.Errorf("marketpulsed: build exchange capabilities: %w", err)
	}

	facade, err := marketpulse.New(cfg, capabilities, log)
	if err != nil {
		return fmt.Errorf("marketpulsed: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	facade.Start(ctx)
	log.Info("marketpulsed: started", "exchanges", cfg.Exchanges)

	go facade.RunHeadless(ctx, 50*time.Millisecond)

	<-ctx.Done()
	log.Info("marketpulsed: shutdown signal received")

	if err := facade.Stop(cfg.ShutdownGraceMillis); err != nil {
		return fmt.Errorf("marketpulsed: shutdown: %w", err)
	}
	log.Info("marketpulsed: clean shutdown")
	return nil
}

// buildCapabilities constructs one exchange.Capability per configured
// exchange ID. Wiring a real provider's Codec/RESTClient is provider-
// specific and outside the core's concern (§4.1) — this CLI host ships
// only exchange.Mock-backed capabilities for exchanges with no registered
// codec, which keeps the binary runnable end-to-end without committing the
// core to any one provider's wire format.
func buildCapabilities(cfg *config.Config, log *slog.Logger) (map[string]exchange.Capability, error) {
	out := make(map[string]exchange.Capability, len(cfg.Exchanges))
	for _, id := range cfg.Exchanges {
		creds := cfg.Credentials[id]
		if creds.WSURL != "" {
			return nil, fmt.Errorf("exchange %q: no registered Codec/RESTClient for WS URL %q; register one via exchange.New before reaching this binary", id, creds.WSURL)
		}
		out[id] = exchange.NewMock(id)
	}
	return out, nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
