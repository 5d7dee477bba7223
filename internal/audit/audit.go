// Package audit implements FetchAuditLedger (C10, expansion): a SQLite
// ledger recording one row per completed historical fetch. Grounded on
// internal/store/sqlite.Writer.SaveSnapshot's single-table insert +
// retention-prune pattern, repurposed from "indicator engine snapshots"
// to "fetch audit rows," pruned to the last 500 instead of 10.
package audit

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"marketpulse/internal/signalbus"
)

const retainRows = 500

// Ledger is C10.
type Ledger struct {
	db  *sql.DB
	log *slog.Logger
	sub signalbus.SubscriptionID
}

// New opens (creating if necessary) a SQLite database at path and ensures
// its schema.
func New(path string, log *slog.Logger) (*Ledger, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("audit: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS fetch_audit (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			exchange   TEXT    NOT NULL,
			symbol     TEXT    NOT NULL,
			timeframe  TEXT    NOT NULL,
			bar_count  INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: schema: %w", err)
	}

	return &Ledger{db: db, log: log}, nil
}

// RecordFetch inserts one row for a completed fetch and prunes the table
// down to the most recent retainRows entries.
func (l *Ledger) RecordFetch(exchangeID, symbol, timeframe string, barCount int) {
	_, err := l.db.Exec(
		`INSERT INTO fetch_audit (exchange, symbol, timeframe, bar_count, created_at) VALUES (?, ?, ?, ?, ?)`,
		exchangeID, symbol, timeframe, barCount, time.Now().UnixMilli(),
	)
	if err != nil {
		l.log.Warn("audit: insert failed", "exchange", exchangeID, "symbol", symbol, "err", err)
		return
	}
	if _, err := l.db.Exec(
		`DELETE FROM fetch_audit WHERE id NOT IN (SELECT id FROM fetch_audit ORDER BY created_at DESC LIMIT ?)`,
		retainRows,
	); err != nil {
		l.log.Warn("audit: prune failed", "err", err)
	}
}

// Subscribe wires the ledger to bus's INITIAL_CANDLES signal, recording a
// row whenever TaskManager completes a background seed fetch — in addition
// to whatever FetchCandlesOnce calls record directly.
func (l *Ledger) Subscribe(bus *signalbus.Bus) {
	l.sub = bus.Subscribe(signalbus.InitialCandles, func(p any) {
		payload := p.(signalbus.InitialCandlesPayload)
		l.RecordFetch(payload.Exchange, payload.Symbol, payload.Timeframe, len(payload.Series.Candles))
	})
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}
