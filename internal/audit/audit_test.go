package audit

import (
	"path/filepath"
	"testing"
)

func TestRecordFetchInsertsRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	l, err := New(path, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	l.RecordFetch("coinbase", "BTC/USD", "1m", 120)

	var count int
	if err := l.db.QueryRow(`SELECT COUNT(*) FROM fetch_audit`).Scan(&count); err != nil {
		t.Fatalf("query: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 row, got %d", count)
	}
}

func TestRecordFetchPrunesToRetainRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	l, err := New(path, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	for i := 0; i < retainRows+10; i++ {
		l.RecordFetch("coinbase", "BTC/USD", "1m", i)
	}

	var count int
	if err := l.db.QueryRow(`SELECT COUNT(*) FROM fetch_audit`).Scan(&count); err != nil {
		t.Fatalf("query: %v", err)
	}
	if count != retainRows {
		t.Fatalf("expected pruning to %d rows, got %d", retainRows, count)
	}
}
