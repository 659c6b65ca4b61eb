package writer

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	appconfig "marketsync/config"
	"marketsync/models"
)

func testWriterConfig(dir string) *appconfig.Config {
	return &appconfig.Config{
		Marketsync: appconfig.MarketsyncConfig{Name: "test", Version: "0.0.0"},
		History: appconfig.HistoryConfig{
			Enabled:       true,
			Directory:     dir,
			BatchSize:     2,
			FlushInterval: time.Hour,
		},
	}
}

func closedCandle(start time.Time) models.Candle {
	return models.Candle{
		MarketID:  "XBT/USD",
		Timeframe: time.Minute,
		Start:     start,
		Open:      30000,
		High:      30100,
		Low:       29900,
		Close:     30050,
		Volume:    12.5,
		Closed:    true,
	}
}

func TestCreateParquet(t *testing.T) {
	records := []interface{}{
		CandleRecord{Venue: "kraken", Market: "XBT/USD", Timeframe: "1m", Start: 1, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10},
		CandleRecord{Venue: "kraken", Market: "XBT/USD", Timeframe: "1m", Start: 2, Open: 1.5, High: 2, Low: 1, Close: 2, Volume: 5},
	}
	data, err := createParquet(new(CandleRecord), records)
	if err != nil {
		t.Fatalf("createParquet: %v", err)
	}
	magic := []byte("PAR1")
	if !bytes.HasPrefix(data, magic) || !bytes.HasSuffix(data, magic) {
		t.Fatalf("output is not a parquet file (%d bytes)", len(data))
	}
}

func TestRecordCandleSkipsOpenCandles(t *testing.T) {
	w, err := NewHistoryWriter(testWriterConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("NewHistoryWriter: %v", err)
	}

	open := closedCandle(time.Now())
	open.Closed = false
	w.RecordCandle("kraken", open)

	w.mu.RLock()
	defer w.mu.RUnlock()
	if len(w.candleBuf) != 0 {
		t.Fatal("open candles must not be buffered")
	}
}

func TestBatchFullFlushWritesPartitionedFile(t *testing.T) {
	dir := t.TempDir()
	w, err := NewHistoryWriter(testWriterConfig(dir))
	if err != nil {
		t.Fatalf("NewHistoryWriter: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		cancel()
		w.Stop()
	}()

	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	w.RecordCandle("kraken", closedCandle(start))
	w.RecordCandle("kraken", closedCandle(start.Add(time.Minute)))

	matches, err := filepath.Glob(filepath.Join(dir, "venue=kraken", "market=XBT-USD", "kind=candles_1m", "date=*", "*.parquet"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected one partitioned parquet file, got %v", matches)
	}
	info, err := os.Stat(matches[0])
	if err != nil || info.Size() == 0 {
		t.Fatalf("flushed file missing or empty: %v", err)
	}
}

func TestTradeBatchFlush(t *testing.T) {
	dir := t.TempDir()
	w, err := NewHistoryWriter(testWriterConfig(dir))
	if err != nil {
		t.Fatalf("NewHistoryWriter: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		cancel()
		w.Stop()
	}()

	now := time.Now().UTC()
	w.RecordTrade("bitmex", models.PublicTrade{MarketID: "XBTUSD", Price: 30000, Quantity: 100, Side: "buy", Time: now})
	w.RecordTrade("bitmex", models.PublicTrade{MarketID: "XBTUSD", Price: 30001, Quantity: 50, Side: "sell", Time: now})

	matches, err := filepath.Glob(filepath.Join(dir, "venue=bitmex", "market=XBTUSD", "kind=trades", "date=*", "*.parquet"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected one trade batch file, got %v", matches)
	}
}

func TestSanitizeMarketID(t *testing.T) {
	if got := sanitize("XBT/USD"); got != "XBT-USD" {
		t.Errorf("sanitize = %q", got)
	}
	if got := sanitize("BTCUSDT"); got != "BTCUSDT" {
		t.Errorf("sanitize must leave plain symbols alone, got %q", got)
	}
}
