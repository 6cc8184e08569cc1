package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"spikewatch/internal/model"
	"spikewatch/internal/pool"
)

func TestTrackerCounts(t *testing.T) {
	tr := NewTracker(nil)

	trade := model.Trade{Exchange: model.Bybit, Market: model.Linear, Symbol: "BTCUSDT"}
	tr.CountTrade(trade)
	tr.CountTrade(trade)
	tr.CountCandle(model.Candle{
		Exchange: model.Bybit, Market: model.Linear, Symbol: "BTCUSDT",
		TsMs: time.Now().UnixMilli(),
	})
	tr.CountReconnect(model.Bybit, model.Linear)

	c, rate := tr.snapshot(model.Bybit, model.Linear)
	if c.trades != 2 || c.candles != 1 || c.reconnects != 1 {
		t.Fatalf("cell = %+v", c)
	}
	if rate <= 0 {
		t.Fatalf("ticks/s = %v, want > 0", rate)
	}
	if c.lastCandle.IsZero() {
		t.Fatal("last candle time not recorded")
	}

	// Other venues stay isolated.
	other, _ := tr.snapshot(model.Gate, model.Spot)
	if other.trades != 0 {
		t.Fatalf("gate/spot trades = %d", other.trades)
	}
}

func TestReporterRows(t *testing.T) {
	tr := NewTracker(nil)
	for i := 0; i < 10; i++ {
		tr.CountTrade(model.Trade{Exchange: model.Binance, Market: model.Spot})
	}
	tr.CountCandle(model.Candle{Exchange: model.Binance, Market: model.Spot, TsMs: 1700000000000})

	r := NewReporter(tr, pool.NewManager(), nil, nil, nil)
	rows := r.rows([]pool.Stats{{
		Exchange: model.Binance,
		Market:   model.Spot,
		Conns:    2,
		Symbols:  350,
	}})
	if len(rows) != 1 {
		t.Fatalf("rows = %d", len(rows))
	}
	got := rows[0]
	if got.SymbolsCount != 350 || got.WSConnections != 2 {
		t.Fatalf("row = %+v", got)
	}
	if got.CandlesCount != 1 || got.TicksPerSecond <= 0 {
		t.Fatalf("counters not merged: %+v", got)
	}
	if got.BatchesPerWS != 1 {
		t.Fatalf("no driver registered, batches = %d, want 1", got.BatchesPerWS)
	}
	if got.LastCandleTime.UnixMilli() != 1700000000000 {
		t.Fatalf("last candle = %v", got.LastCandleTime)
	}
}

func TestHealthzStatusCodes(t *testing.T) {
	h := NewHealthStatus()
	h.SetIngestOK(true)
	h.mu.Lock()
	h.SQLiteOK = true
	h.mu.Unlock()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthy code = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if body["status"] != "healthy" {
		t.Fatalf("status = %v", body["status"])
	}

	h.SetIngestOK(false)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("degraded code = %d", rec.Code)
	}
}

func TestLastCandleTimeMonotonic(t *testing.T) {
	h := NewHealthStatus()
	later := time.Now()
	h.SetLastCandleTime(later)
	h.SetLastCandleTime(later.Add(-time.Minute))

	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.LastCandleTime.Equal(later) {
		t.Fatalf("last candle regressed to %v", h.LastCandleTime)
	}
}

func TestWriteStartSentinel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "screener.started")
	before := time.Now().UnixMilli()
	if err := WriteStartSentinel(path); err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		t.Fatalf("sentinel content %q: %v", raw, err)
	}
	if ts < before || ts > time.Now().UnixMilli() {
		t.Fatalf("sentinel ts %d outside run window", ts)
	}
}
