package metrics

import (
	"sync"
	"time"

	"spikewatch/internal/model"
)

// cell accumulates per-(exchange, market) counters. trades is monotonic
// from started, so ticks-per-second is a rolling rate over the cell's
// whole lifetime.
type cell struct {
	trades     int64
	candles    int64
	reconnects int64
	lastCandle time.Time
	started    time.Time
}

// Tracker is the in-memory counter set behind the statistics snapshots.
// Counting methods are safe for concurrent use from the pipeline
// goroutines. The Prometheus mirror is optional.
type Tracker struct {
	prom *Metrics

	mu    sync.Mutex
	cells map[model.Key]*cell
}

func NewTracker(prom *Metrics) *Tracker {
	return &Tracker{
		prom:  prom,
		cells: make(map[model.Key]*cell),
	}
}

// cellFor is called under mu.
func (t *Tracker) cellFor(ex model.Exchange, mkt model.Market) *cell {
	k := model.Key{Exchange: ex, Market: mkt}
	c := t.cells[k]
	if c == nil {
		c = &cell{started: time.Now()}
		t.cells[k] = c
	}
	return c
}

func (t *Tracker) CountTrade(tr model.Trade) {
	t.mu.Lock()
	t.cellFor(tr.Exchange, tr.Market).trades++
	t.mu.Unlock()
	if t.prom != nil {
		t.prom.TradesTotal.WithLabelValues(string(tr.Exchange), string(tr.Market)).Inc()
	}
}

func (t *Tracker) CountCandle(c model.Candle) {
	t.mu.Lock()
	cl := t.cellFor(c.Exchange, c.Market)
	cl.candles++
	cl.lastCandle = time.UnixMilli(c.TsMs)
	t.mu.Unlock()
	if t.prom != nil {
		t.prom.CandlesTotal.WithLabelValues(string(c.Exchange), string(c.Market)).Inc()
	}
}

func (t *Tracker) CountReconnect(ex model.Exchange, mkt model.Market) {
	t.mu.Lock()
	t.cellFor(ex, mkt).reconnects++
	t.mu.Unlock()
	if t.prom != nil {
		t.prom.Reconnects.WithLabelValues(string(ex), string(mkt)).Inc()
	}
}

func (t *Tracker) CountLateTrade() {
	if t.prom != nil {
		t.prom.LateTrades.Inc()
	}
}

func (t *Tracker) CountDetection() {
	if t.prom != nil {
		t.prom.DetectionsTotal.Inc()
	}
}

// snapshot returns a copy of one cell plus its trades-per-second rate.
func (t *Tracker) snapshot(ex model.Exchange, mkt model.Market) (cell, float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.cellFor(ex, mkt)
	elapsed := time.Since(c.started).Seconds()
	rate := 0.0
	if elapsed > 0 {
		rate = float64(c.trades) / elapsed
	}
	return *c, rate
}
