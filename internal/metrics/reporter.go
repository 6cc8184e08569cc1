package metrics

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"spikewatch/internal/exchange"
	"spikewatch/internal/model"
	"spikewatch/internal/pool"
)

const (
	snapshotEvery = 15 * time.Second
	reportEvery   = 30 * time.Second
)

// StatsStore persists the periodic statistics snapshot.
type StatsStore interface {
	UpsertExchangeStatistics(ctx context.Context, stats []model.ExchangeStatistics) error
}

// Reporter merges the tracker's counters with the pool manager's
// connection state into ExchangeStatistics rows every 15 seconds, and
// logs a one-line summary per (exchange, market) every 30 seconds.
type Reporter struct {
	tracker *Tracker
	manager *pool.Manager
	drivers map[model.Exchange]exchange.Driver
	store   StatsStore // nil disables persistence
	prom    *Metrics
	logger  *log.Logger
}

func NewReporter(tracker *Tracker, manager *pool.Manager, drivers []exchange.Driver, store StatsStore, prom *Metrics) *Reporter {
	dm := make(map[model.Exchange]exchange.Driver, len(drivers))
	for _, d := range drivers {
		dm[d.Name()] = d
	}
	return &Reporter{
		tracker: tracker,
		manager: manager,
		drivers: dm,
		store:   store,
		prom:    prom,
		logger:  log.New(os.Stdout, "[metrics] ", log.LstdFlags),
	}
}

func (r *Reporter) Run(ctx context.Context) {
	snap := time.NewTicker(snapshotEvery)
	defer snap.Stop()
	rep := time.NewTicker(reportEvery)
	defer rep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-snap.C:
			r.snapshot(ctx)
		case <-rep.C:
			r.report()
		}
	}
}

func (r *Reporter) snapshot(ctx context.Context) {
	rows := r.rows(r.manager.Stats())
	if r.store == nil || len(rows) == 0 {
		return
	}
	if err := r.store.UpsertExchangeStatistics(ctx, rows); err != nil {
		r.logger.Printf("statistics upsert: %v", err)
	}
}

// rows builds one statistics row per pool and mirrors the connection
// gauges into Prometheus.
func (r *Reporter) rows(ps []pool.Stats) []model.ExchangeStatistics {
	rows := make([]model.ExchangeStatistics, 0, len(ps))
	for _, s := range ps {
		c, rate := r.tracker.snapshot(s.Exchange, s.Market)
		rows = append(rows, model.ExchangeStatistics{
			Exchange:       s.Exchange,
			Market:         s.Market,
			SymbolsCount:   s.Symbols,
			WSConnections:  s.Conns,
			BatchesPerWS:   r.batchesPerWS(s),
			Reconnects:     c.reconnects,
			CandlesCount:   c.candles,
			LastCandleTime: c.lastCandle,
			TicksPerSecond: rate,
		})
		if r.prom != nil {
			r.prom.ActiveConns.WithLabelValues(string(s.Exchange), string(s.Market)).Set(float64(s.Conns))
			r.prom.ActiveSymbols.WithLabelValues(string(s.Exchange), string(s.Market)).Set(float64(s.Symbols))
		}
	}
	return rows
}

// batchesPerWS counts the subscribe frames one average-loaded socket of
// this pool sends. Exchanges whose subscription rides the URL report 1.
func (r *Reporter) batchesPerWS(s pool.Stats) int {
	d := r.drivers[s.Exchange]
	if d == nil || s.Conns == 0 {
		return 1
	}
	per := (s.Symbols + s.Conns - 1) / s.Conns
	if per <= 0 {
		return 1
	}
	// Frame counts depend only on how many symbols a socket carries, so
	// placeholder names are enough here.
	syms := make([]string, per)
	for i := range syms {
		syms[i] = fmt.Sprintf("SYM%dUSDT", i)
	}
	if n := len(d.SubscribeFrames(s.Market, syms)); n > 0 {
		return n
	}
	return 1
}

func (r *Reporter) report() {
	for _, s := range r.manager.Stats() {
		c, rate := r.tracker.snapshot(s.Exchange, s.Market)
		last := "never"
		if !c.lastCandle.IsZero() {
			last = time.Since(c.lastCandle).Round(time.Second).String() + " ago"
		}
		r.logger.Printf("%s/%s: conns=%d symbols=%d candles=%d reconnects=%d ticks/s=%.1f last_candle=%s",
			s.Exchange, s.Market, s.Conns, s.Symbols, c.candles, c.reconnects, rate, last)
	}
}
