// Package detector evaluates finalized candles against every user's
// thresholds and strategies, producing at most one detection per user
// per candle.
package detector

import (
	"context"
	"log/slog"
	"time"

	"spikewatch/internal/model"
	"spikewatch/internal/symbols"
)

// seriesSweepEvery bounds the idle series history kept in memory.
const seriesSweepEvery = time.Hour

// Detection is one fired spike for one user. Strategies holds every
// matched strategy, empty when the base pair thresholds fired on their
// own; the dispatcher renders one message per matched strategy.
type Detection struct {
	Candle     model.Candle
	Metrics    Metrics
	Alert      model.Alert
	User       model.User
	Strategies []*model.Strategy
	SendChart  bool
}

type Detector struct {
	cache  *Cache
	series *seriesTracker

	// OnDetection observes every fired detection (metrics hook).
	OnDetection func(Detection)
}

func New(cache *Cache) *Detector {
	return &Detector{cache: cache, series: newSeriesTracker()}
}

// Run consumes candles until ctx is canceled or the input closes.
func (d *Detector) Run(ctx context.Context, in <-chan model.Candle, out chan<- Detection) {
	sweep := time.NewTicker(seriesSweepEvery)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			d.series.Sweep(time.Now().Add(-seriesSweepEvery).UnixMilli())
		case c, ok := <-in:
			if !ok {
				return
			}
			for _, det := range d.Evaluate(ctx, c) {
				if d.OnDetection != nil {
					d.OnDetection(det)
				}
				select {
				case out <- det:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// Evaluate runs one candle against every user.
func (d *Detector) Evaluate(ctx context.Context, c model.Candle) []Detection {
	users, err := d.cache.Users(ctx)
	if err != nil {
		slog.Error("[detector] no users available", "err", err)
		return nil
	}
	if len(users) == 0 {
		return nil
	}

	m := ComputeMetrics(c, symbols.QuoteCurrency(c.Symbol))

	var out []Detection
	for i := range users {
		u := &users[i]
		if det, ok := d.evalUser(u, c, m); ok {
			out = append(out, det)
		}
	}
	return out
}

// evalUser decides whether the candle fires for one user. The base
// pair thresholds fire on their own; strategies with global filters
// disabled fire independently of them; strategies with global filters
// enabled only refine a base pass. Every eligible strategy is evaluated
// even after a match so series histories stay complete.
func (d *Detector) evalUser(u *model.User, c model.Candle, m Metrics) (Detection, bool) {
	o := &u.Options
	if !o.ExchangeEnabled(c.Exchange) {
		return Detection{}, false
	}

	ps, hasPair := o.PairFor(c.Exchange, c.Market, m.Quote)
	baseOK := hasPair && basePass(ps, m)

	var matched []*model.Strategy
	matchedIndependent := false
	for idx := range o.ConditionalTemplates {
		s := &o.ConditionalTemplates[idx]
		if s.UseGlobalFilters && !baseOK {
			continue
		}
		if !evalStrategy(s, idx, u.ID, c, m, d.series) {
			continue
		}
		matched = append(matched, s)
		if !s.UseGlobalFilters {
			matchedIndependent = true
		}
	}

	if !baseOK && !matchedIndependent {
		return Detection{}, false
	}

	return Detection{
		Candle:  c,
		Metrics: m,
		Alert: model.Alert{
			TsMs:       c.TsMs,
			Exchange:   c.Exchange,
			Market:     c.Market,
			Symbol:     c.Symbol,
			Delta:      m.Delta,
			WickPct:    m.WickPct,
			VolumeUSDT: m.VolumeUSDT,
		},
		User:       *u,
		Strategies: matched,
		SendChart:  hasPair && ps.SendChart,
	}, true
}
