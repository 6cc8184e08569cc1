package detector

import (
	"math"
	"strings"

	"spikewatch/internal/model"
	"spikewatch/internal/symbols"
)

// Metrics are the per-candle figures every condition reads. Computed
// once per candle, shared across all users.
type Metrics struct {
	Delta      float64 // signed percent
	WickPct    float64
	VolumeUSDT float64
	Up         bool
	Quote      string // lower-case quote currency, "" when unknown
}

func ComputeMetrics(c model.Candle, quote string) Metrics {
	return Metrics{
		Delta:      c.Delta(),
		WickPct:    c.WickPct(),
		VolumeUSDT: c.VolumeUSDT(),
		Up:         c.Up(),
		Quote:      quote,
	}
}

// basePass applies the user's pair thresholds. A threshold of zero or
// below is disabled; magnitude comparisons ignore delta sign.
func basePass(ps model.PairSettings, m Metrics) bool {
	if ps.DeltaMin > 0 && math.Abs(m.Delta) < ps.DeltaMin {
		return false
	}
	if ps.VolumeMin > 0 && m.VolumeUSDT < ps.VolumeMin {
		return false
	}
	if ps.WickMin > 0 && m.WickPct < ps.WickMin {
		return false
	}
	return true
}

// evalCondition checks one non-series condition against the candle.
func evalCondition(c model.Condition, cd model.Candle, m Metrics) bool {
	switch c.Type {
	case model.CondDelta:
		d := math.Abs(m.Delta)
		if d < c.ValueMin {
			return false
		}
		if c.ValueMax != nil && d > *c.ValueMax {
			return false
		}
		return true
	case model.CondVolume:
		return m.VolumeUSDT >= c.ValueNum
	case model.CondWickPct:
		return m.WickPct >= c.ValueMin
	case model.CondDirection:
		switch strings.ToLower(c.Value) {
		case "up", "long", "buy", "green":
			return m.Up
		case "down", "short", "sell", "red":
			return !m.Up
		}
		return false
	case model.CondSymbol:
		// Both sides reduce to base currency so "BTC" matches BTCUSDT on
		// Binance and BTCUSDC on Hyperliquid alike.
		base := symbols.Normalize(cd.Symbol)
		for _, want := range strings.Split(c.Value, ",") {
			if symbols.Normalize(strings.TrimSpace(want)) == base {
				return true
			}
		}
		return false
	case model.CondExchangeMarket:
		want := strings.ToLower(strings.TrimSpace(c.Value))
		have := string(cd.Exchange) + "_" + string(cd.Market)
		if want == have {
			return true
		}
		// "futures" is accepted as an alias for linear in stored options.
		return cd.Market == model.Linear && want == string(cd.Exchange)+"_futures"
	}
	return false
}

// evalStrategy checks a strategy against the candle. Non-series
// conditions are AND-combined; when they all pass, the candle is
// recorded as a qualifying spike and the series conditions are counted
// against the updated history.
func evalStrategy(s *model.Strategy, idx int, userID int64, cd model.Candle, m Metrics, series *seriesTracker) bool {
	if !s.Enabled {
		return false
	}
	var seriesConds []model.Condition
	for _, c := range s.Conditions {
		if c.Type == model.CondSeries {
			seriesConds = append(seriesConds, c)
			continue
		}
		if !evalCondition(c, cd, m) {
			return false
		}
	}
	if len(seriesConds) == 0 {
		return true
	}

	count := series.Record(userID, idx, cd.Key(), cd.TsMs, s.MaxSeriesWindow())
	for _, c := range seriesConds {
		if count(c.TimeWindowSeconds) < c.Count {
			return false
		}
	}
	return true
}
