package detector

import (
	"context"
	"errors"
	"testing"
	"time"

	"spikewatch/internal/model"
)

type fakeSource struct {
	users []model.User
	err   error
	calls int
}

func (f *fakeSource) Users(context.Context) ([]model.User, error) {
	f.calls++
	return f.users, f.err
}

func candle(sym string, open, close, high, low, vol float64) model.Candle {
	return model.Candle{
		Exchange: model.Binance, Market: model.Spot, Symbol: sym,
		TsMs: 1700000000000,
		Open: open, High: high, Low: low, Close: close, Volume: vol,
	}
}

func baseUser(id int64) model.User {
	return model.User{
		ID:     id,
		ChatID: "chat",
		Options: model.UserOptions{
			Exchanges: map[model.Exchange]bool{model.Binance: true},
			PairSettings: map[string]model.PairSettings{
				"binance_spot_usdt": {DeltaMin: 2, VolumeMin: 1000},
			},
		},
	}
}

func newDetector(users ...model.User) (*Detector, *fakeSource) {
	src := &fakeSource{users: users}
	return New(NewCache(src, time.Minute)), src
}

func TestBaseThresholdsFire(t *testing.T) {
	d, _ := newDetector(baseUser(1))
	// +2.5% move, 2060 USDT volume.
	c := candle("BTCUSDT", 100, 102.5, 103, 100, 20)

	dets := d.Evaluate(context.Background(), c)
	if len(dets) != 1 {
		t.Fatalf("detections = %d, want 1", len(dets))
	}
	det := dets[0]
	if len(det.Strategies) != 0 {
		t.Fatal("base pass should carry no strategies")
	}
	if det.Alert.Delta != 2.5 {
		t.Fatalf("delta = %v, want 2.5", det.Alert.Delta)
	}
	if det.Alert.Symbol != "BTCUSDT" || det.Alert.Exchange != model.Binance {
		t.Fatalf("alert = %+v", det.Alert)
	}
}

func TestNegativeDeltaFiresOnMagnitude(t *testing.T) {
	d, _ := newDetector(baseUser(1))
	c := candle("BTCUSDT", 100, 97, 100, 96.5, 50)

	dets := d.Evaluate(context.Background(), c)
	if len(dets) != 1 {
		t.Fatalf("detections = %d, want 1 (|-3%%| >= 2%%)", len(dets))
	}
	if dets[0].Alert.Delta >= 0 {
		t.Fatalf("delta = %v, sign must be preserved", dets[0].Alert.Delta)
	}
}

func TestBelowThresholdStaysQuiet(t *testing.T) {
	d, _ := newDetector(baseUser(1))
	c := candle("BTCUSDT", 100, 101, 101, 100, 50) // +1% < 2%

	if dets := d.Evaluate(context.Background(), c); len(dets) != 0 {
		t.Fatalf("detections = %d, want 0", len(dets))
	}
}

func TestDisabledExchangeStaysQuiet(t *testing.T) {
	u := baseUser(1)
	u.Options.Exchanges = map[model.Exchange]bool{model.Bybit: true}
	d, _ := newDetector(u)
	c := candle("BTCUSDT", 100, 105, 105, 100, 100)

	if dets := d.Evaluate(context.Background(), c); len(dets) != 0 {
		t.Fatal("absent exchange entry must mean disabled")
	}
}

func TestVolumeThreshold(t *testing.T) {
	d, _ := newDetector(baseUser(1))
	// +3% but only 102 * 5 = 515 USDT.
	c := candle("BTCUSDT", 100, 103, 103, 100, 5)

	if dets := d.Evaluate(context.Background(), c); len(dets) != 0 {
		t.Fatal("volume below threshold must not fire")
	}
}

func TestIndependentStrategyFiresWithoutBase(t *testing.T) {
	u := baseUser(1)
	u.Options.ConditionalTemplates = []model.Strategy{{
		Name:    "small moves",
		Enabled: true,
		// UseGlobalFilters false: fires on its own conditions.
		Conditions: []model.Condition{
			{Type: model.CondDelta, ValueMin: 0.5},
			{Type: model.CondDirection, Value: "up"},
		},
	}}
	d, _ := newDetector(u)
	c := candle("BTCUSDT", 100, 101, 101, 100, 1) // +1%, tiny volume

	dets := d.Evaluate(context.Background(), c)
	if len(dets) != 1 {
		t.Fatalf("detections = %d, want 1", len(dets))
	}
	if len(dets[0].Strategies) != 1 || dets[0].Strategies[0].Name != "small moves" {
		t.Fatalf("strategies = %+v", dets[0].Strategies)
	}
}

func TestGlobalFilterStrategyNeedsBase(t *testing.T) {
	u := baseUser(1)
	u.Options.ConditionalTemplates = []model.Strategy{{
		Enabled:          true,
		UseGlobalFilters: true,
		Conditions:       []model.Condition{{Type: model.CondDelta, ValueMin: 0.5}},
	}}
	d, _ := newDetector(u)
	c := candle("BTCUSDT", 100, 101, 101, 100, 1) // base fails

	if dets := d.Evaluate(context.Background(), c); len(dets) != 0 {
		t.Fatal("global-filter strategy must not fire when base fails")
	}
}

func TestDisabledStrategyIgnored(t *testing.T) {
	u := baseUser(1)
	u.Options.PairSettings = nil
	u.Options.ConditionalTemplates = []model.Strategy{{
		Enabled:    false,
		Conditions: []model.Condition{{Type: model.CondDelta, ValueMin: 0.1}},
	}}
	d, _ := newDetector(u)
	c := candle("BTCUSDT", 100, 105, 105, 100, 100)

	if dets := d.Evaluate(context.Background(), c); len(dets) != 0 {
		t.Fatal("disabled strategy must not fire")
	}
}

func TestDeltaUpperBound(t *testing.T) {
	maxDelta := 4.0
	u := baseUser(1)
	u.Options.PairSettings = nil
	u.Options.ConditionalTemplates = []model.Strategy{{
		Enabled: true,
		Conditions: []model.Condition{
			{Type: model.CondDelta, ValueMin: 1, ValueMax: &maxDelta},
		},
	}}
	d, _ := newDetector(u)

	if dets := d.Evaluate(context.Background(), candle("BTCUSDT", 100, 103, 103, 100, 1)); len(dets) != 1 {
		t.Fatal("3% inside [1,4] should fire")
	}
	if dets := d.Evaluate(context.Background(), candle("ETHUSDT", 100, 106, 106, 100, 1)); len(dets) != 0 {
		t.Fatal("6% above the upper bound should not fire")
	}
}

func TestSymbolAndExchangeMarketConditions(t *testing.T) {
	u := baseUser(1)
	u.Options.PairSettings = nil
	u.Options.ConditionalTemplates = []model.Strategy{{
		Enabled: true,
		Conditions: []model.Condition{
			{Type: model.CondSymbol, Value: "ethusdt, BTCUSDT"},
			{Type: model.CondExchangeMarket, Value: "binance_spot"},
		},
	}}
	d, _ := newDetector(u)

	if dets := d.Evaluate(context.Background(), candle("BTCUSDT", 100, 101, 101, 100, 1)); len(dets) != 1 {
		t.Fatal("listed symbol on matching venue should fire")
	}
	if dets := d.Evaluate(context.Background(), candle("XRPUSDT", 100, 101, 101, 100, 1)); len(dets) != 0 {
		t.Fatal("unlisted symbol should not fire")
	}
}

func TestSymbolConditionMatchesBaseCurrency(t *testing.T) {
	u := baseUser(1)
	u.Options.PairSettings = nil
	u.Options.ConditionalTemplates = []model.Strategy{{
		Enabled:    true,
		Conditions: []model.Condition{{Type: model.CondSymbol, Value: "BTC"}},
	}}
	d, _ := newDetector(u)

	// "BTC" must match any quote pairing of the base currency.
	if dets := d.Evaluate(context.Background(), candle("BTCUSDT", 100, 101, 101, 100, 1)); len(dets) != 1 {
		t.Fatal("base-currency value should match BTCUSDT")
	}
	if dets := d.Evaluate(context.Background(), candle("BTCUSDC", 100, 101, 101, 100, 1)); len(dets) != 1 {
		t.Fatal("base-currency value should match BTCUSDC")
	}
	if dets := d.Evaluate(context.Background(), candle("ETHUSDT", 100, 101, 101, 100, 1)); len(dets) != 0 {
		t.Fatal("different base must not match")
	}
}

func TestDetectionCarriesAllMatchedStrategies(t *testing.T) {
	u := baseUser(1)
	u.Options.ConditionalTemplates = []model.Strategy{
		{Name: "a", Enabled: true, Template: "tplA", ChatID: "chatA",
			Conditions: []model.Condition{{Type: model.CondDelta, ValueMin: 1}}},
		{Name: "b", Enabled: true, Template: "tplB", ChatID: "chatB",
			Conditions: []model.Condition{{Type: model.CondVolume, ValueNum: 1}}},
	}
	d, _ := newDetector(u)
	c := candle("BTCUSDT", 100, 103, 103, 100, 100) // both strategies pass

	dets := d.Evaluate(context.Background(), c)
	if len(dets) != 1 {
		t.Fatalf("detections = %d, want 1", len(dets))
	}
	if len(dets[0].Strategies) != 2 {
		t.Fatalf("strategies = %d, want both matches carried", len(dets[0].Strategies))
	}
	if dets[0].Strategies[0].Name != "a" || dets[0].Strategies[1].Name != "b" {
		t.Fatalf("strategies = %q, %q", dets[0].Strategies[0].Name, dets[0].Strategies[1].Name)
	}
}

func TestExchangeMarketFuturesAlias(t *testing.T) {
	c := model.Candle{Exchange: model.Bybit, Market: model.Linear, Symbol: "BTCUSDT",
		TsMs: 1700000000000, Open: 100, High: 101, Low: 100, Close: 101, Volume: 1}
	cond := model.Condition{Type: model.CondExchangeMarket, Value: "bybit_futures"}
	if !evalCondition(cond, c, ComputeMetrics(c, "usdt")) {
		t.Fatal("futures alias must match linear")
	}
}

func TestSeriesCountsCurrentCandle(t *testing.T) {
	u := baseUser(1)
	u.Options.PairSettings = nil
	u.Options.ConditionalTemplates = []model.Strategy{{
		Enabled: true,
		Conditions: []model.Condition{
			{Type: model.CondDelta, ValueMin: 1},
			{Type: model.CondSeries, Count: 3, TimeWindowSeconds: 60},
		},
	}}
	d, _ := newDetector(u)
	ctx := context.Background()

	mk := func(ts int64) model.Candle {
		c := candle("BTCUSDT", 100, 102, 102, 100, 1)
		c.TsMs = ts
		return c
	}
	base := int64(1700000000000)
	if dets := d.Evaluate(ctx, mk(base)); len(dets) != 0 {
		t.Fatal("first spike: count 1 < 3")
	}
	if dets := d.Evaluate(ctx, mk(base+10_000)); len(dets) != 0 {
		t.Fatal("second spike: count 2 < 3")
	}
	if dets := d.Evaluate(ctx, mk(base+20_000)); len(dets) != 1 {
		t.Fatal("third spike inside the window should fire")
	}
	// 70s later the first two have aged out; count restarts at 2.
	if dets := d.Evaluate(ctx, mk(base+90_000)); len(dets) != 0 {
		t.Fatal("stale spikes outside the window must not count")
	}
}

func TestSeriesSweepDropsIdleSlots(t *testing.T) {
	st := newSeriesTracker()
	key := model.Key{Exchange: model.Binance, Market: model.Spot, Symbol: "BTCUSDT"}
	st.Record(1, 0, key, 1700000000000, 60)
	if st.size() != 1 {
		t.Fatalf("size = %d", st.size())
	}
	st.Sweep(1700000100000)
	if st.size() != 0 {
		t.Fatalf("size = %d after sweep", st.size())
	}
}

func TestOneDetectionPerUserPerCandle(t *testing.T) {
	u := baseUser(1)
	u.Options.ConditionalTemplates = []model.Strategy{
		{Enabled: true, Conditions: []model.Condition{{Type: model.CondDelta, ValueMin: 1}}},
		{Enabled: true, Conditions: []model.Condition{{Type: model.CondVolume, ValueNum: 1}}},
	}
	d, _ := newDetector(u)
	c := candle("BTCUSDT", 100, 103, 103, 100, 100) // base and both strategies pass

	dets := d.Evaluate(context.Background(), c)
	if len(dets) != 1 {
		t.Fatalf("detections = %d, want exactly 1 per user per candle", len(dets))
	}
}

func TestCacheReloadAndInvalidate(t *testing.T) {
	src := &fakeSource{users: []model.User{baseUser(1)}}
	cache := NewCache(src, time.Hour)
	ctx := context.Background()

	if _, err := cache.Users(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := cache.Users(ctx); err != nil {
		t.Fatalf("cached load: %v", err)
	}
	if src.calls != 1 {
		t.Fatalf("calls = %d, want 1 (second read cached)", src.calls)
	}

	cache.Invalidate()
	if _, err := cache.Users(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if src.calls != 2 {
		t.Fatalf("calls = %d, want 2 after invalidation", src.calls)
	}
}

func TestCacheServesStaleOnError(t *testing.T) {
	src := &fakeSource{users: []model.User{baseUser(1)}}
	cache := NewCache(src, time.Hour)
	ctx := context.Background()

	if _, err := cache.Users(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	src.err = errors.New("db locked")
	cache.Invalidate()
	users, err := cache.Users(ctx)
	if err != nil {
		t.Fatalf("stale read should not error: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("users = %d, want stale copy", len(users))
	}
}
