package notify

import (
	"bytes"
	"context"
	"fmt"
	"image/color"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"spikewatch/internal/detector"
	"spikewatch/internal/exchange"
	"spikewatch/internal/model"
)

const (
	chartTTL        = 10 * time.Minute
	chartWorkers    = 4
	chartTradeLimit = 1000
)

// ChartSource produces a PNG chart for one detection.
type ChartSource interface {
	Chart(ctx context.Context, det detector.Detection) ([]byte, error)
}

type chartKey struct {
	key  model.Key
	tsMs int64
}

type chartEntry struct {
	png []byte
	at  time.Time
}

// Charts renders tick charts from recent public trades. Renders are
// bounded by a small worker budget and cached per (instrument, candle)
// so a spike fanned out to many users fetches once.
type Charts struct {
	drivers map[model.Exchange]exchange.Driver
	sem     *semaphore.Weighted

	mu    sync.Mutex
	cache map[chartKey]chartEntry
}

func NewCharts(drivers []exchange.Driver) *Charts {
	m := make(map[model.Exchange]exchange.Driver, len(drivers))
	for _, d := range drivers {
		m[d.Name()] = d
	}
	return &Charts{
		drivers: m,
		sem:     semaphore.NewWeighted(chartWorkers),
		cache:   make(map[chartKey]chartEntry),
	}
}

func (c *Charts) Chart(ctx context.Context, det detector.Detection) ([]byte, error) {
	key := chartKey{key: det.Candle.Key(), tsMs: det.Candle.TsMs}

	c.mu.Lock()
	if e, ok := c.cache[key]; ok && time.Since(e.at) < chartTTL {
		c.mu.Unlock()
		return e.png, nil
	}
	c.mu.Unlock()

	d := c.drivers[det.Candle.Exchange]
	if d == nil {
		return nil, exchange.ErrNoChartSource
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	trades, err := d.RecentTrades(ctx, det.Candle.Market, det.Candle.Symbol, chartTradeLimit)
	if err != nil {
		return nil, err
	}
	if len(trades) == 0 {
		return nil, fmt.Errorf("chart %s: no trades", det.Candle.Symbol)
	}

	png, err := renderTicks(det, trades)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache[key] = chartEntry{png: png, at: time.Now()}
	c.prune()
	c.mu.Unlock()
	return png, nil
}

// prune is called under mu.
func (c *Charts) prune() {
	if len(c.cache) < 256 {
		return
	}
	cut := time.Now().Add(-chartTTL)
	for k, e := range c.cache {
		if e.at.Before(cut) {
			delete(c.cache, k)
		}
	}
}

// tickSeries converts trades into buy and sell scatter points with the
// Y axis in percent relative to open.
func tickSeries(open float64, trades []model.Trade) (buys, sells plotter.XYs) {
	for _, t := range trades {
		xy := plotter.XY{
			X: float64(t.TsMs) / 1000,
			Y: (t.Price/open - 1) * 100,
		}
		if t.IsBuy {
			buys = append(buys, xy)
		} else {
			sells = append(sells, xy)
		}
	}
	return buys, sells
}

func renderTicks(det detector.Detection, trades []model.Trade) ([]byte, error) {
	open := det.Candle.Open
	if open <= 0 {
		return nil, fmt.Errorf("chart %s: no open price", det.Candle.Symbol)
	}
	buys, sells := tickSeries(open, trades)

	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s %s/%s  Δ %.2f%%",
		displaySymbol(det.Candle.Symbol), det.Candle.Exchange, det.Candle.Market, det.Metrics.Delta)
	p.X.Tick.Marker = plot.TimeTicks{Format: "15:04:05"}
	p.Y.Label.Text = "% vs open"

	for _, side := range []struct {
		name string
		xys  plotter.XYs
		col  color.RGBA
	}{
		{"buy", buys, color.RGBA{R: 0x26, G: 0xa6, B: 0x5d, A: 0xff}},
		{"sell", sells, color.RGBA{R: 0xd6, G: 0x3a, B: 0x3a, A: 0xff}},
	} {
		if len(side.xys) == 0 {
			continue
		}
		sc, err := plotter.NewScatter(side.xys)
		if err != nil {
			return nil, fmt.Errorf("chart %s points: %w", side.name, err)
		}
		sc.GlyphStyle.Color = side.col
		sc.GlyphStyle.Radius = vg.Points(1.5)
		p.Add(sc)
		p.Legend.Add(side.name, sc)
	}
	p.Add(plotter.NewGrid())

	w, err := p.WriterTo(8*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		return nil, fmt.Errorf("chart render: %w", err)
	}
	var buf bytes.Buffer
	if _, err := w.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("chart write: %w", err)
	}
	return buf.Bytes(), nil
}
