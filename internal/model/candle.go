package model

import (
	"encoding/json"
	"math"
)

// Candle is a closed 1-second OHLCV candle for one instrument.
type Candle struct {
	Exchange Exchange `json:"exchange"`
	Market   Market   `json:"market"`
	Symbol   string   `json:"symbol"`
	TsMs     int64    `json:"ts_ms"` // floor of trade time to the second boundary
	Open     float64  `json:"open"`
	High     float64  `json:"high"`
	Low      float64  `json:"low"`
	Close    float64  `json:"close"`
	Volume   float64  `json:"volume"` // base currency
	Trades   int      `json:"trades,omitempty"`
}

// Key returns the instrument key of the candle.
func (c *Candle) Key() Key {
	return Key{Exchange: c.Exchange, Market: c.Market, Symbol: c.Symbol}
}

// Delta returns the percent move from open to close, signed.
func (c *Candle) Delta() float64 {
	if c.Open == 0 {
		return 0
	}
	return (c.Close - c.Open) / c.Open * 100
}

// WickPct returns the larger wick as a percentage of the full range.
// Returns 0 for a flat candle (high == low).
func (c *Candle) WickPct() float64 {
	rng := c.High - c.Low
	if rng == 0 {
		return 0
	}
	upper := c.High - math.Max(c.Open, c.Close)
	lower := math.Min(c.Open, c.Close) - c.Low
	return math.Max(upper, lower) / rng * 100
}

// VolumeUSDT returns the candle volume converted to quote currency
// using the close price.
func (c *Candle) VolumeUSDT() float64 {
	return c.Volume * c.Close
}

// Up reports whether the candle closed at or above its open.
func (c *Candle) Up() bool {
	return c.Close >= c.Open
}

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c *Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}
