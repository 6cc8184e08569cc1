// Package model holds the domain types shared across the pipeline:
// instruments, trades, candles, users and alerts.
package model

// Exchange identifies a supported venue.
type Exchange string

const (
	Binance     Exchange = "binance"
	Bybit       Exchange = "bybit"
	Bitget      Exchange = "bitget"
	Gate        Exchange = "gate"
	Hyperliquid Exchange = "hyperliquid"
)

// Market distinguishes spot from linear perpetual futures.
type Market string

const (
	Spot   Market = "spot"
	Linear Market = "linear"
)

// Key identifies one instrument. With Symbol left empty it identifies
// an (exchange, market) pair.
type Key struct {
	Exchange Exchange
	Market   Market
	Symbol   string
}

// Trade is one public trade decoded from an exchange stream.
type Trade struct {
	Exchange Exchange
	Market   Market
	Symbol   string
	TsMs     int64
	Price    float64
	Qty      float64 // base currency
	IsBuy    bool
}

// Key returns the instrument key of the trade.
func (t *Trade) Key() Key {
	return Key{Exchange: t.Exchange, Market: t.Market, Symbol: t.Symbol}
}

// Valid reports whether the trade carries a usable price, quantity and
// timestamp.
func (t *Trade) Valid() bool {
	return t.Symbol != "" && t.Price > 0 && t.Qty > 0 && t.TsMs > 0
}
