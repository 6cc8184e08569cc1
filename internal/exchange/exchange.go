// Package exchange contains the per-exchange protocol adapters: WS URLs,
// subscribe/unsubscribe frame formats, ping cadence and shape, frame
// decoding to canonical trades or candles, and REST symbol discovery.
// The connection state machine lives in internal/pool and is identical
// across exchanges; everything venue-specific is behind Driver.
package exchange

import (
	"context"
	"errors"
	"time"

	"spikewatch/internal/model"
)

// ErrNoChartSource is returned by RecentTrades for exchanges without a
// supported public-trades endpoint in the chart path.
var ErrNoChartSource = errors.New("exchange: no chart trade source")

// Result is the outcome of decoding a single WS frame.
type Result struct {
	Trades  []model.Trade
	Candles []model.Candle
	// Pong marks a server pong (application-level keepalive reply).
	Pong bool
	// Ack marks an explicit subscription confirmation.
	Ack bool
	// ReplyPing, when non-nil, is a frame that must be written back in
	// response to a server-initiated application-level ping.
	ReplyPing []byte
	// RemoveSymbols lists symbols the exchange reported as invalid or
	// nonexistent; the connection drops them from its owned set.
	RemoveSymbols []string
}

// Decoder turns raw frames into Results. Decoders are created fresh per
// connection: some exchanges need per-connection state (Bitget sends a
// historical snapshot as the first trade frame of each symbol).
type Decoder interface {
	Decode(frame []byte) (Result, error)
}

// Limits bundles an exchange's connection-attempt window and optional
// outbound message budget.
type Limits struct {
	Attempts      int           // max connection attempts per window, 0 = unlimited
	AttemptWindow time.Duration
	Messages      int           // max outbound WS messages per window, 0 = unlimited
	MessageWindow time.Duration // ping frames bypass the budget
}

// Driver is one exchange protocol adapter.
type Driver interface {
	Name() model.Exchange
	Markets() []model.Market

	// WSURL builds the websocket endpoint. Symbols are only consulted by
	// combined-stream URLs (Binance spot); other exchanges ignore them.
	WSURL(mkt model.Market, symbols []string) string

	// StaticSubscriptions reports whether changing subscriptions requires
	// a fresh socket (Binance spot combined streams).
	StaticSubscriptions(mkt model.Market) bool

	// SubscribeFrames returns the frames subscribing the given symbols,
	// already split into the exchange's sub-batch sizes.
	SubscribeFrames(mkt model.Market, symbols []string) [][]byte
	UnsubscribeFrames(mkt model.Market, symbols []string) [][]byte

	// Ping returns the application-level ping frame and its cadence.
	// A nil frame with a positive cadence means transport-level WS ping;
	// a zero cadence means the server needs no client keepalive.
	Ping(mkt model.Market) ([]byte, time.Duration)

	NewDecoder(mkt model.Market) Decoder

	// StreamsPerConnection caps symbols owned by one socket.
	StreamsPerConnection(mkt model.Market) int

	// SubscribeConfirmWithin is the deadline for either an explicit ack
	// or the first data frame after subscribing.
	SubscribeConfirmWithin() time.Duration

	// ScheduledReconnectAfter is the fixed socket lifetime after which a
	// connection is refreshed without counting as a reconnect.
	ScheduledReconnectAfter() time.Duration

	Limits() Limits

	// ListSymbols fetches the tradable symbols with status and quote
	// filters applied. Satisfies symbols.Lister.
	ListSymbols(ctx context.Context, mkt model.Market) ([]string, error)

	// RecentTrades fetches up to limit recent public trades for the
	// chart path. Exchanges without support return ErrNoChartSource.
	RecentTrades(ctx context.Context, mkt model.Market, symbol string, limit int) ([]model.Trade, error)
}
