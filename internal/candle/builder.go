// Package candle turns the canonical trade stream into finalized
// 1-second OHLCV candles. Binance spot klines skip aggregation and pass
// through Run's candle input unchanged.
package candle

import (
	"context"
	"sync"
	"time"

	"spikewatch/internal/model"
)

// active is the in-progress candle of one instrument's current bucket.
type active struct {
	bucket int64     // unix second
	lastTs int64     // newest trade timestamp folded in
	opened time.Time // wall clock of the first trade
	candle model.Candle
}

// Builder aggregates trades into 1-second candles in a single
// goroutine. A candle is finalized when a trade for a later bucket
// arrives or when it has been open for a full second without one: the
// forced-close sweep emits it so instruments that go quiet still
// produce their candle. Trades older than the active bucket are merged
// into it rather than dropped: they widen high/low and add volume, and
// only move the close if they are not older than what is already there.
type Builder struct {
	closeAfter    time.Duration
	flushInterval time.Duration

	mu     sync.Mutex
	states map[model.Key]*active

	// OnLateTrade observes merged out-of-order trades (metrics hook).
	OnLateTrade func()
}

func New() *Builder {
	return &Builder{
		closeAfter:    time.Second,
		flushInterval: 250 * time.Millisecond,
		states:        make(map[model.Key]*active),
	}
}

// Run consumes trades and pass-through candles until ctx is canceled or
// both inputs are closed, emitting finalized candles on out. Remaining
// open candles are flushed on exit.
func (b *Builder) Run(ctx context.Context, trades <-chan model.Trade, candles <-chan model.Candle, out chan<- model.Candle) {
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.flushAll(out)
			return

		case t, ok := <-trades:
			if !ok {
				trades = nil
				if candles == nil {
					b.flushAll(out)
					return
				}
				continue
			}
			if !t.Valid() {
				continue
			}
			b.AddTrade(t, out)

		case c, ok := <-candles:
			if !ok {
				candles = nil
				if trades == nil {
					b.flushAll(out)
					return
				}
				continue
			}
			out <- c

		case <-ticker.C:
			b.flushClosed(time.Now(), out)
		}
	}
}

// AddTrade folds one trade into its instrument's state, emitting the
// previous candle when the trade opens a new bucket.
func (b *Builder) AddTrade(t model.Trade, out chan<- model.Candle) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bucket := t.TsMs / 1000
	key := t.Key()
	st := b.states[key]

	if st != nil && bucket < st.bucket {
		// Out-of-order trade from an already-open or closed second:
		// merge into the active candle instead of losing the volume.
		if b.OnLateTrade != nil {
			b.OnLateTrade()
		}
		b.merge(st, t)
		return
	}

	if st != nil && bucket > st.bucket {
		out <- st.candle
		st = nil
	}

	if st == nil {
		b.states[key] = &active{
			bucket: bucket,
			lastTs: t.TsMs,
			opened: time.Now(),
			candle: model.Candle{
				Exchange: t.Exchange,
				Market:   t.Market,
				Symbol:   t.Symbol,
				TsMs:     bucket * 1000,
				Open:     t.Price,
				High:     t.Price,
				Low:      t.Price,
				Close:    t.Price,
				Volume:   t.Qty,
				Trades:   1,
			},
		}
		return
	}

	b.merge(st, t)
}

func (b *Builder) merge(st *active, t model.Trade) {
	c := &st.candle
	if t.Price > c.High {
		c.High = t.Price
	}
	if t.Price < c.Low {
		c.Low = t.Price
	}
	if t.TsMs >= st.lastTs {
		c.Close = t.Price
		st.lastTs = t.TsMs
	}
	c.Volume += t.Qty
	c.Trades++
}

// flushClosed force-closes candles open for longer than closeAfter.
// A candle opens no earlier than its second starts, so closing on age
// never cuts a second short.
func (b *Builder) flushClosed(now time.Time, out chan<- model.Candle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := now.Add(-b.closeAfter)
	for key, st := range b.states {
		if !st.opened.After(cutoff) {
			out <- st.candle
			delete(b.states, key)
		}
	}
}

func (b *Builder) flushAll(out chan<- model.Candle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, st := range b.states {
		out <- st.candle
		delete(b.states, key)
	}
}

// Open reports the number of in-progress candles (health report).
func (b *Builder) Open() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.states)
}
