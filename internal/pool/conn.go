package pool

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"spikewatch/internal/exchange"
	"spikewatch/internal/model"
)

// Connection states, exposed through Stats for the health report.
const (
	StateConnecting  = "connecting"
	StateSubscribing = "subscribing"
	StateRunning     = "running"
	StateBackoff     = "backoff"
	StateClosed      = "closed"
)

const (
	writeTimeout   = 10 * time.Second
	minReadTimeout = 90 * time.Second
	maxBackoff     = 60 * time.Second
)

// Sink receives the decoded market data stream. Sends block; the candle
// builder drains fast enough that a stalled sink means something is
// genuinely wrong downstream.
type Sink struct {
	Trades  chan<- model.Trade
	Candles chan<- model.Candle
}

// Conn owns one websocket and a set of symbols. It runs the dial →
// subscribe → read cycle until its context is canceled or no live
// symbols remain, reconnecting with capped exponential backoff on
// failure. Scheduled socket refreshes and subscription changes on
// static-subscription sockets restart the session without counting as
// failures.
type Conn struct {
	id       int
	driver   exchange.Driver
	market   model.Market
	static   bool
	filter   func([]string) []string
	sink     Sink
	attempts *attemptLimiter
	budget   *rate.Limiter
	// onRemoved reports symbols the exchange rejected as dead.
	onRemoved func([]string)
	// onReconnect counts unplanned session failures. Scheduled refreshes
	// end the session with a nil error and bypass it.
	onReconnect func()
	logger      *log.Logger

	mu      sync.Mutex
	symbols map[string]struct{}
	ws      *websocket.Conn
	state   string
	acked   bool
	restart bool
}

func newConn(id int, d exchange.Driver, mkt model.Market, syms []string, sink Sink,
	filter func([]string) []string, attempts *attemptLimiter, budget *rate.Limiter,
	onRemoved func([]string), logger *log.Logger) *Conn {

	set := make(map[string]struct{}, len(syms))
	for _, s := range syms {
		set[s] = struct{}{}
	}
	return &Conn{
		id:        id,
		driver:    d,
		market:    mkt,
		static:    d.StaticSubscriptions(mkt),
		filter:    filter,
		sink:      sink,
		attempts:  attempts,
		budget:    budget,
		onRemoved: onRemoved,
		logger:    logger,
		symbols:   set,
		state:     StateConnecting,
	}
}

func (c *Conn) logf(format string, args ...any) {
	c.logger.Printf("[%s/%s#%d] %s", c.driver.Name(), c.market, c.id, fmt.Sprintf(format, args...))
}

func (c *Conn) setState(s string) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Conn) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.symbols)
}

func (c *Conn) symbolList() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.symbols))
	for s := range c.symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Run drives the connection lifecycle until ctx is canceled or the
// symbol set drains to empty.
func (c *Conn) Run(ctx context.Context) {
	defer c.setState(StateClosed)
	failures := 0
	for ctx.Err() == nil {
		// Re-filter against the registry so delisted symbols are not
		// resubscribed after a gap.
		syms := c.filter(c.symbolList())
		c.replaceSymbols(syms)
		if len(syms) == 0 {
			c.logf("no live symbols remain, closing")
			return
		}

		c.setState(StateConnecting)
		if err := c.attempts.Wait(ctx); err != nil {
			return
		}
		err := c.session(ctx, syms)
		if err == nil {
			failures = 0
			continue
		}
		if ctx.Err() != nil {
			return
		}
		failures++
		if c.onReconnect != nil {
			c.onReconnect()
		}
		d := backoffDelay(failures)
		c.logf("session ended: %v (reconnect in %s)", err, d)
		c.setState(StateBackoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(d):
		}
	}
}

func backoffDelay(failures int) time.Duration {
	d := time.Second << (failures - 1)
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}

// session runs one socket from dial to close. A nil return means the
// session ended intentionally (scheduled refresh, static-subscription
// change) and must not back off.
func (c *Conn) session(ctx context.Context, syms []string) error {
	url := c.driver.WSURL(c.market, syms)
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer ws.Close()

	c.mu.Lock()
	c.ws = ws
	c.acked = false
	c.restart = false
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
	}()

	pingFrame, pingEvery := c.driver.Ping(c.market)
	readTimeout := minReadTimeout
	if pingEvery > 0 && 3*pingEvery > readTimeout {
		readTimeout = 3 * pingEvery
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readTimeout))
	})

	if c.static {
		// The combined-streams URL carries the subscription set.
		c.setAck()
	} else {
		c.setState(StateSubscribing)
		for _, frame := range c.driver.SubscribeFrames(c.market, syms) {
			if err := c.write(ctx, frame, false); err != nil {
				return fmt.Errorf("subscribe: %w", err)
			}
		}
	}

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.supervise(sessCtx, ws, pingFrame, pingEvery)

	c.setState(StateRunning)
	dec := c.driver.NewDecoder(c.market)
	for {
		if err := ws.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return fmt.Errorf("read deadline: %w", err)
		}
		_, frame, err := ws.ReadMessage()
		if err != nil {
			if c.takeRestart() {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}
		res, err := dec.Decode(frame)
		if err != nil {
			c.logf("decode: %v", err)
			continue
		}
		if err := c.deliver(ctx, res); err != nil {
			return err
		}
	}
}

// deliver routes one decoded result into the pipeline.
func (c *Conn) deliver(ctx context.Context, res exchange.Result) error {
	if res.Ack || len(res.Trades) > 0 || len(res.Candles) > 0 {
		// First data frame counts as subscription confirmation.
		c.setAck()
	}
	if len(res.ReplyPing) > 0 {
		if err := c.write(ctx, res.ReplyPing, true); err != nil {
			return fmt.Errorf("reply ping: %w", err)
		}
	}
	if len(res.RemoveSymbols) > 0 {
		c.dropDead(res.RemoveSymbols)
	}
	for _, t := range res.Trades {
		select {
		case c.sink.Trades <- t:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, cd := range res.Candles {
		select {
		case c.sink.Candles <- cd:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// supervise owns the session timers: keepalive pings, the subscription
// confirmation deadline, and the scheduled socket refresh. Closing ws
// unblocks the read loop.
func (c *Conn) supervise(ctx context.Context, ws *websocket.Conn, pingFrame []byte, pingEvery time.Duration) {
	var pingC <-chan time.Time
	if pingEvery > 0 {
		t := time.NewTicker(pingEvery)
		defer t.Stop()
		pingC = t.C
	}

	var confirmC <-chan time.Time
	if !c.static {
		if d := c.driver.SubscribeConfirmWithin(); d > 0 {
			t := time.NewTimer(d)
			defer t.Stop()
			confirmC = t.C
		}
	}

	var refreshC <-chan time.Time
	if d := c.driver.ScheduledReconnectAfter(); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		refreshC = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-pingC:
			var err error
			if pingFrame == nil {
				err = ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			} else {
				err = c.write(ctx, pingFrame, true)
			}
			if err != nil {
				c.logf("keepalive: %v", err)
				ws.Close()
				return
			}
		case <-confirmC:
			confirmC = nil
			if !c.hasAck() {
				c.logf("no subscription confirmation within %s", c.driver.SubscribeConfirmWithin())
				ws.Close()
				return
			}
		case <-refreshC:
			c.logf("scheduled socket refresh")
			c.markRestart()
			ws.Close()
			return
		}
	}
}

// write sends one frame under the write lock. Keepalive frames bypass
// the outbound message budget.
func (c *Conn) write(ctx context.Context, frame []byte, keepalive bool) error {
	if c.budget != nil && !keepalive {
		if err := c.budget.Wait(ctx); err != nil {
			return err
		}
	}
	c.mu.Lock()
	ws := c.ws
	if ws == nil {
		c.mu.Unlock()
		return fmt.Errorf("not connected")
	}
	ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := ws.WriteMessage(websocket.TextMessage, frame)
	c.mu.Unlock()
	return err
}

func (c *Conn) setAck() {
	c.mu.Lock()
	c.acked = true
	c.mu.Unlock()
}

func (c *Conn) hasAck() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acked
}

func (c *Conn) markRestart() {
	c.mu.Lock()
	c.restart = true
	c.mu.Unlock()
}

func (c *Conn) takeRestart() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.restart
	c.restart = false
	return r
}

func (c *Conn) replaceSymbols(syms []string) {
	set := make(map[string]struct{}, len(syms))
	for _, s := range syms {
		set[s] = struct{}{}
	}
	c.mu.Lock()
	c.symbols = set
	c.mu.Unlock()
}

// Add assigns more symbols to this connection. On a live dynamic socket
// it subscribes in place; a static socket is refreshed so the new URL
// carries the full set.
func (c *Conn) Add(ctx context.Context, syms []string) {
	if len(syms) == 0 {
		return
	}
	c.mu.Lock()
	fresh := syms[:0:0]
	for _, s := range syms {
		if _, ok := c.symbols[s]; !ok {
			c.symbols[s] = struct{}{}
			fresh = append(fresh, s)
		}
	}
	live := c.ws != nil
	c.mu.Unlock()
	if len(fresh) == 0 || !live {
		return
	}
	if c.static {
		c.refresh()
		return
	}
	for _, frame := range c.driver.SubscribeFrames(c.market, fresh) {
		if err := c.write(ctx, frame, false); err != nil {
			c.logf("subscribe %d symbols: %v", len(fresh), err)
			return
		}
	}
}

// Remove takes symbols away from this connection, returning the ones it
// actually owned.
func (c *Conn) Remove(ctx context.Context, syms []string) []string {
	c.mu.Lock()
	owned := syms[:0:0]
	for _, s := range syms {
		if _, ok := c.symbols[s]; ok {
			delete(c.symbols, s)
			owned = append(owned, s)
		}
	}
	live := c.ws != nil
	c.mu.Unlock()
	if len(owned) == 0 || !live {
		return owned
	}
	if c.static {
		c.refresh()
		return owned
	}
	for _, frame := range c.driver.UnsubscribeFrames(c.market, owned) {
		if err := c.write(ctx, frame, false); err != nil {
			c.logf("unsubscribe %d symbols: %v", len(owned), err)
			break
		}
	}
	return owned
}

// dropDead removes exchange-rejected symbols without unsubscribing; the
// server already refused them.
func (c *Conn) dropDead(syms []string) {
	c.mu.Lock()
	owned := syms[:0:0]
	for _, s := range syms {
		if _, ok := c.symbols[s]; ok {
			delete(c.symbols, s)
			owned = append(owned, s)
		}
	}
	c.mu.Unlock()
	if len(owned) == 0 {
		return
	}
	c.logf("exchange rejected %v", owned)
	if c.onRemoved != nil {
		c.onRemoved(owned)
	}
}

// refresh ends the current session without a backoff so the next dial
// picks up the changed symbol set.
func (c *Conn) refresh() {
	c.mu.Lock()
	c.restart = true
	ws := c.ws
	c.mu.Unlock()
	if ws != nil {
		ws.Close()
	}
}
