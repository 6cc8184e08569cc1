// Package pool maintains the websocket connections of one exchange and
// market: it splits the symbol universe into per-socket sets under the
// exchange's streams-per-connection cap, runs each socket's reconnect
// state machine, and reconciles the sets against symbol listing deltas.
package pool

import (
	"context"
	"log"
	"os"
	"sort"
	"sync"

	"spikewatch/internal/exchange"
	"spikewatch/internal/model"
	"spikewatch/internal/symbols"
)

// Stats is a point-in-time snapshot of one pool for the health report.
type Stats struct {
	Exchange model.Exchange
	Market   model.Market
	Conns    int
	Symbols  int
	States   map[string]int
}

// Pool owns every connection of one (exchange, market) pair.
type Pool struct {
	driver   exchange.Driver
	market   model.Market
	reg      *symbols.Registry
	sink     Sink
	attempts *attemptLimiter
	logger   *log.Logger

	// OnRemoved, when set, observes symbols the exchange rejected.
	OnRemoved func(model.Exchange, model.Market, []string)
	// OnReconnect, when set, observes unplanned reconnects.
	OnReconnect func(model.Exchange, model.Market)

	mu     sync.Mutex
	conns  []*Conn
	nextID int
	ctx    context.Context
	wg     sync.WaitGroup
}

func New(d exchange.Driver, mkt model.Market, reg *symbols.Registry, sink Sink) *Pool {
	lim := d.Limits()
	return &Pool{
		driver:   d,
		market:   mkt,
		reg:      reg,
		sink:     sink,
		attempts: newAttemptLimiter(lim.Attempts, lim.AttemptWindow),
		logger:   log.New(os.Stdout, "[pool] ", log.LstdFlags),
	}
}

// Start assigns the registry's current snapshot across connections and
// launches them. Later listing changes arrive through ApplyDelta.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	p.ctx = ctx
	p.mu.Unlock()

	syms := p.reg.Snapshot(p.driver.Name(), p.market)
	streamCap := p.driver.StreamsPerConnection(p.market)
	for start := 0; start < len(syms); start += streamCap {
		end := start + streamCap
		if end > len(syms) {
			end = len(syms)
		}
		p.spawn(ctx, syms[start:end])
	}
	p.logger.Printf("[%s/%s] started: %d symbols across %d connections",
		p.driver.Name(), p.market, len(syms), p.connCount())
}

func (p *Pool) spawn(ctx context.Context, syms []string) {
	filter := func(in []string) []string {
		return p.reg.Filter(p.driver.Name(), p.market, in)
	}
	onRemoved := func(dead []string) {
		if p.OnRemoved != nil {
			p.OnRemoved(p.driver.Name(), p.market, dead)
		}
	}
	budget := messageBudget(p.driver.Limits())

	p.mu.Lock()
	p.nextID++
	c := newConn(p.nextID, p.driver, p.market, syms, p.sink, filter, p.attempts, budget, onRemoved, p.logger)
	if p.OnReconnect != nil {
		c.onReconnect = func() { p.OnReconnect(p.driver.Name(), p.market) }
	}
	p.conns = append(p.conns, c)
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		c.Run(ctx)
		p.reap(c)
	}()
}

func (p *Pool) reap(c *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, have := range p.conns {
		if have == c {
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			return
		}
	}
}

func (p *Pool) connCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// ApplyDelta reconciles listing changes: removed symbols are
// unsubscribed wherever they live, added symbols fill the least-loaded
// connections first and overflow into new sockets.
func (p *Pool) ApplyDelta(added, removed []string) {
	p.mu.Lock()
	ctx := p.ctx
	conns := make([]*Conn, len(p.conns))
	copy(conns, p.conns)
	p.mu.Unlock()
	if ctx == nil {
		return
	}

	for _, c := range conns {
		if len(removed) == 0 {
			break
		}
		c.Remove(ctx, removed)
	}

	if len(added) == 0 {
		return
	}
	streamCap := p.driver.StreamsPerConnection(p.market)
	rest := append([]string(nil), added...)
	// Least-loaded first keeps socket counts flat as listings churn.
	sort.Slice(conns, func(i, j int) bool { return conns[i].Len() < conns[j].Len() })
	for _, c := range conns {
		if len(rest) == 0 {
			return
		}
		room := streamCap - c.Len()
		if room <= 0 {
			continue
		}
		if room > len(rest) {
			room = len(rest)
		}
		c.Add(ctx, rest[:room])
		rest = rest[room:]
	}
	for start := 0; start < len(rest); start += streamCap {
		end := start + streamCap
		if end > len(rest) {
			end = len(rest)
		}
		p.spawn(ctx, rest[start:end])
	}
}

// Wait blocks until every connection goroutine has exited.
func (p *Pool) Wait() { p.wg.Wait() }

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Stats{
		Exchange: p.driver.Name(),
		Market:   p.market,
		Conns:    len(p.conns),
		States:   make(map[string]int),
	}
	for _, c := range p.conns {
		st.Symbols += c.Len()
		st.States[c.State()]++
	}
	return st
}

// Manager routes registry deltas to the right pool and aggregates
// stats across all of them.
type Manager struct {
	mu    sync.Mutex
	pools map[model.Key]*Pool // Symbol field unused in the key
}

func NewManager() *Manager {
	return &Manager{pools: make(map[model.Key]*Pool)}
}

func (m *Manager) Register(p *Pool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pools[model.Key{Exchange: p.driver.Name(), Market: p.market}] = p
}

// HandleDelta is wired as the registry's delta callback.
func (m *Manager) HandleDelta(d symbols.Delta) {
	m.mu.Lock()
	p := m.pools[model.Key{Exchange: d.Exchange, Market: d.Market}]
	m.mu.Unlock()
	if p != nil {
		p.ApplyDelta(d.Added, d.Removed)
	}
}

func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.Unlock()
	for _, p := range pools {
		p.Start(ctx)
	}
}

func (m *Manager) Wait() {
	m.mu.Lock()
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.Unlock()
	for _, p := range pools {
		p.Wait()
	}
}

func (m *Manager) Stats() []Stats {
	m.mu.Lock()
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.Unlock()
	out := make([]Stats, 0, len(pools))
	for _, p := range pools {
		out = append(out, p.Stats())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Exchange != out[j].Exchange {
			return out[i].Exchange < out[j].Exchange
		}
		return out[i].Market < out[j].Market
	})
	return out
}
