package symbols

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"spikewatch/internal/model"
)

// RefreshInterval is how often each (exchange, market) symbol set is
// refreshed from the exchange REST API.
const RefreshInterval = 5 * time.Minute

// Lister fetches the current tradable symbols for one market.
// Implemented by the exchange drivers.
type Lister interface {
	ListSymbols(ctx context.Context, mkt model.Market) ([]string, error)
}

// Delta is one add/remove reconciliation event for a (exchange, market).
type Delta struct {
	Exchange model.Exchange
	Market   model.Market
	Added    []string
	Removed  []string
}

type setKey struct {
	ex  model.Exchange
	mkt model.Market
}

// Registry periodically refreshes symbol sets and publishes deltas.
// It is the single writer of the sets; the connection pools read
// snapshots through Snapshot and Contains.
type Registry struct {
	mu      sync.RWMutex
	sets    map[setKey][]string // sorted
	listers map[model.Exchange]Lister
	markets map[model.Exchange][]model.Market

	// OnDelta is invoked for every non-empty delta. Set before Start.
	OnDelta func(Delta)
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sets:    make(map[setKey][]string),
		listers: make(map[model.Exchange]Lister),
		markets: make(map[model.Exchange][]model.Market),
	}
}

// Register adds an exchange lister for the given markets.
func (r *Registry) Register(ex model.Exchange, l Lister, markets ...model.Market) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listers[ex] = l
	r.markets[ex] = markets
}

// Snapshot returns a copy of the current symbol set for (ex, mkt).
func (r *Registry) Snapshot(ex model.Exchange, mkt model.Market) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.sets[setKey{ex, mkt}]
	out := make([]string, len(set))
	copy(out, set)
	return out
}

// Contains reports whether symbol is in the current set for (ex, mkt).
func (r *Registry) Contains(ex model.Exchange, mkt model.Market, symbol string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.sets[setKey{ex, mkt}]
	i := sort.SearchStrings(set, symbol)
	return i < len(set) && set[i] == symbol
}

// Filter returns the subset of symbols still present in the set for
// (ex, mkt), preserving order. Used by connections before reconnecting.
func (r *Registry) Filter(ex model.Exchange, mkt model.Market, symbols []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.sets[setKey{ex, mkt}]
	out := symbols[:0:0]
	for _, s := range symbols {
		i := sort.SearchStrings(set, s)
		if i < len(set) && set[i] == s {
			out = append(out, s)
		}
	}
	return out
}

// Refresh fetches the symbol list for one (exchange, market), replaces
// the stored set and returns the delta against the previous set.
func (r *Registry) Refresh(ctx context.Context, ex model.Exchange, mkt model.Market) (Delta, error) {
	r.mu.RLock()
	l := r.listers[ex]
	r.mu.RUnlock()
	if l == nil {
		return Delta{}, errors.New("symbols: no lister registered for " + string(ex))
	}

	fresh, err := l.ListSymbols(ctx, mkt)
	if err != nil {
		return Delta{}, err
	}
	sort.Strings(fresh)

	r.mu.Lock()
	prev := r.sets[setKey{ex, mkt}]
	r.sets[setKey{ex, mkt}] = fresh
	r.mu.Unlock()

	d := Delta{Exchange: ex, Market: mkt}
	d.Added, d.Removed = diffSorted(prev, fresh)
	return d, nil
}

// Start runs the initial refresh for every registered (exchange, market)
// synchronously, then launches the periodic refresh loops. The first
// refresh must succeed at least partially before connections open; a
// per-market failure is logged and retried on the next tick.
func (r *Registry) Start(ctx context.Context) {
	r.mu.RLock()
	targets := make([]setKey, 0)
	for ex, markets := range r.markets {
		for _, mkt := range markets {
			targets = append(targets, setKey{ex, mkt})
		}
	}
	r.mu.RUnlock()

	for _, t := range targets {
		d, err := r.Refresh(ctx, t.ex, t.mkt)
		if err != nil {
			slog.Warn("[symbols] initial refresh failed",
				"exchange", t.ex, "market", t.mkt, "err", err)
			continue
		}
		r.publish(d)
	}

	for _, t := range targets {
		go r.loop(ctx, t.ex, t.mkt)
	}
}

func (r *Registry) loop(ctx context.Context, ex model.Exchange, mkt model.Market) {
	ticker := time.NewTicker(RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d, err := r.Refresh(ctx, ex, mkt)
			if err != nil {
				slog.Warn("[symbols] refresh failed",
					"exchange", ex, "market", mkt, "err", err)
				continue
			}
			r.publish(d)
		}
	}
}

func (r *Registry) publish(d Delta) {
	if len(d.Added) == 0 && len(d.Removed) == 0 {
		return
	}
	slog.Info("[symbols] delta",
		"exchange", d.Exchange, "market", d.Market,
		"added", len(d.Added), "removed", len(d.Removed))
	if r.OnDelta != nil {
		r.OnDelta(d)
	}
}

// diffSorted computes (added, removed) between two sorted string slices.
func diffSorted(prev, next []string) (added, removed []string) {
	i, j := 0, 0
	for i < len(prev) && j < len(next) {
		switch {
		case prev[i] == next[j]:
			i++
			j++
		case prev[i] < next[j]:
			removed = append(removed, prev[i])
			i++
		default:
			added = append(added, next[j])
			j++
		}
	}
	removed = append(removed, prev[i:]...)
	added = append(added, next[j:]...)
	return added, removed
}
