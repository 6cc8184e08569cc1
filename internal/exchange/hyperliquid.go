package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"spikewatch/internal/model"
)

const (
	hyperliquidWSHost = "wss://api.hyperliquid.xyz/ws"
	hyperliquidRest   = "https://api.hyperliquid.xyz"

	hyperliquidPingInterval = 30 * time.Second
)

// HyperliquidDriver speaks the Hyperliquid stream: one subscribe frame
// per coin, JSON ping, and a global outbound budget of 2000 messages
// per minute that ping frames bypass. Native coin names ("BTC",
// "PURR/USDC", "@<index>") are canonicalized to "{base}USDC".
type HyperliquidDriver struct {
	ws   string
	rest string

	mu sync.RWMutex
	// canonical "{base}USDC" → native coin used on the wire, and back.
	toNative    map[string]string
	toCanonical map[string]string
}

func NewHyperliquid() *HyperliquidDriver {
	return &HyperliquidDriver{
		ws:          hyperliquidWSHost,
		rest:        hyperliquidRest,
		toNative:    make(map[string]string),
		toCanonical: make(map[string]string),
	}
}

func (d *HyperliquidDriver) Name() model.Exchange    { return model.Hyperliquid }
func (d *HyperliquidDriver) Markets() []model.Market { return []model.Market{model.Spot, model.Linear} }

func (d *HyperliquidDriver) WSURL(model.Market, []string) string { return d.ws }

func (d *HyperliquidDriver) StaticSubscriptions(model.Market) bool { return false }

type hlSubscription struct {
	Type string `json:"type"`
	Coin string `json:"coin"`
}

type hlWsMsg struct {
	Method       string          `json:"method"`
	Subscription *hlSubscription `json:"subscription,omitempty"`
}

func (d *HyperliquidDriver) frames(method string, symbols []string) [][]byte {
	out := make([][]byte, 0, len(symbols))
	for _, s := range symbols {
		frame, _ := json.Marshal(hlWsMsg{
			Method:       method,
			Subscription: &hlSubscription{Type: "trades", Coin: d.native(s)},
		})
		out = append(out, frame)
	}
	return out
}

func (d *HyperliquidDriver) SubscribeFrames(_ model.Market, symbols []string) [][]byte {
	return d.frames("subscribe", symbols)
}

func (d *HyperliquidDriver) UnsubscribeFrames(_ model.Market, symbols []string) [][]byte {
	return d.frames("unsubscribe", symbols)
}

func (d *HyperliquidDriver) Ping(model.Market) ([]byte, time.Duration) {
	frame, _ := json.Marshal(hlWsMsg{Method: "ping"})
	return frame, hyperliquidPingInterval
}

func (d *HyperliquidDriver) StreamsPerConnection(model.Market) int { return 50 }

func (d *HyperliquidDriver) SubscribeConfirmWithin() time.Duration { return 15 * time.Second }

func (d *HyperliquidDriver) ScheduledReconnectAfter() time.Duration { return 12 * time.Hour }

func (d *HyperliquidDriver) Limits() Limits {
	return Limits{
		Attempts:      100,
		AttemptWindow: 300 * time.Second,
		Messages:      2000,
		MessageWindow: time.Minute,
	}
}

type hlFrame struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type hlTrade struct {
	Coin string `json:"coin"`
	Side string `json:"side"` // "B" | "A"
	Px   string `json:"px"`
	Sz   string `json:"sz"`
	Time int64  `json:"time"`
}

type hlDecoder struct {
	d   *HyperliquidDriver
	mkt model.Market
}

func (d *HyperliquidDriver) NewDecoder(mkt model.Market) Decoder {
	return &hlDecoder{d: d, mkt: mkt}
}

func (dec *hlDecoder) Decode(frame []byte) (Result, error) {
	var f hlFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		return Result{}, fmt.Errorf("hyperliquid frame: %w", err)
	}
	switch f.Channel {
	case "pong":
		return Result{Pong: true}, nil
	case "subscriptionResponse":
		return Result{Ack: true}, nil
	case "error":
		var msg string
		_ = json.Unmarshal(f.Data, &msg)
		if coin := hlErrorCoin(msg); coin != "" {
			return Result{RemoveSymbols: []string{dec.d.Canonical(coin)}}, nil
		}
		return Result{}, fmt.Errorf("hyperliquid error: %s", msg)
	case "trades":
	default:
		return Result{}, nil
	}

	var raw []hlTrade
	if err := json.Unmarshal(f.Data, &raw); err != nil {
		return Result{}, fmt.Errorf("hyperliquid trades: %w", err)
	}
	trades := make([]model.Trade, 0, len(raw))
	for _, t := range raw {
		p, ok := parsePrice(t.Px)
		q, okq := parsePrice(t.Sz)
		if !ok || !okq || t.Time <= 0 {
			continue
		}
		trades = append(trades, model.Trade{
			Exchange: model.Hyperliquid,
			Market:   dec.mkt,
			Symbol:   dec.d.Canonical(t.Coin),
			Price:    p,
			Qty:      q,
			TsMs:     t.Time,
			IsBuy:    t.Side == "B",
		})
	}
	return Result{Trades: trades}, nil
}

// hlErrorCoin pulls the coin out of messages like
// "Invalid subscription {...\"coin\":\"FOO\"...}".
func hlErrorCoin(msg string) string {
	const marker = `"coin":"`
	i := strings.Index(msg, marker)
	if i < 0 {
		return ""
	}
	rest := msg[i+len(marker):]
	j := strings.IndexByte(rest, '"')
	if j < 0 {
		return ""
	}
	return rest[:j]
}

// Canonical maps a native coin name to "{base}USDC". Unknown names fall
// back to suffixing directly; the mapping is idempotent.
func (d *HyperliquidDriver) Canonical(coin string) string {
	d.mu.RLock()
	c, ok := d.toCanonical[coin]
	d.mu.RUnlock()
	if ok {
		return c
	}
	base := coin
	if i := strings.IndexByte(base, '/'); i > 0 {
		base = base[:i]
	}
	if strings.HasSuffix(base, "USDC") {
		return base
	}
	return base + "USDC"
}

func (d *HyperliquidDriver) native(canonical string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if n, ok := d.toNative[canonical]; ok {
		return n
	}
	return strings.TrimSuffix(canonical, "USDC")
}

type hlMeta struct {
	Universe []struct {
		Name       string `json:"name"`
		IsDelisted bool   `json:"isDelisted"`
	} `json:"universe"`
}

type hlSpotMeta struct {
	Tokens []struct {
		Name  string `json:"name"`
		Index int    `json:"index"`
	} `json:"tokens"`
	Universe []struct {
		Name   string `json:"name"`
		Tokens []int  `json:"tokens"`
	} `json:"universe"`
}

func (d *HyperliquidDriver) ListSymbols(ctx context.Context, mkt model.Market) ([]string, error) {
	if mkt == model.Linear {
		var meta hlMeta
		body := []byte(`{"type":"meta"}`)
		if err := postJSON(ctx, "hyperliquid meta", d.rest+"/info", body, &meta); err != nil {
			return nil, err
		}
		out := make([]string, 0, len(meta.Universe))
		d.mu.Lock()
		for _, u := range meta.Universe {
			if u.IsDelisted {
				continue
			}
			canonical := u.Name + "USDC"
			d.toNative[canonical] = u.Name
			d.toCanonical[u.Name] = canonical
			out = append(out, canonical)
		}
		d.mu.Unlock()
		return out, nil
	}

	var meta hlSpotMeta
	body := []byte(`{"type":"spotMeta"}`)
	if err := postJSON(ctx, "hyperliquid spotMeta", d.rest+"/info", body, &meta); err != nil {
		return nil, err
	}
	tokenName := make(map[int]string, len(meta.Tokens))
	for _, t := range meta.Tokens {
		tokenName[t.Index] = t.Name
	}
	out := make([]string, 0, len(meta.Universe))
	d.mu.Lock()
	for _, u := range meta.Universe {
		// Pairs named "@<index>" resolve their base through the token
		// table; explicit "BASE/USDC" names resolve by prefix.
		base := ""
		if strings.HasPrefix(u.Name, "@") && len(u.Tokens) > 0 {
			base = tokenName[u.Tokens[0]]
		} else if i := strings.IndexByte(u.Name, '/'); i > 0 {
			base = u.Name[:i]
		}
		if base == "" || base == "USDC" {
			continue
		}
		canonical := base + "USDC"
		d.toNative[canonical] = u.Name
		d.toCanonical[u.Name] = canonical
		out = append(out, canonical)
	}
	d.mu.Unlock()
	return out, nil
}

func (d *HyperliquidDriver) RecentTrades(context.Context, model.Market, string, int) ([]model.Trade, error) {
	return nil, ErrNoChartSource
}
