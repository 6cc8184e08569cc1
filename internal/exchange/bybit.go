package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"spikewatch/internal/model"
)

const (
	bybitWSHost   = "wss://stream.bybit.com/v5/public"
	bybitRestHost = "https://api.bybit.com"

	// Bybit expects a JSON ping every 20 seconds and allows at most 10
	// topics per subscribe frame.
	bybitPingInterval = 20 * time.Second
	bybitSubBatch     = 10
)

// BybitDriver speaks the Bybit v5 public stream: publicTrade topics,
// JSON op ping/pong, per-frame topic batching.
type BybitDriver struct {
	ws   string
	rest string
}

func NewBybit() *BybitDriver {
	return &BybitDriver{ws: bybitWSHost, rest: bybitRestHost}
}

func (d *BybitDriver) Name() model.Exchange    { return model.Bybit }
func (d *BybitDriver) Markets() []model.Market { return []model.Market{model.Spot, model.Linear} }

func (d *BybitDriver) WSURL(mkt model.Market, _ []string) string {
	if mkt == model.Linear {
		return d.ws + "/linear"
	}
	return d.ws + "/spot"
}

func (d *BybitDriver) StaticSubscriptions(model.Market) bool { return false }

type bybitOpMsg struct {
	Op   string   `json:"op"`
	Args []string `json:"args,omitempty"`
}

func bybitFrames(op string, symbols []string) [][]byte {
	var out [][]byte
	for _, group := range chunk(symbols, bybitSubBatch) {
		args := make([]string, len(group))
		for i, s := range group {
			args[i] = "publicTrade." + s
		}
		frame, _ := json.Marshal(bybitOpMsg{Op: op, Args: args})
		out = append(out, frame)
	}
	return out
}

func (d *BybitDriver) SubscribeFrames(_ model.Market, symbols []string) [][]byte {
	return bybitFrames("subscribe", symbols)
}

func (d *BybitDriver) UnsubscribeFrames(_ model.Market, symbols []string) [][]byte {
	return bybitFrames("unsubscribe", symbols)
}

func (d *BybitDriver) Ping(model.Market) ([]byte, time.Duration) {
	frame, _ := json.Marshal(bybitOpMsg{Op: "ping"})
	return frame, bybitPingInterval
}

func (d *BybitDriver) StreamsPerConnection(mkt model.Market) int {
	if mkt == model.Linear {
		return 100
	}
	return 86
}

func (d *BybitDriver) SubscribeConfirmWithin() time.Duration { return 10 * time.Second }

func (d *BybitDriver) ScheduledReconnectAfter() time.Duration { return 12 * time.Hour }

func (d *BybitDriver) Limits() Limits {
	return Limits{Attempts: 120, AttemptWindow: 300 * time.Second}
}

type bybitFrame struct {
	Op      string `json:"op"`
	Success *bool  `json:"success"`
	RetMsg  string `json:"ret_msg"`
	Topic   string `json:"topic"`
	Data    []struct {
		TsMs   int64  `json:"T"`
		Symbol string `json:"s"`
		Side   string `json:"S"`
		Qty    string `json:"v"`
		Price  string `json:"p"`
	} `json:"data"`
}

type bybitDecoder struct {
	mkt model.Market
}

func (d *BybitDriver) NewDecoder(mkt model.Market) Decoder { return &bybitDecoder{mkt: mkt} }

func (dec *bybitDecoder) Decode(frame []byte) (Result, error) {
	var f bybitFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		return Result{}, fmt.Errorf("bybit frame: %w", err)
	}
	switch {
	case f.Op == "pong" || f.RetMsg == "pong":
		return Result{Pong: true}, nil
	case f.Op == "subscribe":
		if f.Success != nil && !*f.Success {
			// "Invalid symbol" responses name the topic in ret_msg.
			return Result{RemoveSymbols: bybitTopicSymbols(f.RetMsg)}, nil
		}
		return Result{Ack: true}, nil
	case f.Op == "unsubscribe":
		return Result{}, nil
	}
	if !strings.HasPrefix(f.Topic, "publicTrade.") {
		return Result{}, nil
	}
	trades := make([]model.Trade, 0, len(f.Data))
	for _, t := range f.Data {
		p, ok := parsePrice(t.Price)
		q, okq := parsePrice(t.Qty)
		if !ok || !okq || t.TsMs <= 0 {
			continue
		}
		trades = append(trades, model.Trade{
			Exchange: model.Bybit,
			Market:   dec.mkt,
			Symbol:   t.Symbol,
			Price:    p,
			Qty:      q,
			TsMs:     t.TsMs,
			IsBuy:    t.Side == "Buy",
		})
	}
	return Result{Trades: trades}, nil
}

// bybitTopicSymbols extracts symbols from topic names embedded in an
// error ret_msg, e.g. "Invalid symbol :[publicTrade.FOOUSDT]".
func bybitTopicSymbols(msg string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(msg, func(r rune) bool {
		return r == '[' || r == ']' || r == ',' || r == ' '
	}) {
		if s, ok := strings.CutPrefix(part, "publicTrade."); ok {
			out = append(out, s)
		}
	}
	return out
}

type bybitInstrumentsResp struct {
	Result struct {
		List []struct {
			Symbol    string `json:"symbol"`
			Status    string `json:"status"`
			QuoteCoin string `json:"quoteCoin"`
		} `json:"list"`
	} `json:"result"`
}

var bybitQuotes = map[string]bool{"USDT": true, "USDC": true}

func (d *BybitDriver) ListSymbols(ctx context.Context, mkt model.Market) ([]string, error) {
	category := "spot"
	if mkt == model.Linear {
		category = "linear"
	}
	url := d.rest + "/v5/market/instruments-info?category=" + category + "&limit=1000"
	var resp bybitInstrumentsResp
	if err := getJSON(ctx, "bybit list symbols", url, &resp); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(resp.Result.List))
	for _, s := range resp.Result.List {
		if s.Status != "Trading" || !bybitQuotes[s.QuoteCoin] {
			continue
		}
		out = append(out, s.Symbol)
	}
	return out, nil
}

func (d *BybitDriver) RecentTrades(context.Context, model.Market, string, int) ([]model.Trade, error) {
	return nil, ErrNoChartSource
}
