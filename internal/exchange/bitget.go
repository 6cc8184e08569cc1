package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"spikewatch/internal/model"
)

const (
	bitgetWSHost   = "wss://ws.bitget.com/v2/ws/public"
	bitgetRestHost = "https://api.bitget.com"

	// Bitget keepalive is the literal text "ping" every 30 seconds.
	bitgetPingInterval = 30 * time.Second
)

// BitgetDriver speaks the Bitget v2 public stream. Subscribe args carry
// the per-product instType; the first trade frame of every symbol is a
// historical snapshot and must be discarded; timestamps arrive as
// string milliseconds.
type BitgetDriver struct {
	ws   string
	rest string
}

func NewBitget() *BitgetDriver {
	return &BitgetDriver{ws: bitgetWSHost, rest: bitgetRestHost}
}

func (d *BitgetDriver) Name() model.Exchange    { return model.Bitget }
func (d *BitgetDriver) Markets() []model.Market { return []model.Market{model.Spot, model.Linear} }

func (d *BitgetDriver) WSURL(model.Market, []string) string { return d.ws }

func (d *BitgetDriver) StaticSubscriptions(model.Market) bool { return false }

func bitgetInstType(mkt model.Market) string {
	if mkt == model.Linear {
		return "USDT-FUTURES"
	}
	return "SPOT"
}

type bitgetWsArg struct {
	InstType string `json:"instType"`
	Channel  string `json:"channel"`
	InstID   string `json:"instId"`
}

type bitgetOpMsg struct {
	Op   string        `json:"op"`
	Args []bitgetWsArg `json:"args"`
}

func (d *BitgetDriver) frames(op string, mkt model.Market, symbols []string) [][]byte {
	args := make([]bitgetWsArg, len(symbols))
	for i, s := range symbols {
		args[i] = bitgetWsArg{InstType: bitgetInstType(mkt), Channel: "trade", InstID: s}
	}
	frame, _ := json.Marshal(bitgetOpMsg{Op: op, Args: args})
	return [][]byte{frame}
}

func (d *BitgetDriver) SubscribeFrames(mkt model.Market, symbols []string) [][]byte {
	return d.frames("subscribe", mkt, symbols)
}

func (d *BitgetDriver) UnsubscribeFrames(mkt model.Market, symbols []string) [][]byte {
	return d.frames("unsubscribe", mkt, symbols)
}

func (d *BitgetDriver) Ping(model.Market) ([]byte, time.Duration) {
	return []byte("ping"), bitgetPingInterval
}

func (d *BitgetDriver) StreamsPerConnection(mkt model.Market) int {
	if mkt == model.Linear {
		return 49
	}
	return 39
}

func (d *BitgetDriver) SubscribeConfirmWithin() time.Duration { return 10 * time.Second }

func (d *BitgetDriver) ScheduledReconnectAfter() time.Duration { return 12 * time.Hour }

func (d *BitgetDriver) Limits() Limits {
	return Limits{Attempts: 100, AttemptWindow: 300 * time.Second}
}

type bitgetFrame struct {
	Event  string      `json:"event"` // "subscribe" | "error"
	Code   json.Number `json:"code"`
	Msg    string      `json:"msg"`
	Action string      `json:"action"` // "snapshot" | "update"
	Arg    bitgetWsArg `json:"arg"`
	Data   []struct {
		TsMs  json.RawMessage `json:"ts"` // string milliseconds
		Price string          `json:"price"`
		Size  string          `json:"size"`
		Side  string          `json:"side"`
	} `json:"data"`
}

type bitgetDecoder struct {
	mkt model.Market
	// seen tracks symbols whose snapshot frame has been consumed; the
	// snapshot carries historical trades and is discarded.
	seen map[string]bool
}

func (d *BitgetDriver) NewDecoder(mkt model.Market) Decoder {
	return &bitgetDecoder{mkt: mkt, seen: make(map[string]bool)}
}

func (dec *bitgetDecoder) Decode(frame []byte) (Result, error) {
	if string(frame) == "pong" {
		return Result{Pong: true}, nil
	}
	var f bitgetFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		return Result{}, fmt.Errorf("bitget frame: %w", err)
	}
	switch f.Event {
	case "subscribe":
		return Result{Ack: true}, nil
	case "error":
		// 30001: channel does not exist — the instId is dead.
		if f.Arg.InstID != "" {
			return Result{RemoveSymbols: []string{f.Arg.InstID}}, nil
		}
		return Result{}, fmt.Errorf("bitget error %s: %s", f.Code, f.Msg)
	}
	if f.Arg.Channel != "trade" || len(f.Data) == 0 {
		return Result{}, nil
	}
	if f.Action == "snapshot" || !dec.seen[f.Arg.InstID] {
		dec.seen[f.Arg.InstID] = true
		return Result{}, nil // first frame is history
	}
	trades := make([]model.Trade, 0, len(f.Data))
	for _, t := range f.Data {
		p, ok := parsePrice(t.Price)
		q, okq := parsePrice(t.Size)
		ts, okt := parseMs(t.TsMs)
		if !ok || !okq || !okt {
			continue
		}
		trades = append(trades, model.Trade{
			Exchange: model.Bitget,
			Market:   dec.mkt,
			Symbol:   f.Arg.InstID,
			Price:    p,
			Qty:      q,
			TsMs:     ts,
			IsBuy:    t.Side == "buy",
		})
	}
	return Result{Trades: trades}, nil
}

type bitgetSymbolsResp struct {
	Code string `json:"code"`
	Data []struct {
		Symbol     string `json:"symbol"`
		Status     string `json:"status"`
		QuoteCoin  string `json:"quoteCoin"`
		SymbolType string `json:"symbolType"` // futures: "perpetual"
	} `json:"data"`
}

var bitgetQuotes = map[string]bool{"USDT": true, "USDC": true}

func (d *BitgetDriver) ListSymbols(ctx context.Context, mkt model.Market) ([]string, error) {
	url := d.rest + "/api/v2/spot/public/symbols"
	if mkt == model.Linear {
		url = d.rest + "/api/v2/mix/market/contracts?productType=usdt-futures"
	}
	var resp bitgetSymbolsResp
	if err := getJSON(ctx, "bitget list symbols", url, &resp); err != nil {
		return nil, err
	}
	if resp.Code != "00000" {
		return nil, &model.PermanentFetchError{Op: "bitget list symbols",
			Err: fmt.Errorf("code %s", resp.Code)}
	}
	out := make([]string, 0, len(resp.Data))
	for _, s := range resp.Data {
		switch s.Status {
		case "online", "normal": // spot uses "online", futures "normal"
		default:
			continue
		}
		if !bitgetQuotes[s.QuoteCoin] {
			continue
		}
		out = append(out, s.Symbol)
	}
	return out, nil
}

func (d *BitgetDriver) RecentTrades(context.Context, model.Market, string, int) ([]model.Trade, error) {
	return nil, ErrNoChartSource
}
