package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"spikewatch/internal/model"
)

const (
	gateSpotWSHost   = "wss://api.gateio.ws/ws/v4/"
	gateLinearWSHost = "wss://fx-ws.gateio.ws/v4/ws/usdt"
	gateRestHost     = "https://api.gateio.ws"

	gatePingInterval = 30 * time.Second
)

// GateDriver speaks the Gate.io v4 stream. Spot trade amounts are in
// base currency; linear trade sizes are in USDT and are divided by
// price to recover the base quantity.
type GateDriver struct {
	spotWS, linearWS string
	rest             string
}

func NewGate() *GateDriver {
	return &GateDriver{spotWS: gateSpotWSHost, linearWS: gateLinearWSHost, rest: gateRestHost}
}

func (d *GateDriver) Name() model.Exchange    { return model.Gate }
func (d *GateDriver) Markets() []model.Market { return []model.Market{model.Spot, model.Linear} }

func (d *GateDriver) WSURL(mkt model.Market, _ []string) string {
	if mkt == model.Linear {
		return d.linearWS
	}
	return d.spotWS
}

func (d *GateDriver) StaticSubscriptions(model.Market) bool { return false }

func gateChannel(mkt model.Market, name string) string {
	if mkt == model.Linear {
		return "futures." + name
	}
	return "spot." + name
}

type gateReq struct {
	Time    int64    `json:"time"`
	Channel string   `json:"channel"`
	Event   string   `json:"event,omitempty"`
	Payload []string `json:"payload,omitempty"`
}

func (d *GateDriver) frames(event string, mkt model.Market, symbols []string) [][]byte {
	frame, _ := json.Marshal(gateReq{
		Time:    time.Now().Unix(),
		Channel: gateChannel(mkt, "trades"),
		Event:   event,
		Payload: symbols,
	})
	return [][]byte{frame}
}

func (d *GateDriver) SubscribeFrames(mkt model.Market, symbols []string) [][]byte {
	return d.frames("subscribe", mkt, symbols)
}

func (d *GateDriver) UnsubscribeFrames(mkt model.Market, symbols []string) [][]byte {
	return d.frames("unsubscribe", mkt, symbols)
}

func (d *GateDriver) Ping(mkt model.Market) ([]byte, time.Duration) {
	frame, _ := json.Marshal(gateReq{Time: time.Now().Unix(), Channel: gateChannel(mkt, "ping")})
	return frame, gatePingInterval
}

func (d *GateDriver) StreamsPerConnection(mkt model.Market) int {
	if mkt == model.Linear {
		return 100
	}
	return 135
}

func (d *GateDriver) SubscribeConfirmWithin() time.Duration { return 10 * time.Second }

func (d *GateDriver) ScheduledReconnectAfter() time.Duration { return 12 * time.Hour }

func (d *GateDriver) Limits() Limits {
	return Limits{Attempts: 100, AttemptWindow: 300 * time.Second}
}

type gateSpotTrade struct {
	CreateTimeMs json.RawMessage `json:"create_time_ms"`
	CurrencyPair string          `json:"currency_pair"`
	Side         string          `json:"side"`
	Amount       string          `json:"amount"`
	Price        string          `json:"price"`
}

type gateFuturesTrade struct {
	CreateTimeMs json.RawMessage `json:"create_time_ms"`
	Contract     string          `json:"contract"`
	Size         float64         `json:"size"` // signed, in USDT
	Price        string          `json:"price"`
}

type gateFrame struct {
	Channel string `json:"channel"`
	Event   string `json:"event"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Result json.RawMessage `json:"result"`
}

type gateDecoder struct {
	mkt model.Market
}

func (d *GateDriver) NewDecoder(mkt model.Market) Decoder { return &gateDecoder{mkt: mkt} }

func (dec *gateDecoder) Decode(frame []byte) (Result, error) {
	var f gateFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		return Result{}, fmt.Errorf("gate frame: %w", err)
	}
	switch {
	case f.Channel == "spot.pong" || f.Channel == "futures.pong":
		return Result{Pong: true}, nil
	case f.Event == "subscribe":
		if f.Error != nil {
			return Result{}, fmt.Errorf("gate subscribe error %d: %s", f.Error.Code, f.Error.Message)
		}
		return Result{Ack: true}, nil
	case f.Event != "update":
		return Result{}, nil
	}
	if dec.mkt == model.Spot {
		return dec.decodeSpot(f.Result)
	}
	return dec.decodeLinear(f.Result)
}

func (dec *gateDecoder) decodeSpot(result json.RawMessage) (Result, error) {
	var t gateSpotTrade
	if err := json.Unmarshal(result, &t); err != nil {
		return Result{}, fmt.Errorf("gate spot trade: %w", err)
	}
	p, ok := parsePrice(t.Price)
	q, okq := parsePrice(t.Amount)
	ts, okt := parseMs(t.CreateTimeMs)
	if !ok || !okq || !okt {
		return Result{}, nil
	}
	return Result{Trades: []model.Trade{{
		Exchange: model.Gate,
		Market:   model.Spot,
		Symbol:   t.CurrencyPair,
		Price:    p,
		Qty:      q,
		TsMs:     ts,
		IsBuy:    t.Side == "buy",
	}}}, nil
}

func (dec *gateDecoder) decodeLinear(result json.RawMessage) (Result, error) {
	var list []gateFuturesTrade
	if err := json.Unmarshal(result, &list); err != nil {
		return Result{}, fmt.Errorf("gate futures trades: %w", err)
	}
	trades := make([]model.Trade, 0, len(list))
	for _, t := range list {
		p, ok := parsePrice(t.Price)
		ts, okt := parseMs(t.CreateTimeMs)
		if !ok || !okt || t.Size == 0 {
			continue
		}
		// Linear size is quoted in USDT; convert to base quantity.
		qty := math.Abs(t.Size) / p
		trades = append(trades, model.Trade{
			Exchange: model.Gate,
			Market:   model.Linear,
			Symbol:   t.Contract,
			Price:    p,
			Qty:      qty,
			TsMs:     ts,
			IsBuy:    t.Size > 0,
		})
	}
	return Result{Trades: trades}, nil
}

type gateSpotPair struct {
	ID          string `json:"id"`
	Quote       string `json:"quote"`
	TradeStatus string `json:"trade_status"`
}

type gateContract struct {
	Name        string `json:"name"`
	InDelisting bool   `json:"in_delisting"`
}

var gateQuotes = map[string]bool{"USDT": true, "USDC": true}

func (d *GateDriver) ListSymbols(ctx context.Context, mkt model.Market) ([]string, error) {
	if mkt == model.Linear {
		var contracts []gateContract
		url := d.rest + "/api/v4/futures/usdt/contracts"
		if err := getJSON(ctx, "gate list contracts", url, &contracts); err != nil {
			return nil, err
		}
		out := make([]string, 0, len(contracts))
		for _, c := range contracts {
			if c.InDelisting {
				continue
			}
			out = append(out, c.Name)
		}
		return out, nil
	}

	var pairs []gateSpotPair
	url := d.rest + "/api/v4/spot/currency_pairs"
	if err := getJSON(ctx, "gate list pairs", url, &pairs); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(pairs))
	for _, p := range pairs {
		if p.TradeStatus != "tradable" || !gateQuotes[p.Quote] {
			continue
		}
		out = append(out, p.ID)
	}
	return out, nil
}

func (d *GateDriver) RecentTrades(context.Context, model.Market, string, int) ([]model.Trade, error) {
	return nil, ErrNoChartSource
}
