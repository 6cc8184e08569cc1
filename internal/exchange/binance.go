package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"spikewatch/internal/model"
)

const (
	binanceSpotWSHost   = "wss://stream.binance.com:9443"
	binanceLinearWSHost = "wss://fstream.binance.com"
	binanceSpotRest     = "https://api.binance.com"
	binanceLinearRest   = "https://fapi.binance.com"

	// Long-lived Binance sockets are dropped by the server at 24 h;
	// refresh just before that.
	binanceSocketLifetime = 23 * time.Hour
)

// BinanceDriver speaks the Binance spot combined-streams protocol
// (1-second klines, ingested directly as candles) and the futures
// single-socket aggTrade protocol.
type BinanceDriver struct {
	spotWS, linearWS     string
	spotRest, linearRest string
	subID                atomic.Int64
}

func NewBinance() *BinanceDriver {
	return &BinanceDriver{
		spotWS:     binanceSpotWSHost,
		linearWS:   binanceLinearWSHost,
		spotRest:   binanceSpotRest,
		linearRest: binanceLinearRest,
	}
}

func (d *BinanceDriver) Name() model.Exchange    { return model.Binance }
func (d *BinanceDriver) Markets() []model.Market { return []model.Market{model.Spot, model.Linear} }

func (d *BinanceDriver) WSURL(mkt model.Market, symbols []string) string {
	if mkt == model.Linear {
		return d.linearWS + "/ws"
	}
	streams := make([]string, len(symbols))
	for i, s := range symbols {
		streams[i] = strings.ToLower(s) + "@kline_1s"
	}
	return d.spotWS + "/stream?streams=" + strings.Join(streams, "/")
}

// StaticSubscriptions: the spot combined-streams URL fixes the
// subscription set at dial time; changing it means reconnecting.
func (d *BinanceDriver) StaticSubscriptions(mkt model.Market) bool {
	return mkt == model.Spot
}

type binanceSubMsg struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

func (d *BinanceDriver) subFrames(method string, symbols []string) [][]byte {
	params := make([]string, len(symbols))
	for i, s := range symbols {
		params[i] = strings.ToLower(s) + "@aggTrade"
	}
	frame, _ := json.Marshal(binanceSubMsg{Method: method, Params: params, ID: d.subID.Add(1)})
	return [][]byte{frame}
}

func (d *BinanceDriver) SubscribeFrames(mkt model.Market, symbols []string) [][]byte {
	if mkt == model.Spot {
		return nil // carried in the combined-streams URL
	}
	return d.subFrames("SUBSCRIBE", symbols)
}

func (d *BinanceDriver) UnsubscribeFrames(mkt model.Market, symbols []string) [][]byte {
	if mkt == model.Spot {
		return nil
	}
	return d.subFrames("UNSUBSCRIBE", symbols)
}

// Ping: Binance pings at the transport level and gorilla answers with a
// pong automatically; no client keepalive is needed.
func (d *BinanceDriver) Ping(model.Market) ([]byte, time.Duration) { return nil, 0 }

func (d *BinanceDriver) StreamsPerConnection(model.Market) int { return 150 }

func (d *BinanceDriver) SubscribeConfirmWithin() time.Duration { return 15 * time.Second }

func (d *BinanceDriver) ScheduledReconnectAfter() time.Duration { return binanceSocketLifetime }

func (d *BinanceDriver) Limits() Limits {
	return Limits{Attempts: 300, AttemptWindow: 300 * time.Second}
}

type binanceKline struct {
	Start  int64  `json:"t"`
	Symbol string `json:"s"`
	Open   string `json:"o"`
	Close  string `json:"c"`
	High   string `json:"h"`
	Low    string `json:"l"`
	Volume string `json:"v"`
	Closed bool   `json:"x"`
}

type binanceSpotFrame struct {
	Stream string `json:"stream"`
	Data   struct {
		Event string       `json:"e"`
		Kline binanceKline `json:"k"`
	} `json:"data"`
}

type binanceAggTrade struct {
	Event  string    `json:"e"`
	Symbol string    `json:"s"`
	Price  string    `json:"p"`
	Qty    string    `json:"q"`
	TsMs   int64     `json:"T"`
	Maker  bool      `json:"m"` // buyer is maker → taker sold
	Result *struct{} `json:"result"`
	ID     int64     `json:"id"`
}

type binanceDecoder struct {
	mkt model.Market
}

func (d *BinanceDriver) NewDecoder(mkt model.Market) Decoder { return &binanceDecoder{mkt: mkt} }

func (dec *binanceDecoder) Decode(frame []byte) (Result, error) {
	if dec.mkt == model.Spot {
		return dec.decodeSpot(frame)
	}
	return dec.decodeLinear(frame)
}

// decodeSpot ingests closed 1-second klines directly as candles,
// skipping the trade stage.
func (dec *binanceDecoder) decodeSpot(frame []byte) (Result, error) {
	var f binanceSpotFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		return Result{}, fmt.Errorf("binance spot frame: %w", err)
	}
	k := f.Data.Kline
	if f.Data.Event != "kline" || !k.Closed {
		return Result{}, nil
	}
	o, ok1 := parsePrice(k.Open)
	h, ok2 := parsePrice(k.High)
	l, ok3 := parsePrice(k.Low)
	c, ok4 := parsePrice(k.Close)
	v, err := strconv.ParseFloat(k.Volume, 64)
	if !ok1 || !ok2 || !ok3 || !ok4 || err != nil || v < 0 || k.Start <= 0 {
		return Result{}, nil // data error: drop the record
	}
	return Result{Candles: []model.Candle{{
		Exchange: model.Binance,
		Market:   model.Spot,
		Symbol:   k.Symbol,
		TsMs:     k.Start,
		Open:     o, High: h, Low: l, Close: c,
		Volume: v,
	}}}, nil
}

func (dec *binanceDecoder) decodeLinear(frame []byte) (Result, error) {
	var t binanceAggTrade
	if err := json.Unmarshal(frame, &t); err != nil {
		return Result{}, fmt.Errorf("binance linear frame: %w", err)
	}
	if t.Event != "aggTrade" {
		if t.ID != 0 {
			return Result{Ack: true}, nil // SUBSCRIBE response
		}
		return Result{}, nil
	}
	p, ok := parsePrice(t.Price)
	q, okq := parsePrice(t.Qty)
	if !ok || !okq || t.TsMs <= 0 {
		return Result{}, nil
	}
	return Result{Trades: []model.Trade{{
		Exchange: model.Binance,
		Market:   model.Linear,
		Symbol:   t.Symbol,
		Price:    p,
		Qty:      q,
		TsMs:     t.TsMs,
		IsBuy:    !t.Maker,
	}}}, nil
}

type binanceExchangeInfo struct {
	Symbols []struct {
		Symbol       string `json:"symbol"`
		Status       string `json:"status"`
		QuoteAsset   string `json:"quoteAsset"`
		ContractType string `json:"contractType"`
	} `json:"symbols"`
}

var binanceQuotes = map[string]bool{"USDT": true, "USDC": true, "FDUSD": true}

func (d *BinanceDriver) ListSymbols(ctx context.Context, mkt model.Market) ([]string, error) {
	url := d.spotRest + "/api/v3/exchangeInfo"
	if mkt == model.Linear {
		url = d.linearRest + "/fapi/v1/exchangeInfo"
	}
	var info binanceExchangeInfo
	if err := getJSON(ctx, "binance list symbols", url, &info); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status != "TRADING" || !binanceQuotes[s.QuoteAsset] {
			continue
		}
		if mkt == model.Linear && s.ContractType != "PERPETUAL" {
			continue
		}
		out = append(out, s.Symbol)
	}
	return out, nil
}

type binanceRestTrade struct {
	Price        string `json:"price"`
	Qty          string `json:"qty"`
	Time         int64  `json:"time"`
	IsBuyerMaker bool   `json:"isBuyerMaker"`
}

// RecentTrades backs the chart path; Binance is currently the only
// exchange with a supported trades endpoint shape.
func (d *BinanceDriver) RecentTrades(ctx context.Context, mkt model.Market, symbol string, limit int) ([]model.Trade, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	url := fmt.Sprintf("%s/api/v3/trades?symbol=%s&limit=%d", d.spotRest, symbol, limit)
	if mkt == model.Linear {
		url = fmt.Sprintf("%s/fapi/v1/trades?symbol=%s&limit=%d", d.linearRest, symbol, limit)
	}
	var raw []binanceRestTrade
	if err := getJSON(ctx, "binance recent trades", url, &raw); err != nil {
		return nil, err
	}
	out := make([]model.Trade, 0, len(raw))
	for _, rt := range raw {
		p, ok := parsePrice(rt.Price)
		q, okq := parsePrice(rt.Qty)
		if !ok || !okq || rt.Time <= 0 {
			continue
		}
		out = append(out, model.Trade{
			Exchange: model.Binance, Market: mkt, Symbol: symbol,
			Price: p, Qty: q, TsMs: rt.Time, IsBuy: !rt.IsBuyerMaker,
		})
	}
	return out, nil
}
