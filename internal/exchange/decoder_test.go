package exchange

import (
	"testing"

	"spikewatch/internal/model"
)

func TestBinanceSpotDecodeClosedKline(t *testing.T) {
	dec := NewBinance().NewDecoder(model.Spot)
	frame := []byte(`{"stream":"btcusdt@kline_1s","data":{"e":"kline","k":{"t":1700000000000,"s":"BTCUSDT","o":"100.0","c":"101.0","h":"102.0","l":"99.5","v":"3.5","x":true}}}`)
	res, err := dec.Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(res.Candles) != 1 {
		t.Fatalf("candles = %d, want 1", len(res.Candles))
	}
	c := res.Candles[0]
	if c.Symbol != "BTCUSDT" || c.Open != 100 || c.Close != 101 || c.High != 102 || c.Low != 99.5 || c.Volume != 3.5 {
		t.Fatalf("candle = %+v", c)
	}
	if c.TsMs != 1700000000000 {
		t.Fatalf("ts = %d", c.TsMs)
	}
}

func TestBinanceSpotDecodeSkipsOpenKline(t *testing.T) {
	dec := NewBinance().NewDecoder(model.Spot)
	frame := []byte(`{"stream":"btcusdt@kline_1s","data":{"e":"kline","k":{"t":1700000000000,"s":"BTCUSDT","o":"100","c":"101","h":"102","l":"99","v":"1","x":false}}}`)
	res, err := dec.Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(res.Candles) != 0 {
		t.Fatalf("open kline produced candles: %+v", res.Candles)
	}
}

func TestBinanceSpotDecodeDropsBadPrice(t *testing.T) {
	dec := NewBinance().NewDecoder(model.Spot)
	frame := []byte(`{"stream":"x","data":{"e":"kline","k":{"t":1700000000000,"s":"BTCUSDT","o":"-1","c":"101","h":"102","l":"99","v":"1","x":true}}}`)
	res, err := dec.Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(res.Candles) != 0 {
		t.Fatal("negative open should be dropped")
	}
}

func TestBinanceLinearDecodeAggTrade(t *testing.T) {
	dec := NewBinance().NewDecoder(model.Linear)
	frame := []byte(`{"e":"aggTrade","s":"ETHUSDT","p":"2000.5","q":"0.25","T":1700000000123,"m":true}`)
	res, err := dec.Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(res.Trades))
	}
	tr := res.Trades[0]
	if tr.Symbol != "ETHUSDT" || tr.Price != 2000.5 || tr.Qty != 0.25 || tr.TsMs != 1700000000123 {
		t.Fatalf("trade = %+v", tr)
	}
	if tr.IsBuy {
		t.Fatal("buyer-is-maker means the taker sold")
	}
	if tr.Market != model.Linear || tr.Exchange != model.Binance {
		t.Fatalf("trade key = %+v", tr.Key())
	}
}

func TestBinanceLinearDecodeSubscribeAck(t *testing.T) {
	dec := NewBinance().NewDecoder(model.Linear)
	res, err := dec.Decode([]byte(`{"result":null,"id":7}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.Ack {
		t.Fatal("subscribe response should ack")
	}
}

func TestBybitDecode(t *testing.T) {
	dec := NewBybit().NewDecoder(model.Spot)

	res, err := dec.Decode([]byte(`{"op":"pong"}`))
	if err != nil || !res.Pong {
		t.Fatalf("pong: res=%+v err=%v", res, err)
	}

	res, err = dec.Decode([]byte(`{"op":"subscribe","success":true,"ret_msg":""}`))
	if err != nil || !res.Ack {
		t.Fatalf("ack: res=%+v err=%v", res, err)
	}

	frame := []byte(`{"topic":"publicTrade.BTCUSDT","data":[{"T":1700000000456,"s":"BTCUSDT","S":"Buy","v":"0.5","p":"43000.1"}]}`)
	res, err = dec.Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("trades = %d", len(res.Trades))
	}
	tr := res.Trades[0]
	if tr.Price != 43000.1 || tr.Qty != 0.5 || !tr.IsBuy || tr.TsMs != 1700000000456 {
		t.Fatalf("trade = %+v", tr)
	}
}

func TestBybitDecodeInvalidSymbol(t *testing.T) {
	dec := NewBybit().NewDecoder(model.Linear)
	frame := []byte(`{"op":"subscribe","success":false,"ret_msg":"Invalid symbol :[publicTrade.DEADUSDT]"}`)
	res, err := dec.Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(res.RemoveSymbols) != 1 || res.RemoveSymbols[0] != "DEADUSDT" {
		t.Fatalf("remove = %v", res.RemoveSymbols)
	}
}

func TestBybitFramesBatching(t *testing.T) {
	syms := make([]string, 25)
	for i := range syms {
		syms[i] = "S" + string(rune('A'+i)) + "USDT"
	}
	frames := NewBybit().SubscribeFrames(model.Spot, syms)
	if len(frames) != 3 {
		t.Fatalf("frames = %d, want 3 (10+10+5)", len(frames))
	}
}

func TestBitgetDecodeDiscardsSnapshot(t *testing.T) {
	dec := NewBitget().NewDecoder(model.Spot)

	snapshot := []byte(`{"action":"snapshot","arg":{"instType":"SPOT","channel":"trade","instId":"BTCUSDT"},"data":[{"ts":"1700000000000","price":"43000","size":"1","side":"buy"}]}`)
	res, err := dec.Decode(snapshot)
	if err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(res.Trades) != 0 {
		t.Fatal("snapshot trades must be discarded")
	}

	update := []byte(`{"action":"update","arg":{"instType":"SPOT","channel":"trade","instId":"BTCUSDT"},"data":[{"ts":"1700000001000","price":"43001.5","size":"0.2","side":"sell"}]}`)
	res, err = dec.Decode(update)
	if err != nil {
		t.Fatalf("decode update: %v", err)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("trades = %d", len(res.Trades))
	}
	tr := res.Trades[0]
	if tr.Price != 43001.5 || tr.Qty != 0.2 || tr.IsBuy || tr.TsMs != 1700000001000 {
		t.Fatalf("trade = %+v", tr)
	}
}

func TestBitgetDecodeFirstUpdateIsHistory(t *testing.T) {
	// Some symbols skip the snapshot action; the first frame per instId
	// is still historical and must be dropped.
	dec := NewBitget().NewDecoder(model.Linear)
	update := []byte(`{"action":"update","arg":{"instType":"USDT-FUTURES","channel":"trade","instId":"ETHUSDT"},"data":[{"ts":"1700000000000","price":"2000","size":"1","side":"buy"}]}`)
	res, err := dec.Decode(update)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(res.Trades) != 0 {
		t.Fatal("first frame should be dropped")
	}
	res, err = dec.Decode(update)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("second frame trades = %d", len(res.Trades))
	}
}

func TestBitgetDecodePong(t *testing.T) {
	dec := NewBitget().NewDecoder(model.Spot)
	res, err := dec.Decode([]byte("pong"))
	if err != nil || !res.Pong {
		t.Fatalf("res=%+v err=%v", res, err)
	}
}

func TestGateDecodeSpot(t *testing.T) {
	dec := NewGate().NewDecoder(model.Spot)
	frame := []byte(`{"channel":"spot.trades","event":"update","result":{"create_time_ms":"1700000000123.456","currency_pair":"BTC_USDT","side":"sell","amount":"0.01","price":"43000"}}`)
	res, err := dec.Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("trades = %d", len(res.Trades))
	}
	tr := res.Trades[0]
	if tr.Symbol != "BTC_USDT" || tr.Price != 43000 || tr.Qty != 0.01 || tr.IsBuy {
		t.Fatalf("trade = %+v", tr)
	}
	if tr.TsMs != 1700000000123 {
		t.Fatalf("fractional ms not truncated: %d", tr.TsMs)
	}
}

func TestGateDecodeLinearSizeConversion(t *testing.T) {
	dec := NewGate().NewDecoder(model.Linear)
	frame := []byte(`{"channel":"futures.trades","event":"update","result":[{"create_time_ms":1700000000500,"contract":"ETH_USDT","size":-500,"price":"2000"}]}`)
	res, err := dec.Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("trades = %d", len(res.Trades))
	}
	tr := res.Trades[0]
	if tr.Qty != 0.25 { // 500 USDT / 2000
		t.Fatalf("qty = %v, want 0.25", tr.Qty)
	}
	if tr.IsBuy {
		t.Fatal("negative size is a sell")
	}
}

func TestGateDecodePong(t *testing.T) {
	dec := NewGate().NewDecoder(model.Linear)
	res, err := dec.Decode([]byte(`{"channel":"futures.pong","event":"","result":null}`))
	if err != nil || !res.Pong {
		t.Fatalf("res=%+v err=%v", res, err)
	}
}

func TestHyperliquidDecodeTrades(t *testing.T) {
	d := NewHyperliquid()
	dec := d.NewDecoder(model.Linear)
	frame := []byte(`{"channel":"trades","data":[{"coin":"BTC","side":"B","px":"43000.5","sz":"0.1","time":1700000000789}]}`)
	res, err := dec.Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("trades = %d", len(res.Trades))
	}
	tr := res.Trades[0]
	if tr.Symbol != "BTCUSDC" || tr.Price != 43000.5 || tr.Qty != 0.1 || !tr.IsBuy {
		t.Fatalf("trade = %+v", tr)
	}
}

func TestHyperliquidDecodePong(t *testing.T) {
	dec := NewHyperliquid().NewDecoder(model.Linear)
	res, err := dec.Decode([]byte(`{"channel":"pong"}`))
	if err != nil || !res.Pong {
		t.Fatalf("res=%+v err=%v", res, err)
	}
}

func TestHyperliquidCanonical(t *testing.T) {
	d := NewHyperliquid()
	cases := map[string]string{
		"BTC":       "BTCUSDC",
		"PURR/USDC": "PURRUSDC",
		"ETHUSDC":   "ETHUSDC", // idempotent
	}
	for in, want := range cases {
		if got := d.Canonical(in); got != want {
			t.Errorf("Canonical(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHyperliquidSubscribeFrames(t *testing.T) {
	d := NewHyperliquid()
	frames := d.SubscribeFrames(model.Linear, []string{"BTCUSDC", "ETHUSDC"})
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want one per coin", len(frames))
	}
	want := `{"method":"subscribe","subscription":{"type":"trades","coin":"BTC"}}`
	if string(frames[0]) != want {
		t.Fatalf("frame = %s", frames[0])
	}
}

func TestChunk(t *testing.T) {
	groups := chunk([]string{"a", "b", "c", "d", "e"}, 2)
	if len(groups) != 3 || len(groups[2]) != 1 {
		t.Fatalf("groups = %v", groups)
	}
	if chunk(nil, 2) != nil {
		t.Fatal("nil in, nil out")
	}
}
