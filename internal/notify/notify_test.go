package notify

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"spikewatch/internal/detector"
	"spikewatch/internal/model"
)

func TestSanitizeHTML(t *testing.T) {
	cases := []struct {
		name, in, want string
	}{
		{"plain", "hello", "hello"},
		{"allowed kept", "<b>x</b> <i>y</i> <code>z</code>", "<b>x</b> <i>y</i> <code>z</code>"},
		{"disallowed stripped keeps content", "<div><p>text</p></div>", "text"},
		{"br to newline", "a<br>b<br/>c", "a\nb\nc"},
		{"spoiler span converted", `<span class="tg-spoiler">secret</span>`, "<tg-spoiler>secret</tg-spoiler>"},
		{"plain span dropped", `<span style="color:red">x</span>`, "x"},
		{"nested spans", `<span><span class="tg-spoiler">s</span></span>`, "<tg-spoiler>s</tg-spoiler>"},
		{"anchor keeps href", `<a href="https://example.com">link</a>`, `<a href="https://example.com">link</a>`},
		{"anchor drops other attrs", `<a onclick="x()" href="u">l</a>`, `<a href="u">l</a>`},
		{"script stripped", `<script>alert(1)</script>ok`, "alert(1)ok"},
		{"dangling bracket escaped", "1 < 2", "1 &lt; 2"},
		{"case folded", "<B>x</B>", "<b>x</b>"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := SanitizeHTML(c.in); got != c.want {
				t.Fatalf("SanitizeHTML(%q) = %q, want %q", c.in, got, c.want)
			}
		})
	}
}

func testDetection() detector.Detection {
	c := model.Candle{
		Exchange: model.Binance, Market: model.Spot, Symbol: "BTCUSDT",
		TsMs: 1700000000000, Open: 100, High: 103, Low: 100, Close: 102.5, Volume: 20,
	}
	return detector.Detection{
		Candle:  c,
		Metrics: detector.ComputeMetrics(c, "usdt"),
		User:    model.User{ID: 1, ChatID: "100"},
	}
}

func renderOne(t *testing.T, det detector.Detection) Message {
	t.Helper()
	msgs := RenderMessages(det)
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	return msgs[0]
}

func TestRenderMessagePlaceholders(t *testing.T) {
	det := testDetection()
	det.User.Options.MessageTemplate = "{symbol}|{exchange_market}|{exchange_market_short}|{delta_formatted}|{volume_formatted}|{direction}|{timestamp}"

	got := renderOne(t, det)
	want := "BTC-USDT|binance_spot|BIN-S|2.50%|2.05K|📈|1700000000000"
	if got.Text != want {
		t.Fatalf("rendered = %q, want %q", got.Text, want)
	}
	if got.Chat != "100" {
		t.Fatalf("chat = %q, want the user's default", got.Chat)
	}
}

func TestRenderMessagesStrategyTemplateWins(t *testing.T) {
	det := testDetection()
	det.User.Options.MessageTemplate = "user template"
	det.Strategies = []*model.Strategy{{Template: "strategy {symbol}", ChatID: "override"}}

	got := renderOne(t, det)
	if got.Text != "strategy BTC-USDT" {
		t.Fatalf("rendered = %q", got.Text)
	}
	if got.Chat != "override" {
		t.Fatalf("chat = %q", got.Chat)
	}
}

func TestRenderMessagesOnePerMatchedStrategy(t *testing.T) {
	det := testDetection()
	det.Strategies = []*model.Strategy{
		{Template: "tplA {symbol}", ChatID: "chatA"},
		{Template: "tplB {symbol}", ChatID: "chatB"},
		{}, // falls back to the user's defaults
	}

	msgs := RenderMessages(det)
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want one per matched strategy", len(msgs))
	}
	if msgs[0].Text != "tplA BTC-USDT" || msgs[0].Chat != "chatA" {
		t.Fatalf("first = %+v", msgs[0])
	}
	if msgs[1].Text != "tplB BTC-USDT" || msgs[1].Chat != "chatB" {
		t.Fatalf("second = %+v", msgs[1])
	}
	if msgs[2].Chat != "100" {
		t.Fatalf("fallback chat = %q, want the user's default", msgs[2].Chat)
	}
}

func TestRenderMessagesCollapsesDuplicates(t *testing.T) {
	det := testDetection()
	det.User.Options.MessageTemplate = "same"
	det.Strategies = []*model.Strategy{{}, {}} // both fall back to defaults

	if msgs := RenderMessages(det); len(msgs) != 1 {
		t.Fatalf("messages = %d, identical pairs must collapse", len(msgs))
	}
}

func TestRenderMessageDownDirection(t *testing.T) {
	det := testDetection()
	det.Candle.Close = 98
	det.Metrics = detector.ComputeMetrics(det.Candle, "usdt")
	det.User.Options.MessageTemplate = "{direction} {delta_formatted}"

	if got := renderOne(t, det); got.Text != "📉 -2.00%" {
		t.Fatalf("rendered = %q", got.Text)
	}
}

func TestFormatVolume(t *testing.T) {
	cases := map[float64]string{
		950:           "950",
		12_500:        "12.5K",
		1_250_000:     "1.25M",
		3_000_000_000: "3B",
	}
	for in, want := range cases {
		if got := formatVolume(in); got != want {
			t.Errorf("formatVolume(%v) = %q, want %q", in, got, want)
		}
	}
}

func telegramOK(w http.ResponseWriter) {
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
}

func TestDeliverSendsMessage(t *testing.T) {
	var gotText atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotText.Store(body["text"].(string))
		if body["parse_mode"] != "HTML" {
			t.Errorf("parse_mode = %v", body["parse_mode"])
		}
		telegramOK(w)
	}))
	defer srv.Close()

	d := NewDispatcher("tok", nil)
	d.api = srv.URL
	det := testDetection()
	det.User.Options.MessageTemplate = "<b>{symbol}</b>"

	d.Deliver(context.Background(), det)
	if gotText.Load() != "<b>BTC-USDT</b>" {
		t.Fatalf("text = %v", gotText.Load())
	}
}

func TestDeliverSendsToEveryMatchedChat(t *testing.T) {
	var mu sync.Mutex
	got := map[string]string{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		got[body["chat_id"].(string)] = body["text"].(string)
		mu.Unlock()
		telegramOK(w)
	}))
	defer srv.Close()

	d := NewDispatcher("tok", nil)
	d.api = srv.URL
	det := testDetection()
	det.Strategies = []*model.Strategy{
		{Template: "tplA", ChatID: "chatA"},
		{Template: "tplB", ChatID: "chatB"},
	}

	d.Deliver(context.Background(), det)
	if got["chatA"] != "tplA" || got["chatB"] != "tplB" {
		t.Fatalf("deliveries = %v, want both chats notified", got)
	}
}

func TestTickSeriesPercentAndSides(t *testing.T) {
	trades := []model.Trade{
		{TsMs: 1_000, Price: 101, IsBuy: true},
		{TsMs: 2_000, Price: 99, IsBuy: false},
		{TsMs: 3_000, Price: 102, IsBuy: true},
	}
	buys, sells := tickSeries(100, trades)
	if len(buys) != 2 || len(sells) != 1 {
		t.Fatalf("buys = %d, sells = %d", len(buys), len(sells))
	}
	if math.Abs(buys[0].Y-1) > 1e-9 || math.Abs(sells[0].Y+1) > 1e-9 {
		t.Fatalf("pct = %v / %v, want +1 / -1 relative to open", buys[0].Y, sells[0].Y)
	}
	if buys[0].X != 1 || sells[0].X != 2 {
		t.Fatalf("x = %v / %v, want seconds", buys[0].X, sells[0].X)
	}
}

func TestRenderTicksProducesPNG(t *testing.T) {
	det := testDetection()
	trades := []model.Trade{
		{TsMs: 1700000000100, Price: 100.5, IsBuy: true},
		{TsMs: 1700000000300, Price: 99.8, IsBuy: false},
		{TsMs: 1700000000700, Price: 102.5, IsBuy: true},
	}
	png, err := renderTicks(det, trades)
	if err != nil {
		t.Fatal(err)
	}
	if len(png) < 8 || string(png[1:4]) != "PNG" {
		t.Fatalf("not a PNG (%d bytes)", len(png))
	}
}

func TestDeliverRetriesTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		telegramOK(w)
	}))
	defer srv.Close()

	ok := false
	d := NewDispatcher("tok", nil)
	d.api = srv.URL
	d.OnResult = func(res bool) { ok = res }

	d.Deliver(context.Background(), testDetection())
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want retry after 5xx", calls.Load())
	}
	if !ok {
		t.Fatal("second attempt should succeed")
	}
}

func TestDeliverDoesNotRetryPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok": false, "error_code": 400, "description": "Bad Request: chat not found",
		})
	}))
	defer srv.Close()

	ok := true
	d := NewDispatcher("tok", nil)
	d.api = srv.URL
	d.OnResult = func(res bool) { ok = res }

	d.Deliver(context.Background(), testDetection())
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, permanent errors must not retry", calls.Load())
	}
	if ok {
		t.Fatal("delivery should be reported failed")
	}
}

func TestDeliverSkipsWithoutDestination(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		telegramOK(w)
	}))
	defer srv.Close()

	d := NewDispatcher("", nil) // no default token
	d.api = srv.URL
	det := testDetection()
	det.User.TgToken = ""

	d.Deliver(context.Background(), det)
	if calls.Load() != 0 {
		t.Fatal("no token and no chat fallback must skip the API")
	}
}
