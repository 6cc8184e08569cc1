package notify

import (
	"fmt"
	"strings"
	"time"

	"spikewatch/internal/detector"
	"spikewatch/internal/model"
	"spikewatch/internal/symbols"
)

// DefaultTemplate is used when neither the strategy nor the user
// carries its own message template.
const DefaultTemplate = `{direction} <b>{symbol}</b> {exchange_market}
Δ {delta_formatted} | vol {volume_formatted} | wick {wick_formatted}
{time}`

// Message is one rendered (text, chat) pair for a detection.
type Message struct {
	Text string
	Chat string
}

// RenderMessages produces one message per matched strategy, each with
// the strategy's template and chat when set and the user's defaults
// otherwise. A detection without matched strategies yields a single
// message from the user's default template and chat. Identical
// (text, chat) pairs collapse into one message.
func RenderMessages(det detector.Detection) []Message {
	if len(det.Strategies) == 0 {
		return []Message{{Text: render(userTemplate(det), det), Chat: det.User.ChatID}}
	}
	out := make([]Message, 0, len(det.Strategies))
	seen := make(map[Message]struct{}, len(det.Strategies))
	for _, s := range det.Strategies {
		tpl := s.Template
		if tpl == "" {
			tpl = userTemplate(det)
		}
		m := Message{Text: render(tpl, det), Chat: s.ChatID}
		if m.Chat == "" {
			m.Chat = det.User.ChatID
		}
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

func userTemplate(det detector.Detection) string {
	if det.User.Options.MessageTemplate != "" {
		return det.User.Options.MessageTemplate
	}
	return DefaultTemplate
}

// render expands placeholders and sanitizes the result for Telegram's
// HTML parse mode.
func render(tpl string, det detector.Detection) string {
	return SanitizeHTML(expand(tpl, det))
}

func expand(tpl string, det detector.Detection) string {
	c := det.Candle
	m := det.Metrics

	direction := "📈"
	if !m.Up {
		direction = "📉"
	}
	ts := time.UnixMilli(c.TsMs).In(det.User.Options.Location())

	r := strings.NewReplacer(
		"{symbol}", displaySymbol(c.Symbol),
		"{exchange}", string(c.Exchange),
		"{market}", string(c.Market),
		"{exchange_market}", string(c.Exchange)+"_"+string(c.Market),
		"{exchange_market_short}", shortVenue(c.Exchange, c.Market),
		"{delta}", fmt.Sprintf("%.4f", m.Delta),
		"{delta_formatted}", fmt.Sprintf("%.2f%%", m.Delta),
		"{wick_formatted}", fmt.Sprintf("%.2f%%", m.WickPct),
		"{volume}", fmt.Sprintf("%.0f", m.VolumeUSDT),
		"{volume_formatted}", formatVolume(m.VolumeUSDT),
		"{price}", trimZeros(c.Close),
		"{direction}", direction,
		"{timestamp}", fmt.Sprintf("%d", c.TsMs),
		"{time}", ts.Format("15:04:05"),
		"{date}", ts.Format("2006-01-02"),
	)
	return r.Replace(tpl)
}

// displaySymbol renders BASE-QUOTE ("BTC-USDT") when the quote is
// recognized, the raw symbol otherwise.
func displaySymbol(symbol string) string {
	quote := symbols.QuoteCurrency(symbol)
	if quote == "" {
		return symbol
	}
	base := symbols.Normalize(symbol)
	return base + "-" + strings.ToUpper(quote)
}

// shortVenue abbreviates a venue as e.g. "BIN-S" / "BYB-F".
func shortVenue(ex model.Exchange, mkt model.Market) string {
	e := strings.ToUpper(string(ex))
	if len(e) > 3 {
		e = e[:3]
	}
	m := "S"
	if mkt == model.Linear {
		m = "F"
	}
	return e + "-" + m
}

// formatVolume humanizes a USDT amount: 950 → "950", 12_500 → "12.5K",
// 1_250_000 → "1.25M".
func formatVolume(v float64) string {
	switch {
	case v >= 1e9:
		return trimZeros(v/1e9) + "B"
	case v >= 1e6:
		return trimZeros(v/1e6) + "M"
	case v >= 1e3:
		return trimZeros(v/1e3) + "K"
	}
	return trimZeros(v)
}

func trimZeros(v float64) string {
	s := fmt.Sprintf("%.2f", v)
	s = strings.TrimRight(s, "0")
	return strings.TrimRight(s, ".")
}
