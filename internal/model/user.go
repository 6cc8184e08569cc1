package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// User is the read-only view of an account owned by the HTTP layer.
// Options are stored as a JSON blob and decoded on read.
type User struct {
	ID        int64
	Login     string
	TgToken   string
	ChatID    string
	Options   UserOptions
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PairSettings holds one user's thresholds for a
// (exchange, market, quote currency) group.
type PairSettings struct {
	DeltaMin  float64 `json:"deltaMin"`
	VolumeMin float64 `json:"volumeMin"`
	WickMin   float64 `json:"wickMin"`
	SendChart bool    `json:"sendChart"`
}

// Condition is a single strategy condition. The Type discriminates
// which of the value fields are meaningful.
type Condition struct {
	Type              string   `json:"type"`
	Value             string   `json:"value,omitempty"`    // symbol, direction, exchange_market
	ValueNum          float64  `json:"valueNum,omitempty"` // volume
	ValueMin          float64  `json:"valueMin,omitempty"` // delta, wick_pct
	ValueMax          *float64 `json:"valueMax,omitempty"` // delta upper bound, optional
	Count             int      `json:"count,omitempty"`    // series
	TimeWindowSeconds int      `json:"timeWindowSeconds,omitempty"`
}

// Condition types understood by the evaluator.
const (
	CondDelta          = "delta"
	CondVolume         = "volume"
	CondWickPct        = "wick_pct"
	CondDirection      = "direction"
	CondSymbol         = "symbol"
	CondExchangeMarket = "exchange_market"
	CondSeries         = "series"
)

// Strategy is a user-defined list of AND-combined conditions with an
// optional dedicated message template and chat.
type Strategy struct {
	Name             string      `json:"name,omitempty"`
	Enabled          bool        `json:"enabled"`
	UseGlobalFilters bool        `json:"useGlobalFilters"`
	Template         string      `json:"template,omitempty"`
	ChatID           string      `json:"chatId,omitempty"`
	Conditions       []Condition `json:"conditions"`
}

// MaxSeriesWindow returns the largest series window of the strategy in
// seconds, or 0 when it has no series condition.
func (s *Strategy) MaxSeriesWindow() int {
	max := 0
	for _, c := range s.Conditions {
		if c.Type == CondSeries && c.TimeWindowSeconds > max {
			max = c.TimeWindowSeconds
		}
	}
	return max
}

// UserOptions is the decoded options blob.
type UserOptions struct {
	// Exchanges gates whole exchanges on or off for the user.
	Exchanges map[Exchange]bool `json:"exchanges"`
	// PairSettings is keyed "<exchange>_<market>_<quote>", lower case,
	// e.g. "binance_spot_usdt".
	PairSettings map[string]PairSettings `json:"pairSettings"`
	// ConditionalTemplates are the user's strategies.
	ConditionalTemplates []Strategy `json:"conditionalTemplates"`
	Timezone             string     `json:"timezone,omitempty"`
	MessageTemplate      string     `json:"messageTemplate,omitempty"`
}

// DecodeOptions parses an options blob. An empty blob yields zero options.
func DecodeOptions(blob string) (UserOptions, error) {
	var o UserOptions
	if blob == "" {
		return o, nil
	}
	if err := json.Unmarshal([]byte(blob), &o); err != nil {
		return o, fmt.Errorf("model: decode user options: %w", err)
	}
	return o, nil
}

// PairKey builds the pairSettings lookup key for a candle's group.
func PairKey(ex Exchange, mkt Market, quote string) string {
	return string(ex) + "_" + string(mkt) + "_" + quote
}

// PairFor resolves the effective thresholds for (exchange, market, quote).
// The second return is false when the user has no matching pair config.
// "futures" is accepted as an alias for linear in stored keys.
func (o *UserOptions) PairFor(ex Exchange, mkt Market, quote string) (PairSettings, bool) {
	if ps, ok := o.PairSettings[PairKey(ex, mkt, quote)]; ok {
		return ps, true
	}
	if mkt == Linear {
		if ps, ok := o.PairSettings[string(ex)+"_futures_"+quote]; ok {
			return ps, true
		}
	}
	return PairSettings{}, false
}

// ExchangeEnabled reports whether the user receives signals from ex.
// Absent entries default to disabled.
func (o *UserOptions) ExchangeEnabled(ex Exchange) bool {
	return o.Exchanges[ex]
}

// Location resolves the user's timezone, falling back to UTC.
func (o *UserOptions) Location() *time.Location {
	if o.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(o.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
