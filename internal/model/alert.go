package model

import "time"

// Alert is one persisted spike. The seven canonical fields form the
// deduplication key: distinct users detecting the same candle share a row.
type Alert struct {
	ID         int64     `json:"id"`
	TsMs       int64     `json:"ts"`
	Exchange   Exchange  `json:"exchange"`
	Market     Market    `json:"market"`
	Symbol     string    `json:"symbol"`
	Delta      float64   `json:"delta"`
	WickPct    float64   `json:"wick_pct"`
	VolumeUSDT float64   `json:"volume_usdt"`
	Meta       string    `json:"meta,omitempty"` // optional JSON blob
	CreatedAt  time.Time `json:"created_at"`
}

// AlertFilter narrows alert reads and deletions.
type AlertFilter struct {
	UserID   int64 // 0 = global set, otherwise inner join against user_alerts
	Exchange Exchange
	Market   Market
	Symbol   string
	Since    int64 // ts >= Since when > 0
	Until    int64 // ts < Until when > 0
}

// ExchangeStatistics is the periodic per-(exchange, market) snapshot row.
type ExchangeStatistics struct {
	Exchange       Exchange
	Market         Market
	SymbolsCount   int
	WSConnections  int
	BatchesPerWS   int
	Reconnects     int64
	CandlesCount   int64
	LastCandleTime time.Time
	TicksPerSecond float64
}

// ErrorRecord is one row of the asynchronous error log.
type ErrorRecord struct {
	Timestamp    time.Time
	Exchange     Exchange
	ErrorType    string
	ErrorMessage string
	ConnectionID int
	Market       Market
	Symbol       string
	StackTrace   string
}
