// Package metrics tracks ingestion throughput per (exchange, market),
// snapshots it into persistent statistics, and exposes Prometheus
// metrics plus a health endpoint over HTTP.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the screener.
type Metrics struct {
	TradesTotal   *prometheus.CounterVec // labels: exchange, market
	CandlesTotal  *prometheus.CounterVec
	Reconnects    *prometheus.CounterVec
	ActiveConns   *prometheus.GaugeVec
	ActiveSymbols *prometheus.GaugeVec

	LateTrades         prometheus.Counter
	DetectionsTotal    prometheus.Counter
	NotificationsTotal *prometheus.CounterVec // labels: status=ok|failed

	ProcessCPUPct   prometheus.Gauge
	ProcessRSSBytes prometheus.Gauge
}

var venueLabels = []string{"exchange", "market"}

// NewMetrics registers and returns all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		TradesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spikewatch_trades_total",
			Help: "Trades decoded from exchange WebSocket streams",
		}, venueLabels),
		CandlesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spikewatch_candles_total",
			Help: "1s candles emitted by the builder",
		}, venueLabels),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spikewatch_ws_reconnects_total",
			Help: "Unplanned WebSocket reconnects (scheduled refreshes excluded)",
		}, venueLabels),
		ActiveConns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "spikewatch_ws_connections",
			Help: "Open WebSocket connections",
		}, venueLabels),
		ActiveSymbols: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "spikewatch_subscribed_symbols",
			Help: "Symbols currently assigned to connections",
		}, venueLabels),

		LateTrades: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spikewatch_late_trades_total",
			Help: "Trades merged into an already-open candle behind the current bucket",
		}),
		DetectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spikewatch_detections_total",
			Help: "Spike detections across all users",
		}),
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spikewatch_notifications_total",
			Help: "Telegram deliveries by outcome",
		}, []string{"status"}),

		ProcessCPUPct: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spikewatch_process_cpu_pct",
			Help: "Process CPU usage percent",
		}),
		ProcessRSSBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spikewatch_process_rss_bytes",
			Help: "Process resident set size",
		}),
	}

	prometheus.MustRegister(
		m.TradesTotal,
		m.CandlesTotal,
		m.Reconnects,
		m.ActiveConns,
		m.ActiveSymbols,
		m.LateTrades,
		m.DetectionsTotal,
		m.NotificationsTotal,
		m.ProcessCPUPct,
		m.ProcessRSSBytes,
	)

	return m
}

// CountNotification records one delivery outcome.
func (m *Metrics) CountNotification(ok bool) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "failed"
	}
	m.NotificationsTotal.WithLabelValues(status).Inc()
}
