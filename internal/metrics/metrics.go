// Package metrics defines the prometheus instruments exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OpportunitiesFound counts evaluator hits above the profit threshold.
	OpportunitiesFound = promauto.NewCounter(prometheus.CounterOpts{
		Name: "triarb_opportunities_found_total",
		Help: "Arbitrage opportunities that cleared the profit threshold.",
	})

	// Executions counts finished chains by outcome ("success", "failure").
	Executions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "triarb_executions_total",
		Help: "Finished execution chains by outcome.",
	}, []string{"outcome"})

	// RiskRejections counts risk-gate rejections by reason category.
	RiskRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "triarb_risk_rejections_total",
		Help: "Opportunities rejected by the risk gate.",
	}, []string{"reason"})

	// WSReconnects counts books-feed reconnections.
	WSReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "triarb_ws_reconnects_total",
		Help: "WebSocket feed reconnections.",
	})

	// ChecksumMismatches counts book invalidations from checksum failures.
	ChecksumMismatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "triarb_checksum_mismatches_total",
		Help: "Order books dropped after a checksum mismatch.",
	})

	// RealizedProfit accumulates realized profit in start-asset units.
	RealizedProfit = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "triarb_realized_profit",
		Help: "Cumulative realized profit since start, in stake-asset units.",
	})

	// BookAge reports the last seen book age per pair in seconds.
	BookAge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "triarb_book_age_seconds",
		Help: "Age of the cached order book at the last scan.",
	}, []string{"pair"})
)
