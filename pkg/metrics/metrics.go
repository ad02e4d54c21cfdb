package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveSessions tracks sessions with a live billing controller.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "advisory_active_sessions",
			Help: "Number of live advisory sessions",
		},
	)

	// LedgerDebits records per-minute debit attempts by result (success|insufficient_funds|error).
	LedgerDebits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "advisory_ledger_debits_total",
			Help: "Total number of metered debit attempts",
		},
		[]string{"result"},
	)

	// BilledMinutes counts whole minutes charged across all sessions.
	BilledMinutes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "advisory_billed_minutes_total",
			Help: "Total whole minutes billed",
		},
	)

	// LowBalanceWarnings counts one-shot low balance warnings raised.
	LowBalanceWarnings = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "advisory_low_balance_warnings_total",
			Help: "Total low balance warnings raised",
		},
	)

	// QualityFlushes records quality summary persistence attempts by result (success|error).
	QualityFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "advisory_quality_flushes_total",
			Help: "Total connection quality summary flushes",
		},
		[]string{"result"},
	)

	// SessionsClosed counts closed sessions by status and reason.
	SessionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "advisory_sessions_closed_total",
			Help: "Total sessions closed",
		},
		[]string{"status", "reason"},
	)

	// APILatency measures HTTP request latency per route and status.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "advisory_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// SessionDuration measures wall-clock session length.
	SessionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "advisory_session_duration_seconds",
			Help: "Session duration from connect to end",
			Buckets: []float64{
				30, 60, 120, 300, 600,
				900, 1800, 3600, 7200,
			},
		},
	)
)
