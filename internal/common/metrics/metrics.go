package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SettlementMetrics covers the scheduled tick and the contact-thread ledger.
type SettlementMetrics struct {
	TicksTotal        prometheus.CounterVec
	TickDuration      prometheus.Histogram
	TickItemsTotal    prometheus.CounterVec
	ThreadOpensTotal  prometheus.CounterVec
	RetryIssuedTotal  prometheus.Counter
	RetryExpiredTotal prometheus.Counter
}

func NewSettlementMetrics() *SettlementMetrics {
	return &SettlementMetrics{
		TicksTotal: *promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_ticks_total",
				Help: "Tick runs by result (run, skipped, failed)",
			},
			[]string{"result"},
		),

		TickDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "settlement_tick_duration_seconds",
				Help:    "Wall time of a full tick",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
			},
		),

		TickItemsTotal: *promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_tick_items_total",
				Help: "Rows settled per tick phase",
			},
			[]string{"phase"},
		),

		ThreadOpensTotal: *promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_thread_opens_total",
				Help: "Contact-thread open attempts by outcome",
			},
			[]string{"outcome"},
		),

		RetryIssuedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "retry_credits_issued_total",
				Help: "Fairness retry credits issued",
			},
		),

		RetryExpiredTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "retry_credits_expired_total",
				Help: "Fairness retry credits expired by the tick",
			},
		),
	}
}

// RecordTick records the tick result and its duration in seconds.
func (m *SettlementMetrics) RecordTick(result string, durationSeconds float64) {
	m.TicksTotal.WithLabelValues(result).Inc()
	m.TickDuration.Observe(durationSeconds)
}

// RecordPhaseItems records how many rows a phase settled.
func (m *SettlementMetrics) RecordPhaseItems(phase string, count int) {
	m.TickItemsTotal.WithLabelValues(phase).Add(float64(count))
}

// RecordThreadOpen records one ledger open attempt by outcome.
func (m *SettlementMetrics) RecordThreadOpen(outcome string) {
	m.ThreadOpensTotal.WithLabelValues(outcome).Inc()
}
