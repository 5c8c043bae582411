package observability

import (
	"math"
	"math/big"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type lendingMetrics struct {
	loans           *prometheus.CounterVec
	consensusRounds *prometheus.CounterVec
	valuations      prometheus.Counter
	totalCollateral prometheus.Gauge
}

var (
	lendingMetricsOnce sync.Once
	lendingRegistry    *lendingMetrics
)

// Lending returns the lazily-initialised metrics registry tracking loan
// lifecycle activity.
func Lending() *lendingMetrics {
	lendingMetricsOnce.Do(func() {
		lendingRegistry = &lendingMetrics{
			loans: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lend",
				Subsystem: "loans",
				Name:      "transitions_total",
				Help:      "Count of loan lifecycle transitions segmented by event type.",
			}, []string{"event"}),
			consensusRounds: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lend",
				Subsystem: "consensus",
				Name:      "rounds_total",
				Help:      "Count of term consensus rounds segmented by outcome.",
			}, []string{"outcome"}),
			valuations: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "lend",
				Subsystem: "escrow",
				Name:      "valuations_total",
				Help:      "Count of escrow total-value calculations served.",
			}),
			totalCollateral: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "lend",
				Subsystem: "loans",
				Name:      "total_collateral_wei",
				Help:      "Ledger-wide collateral balance in wei.",
			}),
		}
		prometheus.MustRegister(
			lendingRegistry.loans,
			lendingRegistry.consensusRounds,
			lendingRegistry.valuations,
			lendingRegistry.totalCollateral,
		)
	})
	return lendingRegistry
}

// RecordLoanEvent increments the lifecycle counter for the supplied event
// type.
func (m *lendingMetrics) RecordLoanEvent(eventType string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToLower(eventType))
	if normalized == "" {
		normalized = "unknown"
	}
	m.loans.WithLabelValues(normalized).Inc()
}

// RecordConsensusRound increments the round counter for the supplied outcome
// label, typically "agreed" or a rejection reason.
func (m *lendingMetrics) RecordConsensusRound(outcome string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToLower(outcome))
	if normalized == "" {
		normalized = "unknown"
	}
	m.consensusRounds.WithLabelValues(normalized).Inc()
}

// Valuations returns the escrow valuation counter.
func (m *lendingMetrics) Valuations() prometheus.Counter {
	if m == nil {
		return nil
	}
	return m.valuations
}

// RecordValuation counts one escrow valuation.
func (m *lendingMetrics) RecordValuation() {
	if m == nil {
		return
	}
	m.valuations.Inc()
}

// SetTotalCollateral publishes the ledger-wide collateral balance. Values
// beyond float64 precision are clamped rather than dropped.
func (m *lendingMetrics) SetTotalCollateral(total *big.Int) {
	if m == nil || total == nil {
		return
	}
	f, _ := new(big.Float).SetInt(total).Float64()
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return
	}
	m.totalCollateral.Set(f)
}
