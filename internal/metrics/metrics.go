// Package metrics exposes the Prometheus collectors recorded by the
// settlement core and its ledger boundary.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

// SettlementMetrics groups the collectors for market activity.
type SettlementMetrics struct {
	transitions      *prometheus.CounterVec
	trades           *prometheus.CounterVec
	volume           *prometheus.CounterVec
	commitments      *prometheus.CounterVec
	claims           *prometheus.CounterVec
	claimedAmount    prometheus.Counter
	ledgerCalls      *prometheus.CounterVec
	ledgerRetries    *prometheus.CounterVec
	ledgerLatency    *prometheus.HistogramVec
	pendingTransfers prometheus.Gauge
	events           *prometheus.CounterVec
	eventBacklog     *prometheus.GaugeVec
}

var (
	settlementOnce sync.Once
	settlementReg  *SettlementMetrics
)

// Settlement returns the lazily-initialised settlement metrics registry.
func Settlement() *SettlementMetrics {
	settlementOnce.Do(func() {
		settlementReg = &SettlementMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settlement",
				Subsystem: "market",
				Name:      "transitions_total",
				Help:      "Market lifecycle transitions segmented by transition and result.",
			}, []string{"transition", "result"}),
			trades: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settlement",
				Subsystem: "amm",
				Name:      "trades_total",
				Help:      "AMM trades segmented by side, outcome and result.",
			}, []string{"side", "outcome", "result"}),
			volume: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settlement",
				Subsystem: "amm",
				Name:      "volume_usdc_total",
				Help:      "USDC traded through the AMM segmented by side.",
			}, []string{"side"}),
			commitments: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settlement",
				Subsystem: "commitment",
				Name:      "operations_total",
				Help:      "Commit-reveal operations segmented by operation and result.",
			}, []string{"operation", "result"}),
			claims: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settlement",
				Subsystem: "payout",
				Name:      "claims_total",
				Help:      "Claims and cancellation refunds segmented by kind and result.",
			}, []string{"kind", "result"}),
			claimedAmount: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "settlement",
				Subsystem: "payout",
				Name:      "claimed_usdc_total",
				Help:      "USDC released to claimants.",
			}),
			ledgerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settlement",
				Subsystem: "ledger",
				Name:      "calls_total",
				Help:      "External ledger calls segmented by operation and result.",
			}, []string{"operation", "result"}),
			ledgerRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settlement",
				Subsystem: "ledger",
				Name:      "retries_total",
				Help:      "Retries of ledger calls after a retryable failure.",
			}, []string{"operation"}),
			ledgerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "settlement",
				Subsystem: "ledger",
				Name:      "call_duration_seconds",
				Help:      "Latency of individual ledger calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			pendingTransfers: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "settlement",
				Subsystem: "ledger",
				Name:      "pending_transfers",
				Help:      "Transfers awaiting confirmation at the last reconciliation pass.",
			}),
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settlement",
				Subsystem: "events",
				Name:      "deliveries_total",
				Help:      "Domain event deliveries segmented by sink and result.",
			}, []string{"sink", "result"}),
			eventBacklog: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "settlement",
				Subsystem: "events",
				Name:      "backlog",
				Help:      "Events queued for a sink and not yet delivered.",
			}, []string{"sink"}),
		}
		prometheus.MustRegister(
			settlementReg.transitions,
			settlementReg.trades,
			settlementReg.volume,
			settlementReg.commitments,
			settlementReg.claims,
			settlementReg.claimedAmount,
			settlementReg.ledgerCalls,
			settlementReg.ledgerRetries,
			settlementReg.ledgerLatency,
			settlementReg.pendingTransfers,
			settlementReg.events,
			settlementReg.eventBacklog,
		)
	})
	return settlementReg
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordTransition counts a lifecycle transition attempt.
func (m *SettlementMetrics) RecordTransition(transition string, err error) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(transition, result(err)).Inc()
}

// RecordTrade counts an AMM trade and, on success, its USDC volume.
func (m *SettlementMetrics) RecordTrade(side, outcome string, amount decimal.Decimal, err error) {
	if m == nil {
		return
	}
	m.trades.WithLabelValues(side, outcome, result(err)).Inc()
	if err == nil {
		m.volume.WithLabelValues(side).Add(amount.InexactFloat64())
	}
}

// RecordCommitment counts a commit-reveal operation.
func (m *SettlementMetrics) RecordCommitment(operation string, err error) {
	if m == nil {
		return
	}
	m.commitments.WithLabelValues(operation, result(err)).Inc()
}

// RecordClaim counts a payout claim attempt.
func (m *SettlementMetrics) RecordClaim(kind string, amount decimal.Decimal, err error) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(kind, result(err)).Inc()
	if err == nil {
		m.claimedAmount.Add(amount.InexactFloat64())
	}
}

// RecordLedgerCall records the outcome and latency of one ledger call.
func (m *SettlementMetrics) RecordLedgerCall(operation string, seconds float64, err error) {
	if m == nil {
		return
	}
	m.ledgerCalls.WithLabelValues(operation, result(err)).Inc()
	m.ledgerLatency.WithLabelValues(operation).Observe(seconds)
}

// RecordLedgerRetry counts a retry of a ledger call.
func (m *SettlementMetrics) RecordLedgerRetry(operation string) {
	if m == nil {
		return
	}
	m.ledgerRetries.WithLabelValues(operation).Inc()
}

// SetPendingTransfers updates the pending transfer gauge.
func (m *SettlementMetrics) SetPendingTransfers(n int) {
	if m == nil {
		return
	}
	m.pendingTransfers.Set(float64(n))
}

// RecordEventDelivery counts a delivery attempt to an event sink.
func (m *SettlementMetrics) RecordEventDelivery(sink string, err error) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(sink, result(err)).Inc()
}

// SetEventBacklog reports how many events wait for sink.
func (m *SettlementMetrics) SetEventBacklog(sink string, n int) {
	if m == nil {
		return
	}
	m.eventBacklog.WithLabelValues(sink).Set(float64(n))
}
