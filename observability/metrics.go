// Package observability hosts the process-wide Prometheus registries. Each
// subsystem gets a lazily-initialised singleton so importing a package never
// double-registers collectors.
package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	orchestratorOnce sync.Once
	orchestratorReg  *OrchestratorMetrics

	paymentOnce sync.Once
	paymentReg  *PaymentMetrics

	settlementOnce sync.Once
	settlementReg  *SettlementMetrics

	dispatcherOnce sync.Once
	dispatcherReg  *DispatcherMetrics
)

// OrchestratorMetrics tracks fan-out request health.
type OrchestratorMetrics struct {
	orchestrations *prometheus.CounterVec
	latency        *prometheus.HistogramVec
	agentOutcomes  *prometheus.CounterVec
	consensus      *prometheus.CounterVec
}

// Orchestrator returns the singleton orchestrator registry.
func Orchestrator() *OrchestratorMetrics {
	orchestratorOnce.Do(func() {
		orchestratorReg = &OrchestratorMetrics{
			orchestrations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "amesh",
				Subsystem: "orchestrator",
				Name:      "orchestrations_total",
				Help:      "Count of orchestrations segmented by aggregation strategy and outcome.",
			}, []string{"strategy", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "amesh",
				Subsystem: "orchestrator",
				Name:      "duration_seconds",
				Help:      "End-to-end orchestration latency distribution.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"strategy"}),
			agentOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "amesh",
				Subsystem: "orchestrator",
				Name:      "agent_responses_total",
				Help:      "Per-agent response outcomes across all orchestrations.",
			}, []string{"outcome"}),
			consensus: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "amesh",
				Subsystem: "orchestrator",
				Name:      "consensus_total",
				Help:      "Count of orchestrations that achieved or missed consensus.",
			}, []string{"achieved"}),
		}
		prometheus.MustRegister(
			orchestratorReg.orchestrations,
			orchestratorReg.latency,
			orchestratorReg.agentOutcomes,
			orchestratorReg.consensus,
		)
	})
	return orchestratorReg
}

// Observe records one finished orchestration.
func (m *OrchestratorMetrics) Observe(strategy string, d time.Duration, err error) {
	if m == nil {
		return
	}
	strategy = labelOrUnknown(strategy)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.orchestrations.WithLabelValues(strategy, outcome).Inc()
	m.latency.WithLabelValues(strategy).Observe(d.Seconds())
}

// RecordAgentOutcome counts a single peer response as success or failure.
func (m *OrchestratorMetrics) RecordAgentOutcome(success bool) {
	if m == nil {
		return
	}
	if success {
		m.agentOutcomes.WithLabelValues("success").Inc()
		return
	}
	m.agentOutcomes.WithLabelValues("failure").Inc()
}

// RecordConsensus counts whether aggregation cleared the consensus threshold.
func (m *OrchestratorMetrics) RecordConsensus(achieved bool) {
	if m == nil {
		return
	}
	if achieved {
		m.consensus.WithLabelValues("true").Inc()
		return
	}
	m.consensus.WithLabelValues("false").Inc()
}

// PaymentMetrics wraps collectors tracking the payment state machine.
type PaymentMetrics struct {
	invoices     *prometheus.CounterVec
	queueDepth   prometheus.Gauge
	pending      prometheus.Gauge
	channels     prometheus.Gauge
	errors       *prometheus.CounterVec
	proofOutcome *prometheus.CounterVec
}

// Payment returns the singleton payment registry.
func Payment() *PaymentMetrics {
	paymentOnce.Do(func() {
		paymentReg = &PaymentMetrics{
			invoices: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "amesh",
				Subsystem: "payment",
				Name:      "invoices_total",
				Help:      "Count of invoices issued segmented by pricing type.",
			}, []string{"type"}),
			queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "amesh",
				Subsystem: "payment",
				Name:      "invoice_queue_depth",
				Help:      "Current depth of the outbound invoice queue.",
			}),
			pending: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "amesh",
				Subsystem: "payment",
				Name:      "pending_payments",
				Help:      "Number of payment waiters currently armed.",
			}),
			channels: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "amesh",
				Subsystem: "payment",
				Name:      "streaming_channels",
				Help:      "Number of open streaming channels.",
			}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "amesh",
				Subsystem: "payment",
				Name:      "errors_total",
				Help:      "Count of payment failures segmented by operation and reason.",
			}, []string{"operation", "reason"}),
			proofOutcome: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "amesh",
				Subsystem: "payment",
				Name:      "proofs_total",
				Help:      "Inbound payment proof verification outcomes.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(
			paymentReg.invoices,
			paymentReg.queueDepth,
			paymentReg.pending,
			paymentReg.channels,
			paymentReg.errors,
			paymentReg.proofOutcome,
		)
	})
	return paymentReg
}

// RecordInvoice counts an issued invoice by pricing type.
func (m *PaymentMetrics) RecordInvoice(pricingType string) {
	if m == nil {
		return
	}
	m.invoices.WithLabelValues(labelOrUnknown(pricingType)).Inc()
}

// SetQueueDepth publishes the invoice queue depth.
func (m *PaymentMetrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// SetPending publishes the number of live payment waiters.
func (m *PaymentMetrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

// SetChannels publishes the number of open streaming channels.
func (m *PaymentMetrics) SetChannels(n int) {
	if m == nil {
		return
	}
	m.channels.Set(float64(n))
}

// RecordError increments the error counter for the supplied operation.
func (m *PaymentMetrics) RecordError(operation, reason string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(labelOrUnknown(operation), labelOrUnknown(reason)).Inc()
}

// RecordProof records a proof verification outcome ("accepted", "replay",
// "mismatch", "unsolicited").
func (m *PaymentMetrics) RecordProof(outcome string) {
	if m == nil {
		return
	}
	m.proofOutcome.WithLabelValues(labelOrUnknown(outcome)).Inc()
}

// SettlementMetrics wraps collectors tracking on-chain settlement health.
type SettlementMetrics struct {
	latency      *prometheus.HistogramVec
	errors       *prometheus.CounterVec
	batches      *prometheus.CounterVec
	pauseEngaged prometheus.Gauge
}

// Settlement returns the singleton settlement registry.
func Settlement() *SettlementMetrics {
	settlementOnce.Do(func() {
		settlementReg = &SettlementMetrics{
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "amesh",
				Subsystem: "settlement",
				Name:      "pay_latency_seconds",
				Help:      "Latency distribution for completed on-chain transfers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"chain"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "amesh",
				Subsystem: "settlement",
				Name:      "errors_total",
				Help:      "Count of settlement failures segmented by chain and reason.",
			}, []string{"chain", "reason"}),
			batches: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "amesh",
				Subsystem: "settlement",
				Name:      "batches_total",
				Help:      "Count of batch settlement groups segmented by outcome.",
			}, []string{"outcome"}),
			pauseEngaged: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "amesh",
				Subsystem: "settlement",
				Name:      "pause_engaged",
				Help:      "Indicates whether the settlement pause guard is active (1) or not (0).",
			}),
		}
		prometheus.MustRegister(
			settlementReg.latency,
			settlementReg.errors,
			settlementReg.batches,
			settlementReg.pauseEngaged,
		)
	})
	return settlementReg
}

// ObserveLatency records the processing latency for one transfer.
func (m *SettlementMetrics) ObserveLatency(chain string, d time.Duration) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(labelOrUnknown(chain)).Observe(d.Seconds())
}

// RecordError increments the settlement error counter.
func (m *SettlementMetrics) RecordError(chain, reason string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(labelOrUnknown(chain), labelOrUnknown(reason)).Inc()
}

// RecordBatch counts one settled batch group.
func (m *SettlementMetrics) RecordBatch(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.batches.WithLabelValues("error").Inc()
		return
	}
	m.batches.WithLabelValues("success").Inc()
}

// SetPause toggles the pause_engaged gauge.
func (m *SettlementMetrics) SetPause(engaged bool) {
	if m == nil {
		return
	}
	if engaged {
		m.pauseEngaged.Set(1)
		return
	}
	m.pauseEngaged.Set(0)
}

// DispatcherMetrics tracks inbound overlay message routing.
type DispatcherMetrics struct {
	messages  *prometheus.CounterVec
	throttles *prometheus.CounterVec
	dropped   *prometheus.CounterVec
}

// Dispatcher returns the singleton dispatcher registry.
func Dispatcher() *DispatcherMetrics {
	dispatcherOnce.Do(func() {
		dispatcherReg = &DispatcherMetrics{
			messages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "amesh",
				Subsystem: "dispatcher",
				Name:      "messages_total",
				Help:      "Inbound overlay messages segmented by type and outcome.",
			}, []string{"type", "outcome"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "amesh",
				Subsystem: "dispatcher",
				Name:      "throttles_total",
				Help:      "Messages rejected by the per-peer rate limiter.",
			}, []string{"type"}),
			dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "amesh",
				Subsystem: "dispatcher",
				Name:      "dropped_total",
				Help:      "Messages dropped before handling segmented by reason.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(dispatcherReg.messages, dispatcherReg.throttles, dispatcherReg.dropped)
	})
	return dispatcherReg
}

// RecordMessage counts a routed message.
func (m *DispatcherMetrics) RecordMessage(msgType string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.messages.WithLabelValues(labelOrUnknown(msgType), outcome).Inc()
}

// RecordThrottle counts a rate-limited message.
func (m *DispatcherMetrics) RecordThrottle(msgType string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(labelOrUnknown(msgType)).Inc()
}

// RecordDrop counts a message dropped before handling ("duplicate",
// "malformed", "unsolicited").
func (m *DispatcherMetrics) RecordDrop(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(labelOrUnknown(reason)).Inc()
}

func labelOrUnknown(label string) string {
	trimmed := strings.TrimSpace(label)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
