package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	indexerMetricsOnce sync.Once
	indexerRegistry    *IndexerMetrics

	settlementMetricsOnce sync.Once
	settlementRegistry    *SettlementMetrics

	poolMetricsOnce sync.Once
	poolRegistry    *PoolMetrics
)

// IndexerMetrics wraps collectors tracking indexer progress and handler
// health. Handler failures are the alerting signal for logs that repeatedly
// fail reconciliation while the checkpoint keeps advancing past them.
type IndexerMetrics struct {
	logsProcessed   *prometheus.CounterVec
	handlerFailures *prometheus.CounterVec
	tickFailures    *prometheus.CounterVec
	checkpoint      *prometheus.GaugeVec
}

// Indexer returns the lazily-initialised indexer metrics registry.
func Indexer() *IndexerMetrics {
	indexerMetricsOnce.Do(func() {
		indexerRegistry = &IndexerMetrics{
			logsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "arcade",
				Subsystem: "indexer",
				Name:      "logs_processed_total",
				Help:      "Total chain logs dispatched to handlers, segmented by contract and event.",
			}, []string{"contract", "event"}),
			handlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "arcade",
				Subsystem: "indexer",
				Name:      "handler_failures_total",
				Help:      "Total handler errors that were logged and skipped without blocking the checkpoint.",
			}, []string{"contract", "event"}),
			tickFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "arcade",
				Subsystem: "indexer",
				Name:      "tick_failures_total",
				Help:      "Total sync ticks aborted by RPC failures, segmented by contract.",
			}, []string{"contract"}),
			checkpoint: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "arcade",
				Subsystem: "indexer",
				Name:      "checkpoint_block",
				Help:      "Last synced block per monitored contract.",
			}, []string{"contract"}),
		}
		prometheus.MustRegister(
			indexerRegistry.logsProcessed,
			indexerRegistry.handlerFailures,
			indexerRegistry.tickFailures,
			indexerRegistry.checkpoint,
		)
	})
	return indexerRegistry
}

// ObserveLog records one dispatched log and whether its handler failed.
func (m *IndexerMetrics) ObserveLog(contract, event string, failed bool) {
	if m == nil {
		return
	}
	m.logsProcessed.WithLabelValues(contract, event).Inc()
	if failed {
		m.handlerFailures.WithLabelValues(contract, event).Inc()
	}
}

// RecordTickFailure counts an aborted sync tick for a contract.
func (m *IndexerMetrics) RecordTickFailure(contract string) {
	if m == nil {
		return
	}
	m.tickFailures.WithLabelValues(contract).Inc()
}

// SetCheckpoint reports the latest persisted checkpoint height.
func (m *IndexerMetrics) SetCheckpoint(contract string, block uint64) {
	if m == nil {
		return
	}
	m.checkpoint.WithLabelValues(contract).Set(float64(block))
}

// SettlementMetrics wraps collectors tracking the optimistic settlement path.
type SettlementMetrics struct {
	outcomes    *prometheus.CounterVec
	receiptWait *prometheus.HistogramVec
}

// Settlement returns the lazily-initialised settlement metrics registry.
func Settlement() *SettlementMetrics {
	settlementMetricsOnce.Do(func() {
		settlementRegistry = &SettlementMetrics{
			outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "arcade",
				Subsystem: "settlement",
				Name:      "actions_total",
				Help:      "Total settlement attempts segmented by action kind and outcome.",
			}, []string{"kind", "outcome"}),
			receiptWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "arcade",
				Subsystem: "settlement",
				Name:      "receipt_wait_seconds",
				Help:      "Time spent waiting for local transaction confirmation.",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 45, 90},
			}, []string{"kind"}),
		}
		prometheus.MustRegister(settlementRegistry.outcomes, settlementRegistry.receiptWait)
	})
	return settlementRegistry
}

// Observe records one completed settlement attempt.
func (m *SettlementMetrics) Observe(kind, outcome string, wait time.Duration) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(kind, outcome).Inc()
	if wait > 0 {
		m.receiptWait.WithLabelValues(kind).Observe(wait.Seconds())
	}
}

// PoolMetrics wraps collectors for the shared reward pool.
type PoolMetrics struct {
	claims   *prometheus.CounterVec
	overflow *prometheus.CounterVec
}

// Pool returns the lazily-initialised pool metrics registry.
func Pool() *PoolMetrics {
	poolMetricsOnce.Do(func() {
		poolRegistry = &PoolMetrics{
			claims: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "arcade",
				Subsystem: "pool",
				Name:      "claims_total",
				Help:      "Total pool claim attempts segmented by outcome.",
			}, []string{"outcome"}),
			overflow: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "arcade",
				Subsystem: "pool",
				Name:      "overflow_quarters_total",
				Help:      "Quarters routed past the pool cap, segmented by sink.",
			}, []string{"sink"}),
		}
		prometheus.MustRegister(poolRegistry.claims, poolRegistry.overflow)
	})
	return poolRegistry
}

// RecordClaim counts one claim attempt outcome.
func (m *PoolMetrics) RecordClaim(outcome string) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(outcome).Inc()
}

// RecordOverflow counts quarters routed to an overflow sink.
func (m *PoolMetrics) RecordOverflow(sink string, quarters int64) {
	if m == nil || quarters <= 0 {
		return
	}
	m.overflow.WithLabelValues(sink).Add(float64(quarters))
}
