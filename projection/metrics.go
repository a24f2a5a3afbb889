package projection

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds projection pipeline collectors. A nil *Metrics is valid and records nothing
type Metrics struct {
	applied          *prometheus.CounterVec
	anomalies        *prometheus.CounterVec
	queueDepth       prometheus.Gauge
	dispatchFailures *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	rebuildFailures  *prometheus.CounterVec
}

// NewMetrics registers projection collectors with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		applied: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "booking",
			Subsystem: "projection",
			Name:      "events_applied_total",
			Help:      "Events folded into read models.",
		}, []string{"aggregate_type"}),
		anomalies: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "booking",
			Subsystem: "projection",
			Name:      "anomalies_total",
			Help:      "Events skipped by the projection engine, by reason.",
		}, []string{"aggregate_type", "event_type", "reason"}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "booking",
			Subsystem: "projection",
			Name:      "queue_depth",
			Help:      "Items waiting in the dispatch queue.",
		}),
		dispatchFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "booking",
			Subsystem: "projection",
			Name:      "dispatch_failures_total",
			Help:      "Queue items that failed after all retries and need a rebuild.",
		}, []string{"aggregate_type"}),
		dispatchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "booking",
			Subsystem: "projection",
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent projecting a dequeued item, retries included.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"aggregate_type"}),
		rebuildFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "booking",
			Subsystem: "projection",
			Name:      "rebuild_failures_total",
			Help:      "Aggregates that failed during a full rebuild.",
		}, []string{"aggregate_type"}),
	}
}

func (m *Metrics) incApplied(aggregateType string) {
	if m == nil {
		return
	}

	m.applied.WithLabelValues(aggregateType).Inc()
}

func (m *Metrics) incAnomaly(aggregateType, eventType, reason string) {
	if m == nil {
		return
	}

	m.anomalies.WithLabelValues(aggregateType, eventType, reason).Inc()
}

func (m *Metrics) setQueueDepth(n int) {
	if m == nil {
		return
	}

	m.queueDepth.Set(float64(n))
}

func (m *Metrics) incDispatchFailure(aggregateType string) {
	if m == nil {
		return
	}

	m.dispatchFailures.WithLabelValues(aggregateType).Inc()
}

func (m *Metrics) observeDispatch(aggregateType string, seconds float64) {
	if m == nil {
		return
	}

	m.dispatchDuration.WithLabelValues(aggregateType).Observe(seconds)
}

func (m *Metrics) incRebuildFailure(aggregateType string) {
	if m == nil {
		return
	}

	m.rebuildFailures.WithLabelValues(aggregateType).Inc()
}
