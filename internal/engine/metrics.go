package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "bankserver"

// Retry reasons recorded on the claim_retries_total counter.
const (
	retryGate    = "gate"
	retryLock    = "lock"
	retryClaimed = "claimed"
)

// Metrics groups the server's Prometheus collectors. Each server owns its own
// set; collectors are registered on the Registerer passed to New, or on none.
type Metrics struct {
	Submitted     prometheus.Counter
	Rejected      prometheus.Counter
	Completed     *prometheus.CounterVec
	Retries       *prometheus.CounterVec
	LastCompleted prometheus.Gauge
	Pending       prometheus.Gauge
	Critical      prometheus.Histogram
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Submitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_submitted_total",
			Help:      "Requests accepted into the queue.",
		}),
		Rejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_rejected_total",
			Help:      "Requests rejected by validation before enqueue.",
		}),
		Completed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_completed_total",
			Help:      "Completed requests by outcome tag.",
		}, []string{"outcome"}),
		Retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "claim_retries_total",
			Help:      "Abandoned claim attempts by reason.",
		}, []string{"reason"}),
		LastCompleted: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "gate_last_completed",
			Help:      "Sequence ID of the last completed request.",
		}),
		Pending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "queue_pending",
			Help:      "Requests waiting for a worker.",
		}),
		Critical: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "critical_section_seconds",
			Help:      "Time spent holding account locks per request.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
		}),
	}
}
