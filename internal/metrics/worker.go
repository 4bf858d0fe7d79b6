package metrics

import "github.com/prometheus/client_golang/prometheus"

// Delivery outcomes recorded by the consumer.
const (
	OutcomeAcked        = "acked"
	OutcomeDuplicate    = "duplicate"
	OutcomeRetried      = "retried"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeInvalid      = "invalid"
	OutcomeRequeued     = "requeued"
)

// WorkerMetrics holds Prometheus metrics for the fan-out worker.
type WorkerMetrics struct {
	Deliveries     *prometheus.CounterVec
	HandleDuration prometheus.Histogram
	BreakerState   prometheus.Gauge
	Reconnects     prometheus.Counter
}

// NewWorkerMetrics creates and registers worker metrics on the given registerer.
func NewWorkerMetrics(reg prometheus.Registerer) *WorkerMetrics {
	m := &WorkerMetrics{
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "deliveries_total",
			Help:      "Total number of broker deliveries handled, by outcome.",
		}, []string{"outcome"}),
		HandleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "handle_duration_seconds",
			Help:      "Time spent handling one broker delivery.",
			Buckets:   prometheus.DefBuckets,
		}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "fanout_breaker_state",
			Help:      "Fan-out circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "broker_reconnects_total",
			Help:      "Total number of times the consumer re-opened its broker session.",
		}),
	}

	reg.MustRegister(m.Deliveries, m.HandleDuration, m.BreakerState, m.Reconnects)
	return m
}
