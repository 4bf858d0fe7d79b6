package metrics

import "github.com/prometheus/client_golang/prometheus"

// PipelineMetrics holds Prometheus metrics for event publishing and relaying.
type PipelineMetrics struct {
	PublishTotal    *prometheus.CounterVec
	PublishDuration *prometheus.HistogramVec
	RelayMessages   prometheus.Counter
	RelayReconnects prometheus.Counter
}

// NewPipelineMetrics creates and registers pipeline metrics on the given registerer.
func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	m := &PipelineMetrics{
		PublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "publish_total",
			Help:      "Total number of board events published, by transport and status.",
		}, []string{"transport", "status"}),
		PublishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "publish_duration_seconds",
			Help:      "Time spent publishing a board event, by status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		RelayMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "messages_total",
			Help:      "Total number of activity events received from pub/sub.",
		}),
		RelayReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "reconnects_total",
			Help:      "Total number of pub/sub subscription reinitializations.",
		}),
	}

	reg.MustRegister(m.PublishTotal, m.PublishDuration, m.RelayMessages, m.RelayReconnects)
	return m
}
