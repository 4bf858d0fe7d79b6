package metrics

import "github.com/prometheus/client_golang/prometheus"

// RealtimeMetrics holds Prometheus metrics for the connection registry.
type RealtimeMetrics struct {
	ActiveConnections prometheus.Gauge
	ActivityListeners prometheus.Gauge
	BroadcastsTotal   prometheus.Counter
	StaleConnections  prometheus.Counter
	RejectedConnects  prometheus.Counter
}

// NewRealtimeMetrics creates and registers registry metrics on the given registerer.
func NewRealtimeMetrics(reg prometheus.Registerer) *RealtimeMetrics {
	m := &RealtimeMetrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "active_connections",
			Help:      "Number of live WebSocket connections across all boards.",
		}),
		ActivityListeners: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "activity_listeners",
			Help:      "Number of registered SSE activity listeners.",
		}),
		BroadcastsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "broadcasts_total",
			Help:      "Total number of activity events broadcast.",
		}),
		StaleConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "stale_connections_removed_total",
			Help:      "Total number of connections removed after a failed or closed send.",
		}),
		RejectedConnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "rejected_connections_total",
			Help:      "Total number of WebSocket connections refused at capacity.",
		}),
	}

	reg.MustRegister(m.ActiveConnections, m.ActivityListeners, m.BroadcastsTotal, m.StaleConnections, m.RejectedConnects)
	return m
}
