package v1

// ReadinessChecker reports whether the event pipeline can accept events.
// *pipeline.EventPipeline satisfies this interface.
type ReadinessChecker interface {
	Ready() bool
}

// ConnectionStats exposes live WebSocket counts.
// *realtime.Registry satisfies this interface.
type ConnectionStats interface {
	ActiveConnections() int
	BoardConnections(boardID string) int
}
