// Package ws serves the realtime board endpoints: a WebSocket per board for
// submitting and receiving actions, and an SSE stream of all board activity.
package ws

import (
	"context"
	"time"

	"github.com/gosuda/boardwire/internal/domain"
	"github.com/gosuda/boardwire/internal/realtime"
)

// Publisher accepts envelopes built from client actions.
type Publisher interface {
	Publish(ctx context.Context, env domain.BoardEventEnvelope) error
}

// Config holds the realtime endpoint settings.
type Config struct {
	Token          string
	MaxConnections int
	Heartbeat      time.Duration
	// OriginPatterns are host patterns allowed to open cross-origin WebSockets.
	OriginPatterns []string
}

// Hub serves WebSocket peers and SSE listeners from one connection registry.
type Hub struct {
	registry  *realtime.Registry
	publisher Publisher
	cfg       Config
}

// NewHub creates a new realtime hub.
func NewHub(registry *realtime.Registry, publisher Publisher, cfg Config) *Hub {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}
	return &Hub{registry: registry, publisher: publisher, cfg: cfg}
}

// Registry returns the hub's connection registry.
func (h *Hub) Registry() *realtime.Registry {
	return h.registry
}
