// Package pipeline composes the board event path: a durable or in-process
// publisher on the way in, and the pub/sub relay on the way out.
package pipeline

import (
	"context"
	"time"

	"github.com/gosuda/boardwire/internal/domain"
)

// Handler receives activity events on their way to live observers.
type Handler func(ctx context.Context, event domain.ActivityEvent) error

// Publisher accepts envelopes from the WebSocket endpoint.
type Publisher interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Publish(ctx context.Context, env domain.BoardEventEnvelope) error
}

// MemoryPublisher bypasses the broker and pub/sub entirely: Publish builds
// the activity event and hands it to the handler before returning. It never
// consults the idempotency store.
type MemoryPublisher struct {
	handler Handler
}

// NewMemoryPublisher creates an in-process publisher delivering to h.
func NewMemoryPublisher(h Handler) *MemoryPublisher {
	return &MemoryPublisher{handler: h}
}

func (p *MemoryPublisher) Start(context.Context) error { return nil }

func (p *MemoryPublisher) Stop(context.Context) error { return nil }

func (p *MemoryPublisher) Publish(ctx context.Context, env domain.BoardEventEnvelope) error {
	return p.handler(ctx, domain.BuildActivityEvent(env, time.Now()))
}
