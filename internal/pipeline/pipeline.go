package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/boardwire/internal/domain"
	"github.com/gosuda/boardwire/internal/metrics"
)

// Transport modes.
const (
	TransportRabbitMQ = "rabbitmq"
	TransportMemory   = "memory"
)

// Lifecycle is a component with explicit start and stop.
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Options wires an EventPipeline.
type Options struct {
	// Transport is TransportRabbitMQ or TransportMemory.
	Transport string
	// Durable and Subscriber are used in rabbitmq mode.
	Durable    Publisher
	Subscriber Lifecycle
	// Handler receives events directly in memory mode.
	Handler Handler
	Metrics *metrics.PipelineMetrics
}

// EventPipeline owns the active publisher and, in durable mode, the relay
// subscriber that feeds fanned-out events back to live observers.
type EventPipeline struct {
	opts Options

	mu        sync.RWMutex
	publisher Publisher
}

// New creates a pipeline. Nothing connects until Start.
func New(opts Options) *EventPipeline {
	return &EventPipeline{opts: opts}
}

// Start brings the pipeline up. In durable mode the relay subscriber starts
// first so no fanned-out event is missed; if the publisher then fails the
// subscriber is stopped again.
func (p *EventPipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.publisher != nil {
		return nil
	}

	if p.opts.Transport == TransportMemory {
		pub := NewMemoryPublisher(p.opts.Handler)
		if err := pub.Start(ctx); err != nil {
			return fmt.Errorf("pipeline.EventPipeline.Start: %w", err)
		}
		p.publisher = pub
		log.Info().Str("transport", TransportMemory).Msg("event pipeline started")
		return nil
	}

	if err := p.opts.Subscriber.Start(ctx); err != nil {
		return fmt.Errorf("pipeline.EventPipeline.Start: subscriber: %w", err)
	}
	if err := p.opts.Durable.Start(ctx); err != nil {
		if stopErr := p.opts.Subscriber.Stop(ctx); stopErr != nil {
			log.Warn().Err(stopErr).Msg("rollback relay subscriber")
		}
		return fmt.Errorf("pipeline.EventPipeline.Start: publisher: %w", err)
	}
	p.publisher = p.opts.Durable

	log.Info().Str("transport", TransportRabbitMQ).Msg("event pipeline started")
	return nil
}

// Stop shuts down the publisher, then the subscriber.
func (p *EventPipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.publisher == nil {
		return nil
	}

	var firstErr error
	if err := p.publisher.Stop(ctx); err != nil {
		firstErr = fmt.Errorf("pipeline.EventPipeline.Stop: publisher: %w", err)
	}
	if p.opts.Transport != TransportMemory {
		if err := p.opts.Subscriber.Stop(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("pipeline.EventPipeline.Stop: subscriber: %w", err)
		}
	}
	p.publisher = nil
	return firstErr
}

// Publish forwards env to the active publisher.
func (p *EventPipeline) Publish(ctx context.Context, env domain.BoardEventEnvelope) error {
	p.mu.RLock()
	pub := p.publisher
	p.mu.RUnlock()

	if pub == nil {
		return domain.ErrPipelineNotStarted
	}

	start := time.Now()
	err := pub.Publish(ctx, env)

	status := "ok"
	if err != nil {
		status = "error"
	}
	if m := p.opts.Metrics; m != nil {
		m.PublishTotal.WithLabelValues(p.transport(), status).Inc()
		m.PublishDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}

	if err != nil {
		return fmt.Errorf("pipeline.EventPipeline.Publish: %w", err)
	}
	return nil
}

// Ready reports whether a publisher is active.
func (p *EventPipeline) Ready() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.publisher != nil
}

func (p *EventPipeline) transport() string {
	if p.opts.Transport == TransportMemory {
		return TransportMemory
	}
	return TransportRabbitMQ
}
