package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/boardwire/internal/domain"
)

// PublishSession is an open confirm-mode channel the Publisher writes to.
// *Session satisfies it.
type PublishSession interface {
	ConfirmChannel
	Closed() bool
	Close() error
}

// SessionOpener opens a fresh PublishSession with topology declared.
type SessionOpener func(ctx context.Context) (PublishSession, error)

// Publisher durably publishes board event envelopes to the primary exchange.
type Publisher struct {
	cfg  Config
	open SessionOpener

	mu      sync.Mutex
	session PublishSession
}

// NewPublisher creates a publisher that dials cfg.URL. Call Start before Publish.
func NewPublisher(cfg Config) *Publisher {
	return NewPublisherWithOpener(cfg, func(ctx context.Context) (PublishSession, error) {
		return Open(ctx, cfg, true)
	})
}

// NewPublisherWithOpener creates a publisher whose sessions come from open.
func NewPublisherWithOpener(cfg Config, open SessionOpener) *Publisher {
	return &Publisher{cfg: cfg, open: open}
}

// Start connects, enables confirms and declares the topology.
func (p *Publisher) Start(ctx context.Context) error {
	s, err := p.open(ctx)
	if err != nil {
		return fmt.Errorf("broker.Publisher.Start: %w", err)
	}

	p.mu.Lock()
	old := p.session
	p.session = s
	p.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	log.Info().
		Str("exchange", p.cfg.Topology.Exchange).
		Str("queue", p.cfg.Topology.Queue).
		Msg("rabbitmq publisher ready")
	return nil
}

// Stop closes the channel and connection. It is safe to call when not started.
func (p *Publisher) Stop(_ context.Context) error {
	p.mu.Lock()
	s := p.session
	p.session = nil
	p.mu.Unlock()

	if s == nil {
		return nil
	}
	if err := s.Close(); err != nil {
		return fmt.Errorf("broker.Publisher.Stop: %w", err)
	}
	return nil
}

// Publish sends env as a persistent message and waits for the broker confirm.
// A closed connection is redialled once before giving up with
// ErrTransportUnavailable.
func (p *Publisher) Publish(ctx context.Context, env domain.BoardEventEnvelope) error {
	body, err := env.Encode()
	if err != nil {
		return fmt.Errorf("broker.Publisher.Publish: %w", err)
	}

	s, err := p.liveSession(ctx)
	if err != nil {
		return err
	}

	msg := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.EventID,
		CorrelationId: env.CorrelationID,
		Timestamp:     env.PublishedAt,
		Headers: amqp.Table{
			HeaderCorrelationID:  env.CorrelationID,
			HeaderIdempotencyKey: env.IdempotencyKey,
		},
		Body: body,
	}

	if err := PublishConfirmed(ctx, s, p.cfg.Topology.Exchange, p.cfg.Topology.RoutingKey, msg); err != nil {
		if errors.Is(err, amqp.ErrClosed) {
			return fmt.Errorf("broker.Publisher.Publish: %w: %w", ErrTransportUnavailable, err)
		}
		return fmt.Errorf("broker.Publisher.Publish: %w", err)
	}

	log.Debug().
		Str("event_id", env.EventID).
		Str("board_id", env.BoardID).
		Msg("board event published")
	return nil
}

func (p *Publisher) liveSession(ctx context.Context) (PublishSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.session == nil {
		return nil, ErrPublisherNotStarted
	}
	if !p.session.Closed() {
		return p.session, nil
	}

	log.Warn().Msg("rabbitmq connection closed, redialling")
	_ = p.session.Close()

	s, err := p.open(ctx)
	if err != nil {
		return nil, fmt.Errorf("broker.Publisher.Publish: %w: %w", ErrTransportUnavailable, err)
	}
	p.session = s
	return s, nil
}
