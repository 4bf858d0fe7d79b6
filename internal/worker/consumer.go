// Package worker consumes board events from RabbitMQ, deduplicates them and
// fans them out over Redis, routing failures through retry and dead-letter
// exchanges.
package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/gosuda/boardwire/internal/broker"
	"github.com/gosuda/boardwire/internal/domain"
	"github.com/gosuda/boardwire/internal/metrics"
)

// Idempotency remembers which idempotency keys have been fanned out.
type Idempotency interface {
	IsProcessed(ctx context.Context, key string) (bool, error)
	MarkProcessed(ctx context.Context, key string) error
}

// Broadcaster delivers an activity event to the pub/sub layer.
type Broadcaster interface {
	Broadcast(ctx context.Context, event domain.ActivityEvent) error
}

// ConsumerConfig controls retry routing and concurrency.
type ConsumerConfig struct {
	Topology   broker.Topology
	MaxRetries int
	// Prefetch bounds the number of deliveries handled concurrently.
	Prefetch int
}

// Consumer handles one delivery at a time per goroutine and acks every
// delivery exactly once, except when a retry or dead-letter republish fails,
// in which case the delivery is nacked for redelivery.
type Consumer struct {
	cfg     ConsumerConfig
	ch      broker.ConfirmChannel
	idem    Idempotency
	fanout  Broadcaster
	metrics *metrics.WorkerMetrics
	now     func() time.Time
}

// NewConsumer creates a consumer that republishes failures on ch.
func NewConsumer(cfg ConsumerConfig, ch broker.ConfirmChannel, idem Idempotency, fanout Broadcaster, m *metrics.WorkerMetrics) *Consumer {
	return &Consumer{
		cfg:     cfg,
		ch:      ch,
		idem:    idem,
		fanout:  fanout,
		metrics: m,
		now:     time.Now,
	}
}

// Run handles deliveries with at most Prefetch in flight until deliveries is
// closed or ctx is done, then waits for in-flight handlers. Handlers are not
// cancelled by ctx so a retry republish can finish during shutdown.
func (c *Consumer) Run(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	var g errgroup.Group
	g.SetLimit(max(c.cfg.Prefetch, 1))

	handlerCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			return g.Wait()
		case d, ok := <-deliveries:
			if !ok {
				return g.Wait()
			}
			g.Go(func() error {
				c.Handle(handlerCtx, d)
				return nil
			})
		}
	}
}

// Handle processes a single delivery.
func (c *Consumer) Handle(ctx context.Context, d amqp.Delivery) {
	start := c.now()
	defer func() { c.metrics.HandleDuration.Observe(time.Since(start).Seconds()) }()

	env, err := domain.DecodeEnvelope(d.Body)
	if err != nil {
		log.Error().Err(err).Str("message_id", d.MessageId).Msg("invalid board event, routing to dlq")
		c.deadLetterInvalid(ctx, d, err)
		return
	}

	logger := log.With().
		Str("event_id", env.EventID).
		Str("board_id", env.BoardID).
		Logger()

	seen, err := c.idem.IsProcessed(ctx, env.IdempotencyKey)
	if err == nil && seen {
		logger.Debug().Str("key", env.IdempotencyKey).Msg("skipping duplicate board event")
		c.ack(d, metrics.OutcomeDuplicate)
		return
	}

	if err == nil {
		err = c.fanout.Broadcast(ctx, domain.BuildActivityEvent(env, c.now()))
		if err == nil {
			err = c.idem.MarkProcessed(ctx, env.IdempotencyKey)
		}
	}
	if err == nil {
		c.ack(d, metrics.OutcomeAcked)
		return
	}

	logger.Warn().Err(err).Msg("fan-out failed")
	c.handleFailure(ctx, d, env, err)
}

func (c *Consumer) handleFailure(ctx context.Context, d amqp.Delivery, env domain.BoardEventEnvelope, cause error) {
	attempts := broker.RetryCount(d.Headers)
	topo := c.cfg.Topology

	exchange, key, outcome := topo.RetryExchange, topo.RetryRoutingKey, metrics.OutcomeRetried
	headers := broker.WithRetry(d.Headers, attempts+1, cause)
	if attempts >= c.cfg.MaxRetries {
		exchange, key, outcome = topo.DLQExchange, topo.DLQRoutingKey, metrics.OutcomeDeadLettered
		headers = broker.WithRetry(d.Headers, attempts, cause)
	}

	msg := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.EventID,
		CorrelationId: env.CorrelationID,
		Timestamp:     c.now().UTC(),
		Headers:       headers,
		Body:          d.Body,
	}

	if err := broker.PublishConfirmed(ctx, c.ch, exchange, key, msg); err != nil {
		log.Error().Err(err).Str("event_id", env.EventID).Str("exchange", exchange).Msg("republish failed, requeueing")
		c.requeue(d)
		return
	}

	if outcome == metrics.OutcomeDeadLettered {
		log.Error().Err(cause).
			Str("event_id", env.EventID).
			Str("board_id", env.BoardID).
			Int("attempts", attempts).
			Msg("poison board event routed to dlq")
	} else {
		log.Warn().
			Str("event_id", env.EventID).
			Str("board_id", env.BoardID).
			Int("attempt", attempts+1).
			Msg("board event queued for retry")
	}
	c.ack(d, outcome)
}

func (c *Consumer) deadLetterInvalid(ctx context.Context, d amqp.Delivery, cause error) {
	contentType := d.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	messageID := d.MessageId
	if messageID == "" {
		messageID = uuid.NewString()
	}

	msg := amqp.Publishing{
		ContentType:  contentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID,
		Timestamp:    c.now().UTC(),
		Headers:      broker.WithFailure(d.Headers, broker.FailureInvalidPayload, cause),
		Body:         d.Body,
	}

	topo := c.cfg.Topology
	if err := broker.PublishConfirmed(ctx, c.ch, topo.DLQExchange, topo.DLQRoutingKey, msg); err != nil {
		log.Error().Err(err).Str("message_id", messageID).Msg("dead-letter publish failed, requeueing")
		c.requeue(d)
		return
	}
	c.ack(d, metrics.OutcomeInvalid)
}

func (c *Consumer) ack(d amqp.Delivery, outcome string) {
	if err := d.Ack(false); err != nil {
		log.Error().Err(err).Uint64("delivery_tag", d.DeliveryTag).Msg("ack failed")
	}
	c.metrics.Deliveries.WithLabelValues(outcome).Inc()
}

func (c *Consumer) requeue(d amqp.Delivery) {
	if err := d.Nack(false, true); err != nil {
		log.Error().Err(err).Uint64("delivery_tag", d.DeliveryTag).Msg("nack failed")
	}
	c.metrics.Deliveries.WithLabelValues(metrics.OutcomeRequeued).Inc()
}
