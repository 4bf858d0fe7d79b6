package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/boardwire/internal/broker"
	"github.com/gosuda/boardwire/internal/metrics"
	redisstore "github.com/gosuda/boardwire/internal/store/redis"
)

// Session is one consuming broker session.
type Session interface {
	Channel() broker.ConfirmChannel
	Consume(queue, consumerTag string) (<-chan amqp.Delivery, error)
	Cancel(consumerTag string) error
	Close() error
}

// Dialer opens a fresh broker session with topology declared.
type Dialer func(ctx context.Context) (Session, error)

// ReconnectConfig bounds the backoff between broker session attempts.
type ReconnectConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// Config wires a Worker process.
type Config struct {
	Broker            broker.Config
	MaxRetries        int
	RedisURL          string
	ActivityChannel   string
	IdempotencyPrefix string
	IdempotencyTTL    time.Duration
	Breaker           BreakerConfig
	Reconnect         ReconnectConfig
	ConsumerTag       string
	// Dial overrides how broker sessions are opened. Nil dials Broker.
	Dial Dialer
}

// Worker owns the connections of the fan-out process.
type Worker struct {
	cfg     Config
	metrics *metrics.WorkerMetrics
}

func New(cfg Config, m *metrics.WorkerMetrics) *Worker {
	if cfg.ConsumerTag == "" {
		cfg.ConsumerTag = "boardwire-worker-" + uuid.NewString()
	}
	if cfg.Reconnect.InitialDelay <= 0 {
		cfg.Reconnect.InitialDelay = 1500 * time.Millisecond
	}
	if cfg.Reconnect.MaxDelay < cfg.Reconnect.InitialDelay {
		cfg.Reconnect.MaxDelay = cfg.Reconnect.InitialDelay
	}
	if cfg.Dial == nil {
		cfg.Dial = amqpDialer(cfg.Broker)
	}
	return &Worker{cfg: cfg, metrics: m}
}

// Run connects to Redis, then consumes board events until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	ps, err := redisstore.New(ctx, w.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("worker.Worker.Run: %w", err)
	}
	defer func() {
		if err := ps.Close(); err != nil {
			log.Warn().Err(err).Msg("close redis")
		}
	}()

	idem := redisstore.NewIdempotencyStore(ps.Client(), w.cfg.IdempotencyPrefix, w.cfg.IdempotencyTTL, 0)
	fanout := NewBreakerBroadcaster(NewRedisBroadcaster(ps, w.cfg.ActivityChannel), w.cfg.Breaker, w.metrics)

	return w.Serve(ctx, idem, fanout)
}

// Serve consumes until ctx is done. A lost or unreachable broker session is
// re-opened with capped exponential backoff; Serve only returns once ctx is
// cancelled and in-flight deliveries have drained.
func (w *Worker) Serve(ctx context.Context, idem Idempotency, fanout Broadcaster) error {
	delay := w.cfg.Reconnect.InitialDelay
	for {
		opened, err := w.consumeOnce(ctx, idem, fanout)
		if ctx.Err() != nil {
			log.Info().Msg("board event consumer stopped")
			return nil
		}
		if opened {
			delay = w.cfg.Reconnect.InitialDelay
		}

		log.Warn().Err(err).Dur("backoff", delay).Msg("rabbitmq consumer lost, reconnecting")
		w.metrics.Reconnects.Inc()

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			log.Info().Msg("board event consumer stopped")
			return nil
		case <-t.C:
		}
		delay = min(delay*2, w.cfg.Reconnect.MaxDelay)
	}
}

// consumeOnce runs one broker session to completion. opened reports whether
// the session got as far as consuming.
func (w *Worker) consumeOnce(ctx context.Context, idem Idempotency, fanout Broadcaster) (opened bool, err error) {
	session, err := w.cfg.Dial(ctx)
	if err != nil {
		return false, err
	}
	defer func() {
		if err := session.Close(); err != nil {
			log.Debug().Err(err).Msg("close rabbitmq session")
		}
	}()

	topo := w.cfg.Broker.Topology
	deliveries, err := session.Consume(topo.Queue, w.cfg.ConsumerTag)
	if err != nil {
		return false, fmt.Errorf("worker.Worker.consume: %w", err)
	}

	consumer := NewConsumer(ConsumerConfig{
		Topology:   topo,
		MaxRetries: w.cfg.MaxRetries,
		Prefetch:   w.cfg.Broker.PrefetchCount,
	}, session.Channel(), idem, fanout, w.metrics)

	log.Info().
		Str("queue", topo.Queue).
		Str("retry_queue", topo.RetryQueue).
		Str("dlq", topo.DLQQueue).
		Msg("rabbitmq consumer ready")

	stopped := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			if err := session.Cancel(w.cfg.ConsumerTag); err != nil {
				log.Warn().Err(err).Msg("cancel consumer")
			}
		case <-stopped:
		}
	}()

	err = consumer.Run(context.Background(), deliveries)
	close(stopped)
	if err != nil {
		return true, fmt.Errorf("worker.Worker.consume: %w", err)
	}
	if ctx.Err() == nil {
		return true, errDeliveriesClosed
	}
	return true, nil
}

var errDeliveriesClosed = errors.New("delivery channel closed by broker")

type amqpSession struct {
	s *broker.Session
}

func amqpDialer(cfg broker.Config) Dialer {
	return func(ctx context.Context) (Session, error) {
		s, err := broker.Open(ctx, cfg, true)
		if err != nil {
			return nil, err
		}
		return amqpSession{s: s}, nil
	}
}

func (a amqpSession) Channel() broker.ConfirmChannel { return a.s.Channel }

func (a amqpSession) Consume(queue, consumerTag string) (<-chan amqp.Delivery, error) {
	return a.s.Channel.Consume(queue, consumerTag, false, false, false, false, nil)
}

func (a amqpSession) Cancel(consumerTag string) error {
	return a.s.Channel.Cancel(consumerTag, false)
}

func (a amqpSession) Close() error { return a.s.Close() }
