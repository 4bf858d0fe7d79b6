package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/boardwire/internal/domain"
	"github.com/gosuda/boardwire/internal/metrics"
	redisstore "github.com/gosuda/boardwire/internal/store/redis"
)

const defaultMaxDecodeFailures = 5

// Stream is an open pub/sub subscription.
type Stream interface {
	ReceiveMessage(ctx context.Context) ([]byte, error)
	Close() error
}

// Source opens a fresh subscription, including a fresh connection.
type Source interface {
	Open(ctx context.Context) (Stream, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (Stream, error)

func (f SourceFunc) Open(ctx context.Context) (Stream, error) { return f(ctx) }

// RedisSource subscribes to channel on a new client for every Open, so a
// reinitialization never reuses a broken connection.
func RedisSource(url, channel string) Source {
	return SourceFunc(func(ctx context.Context) (Stream, error) {
		ps, err := redisstore.New(ctx, url)
		if err != nil {
			return nil, err
		}
		sub, err := ps.Subscribe(ctx, channel)
		if err != nil {
			_ = ps.Close()
			return nil, err
		}
		return &redisStream{ps: ps, Subscription: sub}, nil
	})
}

type redisStream struct {
	ps *redisstore.PubSub
	*redisstore.Subscription
}

func (s *redisStream) Close() error {
	subErr := s.Subscription.Close()
	psErr := s.ps.Close()
	if subErr != nil {
		return subErr
	}
	return psErr
}

// SubscriberConfig controls reconnect backoff.
type SubscriberConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// MaxDecodeFailures consecutive undecodable payloads count as a broken
	// subscription. Zero selects the default of 5.
	MaxDecodeFailures int
}

// Subscriber relays activity events from pub/sub to a Handler, rebuilding
// the subscription with exponential backoff whenever it breaks.
type Subscriber struct {
	source  Source
	handler Handler
	cfg     SubscriberConfig
	metrics *metrics.PipelineMetrics

	mu      sync.Mutex
	stream  Stream
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

// NewSubscriber creates a relay subscriber. Call Start to begin listening.
func NewSubscriber(source Source, handler Handler, cfg SubscriberConfig, m *metrics.PipelineMetrics) *Subscriber {
	if cfg.MaxDecodeFailures <= 0 {
		cfg.MaxDecodeFailures = defaultMaxDecodeFailures
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 1500 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	return &Subscriber{source: source, handler: handler, cfg: cfg, metrics: m}
}

// Start opens the first subscription and launches the listen loop.
func (s *Subscriber) Start(ctx context.Context) error {
	stream, err := s.source.Open(ctx)
	if err != nil {
		return fmt.Errorf("pipeline.Subscriber.Start: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.stream = stream
	s.cancel = cancel
	s.done = make(chan struct{})
	s.stopped = false
	done := s.done
	s.mu.Unlock()

	go s.listen(loopCtx, stream, done)
	return nil
}

// Stop cancels the listen loop, closes the subscription and waits for the
// loop to exit or ctx to expire. Close errors are logged.
func (s *Subscriber) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.cancel()
	s.cancel = nil
	stream := s.stream
	s.stream = nil
	done := s.done
	s.mu.Unlock()

	if stream != nil {
		if err := stream.Close(); err != nil {
			log.Warn().Err(err).Msg("relay subscriber close")
		}
	}

	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Err(ctx.Err()).Msg("relay subscriber did not stop in time")
	}
	return nil
}

func (s *Subscriber) listen(ctx context.Context, stream Stream, done chan struct{}) {
	defer close(done)

	delay := s.cfg.InitialDelay
	failures := 0

	for {
		data, err := stream.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Dur("backoff", delay).Msg("relay subscription broken")
			if stream = s.reinit(ctx, &delay); stream == nil {
				return
			}
			failures = 0
			continue
		}

		ev, err := domain.DecodeActivityEvent(data)
		if err != nil {
			failures++
			log.Warn().Err(err).Int("consecutive", failures).Msg("relay dropped undecodable payload")
			if failures >= s.cfg.MaxDecodeFailures {
				if stream = s.reinit(ctx, &delay); stream == nil {
					return
				}
				failures = 0
			}
			continue
		}

		failures = 0
		delay = s.cfg.InitialDelay
		s.metrics.RelayMessages.Inc()

		if err := s.handler(ctx, ev); err != nil {
			log.Error().Err(err).Str("board_id", ev.Board).Str("event_id", ev.ID).Msg("relay handler failed")
		}
	}
}

// reinit tears down the current subscription and keeps trying to open a new
// one, sleeping the current backoff before each attempt. It returns nil once
// the subscriber is stopped.
func (s *Subscriber) reinit(ctx context.Context, delay *time.Duration) Stream {
	s.swapStream(nil)

	for {
		timer := time.NewTimer(*delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		*delay = min(*delay*2, s.cfg.MaxDelay)

		s.metrics.RelayReconnects.Inc()
		stream, err := s.source.Open(ctx)
		if err != nil {
			log.Warn().Err(err).Dur("backoff", *delay).Msg("relay resubscribe failed")
			continue
		}
		if !s.swapStream(stream) {
			_ = stream.Close()
			return nil
		}
		log.Info().Msg("relay subscription restored")
		return stream
	}
}

// swapStream closes the current stream and installs next. It reports false
// when the subscriber has been stopped, in which case next is not installed.
func (s *Subscriber) swapStream(next Stream) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	prev := s.stream
	s.stream = next
	s.mu.Unlock()

	if prev != nil {
		if err := prev.Close(); err != nil {
			log.Debug().Err(err).Msg("relay close previous subscription")
		}
	}
	return true
}
