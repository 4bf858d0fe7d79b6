package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/gosuda/boardwire/internal/domain"
	"github.com/gosuda/boardwire/internal/metrics"
)

// ChannelPublisher publishes raw payloads to a named pub/sub channel.
type ChannelPublisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// RedisBroadcaster publishes encoded activity events to one channel.
type RedisBroadcaster struct {
	pub     ChannelPublisher
	channel string
}

func NewRedisBroadcaster(pub ChannelPublisher, channel string) *RedisBroadcaster {
	return &RedisBroadcaster{pub: pub, channel: channel}
}

func (b *RedisBroadcaster) Broadcast(ctx context.Context, event domain.ActivityEvent) error {
	data, err := event.Encode()
	if err != nil {
		return fmt.Errorf("worker.RedisBroadcaster.Broadcast: %w", err)
	}
	if err := b.pub.Publish(ctx, b.channel, data); err != nil {
		return fmt.Errorf("worker.RedisBroadcaster.Broadcast: %w", err)
	}
	return nil
}

// BreakerConfig tunes the fan-out circuit breaker.
type BreakerConfig struct {
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before a trial request.
	OpenTimeout time.Duration
}

// BreakerBroadcaster fails fast while the downstream broadcaster is known to
// be down, pushing deliveries straight into the retry path.
type BreakerBroadcaster struct {
	next Broadcaster
	cb   *gobreaker.CircuitBreaker
}

// NewBreakerBroadcaster wraps next. m may be nil.
func NewBreakerBroadcaster(next Broadcaster, cfg BreakerConfig, m *metrics.WorkerMetrics) *BreakerBroadcaster {
	threshold := cfg.ConsecutiveFailures
	if threshold == 0 {
		threshold = 5
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "fanout",
		Timeout: cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
			if m != nil {
				m.BreakerState.Set(stateValue(to))
			}
		},
	})

	return &BreakerBroadcaster{next: next, cb: cb}
}

func (b *BreakerBroadcaster) Broadcast(ctx context.Context, event domain.ActivityEvent) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Broadcast(ctx, event)
	})
	if err != nil {
		return fmt.Errorf("worker.BreakerBroadcaster.Broadcast: %w", err)
	}
	return nil
}

// State returns the breaker state.
func (b *BreakerBroadcaster) State() gobreaker.State {
	return b.cb.State()
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
