package broker

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConfirmChannel is the subset of *amqp.Channel used to publish with confirms.
type ConfirmChannel interface {
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
}

// PublishConfirmed publishes msg and waits for the broker ack when the
// channel is in confirm mode. A nack yields ErrPublishNacked.
func PublishConfirmed(ctx context.Context, ch ConfirmChannel, exchange, key string, msg amqp.Publishing) error {
	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if err != nil {
		return fmt.Errorf("broker.PublishConfirmed: %w", err)
	}
	if dc == nil {
		return nil
	}

	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("broker.PublishConfirmed: wait: %w", err)
	}
	if !acked {
		return fmt.Errorf("broker.PublishConfirmed: %s/%s: %w", exchange, key, ErrPublishNacked)
	}
	return nil
}
