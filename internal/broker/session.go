package broker

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Config describes how to reach RabbitMQ and what to declare there.
type Config struct {
	URL           string
	Topology      Topology
	PrefetchCount int
	DialTimeout   time.Duration
}

// Session is one connection and its single channel, with topology declared.
type Session struct {
	Conn    *amqp.Connection
	Channel *amqp.Channel
}

// Open dials RabbitMQ, opens a channel, applies QoS, optionally enables
// publisher confirms and declares the topology.
func Open(ctx context.Context, cfg Config, confirm bool) (*Session, error) {
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}

	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(timeout),
	})
	if err != nil {
		return nil, fmt.Errorf("broker.Open: dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("broker.Open: channel: %w", err)
	}

	s := &Session{Conn: conn, Channel: ch}

	if cfg.PrefetchCount > 0 {
		if err := ch.Qos(cfg.PrefetchCount, 0, false); err != nil {
			s.Close()
			return nil, fmt.Errorf("broker.Open: qos: %w", err)
		}
	}

	if confirm {
		if err := ch.Confirm(false); err != nil {
			s.Close()
			return nil, fmt.Errorf("broker.Open: confirm: %w", err)
		}
	}

	if err := DeclareTopology(ch, cfg.Topology); err != nil {
		s.Close()
		return nil, fmt.Errorf("broker.Open: %w", err)
	}

	return s, nil
}

// Closed reports whether the connection or channel has gone away.
func (s *Session) Closed() bool {
	return s.Conn.IsClosed() || s.Channel.IsClosed()
}

// Close closes the channel then the connection, ignoring errors from
// resources that are already closed.
func (s *Session) Close() error {
	var firstErr error
	if !s.Channel.IsClosed() {
		if err := s.Channel.Close(); err != nil {
			firstErr = fmt.Errorf("broker.Session.Close: channel: %w", err)
		}
	}
	if !s.Conn.IsClosed() {
		if err := s.Conn.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("broker.Session.Close: connection: %w", err)
		}
	}
	return firstErr
}

// PublishWithDeferredConfirmWithContext publishes on the session's channel.
func (s *Session) PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error) {
	return s.Channel.PublishWithDeferredConfirmWithContext(ctx, exchange, key, mandatory, immediate, msg)
}
