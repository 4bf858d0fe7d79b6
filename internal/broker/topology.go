// Package broker wraps RabbitMQ: exchange/queue topology, durable publishing
// with confirms, and the retry/dead-letter header conventions.
package broker

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Topology names the primary, retry and dead-letter routes.
type Topology struct {
	Exchange   string
	Queue      string
	RoutingKey string

	RetryExchange   string
	RetryQueue      string
	RetryRoutingKey string

	DLQExchange   string
	DLQQueue      string
	DLQRoutingKey string

	// RetryDelay is how long a message parks in the retry queue before it is
	// dead-lettered back onto the primary exchange.
	RetryDelay time.Duration
}

// TopologyChannel is the subset of *amqp.Channel needed to declare topology.
type TopologyChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// DeclareTopology idempotently declares all exchanges, queues and bindings.
// The retry queue has no consumer: messages expire after RetryDelay and are
// dead-lettered onto the primary exchange with the primary routing key.
func DeclareTopology(ch TopologyChannel, t Topology) error {
	for _, name := range []string{t.Exchange, t.RetryExchange, t.DLQExchange} {
		if err := ch.ExchangeDeclare(name, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
			return fmt.Errorf("broker.DeclareTopology: exchange %q: %w", name, err)
		}
	}

	queues := []struct {
		name, key, exchange string
		args                amqp.Table
	}{
		{name: t.Queue, key: t.RoutingKey, exchange: t.Exchange},
		{name: t.RetryQueue, key: t.RetryRoutingKey, exchange: t.RetryExchange, args: amqp.Table{
			"x-message-ttl":             t.RetryDelay.Milliseconds(),
			"x-dead-letter-exchange":    t.Exchange,
			"x-dead-letter-routing-key": t.RoutingKey,
		}},
		{name: t.DLQQueue, key: t.DLQRoutingKey, exchange: t.DLQExchange},
	}

	for _, q := range queues {
		if _, err := ch.QueueDeclare(q.name, true, false, false, false, q.args); err != nil {
			return fmt.Errorf("broker.DeclareTopology: queue %q: %w", q.name, err)
		}
		if err := ch.QueueBind(q.name, q.key, q.exchange, false, nil); err != nil {
			return fmt.Errorf("broker.DeclareTopology: bind %q: %w", q.name, err)
		}
	}

	return nil
}
