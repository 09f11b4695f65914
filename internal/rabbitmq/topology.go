// Package rabbitmq carries the saga envelopes over AMQP topic exchanges.
// It is the one transport with a broker-side delay: the order timeout
// waits out its TTL in a queue and is dead-lettered when it expires.
package rabbitmq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/jogardn/food-delivery-saga/internal/events"
)

// declarer is the part of *amqp.Channel that declares topology.
type declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// QueueArgs returns the declaration arguments of q. A delay queue expires
// messages into its dead-letter exchange. A consumed queue dead-letters
// rejected messages into its parking queue through the default exchange.
func QueueArgs(q events.Queue) amqp.Table {
	if q.TTL > 0 {
		return amqp.Table{
			"x-message-ttl":             q.TTL.Milliseconds(),
			"x-dead-letter-exchange":    q.DeadLetterExchange,
			"x-dead-letter-routing-key": q.DeadLetterRoutingKey,
		}
	}
	if q.Consumed {
		return amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": q.DeadLetterQueue(),
		}
	}
	return nil
}

// Declare creates every exchange, queue, parking queue and binding of the
// topology. All declarations are idempotent as long as the arguments do
// not change; RabbitMQ refuses to redeclare a queue with a different TTL.
func Declare(ch declarer, topology events.Topology) error {
	for _, exchange := range topology.Exchanges {
		if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
		}
	}

	for _, q := range topology.Queues {
		if q.Consumed {
			if _, err := ch.QueueDeclare(q.DeadLetterQueue(), true, false, false, false, nil); err != nil {
				return fmt.Errorf("failed to declare queue %s: %w", q.DeadLetterQueue(), err)
			}
		}
		if _, err := ch.QueueDeclare(q.Name, true, false, false, false, QueueArgs(q)); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", q.Name, err)
		}
		for _, b := range q.Bindings {
			if err := ch.QueueBind(q.Name, b.Pattern, b.Exchange, false, nil); err != nil {
				return fmt.Errorf("failed to bind queue %s to %s/%s: %w", q.Name, b.Exchange, b.Pattern, err)
			}
		}
	}
	return nil
}
