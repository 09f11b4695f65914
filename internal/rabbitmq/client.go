package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/jogardn/food-delivery-saga/internal/events"
)

const (
	connectAttempts = 30
	connectInterval = 2 * time.Second
	resubscribeWait = time.Second
	requeueDelay    = time.Second
)

// Client publishes with publisher confirms and consumes with manual
// acknowledgements. It redials when the connection drops.
type Client struct {
	url      string
	topology events.Topology
	prefetch int
	logger   *logrus.Logger

	dial    sync.Mutex
	mu      sync.Mutex
	conn    *amqp.Connection
	publish *amqp.Channel
}

// Dial connects to RabbitMQ, waiting for the broker like storage.Open waits
// for Postgres, and declares the topology.
func Dial(ctx context.Context, url string, topology events.Topology, prefetch int, logger *logrus.Logger) (*Client, error) {
	c := &Client{url: url, topology: topology, prefetch: prefetch, logger: logger}

	var err error
	for i := 0; i < connectAttempts; i++ {
		if err = c.connect(); err == nil {
			logger.Info("RabbitMQ connection established")
			return c, nil
		}
		logger.WithError(err).WithField("attempt", i+1).Info("Waiting for RabbitMQ...")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(connectInterval):
		}
	}
	return nil, fmt.Errorf("rabbitmq not reachable after %d attempts: %w", connectAttempts, err)
}

func (c *Client) connect() error {
	conn, err := amqp.DialConfig(c.url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(10 * time.Second),
	})
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}
	if err := Declare(ch, c.topology); err != nil {
		conn.Close()
		return err
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.publish = ch
	c.mu.Unlock()
	return nil
}

// ensure returns a live connection, redialling once if it was closed.
func (c *Client) ensure() (*amqp.Connection, *amqp.Channel, error) {
	c.dial.Lock()
	defer c.dial.Unlock()

	c.mu.Lock()
	conn, ch := c.conn, c.publish
	c.mu.Unlock()

	if conn != nil && !conn.IsClosed() && ch != nil && !ch.IsClosed() {
		return conn, ch, nil
	}
	c.logger.Warn("RabbitMQ connection lost, reconnecting")
	if conn != nil {
		conn.Close()
	}
	if err := c.connect(); err != nil {
		return nil, nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn, c.publish, nil
}

// Publish sends env persistently and waits for the broker's confirm, so a
// nil error means the message is durable.
func (c *Client) Publish(ctx context.Context, env events.Envelope) error {
	_, ch, err := c.ensure()
	if err != nil {
		return err
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, env.Exchange, env.RoutingKey, false, false, toPublishing(env))
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", env.Type, err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return fmt.Errorf("broker refused %s message %s", env.Type, env.MessageID)
	}

	c.logger.WithFields(logrus.Fields{
		"exchange":    env.Exchange,
		"routing_key": env.RoutingKey,
		"message_id":  env.MessageID,
	}).Debug("Message published to RabbitMQ")
	return nil
}

// Subscribe consumes queue until ctx is cancelled, reopening the channel
// when the broker closes it.
func (c *Client) Subscribe(ctx context.Context, queue string, handler events.Handler) error {
	c.logger.WithField("queue", queue).Info("RabbitMQ consumer started")

	for {
		err := c.consume(ctx, queue, handler)
		if ctx.Err() != nil {
			c.logger.WithField("queue", queue).Info("RabbitMQ consumer context cancelled")
			return nil
		}
		c.logger.WithError(err).WithField("queue", queue).Error("RabbitMQ consumer stopped, resubscribing")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(resubscribeWait):
		}
	}
}

func (c *Client) consume(ctx context.Context, queue string, handler events.Handler) error {
	conn, _, err := c.ensure()
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if c.prefetch > 0 {
		if err := ch.Qos(c.prefetch, 0, false); err != nil {
			return err
		}
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			if err := settle(ctx, d, handler(ctx, fromDelivery(d))); err != nil {
				return err
			}
		}
	}
}

// settle acknowledges d according to the handler outcome. Messages that
// can never be processed are rejected without requeue and end up in the
// queue's parking queue.
func settle(ctx context.Context, d amqp.Delivery, handlerErr error) error {
	switch events.Classify(handlerErr) {
	case events.Ack, events.Skip:
		return d.Ack(false)
	case events.DeadLetter:
		return d.Reject(false)
	default:
		select {
		case <-ctx.Done():
		case <-time.After(requeueDelay):
		}
		return d.Nack(false, true)
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func toPublishing(env events.Envelope) amqp.Publishing {
	return amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.MessageID,
		CorrelationId: env.CorrelationID,
		Type:          env.Type,
		Timestamp:     env.OccurredAt,
		Body:          env.Payload,
	}
}

// fromDelivery rebuilds the envelope. A dead-lettered timeout arrives with
// the exchange and routing key it was dead-lettered to.
func fromDelivery(d amqp.Delivery) events.Envelope {
	return events.Envelope{
		MessageID:     d.MessageId,
		CorrelationID: d.CorrelationId,
		Type:          d.Type,
		Exchange:      d.Exchange,
		RoutingKey:    d.RoutingKey,
		OccurredAt:    d.Timestamp,
		Payload:       d.Body,
	}
}
