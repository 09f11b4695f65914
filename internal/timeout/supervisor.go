// Package timeout compensates orders a restaurant never decided on.
//
// Every placed order publishes an OrderTimeout message. On RabbitMQ it
// waits out its TTL in the order.timeout queue and is dead-lettered to
// order.timeout.dlx. Other transports have no broker-side delay, so the
// DelayedPublisher holds the message in a timer and publishes it straight
// to order.timeout.dlx when it expires. Either way the Supervisor consumes
// it there.
package timeout

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/jogardn/food-delivery-saga/internal/events"
)

// Rejecter rejects an order that is still waiting for its restaurant and
// reports whether it did.
type Rejecter interface {
	RejectIfPlaced(ctx context.Context, orderID string) (bool, error)
}

type Supervisor struct {
	orders Rejecter
	logger *logrus.Logger
}

func NewSupervisor(orders Rejecter, logger *logrus.Logger) *Supervisor {
	return &Supervisor{orders: orders, logger: logger}
}

// HandleExpired consumes an expired OrderTimeout message.
func (s *Supervisor) HandleExpired(ctx context.Context, env events.Envelope) error {
	var ev events.OrderTimeoutEvent
	if err := env.Decode(&ev); err != nil {
		return err
	}

	rejected, err := s.orders.RejectIfPlaced(ctx, ev.OrderID)
	if err != nil {
		return err
	}

	fields := logrus.Fields{
		"order_id":   ev.OrderID,
		"message_id": env.MessageID,
		"waited":     env.OccurredAt,
	}
	if !rejected {
		s.logger.WithFields(fields).Info("Stale order timeout, restaurant already decided")
		return nil
	}
	s.logger.WithFields(fields).Warn("Restaurant did not respond in time, order rejected")
	return nil
}
