package payment

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/jogardn/food-delivery-saga/internal/circuitbreaker"
	"github.com/jogardn/food-delivery-saga/internal/order"
	"github.com/jogardn/food-delivery-saga/internal/saga"
)

// Coordinator runs checkout: it opens a payment with the gateway and, once
// the gateway confirms it, places the order. Gateway calls go through a
// circuit breaker and are never retried here.
type Coordinator struct {
	gateway Gateway
	breaker *circuitbreaker.CircuitBreaker
	orders  *order.Service
	logger  *logrus.Logger
}

func NewCoordinator(gateway Gateway, breaker *circuitbreaker.CircuitBreaker, orders *order.Service, logger *logrus.Logger) *Coordinator {
	return &Coordinator{
		gateway: gateway,
		breaker: breaker,
		orders:  orders,
		logger:  logger,
	}
}

// NewBreaker returns the breaker configuration used for the gateway. Only
// provider failures open it.
func NewBreaker(maxFailures int, logger *logrus.Logger) *circuitbreaker.CircuitBreaker {
	return circuitbreaker.New(circuitbreaker.Config{
		Name:        "payment-gateway",
		MaxFailures: maxFailures,
		IsFailure:   func(err error) bool { return errors.Is(err, saga.ErrUpstream) },
	}, logger)
}

// ResetBreaker closes the gateway breaker by hand, typically after the
// provider recovered sooner than the breaker's timeout.
func (c *Coordinator) ResetBreaker() circuitbreaker.Metrics {
	c.breaker.Reset()
	m := c.breaker.Metrics()
	c.logger.WithField("breaker", m.Name).Warn("Payment gateway breaker reset manually")
	return m
}

func (c *Coordinator) call(ctx context.Context, fn func(ctx context.Context) error) error {
	err := c.breaker.Execute(ctx, fn)
	if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
		return upstream("payment gateway unavailable: %v", err)
	}
	return err
}

// CreatePayment opens a checkout session for an order whose customer
// details are complete.
func (c *Coordinator) CreatePayment(ctx context.Context, orderID string) (*order.Order, error) {
	o, err := c.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status != order.StatusCustomerDetailsProvided && o.Status != order.StatusPaymentInProgress {
		return nil, saga.IllegalTransition("order", o.ID, string(o.Status), "assignPayment")
	}

	var p order.Payment
	err = c.call(ctx, func(ctx context.Context) error {
		var err error
		p, err = c.gateway.CreatePaymentForOrder(ctx, o)
		return err
	})
	if err != nil {
		c.logger.WithError(err).WithField("order_id", orderID).Warn("Failed to create payment")
		return nil, err
	}

	return c.orders.AssignPayment(ctx, orderID, p)
}

// ConfirmPayment asks the gateway whether the order's payment went through
// and places the order when it did.
func (c *Coordinator) ConfirmPayment(ctx context.Context, orderID string) (*order.Order, error) {
	o, err := c.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Payment == nil {
		return nil, saga.Invalid("order %s has no payment", orderID)
	}

	var confirmed order.Payment
	err = c.call(ctx, func(ctx context.Context) error {
		var err error
		confirmed, err = c.gateway.ConfirmPayment(ctx, *o.Payment)
		return err
	})
	if err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{
			"order_id":   orderID,
			"payment_id": o.Payment.ID,
		}).Warn("Payment not confirmed")
		return nil, err
	}

	placed, err := c.orders.ConfirmPayment(ctx, orderID, confirmed)
	if err != nil {
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"order_id":    orderID,
		"payment_id":  confirmed.ID,
		"total_price": placed.TotalPrice.String(),
	}).Info("Order placed")
	return placed, nil
}
