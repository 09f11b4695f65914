// Package payment coordinates checkout with the external payment provider.
package payment

import (
	"context"
	"fmt"

	"github.com/jogardn/food-delivery-saga/internal/order"
	"github.com/jogardn/food-delivery-saga/internal/saga"
)

// ErrNotPaid is returned when a payment is confirmed before the customer
// completed it.
var ErrNotPaid = fmt.Errorf("%w: payment is not paid", saga.ErrInvalidArgument)

// Gateway is the narrow contract of the payment provider.
type Gateway interface {
	CreatePaymentForOrder(ctx context.Context, o *order.Order) (order.Payment, error)
	ConfirmPayment(ctx context.Context, p order.Payment) (order.Payment, error)
}

func upstream(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", saga.ErrUpstream, fmt.Sprintf(format, args...))
}
