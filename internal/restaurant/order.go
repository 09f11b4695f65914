package restaurant

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/jogardn/food-delivery-saga/internal/events"
	"github.com/jogardn/food-delivery-saga/internal/saga"
)

const orderAggregate = "restaurant order"

type OrderStatus string

const (
	OrderPlaced    OrderStatus = "PLACED"
	OrderAccepted  OrderStatus = "ACCEPTED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderReady     OrderStatus = "READY"
	OrderPickedUp  OrderStatus = "PICKED_UP"
	OrderDelivered OrderStatus = "DELIVERED"
)

var orderProgress = map[OrderStatus]int{
	OrderPlaced:    0,
	OrderAccepted:  1,
	OrderReady:     2,
	OrderPickedUp:  3,
	OrderDelivered: 4,
}

func (s OrderStatus) reached(target OrderStatus) bool {
	rank, ok := orderProgress[s]
	return ok && rank >= orderProgress[target]
}

// TimeoutReason is recorded when order-service gave up waiting for the
// decision, whether or not the kitchen answered in the meantime.
const TimeoutReason = "order timed out at order-service"

// Order is the restaurant's copy of a placed order. It shares the order id
// but nothing else with order-service.
type Order struct {
	ID             string          `json:"id"`
	RestaurantID   string          `json:"restaurantId"`
	Status         OrderStatus     `json:"status"`
	DecisionReason string          `json:"decisionReason,omitempty"`
	Customer       events.Customer `json:"customer"`
	Lines          []events.Line   `json:"lines"`
	TotalPrice     decimal.Decimal `json:"totalPrice"`
	TimePlaced     time.Time       `json:"timePlaced"`
	CreatedAt      time.Time       `json:"createdAt"`
	Version        int             `json:"version"`
}

func OrderFromEvent(ev events.OrderCreatedEvent, now time.Time) *Order {
	return &Order{
		ID:           ev.OrderID,
		RestaurantID: ev.RestaurantID,
		Status:       OrderPlaced,
		Customer:     ev.Customer,
		Lines:        ev.Lines,
		TotalPrice:   ev.TotalPrice,
		TimePlaced:   ev.TimePlaced,
		CreatedAt:    now.UTC(),
	}
}

func (o *Order) illegal(action string) error {
	return saga.IllegalTransition(orderAggregate, o.ID, string(o.Status), action)
}

// Accept and Reject follow the same redelivery policy as the order side:
// the same outcome twice is a no-op, the opposite outcome is illegal.
func (o *Order) Accept() (bool, error) {
	switch {
	case o.Status == OrderPlaced:
		o.Status = OrderAccepted
		return true, nil
	case o.Status.reached(OrderAccepted):
		return false, nil
	default:
		return false, o.illegal("accept")
	}
}

func (o *Order) Reject(reason string) (bool, error) {
	switch o.Status {
	case OrderPlaced:
		o.Status = OrderCancelled
		o.DecisionReason = reason
		return true, nil
	case OrderCancelled:
		return false, nil
	default:
		return false, o.illegal("reject")
	}
}

// CancelOnTimeout cancels an order order-service already rejected. An
// acceptance that raced the timeout is withdrawn as long as the kitchen has
// not handed the order to a driver. It reports whether the order changed.
func (o *Order) CancelOnTimeout() bool {
	switch o.Status {
	case OrderPlaced, OrderAccepted, OrderReady:
		o.Status = OrderCancelled
		o.DecisionReason = TimeoutReason
		return true
	default:
		return false
	}
}

func (o *Order) forward(action string, from, to OrderStatus) (bool, error) {
	switch {
	case o.Status == from:
		o.Status = to
		return true, nil
	case o.Status.reached(to):
		return false, nil
	default:
		return false, o.illegal(action)
	}
}

func (o *Order) MarkReady() (bool, error) {
	return o.forward("markReady", OrderAccepted, OrderReady)
}

func (o *Order) MarkPickedUp() (bool, error) {
	return o.forward("markPickedUp", OrderReady, OrderPickedUp)
}

// MarkDelivered also accepts READY: the pickup notification may still be
// queued behind the delivery one after a redelivery.
func (o *Order) MarkDelivered() (bool, error) {
	if o.Status == OrderReady {
		o.Status = OrderDelivered
		return true, nil
	}
	return o.forward("markDelivered", OrderPickedUp, OrderDelivered)
}

func (o *Order) Clone() *Order {
	c := *o
	c.Lines = append([]events.Line(nil), o.Lines...)
	return &c
}
