// Package delivery implements delivery-service: deliveries created from
// accepted orders and the drivers who claim them.
package delivery

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jogardn/food-delivery-saga/internal/events"
	"github.com/jogardn/food-delivery-saga/internal/saga"
)

const aggregate = "delivery"

type Status string

const (
	StatusOpen       Status = "OPEN"
	StatusClaimed    Status = "CLAIMED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusDelivered  Status = "DELIVERED"
	StatusCancelled  Status = "CANCELLED"
)

// OrderStatus mirrors how far the order got on the restaurant side. It can
// run ahead of or behind Status when events arrive out of order.
type OrderStatus string

const (
	OrderAccepted  OrderStatus = "ACCEPTED"
	OrderReady     OrderStatus = "READY"
	OrderPickedUp  OrderStatus = "PICKED_UP"
	OrderDelivered OrderStatus = "DELIVERED"
	OrderRejected  OrderStatus = "REJECTED"
)

// PayoutCalculator prices a finished delivery.
type PayoutCalculator interface {
	CalculateFor(pickup, delivery *time.Time) (decimal.Decimal, error)
}

// Delivery is keyed by the order id.
type Delivery struct {
	OrderID           string           `json:"orderId"`
	RestaurantID      string           `json:"restaurantId"`
	RestaurantAddress events.Address   `json:"restaurantAddress"`
	Customer          events.Customer  `json:"customer"`
	Lines             []events.Line    `json:"lines"`
	TotalPrice        decimal.Decimal  `json:"totalPrice"`
	TimePlaced        time.Time        `json:"timePlaced"`
	Status            Status           `json:"status"`
	OrderStatus       OrderStatus      `json:"orderStatus"`
	PickupTime        *time.Time       `json:"pickupTime,omitempty"`
	DeliveryTime      *time.Time       `json:"deliveryTime,omitempty"`
	AssignedDriverID  string           `json:"assignedDriverId,omitempty"`
	Price             *decimal.Decimal `json:"price,omitempty"`
	CreatedAt         time.Time        `json:"createdAt"`
	Version           int              `json:"version"`
}

func FromOrder(ev events.DeliveryOrderEvent, now time.Time) *Delivery {
	return &Delivery{
		OrderID:           ev.OrderID,
		RestaurantID:      ev.RestaurantID,
		RestaurantAddress: ev.RestaurantAddress,
		Customer:          ev.Customer,
		Lines:             ev.Lines,
		TotalPrice:        ev.TotalPrice,
		TimePlaced:        ev.TimePlaced,
		Status:            StatusOpen,
		OrderStatus:       OrderAccepted,
		CreatedAt:         now.UTC(),
	}
}

// Withdrawn is the record left for an order that timed out before its
// delivery was opened. It keeps a late DeliveryOrder from opening one.
func Withdrawn(orderID string, now time.Time) *Delivery {
	return &Delivery{
		OrderID:     orderID,
		Status:      StatusCancelled,
		OrderStatus: OrderRejected,
		CreatedAt:   now.UTC(),
	}
}

func (d *Delivery) illegal(action string) error {
	return saga.IllegalTransition(aggregate, d.OrderID, fmt.Sprintf("%s/%s", d.Status, d.OrderStatus), action)
}

// MarkAsReady records that the kitchen finished. A driver may already have
// claimed the delivery at that point.
func (d *Delivery) MarkAsReady() (bool, error) {
	switch {
	case d.OrderStatus == OrderAccepted && (d.Status == StatusOpen || d.Status == StatusClaimed):
		d.OrderStatus = OrderReady
		return true, nil
	case d.OrderStatus != OrderAccepted:
		return false, nil
	default:
		return false, d.illegal("markAsReady")
	}
}

// Claim assigns the delivery to driverID. Losing a claim race to another
// driver is reported as a conflict.
func (d *Delivery) Claim(driverID string) error {
	if d.Status == StatusCancelled {
		return d.illegal("claim")
	}
	if d.Status != StatusOpen {
		return fmt.Errorf("%s %s is %s: %w", aggregate, d.OrderID, d.Status, saga.ErrConflict)
	}
	if d.OrderStatus != OrderAccepted && d.OrderStatus != OrderReady {
		return d.illegal("claim")
	}
	d.Status = StatusClaimed
	d.AssignedDriverID = driverID
	return nil
}

func (d *Delivery) Start(now time.Time) error {
	if d.Status != StatusClaimed || d.OrderStatus != OrderReady {
		return d.illegal("start")
	}
	t := now.UTC()
	d.Status = StatusInProgress
	d.OrderStatus = OrderPickedUp
	d.PickupTime = &t
	return nil
}

func (d *Delivery) Complete(now time.Time, calc PayoutCalculator) error {
	if d.Status != StatusInProgress || d.OrderStatus != OrderPickedUp {
		return d.illegal("complete")
	}
	t := now.UTC()
	price, err := calc.CalculateFor(d.PickupTime, &t)
	if err != nil {
		return err
	}
	d.Status = StatusDelivered
	d.OrderStatus = OrderDelivered
	d.DeliveryTime = &t
	d.Price = &price
	return nil
}

// Cancel hands a claimed delivery back to the pool and clears the
// assignment. Once the kitchen handed the order off it can no longer be
// cancelled. Cancelling an open delivery is a no-op.
func (d *Delivery) Cancel() (bool, error) {
	switch {
	case d.Status == StatusOpen:
		return false, nil
	case d.Status == StatusClaimed && d.OrderStatus == OrderAccepted:
		d.Status = StatusOpen
		d.AssignedDriverID = ""
		return true, nil
	default:
		return false, d.illegal("cancel")
	}
}

// Withdraw cancels the delivery of an order that was rejected after the
// restaurant had already accepted it and clears the assignment. Once
// picked up the delivery can no longer be withdrawn.
func (d *Delivery) Withdraw() (bool, error) {
	switch d.Status {
	case StatusCancelled:
		return false, nil
	case StatusOpen, StatusClaimed:
		d.Status = StatusCancelled
		d.OrderStatus = OrderRejected
		d.AssignedDriverID = ""
		return true, nil
	default:
		return false, d.illegal("withdraw")
	}
}

func (d *Delivery) AssignedTo(driverID string) bool {
	return d.AssignedDriverID != "" && d.AssignedDriverID == driverID
}

func (d *Delivery) Clone() *Delivery {
	c := *d
	c.Lines = append([]events.Line(nil), d.Lines...)
	return &c
}
