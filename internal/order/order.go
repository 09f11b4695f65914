// Package order implements the customer facing side of the saga: the cart,
// checkout and the order status that follows restaurant and delivery events.
package order

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jogardn/food-delivery-saga/internal/events"
	"github.com/jogardn/food-delivery-saga/internal/saga"
)

const aggregate = "order"

type Status string

const (
	StatusCart                    Status = "CART"
	StatusCustomerDetailsProvided Status = "CUSTOMER_DETAILS_PROVIDED"
	StatusPaymentInProgress       Status = "PAYMENT_IN_PROGRESS"
	StatusPlaced                  Status = "PLACED"
	StatusAccepted                Status = "ACCEPTED"
	StatusReady                   Status = "READY"
	StatusPickedUp                Status = "PICKED_UP"
	StatusDelivered               Status = "DELIVERED"
	StatusRejected                Status = "REJECTED"
)

// progress orders the states of the happy path. REJECTED is a branch and
// has no rank.
var progress = map[Status]int{
	StatusCart:                    0,
	StatusCustomerDetailsProvided: 1,
	StatusPaymentInProgress:       2,
	StatusPlaced:                  3,
	StatusAccepted:                4,
	StatusReady:                   5,
	StatusPickedUp:                6,
	StatusDelivered:               7,
}

// reached reports whether s is target or a later state on the happy path.
func (s Status) reached(target Status) bool {
	rank, ok := progress[s]
	return ok && rank >= progress[target]
}

type PaymentStatus string

const (
	PaymentInProgress PaymentStatus = "IN_PROGRESS"
	PaymentPaid       PaymentStatus = "PAID"
)

type Payment struct {
	ID          string        `json:"id"`
	CheckoutURL string        `json:"checkoutUrl"`
	Status      PaymentStatus `json:"status"`
}

func (p Payment) IsPaid() bool {
	return p.Status == PaymentPaid
}

type Line struct {
	DishID    string          `json:"dishId"`
	DishName  string          `json:"dishName"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Quantity  int             `json:"quantity"`
	Notes     string          `json:"notes,omitempty"`
}

func (l Line) Total() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

type Customer struct {
	Name    string         `json:"name"`
	Email   string         `json:"email"`
	Address events.Address `json:"address"`
}

type Order struct {
	ID             string          `json:"id"`
	RestaurantID   string          `json:"restaurantId,omitempty"`
	Status         Status          `json:"status"`
	Lines          []Line          `json:"lines"`
	TotalPrice     decimal.Decimal `json:"totalPrice"`
	Payment        *Payment        `json:"payment,omitempty"`
	Customer       *Customer       `json:"customer,omitempty"`
	TimePlaced     *time.Time      `json:"timePlaced,omitempty"`
	DecisionReason string          `json:"decisionReason,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	Version        int             `json:"version"`
}

// New returns an empty cart.
func New(now time.Time) *Order {
	return &Order{
		ID:         uuid.NewString(),
		Status:     StatusCart,
		Lines:      []Line{},
		TotalPrice: decimal.Zero,
		CreatedAt:  now.UTC(),
	}
}

func (o *Order) illegal(action string) error {
	return saga.IllegalTransition(aggregate, o.ID, string(o.Status), action)
}

func (o *Order) premature(action string) error {
	return saga.PrematureTransition(aggregate, o.ID, string(o.Status), action)
}

func (o *Order) recalculate() {
	total := decimal.Zero
	for _, l := range o.Lines {
		total = total.Add(l.Total())
	}
	o.TotalPrice = total
}

func (o *Order) line(dishID string) int {
	for i, l := range o.Lines {
		if l.DishID == dishID {
			return i
		}
	}
	return -1
}

// AddDish puts quantity portions of a dish in the cart. Adding a dish that
// is already there increases its quantity and refreshes the price snapshot.
func (o *Order) AddDish(restaurantID, dishID string, dish DishSnapshot, quantity int, notes string) error {
	if o.Status != StatusCart {
		return o.illegal("addDish")
	}
	if quantity <= 0 {
		return saga.Invalid("quantity must be positive, got %d", quantity)
	}
	if !dish.Available() {
		return saga.Invalid("dish %s is not available", dishID)
	}
	if len(o.Lines) > 0 && o.RestaurantID != restaurantID {
		return saga.Invalid("cart holds dishes of restaurant %s, cannot add from %s", o.RestaurantID, restaurantID)
	}

	o.RestaurantID = restaurantID
	if i := o.line(dishID); i >= 0 {
		o.Lines[i].Quantity += quantity
		o.Lines[i].UnitPrice = dish.Price
		o.Lines[i].DishName = dish.Name
		if notes != "" {
			o.Lines[i].Notes = notes
		}
	} else {
		o.Lines = append(o.Lines, Line{
			DishID:    dishID,
			DishName:  dish.Name,
			UnitPrice: dish.Price,
			Quantity:  quantity,
			Notes:     notes,
		})
	}
	o.recalculate()
	return nil
}

// UpdateQuantity sets the quantity of a line; zero or less removes it.
func (o *Order) UpdateQuantity(dishID string, quantity int) error {
	if o.Status != StatusCart {
		return o.illegal("updateQuantity")
	}
	i := o.line(dishID)
	if i < 0 {
		return saga.NotFound("order line", dishID)
	}

	if quantity <= 0 {
		o.Lines = append(o.Lines[:i], o.Lines[i+1:]...)
	} else {
		o.Lines[i].Quantity = quantity
	}
	if len(o.Lines) == 0 {
		o.RestaurantID = ""
	}
	o.recalculate()
	return nil
}

// SetCustomerDetails closes the cart. Every line is re-priced from the
// current catalogue, which must still offer every dish.
func (o *Order) SetCustomerDetails(customer Customer, restaurantOpen bool, lookup func(dishID string) (DishSnapshot, error)) error {
	if o.Status != StatusCart {
		return o.illegal("setCustomerDetails")
	}
	if len(o.Lines) == 0 {
		return saga.Invalid("order %s has no lines", o.ID)
	}
	if customer.Name == "" || customer.Email == "" {
		return saga.Invalid("customer name and email are required")
	}
	if !restaurantOpen {
		return saga.Invalid("restaurant %s is closed", o.RestaurantID)
	}

	repriced := make([]Line, len(o.Lines))
	for i, l := range o.Lines {
		dish, err := lookup(l.DishID)
		if err != nil {
			return err
		}
		if !dish.Available() {
			return saga.Invalid("dish %s is no longer available", l.DishID)
		}
		l.UnitPrice = dish.Price
		l.DishName = dish.Name
		repriced[i] = l
	}

	o.Lines = repriced
	o.Customer = &customer
	o.Status = StatusCustomerDetailsProvided
	o.recalculate()
	return nil
}

// AssignPayment attaches a checkout session. A new session replaces one that
// was never paid.
func (o *Order) AssignPayment(p Payment) error {
	if o.Status != StatusCustomerDetailsProvided && o.Status != StatusPaymentInProgress {
		return o.illegal("assignPayment")
	}
	o.Payment = &p
	o.Status = StatusPaymentInProgress
	return nil
}

// ConfirmPayment places the order once the payment is paid.
func (o *Order) ConfirmPayment(p Payment, now time.Time) (bool, error) {
	if o.Status.reached(StatusPlaced) || o.Status == StatusRejected {
		if o.Payment != nil && o.Payment.ID == p.ID {
			return false, nil
		}
		return false, o.illegal("confirmPayment")
	}
	if o.Status != StatusPaymentInProgress {
		return false, o.illegal("confirmPayment")
	}
	if o.Payment == nil || o.Payment.ID != p.ID {
		return false, saga.Invalid("payment %s does not belong to order %s", p.ID, o.ID)
	}
	if !p.IsPaid() {
		return false, saga.Invalid("payment %s is not paid", p.ID)
	}

	placed := now.UTC()
	o.Payment = &p
	o.TimePlaced = &placed
	o.Status = StatusPlaced
	return true, nil
}

// Accept applies the restaurant's acceptance. Reapplying it is a no-op.
func (o *Order) Accept() (bool, error) {
	switch {
	case o.Status == StatusPlaced:
		o.Status = StatusAccepted
		return true, nil
	case o.Status.reached(StatusAccepted):
		return false, nil
	default:
		return false, o.illegal("accept")
	}
}

// Reject applies the restaurant's refusal or the timeout. Reapplying it is
// a no-op.
func (o *Order) Reject(reason string) (bool, error) {
	switch o.Status {
	case StatusPlaced:
		o.Status = StatusRejected
		o.DecisionReason = reason
		return true, nil
	case StatusRejected:
		return false, nil
	default:
		return false, o.illegal("reject")
	}
}

// TimedOut reports whether the order was rejected because the restaurant
// did not answer in time.
func (o *Order) TimedOut() bool {
	return o.Status == StatusRejected && o.DecisionReason == TimeoutReason
}

// forward advances along the happy path to target. from lists the states
// the transition may start from; states already at or past target make it
// a no-op, and PLACED means the restaurant decision has not been applied yet.
func (o *Order) forward(action string, target Status, from ...Status) (bool, error) {
	for _, s := range from {
		if o.Status == s {
			o.Status = target
			return true, nil
		}
	}
	switch {
	case o.Status.reached(target):
		return false, nil
	case o.Status == StatusPlaced:
		return false, o.premature(action)
	default:
		return false, o.illegal(action)
	}
}

func (o *Order) MarkReady() (bool, error) {
	return o.forward("markReady", StatusReady, StatusAccepted)
}

// MarkAsOutForDelivery also starts from ACCEPTED: pickup implies the food
// was ready even when that event is still in flight.
func (o *Order) MarkAsOutForDelivery() (bool, error) {
	return o.forward("markAsOutForDelivery", StatusPickedUp, StatusReady, StatusAccepted)
}

func (o *Order) MarkAsDelivered() (bool, error) {
	return o.forward("markAsDelivered", StatusDelivered, StatusPickedUp, StatusReady, StatusAccepted)
}

// CreatedEvent is the snapshot restaurant-service builds its order from.
func (o *Order) CreatedEvent() events.OrderCreatedEvent {
	ev := events.OrderCreatedEvent{
		OrderID:      o.ID,
		RestaurantID: o.RestaurantID,
		Lines:        make([]events.Line, 0, len(o.Lines)),
		TotalPrice:   o.TotalPrice,
	}
	if o.Customer != nil {
		ev.Customer = events.Customer{
			Name:    o.Customer.Name,
			Email:   o.Customer.Email,
			Address: o.Customer.Address,
		}
	}
	if o.TimePlaced != nil {
		ev.TimePlaced = *o.TimePlaced
	}
	for _, l := range o.Lines {
		ev.Lines = append(ev.Lines, events.Line{
			DishID:    l.DishID,
			DishName:  l.DishName,
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice,
			LineTotal: l.Total(),
		})
	}
	return ev
}

// Clone returns a deep copy.
func (o *Order) Clone() *Order {
	c := *o
	c.Lines = append([]Line(nil), o.Lines...)
	if o.Payment != nil {
		p := *o.Payment
		c.Payment = &p
	}
	if o.Customer != nil {
		cu := *o.Customer
		c.Customer = &cu
	}
	if o.TimePlaced != nil {
		t := *o.TimePlaced
		c.TimePlaced = &t
	}
	return &c
}
