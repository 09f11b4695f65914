package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event type names carried in every envelope.
const (
	TypeOrderCreated            = "OrderCreated"
	TypeOrderTimeout            = "OrderTimeout"
	TypeOrderTimedOut           = "OrderTimedOut"
	TypeOrderDecision           = "OrderDecision"
	TypeOrderReady              = "OrderReady"
	TypeOrderReadyForDelivery   = "OrderReadyForDelivery"
	TypeOrderReadyPublished     = "OrderReadyPublished"
	TypeDeliveryOrder           = "DeliveryOrder"
	TypeDeliveryStatusChanged   = "DeliveryStatusChanged"
	TypeDishChanged             = "DishChanged"
	TypeRestaurantStatusChanged = "RestaurantStatusChanged"
)

const (
	DecisionAccepted = "ACCEPTED"
	DecisionRejected = "REJECTED"
)

// Event is implemented by every payload that travels on the bus.
type Event interface {
	EventType() string
}

type Address struct {
	Street      string `json:"street"`
	HouseNumber string `json:"houseNumber"`
	BusNumber   string `json:"busNumber,omitempty"`
	PostalCode  string `json:"postalCode"`
	City        string `json:"city"`
	Country     string `json:"country"`
}

type Customer struct {
	Name    string  `json:"name"`
	Email   string  `json:"email"`
	Address Address `json:"address"`
}

type Line struct {
	DishID    string          `json:"dishId"`
	DishName  string          `json:"dishName"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	LineTotal decimal.Decimal `json:"lineTotal"`
}

type OrderCreatedEvent struct {
	OrderID      string          `json:"orderId"`
	RestaurantID string          `json:"restaurantId"`
	Customer     Customer        `json:"customer"`
	Lines        []Line          `json:"lines"`
	TimePlaced   time.Time       `json:"timePlaced"`
	TotalPrice   decimal.Decimal `json:"totalPrice"`
}

func (OrderCreatedEvent) EventType() string { return TypeOrderCreated }

type OrderDecisionEvent struct {
	OrderID           string  `json:"orderId"`
	Decision          string  `json:"decision"`
	Reason            string  `json:"reason,omitempty"`
	RestaurantAddress Address `json:"restaurantAddress"`
}

func (OrderDecisionEvent) EventType() string { return TypeOrderDecision }

// Accepted reports whether the restaurant accepted the order. Any other
// decision value is a rejection.
func (e OrderDecisionEvent) Accepted() bool { return e.Decision == DecisionAccepted }

type OrderReadyEvent struct {
	OrderID      string `json:"orderId"`
	RestaurantID string `json:"restaurantId"`
}

func (OrderReadyEvent) EventType() string { return TypeOrderReady }

type OrderReadyPublishedEvent struct {
	OrderID      string `json:"orderId"`
	RestaurantID string `json:"restaurantId"`
}

func (OrderReadyPublishedEvent) EventType() string { return TypeOrderReadyPublished }

type OrderReadyForDeliveryEvent struct {
	OrderID      string `json:"orderId"`
	RestaurantID string `json:"restaurantId"`
}

func (OrderReadyForDeliveryEvent) EventType() string { return TypeOrderReadyForDelivery }

type OrderTimeoutEvent struct {
	OrderID string `json:"orderId"`
}

func (OrderTimeoutEvent) EventType() string { return TypeOrderTimeout }

type OrderTimedOutEvent struct {
	OrderID string `json:"orderId"`
}

func (OrderTimedOutEvent) EventType() string { return TypeOrderTimedOut }

type DeliveryOrderEvent struct {
	OrderID           string          `json:"orderId"`
	RestaurantID      string          `json:"restaurantId"`
	Customer          Customer        `json:"customer"`
	RestaurantAddress Address         `json:"restaurantAddress"`
	Lines             []Line          `json:"lines"`
	TimePlaced        time.Time       `json:"timePlaced"`
	TotalPrice        decimal.Decimal `json:"totalPrice"`
}

func (DeliveryOrderEvent) EventType() string { return TypeDeliveryOrder }

type DeliveryStatusChangedEvent struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
}

func (DeliveryStatusChangedEvent) EventType() string { return TypeDeliveryStatusChanged }

type DishChangedEvent struct {
	RestaurantID string          `json:"restaurantId"`
	DishID       string          `json:"dishId"`
	Name         string          `json:"name"`
	Price        decimal.Decimal `json:"price"`
	Status       string          `json:"status"`
}

func (DishChangedEvent) EventType() string { return TypeDishChanged }

type RestaurantStatusChangedEvent struct {
	RestaurantID string  `json:"restaurantId"`
	Open         bool    `json:"open"`
	Address      Address `json:"address"`
}

func (RestaurantStatusChangedEvent) EventType() string { return TypeRestaurantStatusChanged }
