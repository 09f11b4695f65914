// Package restaurant implements restaurant-service: the catalogue it owns
// and the restaurant's side of every order.
package restaurant

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jogardn/food-delivery-saga/internal/events"
	"github.com/jogardn/food-delivery-saga/internal/saga"
)

const (
	DishAvailable   = "AVAILABLE"
	DishUnavailable = "UNAVAILABLE"
)

type Restaurant struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Address   events.Address `json:"address"`
	Open      bool           `json:"open"`
	CreatedAt time.Time      `json:"createdAt"`
}

func NewRestaurant(name string, address events.Address, open bool, now time.Time) (*Restaurant, error) {
	if name == "" {
		return nil, saga.Invalid("restaurant name is required")
	}
	if address.Street == "" || address.City == "" {
		return nil, saga.Invalid("restaurant address needs at least street and city")
	}
	return &Restaurant{
		ID:        uuid.NewString(),
		Name:      name,
		Address:   address,
		Open:      open,
		CreatedAt: now.UTC(),
	}, nil
}

func (r *Restaurant) StatusEvent() events.RestaurantStatusChangedEvent {
	return events.RestaurantStatusChangedEvent{RestaurantID: r.ID, Open: r.Open, Address: r.Address}
}

type Dish struct {
	ID           string          `json:"id"`
	RestaurantID string          `json:"restaurantId"`
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	Price        decimal.Decimal `json:"price"`
	Status       string          `json:"status"`
}

func (d *Dish) Validate() error {
	if d.Name == "" {
		return saga.Invalid("dish name is required")
	}
	if !d.Price.IsPositive() {
		return saga.Invalid("dish price must be positive")
	}
	if d.Status != DishAvailable && d.Status != DishUnavailable {
		return saga.Invalid("unknown dish status %q", d.Status)
	}
	return nil
}

func (d *Dish) ChangedEvent() events.DishChangedEvent {
	return events.DishChangedEvent{
		RestaurantID: d.RestaurantID,
		DishID:       d.ID,
		Name:         d.Name,
		Price:        d.Price,
		Status:       d.Status,
	}
}
