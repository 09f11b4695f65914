// Package catalog keeps order-service's read-only copy of the restaurant
// catalogue, fed by the events restaurant-service publishes.
package catalog

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/jogardn/food-delivery-saga/internal/events"
	"github.com/jogardn/food-delivery-saga/internal/order"
)

type Dish struct {
	RestaurantID string
	DishID       string
	Name         string
	Price        decimal.Decimal
	Status       string
}

type Restaurant struct {
	ID      string
	Open    bool
	Address events.Address
}

type Store interface {
	UpsertDish(ctx context.Context, d Dish) error
	UpsertRestaurant(ctx context.Context, r Restaurant) error
	Dish(ctx context.Context, restaurantID, dishID string) (Dish, error)
	Restaurant(ctx context.Context, id string) (Restaurant, error)
}

// Replica answers catalogue questions from the local store.
type Replica struct {
	store  Store
	logger *logrus.Logger
}

var _ order.Catalog = (*Replica)(nil)

func NewReplica(store Store, logger *logrus.Logger) *Replica {
	return &Replica{store: store, logger: logger}
}

func (r *Replica) GetDish(ctx context.Context, restaurantID, dishID string) (order.DishSnapshot, error) {
	d, err := r.store.Dish(ctx, restaurantID, dishID)
	if err != nil {
		return order.DishSnapshot{}, err
	}
	return order.DishSnapshot{Name: d.Name, Price: d.Price, Status: d.Status}, nil
}

func (r *Replica) IsRestaurantOpen(ctx context.Context, restaurantID string) (bool, error) {
	rest, err := r.store.Restaurant(ctx, restaurantID)
	if err != nil {
		return false, err
	}
	return rest.Open, nil
}

func (r *Replica) HandleDishChanged(ctx context.Context, env events.Envelope) error {
	var ev events.DishChangedEvent
	if err := env.Decode(&ev); err != nil {
		return err
	}

	err := r.store.UpsertDish(ctx, Dish{
		RestaurantID: ev.RestaurantID,
		DishID:       ev.DishID,
		Name:         ev.Name,
		Price:        ev.Price,
		Status:       ev.Status,
	})
	if err != nil {
		return err
	}

	r.logger.WithFields(logrus.Fields{
		"restaurant_id": ev.RestaurantID,
		"dish_id":       ev.DishID,
		"status":        ev.Status,
	}).Debug("Dish replicated")
	return nil
}

func (r *Replica) HandleRestaurantStatusChanged(ctx context.Context, env events.Envelope) error {
	var ev events.RestaurantStatusChangedEvent
	if err := env.Decode(&ev); err != nil {
		return err
	}

	err := r.store.UpsertRestaurant(ctx, Restaurant{ID: ev.RestaurantID, Open: ev.Open, Address: ev.Address})
	if err != nil {
		return err
	}

	r.logger.WithFields(logrus.Fields{
		"restaurant_id": ev.RestaurantID,
		"open":          ev.Open,
	}).Debug("Restaurant replicated")
	return nil
}
