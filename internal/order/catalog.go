package order

import (
	"context"

	"github.com/shopspring/decimal"
)

const (
	DishAvailable   = "AVAILABLE"
	DishUnavailable = "UNAVAILABLE"
)

// DishSnapshot is what the cart copies from the catalogue.
type DishSnapshot struct {
	Name   string          `json:"name"`
	Price  decimal.Decimal `json:"price"`
	Status string          `json:"status"`
}

func (d DishSnapshot) Available() bool {
	return d.Status == DishAvailable
}

// Catalog answers questions about restaurants and their dishes.
type Catalog interface {
	GetDish(ctx context.Context, restaurantID, dishID string) (DishSnapshot, error)
	IsRestaurantOpen(ctx context.Context, restaurantID string) (bool, error)
}
