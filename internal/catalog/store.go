package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"

	"github.com/jogardn/food-delivery-saga/internal/saga"
)

var Schema = []string{
	`CREATE TABLE IF NOT EXISTS catalog_restaurants (
		id VARCHAR(64) PRIMARY KEY,
		open BOOLEAN NOT NULL,
		address JSONB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS catalog_dishes (
		restaurant_id VARCHAR(64) NOT NULL,
		dish_id VARCHAR(64) NOT NULL,
		name VARCHAR(255) NOT NULL,
		price DECIMAL(10,2) NOT NULL,
		status VARCHAR(20) NOT NULL,
		PRIMARY KEY (restaurant_id, dish_id)
	)`,
}

type MemoryStore struct {
	mu          sync.RWMutex
	dishes      map[string]Dish
	restaurants map[string]Restaurant
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		dishes:      make(map[string]Dish),
		restaurants: make(map[string]Restaurant),
	}
}

func dishKey(restaurantID, dishID string) string {
	return restaurantID + "/" + dishID
}

func (s *MemoryStore) UpsertDish(_ context.Context, d Dish) error {
	s.mu.Lock()
	s.dishes[dishKey(d.RestaurantID, d.DishID)] = d
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) UpsertRestaurant(_ context.Context, r Restaurant) error {
	s.mu.Lock()
	s.restaurants[r.ID] = r
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Dish(_ context.Context, restaurantID, dishID string) (Dish, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.dishes[dishKey(restaurantID, dishID)]
	if !ok {
		return Dish{}, saga.NotFound("dish", dishID)
	}
	return d, nil
}

func (s *MemoryStore) Restaurant(_ context.Context, id string) (Restaurant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.restaurants[id]
	if !ok {
		return Restaurant{}, saga.NotFound("restaurant", id)
	}
	return r, nil
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) UpsertDish(ctx context.Context, d Dish) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO catalog_dishes (restaurant_id, dish_id, name, price, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (restaurant_id, dish_id)
		DO UPDATE SET name = EXCLUDED.name, price = EXCLUDED.price, status = EXCLUDED.status
	`, d.RestaurantID, d.DishID, d.Name, d.Price, d.Status)
	return err
}

func (s *PostgresStore) UpsertRestaurant(ctx context.Context, r Restaurant) error {
	address, err := json.Marshal(r.Address)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO catalog_restaurants (id, open, address)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET open = EXCLUDED.open, address = EXCLUDED.address
	`, r.ID, r.Open, string(address))
	return err
}

func (s *PostgresStore) Dish(ctx context.Context, restaurantID, dishID string) (Dish, error) {
	d := Dish{RestaurantID: restaurantID, DishID: dishID}
	err := s.db.QueryRowContext(ctx, `
		SELECT name, price, status FROM catalog_dishes WHERE restaurant_id = $1 AND dish_id = $2
	`, restaurantID, dishID).Scan(&d.Name, &d.Price, &d.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return Dish{}, saga.NotFound("dish", dishID)
	}
	return d, err
}

func (s *PostgresStore) Restaurant(ctx context.Context, id string) (Restaurant, error) {
	r := Restaurant{ID: id}
	var address []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT open, address FROM catalog_restaurants WHERE id = $1
	`, id).Scan(&r.Open, &address)
	if errors.Is(err, sql.ErrNoRows) {
		return Restaurant{}, saga.NotFound("restaurant", id)
	}
	if err != nil {
		return Restaurant{}, err
	}
	if err := json.Unmarshal(address, &r.Address); err != nil {
		return Restaurant{}, err
	}
	return r, nil
}
