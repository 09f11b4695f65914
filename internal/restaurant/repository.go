package restaurant

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jogardn/food-delivery-saga/internal/events"
	"github.com/jogardn/food-delivery-saga/internal/outbox"
	"github.com/jogardn/food-delivery-saga/internal/saga"
	"github.com/jogardn/food-delivery-saga/internal/storage"
)

// Repository persists the catalogue and the restaurant orders. Every write
// takes the envelopes it produced and stores them in the outbox with it.
type Repository interface {
	SaveRestaurant(ctx context.Context, r *Restaurant, envs ...events.Envelope) error
	GetRestaurant(ctx context.Context, id string) (*Restaurant, error)
	SaveDish(ctx context.Context, d *Dish, envs ...events.Envelope) error
	ListDishes(ctx context.Context, restaurantID string) ([]*Dish, error)

	CreateOrder(ctx context.Context, o *Order) error
	GetOrder(ctx context.Context, id string) (*Order, error)
	SaveOrder(ctx context.Context, o *Order, envs ...events.Envelope) error
	ListOrders(ctx context.Context, restaurantID string, status OrderStatus) ([]*Order, error)
}

var Schema = []string{
	`CREATE TABLE IF NOT EXISTS restaurants (
		id VARCHAR(64) PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		address JSONB NOT NULL,
		open BOOLEAN NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS dishes (
		id VARCHAR(64) PRIMARY KEY,
		restaurant_id VARCHAR(64) NOT NULL REFERENCES restaurants(id),
		name VARCHAR(255) NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		price DECIMAL(10,2) NOT NULL,
		status VARCHAR(20) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS restaurant_orders (
		id VARCHAR(64) PRIMARY KEY,
		restaurant_id VARCHAR(64) NOT NULL,
		status VARCHAR(20) NOT NULL,
		decision_reason TEXT NOT NULL DEFAULT '',
		customer JSONB NOT NULL,
		lines JSONB NOT NULL,
		total_price DECIMAL(10,2) NOT NULL,
		time_placed TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		version INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_restaurant_orders_restaurant ON restaurant_orders(restaurant_id, status)`,
}

type MemoryRepository struct {
	mu          sync.Mutex
	restaurants map[string]Restaurant
	dishes      map[string]Dish
	orders      map[string]*Order
	outbox      *outbox.Memory
}

func NewMemoryRepository(ob *outbox.Memory) *MemoryRepository {
	return &MemoryRepository{
		restaurants: make(map[string]Restaurant),
		dishes:      make(map[string]Dish),
		orders:      make(map[string]*Order),
		outbox:      ob,
	}
}

func (m *MemoryRepository) SaveRestaurant(_ context.Context, r *Restaurant, envs ...events.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.restaurants[r.ID] = *r
	m.outbox.Append(envs...)
	return nil
}

func (m *MemoryRepository) GetRestaurant(_ context.Context, id string) (*Restaurant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.restaurants[id]
	if !ok {
		return nil, saga.NotFound("restaurant", id)
	}
	return &r, nil
}

func (m *MemoryRepository) SaveDish(_ context.Context, d *Dish, envs ...events.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.restaurants[d.RestaurantID]; !ok {
		return saga.NotFound("restaurant", d.RestaurantID)
	}
	m.dishes[d.ID] = *d
	m.outbox.Append(envs...)
	return nil
}

func (m *MemoryRepository) ListDishes(_ context.Context, restaurantID string) ([]*Dish, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Dish
	for _, d := range m.dishes {
		if d.RestaurantID == restaurantID {
			d := d
			out = append(out, &d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryRepository) CreateOrder(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[o.ID]; ok {
		return fmt.Errorf("%s %s: %w", orderAggregate, o.ID, saga.ErrDuplicate)
	}
	m.orders[o.ID] = o.Clone()
	return nil
}

func (m *MemoryRepository) GetOrder(_ context.Context, id string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, saga.NotFound(orderAggregate, id)
	}
	return o.Clone(), nil
}

func (m *MemoryRepository) SaveOrder(_ context.Context, o *Order, envs ...events.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.orders[o.ID]
	if !ok {
		return saga.NotFound(orderAggregate, o.ID)
	}
	if stored.Version != o.Version {
		return saga.Conflict(orderAggregate, o.ID)
	}

	o.Version++
	m.orders[o.ID] = o.Clone()
	m.outbox.Append(envs...)
	return nil
}

func (m *MemoryRepository) ListOrders(_ context.Context, restaurantID string, status OrderStatus) ([]*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Order
	for _, o := range m.orders {
		if o.RestaurantID == restaurantID && (status == "" || o.Status == status) {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TimePlaced.Before(out[j].TimePlaced) })
	return out, nil
}

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (p *PostgresRepository) SaveRestaurant(ctx context.Context, r *Restaurant, envs ...events.Envelope) error {
	address, err := json.Marshal(r.Address)
	if err != nil {
		return err
	}

	return storage.WithTx(ctx, p.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO restaurants (id, name, address, open, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE
			SET name = EXCLUDED.name, address = EXCLUDED.address, open = EXCLUDED.open
		`, r.ID, r.Name, string(address), r.Open, r.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to save restaurant: %w", err)
		}
		return outbox.Insert(ctx, tx, envs...)
	})
}

func (p *PostgresRepository) GetRestaurant(ctx context.Context, id string) (*Restaurant, error) {
	var (
		r       Restaurant
		address []byte
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT id, name, address, open, created_at FROM restaurants WHERE id = $1
	`, id).Scan(&r.ID, &r.Name, &address, &r.Open, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, saga.NotFound("restaurant", id)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(address, &r.Address); err != nil {
		return nil, fmt.Errorf("failed to decode restaurant address: %w", err)
	}
	return &r, nil
}

func (p *PostgresRepository) SaveDish(ctx context.Context, d *Dish, envs ...events.Envelope) error {
	return storage.WithTx(ctx, p.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO dishes (id, restaurant_id, name, description, price, status)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE
			SET name = EXCLUDED.name, description = EXCLUDED.description,
				price = EXCLUDED.price, status = EXCLUDED.status
		`, d.ID, d.RestaurantID, d.Name, d.Description, d.Price, d.Status)
		if err != nil {
			return fmt.Errorf("failed to save dish: %w", err)
		}
		return outbox.Insert(ctx, tx, envs...)
	})
}

func (p *PostgresRepository) ListDishes(ctx context.Context, restaurantID string) ([]*Dish, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, restaurant_id, name, description, price, status
		FROM dishes WHERE restaurant_id = $1 ORDER BY name
	`, restaurantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Dish
	for rows.Next() {
		var d Dish
		if err := rows.Scan(&d.ID, &d.RestaurantID, &d.Name, &d.Description, &d.Price, &d.Status); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

const selectOrder = `
	SELECT id, restaurant_id, status, decision_reason, customer, lines, total_price,
		time_placed, created_at, version
	FROM restaurant_orders
`

func (p *PostgresRepository) CreateOrder(ctx context.Context, o *Order) error {
	customer, lines, err := marshalOrder(o)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO restaurant_orders (id, restaurant_id, status, decision_reason, customer, lines,
			total_price, time_placed, created_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, o.ID, o.RestaurantID, o.Status, o.DecisionReason, customer, lines,
		o.TotalPrice, o.TimePlaced, o.CreatedAt, o.Version)
	if storage.IsUniqueViolation(err) {
		return fmt.Errorf("%s %s: %w", orderAggregate, o.ID, saga.ErrDuplicate)
	}
	return err
}

func (p *PostgresRepository) GetOrder(ctx context.Context, id string) (*Order, error) {
	o, err := scanOrder(p.db.QueryRowContext(ctx, selectOrder+` WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, saga.NotFound(orderAggregate, id)
	}
	return o, err
}

func (p *PostgresRepository) SaveOrder(ctx context.Context, o *Order, envs ...events.Envelope) error {
	err := storage.WithTx(ctx, p.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE restaurant_orders
			SET status = $1, decision_reason = $2, version = version + 1
			WHERE id = $3 AND version = $4
		`, o.Status, o.DecisionReason, o.ID, o.Version)
		if err != nil {
			return fmt.Errorf("failed to update restaurant order: %w", err)
		}
		if err := storage.ExpectOneRow(res, saga.Conflict(orderAggregate, o.ID)); err != nil {
			return err
		}
		return outbox.Insert(ctx, tx, envs...)
	})
	if err != nil {
		return err
	}

	o.Version++
	return nil
}

func (p *PostgresRepository) ListOrders(ctx context.Context, restaurantID string, status OrderStatus) ([]*Order, error) {
	query := selectOrder + ` WHERE restaurant_id = $1`
	args := []any{restaurantID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}

	rows, err := p.db.QueryContext(ctx, query+` ORDER BY time_placed`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (*Order, error) {
	var (
		o               Order
		status          string
		customer, lines []byte
	)
	err := row.Scan(&o.ID, &o.RestaurantID, &status, &o.DecisionReason, &customer, &lines,
		&o.TotalPrice, &o.TimePlaced, &o.CreatedAt, &o.Version)
	if err != nil {
		return nil, err
	}

	o.Status = OrderStatus(status)
	if err := json.Unmarshal(customer, &o.Customer); err != nil {
		return nil, fmt.Errorf("failed to decode restaurant order customer: %w", err)
	}
	if err := json.Unmarshal(lines, &o.Lines); err != nil {
		return nil, fmt.Errorf("failed to decode restaurant order lines: %w", err)
	}
	return &o, nil
}

func marshalOrder(o *Order) (customer, lines string, err error) {
	c, err := json.Marshal(o.Customer)
	if err != nil {
		return "", "", err
	}
	l, err := json.Marshal(o.Lines)
	if err != nil {
		return "", "", err
	}
	return string(c), string(l), nil
}
