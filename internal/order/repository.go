package order

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

// Repository persists orders. Save checks the version the order was loaded
// with, bumps it, and stores envs in the outbox in the same transaction.
type Repository interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	Save(ctx context.Context, o *Order, envs ...events.Envelope) error
	ListByStatus(ctx context.Context, status Status) ([]*Order, error)
}

var Schema = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		id VARCHAR(64) PRIMARY KEY,
		restaurant_id VARCHAR(64) NOT NULL DEFAULT '',
		status VARCHAR(50) NOT NULL,
		lines JSONB NOT NULL,
		total_price DECIMAL(10,2) NOT NULL,
		payment JSONB,
		customer JSONB,
		time_placed TIMESTAMPTZ,
		decision_reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		version INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status)`,
}

type MemoryRepository struct {
	mu     sync.Mutex
	orders map[string]*Order
	outbox *outbox.Memory
}

func NewMemoryRepository(ob *outbox.Memory) *MemoryRepository {
	return &MemoryRepository{
		orders: make(map[string]*Order),
		outbox: ob,
	}
}

func (r *MemoryRepository) Create(_ context.Context, o *Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.orders[o.ID]; ok {
		return fmt.Errorf("order %s: %w", o.ID, saga.ErrDuplicate)
	}
	r.orders[o.ID] = o.Clone()
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[id]
	if !ok {
		return nil, saga.NotFound(aggregate, id)
	}
	return o.Clone(), nil
}

func (r *MemoryRepository) Save(_ context.Context, o *Order, envs ...events.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.orders[o.ID]
	if !ok {
		return saga.NotFound(aggregate, o.ID)
	}
	if stored.Version != o.Version {
		return saga.Conflict(aggregate, o.ID)
	}

	o.Version++
	r.orders[o.ID] = o.Clone()
	r.outbox.Append(envs...)
	return nil
}

func (r *MemoryRepository) ListByStatus(_ context.Context, status Status) ([]*Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Order
	for _, o := range r.orders {
		if o.Status == status {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const selectOrder = `
	SELECT id, restaurant_id, status, lines, total_price, payment, customer,
		time_placed, decision_reason, created_at, version
	FROM orders
`

func (r *PostgresRepository) Create(ctx context.Context, o *Order) error {
	lines, payment, customer, err := marshalParts(o)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO orders (id, restaurant_id, status, lines, total_price, payment, customer,
			time_placed, decision_reason, created_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, o.ID, o.RestaurantID, o.Status, string(lines), o.TotalPrice, payment, customer,
		o.TimePlaced, o.DecisionReason, o.CreatedAt, o.Version)
	if storage.IsUniqueViolation(err) {
		return fmt.Errorf("order %s: %w", o.ID, saga.ErrDuplicate)
	}
	return err
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*Order, error) {
	o, err := scanOrder(r.db.QueryRowContext(ctx, selectOrder+` WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, saga.NotFound(aggregate, id)
	}
	return o, err
}

func (r *PostgresRepository) Save(ctx context.Context, o *Order, envs ...events.Envelope) error {
	lines, payment, customer, err := marshalParts(o)
	if err != nil {
		return err
	}

	err = storage.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE orders
			SET restaurant_id = $1, status = $2, lines = $3, total_price = $4, payment = $5,
				customer = $6, time_placed = $7, decision_reason = $8, version = version + 1
			WHERE id = $9 AND version = $10
		`, o.RestaurantID, o.Status, string(lines), o.TotalPrice, payment, customer,
			o.TimePlaced, o.DecisionReason, o.ID, o.Version)
		if err != nil {
			return fmt.Errorf("failed to update order: %w", err)
		}
		if err := storage.ExpectOneRow(res, saga.Conflict(aggregate, o.ID)); err != nil {
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

func (r *PostgresRepository) ListByStatus(ctx context.Context, status Status) ([]*Order, error) {
	rows, err := r.db.QueryContext(ctx, selectOrder+` WHERE status = $1 ORDER BY created_at`, status)
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
		o                        Order
		status                   string
		lines, payment, customer []byte
		timePlaced               sql.NullTime
	)
	err := row.Scan(&o.ID, &o.RestaurantID, &status, &lines, &o.TotalPrice, &payment, &customer,
		&timePlaced, &o.DecisionReason, &o.CreatedAt, &o.Version)
	if err != nil {
		return nil, err
	}

	o.Status = Status(status)
	if err := json.Unmarshal(lines, &o.Lines); err != nil {
		return nil, fmt.Errorf("failed to decode order lines: %w", err)
	}
	if len(payment) > 0 {
		o.Payment = &Payment{}
		if err := json.Unmarshal(payment, o.Payment); err != nil {
			return nil, fmt.Errorf("failed to decode order payment: %w", err)
		}
	}
	if len(customer) > 0 {
		o.Customer = &Customer{}
		if err := json.Unmarshal(customer, o.Customer); err != nil {
			return nil, fmt.Errorf("failed to decode order customer: %w", err)
		}
	}
	if timePlaced.Valid {
		t := timePlaced.Time
		o.TimePlaced = &t
	}
	return &o, nil
}

func marshalParts(o *Order) (lines []byte, payment, customer sql.NullString, err error) {
	lines, err = json.Marshal(o.Lines)
	if err != nil {
		return nil, payment, customer, err
	}
	if payment, err = nullJSON(o.Payment, o.Payment != nil); err != nil {
		return nil, payment, customer, err
	}
	customer, err = nullJSON(o.Customer, o.Customer != nil)
	return lines, payment, customer, err
}

func nullJSON(v any, present bool) (sql.NullString, error) {
	if !present {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
