package delivery

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/jogardn/food-delivery-saga/internal/events"
	"github.com/jogardn/food-delivery-saga/internal/outbox"
	"github.com/jogardn/food-delivery-saga/internal/saga"
	"github.com/jogardn/food-delivery-saga/internal/storage"
)

// Repository persists deliveries and drivers. SaveAssignment writes a
// delivery and its driver in one transaction, checking both versions.
type Repository interface {
	CreateDelivery(ctx context.Context, d *Delivery) error
	GetDelivery(ctx context.Context, orderID string) (*Delivery, error)
	SaveDelivery(ctx context.Context, d *Delivery, envs ...events.Envelope) error
	ListDeliveries(ctx context.Context, status Status) ([]*Delivery, error)

	CreateDriver(ctx context.Context, drv *Driver) error
	GetDriver(ctx context.Context, id string) (*Driver, error)
	SaveAssignment(ctx context.Context, d *Delivery, drv *Driver, envs ...events.Envelope) error
}

var Schema = []string{
	`CREATE TABLE IF NOT EXISTS deliveries (
		order_id VARCHAR(64) PRIMARY KEY,
		restaurant_id VARCHAR(64) NOT NULL,
		restaurant_address JSONB NOT NULL,
		customer JSONB NOT NULL,
		lines JSONB NOT NULL,
		total_price DECIMAL(10,2) NOT NULL,
		time_placed TIMESTAMPTZ NOT NULL,
		status VARCHAR(20) NOT NULL,
		order_status VARCHAR(20) NOT NULL,
		pickup_time TIMESTAMPTZ,
		delivery_time TIMESTAMPTZ,
		assigned_driver_id VARCHAR(64),
		price DECIMAL(10,2),
		created_at TIMESTAMPTZ NOT NULL,
		version INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_deliveries_status ON deliveries(status)`,
	`CREATE TABLE IF NOT EXISTS drivers (
		id VARCHAR(64) PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		active_delivery_id VARCHAR(64),
		created_at TIMESTAMPTZ NOT NULL,
		version INTEGER NOT NULL
	)`,
}

type MemoryRepository struct {
	mu         sync.Mutex
	deliveries map[string]*Delivery
	drivers    map[string]Driver
	outbox     *outbox.Memory
}

func NewMemoryRepository(ob *outbox.Memory) *MemoryRepository {
	return &MemoryRepository{
		deliveries: make(map[string]*Delivery),
		drivers:    make(map[string]Driver),
		outbox:     ob,
	}
}

func (m *MemoryRepository) CreateDelivery(_ context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.deliveries[d.OrderID]; ok {
		return fmt.Errorf("%s %s: %w", aggregate, d.OrderID, saga.ErrDuplicate)
	}
	m.deliveries[d.OrderID] = d.Clone()
	return nil
}

func (m *MemoryRepository) GetDelivery(_ context.Context, orderID string) (*Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deliveries[orderID]
	if !ok {
		return nil, saga.NotFound(aggregate, orderID)
	}
	return d.Clone(), nil
}

func (m *MemoryRepository) checkDelivery(d *Delivery) error {
	stored, ok := m.deliveries[d.OrderID]
	if !ok {
		return saga.NotFound(aggregate, d.OrderID)
	}
	if stored.Version != d.Version {
		return saga.Conflict(aggregate, d.OrderID)
	}
	return nil
}

func (m *MemoryRepository) SaveDelivery(_ context.Context, d *Delivery, envs ...events.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkDelivery(d); err != nil {
		return err
	}
	d.Version++
	m.deliveries[d.OrderID] = d.Clone()
	m.outbox.Append(envs...)
	return nil
}

func (m *MemoryRepository) ListDeliveries(_ context.Context, status Status) ([]*Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Delivery
	for _, d := range m.deliveries {
		if status == "" || d.Status == status {
			out = append(out, d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TimePlaced.Before(out[j].TimePlaced) })
	return out, nil
}

func (m *MemoryRepository) CreateDriver(_ context.Context, drv *Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.drivers[drv.ID]; ok {
		return fmt.Errorf("%s %s: %w", driverAggregate, drv.ID, saga.ErrDuplicate)
	}
	m.drivers[drv.ID] = *drv
	return nil
}

func (m *MemoryRepository) GetDriver(_ context.Context, id string) (*Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	drv, ok := m.drivers[id]
	if !ok {
		return nil, saga.NotFound(driverAggregate, id)
	}
	return &drv, nil
}

func (m *MemoryRepository) SaveAssignment(_ context.Context, d *Delivery, drv *Driver, envs ...events.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkDelivery(d); err != nil {
		return err
	}
	stored, ok := m.drivers[drv.ID]
	if !ok {
		return saga.NotFound(driverAggregate, drv.ID)
	}
	if stored.Version != drv.Version {
		return saga.Conflict(driverAggregate, drv.ID)
	}

	d.Version++
	drv.Version++
	m.deliveries[d.OrderID] = d.Clone()
	m.drivers[drv.ID] = *drv
	m.outbox.Append(envs...)
	return nil
}

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const selectDelivery = `
	SELECT order_id, restaurant_id, restaurant_address, customer, lines, total_price, time_placed,
		status, order_status, pickup_time, delivery_time, assigned_driver_id, price, created_at, version
	FROM deliveries
`

func (p *PostgresRepository) CreateDelivery(ctx context.Context, d *Delivery) error {
	address, customer, lines, err := marshalDelivery(d)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO deliveries (order_id, restaurant_id, restaurant_address, customer, lines,
			total_price, time_placed, status, order_status, created_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, d.OrderID, d.RestaurantID, address, customer, lines,
		d.TotalPrice, d.TimePlaced, d.Status, d.OrderStatus, d.CreatedAt, d.Version)
	if storage.IsUniqueViolation(err) {
		return fmt.Errorf("%s %s: %w", aggregate, d.OrderID, saga.ErrDuplicate)
	}
	return err
}

func (p *PostgresRepository) GetDelivery(ctx context.Context, orderID string) (*Delivery, error) {
	d, err := scanDelivery(p.db.QueryRowContext(ctx, selectDelivery+` WHERE order_id = $1`, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, saga.NotFound(aggregate, orderID)
	}
	return d, err
}

func (p *PostgresRepository) SaveDelivery(ctx context.Context, d *Delivery, envs ...events.Envelope) error {
	err := storage.WithTx(ctx, p.db, func(tx *sql.Tx) error {
		if err := updateDelivery(ctx, tx, d); err != nil {
			return err
		}
		return outbox.Insert(ctx, tx, envs...)
	})
	if err != nil {
		return err
	}

	d.Version++
	return nil
}

func (p *PostgresRepository) ListDeliveries(ctx context.Context, status Status) ([]*Delivery, error) {
	query, args := selectDelivery, []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}

	rows, err := p.db.QueryContext(ctx, query+` ORDER BY time_placed`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresRepository) CreateDriver(ctx context.Context, drv *Driver) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO drivers (id, name, active_delivery_id, created_at, version)
		VALUES ($1, $2, $3, $4, $5)
	`, drv.ID, drv.Name, nullString(drv.ActiveDeliveryID), drv.CreatedAt, drv.Version)
	if storage.IsUniqueViolation(err) {
		return fmt.Errorf("%s %s: %w", driverAggregate, drv.ID, saga.ErrDuplicate)
	}
	return err
}

func (p *PostgresRepository) GetDriver(ctx context.Context, id string) (*Driver, error) {
	var (
		drv    Driver
		active sql.NullString
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT id, name, active_delivery_id, created_at, version FROM drivers WHERE id = $1
	`, id).Scan(&drv.ID, &drv.Name, &active, &drv.CreatedAt, &drv.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, saga.NotFound(driverAggregate, id)
	}
	if err != nil {
		return nil, err
	}
	drv.ActiveDeliveryID = active.String
	return &drv, nil
}

// SaveAssignment updates the delivery first. Two drivers racing for the
// same delivery serialize on its row lock; the second finds the version
// moved and gets a conflict.
func (p *PostgresRepository) SaveAssignment(ctx context.Context, d *Delivery, drv *Driver, envs ...events.Envelope) error {
	err := storage.WithTx(ctx, p.db, func(tx *sql.Tx) error {
		if err := updateDelivery(ctx, tx, d); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE drivers SET active_delivery_id = $1, version = version + 1
			WHERE id = $2 AND version = $3
		`, nullString(drv.ActiveDeliveryID), drv.ID, drv.Version)
		if err != nil {
			return fmt.Errorf("failed to update driver: %w", err)
		}
		if err := storage.ExpectOneRow(res, saga.Conflict(driverAggregate, drv.ID)); err != nil {
			return err
		}
		return outbox.Insert(ctx, tx, envs...)
	})
	if err != nil {
		return err
	}

	d.Version++
	drv.Version++
	return nil
}

func updateDelivery(ctx context.Context, tx *sql.Tx, d *Delivery) error {
	var price decimal.NullDecimal
	if d.Price != nil {
		price = decimal.NewNullDecimal(*d.Price)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE deliveries
		SET status = $1, order_status = $2, pickup_time = $3, delivery_time = $4,
			assigned_driver_id = $5, price = $6, version = version + 1
		WHERE order_id = $7 AND version = $8
	`, d.Status, d.OrderStatus, d.PickupTime, d.DeliveryTime,
		nullString(d.AssignedDriverID), price, d.OrderID, d.Version)
	if err != nil {
		return fmt.Errorf("failed to update delivery: %w", err)
	}
	return storage.ExpectOneRow(res, saga.Conflict(aggregate, d.OrderID))
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDelivery(row scanner) (*Delivery, error) {
	var (
		d                        Delivery
		status, orderStatus      string
		address, customer, lines []byte
		pickup, delivered        sql.NullTime
		driver                   sql.NullString
		price                    decimal.NullDecimal
	)
	err := row.Scan(&d.OrderID, &d.RestaurantID, &address, &customer, &lines, &d.TotalPrice, &d.TimePlaced,
		&status, &orderStatus, &pickup, &delivered, &driver, &price, &d.CreatedAt, &d.Version)
	if err != nil {
		return nil, err
	}

	d.Status = Status(status)
	d.OrderStatus = OrderStatus(orderStatus)
	d.AssignedDriverID = driver.String
	if pickup.Valid {
		t := pickup.Time
		d.PickupTime = &t
	}
	if delivered.Valid {
		t := delivered.Time
		d.DeliveryTime = &t
	}
	if price.Valid {
		v := price.Decimal
		d.Price = &v
	}

	if err := json.Unmarshal(address, &d.RestaurantAddress); err != nil {
		return nil, fmt.Errorf("failed to decode restaurant address: %w", err)
	}
	if err := json.Unmarshal(customer, &d.Customer); err != nil {
		return nil, fmt.Errorf("failed to decode delivery customer: %w", err)
	}
	if err := json.Unmarshal(lines, &d.Lines); err != nil {
		return nil, fmt.Errorf("failed to decode delivery lines: %w", err)
	}
	return &d, nil
}

func marshalDelivery(d *Delivery) (address, customer, lines string, err error) {
	parts := make([]string, 3)
	for i, v := range []any{d.RestaurantAddress, d.Customer, d.Lines} {
		b, err := json.Marshal(v)
		if err != nil {
			return "", "", "", err
		}
		parts[i] = string(b)
	}
	return parts[0], parts[1], parts[2], nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
