package delivery

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jogardn/food-delivery-saga/internal/events"
	"github.com/jogardn/food-delivery-saga/internal/saga"
)

func TestPostgresSaveAssignmentUpdatesBothRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	d := open()
	require.NoError(t, d.Claim("driver-1"))
	drv := &Driver{ID: "driver-1", ActiveDeliveryID: "o1", Version: 2}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE deliveries")).
		WithArgs("CLAIMED", "ACCEPTED", nil, nil, "driver-1", nil, "o1", 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE drivers")).
		WithArgs("o1", "driver-1", 2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, NewPostgresRepository(db).SaveAssignment(context.Background(), d, drv))
	assert.Equal(t, 1, d.Version)
	assert.Equal(t, 3, drv.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaveAssignmentLosesRace(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	d := open()
	require.NoError(t, d.Claim("driver-2"))
	drv := &Driver{ID: "driver-2", ActiveDeliveryID: "o1"}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE deliveries")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err = NewPostgresRepository(db).SaveAssignment(context.Background(), d, drv)
	assert.ErrorIs(t, err, saga.ErrConflict)
	assert.Zero(t, d.Version)
	assert.Zero(t, drv.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaveDeliveryWritesOutbox(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	d := open()
	d.Status = StatusClaimed
	d.OrderStatus = OrderReady
	d.AssignedDriverID = "driver-1"
	require.NoError(t, d.Start(time.Now()))
	env := events.MustEnvelope("o1", events.DeliveryStatusChangedEvent{OrderID: "o1", Status: "PICKED_UP"})

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE deliveries")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO outbox").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, NewPostgresRepository(db).SaveDelivery(context.Background(), d, env))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetDelivery(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"order_id", "restaurant_id", "restaurant_address", "customer", "lines",
		"total_price", "time_placed", "status", "order_status", "pickup_time", "delivery_time",
		"assigned_driver_id", "price", "created_at", "version"}).
		AddRow("o1", "r1", []byte(`{"street":"Markt","city":"Gent"}`), []byte(`{"name":"Ada"}`), []byte(`[]`),
			"19.00", at, "DELIVERED", "DELIVERED", at, at.Add(20*time.Minute), "driver-1", "9.00", at, 5)

	mock.ExpectQuery("SELECT order_id").WithArgs("o1").WillReturnRows(rows)

	d, err := NewPostgresRepository(db).GetDelivery(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, d.Status)
	assert.Equal(t, "Gent", d.RestaurantAddress.City)
	assert.Equal(t, "driver-1", d.AssignedDriverID)
	require.NotNil(t, d.Price)
	assert.Equal(t, "9", d.Price.String())
	require.NotNil(t, d.PickupTime)
	require.NotNil(t, d.DeliveryTime)
	assert.Equal(t, 20*time.Minute, d.DeliveryTime.Sub(*d.PickupTime))
}

func TestPostgresGetDriverNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT id, name").WithArgs("nobody").WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err = NewPostgresRepository(db).GetDriver(context.Background(), "nobody")
	assert.ErrorIs(t, err, saga.ErrNotFound)
}
