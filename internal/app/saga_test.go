package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jogardn/food-delivery-saga/internal/config"
	"github.com/jogardn/food-delivery-saga/internal/delivery"
	"github.com/jogardn/food-delivery-saga/internal/events"
	"github.com/jogardn/food-delivery-saga/internal/logging"
	"github.com/jogardn/food-delivery-saga/internal/order"
	"github.com/jogardn/food-delivery-saga/internal/outbox"
	"github.com/jogardn/food-delivery-saga/internal/restaurant"
	"github.com/jogardn/food-delivery-saga/internal/saga"
)

type paidGateway struct{}

func (paidGateway) CreatePaymentForOrder(_ context.Context, o *order.Order) (order.Payment, error) {
	return order.Payment{ID: "pay-" + o.ID, CheckoutURL: "http://pay.local/" + o.ID, Status: order.PaymentInProgress}, nil
}

func (paidGateway) ConfirmPayment(_ context.Context, p order.Payment) (order.Payment, error) {
	p.Status = order.PaymentPaid
	return p, nil
}

type system struct {
	bus        *Bus
	order      *OrderService
	restaurant *RestaurantService
	delivery   *DeliveryService
}

func newSystem(t *testing.T, ttl time.Duration) *system {
	t.Helper()
	ctx := context.Background()
	logger := logging.Discard()

	cfg := config.Default("saga")
	cfg.Storage = config.StorageMemory
	cfg.Bus.Transport = config.TransportMemory
	cfg.OrderTimeoutTTL = ttl

	bus := NewMemoryBus(events.Default(ttl), logger)
	deps := func() Deps {
		return Deps{Config: cfg, Logger: logger, Storage: &Storage{Memory: outbox.NewMemory()}, Bus: bus}
	}

	orders, err := NewOrderService(ctx, deps(), paidGateway{})
	require.NoError(t, err)
	t.Cleanup(orders.Close)

	deliveries, err := NewDeliveryService(deps())
	require.NoError(t, err)

	s := &system{
		bus:        bus,
		order:      orders,
		restaurant: NewRestaurantService(deps()),
		delivery:   deliveries,
	}
	for _, c := range []*Component{s.order.Component, s.restaurant.Component, s.delivery.Component} {
		for queue, handler := range c.Consumers {
			bus.Memory.Register(ctx, queue, handler)
		}
	}
	return s
}

// flush relays every outbox once and returns how many envelopes went out.
func (s *system) flush() (int, error) {
	total := 0
	for _, c := range []*Component{s.order.Component, s.restaurant.Component, s.delivery.Component} {
		n, err := c.Relay.Flush(context.Background())
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// settle relays until no service has anything left to publish.
func (s *system) settle(t *testing.T) {
	t.Helper()
	for {
		n, err := s.flush()
		require.NoError(t, err)
		if n == 0 {
			return
		}
	}
}

var customer = order.Customer{
	Name:  "Ada",
	Email: "ada@example.com",
	Address: events.Address{
		Street: "Main Street", HouseNumber: "1", PostalCode: "1000", City: "Brussels", Country: "BE",
	},
}

// placeOrder opens a restaurant with one dish and checks out two of them.
func (s *system) placeOrder(t *testing.T) *order.Order {
	t.Helper()
	ctx := context.Background()

	r, err := s.restaurant.Restaurants.CreateRestaurant(ctx, restaurant.CreateRestaurantRequest{
		Name:    "Luigi's",
		Address: events.Address{Street: "Kitchen Lane", HouseNumber: "7", PostalCode: "1000", City: "Brussels", Country: "BE"},
		Open:    true,
	})
	require.NoError(t, err)
	dish, err := s.restaurant.Restaurants.SaveDish(ctx, r.ID, restaurant.Dish{
		Name:  "Margherita",
		Price: decimal.RequireFromString("9.50"),
	})
	require.NoError(t, err)
	s.settle(t)

	o, err := s.order.Orders.Create(ctx)
	require.NoError(t, err)
	_, err = s.order.Orders.AddDish(ctx, o.ID, order.AddDishRequest{RestaurantID: r.ID, DishID: dish.ID, Quantity: 2})
	require.NoError(t, err)
	_, err = s.order.Orders.SetCustomerDetails(ctx, o.ID, customer)
	require.NoError(t, err)
	_, err = s.order.Payments.CreatePayment(ctx, o.ID)
	require.NoError(t, err)
	placed, err := s.order.Payments.ConfirmPayment(ctx, o.ID)
	require.NoError(t, err)
	s.settle(t)

	return placed
}

func TestSagaHappyPath(t *testing.T) {
	ctx := context.Background()
	s := newSystem(t, time.Hour)

	placed := s.placeOrder(t)
	assert.Equal(t, order.StatusPlaced, placed.Status)
	assert.Equal(t, "19", placed.TotalPrice.String())
	assert.Equal(t, 1, s.order.Timeouts.Pending())

	ro, err := s.restaurant.Restaurants.GetOrder(ctx, placed.ID)
	require.NoError(t, err)
	assert.Equal(t, restaurant.OrderPlaced, ro.Status)

	_, err = s.restaurant.Restaurants.Accept(ctx, placed.ID)
	require.NoError(t, err)
	s.settle(t)

	o, err := s.order.Orders.Get(ctx, placed.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusAccepted, o.Status)

	d, err := s.delivery.Deliveries.GetDelivery(ctx, placed.ID)
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusOpen, d.Status)
	assert.Equal(t, "Kitchen Lane", d.RestaurantAddress.Street)

	driver, err := s.delivery.Deliveries.RegisterDriver(ctx, "Mia")
	require.NoError(t, err)
	_, err = s.delivery.Deliveries.Claim(ctx, placed.ID, driver.ID)
	require.NoError(t, err)

	_, err = s.restaurant.Restaurants.MarkReady(ctx, placed.ID)
	require.NoError(t, err)
	s.settle(t)

	o, err = s.order.Orders.Get(ctx, placed.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusReady, o.Status)
	d, err = s.delivery.Deliveries.GetDelivery(ctx, placed.ID)
	require.NoError(t, err)
	assert.Equal(t, delivery.OrderReady, d.OrderStatus)

	_, err = s.delivery.Deliveries.Start(ctx, placed.ID, driver.ID)
	require.NoError(t, err)
	s.settle(t)

	o, err = s.order.Orders.Get(ctx, placed.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPickedUp, o.Status)

	_, err = s.delivery.Deliveries.Complete(ctx, placed.ID, driver.ID)
	require.NoError(t, err)
	s.settle(t)

	o, err = s.order.Orders.Get(ctx, placed.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusDelivered, o.Status)

	ro, err = s.restaurant.Restaurants.GetOrder(ctx, placed.ID)
	require.NoError(t, err)
	assert.Equal(t, restaurant.OrderDelivered, ro.Status)

	d, err = s.delivery.Deliveries.GetDelivery(ctx, placed.ID)
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusDelivered, d.Status)
	require.NotNil(t, d.Price)

	free, err := s.delivery.Deliveries.GetDriver(ctx, driver.ID)
	require.NoError(t, err)
	assert.False(t, free.HasActiveDelivery())

	// The decision arrived, so the timeout that fires later is stale.
	rejected, err := s.order.Orders.RejectIfPlaced(ctx, placed.ID)
	require.NoError(t, err)
	assert.False(t, rejected)

	for queue := range s.order.Consumers {
		assert.Empty(t, s.bus.Memory.DeadLetters(queue), queue)
	}
}

func TestSagaRejectsOrderTheRestaurantIgnored(t *testing.T) {
	ctx := context.Background()
	s := newSystem(t, 50*time.Millisecond)

	placed := s.placeOrder(t)

	assert.Eventually(t, func() bool {
		if _, err := s.flush(); err != nil {
			return false
		}
		o, err := s.order.Orders.Get(ctx, placed.ID)
		return err == nil && o.Status == order.StatusRejected
	}, 2*time.Second, 20*time.Millisecond)
	s.settle(t)

	o, err := s.order.Orders.Get(ctx, placed.ID)
	require.NoError(t, err)
	assert.Equal(t, order.TimeoutReason, o.DecisionReason)

	ro, err := s.restaurant.Restaurants.GetOrder(ctx, placed.ID)
	require.NoError(t, err)
	assert.Equal(t, restaurant.OrderCancelled, ro.Status)

	_, err = s.restaurant.Restaurants.Accept(ctx, placed.ID)
	assert.ErrorIs(t, err, saga.ErrIllegalStateTransition)

	d, err := s.delivery.Deliveries.GetDelivery(ctx, placed.ID)
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusCancelled, d.Status, "nothing left for a driver to claim")
}

func TestSagaTimeoutRacingAcceptance(t *testing.T) {
	ctx := context.Background()
	s := newSystem(t, time.Hour)

	placed := s.placeOrder(t)

	// The timeout fires while the kitchen is accepting. Neither side has
	// seen the other's event yet.
	rejected, err := s.order.Orders.RejectIfPlaced(ctx, placed.ID)
	require.NoError(t, err)
	require.True(t, rejected)
	_, err = s.restaurant.Restaurants.Accept(ctx, placed.ID)
	require.NoError(t, err)
	s.settle(t)

	o, err := s.order.Orders.Get(ctx, placed.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusRejected, o.Status)
	assert.Equal(t, order.TimeoutReason, o.DecisionReason)

	ro, err := s.restaurant.Restaurants.GetOrder(ctx, placed.ID)
	require.NoError(t, err)
	assert.Equal(t, restaurant.OrderCancelled, ro.Status)
	assert.Equal(t, restaurant.TimeoutReason, ro.DecisionReason)

	d, err := s.delivery.Deliveries.GetDelivery(ctx, placed.ID)
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusCancelled, d.Status)

	driver, err := s.delivery.Deliveries.RegisterDriver(ctx, "Mia")
	require.NoError(t, err)
	_, err = s.delivery.Deliveries.Claim(ctx, placed.ID, driver.ID)
	assert.ErrorIs(t, err, saga.ErrIllegalStateTransition)

	_, err = s.restaurant.Restaurants.MarkReady(ctx, placed.ID)
	assert.ErrorIs(t, err, saga.ErrIllegalStateTransition)

	for _, c := range []*Component{s.order.Component, s.restaurant.Component, s.delivery.Component} {
		for queue := range c.Consumers {
			assert.Empty(t, s.bus.Memory.DeadLetters(queue), queue)
			assert.Empty(t, s.bus.Memory.Pending(queue), queue)
		}
	}
}

func TestSagaTimeoutAfterDriverClaimed(t *testing.T) {
	ctx := context.Background()
	s := newSystem(t, time.Hour)

	placed := s.placeOrder(t)

	_, err := s.restaurant.Restaurants.Accept(ctx, placed.ID)
	require.NoError(t, err)
	rejected, err := s.order.Orders.RejectIfPlaced(ctx, placed.ID)
	require.NoError(t, err)
	require.True(t, rejected)

	// Relay restaurant-service first so the delivery opens and is claimed
	// before OrderTimedOut reaches anyone.
	_, err = s.restaurant.Relay.Flush(ctx)
	require.NoError(t, err)
	driver, err := s.delivery.Deliveries.RegisterDriver(ctx, "Mia")
	require.NoError(t, err)
	_, err = s.delivery.Deliveries.Claim(ctx, placed.ID, driver.ID)
	require.NoError(t, err)
	s.settle(t)

	d, err := s.delivery.Deliveries.GetDelivery(ctx, placed.ID)
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusCancelled, d.Status)
	assert.Empty(t, d.AssignedDriverID)

	free, err := s.delivery.Deliveries.GetDriver(ctx, driver.ID)
	require.NoError(t, err)
	assert.False(t, free.HasActiveDelivery())

	o, err := s.order.Orders.Get(ctx, placed.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusRejected, o.Status)
}

func TestSagaRestaurantRejection(t *testing.T) {
	ctx := context.Background()
	s := newSystem(t, time.Hour)

	placed := s.placeOrder(t)

	_, err := s.restaurant.Restaurants.Reject(ctx, placed.ID, "out of mozzarella")
	require.NoError(t, err)
	s.settle(t)

	o, err := s.order.Orders.Get(ctx, placed.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusRejected, o.Status)
	assert.Equal(t, "out of mozzarella", o.DecisionReason)

	_, err = s.delivery.Deliveries.GetDelivery(ctx, placed.ID)
	assert.ErrorIs(t, err, saga.ErrNotFound)
}

func TestHealthCheck(t *testing.T) {
	s := newSystem(t, time.Hour)

	for _, c := range []*Component{s.order.Component, s.restaurant.Component, s.delivery.Component} {
		rec := httptest.NewRecorder()
		c.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), c.Name)
	}
}

func TestOrderServiceConsumesItsQueues(t *testing.T) {
	s := newSystem(t, time.Hour)

	assert.Equal(t, []string{
		events.QueueOrderCatalog,
		events.QueueOrderDecision,
		events.QueueOrderDeliveryStatus,
		events.QueueOrderReady,
		events.QueueOrderTimeoutDLX,
	}, s.order.Queues())
	assert.Equal(t, []string{
		events.QueueRestaurantDeliveryStatus,
		events.QueueRestaurantOrderCreated,
		events.QueueRestaurantOrderTimedOut,
	}, s.restaurant.Queues())
	assert.Equal(t, []string{
		events.QueueDeliveryNewOrder,
		events.QueueDeliveryOrderReady,
		events.QueueDeliveryOrderTimedOut,
	}, s.delivery.Queues())
}
