package payment

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jogardn/food-delivery-saga/internal/events"
	"github.com/jogardn/food-delivery-saga/internal/logging"
	"github.com/jogardn/food-delivery-saga/internal/order"
	"github.com/jogardn/food-delivery-saga/internal/outbox"
	"github.com/jogardn/food-delivery-saga/internal/saga"
)

type stubCatalog struct{}

func (stubCatalog) GetDish(context.Context, string, string) (order.DishSnapshot, error) {
	return order.DishSnapshot{Name: "Margherita", Price: decimal.RequireFromString("9.50"), Status: order.DishAvailable}, nil
}

func (stubCatalog) IsRestaurantOpen(context.Context, string) (bool, error) { return true, nil }

type fakeGateway struct {
	paid      bool
	down      bool
	created   int
	confirmed int
}

func (g *fakeGateway) CreatePaymentForOrder(_ context.Context, o *order.Order) (order.Payment, error) {
	if g.down {
		return order.Payment{}, upstream("connection refused")
	}
	g.created++
	return order.Payment{ID: "pay-" + o.ID, CheckoutURL: "http://pay/" + o.ID, Status: order.PaymentInProgress}, nil
}

func (g *fakeGateway) ConfirmPayment(_ context.Context, p order.Payment) (order.Payment, error) {
	if g.down {
		return order.Payment{}, upstream("connection refused")
	}
	g.confirmed++
	if !g.paid {
		return p, ErrNotPaid
	}
	p.Status = order.PaymentPaid
	return p, nil
}

type coordinatorFixture struct {
	coordinator *Coordinator
	gateway     *fakeGateway
	orders      *order.Service
	outbox      *outbox.Memory
}

func newCoordinatorFixture(maxFailures int) *coordinatorFixture {
	logger := logging.Discard()
	ob := outbox.NewMemory()
	orders := order.NewService(order.NewMemoryRepository(ob), stubCatalog{}, nil, logger)
	gateway := &fakeGateway{}
	return &coordinatorFixture{
		coordinator: NewCoordinator(gateway, NewBreaker(maxFailures, logger), orders, logger),
		gateway:     gateway,
		orders:      orders,
		outbox:      ob,
	}
}

func (f *coordinatorFixture) orderWithCustomer(t *testing.T) *order.Order {
	t.Helper()
	ctx := context.Background()
	o, err := f.orders.Create(ctx)
	require.NoError(t, err)
	_, err = f.orders.AddDish(ctx, o.ID, order.AddDishRequest{RestaurantID: "r1", DishID: "pizza", Quantity: 2})
	require.NoError(t, err)
	o, err = f.orders.SetCustomerDetails(ctx, o.ID, order.Customer{Name: "Ada", Email: "ada@example.com"})
	require.NoError(t, err)
	return o
}

func TestCheckoutPlacesOrderOnlyWhenPaid(t *testing.T) {
	f := newCoordinatorFixture(3)
	ctx := context.Background()
	o := f.orderWithCustomer(t)

	o, err := f.coordinator.CreatePayment(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPaymentInProgress, o.Status)
	require.NotNil(t, o.Payment)

	_, err = f.coordinator.ConfirmPayment(ctx, o.ID)
	assert.ErrorIs(t, err, ErrNotPaid)
	assert.Zero(t, f.outbox.Len())

	f.gateway.paid = true
	placed, err := f.coordinator.ConfirmPayment(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPlaced, placed.Status)
	assert.Equal(t, 2, f.outbox.Len(), "OrderCreated and OrderTimeout")

	var types []string
	f.outbox.Drain(ctx, 10, func(env events.Envelope) error {
		types = append(types, env.Type)
		return nil
	})
	assert.Equal(t, []string{events.TypeOrderCreated, events.TypeOrderTimeout}, types)
}

func TestCreatePaymentRequiresCustomerDetails(t *testing.T) {
	f := newCoordinatorFixture(3)
	o, err := f.orders.Create(context.Background())
	require.NoError(t, err)

	_, err = f.coordinator.CreatePayment(context.Background(), o.ID)
	assert.ErrorIs(t, err, saga.ErrIllegalStateTransition)
	assert.Zero(t, f.gateway.created)
}

func TestGatewayOutageOpensBreaker(t *testing.T) {
	f := newCoordinatorFixture(2)
	ctx := context.Background()
	o := f.orderWithCustomer(t)
	f.gateway.down = true

	for i := 0; i < 2; i++ {
		_, err := f.coordinator.CreatePayment(ctx, o.ID)
		assert.ErrorIs(t, err, saga.ErrUpstream)
	}

	f.gateway.down = false
	_, err := f.coordinator.CreatePayment(ctx, o.ID)
	assert.ErrorIs(t, err, saga.ErrUpstream, "breaker is open")
	assert.Zero(t, f.gateway.created)
}

func TestNotPaidDoesNotOpenBreaker(t *testing.T) {
	f := newCoordinatorFixture(1)
	ctx := context.Background()
	o := f.orderWithCustomer(t)

	_, err := f.coordinator.CreatePayment(ctx, o.ID)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := f.coordinator.ConfirmPayment(ctx, o.ID)
		assert.ErrorIs(t, err, ErrNotPaid)
	}
	assert.Equal(t, 3, f.gateway.confirmed)
}
