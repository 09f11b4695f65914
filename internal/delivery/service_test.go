package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jogardn/food-delivery-saga/internal/events"
	"github.com/jogardn/food-delivery-saga/internal/logging"
	"github.com/jogardn/food-delivery-saga/internal/outbox"
	"github.com/jogardn/food-delivery-saga/internal/saga"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	service *Service
	outbox  *outbox.Memory
	clock   *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ob := outbox.NewMemory()
	c := &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	s := NewService(NewMemoryRepository(ob), calculator(t), logging.Discard())
	s.now = c.Now
	return &fixture{service: s, outbox: ob, clock: c}
}

func (f *fixture) drain(t *testing.T) []events.Envelope {
	t.Helper()
	var out []events.Envelope
	_, err := f.outbox.Drain(context.Background(), 1000, func(env events.Envelope) error {
		out = append(out, env)
		return nil
	})
	require.NoError(t, err)
	return out
}

func (f *fixture) open(t *testing.T, orderID string) {
	t.Helper()
	require.NoError(t, f.service.CreateFromOrder(context.Background(), events.DeliveryOrderEvent{
		OrderID:           orderID,
		RestaurantID:      "r1",
		RestaurantAddress: events.Address{Street: "Markt", City: "Gent"},
	}))
}

func (f *fixture) driver(t *testing.T, name string) *Driver {
	t.Helper()
	drv, err := f.service.RegisterDriver(context.Background(), name)
	require.NoError(t, err)
	return drv
}

func statuses(t *testing.T, envs []events.Envelope) []string {
	t.Helper()
	out := make([]string, len(envs))
	for i, env := range envs {
		var ev events.DeliveryStatusChangedEvent
		require.NoError(t, env.Decode(&ev))
		out[i] = ev.Status
	}
	return out
}

func TestDeliveryLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.open(t, "o1")
	f.open(t, "o1")
	drv := f.driver(t, "Max")

	open, err := f.service.ListDeliveries(ctx, StatusOpen)
	require.NoError(t, err)
	assert.Len(t, open, 1)

	_, err = f.service.Claim(ctx, "o1", drv.ID)
	require.NoError(t, err)

	_, err = f.service.Start(ctx, "o1", drv.ID)
	assert.ErrorIs(t, err, saga.ErrIllegalStateTransition, "kitchen not done yet")

	require.NoError(t, f.service.HandleOrderReadyForDelivery(ctx,
		events.MustEnvelope("o1", events.OrderReadyForDeliveryEvent{OrderID: "o1", RestaurantID: "r1"})))

	_, err = f.service.Start(ctx, "o1", drv.ID)
	require.NoError(t, err)

	f.clock.Advance(90 * time.Minute)
	d, err := f.service.Complete(ctx, "o1", drv.ID)
	require.NoError(t, err)
	assert.Equal(t, "12.00", d.Price.StringFixed(2))

	drv, err = f.service.GetDriver(ctx, drv.ID)
	require.NoError(t, err)
	assert.False(t, drv.HasActiveDelivery())

	published := f.drain(t)
	assert.Equal(t, []string{"PICKED_UP", "DELIVERED"}, statuses(t, published))
	for _, env := range published {
		assert.Equal(t, "o1", env.CorrelationID)
		assert.Equal(t, events.KeyDeliveryStatusChanged, env.RoutingKey)
	}
}

func TestDriverCannotHoldTwoDeliveries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.open(t, "o1")
	f.open(t, "o2")
	drv := f.driver(t, "Max")

	_, err := f.service.Claim(ctx, "o1", drv.ID)
	require.NoError(t, err)

	_, err = f.service.Claim(ctx, "o2", drv.ID)
	assert.ErrorIs(t, err, saga.ErrIllegalStateTransition)

	d, err := f.service.GetDelivery(ctx, "o2")
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, d.Status)
}

func TestConcurrentClaimsHaveOneWinner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.open(t, "o1")

	const drivers = 8
	ids := make([]string, drivers)
	for i := range ids {
		ids[i] = f.driver(t, "driver").ID
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   []string
		conflicts int
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.service.Claim(ctx, "o1", id)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, id)
			case errors.Is(err, saga.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}(id)
	}
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, drivers-1, conflicts)

	d, err := f.service.GetDelivery(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, winners[0], d.AssignedDriverID)

	for _, id := range ids {
		drv, err := f.service.GetDriver(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, id == winners[0], drv.HasActiveDelivery())
	}
}

func TestCancelReleasesDriver(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.open(t, "o1")
	mia := f.driver(t, "Max")
	eva := f.driver(t, "Eva")

	_, err := f.service.Claim(ctx, "o1", mia.ID)
	require.NoError(t, err)

	_, err = f.service.Cancel(ctx, "o1", eva.ID)
	assert.ErrorIs(t, err, saga.ErrIllegalStateTransition)

	d, err := f.service.Cancel(ctx, "o1", mia.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, d.Status)
	assert.Empty(t, d.AssignedDriverID)

	mia, err = f.service.GetDriver(ctx, mia.ID)
	require.NoError(t, err)
	assert.False(t, mia.HasActiveDelivery())

	_, err = f.service.Claim(ctx, "o1", eva.ID)
	require.NoError(t, err)
	assert.Zero(t, f.outbox.Len(), "claim and cancel publish nothing")
}

func TestTimedOutOrderWithdrawsDelivery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.open(t, "o1")
	mia := f.driver(t, "Mia")

	_, err := f.service.Claim(ctx, "o1", mia.ID)
	require.NoError(t, err)
	require.NoError(t, f.service.MarkReady(ctx, "o1"))

	env := events.MustEnvelope("o1", events.OrderTimedOutEvent{OrderID: "o1"})
	require.NoError(t, f.service.HandleOrderTimedOut(ctx, env))
	require.NoError(t, f.service.HandleOrderTimedOut(ctx, env))

	d, err := f.service.GetDelivery(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, d.Status)
	assert.Equal(t, OrderRejected, d.OrderStatus)
	assert.Empty(t, d.AssignedDriverID)

	mia, err = f.service.GetDriver(ctx, mia.ID)
	require.NoError(t, err)
	assert.False(t, mia.HasActiveDelivery())

	_, err = f.service.Start(ctx, "o1", mia.ID)
	assert.ErrorIs(t, err, saga.ErrIllegalStateTransition)
	assert.Zero(t, f.outbox.Len())
}

func TestTimeoutBeforeDeliveryOrderLeavesTombstone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.service.WithdrawTimedOut(ctx, "o1"))
	f.open(t, "o1")

	d, err := f.service.GetDelivery(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, d.Status)
	assert.Empty(t, d.RestaurantID, "late delivery order does not reopen it")

	require.NoError(t, f.service.MarkReady(ctx, "o1"))

	drv := f.driver(t, "Max")
	_, err = f.service.Claim(ctx, "o1", drv.ID)
	assert.ErrorIs(t, err, saga.ErrIllegalStateTransition)

	listed, err := f.service.ListDeliveries(ctx, StatusOpen)
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestTimeoutAfterPickupIsDeadLettered(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.open(t, "o1")
	drv := f.driver(t, "Max")

	_, err := f.service.Claim(ctx, "o1", drv.ID)
	require.NoError(t, err)
	require.NoError(t, f.service.MarkReady(ctx, "o1"))
	_, err = f.service.Start(ctx, "o1", drv.ID)
	require.NoError(t, err)

	err = f.service.WithdrawTimedOut(ctx, "o1")
	assert.ErrorIs(t, err, saga.ErrIllegalStateTransition)
	assert.Equal(t, events.DeadLetter, events.Classify(err))

	err = f.service.WithdrawTimedOut(ctx, "")
	assert.ErrorIs(t, err, saga.ErrInvalidArgument)
}

func TestReadyBeforeDeliveryOrderIsRequeued(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	err := f.service.MarkReady(ctx, "o1")
	assert.True(t, saga.IsPremature(err))
	assert.Equal(t, events.Requeue, events.Classify(err))

	f.open(t, "o1")
	require.NoError(t, f.service.MarkReady(ctx, "o1"))
	require.NoError(t, f.service.MarkReady(ctx, "o1"))

	d, err := f.service.GetDelivery(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, OrderReady, d.OrderStatus)
	assert.Equal(t, 1, d.Version)
}

func TestClaimValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.open(t, "o1")

	_, err := f.service.Claim(ctx, "o1", "")
	assert.ErrorIs(t, err, saga.ErrInvalidArgument)

	_, err = f.service.Claim(ctx, "o1", "ghost")
	assert.ErrorIs(t, err, saga.ErrNotFound)

	drv := f.driver(t, "Max")
	_, err = f.service.Claim(ctx, "missing", drv.ID)
	assert.ErrorIs(t, err, saga.ErrNotFound)
}
