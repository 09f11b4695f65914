package restaurant

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jogardn/food-delivery-saga/internal/events"
	"github.com/jogardn/food-delivery-saga/internal/saga"
)

func placed() *Order {
	return OrderFromEvent(events.OrderCreatedEvent{OrderID: "o1", RestaurantID: "r1"}, time.Now())
}

func TestOrderHappyPath(t *testing.T) {
	o := placed()
	assert.Equal(t, OrderPlaced, o.Status)

	steps := []func() (bool, error){o.Accept, o.MarkReady, o.MarkPickedUp, o.MarkDelivered}
	want := []OrderStatus{OrderAccepted, OrderReady, OrderPickedUp, OrderDelivered}
	for i, step := range steps {
		changed, err := step()
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, want[i], o.Status)
	}
}

func TestOrderReappliedTransitionsAreNoOps(t *testing.T) {
	o := placed()
	_, err := o.Accept()
	require.NoError(t, err)
	_, err = o.MarkReady()
	require.NoError(t, err)

	changed, err := o.Accept()
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = o.MarkReady()
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, OrderReady, o.Status)
}

func TestOrderOppositeDecisionIsIllegal(t *testing.T) {
	o := placed()
	_, err := o.Reject("out of dough")
	require.NoError(t, err)
	assert.Equal(t, "out of dough", o.DecisionReason)

	changed, err := o.Reject("again")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, "out of dough", o.DecisionReason)

	_, err = o.Accept()
	assert.ErrorIs(t, err, saga.ErrIllegalStateTransition)

	_, err = o.MarkReady()
	assert.ErrorIs(t, err, saga.ErrIllegalStateTransition)

	accepted := placed()
	_, err = accepted.Accept()
	require.NoError(t, err)
	_, err = accepted.Reject("too late")
	assert.ErrorIs(t, err, saga.ErrIllegalStateTransition)
}

func TestOrderReadyRequiresAcceptance(t *testing.T) {
	o := placed()
	_, err := o.MarkReady()
	assert.ErrorIs(t, err, saga.ErrIllegalStateTransition)
	assert.Equal(t, OrderPlaced, o.Status)
}

func TestOrderDeliveredWhilePickupStillQueued(t *testing.T) {
	o := placed()
	o.Status = OrderReady

	changed, err := o.MarkDelivered()
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = o.MarkPickedUp()
	require.NoError(t, err)
	assert.False(t, changed, "late pickup after delivery is a no-op")
}

func TestCancelOnTimeout(t *testing.T) {
	o := placed()
	assert.True(t, o.CancelOnTimeout())
	assert.Equal(t, OrderCancelled, o.Status)
	assert.Equal(t, TimeoutReason, o.DecisionReason)
	assert.False(t, o.CancelOnTimeout())

	accepted := placed()
	_, err := accepted.Accept()
	require.NoError(t, err)
	assert.True(t, accepted.CancelOnTimeout())
	assert.Equal(t, OrderCancelled, accepted.Status)
	assert.Equal(t, TimeoutReason, accepted.DecisionReason)

	ready := placed()
	_, err = ready.Accept()
	require.NoError(t, err)
	_, err = ready.MarkReady()
	require.NoError(t, err)
	assert.True(t, ready.CancelOnTimeout())
	assert.Equal(t, OrderCancelled, ready.Status)

	rejected := placed()
	_, err = rejected.Reject("closed")
	require.NoError(t, err)
	assert.False(t, rejected.CancelOnTimeout())
	assert.Equal(t, "closed", rejected.DecisionReason)

	gone := placed()
	_, err = gone.Accept()
	require.NoError(t, err)
	_, err = gone.MarkReady()
	require.NoError(t, err)
	_, err = gone.MarkPickedUp()
	require.NoError(t, err)
	assert.False(t, gone.CancelOnTimeout())
	assert.Equal(t, OrderPickedUp, gone.Status)
}

func TestDishValidate(t *testing.T) {
	tests := []struct {
		name string
		dish Dish
		ok   bool
	}{
		{"valid", Dish{Name: "Margherita", Price: price("9.50"), Status: DishAvailable}, true},
		{"no name", Dish{Price: price("9.50"), Status: DishAvailable}, false},
		{"free", Dish{Name: "Water", Status: DishAvailable}, false},
		{"bad status", Dish{Name: "Margherita", Price: price("9.50"), Status: "SOLD_OUT"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.dish.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, saga.ErrInvalidArgument)
			}
		})
	}
}
