package rabbitmq

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jogardn/food-delivery-saga/internal/events"
	"github.com/jogardn/food-delivery-saga/internal/saga"
)

type declared struct {
	exchanges []string
	queues    map[string]amqp.Table
	bindings  []string
}

func (d *declared) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	d.exchanges = append(d.exchanges, name+":"+kind)
	return nil
}

func (d *declared) QueueDeclare(name string, _, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	d.queues[name] = args
	return amqp.Queue{Name: name}, nil
}

func (d *declared) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	d.bindings = append(d.bindings, exchange+"/"+key+"->"+name)
	return nil
}

func TestDeclareTopology(t *testing.T) {
	ch := &declared{queues: make(map[string]amqp.Table)}
	require.NoError(t, Declare(ch, events.Default(300*time.Second)))

	assert.Contains(t, ch.exchanges, "order:topic")
	assert.Contains(t, ch.exchanges, "order.dlx:topic")

	timeout := ch.queues[events.QueueOrderTimeout]
	assert.Equal(t, int64(300000), timeout["x-message-ttl"])
	assert.Equal(t, events.ExchangeOrderDLX, timeout["x-dead-letter-exchange"])
	assert.Equal(t, events.KeyOrderTimeoutDLX, timeout["x-dead-letter-routing-key"])
	_, parked := ch.queues[events.QueueOrderTimeout+events.DeadLetterSuffix]
	assert.False(t, parked, "the delay queue is never consumed")

	decision := ch.queues[events.QueueOrderDecision]
	assert.Equal(t, "", decision["x-dead-letter-exchange"])
	assert.Equal(t, "order.decision.dlq", decision["x-dead-letter-routing-key"])
	assert.Contains(t, ch.queues, "order.decision.dlq")

	assert.Contains(t, ch.bindings, "order.dlx/order.timeout.dlx->order.timeout.dlx")
	assert.Contains(t, ch.bindings, "restaurant/restaurant.*->order.catalog")
	assert.Contains(t, ch.bindings, "delivery/delivery.order-status-changed->restaurant.delivery-status")
}

type failingDeclarer struct{ declared }

func (f *failingDeclarer) QueueBind(string, string, string, bool, amqp.Table) error {
	return errors.New("access refused")
}

func TestDeclareSurfacesErrors(t *testing.T) {
	ch := &failingDeclarer{declared{queues: make(map[string]amqp.Table)}}
	err := Declare(ch, events.Default(time.Minute))
	assert.ErrorContains(t, err, "access refused")
}

type acks struct {
	acked, rejected, requeued int
}

func (a *acks) Ack(uint64, bool) error { a.acked++; return nil }

func (a *acks) Nack(_ uint64, _ bool, requeue bool) error {
	if requeue {
		a.requeued++
	} else {
		a.rejected++
	}
	return nil
}

func (a *acks) Reject(_ uint64, requeue bool) error { return a.Nack(0, false, requeue) }

func TestSettle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name string
		err  error
		want acks
	}{
		{"handled", nil, acks{acked: 1}},
		{"unknown order", saga.NotFound("order", "o1"), acks{acked: 1}},
		{"illegal transition", saga.IllegalTransition("order", "o1", "REJECTED", "accept"), acks{rejected: 1}},
		{"database down", errors.New("connection refused"), acks{requeued: 1}},
		{"overtook prerequisite", saga.PrematureTransition("order", "o1", "PLACED", "markReady"), acks{requeued: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &acks{}
			d := amqp.Delivery{Acknowledger: a, DeliveryTag: 1}
			require.NoError(t, settle(ctx, d, tt.err))
			assert.Equal(t, tt.want, *a)
		})
	}
}

func TestEnvelopeMapping(t *testing.T) {
	env := events.MustEnvelope("o1", events.OrderTimeoutEvent{OrderID: "o1"})
	pub := toPublishing(env)
	assert.Equal(t, amqp.Persistent, pub.DeliveryMode)

	got := fromDelivery(amqp.Delivery{
		MessageId:     pub.MessageId,
		CorrelationId: pub.CorrelationId,
		Type:          pub.Type,
		Timestamp:     pub.Timestamp,
		Body:          pub.Body,
		Exchange:      events.ExchangeOrderDLX,
		RoutingKey:    events.KeyOrderTimeoutDLX,
	})
	assert.Equal(t, env.MessageID, got.MessageID)
	assert.Equal(t, "o1", got.CorrelationID)
	assert.Equal(t, events.TypeOrderTimeout, got.Type)
	assert.Equal(t, events.KeyOrderTimeoutDLX, got.RoutingKey)

	var ev events.OrderTimeoutEvent
	require.NoError(t, got.Decode(&ev))
	assert.Equal(t, "o1", ev.OrderID)
}
