package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jogardn/food-delivery-saga/internal/saga"
)

// Envelope is the unit that travels on the bus. The payload is the JSON
// encoding of one of the event contracts.
type Envelope struct {
	MessageID     string          `json:"messageId"`
	CorrelationID string          `json:"correlationId"`
	Type          string          `json:"type"`
	Exchange      string          `json:"exchange"`
	RoutingKey    string          `json:"routingKey"`
	OccurredAt    time.Time       `json:"occurredAt"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEnvelope wraps ev with a fresh message id. The correlation id is the
// order id for saga events and the restaurant id for catalogue events.
func NewEnvelope(correlationID string, ev Event) (Envelope, error) {
	route, ok := RouteFor(ev.EventType())
	if !ok {
		return Envelope{}, fmt.Errorf("no route for event type %s", ev.EventType())
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s: %w", ev.EventType(), err)
	}

	return Envelope{
		MessageID:     uuid.NewString(),
		CorrelationID: correlationID,
		Type:          ev.EventType(),
		Exchange:      route.Exchange,
		RoutingKey:    route.RoutingKey,
		OccurredAt:    time.Now().UTC(),
		Payload:       payload,
	}, nil
}

// MustEnvelope is NewEnvelope for events whose route is statically known.
func MustEnvelope(correlationID string, ev Event) Envelope {
	env, err := NewEnvelope(correlationID, ev)
	if err != nil {
		panic(err)
	}
	return env
}

// Decode unmarshals the payload into v. A malformed payload can never be
// processed, so the error is classified as invalid input.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: decode %s message %s: %v", saga.ErrInvalidArgument, e.Type, e.MessageID, err)
	}
	return nil
}

// Reroute returns a copy of the envelope addressed to another exchange and
// routing key, keeping its identity.
func (e Envelope) Reroute(exchange, routingKey string) Envelope {
	e.Exchange = exchange
	e.RoutingKey = routingKey
	return e
}
