package restaurant

import (
	"context"

	"github.com/jogardn/food-delivery-saga/internal/events"
)

func (s *Service) HandleOrderCreated(ctx context.Context, env events.Envelope) error {
	var ev events.OrderCreatedEvent
	if err := env.Decode(&ev); err != nil {
		return err
	}
	return s.ReceiveOrder(ctx, ev)
}

func (s *Service) HandleOrderTimedOut(ctx context.Context, env events.Envelope) error {
	var ev events.OrderTimedOutEvent
	if err := env.Decode(&ev); err != nil {
		return err
	}
	return s.CancelTimedOut(ctx, ev.OrderID)
}

func (s *Service) HandleDeliveryStatusChanged(ctx context.Context, env events.Envelope) error {
	var ev events.DeliveryStatusChangedEvent
	if err := env.Decode(&ev); err != nil {
		return err
	}
	return s.ApplyDeliveryStatus(ctx, ev)
}
