package delivery

import (
	"context"

	"github.com/jogardn/food-delivery-saga/internal/events"
)

func (s *Service) HandleDeliveryOrder(ctx context.Context, env events.Envelope) error {
	var ev events.DeliveryOrderEvent
	if err := env.Decode(&ev); err != nil {
		return err
	}
	return s.CreateFromOrder(ctx, ev)
}

func (s *Service) HandleOrderReadyForDelivery(ctx context.Context, env events.Envelope) error {
	var ev events.OrderReadyForDeliveryEvent
	if err := env.Decode(&ev); err != nil {
		return err
	}
	return s.MarkReady(ctx, ev.OrderID)
}

func (s *Service) HandleOrderTimedOut(ctx context.Context, env events.Envelope) error {
	var ev events.OrderTimedOutEvent
	if err := env.Decode(&ev); err != nil {
		return err
	}
	return s.WithdrawTimedOut(ctx, ev.OrderID)
}
