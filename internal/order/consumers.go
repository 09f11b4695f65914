package order

import (
	"context"

	"github.com/jogardn/food-delivery-saga/internal/events"
)

func (s *Service) HandleOrderDecision(ctx context.Context, env events.Envelope) error {
	var ev events.OrderDecisionEvent
	if err := env.Decode(&ev); err != nil {
		return err
	}
	return s.ApplyDecision(ctx, ev)
}

func (s *Service) HandleOrderReady(ctx context.Context, env events.Envelope) error {
	var ev events.OrderReadyEvent
	if err := env.Decode(&ev); err != nil {
		return err
	}
	return s.MarkReady(ctx, ev)
}

func (s *Service) HandleDeliveryStatusChanged(ctx context.Context, env events.Envelope) error {
	var ev events.DeliveryStatusChangedEvent
	if err := env.Decode(&ev); err != nil {
		return err
	}
	return s.ApplyDeliveryStatus(ctx, ev)
}
