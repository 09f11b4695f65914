package restaurant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jogardn/food-delivery-saga/internal/events"
	"github.com/jogardn/food-delivery-saga/internal/saga"
)

type Service struct {
	repo   Repository
	logger *logrus.Logger
	now    func() time.Time
}

func NewService(repo Repository, logger *logrus.Logger) *Service {
	return &Service{repo: repo, logger: logger, now: time.Now}
}

type CreateRestaurantRequest struct {
	Name    string         `json:"name"`
	Address events.Address `json:"address"`
	Open    bool           `json:"open"`
}

func (s *Service) CreateRestaurant(ctx context.Context, req CreateRestaurantRequest) (*Restaurant, error) {
	r, err := NewRestaurant(req.Name, req.Address, req.Open, s.now())
	if err != nil {
		return nil, err
	}

	env, err := events.NewEnvelope(r.ID, r.StatusEvent())
	if err != nil {
		return nil, err
	}
	if err := s.repo.SaveRestaurant(ctx, r, env); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"restaurant_id": r.ID,
		"name":          r.Name,
	}).Info("Restaurant registered")
	return r, nil
}

func (s *Service) GetRestaurant(ctx context.Context, id string) (*Restaurant, error) {
	return s.repo.GetRestaurant(ctx, id)
}

// SetOpen opens or closes a restaurant. Order-service refuses checkout for
// carts of a closed restaurant once the change reached its replica.
func (s *Service) SetOpen(ctx context.Context, id string, open bool) (*Restaurant, error) {
	r, err := s.repo.GetRestaurant(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Open == open {
		return r, nil
	}
	r.Open = open

	env, err := events.NewEnvelope(r.ID, r.StatusEvent())
	if err != nil {
		return nil, err
	}
	if err := s.repo.SaveRestaurant(ctx, r, env); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"restaurant_id": r.ID,
		"open":          open,
	}).Info("Restaurant status changed")
	return r, nil
}

// SaveDish creates a dish when d.ID is empty and replaces it otherwise.
func (s *Service) SaveDish(ctx context.Context, restaurantID string, d Dish) (*Dish, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Status == "" {
		d.Status = DishAvailable
	}
	d.RestaurantID = restaurantID
	if err := d.Validate(); err != nil {
		return nil, err
	}

	env, err := events.NewEnvelope(restaurantID, d.ChangedEvent())
	if err != nil {
		return nil, err
	}
	if err := s.repo.SaveDish(ctx, &d, env); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"restaurant_id": restaurantID,
		"dish_id":       d.ID,
		"price":         d.Price.StringFixed(2),
		"status":        d.Status,
	}).Info("Dish saved")
	return &d, nil
}

func (s *Service) ListDishes(ctx context.Context, restaurantID string) ([]*Dish, error) {
	if _, err := s.repo.GetRestaurant(ctx, restaurantID); err != nil {
		return nil, err
	}
	return s.repo.ListDishes(ctx, restaurantID)
}

func (s *Service) GetOrder(ctx context.Context, id string) (*Order, error) {
	return s.repo.GetOrder(ctx, id)
}

func (s *Service) ListOrders(ctx context.Context, restaurantID string, status OrderStatus) ([]*Order, error) {
	return s.repo.ListOrders(ctx, restaurantID, status)
}

// ReceiveOrder records an order placed with the restaurant. A redelivered
// OrderCreated finds the order already stored and does nothing.
func (s *Service) ReceiveOrder(ctx context.Context, ev events.OrderCreatedEvent) error {
	if ev.OrderID == "" || ev.RestaurantID == "" {
		return saga.Invalid("order created event without order or restaurant id")
	}

	err := s.repo.CreateOrder(ctx, OrderFromEvent(ev, s.now()))
	if errors.Is(err, saga.ErrDuplicate) {
		s.logger.WithField("order_id", ev.OrderID).Info("Order already received, ignoring redelivery")
		return nil
	}
	if err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"order_id":      ev.OrderID,
		"restaurant_id": ev.RestaurantID,
		"total":         ev.TotalPrice.StringFixed(2),
	}).Info("Order received, awaiting decision")
	return nil
}

type mutation func(o *Order) (changed bool, evs []events.Event, err error)

func (s *Service) mutate(ctx context.Context, id, action string, fn mutation) (*Order, error) {
	o, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	from := o.Status

	changed, evs, err := fn(o)
	if err != nil {
		return nil, err
	}
	if !changed {
		s.logger.WithFields(logrus.Fields{
			"order_id": id,
			"action":   action,
			"status":   o.Status,
		}).Info("Restaurant order already in requested state, nothing to do")
		return o, nil
	}

	envs := make([]events.Envelope, 0, len(evs))
	for _, ev := range evs {
		env, err := events.NewEnvelope(o.ID, ev)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	if err := s.repo.SaveOrder(ctx, o, envs...); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"order_id": o.ID,
		"action":   action,
		"from":     from,
		"to":       o.Status,
	}).Info("Restaurant order status changed")
	return o, nil
}

// Accept confirms the order and hands it to delivery-service together with
// everything a driver needs.
func (s *Service) Accept(ctx context.Context, id string) (*Order, error) {
	o, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	r, err := s.repo.GetRestaurant(ctx, o.RestaurantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load restaurant of order %s: %w", id, err)
	}

	return s.mutate(ctx, id, "accept", func(o *Order) (bool, []events.Event, error) {
		changed, err := o.Accept()
		if err != nil || !changed {
			return changed, nil, err
		}
		return true, []events.Event{
			events.OrderDecisionEvent{
				OrderID:           o.ID,
				Decision:          events.DecisionAccepted,
				RestaurantAddress: r.Address,
			},
			events.DeliveryOrderEvent{
				OrderID:           o.ID,
				RestaurantID:      o.RestaurantID,
				Customer:          o.Customer,
				RestaurantAddress: r.Address,
				Lines:             o.Lines,
				TimePlaced:        o.TimePlaced,
				TotalPrice:        o.TotalPrice,
			},
		}, nil
	})
}

func (s *Service) Reject(ctx context.Context, id, reason string) (*Order, error) {
	if reason == "" {
		return nil, saga.Invalid("a rejection needs a reason")
	}

	o, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	r, err := s.repo.GetRestaurant(ctx, o.RestaurantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load restaurant of order %s: %w", id, err)
	}

	return s.mutate(ctx, id, "reject", func(o *Order) (bool, []events.Event, error) {
		changed, err := o.Reject(reason)
		if err != nil || !changed {
			return changed, nil, err
		}
		return true, []events.Event{
			events.OrderDecisionEvent{
				OrderID:           o.ID,
				Decision:          events.DecisionRejected,
				Reason:            reason,
				RestaurantAddress: r.Address,
			},
		}, nil
	})
}

func (s *Service) MarkReady(ctx context.Context, id string) (*Order, error) {
	return s.mutate(ctx, id, "markReady", func(o *Order) (bool, []events.Event, error) {
		changed, err := o.MarkReady()
		if err != nil || !changed {
			return changed, nil, err
		}
		return true, []events.Event{
			events.OrderReadyEvent{OrderID: o.ID, RestaurantID: o.RestaurantID},
			events.OrderReadyForDeliveryEvent{OrderID: o.ID, RestaurantID: o.RestaurantID},
		}, nil
	})
}

// CancelTimedOut cancels an order order-service gave up on. The order may
// not have arrived yet when the queues are consumed out of step, so a
// missing order is retried rather than skipped.
func (s *Service) CancelTimedOut(ctx context.Context, id string) error {
	_, err := s.mutate(ctx, id, "cancelTimedOut", func(o *Order) (bool, []events.Event, error) {
		from := o.Status
		changed := o.CancelOnTimeout()
		switch {
		case changed && from != OrderPlaced:
			s.logger.WithFields(logrus.Fields{
				"order_id": o.ID,
				"status":   from,
			}).Warn("Order timed out after the restaurant decided, withdrawing decision")
		case !changed && o.Status != OrderCancelled:
			s.logger.WithFields(logrus.Fields{
				"order_id": o.ID,
				"status":   o.Status,
			}).Error("Order timed out after it left the kitchen")
		}
		return changed, nil, nil
	})
	if errors.Is(err, saga.ErrNotFound) {
		return fmt.Errorf("%w: %w", saga.ErrPremature, err)
	}
	return err
}

// ApplyDeliveryStatus mirrors the courier's progress onto the restaurant
// order.
func (s *Service) ApplyDeliveryStatus(ctx context.Context, ev events.DeliveryStatusChangedEvent) error {
	var fn mutation
	switch OrderStatus(ev.Status) {
	case OrderPickedUp:
		fn = func(o *Order) (bool, []events.Event, error) {
			changed, err := o.MarkPickedUp()
			return changed, nil, err
		}
	case OrderDelivered:
		fn = func(o *Order) (bool, []events.Event, error) {
			changed, err := o.MarkDelivered()
			return changed, nil, err
		}
	default:
		return saga.Invalid("unknown delivery status %q", ev.Status)
	}

	_, err := s.mutate(ctx, ev.OrderID, "delivery:"+ev.Status, fn)
	return err
}
