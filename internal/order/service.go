package order

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jogardn/food-delivery-saga/internal/events"
	"github.com/jogardn/food-delivery-saga/internal/saga"
)

// TimeoutReason is recorded on orders rejected because the restaurant never
// answered.
const TimeoutReason = "restaurant did not respond in time"

// Notification types pushed to order watchers.
const (
	NotifyStatusChanged = "order.status-changed"
	NotifyReady         = events.TypeOrderReadyPublished
)

// Notifier pushes order changes to clients watching an order.
type Notifier interface {
	Notify(orderID, messageType string, data interface{})
}

type noopNotifier struct{}

func (noopNotifier) Notify(string, string, interface{}) {}

type Service struct {
	repo     Repository
	catalog  Catalog
	notifier Notifier
	logger   *logrus.Logger
	now      func() time.Time
}

func NewService(repo Repository, catalog Catalog, notifier Notifier, logger *logrus.Logger) *Service {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &Service{
		repo:     repo,
		catalog:  catalog,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// mutation changes an order in memory and returns the events the change
// produces. changed=false means the command was already applied.
type mutation func(o *Order) (changed bool, evs []events.Event, err error)

func (s *Service) mutate(ctx context.Context, id, action string, fn mutation) (*Order, bool, error) {
	o, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	from := o.Status

	changed, evs, err := fn(o)
	if err != nil {
		return nil, false, err
	}
	if !changed {
		s.logger.WithFields(logrus.Fields{
			"order_id": id,
			"action":   action,
			"status":   o.Status,
		}).Info("Order already in requested state, nothing to do")
		return o, false, nil
	}

	envs := make([]events.Envelope, 0, len(evs))
	for _, ev := range evs {
		env, err := events.NewEnvelope(o.ID, ev)
		if err != nil {
			return nil, false, err
		}
		envs = append(envs, env)
	}

	if err := s.repo.Save(ctx, o, envs...); err != nil {
		return nil, false, err
	}

	if from != o.Status {
		s.logger.WithFields(logrus.Fields{
			"order_id": o.ID,
			"action":   action,
			"from":     from,
			"to":       o.Status,
		}).Info("Order status changed")
		s.notifier.Notify(o.ID, NotifyStatusChanged, map[string]interface{}{
			"orderId": o.ID,
			"status":  o.Status,
		})
	}
	return o, true, nil
}

// Create opens an empty cart.
func (s *Service) Create(ctx context.Context) (*Order, error) {
	o := New(s.now())
	if err := s.repo.Create(ctx, o); err != nil {
		return nil, err
	}
	s.logger.WithField("order_id", o.ID).Info("Cart created")
	return o, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) ListByStatus(ctx context.Context, status Status) ([]*Order, error) {
	return s.repo.ListByStatus(ctx, status)
}

type AddDishRequest struct {
	RestaurantID string `json:"restaurantId"`
	DishID       string `json:"dishId"`
	Quantity     int    `json:"quantity"`
	Notes        string `json:"notes"`
}

func (s *Service) AddDish(ctx context.Context, id string, req AddDishRequest) (*Order, error) {
	if req.RestaurantID == "" || req.DishID == "" {
		return nil, saga.Invalid("restaurantId and dishId are required")
	}
	dish, err := s.catalog.GetDish(ctx, req.RestaurantID, req.DishID)
	if err != nil {
		return nil, err
	}

	o, _, err := s.mutate(ctx, id, "addDish", func(o *Order) (bool, []events.Event, error) {
		return true, nil, o.AddDish(req.RestaurantID, req.DishID, dish, req.Quantity, req.Notes)
	})
	return o, err
}

func (s *Service) UpdateQuantity(ctx context.Context, id, dishID string, quantity int) (*Order, error) {
	o, _, err := s.mutate(ctx, id, "updateQuantity", func(o *Order) (bool, []events.Event, error) {
		return true, nil, o.UpdateQuantity(dishID, quantity)
	})
	return o, err
}

func (s *Service) SetCustomerDetails(ctx context.Context, id string, customer Customer) (*Order, error) {
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != StatusCart {
		return nil, current.illegal("setCustomerDetails")
	}
	if current.RestaurantID == "" {
		return nil, saga.Invalid("order %s has no lines", id)
	}

	open, err := s.catalog.IsRestaurantOpen(ctx, current.RestaurantID)
	if err != nil {
		return nil, err
	}

	o, _, err := s.mutate(ctx, id, "setCustomerDetails", func(o *Order) (bool, []events.Event, error) {
		err := o.SetCustomerDetails(customer, open, func(dishID string) (DishSnapshot, error) {
			return s.catalog.GetDish(ctx, o.RestaurantID, dishID)
		})
		return true, nil, err
	})
	return o, err
}

func (s *Service) AssignPayment(ctx context.Context, id string, p Payment) (*Order, error) {
	o, _, err := s.mutate(ctx, id, "assignPayment", func(o *Order) (bool, []events.Event, error) {
		return true, nil, o.AssignPayment(p)
	})
	return o, err
}

// ConfirmPayment places the order. The restaurant hand-off and the timeout
// are written to the outbox together with the PLACED state.
func (s *Service) ConfirmPayment(ctx context.Context, id string, p Payment) (*Order, error) {
	o, _, err := s.mutate(ctx, id, "confirmPayment", func(o *Order) (bool, []events.Event, error) {
		changed, err := o.ConfirmPayment(p, s.now())
		if err != nil || !changed {
			return changed, nil, err
		}
		return true, []events.Event{
			o.CreatedEvent(),
			events.OrderTimeoutEvent{OrderID: o.ID},
		}, nil
	})
	return o, err
}

// late drops progress reported for an order that timed out in the meantime.
// Restaurant and delivery withdraw their side when they see OrderTimedOut.
func (s *Service) late(o *Order, action string) bool {
	if !o.TimedOut() {
		return false
	}
	s.logger.WithFields(logrus.Fields{
		"order_id": o.ID,
		"action":   action,
	}).Warn("Order already timed out, ignoring late update")
	return true
}

// ApplyDecision applies the restaurant's decision.
func (s *Service) ApplyDecision(ctx context.Context, ev events.OrderDecisionEvent) error {
	_, _, err := s.mutate(ctx, ev.OrderID, "decision", func(o *Order) (bool, []events.Event, error) {
		if s.late(o, "decision") {
			return false, nil, nil
		}
		if ev.Accepted() {
			changed, err := o.Accept()
			return changed, nil, err
		}
		changed, err := o.Reject(ev.Reason)
		return changed, nil, err
	})
	return err
}

// MarkReady moves the order to READY and tells watchers the food is ready.
func (s *Service) MarkReady(ctx context.Context, ev events.OrderReadyEvent) error {
	_, changed, err := s.mutate(ctx, ev.OrderID, "markReady", func(o *Order) (bool, []events.Event, error) {
		if s.late(o, "markReady") {
			return false, nil, nil
		}
		changed, err := o.MarkReady()
		return changed, nil, err
	})
	if err != nil || !changed {
		return err
	}

	s.notifier.Notify(ev.OrderID, NotifyReady, events.OrderReadyPublishedEvent{
		OrderID:      ev.OrderID,
		RestaurantID: ev.RestaurantID,
	})
	return nil
}

// ApplyDeliveryStatus mirrors the delivery progress onto the order.
func (s *Service) ApplyDeliveryStatus(ctx context.Context, ev events.DeliveryStatusChangedEvent) error {
	_, _, err := s.mutate(ctx, ev.OrderID, "deliveryStatus", func(o *Order) (bool, []events.Event, error) {
		if s.late(o, "deliveryStatus") {
			return false, nil, nil
		}
		var (
			changed bool
			err     error
		)
		switch Status(ev.Status) {
		case StatusPickedUp:
			changed, err = o.MarkAsOutForDelivery()
		case StatusDelivered:
			changed, err = o.MarkAsDelivered()
		default:
			err = saga.Invalid("unknown delivery status %q", ev.Status)
		}
		return changed, nil, err
	})
	return err
}

// RejectIfPlaced is the timeout compensation. It only rejects an order the
// restaurant has not decided on yet and reports whether it did.
func (s *Service) RejectIfPlaced(ctx context.Context, id string) (bool, error) {
	_, changed, err := s.mutate(ctx, id, "timeout", func(o *Order) (bool, []events.Event, error) {
		if o.Status != StatusPlaced {
			return false, nil, nil
		}
		if _, err := o.Reject(TimeoutReason); err != nil {
			return false, nil, err
		}
		return true, []events.Event{events.OrderTimedOutEvent{OrderID: o.ID}}, nil
	})
	return changed, err
}
