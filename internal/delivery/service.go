package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jogardn/food-delivery-saga/internal/events"
	"github.com/jogardn/food-delivery-saga/internal/saga"
)

type Service struct {
	repo   Repository
	payout PayoutCalculator
	logger *logrus.Logger
	now    func() time.Time
}

func NewService(repo Repository, payout PayoutCalculator, logger *logrus.Logger) *Service {
	return &Service{repo: repo, payout: payout, logger: logger, now: time.Now}
}

func (s *Service) RegisterDriver(ctx context.Context, name string) (*Driver, error) {
	drv, err := NewDriver(name, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.repo.CreateDriver(ctx, drv); err != nil {
		return nil, err
	}
	s.logger.WithField("driver_id", drv.ID).Info("Driver registered")
	return drv, nil
}

func (s *Service) GetDriver(ctx context.Context, id string) (*Driver, error) {
	return s.repo.GetDriver(ctx, id)
}

func (s *Service) GetDelivery(ctx context.Context, orderID string) (*Delivery, error) {
	return s.repo.GetDelivery(ctx, orderID)
}

func (s *Service) ListDeliveries(ctx context.Context, status Status) ([]*Delivery, error) {
	return s.repo.ListDeliveries(ctx, status)
}

// CreateFromOrder opens a delivery for an accepted order. Redelivered
// messages find the delivery already there.
func (s *Service) CreateFromOrder(ctx context.Context, ev events.DeliveryOrderEvent) error {
	if ev.OrderID == "" {
		return saga.Invalid("delivery order event without order id")
	}

	err := s.repo.CreateDelivery(ctx, FromOrder(ev, s.now()))
	if errors.Is(err, saga.ErrDuplicate) {
		s.logger.WithField("order_id", ev.OrderID).Info("Delivery already exists, ignoring redelivery")
		return nil
	}
	if err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"order_id":      ev.OrderID,
		"restaurant_id": ev.RestaurantID,
	}).Info("Delivery opened")
	return nil
}

// MarkReady records that the kitchen finished. OrderReadyForDelivery can
// overtake DeliveryOrder since they travel on different queues, so a
// missing delivery is retried rather than skipped.
func (s *Service) MarkReady(ctx context.Context, orderID string) error {
	d, err := s.repo.GetDelivery(ctx, orderID)
	if errors.Is(err, saga.ErrNotFound) {
		return fmt.Errorf("%w: %w", saga.ErrPremature, err)
	}
	if err != nil {
		return err
	}

	changed, err := d.MarkAsReady()
	if err != nil {
		return err
	}
	if !changed {
		s.logger.WithFields(logrus.Fields{
			"order_id":     orderID,
			"order_status": d.OrderStatus,
		}).Info("Delivery already knows the order is ready")
		return nil
	}
	if err := s.repo.SaveDelivery(ctx, d); err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"order_id": orderID,
		"status":   d.Status,
	}).Info("Order ready for pickup")
	return nil
}

// WithdrawTimedOut cancels the delivery of an order that order-service
// rejected on timeout after the restaurant had accepted it. When the
// DeliveryOrder has not arrived yet a cancelled record takes its place so
// it cannot open a delivery later.
func (s *Service) WithdrawTimedOut(ctx context.Context, orderID string) error {
	if orderID == "" {
		return saga.Invalid("order timed out event without order id")
	}

	d, err := s.repo.GetDelivery(ctx, orderID)
	if errors.Is(err, saga.ErrNotFound) {
		err = s.repo.CreateDelivery(ctx, Withdrawn(orderID, s.now()))
		if errors.Is(err, saga.ErrDuplicate) {
			return fmt.Errorf("%w: delivery %s opened concurrently", saga.ErrPremature, orderID)
		}
		if err == nil {
			s.logger.WithField("order_id", orderID).Info("Order timed out before its delivery was opened")
		}
		return err
	}
	if err != nil {
		return err
	}

	driverID := d.AssignedDriverID
	changed, err := d.Withdraw()
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"order_id": orderID,
			"status":   d.Status,
		}).Error("Order timed out after its delivery was picked up")
		return err
	}
	if !changed {
		return nil
	}

	if driverID == "" {
		err = s.repo.SaveDelivery(ctx, d)
	} else {
		var drv *Driver
		drv, err = s.repo.GetDriver(ctx, driverID)
		if err != nil {
			return err
		}
		if err = drv.Release(orderID); err != nil {
			return err
		}
		err = s.repo.SaveAssignment(ctx, d, drv)
	}
	if err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"order_id":  orderID,
		"driver_id": driverID,
	}).Warn("Delivery withdrawn, the order timed out after it was accepted")
	return nil
}

func (s *Service) load(ctx context.Context, orderID, driverID string) (*Delivery, *Driver, error) {
	if driverID == "" {
		return nil, nil, saga.Invalid("driverId is required")
	}
	drv, err := s.repo.GetDriver(ctx, driverID)
	if err != nil {
		return nil, nil, err
	}
	d, err := s.repo.GetDelivery(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	return d, drv, nil
}

// Claim assigns an open delivery to a driver without one. Of two drivers
// claiming the same delivery concurrently exactly one wins; the other gets
// saga.ErrConflict.
func (s *Service) Claim(ctx context.Context, orderID, driverID string) (*Delivery, error) {
	d, drv, err := s.load(ctx, orderID, driverID)
	if err != nil {
		return nil, err
	}

	if err := drv.EnsureCanClaim(); err != nil {
		return nil, err
	}
	if err := d.Claim(drv.ID); err != nil {
		return nil, err
	}
	if err := drv.Assign(d.OrderID); err != nil {
		return nil, err
	}

	if err := s.repo.SaveAssignment(ctx, d, drv); err != nil {
		if errors.Is(err, saga.ErrConflict) {
			s.logger.WithFields(logrus.Fields{
				"order_id":  orderID,
				"driver_id": driverID,
			}).Warn("Delivery claim lost to a concurrent writer")
		}
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"order_id":  orderID,
		"driver_id": driverID,
	}).Info("Delivery claimed")
	return d, nil
}

func (s *Service) statusEnvelope(d *Delivery) (events.Envelope, error) {
	return events.NewEnvelope(d.OrderID, events.DeliveryStatusChangedEvent{
		OrderID: d.OrderID,
		Status:  string(d.OrderStatus),
	})
}

// Start records the pickup.
func (s *Service) Start(ctx context.Context, orderID, driverID string) (*Delivery, error) {
	d, _, err := s.load(ctx, orderID, driverID)
	if err != nil {
		return nil, err
	}
	if !d.AssignedTo(driverID) {
		return nil, saga.IllegalTransition(aggregate, orderID, "assigned to another driver", "start")
	}
	if err := d.Start(s.now()); err != nil {
		return nil, err
	}

	env, err := s.statusEnvelope(d)
	if err != nil {
		return nil, err
	}
	if err := s.repo.SaveDelivery(ctx, d, env); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"order_id":  orderID,
		"driver_id": driverID,
	}).Info("Delivery picked up")
	return d, nil
}

// Complete finishes the delivery, prices it and frees the driver.
func (s *Service) Complete(ctx context.Context, orderID, driverID string) (*Delivery, error) {
	d, drv, err := s.load(ctx, orderID, driverID)
	if err != nil {
		return nil, err
	}
	if err := drv.Release(d.OrderID); err != nil {
		return nil, err
	}
	if err := d.Complete(s.now(), s.payout); err != nil {
		return nil, err
	}

	env, err := s.statusEnvelope(d)
	if err != nil {
		return nil, err
	}
	if err := s.repo.SaveAssignment(ctx, d, drv, env); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"order_id":  orderID,
		"driver_id": driverID,
		"payout":    d.Price.StringFixed(2),
	}).Info("Delivery completed")
	return d, nil
}

// Cancel gives a claimed delivery back to the pool. The delivery and the
// driver are released in the same transaction.
func (s *Service) Cancel(ctx context.Context, orderID, driverID string) (*Delivery, error) {
	d, drv, err := s.load(ctx, orderID, driverID)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusOpen && !d.AssignedTo(driverID) {
		return nil, saga.IllegalTransition(aggregate, orderID, "assigned to another driver", "cancel")
	}

	changed, err := d.Cancel()
	if err != nil {
		return nil, err
	}
	if !changed {
		return d, nil
	}
	if err := drv.Release(d.OrderID); err != nil {
		return nil, err
	}
	if err := s.repo.SaveAssignment(ctx, d, drv); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"order_id":  orderID,
		"driver_id": driverID,
	}).Info("Delivery cancelled by driver")
	return d, nil
}
