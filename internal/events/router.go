package events

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/jogardn/food-delivery-saga/internal/saga"
)

// Publisher delivers an envelope to its exchange at least once.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// Handler processes one delivered envelope.
type Handler func(ctx context.Context, env Envelope) error

// Subscriber consumes a queue until ctx is cancelled.
type Subscriber interface {
	Subscribe(ctx context.Context, queue string, handler Handler) error
}

// Disposition is what a transport does with a message after its handler ran.
type Disposition int

const (
	// Ack removes the message from the queue.
	Ack Disposition = iota
	// Skip acknowledges a message that referenced an unknown aggregate.
	Skip
	// DeadLetter parks a message that can never be processed.
	DeadLetter
	// Requeue leaves the message for the broker to redeliver.
	Requeue
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Skip:
		return "skip"
	case DeadLetter:
		return "dead-letter"
	case Requeue:
		return "requeue"
	default:
		return "unknown"
	}
}

// Classify maps a handler error onto a disposition. Infrastructure failures
// must reach the broker as a requeue; swallowing them stalls the saga.
func Classify(err error) Disposition {
	switch {
	case err == nil:
		return Ack
	case saga.IsPremature(err):
		return Requeue
	case errors.Is(err, saga.ErrNotFound):
		return Skip
	case saga.IsPermanent(err):
		return DeadLetter
	default:
		return Requeue
	}
}

// Router dispatches envelopes of one queue to a handler per event type.
type Router struct {
	queue    string
	handlers map[string]Handler
	logger   *logrus.Logger
}

func NewRouter(queue string, logger *logrus.Logger) *Router {
	return &Router{
		queue:    queue,
		handlers: make(map[string]Handler),
		logger:   logger,
	}
}

// On registers h for eventType and returns the router for chaining.
func (r *Router) On(eventType string, h Handler) *Router {
	r.handlers[eventType] = h
	return r
}

// Handle runs the handler registered for env.Type and logs the outcome.
// Unknown event types are acknowledged: a queue bound by wildcard receives
// types it has no interest in.
func (r *Router) Handle(ctx context.Context, env Envelope) error {
	fields := logrus.Fields{
		"queue":          r.queue,
		"event_type":     env.Type,
		"message_id":     env.MessageID,
		"correlation_id": env.CorrelationID,
	}

	h, ok := r.handlers[env.Type]
	if !ok {
		r.logger.WithFields(fields).Debug("Ignoring event type without handler")
		return nil
	}

	err := h(ctx, env)
	switch Classify(err) {
	case Ack:
		r.logger.WithFields(fields).Info("Event handled")
	case Skip:
		r.logger.WithFields(fields).WithError(err).Warn("Referenced aggregate not found, skipping event")
	case DeadLetter:
		r.logger.WithFields(fields).WithError(err).Error("Event can never be processed")
	case Requeue:
		r.logger.WithFields(fields).WithError(err).Warn("Event handling failed, leaving it for redelivery")
	}
	return err
}
