package timeout

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jogardn/food-delivery-saga/internal/events"
	"github.com/jogardn/food-delivery-saga/internal/order"
)

const (
	publishTimeout = 10 * time.Second
	retryDelay     = 5 * time.Second
)

// PlacedOrders lists orders waiting for a restaurant decision.
type PlacedOrders interface {
	ListByStatus(ctx context.Context, status order.Status) ([]*order.Order, error)
}

// DelayedPublisher delays OrderTimeout messages by the order timeout TTL in
// process and forwards everything else unchanged. Timers are lost when the
// process exits; Rearm restores them from storage on startup.
type DelayedPublisher struct {
	next   events.Publisher
	ttl    time.Duration
	logger *logrus.Logger

	mu     sync.Mutex
	timers map[string]*armed
	closed bool
}

// armed is one scheduled timeout. fire compares entries by identity to tell
// whether its timer was replaced.
type armed struct {
	timer *time.Timer
}

func NewDelayedPublisher(next events.Publisher, ttl time.Duration, logger *logrus.Logger) *DelayedPublisher {
	return &DelayedPublisher{
		next:   next,
		ttl:    ttl,
		logger: logger,
		timers: make(map[string]*armed),
	}
}

func (p *DelayedPublisher) Publish(ctx context.Context, env events.Envelope) error {
	if env.Type != events.TypeOrderTimeout {
		return p.next.Publish(ctx, env)
	}
	p.schedule(env, env.OccurredAt.Add(p.ttl))
	return nil
}

// Rearm schedules a timeout for every order still PLACED. Deadlines that
// passed while the process was down fire right away.
func (p *DelayedPublisher) Rearm(ctx context.Context, orders PlacedOrders) (int, error) {
	placed, err := orders.ListByStatus(ctx, order.StatusPlaced)
	if err != nil {
		return 0, err
	}

	for _, o := range placed {
		env, err := events.NewEnvelope(o.ID, events.OrderTimeoutEvent{OrderID: o.ID})
		if err != nil {
			return 0, err
		}
		placedAt := o.CreatedAt
		if o.TimePlaced != nil {
			placedAt = *o.TimePlaced
		}
		env.OccurredAt = placedAt
		p.schedule(env, placedAt.Add(p.ttl))
	}

	p.logger.WithField("count", len(placed)).Info("Order timeouts re-armed")
	return len(placed), nil
}

// Pending returns the number of armed timers.
func (p *DelayedPublisher) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.timers)
}

// Close stops all timers. Their orders are re-armed on the next start.
func (p *DelayedPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, a := range p.timers {
		a.timer.Stop()
		delete(p.timers, id)
	}
	p.closed = true
}

func (p *DelayedPublisher) schedule(env events.Envelope, deadline time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.arm(env, deadline)
}

// arm replaces the order's timer. The caller holds p.mu.
func (p *DelayedPublisher) arm(env events.Envelope, deadline time.Time) {
	if p.closed {
		return
	}
	if a, ok := p.timers[env.CorrelationID]; ok {
		a.timer.Stop()
	}

	delay := time.Until(deadline)
	if delay < 0 {
		delay = 0
	}
	a := &armed{}
	a.timer = time.AfterFunc(delay, func() { p.fire(env, a) })
	p.timers[env.CorrelationID] = a

	p.logger.WithFields(logrus.Fields{
		"order_id": env.CorrelationID,
		"deadline": deadline.UTC().Format(time.RFC3339),
	}).Debug("Order timeout armed")
}

// fire publishes the expired timeout. A timer that was re-armed while this
// one was publishing stays in place.
func (p *DelayedPublisher) fire(env events.Envelope, a *armed) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	expired := env.Reroute(events.ExchangeOrderDLX, events.KeyOrderTimeoutDLX)
	err := p.next.Publish(ctx, expired)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.timers[env.CorrelationID] != a {
		return
	}
	if err != nil {
		p.logger.WithError(err).WithField("order_id", env.CorrelationID).
			Warn("Failed to publish expired order timeout, retrying")
		p.arm(env, time.Now().Add(retryDelay))
		return
	}
	delete(p.timers, env.CorrelationID)
}
