package outbox

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jogardn/food-delivery-saga/internal/events"
)

// Relay publishes committed outbox rows. A row is marked only after the
// broker confirmed it, so a crash between the two republishes it: delivery
// is at least once and consumers are idempotent.
type Relay struct {
	store     Store
	publisher events.Publisher
	interval  time.Duration
	batchSize int
	logger    *logrus.Logger
}

func NewRelay(store Store, publisher events.Publisher, interval time.Duration, batchSize int, logger *logrus.Logger) *Relay {
	return &Relay{
		store:     store,
		publisher: publisher,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger,
	}
}

// Run polls the outbox until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.WithField("interval", r.interval.String()).Info("Outbox relay started")

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Outbox relay stopped")
			return
		case <-ticker.C:
			if _, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
				r.logger.WithError(err).Warn("Outbox relay could not publish, will retry")
			}
		}
	}
}

// Flush publishes batches until the outbox is empty or a publish fails, and
// returns how many envelopes went out.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := r.store.Drain(ctx, r.batchSize, func(env events.Envelope) error {
			return r.publisher.Publish(ctx, env)
		})
		total += n
		if err != nil {
			return total, err
		}
		if n < r.batchSize {
			if total > 0 {
				r.logger.WithField("count", total).Debug("Outbox flushed")
			}
			return total, nil
		}
	}
}
