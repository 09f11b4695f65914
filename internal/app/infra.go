// Package app wires the services of the saga together: it opens storage and
// the message transport from configuration and assembles each service's
// HTTP router, queue consumers and outbox relay.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/jogardn/food-delivery-saga/internal/config"
	"github.com/jogardn/food-delivery-saga/internal/events"
	"github.com/jogardn/food-delivery-saga/internal/outbox"
	"github.com/jogardn/food-delivery-saga/internal/rabbitmq"
	"github.com/jogardn/food-delivery-saga/internal/storage"
)

// Storage is either a Postgres database or the in-memory outbox shared by
// the in-memory repositories.
type Storage struct {
	DB     *sql.DB
	Memory *outbox.Memory
}

// OpenStorage connects to Postgres and applies schemas, or returns in-memory
// storage when cfg asks for it.
func OpenStorage(ctx context.Context, cfg config.Config, logger *logrus.Logger, schemas ...[]string) (*Storage, error) {
	if cfg.Storage == config.StorageMemory {
		logger.Warn("Using in-memory storage, state is lost on restart")
		return &Storage{Memory: outbox.NewMemory()}, nil
	}

	db, err := storage.Open(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		return nil, err
	}

	stmts := append([]string(nil), outbox.Schema...)
	for _, s := range schemas {
		stmts = append(stmts, s...)
	}
	if err := storage.Migrate(ctx, db, stmts...); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return &Storage{DB: db}, nil
}

// Outbox returns the store the relay drains.
func (s *Storage) Outbox() outbox.Store {
	if s.DB != nil {
		return outbox.NewPostgresStore(s.DB)
	}
	return s.Memory
}

func (s *Storage) Close() error {
	if s.DB != nil {
		return s.DB.Close()
	}
	return nil
}

// Bus is the publishing and consuming side of one transport.
type Bus struct {
	Publisher  events.Publisher
	Subscriber events.Subscriber

	// BrokerDelay is true when the broker itself holds OrderTimeout
	// messages for the timeout TTL.
	BrokerDelay bool

	// Memory is set for the in-process transport.
	Memory *events.MemoryBus

	closers []io.Closer
}

// OpenBus connects to the transport cfg selects.
func OpenBus(ctx context.Context, cfg config.Config, topology events.Topology, logger *logrus.Logger) (*Bus, error) {
	switch cfg.Bus.Transport {
	case config.TransportRabbitMQ:
		client, err := rabbitmq.Dial(ctx, cfg.Bus.RabbitMQURL, topology, cfg.Bus.Prefetch, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}
		return &Bus{
			Publisher:   client,
			Subscriber:  client,
			BrokerDelay: true,
			closers:     []io.Closer{client},
		}, nil

	case config.TransportKafka:
		producer, err := events.NewKafkaProducer(cfg.Bus.KafkaBrokers, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
		}
		consumer, err := events.NewKafkaConsumer(cfg.Bus.KafkaBrokers, topology, logger)
		if err != nil {
			producer.Close()
			return nil, fmt.Errorf("failed to create Kafka consumer: %w", err)
		}
		return &Bus{
			Publisher:  producer,
			Subscriber: consumer,
			closers:    []io.Closer{consumer, producer},
		}, nil

	case config.TransportMemory:
		logger.Warn("Using the in-process bus, events do not leave this process")
		return NewMemoryBus(topology, logger), nil

	default:
		return nil, fmt.Errorf("unknown bus transport %q", cfg.Bus.Transport)
	}
}

// NewMemoryBus returns an in-process bus. Services only see each other's
// events when they share it.
func NewMemoryBus(topology events.Topology, logger *logrus.Logger) *Bus {
	bus := events.NewMemoryBus(topology, logger)
	return &Bus{Publisher: bus, Subscriber: bus, Memory: bus}
}

func (b *Bus) Close() error {
	var errs []error
	for _, c := range b.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
