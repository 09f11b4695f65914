package events

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// rejoinDelay is the pause before a consumer group session is re-created
// after a handler asked for redelivery.
const rejoinDelay = time.Second

var errRedeliver = errors.New("message left for redelivery")

// KafkaConsumer consumes queues as consumer groups. The group id is the queue
// name and the topics are the routing keys bound to it.
type KafkaConsumer struct {
	brokers  []string
	topology Topology
	dlq      sarama.SyncProducer
	logger   *logrus.Logger
}

func NewKafkaConsumer(brokers string, topology Topology, logger *logrus.Logger) (*KafkaConsumer, error) {
	producer, err := sarama.NewSyncProducer(strings.Split(brokers, ","), newProducerConfig())
	if err != nil {
		return nil, err
	}

	return &KafkaConsumer{
		brokers:  strings.Split(brokers, ","),
		topology: topology,
		dlq:      producer,
		logger:   logger,
	}, nil
}

func newConsumerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Version = sarama.V2_6_0_0
	return config
}

// Subscribe blocks consuming queue until ctx is cancelled. A message whose
// handler fails with a retryable error is not marked: the session is torn
// down and re-created, and the group resumes from the last committed offset.
func (c *KafkaConsumer) Subscribe(ctx context.Context, queue string, handler Handler) error {
	topics := c.topology.Topics(queue)
	if len(topics) == 0 {
		return errors.New("no topics bound to queue " + queue)
	}

	group, err := sarama.NewConsumerGroup(c.brokers, queue, newConsumerConfig())
	if err != nil {
		return err
	}
	defer group.Close()

	h := &consumerGroupHandler{
		queue:   queue,
		handler: handler,
		dlq:     c.dlq,
		logger:  c.logger,
	}

	c.logger.WithFields(logrus.Fields{"queue": queue, "topics": topics}).Info("Kafka consumer started")

	for {
		select {
		case <-ctx.Done():
			c.logger.WithField("queue", queue).Info("Kafka consumer context cancelled")
			return nil
		default:
		}

		if err := group.Consume(ctx, topics, h); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.logger.WithError(err).WithField("queue", queue).Error("Error consuming from Kafka")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(rejoinDelay):
		}
	}
}

func (c *KafkaConsumer) Close() error {
	return c.dlq.Close()
}

type consumerGroupHandler struct {
	queue   string
	handler Handler
	dlq     sarama.SyncProducer
	logger  *logrus.Logger
}

// Setup is run at the beginning of a new session, before ConsumeClaim
func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.logger.WithField("queue", h.queue).Debug("Kafka consumer group session setup")
	return nil
}

// Cleanup is run at the end of a session, once all ConsumeClaim goroutines have exited
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.logger.WithField("queue", h.queue).Debug("Kafka consumer group session cleanup")
	return nil
}

// ConsumeClaim starts a consumer loop of ConsumerGroupClaim's Messages()
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}

			env := fromConsumerMessage(message)
			err := h.handler(session.Context(), env)

			switch Classify(err) {
			case Ack, Skip:
				session.MarkMessage(message, "")
			case DeadLetter:
				if dlqErr := sendToDLQ(h.dlq, h.queue, message, err, h.logger); dlqErr != nil {
					h.logger.WithError(dlqErr).Error("Failed to send message to DLQ")
					return dlqErr
				}
				session.MarkMessage(message, "")
			case Requeue:
				return errRedeliver
			}

		case <-session.Context().Done():
			return nil
		}
	}
}
