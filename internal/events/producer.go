package events

import (
	"context"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// Kafka header names carrying the envelope metadata.
const (
	HeaderMessageID     = "message_id"
	HeaderCorrelationID = "correlation_id"
	HeaderEventType     = "event_type"
	HeaderExchange      = "exchange"
	HeaderOccurredAt    = "occurred_at"
)

type KafkaProducer struct {
	producer sarama.SyncProducer
	logger   *logrus.Logger
}

func newProducerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1
	config.Version = sarama.V2_6_0_0
	return config
}

func NewKafkaProducer(brokers string, logger *logrus.Logger) (*KafkaProducer, error) {
	producer, err := sarama.NewSyncProducer(strings.Split(brokers, ","), newProducerConfig())
	if err != nil {
		return nil, err
	}

	return &KafkaProducer{
		producer: producer,
		logger:   logger,
	}, nil
}

// NewKafkaProducerFromClient wraps an existing sync producer.
func NewKafkaProducerFromClient(producer sarama.SyncProducer, logger *logrus.Logger) *KafkaProducer {
	return &KafkaProducer{producer: producer, logger: logger}
}

// Publish sends env to the topic named after its routing key. The
// correlation id is the message key, so every event of one order lands on
// the same partition in publication order.
func (p *KafkaProducer) Publish(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := toProducerMessage(env.RoutingKey, env)

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.logger.WithError(err).WithField("topic", env.RoutingKey).Error("Failed to send message to Kafka")
		return err
	}

	p.logger.WithFields(logrus.Fields{
		"topic":          env.RoutingKey,
		"partition":      partition,
		"offset":         offset,
		"event_type":     env.Type,
		"message_id":     env.MessageID,
		"correlation_id": env.CorrelationID,
	}).Debug("Event published to Kafka")

	return nil
}

func (p *KafkaProducer) Close() error {
	return p.producer.Close()
}

func toProducerMessage(topic string, env Envelope) *sarama.ProducerMessage {
	return &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(env.CorrelationID),
		Value: sarama.ByteEncoder(env.Payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte(HeaderMessageID), Value: []byte(env.MessageID)},
			{Key: []byte(HeaderCorrelationID), Value: []byte(env.CorrelationID)},
			{Key: []byte(HeaderEventType), Value: []byte(env.Type)},
			{Key: []byte(HeaderExchange), Value: []byte(env.Exchange)},
			{Key: []byte(HeaderOccurredAt), Value: []byte(env.OccurredAt.Format(time.RFC3339Nano))},
		},
	}
}

// fromConsumerMessage rebuilds the envelope from a consumed Kafka record.
func fromConsumerMessage(msg *sarama.ConsumerMessage) Envelope {
	env := Envelope{
		CorrelationID: string(msg.Key),
		RoutingKey:    msg.Topic,
		Payload:       msg.Value,
		OccurredAt:    msg.Timestamp,
	}

	for _, header := range msg.Headers {
		if header == nil {
			continue
		}
		value := string(header.Value)
		switch string(header.Key) {
		case HeaderMessageID:
			env.MessageID = value
		case HeaderCorrelationID:
			env.CorrelationID = value
		case HeaderEventType:
			env.Type = value
		case HeaderExchange:
			env.Exchange = value
		case HeaderOccurredAt:
			if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
				env.OccurredAt = t
			}
		}
	}

	return env
}
