package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// DeadLetterMetadata travels in the "metadata" header of a parked message.
type DeadLetterMetadata struct {
	Queue         string    `json:"queue"`
	OriginalTopic string    `json:"original_topic"`
	Partition     int32     `json:"original_partition"`
	Offset        int64     `json:"original_offset"`
	FailedAt      time.Time `json:"failed_at"`
	ErrorMessage  string    `json:"error_message"`
}

// DeadLetterTopic is the parking topic of a queue.
func DeadLetterTopic(queue string) string {
	return queue + DeadLetterSuffix
}

func sendToDLQ(producer sarama.SyncProducer, queue string, message *sarama.ConsumerMessage, processingError error, logger *logrus.Logger) error {
	metadata := DeadLetterMetadata{
		Queue:         queue,
		OriginalTopic: message.Topic,
		Partition:     message.Partition,
		Offset:        message.Offset,
		FailedAt:      time.Now().UTC(),
		ErrorMessage:  processingError.Error(),
	}

	metadataBytes, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	headers := make([]sarama.RecordHeader, 0, len(message.Headers)+1)
	for _, h := range message.Headers {
		if h != nil {
			headers = append(headers, *h)
		}
	}
	headers = append(headers, sarama.RecordHeader{Key: []byte("metadata"), Value: metadataBytes})

	dlqMessage := &sarama.ProducerMessage{
		Topic:   DeadLetterTopic(queue),
		Key:     sarama.ByteEncoder(message.Key),
		Value:   sarama.ByteEncoder(message.Value),
		Headers: headers,
	}

	partition, offset, err := producer.SendMessage(dlqMessage)
	if err != nil {
		return fmt.Errorf("failed to send to DLQ: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"dlq_topic":     dlqMessage.Topic,
		"dlq_partition": partition,
		"dlq_offset":    offset,
		"original_key":  string(message.Key),
		"error":         processingError.Error(),
	}).Warn("Message sent to dead letter queue")

	return nil
}

// ParseDeadLetter extracts the envelope and the failure metadata from a
// parked message.
func ParseDeadLetter(message *sarama.ConsumerMessage) (Envelope, DeadLetterMetadata) {
	var metadata DeadLetterMetadata
	for _, header := range message.Headers {
		if header != nil && string(header.Key) == "metadata" {
			_ = json.Unmarshal(header.Value, &metadata)
			break
		}
	}

	env := fromConsumerMessage(message)
	if metadata.OriginalTopic != "" {
		env.RoutingKey = metadata.OriginalTopic
	}
	return env, metadata
}

// Replay republishes a parked message to its original topic, keeping its
// message id so idempotent consumers recognise it.
func Replay(producer sarama.SyncProducer, message *sarama.ConsumerMessage) error {
	env, metadata := ParseDeadLetter(message)
	if metadata.OriginalTopic == "" {
		return fmt.Errorf("dead letter at offset %d has no original topic", message.Offset)
	}

	msg := toProducerMessage(metadata.OriginalTopic, env)
	msg.Headers = append(msg.Headers,
		sarama.RecordHeader{Key: []byte("replayed_from_dlq"), Value: []byte("true")},
		sarama.RecordHeader{Key: []byte("replay_time"), Value: []byte(time.Now().Format(time.RFC3339))},
	)

	_, _, err := producer.SendMessage(msg)
	return err
}
