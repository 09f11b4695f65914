package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"

	"github.com/jogardn/food-delivery-saga/internal/config"
	"github.com/jogardn/food-delivery-saga/internal/events"
	"github.com/jogardn/food-delivery-saga/internal/logging"
)

func main() {
	cfg, err := config.Load("dlq-monitor")
	logger := logging.New(cfg.Service, cfg.LogLevel)
	if err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	brokers := strings.Split(cfg.Bus.KafkaBrokers, ",")

	saramaConfig := sarama.NewConfig()
	saramaConfig.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Version = sarama.V2_6_0_0

	consumer, err := sarama.NewConsumerGroup(brokers, cfg.DeadLetter.Group, saramaConfig)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create DLQ consumer")
	}
	defer consumer.Close()

	handler := &dlqHandler{logger: logger}
	if cfg.DeadLetter.Replay {
		producer, err := sarama.NewSyncProducer(brokers, saramaConfig)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create replay producer")
		}
		defer producer.Close()
		handler.replay = producer
	}

	topics := deadLetterTopics(events.Default(cfg.OrderTimeoutTTL))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		for ctx.Err() == nil {
			if err := consumer.Consume(ctx, topics, handler); err != nil {
				logger.WithError(err).Error("Error consuming from DLQ")
				time.Sleep(time.Second)
			}
		}
	}()

	logger.WithFields(logrus.Fields{
		"topics": topics,
		"replay": cfg.DeadLetter.Replay,
	}).Info("DLQ Monitor started")

	<-ctx.Done()
	logger.Info("Shutting down DLQ monitor...")
}

// deadLetterTopics lists the parking topic of every consumed queue.
func deadLetterTopics(topology events.Topology) []string {
	var topics []string
	for _, q := range topology.Queues {
		if q.Consumed {
			topics = append(topics, events.DeadLetterTopic(q.Name))
		}
	}
	return topics
}

type dlqHandler struct {
	logger *logrus.Logger
	replay sarama.SyncProducer
}

func (h *dlqHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *dlqHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *dlqHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		env, metadata := events.ParseDeadLetter(message)

		fields := logrus.Fields{
			"topic":          message.Topic,
			"partition":      message.Partition,
			"offset":         message.Offset,
			"queue":          metadata.Queue,
			"original_topic": metadata.OriginalTopic,
			"event_type":     env.Type,
			"message_id":     env.MessageID,
			"correlation_id": env.CorrelationID,
			"failed_at":      metadata.FailedAt,
		}
		h.logger.WithFields(fields).WithField("error", metadata.ErrorMessage).Warn("DLQ Message Detected")

		fmt.Printf("\n=== DLQ Message ===\n")
		fmt.Printf("Time: %s\n", time.Now().Format(time.RFC3339))
		fmt.Printf("Queue: %s\n", metadata.Queue)
		fmt.Printf("Event: %s (%s)\n", env.Type, env.MessageID)
		fmt.Printf("Order: %s\n", env.CorrelationID)
		fmt.Printf("Error: %s\n", metadata.ErrorMessage)
		fmt.Printf("==================\n\n")

		if h.replay != nil {
			if err := events.Replay(h.replay, message); err != nil {
				// leave it unmarked so the next session tries again
				h.logger.WithFields(fields).WithError(err).Error("Failed to replay DLQ message")
				return err
			}
			h.logger.WithFields(fields).Info("DLQ message replayed")
		}

		session.MarkMessage(message, "")
	}
	return nil
}
