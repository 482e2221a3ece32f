package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/jogardn/fooddash/internal/notify"
	"github.com/sirupsen/logrus"
)

const (
	MaxRetries        = 3
	InitialRetryDelay = 1 * time.Second
	MaxRetryDelay     = 30 * time.Second
)

type NotificationHandler interface {
	HandleNotification(ctx context.Context, msg notify.Message) error
	IsRetryable(err error) bool
}

// SenderHandler delivers queued notifications through a notify.Sender.
type SenderHandler struct {
	Sender notify.Sender
}

func (h SenderHandler) HandleNotification(ctx context.Context, msg notify.Message) error {
	return h.Sender.Send(ctx, msg)
}

func (h SenderHandler) IsRetryable(err error) bool {
	return !errors.Is(err, notify.ErrUndeliverable)
}

type ConsumerMetrics struct {
	ProcessedCount int64 `json:"processed_count"`
	RetryCount     int64 `json:"retry_count"`
	DLQCount       int64 `json:"dlq_count"`
	SuccessCount   int64 `json:"success_count"`
	FailureCount   int64 `json:"failure_count"`
}

type MessageMetadata struct {
	RetryCount    int       `json:"retry_count"`
	FirstFailure  time.Time `json:"first_failure"`
	LastFailure   time.Time `json:"last_failure"`
	OriginalTopic string    `json:"original_topic"`
	ErrorMessage  string    `json:"error_message"`
}

// NotificationConsumer drains order.notifications, retrying transient delivery
// failures with exponential backoff and parking the rest on the DLQ.
type NotificationConsumer struct {
	consumerGroup sarama.ConsumerGroup
	producer      sarama.SyncProducer
	handler       *consumerGroupHandlerWithRetry
	logger        *logrus.Logger
	topics        []string
}

type consumerGroupHandlerWithRetry struct {
	handler  NotificationHandler
	producer sarama.SyncProducer
	logger   *logrus.Logger
	metrics  ConsumerMetrics

	initialDelay time.Duration
	maxDelay     time.Duration
	now          func() time.Time
}

func NewNotificationConsumer(brokers []string, groupID string, handler NotificationHandler, logger *logrus.Logger) (*NotificationConsumer, error) {
	consumerConfig := sarama.NewConfig()
	consumerConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	consumerConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	consumerConfig.Version = sarama.V2_6_0_0

	consumerGroup, err := sarama.NewConsumerGroup(brokers, groupID, consumerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	producer, err := sarama.NewSyncProducer(brokers, producerConfig())
	if err != nil {
		consumerGroup.Close()
		return nil, fmt.Errorf("failed to create producer for DLQ: %w", err)
	}

	return &NotificationConsumer{
		consumerGroup: consumerGroup,
		producer:      producer,
		handler:       newRetryHandler(handler, producer, logger),
		logger:        logger,
		topics:        []string{NotificationsTopic},
	}, nil
}

func newRetryHandler(handler NotificationHandler, producer sarama.SyncProducer, logger *logrus.Logger) *consumerGroupHandlerWithRetry {
	return &consumerGroupHandlerWithRetry{
		handler:      handler,
		producer:     producer,
		logger:       logger,
		initialDelay: InitialRetryDelay,
		maxDelay:     MaxRetryDelay,
		now:          time.Now,
	}
}

func (c *NotificationConsumer) Start(ctx context.Context) error {
	for {
		if err := c.consumerGroup.Consume(ctx, c.topics, c.handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.logger.WithError(err).Error("Error consuming from Kafka")
			return err
		}
		if ctx.Err() != nil {
			c.logger.Info("Kafka consumer context cancelled")
			return nil
		}
	}
}

func (c *NotificationConsumer) Close() error {
	if err := c.producer.Close(); err != nil {
		c.logger.WithError(err).Error("Failed to close producer")
	}
	return c.consumerGroup.Close()
}

func (c *NotificationConsumer) Metrics() ConsumerMetrics {
	return c.handler.snapshot()
}

func (h *consumerGroupHandlerWithRetry) snapshot() ConsumerMetrics {
	return ConsumerMetrics{
		ProcessedCount: atomic.LoadInt64(&h.metrics.ProcessedCount),
		RetryCount:     atomic.LoadInt64(&h.metrics.RetryCount),
		DLQCount:       atomic.LoadInt64(&h.metrics.DLQCount),
		SuccessCount:   atomic.LoadInt64(&h.metrics.SuccessCount),
		FailureCount:   atomic.LoadInt64(&h.metrics.FailureCount),
	}
}

func (h *consumerGroupHandlerWithRetry) Setup(sarama.ConsumerGroupSession) error {
	h.logger.Info("Kafka consumer group session setup")
	return nil
}

func (h *consumerGroupHandlerWithRetry) Cleanup(sarama.ConsumerGroupSession) error {
	h.logger.Info("Kafka consumer group session cleanup")
	return nil
}

func (h *consumerGroupHandlerWithRetry) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.process(session.Context(), message)
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

func (h *consumerGroupHandlerWithRetry) process(ctx context.Context, message *sarama.ConsumerMessage) {
	atomic.AddInt64(&h.metrics.ProcessedCount, 1)

	if err := h.handleMessageWithRetry(ctx, message); err != nil {
		h.logger.WithError(err).Error("Failed to process message after retries")
		atomic.AddInt64(&h.metrics.FailureCount, 1)

		if dlqErr := h.sendToDLQ(message, err); dlqErr != nil {
			h.logger.WithError(dlqErr).Error("Failed to send message to DLQ")
		} else {
			atomic.AddInt64(&h.metrics.DLQCount, 1)
		}
		return
	}
	atomic.AddInt64(&h.metrics.SuccessCount, 1)
}

func (h *consumerGroupHandlerWithRetry) handleMessageWithRetry(ctx context.Context, message *sarama.ConsumerMessage) error {
	var msg notify.Message
	if err := json.Unmarshal(message.Value, &msg); err != nil {
		return fmt.Errorf("failed to unmarshal notification: %w", err)
	}

	retryDelay := h.initialDelay
	var lastErr error
	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if attempt > 0 {
			h.logger.WithFields(logrus.Fields{
				"order_number": msg.Data.OrderNumber,
				"attempt":      attempt,
				"delay":        retryDelay,
			}).Info("Retrying notification delivery")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay):
			}
			atomic.AddInt64(&h.metrics.RetryCount, 1)

			retryDelay *= 2
			if retryDelay > h.maxDelay {
				retryDelay = h.maxDelay
			}
		}

		lastErr = h.handler.HandleNotification(ctx, msg)
		if lastErr == nil {
			return nil
		}
		if !h.handler.IsRetryable(lastErr) {
			h.logger.WithError(lastErr).Error("Non-retryable error encountered")
			return lastErr
		}
		h.logger.WithError(lastErr).WithField("attempt", attempt+1).Warn("Retryable error delivering notification")
	}

	return fmt.Errorf("exhausted retries for order %s: %w", msg.Data.OrderNumber, lastErr)
}

func (h *consumerGroupHandlerWithRetry) extractMetadata(message *sarama.ConsumerMessage) MessageMetadata {
	metadata := MessageMetadata{OriginalTopic: message.Topic}
	for _, header := range message.Headers {
		if string(header.Key) == notificationRetryCount {
			if count, err := strconv.Atoi(string(header.Value)); err == nil {
				metadata.RetryCount = count
			}
		}
	}
	return metadata
}

func (h *consumerGroupHandlerWithRetry) sendToDLQ(message *sarama.ConsumerMessage, processingError error) error {
	now := h.now()
	metadata := h.extractMetadata(message)
	metadata.RetryCount++
	metadata.FirstFailure = now
	metadata.LastFailure = now
	metadata.ErrorMessage = processingError.Error()

	metadataBytes, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	dlqMessage := &sarama.ProducerMessage{
		Topic: NotificationsDLQTopic,
		Key:   sarama.ByteEncoder(message.Key),
		Value: sarama.ByteEncoder(message.Value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("metadata"), Value: metadataBytes},
			{Key: []byte("original_topic"), Value: []byte(message.Topic)},
			{Key: []byte("original_partition"), Value: []byte(strconv.Itoa(int(message.Partition)))},
			{Key: []byte("original_offset"), Value: []byte(strconv.FormatInt(message.Offset, 10))},
			{Key: []byte("failure_time"), Value: []byte(now.Format(time.RFC3339))},
		},
	}

	partition, offset, err := h.producer.SendMessage(dlqMessage)
	if err != nil {
		return fmt.Errorf("failed to send to DLQ: %w", err)
	}

	h.logger.WithFields(logrus.Fields{
		"dlq_topic":     NotificationsDLQTopic,
		"dlq_partition": partition,
		"dlq_offset":    offset,
		"original_key":  string(message.Key),
		"error":         processingError.Error(),
	}).Warn("Message sent to dead letter queue")
	return nil
}
