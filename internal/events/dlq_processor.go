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
	"github.com/sirupsen/logrus"
)

// MaxReplays bounds how many times a notification may bounce between the
// DLQ and order.notifications before it is left parked.
const MaxReplays = MaxRetries * 2

var ErrReplayLimit = errors.New("exceeded maximum replay attempts")

type ReplayStats struct {
	Replayed int64 `json:"replayed"`
	Parked   int64 `json:"parked"`
	Failed   int64 `json:"failed"`
}

// DLQReplayer moves dead-lettered notifications back onto
// order.notifications so the notifier can try them again.
type DLQReplayer struct {
	consumer    sarama.ConsumerGroup
	producer    sarama.SyncProducer
	logger      *logrus.Logger
	replayTopic string
	delay       time.Duration
	now         func() time.Time
	stats       ReplayStats
}

func NewDLQReplayer(brokers []string, groupID string, delay time.Duration, logger *logrus.Logger) (*DLQReplayer, error) {
	consumerConfig := sarama.NewConfig()
	consumerConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	consumerConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	consumerConfig.Version = sarama.V2_6_0_0

	consumer, err := sarama.NewConsumerGroup(brokers, groupID, consumerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create DLQ consumer: %w", err)
	}

	producer, err := sarama.NewSyncProducer(brokers, producerConfig())
	if err != nil {
		consumer.Close()
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}

	return newDLQReplayer(consumer, producer, delay, logger), nil
}

func newDLQReplayer(consumer sarama.ConsumerGroup, producer sarama.SyncProducer, delay time.Duration, logger *logrus.Logger) *DLQReplayer {
	return &DLQReplayer{
		consumer:    consumer,
		producer:    producer,
		logger:      logger,
		replayTopic: NotificationsTopic,
		delay:       delay,
		now:         time.Now,
	}
}

func (p *DLQReplayer) Run(ctx context.Context) error {
	handler := &dlqConsumerHandler{replayer: p, logger: p.logger}
	for {
		if err := p.consumer.Consume(ctx, []string{NotificationsDLQTopic}, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			p.logger.WithError(err).Error("Error consuming from DLQ")
			return err
		}
		if ctx.Err() != nil {
			p.logger.Info("DLQ replayer context cancelled")
			return nil
		}
	}
}

func readMetadata(message *sarama.ConsumerMessage) (MessageMetadata, error) {
	var metadata MessageMetadata
	for _, header := range message.Headers {
		if string(header.Key) == "metadata" {
			if err := json.Unmarshal(header.Value, &metadata); err != nil {
				return metadata, err
			}
			break
		}
	}
	return metadata, nil
}

// Replay republishes message to order.notifications unless it has already
// been replayed MaxReplays times.
func (p *DLQReplayer) Replay(message *sarama.ConsumerMessage) error {
	metadata, err := readMetadata(message)
	if err != nil {
		p.logger.WithError(err).Error("Failed to unmarshal metadata")
	}

	if metadata.RetryCount >= MaxReplays {
		atomic.AddInt64(&p.stats.Parked, 1)
		p.logger.WithFields(logrus.Fields{
			"order_number": string(message.Key),
			"retry_count":  metadata.RetryCount,
		}).Error("Message exceeded maximum replay attempts")
		return ErrReplayLimit
	}

	replayMessage := &sarama.ProducerMessage{
		Topic: p.replayTopic,
		Key:   sarama.ByteEncoder(message.Key),
		Value: sarama.ByteEncoder(message.Value),
		Headers: []sarama.RecordHeader{
			{Key: []byte(notificationRetryCount), Value: []byte(strconv.Itoa(metadata.RetryCount))},
			{Key: []byte("replayed_from_dlq"), Value: []byte("true")},
			{Key: []byte("replay_time"), Value: []byte(p.now().Format(time.RFC3339))},
		},
	}

	partition, offset, err := p.producer.SendMessage(replayMessage)
	if err != nil {
		atomic.AddInt64(&p.stats.Failed, 1)
		return fmt.Errorf("failed to replay message: %w", err)
	}
	atomic.AddInt64(&p.stats.Replayed, 1)

	p.logger.WithFields(logrus.Fields{
		"replay_topic":     p.replayTopic,
		"replay_partition": partition,
		"replay_offset":    offset,
		"order_number":     string(message.Key),
	}).Info("Message replayed from DLQ")
	return nil
}

func (p *DLQReplayer) Stats() ReplayStats {
	return ReplayStats{
		Replayed: atomic.LoadInt64(&p.stats.Replayed),
		Parked:   atomic.LoadInt64(&p.stats.Parked),
		Failed:   atomic.LoadInt64(&p.stats.Failed),
	}
}

func (p *DLQReplayer) Close() error {
	if err := p.producer.Close(); err != nil {
		p.logger.WithError(err).Error("Failed to close producer")
	}
	return p.consumer.Close()
}

type dlqConsumerHandler struct {
	replayer *DLQReplayer
	logger   *logrus.Logger
}

func (h *dlqConsumerHandler) Setup(sarama.ConsumerGroupSession) error {
	h.logger.Info("DLQ consumer session setup")
	return nil
}

func (h *dlqConsumerHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.logger.Info("DLQ consumer session cleanup")
	return nil
}

func (h *dlqConsumerHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			metadata, _ := readMetadata(message)
			h.logger.WithFields(logrus.Fields{
				"partition":      message.Partition,
				"offset":         message.Offset,
				"order_number":   string(message.Key),
				"original_topic": metadata.OriginalTopic,
				"retry_count":    metadata.RetryCount,
				"error_message":  metadata.ErrorMessage,
			}).Warn("Processing DLQ message")

			if h.replayer.delay > 0 {
				select {
				case <-time.After(h.replayer.delay):
				case <-session.Context().Done():
					return nil
				}
			}

			if err := h.replayer.Replay(message); err != nil {
				h.logger.WithError(err).Error("Failed to replay DLQ message")
			}
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}
