package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/jogardn/fooddash/internal/notify"
	"github.com/sirupsen/logrus"
)

const (
	OrderEventsTopic       = "order.events"
	NotificationsTopic     = "order.notifications"
	NotificationsDLQTopic  = "order.notifications.dlq"
	notificationRetryCount = "retry_count"
)

func producerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Version = sarama.V2_6_0_0
	return config
}

// KafkaProducer publishes lifecycle events to order.events and queues
// notifications on order.notifications for the notifier to deliver. Events go
// through an async producer so Publish never waits on the broker;
// notifications use a sync producer because the dispatcher already sends them
// off the request path and needs the result.
type KafkaProducer struct {
	client   sarama.Client
	producer sarama.SyncProducer
	events   sarama.AsyncProducer
	logger   *logrus.Logger
	now      func() time.Time
	drained  sync.WaitGroup
}

func NewKafkaProducer(brokers []string, logger *logrus.Logger) (*KafkaProducer, error) {
	client, err := sarama.NewClient(brokers, producerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka client: %w", err)
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}
	events, err := sarama.NewAsyncProducerFromClient(client)
	if err != nil {
		producer.Close()
		client.Close()
		return nil, fmt.Errorf("failed to create event producer: %w", err)
	}
	p := NewKafkaProducerWith(producer, events, logger)
	p.client = client
	return p, nil
}

// NewKafkaProducerWith wraps existing producers. events must report both
// successes and errors.
func NewKafkaProducerWith(producer sarama.SyncProducer, events sarama.AsyncProducer, logger *logrus.Logger) *KafkaProducer {
	p := &KafkaProducer{producer: producer, events: events, logger: logger, now: time.Now}
	p.drained.Add(2)
	go p.drainSuccesses()
	go p.drainErrors()
	return p
}

func (p *KafkaProducer) drainSuccesses() {
	defer p.drained.Done()
	for msg := range p.events.Successes() {
		p.logger.WithFields(logrus.Fields{
			"topic":      msg.Topic,
			"partition":  msg.Partition,
			"offset":     msg.Offset,
			"order_id":   encoded(msg.Key),
			"event_type": eventType(msg),
		}).Debug("Event published to Kafka")
	}
}

func (p *KafkaProducer) drainErrors() {
	defer p.drained.Done()
	for perr := range p.events.Errors() {
		p.logger.WithError(perr.Err).WithFields(logrus.Fields{
			"order_id":   encoded(perr.Msg.Key),
			"event_type": eventType(perr.Msg),
		}).Error("Failed to send message to Kafka")
	}
}

// Publish queues e keyed by order id so one order's events stay on one
// partition. When the producer is backed up the event is dropped.
func (p *KafkaProducer) Publish(_ context.Context, e Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = p.now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		p.logger.WithError(err).Error("Failed to marshal order event")
		return
	}

	msg := &sarama.ProducerMessage{
		Topic: OrderEventsTopic,
		Key:   sarama.StringEncoder(e.OrderID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(e.Type)},
		},
	}
	select {
	case p.events.Input() <- msg:
	default:
		p.logger.WithFields(logrus.Fields{
			"order_id":   e.OrderID,
			"event_type": e.Type,
		}).Warn("Kafka producer backed up, dropping event")
	}
}

func encoded(e sarama.Encoder) string {
	if e == nil {
		return ""
	}
	b, err := e.Encode()
	if err != nil {
		return ""
	}
	return string(b)
}

func eventType(msg *sarama.ProducerMessage) string {
	for _, h := range msg.Headers {
		if string(h.Key) == "event_type" {
			return string(h.Value)
		}
	}
	return ""
}

// Send implements notify.Sender by queueing the message for the notifier.
func (p *KafkaProducer) Send(_ context.Context, msg notify.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	_, _, err = p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: NotificationsTopic,
		Key:   sarama.StringEncoder(msg.Data.OrderNumber),
		Value: sarama.ByteEncoder(data),
	})
	if err != nil {
		return fmt.Errorf("failed to queue notification: %w", err)
	}
	return nil
}

// Close flushes queued events and closes both producers. Publish must not be
// called after Close.
func (p *KafkaProducer) Close() error {
	p.events.AsyncClose()
	p.drained.Wait()

	err := p.producer.Close()
	if p.client != nil {
		if cerr := p.client.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
