package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

const defaultNotificationTopic = "relay.notifications"

// kafkaWriter is the subset of *kafka.Writer the publisher uses.
type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher publishes created notifications to a Kafka topic, keyed by recipient id
// so one recipient's notifications stay ordered within a partition.
type KafkaPublisher struct {
	writer kafkaWriter
}

// NewKafkaPublisher constructs a publisher. An empty topic defaults to "relay.notifications".
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("messaging: no kafka brokers")
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		topic = defaultNotificationTopic
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
		},
	}, nil
}

// PublishNotification writes one notification as JSON.
func (p *KafkaPublisher) PublishNotification(ctx context.Context, n Notification) error {
	b, err := json.Marshal(n.wire())
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(n.RecipientID),
		Value: b,
		Time:  n.CreatedAt,
	})
}

// Close flushes pending writes.
func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
