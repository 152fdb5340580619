// Package notify dispatches push notifications for users with no live session.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/mahaddinnagiyev/connectify/internal/metrics"
)

const previewMaxRunes = 120

// Notification is the payload consumed by the push-notification service.
type Notification struct {
	UserID    string    `json:"userId"`
	RoomID    string    `json:"roomId"`
	MessageID string    `json:"messageId"`
	SenderID  string    `json:"senderId"`
	Preview   string    `json:"preview"`
	CreatedAt time.Time `json:"createdAt"`
}

// Preview shortens a message body for display in a notification.
func Preview(content string) string {
	runes := []rune(content)
	if len(runes) <= previewMaxRunes {
		return content
	}
	return string(runes[:previewMaxRunes-1]) + "…"
}

// messageWriter is the subset of *kafka.Writer the notifier uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes notifications to a Kafka topic, keyed by recipient so
// one user's notifications stay ordered within a partition.
type KafkaNotifier struct {
	writer messageWriter
	logger zerolog.Logger
}

// NewKafkaNotifier creates an asynchronous producer. Delivery failures are
// reported through the completion callback and never block the caller.
func NewKafkaNotifier(brokers []string, topic string, logger zerolog.Logger) *KafkaNotifier {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		Async:                  true,
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				metrics.Notifications.WithLabelValues("failed").Add(float64(len(messages)))
				logger.Warn().Err(err).Int("count", len(messages)).Msg("notification dispatch failed")
				return
			}
			metrics.Notifications.WithLabelValues("sent").Add(float64(len(messages)))
		},
	}
	return &KafkaNotifier{writer: w, logger: logger}
}

// Notify queues n for the recipient.
func (k *KafkaNotifier) Notify(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(n.UserID),
		Value: payload,
		Time:  n.CreatedAt,
	})
}

// Close flushes pending notifications.
func (k *KafkaNotifier) Close() error {
	return k.writer.Close()
}
