// Package kafka hands notifications to the email service through a Kafka
// topic. Delivery beyond the topic is the email service's concern.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/booking-armada/internal/domain/booking"
	"github.com/ahrav/booking-armada/internal/infra/eventbus/kafka/tracing"
	"github.com/ahrav/booking-armada/pkg/common/logger"
)

// DefaultTopic is the notification topic used when none is configured.
const DefaultTopic = "booking.notifications"

// Sender implements booking.NotificationSender on a Kafka producer. Messages
// are keyed by owner so one owner's notifications stay in order.
type Sender struct {
	producer sarama.SyncProducer
	topic    string

	logger *logger.Logger
	tracer trace.Tracer
}

var _ booking.NotificationSender = (*Sender)(nil)

// NewSender creates a sender publishing to topic.
func NewSender(producer sarama.SyncProducer, topic string, logger *logger.Logger, tracer trace.Tracer) *Sender {
	if topic == "" {
		topic = DefaultTopic
	}
	logger = logger.With("component", "kafka_notification_sender", "topic", topic)
	return &Sender{producer: producer, topic: topic, logger: logger, tracer: tracer}
}

// Send publishes the notification.
func (s *Sender) Send(ctx context.Context, n booking.Notification) error {
	ctx, span := tracing.StartProducerSpan(ctx, s.topic, s.tracer)
	defer span.End()
	span.SetAttributes(
		attribute.String("category", string(n.Category)),
		attribute.String("session_id", n.SessionID.String()),
	)

	body, err := json.Marshal(n)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("encoding notification: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(n.Owner),
		Value: sarama.ByteEncoder(body),
		Headers: []sarama.RecordHeader{
			{Key: []byte("category"), Value: []byte(n.Category)},
			{Key: []byte("event_id"), Value: []byte(n.EventID.String())},
		},
	}
	tracing.InjectTraceContext(ctx, msg)

	if _, _, err := s.producer.SendMessage(msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		return fmt.Errorf("sending notification to %s: %w", s.topic, err)
	}

	s.logger.Debug(ctx, "notification handed off",
		"owner", n.Owner, "session_id", n.SessionID, "category", n.Category)
	return nil
}
