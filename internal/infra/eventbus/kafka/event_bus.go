// Package kafka provides a Kafka-based implementation of the event bus for
// deployments where transition events leave the process.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/booking-armada/internal/domain/booking"
	"github.com/ahrav/booking-armada/internal/domain/events"
	"github.com/ahrav/booking-armada/internal/infra/eventbus/kafka/tracing"
	"github.com/ahrav/booking-armada/internal/infra/eventbus/reliability"
	"github.com/ahrav/booking-armada/internal/infra/eventbus/serialization"
	"github.com/ahrav/booking-armada/pkg/common/logger"
)

// EventBusMetrics defines metrics operations needed to monitor Kafka message handling.
type EventBusMetrics interface {
	IncMessagePublished(ctx context.Context, topic string)
	IncMessageConsumed(ctx context.Context, topic string)
	IncPublishError(ctx context.Context, topic string)
	IncConsumeError(ctx context.Context, topic string)
}

// EventBusConfig defines topics and consumer identity for the bus.
type EventBusConfig struct {
	// TransitionsTopic carries SessionTransitioned events keyed by session id.
	TransitionsTopic string
	// GroupID identifies the consumer group for this bus instance.
	GroupID string
	// ClientID uniquely identifies this client to the Kafka cluster.
	ClientID string
	// CommitInterval is how often marked offsets are committed.
	CommitInterval time.Duration
}

// DefaultTransitionsTopic is the topic used when none is configured.
const DefaultTransitionsTopic = "booking.session-transitions"

var _ events.EventBus = (*EventBus)(nil)

// EventBus implements events.EventBus over a Kafka producer and consumer group.
//
// Keys are hashed onto partitions, so transitions of one session keep their
// publish order. A consumed message is marked only after its handler
// succeeded; every event is retried in place until then.
type EventBus struct {
	producer      sarama.SyncProducer
	consumerGroup sarama.ConsumerGroup

	// Maps domain event types to their Kafka topics.
	topicMap       map[events.EventType]string
	commitInterval time.Duration

	wg sync.WaitGroup

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics EventBusMetrics
}

// NewEventBus creates a bus over an existing producer and consumer group.
func NewEventBus(
	producer sarama.SyncProducer,
	consumerGroup sarama.ConsumerGroup,
	cfg *EventBusConfig,
	logger *logger.Logger,
	metrics EventBusMetrics,
	tracer trace.Tracer,
) (*EventBus, error) {
	if metrics == nil {
		return nil, errors.New("metrics are required for kafka event bus")
	}
	topic := cfg.TransitionsTopic
	if topic == "" {
		topic = DefaultTransitionsTopic
	}
	commitInterval := cfg.CommitInterval
	if commitInterval <= 0 {
		commitInterval = time.Second
	}

	logger = logger.With(
		"component", "kafka_event_bus",
		"client_id", cfg.ClientID,
		"group_id", cfg.GroupID,
	)

	return &EventBus{
		producer:       producer,
		consumerGroup:  consumerGroup,
		topicMap:       map[events.EventType]string{booking.EventTypeSessionTransitioned: topic},
		commitInterval: commitInterval,
		logger:         logger,
		tracer:         tracer,
		metrics:        metrics,
	}, nil
}

// Publish serializes the envelope and sends it to the topic mapped to its
// type. The partition key is the envelope key, overridden by WithKey.
func (b *EventBus) Publish(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error {
	topic, ok := b.topicMap[event.Type]
	if !ok {
		return fmt.Errorf("unknown event type '%s', no topic mapped", event.Type)
	}

	ctx, span := tracing.StartProducerSpan(ctx, topic, b.tracer)
	defer span.End()

	params := events.ApplyOptions(opts)
	if params.Key != "" {
		event.Key = params.Key
	}
	if params.Headers != nil {
		event.Headers = params.Headers
	}
	span.SetAttributes(attribute.String("event.key", event.Key))

	msgBytes, err := serialization.SerializeEventEnvelope(event.Type, event.Payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "serialization failed")
		b.metrics.IncPublishError(ctx, topic)
		return fmt.Errorf("failed to serialize payload for event %s: %w", event.Type, err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(event.Key),
		Value: sarama.ByteEncoder(msgBytes),
	}
	for k, v := range event.Headers {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	tracing.InjectTraceContext(ctx, msg)

	partition, offset, err := b.producer.SendMessage(msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		b.metrics.IncPublishError(ctx, topic)
		return fmt.Errorf("failed to send message to kafka topic %s: %w", topic, err)
	}
	b.metrics.IncMessagePublished(ctx, topic)

	b.logger.Debug(ctx, "Published message to Kafka",
		"topic", topic,
		"partition", partition,
		"offset", offset,
		"key", event.Key,
	)
	return nil
}

// Subscribe joins the consumer group for the topics of the given types and
// delivers messages to handler until ctx is done.
func (b *EventBus) Subscribe(ctx context.Context, eventTypes []events.EventType, handler events.HandlerFunc) error {
	_, span := b.tracer.Start(ctx, "kafka_event_bus.subscribe")
	defer span.End()

	topicSet := make(map[string]struct{})
	var topics []string
	for _, et := range eventTypes {
		topic, ok := b.topicMap[et]
		if !ok {
			err := fmt.Errorf("subscribe: unknown event type %s", et)
			span.RecordError(err)
			span.SetStatus(codes.Error, "unknown event type")
			return err
		}
		if _, dup := topicSet[topic]; !dup {
			topicSet[topic] = struct{}{}
			topics = append(topics, topic)
		}
	}
	span.AddEvent("topics_collected", trace.WithAttributes(attribute.StringSlice("topics", topics)))

	cgHandler := &consumerGroupHandler{
		userHandler:    handler,
		commitInterval: b.commitInterval,
		logger:         b.logger,
		tracer:         b.tracer,
		metrics:        b.metrics,
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.consumeLoop(ctx, topics, cgHandler)
	}()
	b.logger.Info(ctx, "Subscribed to events", "event_types", eventTypes, "topics", topics)

	return nil
}

// consumeLoop keeps a consumer group session alive across rebalances.
func (b *EventBus) consumeLoop(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) {
	for {
		if err := b.consumerGroup.Consume(ctx, topics, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			b.logger.Error(ctx, "Error from consumer group", "error", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler, turning Kafka
// messages back into envelopes for the subscriber.
type consumerGroupHandler struct {
	userHandler    events.HandlerFunc
	commitInterval time.Duration

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics EventBusMetrics
}

func (h *consumerGroupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(sess.Context(), "Consumer group session setup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

func (h *consumerGroupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(sess.Context(), "Consumer group session cleanup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

// ConsumeClaim processes messages from one partition in offset order.
func (h *consumerGroupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	consumeLogger := h.logger.With("operation", "consume_claim", "topic", claim.Topic(), "partition", claim.Partition())
	consumeLogger.Info(ctx, "Starting to consume from partition", "member_id", sess.MemberID())

	lastCommit := time.Now()
	for {
		select {
		case <-ctx.Done():
			sess.Commit()
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				sess.Commit()
				return nil
			}
			if !h.handleMessage(ctx, consumeLogger, msg) {
				// The session ended before the event was handled; the next
				// owner of the partition receives it again.
				sess.Commit()
				return nil
			}
			sess.MarkMessage(msg, "")
			if time.Since(lastCommit) > h.commitInterval {
				sess.Commit()
				lastCommit = time.Now()
			}
		}
	}
}

// handleMessage delivers one message. It returns false when the message must
// not be marked.
func (h *consumerGroupHandler) handleMessage(ctx context.Context, log *logger.Logger, msg *sarama.ConsumerMessage) bool {
	msgCtx := tracing.ExtractTraceContext(ctx, msg)
	msgCtx, span := tracing.StartConsumerSpan(msgCtx, msg, h.tracer)
	defer span.End()

	evt, err := decodeMessage(msg)
	if err != nil {
		// A frame that cannot be decoded never will be; skip it.
		h.metrics.IncConsumeError(msgCtx, msg.Topic)
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode failed")
		log.Error(msgCtx, "Dropping undecodable message", "offset", msg.Offset, "error", err)
		return true
	}

	deliver := func() error { return h.userHandler(msgCtx, evt) }

	// Every event is retried in place until delivered or the session ends.
	// Subscribers deduplicate by event id, so repeated attempts are harmless.
	critical := reliability.IsCriticalEvent(evt)
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 100 * time.Millisecond
	expBackoff.MaxInterval = 10 * time.Second
	expBackoff.MaxElapsedTime = 0
	err = backoff.RetryNotify(deliver, backoff.WithContext(expBackoff, ctx), func(err error, next time.Duration) {
		h.metrics.IncConsumeError(msgCtx, msg.Topic)
		if critical {
			log.Error(msgCtx, "Critical message delivery failed, retrying",
				"offset", msg.Offset, "key", evt.Key, "retry_in", next, "error", err)
			return
		}
		log.Warn(msgCtx, "Message delivery failed, retrying",
			"offset", msg.Offset, "key", evt.Key, "retry_in", next, "error", err)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delivery abandoned")
		return false
	}

	h.metrics.IncMessageConsumed(msgCtx, msg.Topic)
	log.Debug(msgCtx, "Successfully processed message", "offset", msg.Offset, "key", evt.Key)
	return true
}

func decodeMessage(msg *sarama.ConsumerMessage) (events.EventEnvelope, error) {
	evtType, body, err := serialization.UnmarshalUniversalEnvelope(msg.Value)
	if err != nil {
		return events.EventEnvelope{}, err
	}
	payload, err := serialization.DeserializePayload(evtType, body)
	if err != nil {
		return events.EventEnvelope{}, err
	}

	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		if h != nil {
			headers[string(h.Key)] = string(h.Value)
		}
	}

	return events.EventEnvelope{
		Type:      evtType,
		Key:       string(msg.Key),
		Headers:   headers,
		Timestamp: msg.Timestamp,
		Payload:   payload,
	}, nil
}

// Close shuts down the producer and consumer group and waits for the
// consume loops to exit.
func (b *EventBus) Close() error {
	logger := b.logger.With("operation", "close")
	ctx, span := b.tracer.Start(context.Background(), "kafka_event_bus.close")
	defer span.End()

	var errs []error
	if err := b.producer.Close(); err != nil {
		logger.Error(ctx, "Failed to close producer", "error", err)
		errs = append(errs, fmt.Errorf("closing producer: %w", err))
	}
	if err := b.consumerGroup.Close(); err != nil {
		logger.Error(ctx, "Failed to close consumer group", "error", err)
		errs = append(errs, fmt.Errorf("closing consumer group: %w", err))
	}
	b.wg.Wait()

	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to close event bus")
		return err
	}
	span.SetStatus(codes.Ok, "closed event bus")
	logger.Info(ctx, "Closed event bus")
	return nil
}
