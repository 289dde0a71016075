package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ahrav/booking-armada/internal/domain/events"
)

// MockEventBus is a manual mock implementation of events.EventBus.
type MockEventBus struct {
	publishFunc func(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error
}

func (m *MockEventBus) Publish(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error {
	return m.publishFunc(ctx, event, opts...)
}

func (m *MockEventBus) Subscribe(context.Context, []events.EventType, events.HandlerFunc) error {
	return nil
}

func (m *MockEventBus) Close() error { return nil }

// MockDomainEvent is a manual mock implementation of events.DomainEvent.
type MockDomainEvent struct {
	eventType  events.EventType
	occurredAt time.Time
}

func (m *MockDomainEvent) EventType() events.EventType { return m.eventType }

func (m *MockDomainEvent) OccurredAt() time.Time { return m.occurredAt }

func TestDomainEventPublisher_PublishDomainEvent_Success(t *testing.T) {
	ctx := context.Background()
	event := &MockDomainEvent{eventType: "test-event", occurredAt: time.Now()}

	mockEventBus := &MockEventBus{
		publishFunc: func(ctx context.Context, evt events.EventEnvelope, opts ...events.PublishOption) error {
			assert.Equal(t, event.EventType(), evt.Type)
			assert.Equal(t, event.OccurredAt(), evt.Timestamp)
			assert.Equal(t, event, evt.Payload)
			return nil
		},
	}

	publisher := NewDomainEventPublisher(mockEventBus)
	assert.NoError(t, publisher.PublishDomainEvent(ctx, event))
}

func TestDomainEventPublisher_PublishDomainEvent_Error(t *testing.T) {
	event := &MockDomainEvent{eventType: "test-event", occurredAt: time.Now()}

	mockEventBus := &MockEventBus{
		publishFunc: func(context.Context, events.EventEnvelope, ...events.PublishOption) error {
			return errors.New("publish failed")
		},
	}

	publisher := NewDomainEventPublisher(mockEventBus)
	err := publisher.PublishDomainEvent(context.Background(), event)
	assert.EqualError(t, err, "publish failed")
}

func TestDomainEventPublisher_PublishDomainEvent_Options(t *testing.T) {
	event := &MockDomainEvent{eventType: "test-event", occurredAt: time.Now()}

	var received events.EventEnvelope
	var receivedOpts []events.PublishOption
	mockEventBus := &MockEventBus{
		publishFunc: func(_ context.Context, evt events.EventEnvelope, opts ...events.PublishOption) error {
			received = evt
			receivedOpts = opts
			return nil
		},
	}

	publisher := NewDomainEventPublisher(mockEventBus)
	err := publisher.PublishDomainEvent(context.Background(), event,
		events.WithKey("test-key"),
		events.WithHeaders(map[string]string{"test-header": "test-value"}),
	)
	assert.NoError(t, err)

	assert.Equal(t, "test-key", received.Key)
	assert.Equal(t, "test-value", received.Headers["test-header"])

	params := events.ApplyOptions(receivedOpts)
	assert.Equal(t, "test-key", params.Key)
	assert.Equal(t, "test-value", params.Headers["test-header"])
}

func TestDomainEventPublisher_PublishDomainEvent_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	event := &MockDomainEvent{eventType: "test-event", occurredAt: time.Now()}
	mockEventBus := &MockEventBus{
		publishFunc: func(ctx context.Context, _ events.EventEnvelope, _ ...events.PublishOption) error {
			return ctx.Err()
		},
	}

	publisher := NewDomainEventPublisher(mockEventBus)
	assert.ErrorIs(t, publisher.PublishDomainEvent(ctx, event), context.Canceled)
}

func TestDomainEventPublisher_PublishDomainEvent_Concurrency(t *testing.T) {
	event := &MockDomainEvent{eventType: "test-event", occurredAt: time.Now()}

	var publishCount int32
	mockEventBus := &MockEventBus{
		publishFunc: func(context.Context, events.EventEnvelope, ...events.PublishOption) error {
			atomic.AddInt32(&publishCount, 1)
			return nil
		},
	}

	publisher := NewDomainEventPublisher(mockEventBus)

	var wg sync.WaitGroup
	const numGoroutines = 10
	for range numGoroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, publisher.PublishDomainEvent(context.Background(), event))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(numGoroutines), atomic.LoadInt32(&publishCount))
}
