package propagation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/booking-armada/internal/domain/booking"
	"github.com/ahrav/booking-armada/internal/domain/events"
	eventdispatcher "github.com/ahrav/booking-armada/internal/infra/event_dispatcher"
	"github.com/ahrav/booking-armada/internal/infra/eventbus"
	membus "github.com/ahrav/booking-armada/internal/infra/eventbus/memory"
	"github.com/ahrav/booking-armada/internal/infra/storage/booking/memory"
	"github.com/ahrav/booking-armada/pkg/common/logger"
)

var tracer = tracenoop.NewTracerProvider().Tracer("test")

func noopMetrics(t *testing.T) *Metrics {
	t.Helper()
	m, err := NewMetrics(metricnoop.NewMeterProvider())
	require.NoError(t, err)
	return m
}

func testConfig(owner string) booking.Configuration {
	from := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
	return booking.NewConfiguration(owner, "Leeds", booking.DateWindow{From: from, To: from.AddDate(0, 1, 0)}, "B")
}

// walk creates a session and commits the given states in order.
func walk(t *testing.T, store *memory.SessionStore, owner string, states ...booking.SessionState) *booking.Session {
	t.Helper()
	ctx := context.Background()

	session, err := store.CreateSession(ctx, testConfig(owner))
	require.NoError(t, err)
	for _, to := range states {
		var detail booking.TransitionDetail
		switch to {
		case booking.SessionStateSucceeded:
			detail.Result = &booking.BookingResult{TestCenter: "Leeds", SlotTime: time.Now().UTC(), Reference: "REF-1"}
		case booking.SessionStateFailed:
			detail.Failure = &booking.FailureDetail{Kind: booking.FailureKindFatal, Reason: "site rejected"}
		}
		session, _, err = store.Commit(ctx, session, to, detail)
		require.NoError(t, err)
	}
	return session
}

var happyPath = []booking.SessionState{
	booking.SessionStateWaitingAuthentication,
	booking.SessionStateSearching,
	booking.SessionStateBooking,
	booking.SessionStateSucceeded,
}

// recordingFeed collects pushed updates and can fail the first n pushes.
type recordingFeed struct {
	mu      sync.Mutex
	updates []booking.StatusUpdate
	failN   int
}

func (f *recordingFeed) Push(_ context.Context, u booking.StatusUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failN > 0 {
		f.failN--
		return errors.New("feed unavailable")
	}
	f.updates = append(f.updates, u)
	return nil
}

func (f *recordingFeed) snapshot() []booking.StatusUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]booking.StatusUpdate(nil), f.updates...)
}

// recordingSender collects notifications; err is returned from every Send.
type recordingSender struct {
	mu   sync.Mutex
	sent []booking.Notification
	err  error
}

func (s *recordingSender) Send(_ context.Context, n booking.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, n)
	return nil
}

func (s *recordingSender) snapshot() []booking.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]booking.Notification(nil), s.sent...)
}

// flakyBus fails the publish calls whose 1-based index is in failAt.
type flakyBus struct {
	events.EventBus
	mu     sync.Mutex
	calls  int
	failAt map[int]bool
}

func (b *flakyBus) Publish(ctx context.Context, evt events.EventEnvelope, opts ...events.PublishOption) error {
	b.mu.Lock()
	b.calls++
	fail := b.failAt[b.calls]
	b.mu.Unlock()
	if fail {
		return errors.New("broker unavailable")
	}
	return b.EventBus.Publish(ctx, evt, opts...)
}

// flakyOutbox fails the first n MarkPublished calls.
type flakyOutbox struct {
	booking.TransitionOutbox
	failMarks int
}

func (o *flakyOutbox) MarkPublished(ctx context.Context, ids ...uuid.UUID) error {
	if o.failMarks > 0 {
		o.failMarks--
		return errors.New("store unavailable")
	}
	return o.TransitionOutbox.MarkPublished(ctx, ids...)
}

// mockEntitlementChecker is a testify mock of booking.EntitlementChecker.
type mockEntitlementChecker struct{ mock.Mock }

func (m *mockEntitlementChecker) IsEntitled(ctx context.Context, owner string) (bool, error) {
	args := m.Called(ctx, owner)
	return args.Bool(0), args.Error(1)
}

// mockCanceller is a testify mock of RunCanceller.
type mockCanceller struct{ mock.Mock }

func (m *mockCanceller) Cancel(ctx context.Context, sessionID uuid.UUID, reason string) error {
	return m.Called(ctx, sessionID, reason).Error(0)
}

// pipeline wires store → relay → bus → dispatcher → subscribers.
type pipeline struct {
	store    *memory.SessionStore
	bus      *membus.EventBus
	relay    *Relay
	feed     *recordingFeed
	sender   *recordingSender
	notifier *NotificationDispatcher
}

func newPipeline(t *testing.T, outbox func(booking.TransitionOutbox) booking.TransitionOutbox, bus func(events.EventBus) events.EventBus) *pipeline {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	log := logger.Noop()
	metrics := noopMetrics(t)

	p := &pipeline{
		store:  memory.NewSessionStore(),
		bus:    membus.NewEventBus(log, tracer),
		feed:   new(recordingFeed),
		sender: new(recordingSender),
	}
	t.Cleanup(func() { _ = p.bus.Close() })

	dispatcher := eventdispatcher.New(tracer, log)
	require.NoError(t, dispatcher.RegisterHandler(ctx,
		NewStatusFeedHandler(p.feed, NewDeduplicator(0), log, tracer, metrics)))
	p.notifier = NewNotificationDispatcher(p.sender, NewDeduplicator(0), log, tracer, metrics)
	require.NoError(t, dispatcher.RegisterHandler(ctx, p.notifier))
	t.Cleanup(p.notifier.Wait)
	require.NoError(t, p.bus.Subscribe(ctx, dispatcher.EventTypes(), dispatcher.Dispatch))

	var ob booking.TransitionOutbox = p.store
	if outbox != nil {
		ob = outbox(ob)
	}
	var eb events.EventBus = p.bus
	if bus != nil {
		eb = bus(eb)
	}
	p.relay = NewRelay(ob, eventbus.NewDomainEventPublisher(eb), RelayConfig{BatchSize: 3, PollInterval: time.Hour}, log, tracer, metrics)
	return p
}
