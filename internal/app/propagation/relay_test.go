package propagation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/booking-armada/internal/domain/booking"
	"github.com/ahrav/booking-armada/internal/domain/events"
	eventdispatcher "github.com/ahrav/booking-armada/internal/infra/event_dispatcher"
	"github.com/ahrav/booking-armada/internal/infra/eventbus"
	membus "github.com/ahrav/booking-armada/internal/infra/eventbus/memory"
	"github.com/ahrav/booking-armada/internal/infra/storage/booking/memory"
	"github.com/ahrav/booking-armada/pkg/common/logger"
)

// sequencesBySession groups pushed sequences per session in arrival order.
func sequencesBySession(updates []booking.StatusUpdate) map[uuid.UUID][]int64 {
	out := make(map[uuid.UUID][]int64)
	for _, u := range updates {
		out[u.SessionID] = append(out[u.SessionID], u.Sequence)
	}
	return out
}

func requireContiguous(t *testing.T, seqs map[uuid.UUID][]int64, want int) {
	t.Helper()
	for id, seq := range seqs {
		require.Len(t, seq, want, "session %s", id)
		for i, s := range seq {
			assert.Equal(t, int64(i+1), s, "session %s", id)
		}
	}
}

func TestRelay_FlushPublishesInCommitOrder(t *testing.T) {
	p := newPipeline(t, nil, nil)
	ctx := context.Background()

	a := walk(t, p.store, "alice", happyPath...)
	b := walk(t, p.store, "bob", booking.SessionStateWaitingAuthentication, booking.SessionStateFailed)

	n, err := p.relay.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, n)

	seqs := sequencesBySession(p.feed.snapshot())
	require.Len(t, seqs, 2)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, seqs[a.ID()])
	assert.Equal(t, []int64{1, 2, 3}, seqs[b.ID()])

	pending, err := p.store.PendingTransitions(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	n, err = p.relay.Flush(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRelay_PublishFailureStopsThePass(t *testing.T) {
	var bus *flakyBus
	p := newPipeline(t, nil, func(inner events.EventBus) events.EventBus {
		bus = &flakyBus{EventBus: inner, failAt: map[int]bool{3: true}}
		return bus
	})
	ctx := context.Background()

	s := walk(t, p.store, "alice", happyPath...)

	n, err := p.relay.Flush(ctx)
	require.Error(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int64{1, 2}, sequencesBySession(p.feed.snapshot())[s.ID()])

	pending, err := p.store.PendingTransitions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, int64(3), pending[0].Sequence)

	n, err = p.relay.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	requireContiguous(t, sequencesBySession(p.feed.snapshot()), 5)
}

func TestRelay_RedeliveryHasNoExtraEffect(t *testing.T) {
	p := newPipeline(t, func(inner booking.TransitionOutbox) booking.TransitionOutbox {
		return &flakyOutbox{TransitionOutbox: inner, failMarks: 1}
	}, nil)
	ctx := context.Background()

	walk(t, p.store, "alice", happyPath...)

	// The first batch is delivered but not marked, so it is published twice.
	_, err := p.relay.Flush(ctx)
	require.Error(t, err)
	n, err := p.relay.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	p.notifier.Wait()

	requireContiguous(t, sequencesBySession(p.feed.snapshot()), 5)

	var categories []booking.NotificationCategory
	for _, n := range p.sender.snapshot() {
		categories = append(categories, n.Category)
	}
	assert.ElementsMatch(t, []booking.NotificationCategory{
		booking.NotificationRunStarted, booking.NotificationRunSucceeded,
	}, categories)
}

func TestRelay_SubscriberFailureIsRetried(t *testing.T) {
	p := newPipeline(t, nil, nil)
	p.feed.failN = 1
	ctx := context.Background()

	walk(t, p.store, "alice", happyPath...)

	_, err := p.relay.Flush(ctx)
	require.Error(t, err)
	_, err = p.relay.Flush(ctx)
	require.NoError(t, err)
	p.notifier.Wait()

	requireContiguous(t, sequencesBySession(p.feed.snapshot()), 5)
	// The notification handler saw the first event twice but sent once.
	assert.Len(t, p.sender.snapshot(), 2)
}

func TestRelay_NotifyWakesRun(t *testing.T) {
	p := newPipeline(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- p.relay.Run(ctx) }()

	s := walk(t, p.store, "alice", booking.SessionStateWaitingAuthentication)
	p.relay.Notify()

	require.Eventually(t, func() bool {
		return len(sequencesBySession(p.feed.snapshot())[s.ID()]) == 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestRelay_NotifyNeverBlocks(t *testing.T) {
	p := newPipeline(t, nil, nil)
	for range 10 {
		p.relay.Notify()
	}
}

func TestRelay_TransitionsStayPendingAfterSubscribersLeave(t *testing.T) {
	log := logger.Noop()
	metrics := noopMetrics(t)
	store := memory.NewSessionStore()
	bus := membus.NewEventBus(log, tracer)
	t.Cleanup(func() { _ = bus.Close() })

	feed := new(recordingFeed)
	dispatcher := eventdispatcher.New(tracer, log)
	require.NoError(t, dispatcher.RegisterHandler(context.Background(),
		NewStatusFeedHandler(feed, NewDeduplicator(0), log, tracer, metrics)))

	subCtx, unsubscribe := context.WithCancel(context.Background())
	require.NoError(t, bus.Subscribe(subCtx, dispatcher.EventTypes(), dispatcher.Dispatch))
	unsubscribe()
	require.Eventually(t, func() bool {
		err := bus.Publish(context.Background(), events.EventEnvelope{Type: booking.EventTypeSessionTransitioned})
		return errors.Is(err, membus.ErrNoSubscribers)
	}, time.Second, 5*time.Millisecond)

	relay := NewRelay(store, eventbus.NewDomainEventPublisher(bus),
		RelayConfig{BatchSize: 3, PollInterval: time.Hour}, log, tracer, metrics)
	walk(t, store, "alice", booking.SessionStateWaitingAuthentication, booking.SessionStateFailed)

	n, err := relay.Flush(context.Background())
	require.ErrorIs(t, err, membus.ErrNoSubscribers)
	assert.Zero(t, n)
	assert.Empty(t, feed.snapshot())

	pending, err := store.PendingTransitions(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, pending, 3)
}
