package booking

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/booking-armada/internal/domain/booking"
	"github.com/ahrav/booking-armada/internal/infra/storage/booking/memory"
	"github.com/ahrav/booking-armada/pkg/common/logger"
)

// mockEntitlementChecker implements booking.EntitlementChecker for testing.
type mockEntitlementChecker struct{ mock.Mock }

func (m *mockEntitlementChecker) IsEntitled(ctx context.Context, owner string) (bool, error) {
	args := m.Called(ctx, owner)
	return args.Bool(0), args.Error(1)
}

// countingNotifier implements CommitNotifier for testing.
type countingNotifier struct {
	mu sync.Mutex
	n  int
}

func (c *countingNotifier) Notify() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *countingNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

type stepFunc func(ctx context.Context, req booking.StepRequest) booking.Outcome

// recordingStep implements booking.AutomationStep and records every call.
type recordingStep struct {
	mu    sync.Mutex
	calls []booking.StepRequest
	fn    stepFunc
}

func newRecordingStep(fn stepFunc) *recordingStep { return &recordingStep{fn: fn} }

func (s *recordingStep) Perform(ctx context.Context, req booking.StepRequest) booking.Outcome {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()
	return s.fn(ctx, req)
}

func (s *recordingStep) count(state booking.SessionState) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.State == state {
			n++
		}
	}
	return n
}

func happyPath(_ context.Context, req booking.StepRequest) booking.Outcome {
	if req.State == booking.SessionStateBooking {
		return booking.Booked(booking.BookingResult{
			TestCenter: req.Configuration.TestCenter,
			SlotTime:   req.Configuration.Window.From.Add(9 * time.Hour),
			Reference:  "REF-" + req.SessionID.String()[:8],
		})
	}
	return booking.Success("ok")
}

func fastRetryPolicy(maxAttempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: maxAttempts,
		BaseDelay:   time.Millisecond,
		Factor:      2,
		MinDelay:    0,
		MaxDelay:    5 * time.Millisecond,
		Jitter:      0.5,
	}
}

func testExecutorConfig() ExecutorConfig {
	return ExecutorConfig{JobTimeout: 5 * time.Second, AuthTimeout: 2 * time.Second, CommitTimeout: time.Second}
}

func noopMetrics(t *testing.T) *Metrics {
	t.Helper()
	m, err := NewMetrics(noop.NewMeterProvider())
	require.NoError(t, err)
	return m
}

type harness struct {
	store     *memory.SessionStore
	step      *recordingStep
	notifier  *countingNotifier
	executor  *Executor
	scheduler *Scheduler
	entitled  *mockEntitlementChecker
}

func newHarness(t *testing.T, step *recordingStep, policy RetryPolicy, cfg ExecutorConfig) *harness {
	t.Helper()

	h := &harness{
		store:    memory.NewSessionStore(),
		step:     step,
		notifier: new(countingNotifier),
		entitled: new(mockEntitlementChecker),
	}
	h.entitled.On("IsEntitled", mock.Anything, mock.Anything).Return(true, nil).Maybe()

	tracer := tracenoop.NewTracerProvider().Tracer("test")
	metrics := noopMetrics(t)
	h.executor = NewExecutor(h.store, step, NewRetryController(policy), h.notifier, cfg, logger.Noop(), tracer, metrics)
	h.scheduler = NewScheduler(h.store, h.entitled, h.executor, SchedulerConfig{Workers: 4, RedriveInitial: 5 * time.Millisecond, RedriveMax: 20 * time.Millisecond},
		logger.Noop(), tracer, metrics)
	h.scheduler.Start()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, h.scheduler.Shutdown(ctx))
	})
	return h
}

// runToCompletion enqueues cfg and waits for the scheduler to release it.
func (h *harness) runToCompletion(t *testing.T, cfg booking.Configuration) *booking.Session {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := h.scheduler.Enqueue(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, h.scheduler.Await(ctx, s.ID()))

	final, err := h.store.GetSession(ctx, s.ID())
	require.NoError(t, err)
	return final
}

func (h *harness) transitions(t *testing.T, s *booking.Session) []booking.TransitionEvent {
	t.Helper()
	log, err := h.store.ListTransitions(context.Background(), s.ID())
	require.NoError(t, err)
	return log
}

// requireValidWalk checks that every recorded transition is a legal edge and
// that sequences are gapless.
func requireValidWalk(t *testing.T, log []booking.TransitionEvent) {
	t.Helper()
	for i, evt := range log {
		require.NoError(t, evt.From.ValidateTransition(evt.To), "event %d", i)
		require.Equal(t, int64(i+1), evt.Sequence)
		if i > 0 {
			require.Equal(t, log[i-1].To, evt.From)
		}
	}
}

func countTo(log []booking.TransitionEvent, state booking.SessionState) int {
	n := 0
	for _, evt := range log {
		if evt.To == state {
			n++
		}
	}
	return n
}
