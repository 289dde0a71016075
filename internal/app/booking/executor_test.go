package booking

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/booking-armada/internal/domain/booking"
	"github.com/ahrav/booking-armada/internal/infra/storage/booking/memory"
	"github.com/ahrav/booking-armada/internal/infra/storage/booking/storetest"
	"github.com/ahrav/booking-armada/pkg/common/logger"
)

func newTestExecutor(t *testing.T, step booking.AutomationStep, cfg ExecutorConfig) (*Executor, *memory.SessionStore) {
	t.Helper()
	store := memory.NewSessionStore()
	exec := NewExecutor(store, step, NewRetryController(fastRetryPolicy(3)), nil, cfg,
		logger.Noop(), tracenoop.NewTracerProvider().Tracer("test"), noopMetrics(t))
	return exec, store
}

func TestExecutor_HappyPath(t *testing.T) {
	exec, store := newTestExecutor(t, newRecordingStep(happyPath), testExecutorConfig())
	ctx := context.Background()

	s, err := store.CreateSession(ctx, storetest.NewConfiguration("owner-1"))
	require.NoError(t, err)

	final, err := exec.Run(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, booking.SessionStateSucceeded, final.State())
	require.NotNil(t, final.Result())

	log, err := store.ListTransitions(ctx, s.ID())
	require.NoError(t, err)
	requireValidWalk(t, log)

	var visited []booking.SessionState
	for _, evt := range log {
		visited = append(visited, evt.To)
	}
	assert.Equal(t, []booking.SessionState{
		booking.SessionStateInitializing,
		booking.SessionStateWaitingAuthentication,
		booking.SessionStateSearching,
		booking.SessionStateBooking,
		booking.SessionStateSucceeded,
	}, visited)
}

func TestExecutor_StepThatNeverReturnsTimesOut(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	step := newRecordingStep(func(ctx context.Context, req booking.StepRequest) booking.Outcome {
		if req.State == booking.SessionStateSearching {
			<-release // ignores ctx on purpose
		}
		return happyPath(ctx, req)
	})

	const deadline = 100 * time.Millisecond
	exec, store := newTestExecutor(t, step, ExecutorConfig{
		JobTimeout:    deadline,
		AuthTimeout:   time.Second,
		CommitTimeout: time.Second,
	})
	ctx := context.Background()

	s, err := store.CreateSession(ctx, storetest.NewConfiguration("owner-1"))
	require.NoError(t, err)

	start := time.Now()
	final, err := exec.Run(ctx, s)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Less(t, elapsed, deadline+time.Second)
	assert.Equal(t, booking.SessionStateFailed, final.State())
	assert.True(t, final.IsTerminal())
	assert.Equal(t, booking.FailureKindTimeout, final.Failure().Kind)
	assert.Equal(t, booking.SessionStateSearching, final.Failure().State)
}

func TestExecutor_AuthenticationTimeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	step := newRecordingStep(func(ctx context.Context, req booking.StepRequest) booking.Outcome {
		if req.State == booking.SessionStateWaitingAuthentication {
			<-release
			return booking.RecoverableFailure("user never confirmed")
		}
		return happyPath(ctx, req)
	})
	exec, store := newTestExecutor(t, step, ExecutorConfig{
		JobTimeout:    5 * time.Second,
		AuthTimeout:   30 * time.Millisecond,
		CommitTimeout: time.Second,
	})
	ctx := context.Background()

	s, err := store.CreateSession(ctx, storetest.NewConfiguration("owner-1"))
	require.NoError(t, err)

	final, err := exec.Run(ctx, s)
	require.NoError(t, err)
	require.NotNil(t, final.Failure())
	assert.True(t, final.IsTerminal())
	assert.Equal(t, booking.SessionStateWaitingAuthentication, final.Failure().State)
	assert.Equal(t, booking.FailureKindAuthTimeout, final.Failure().Kind)
	assert.Equal(t, 0, step.count(booking.SessionStateSearching))
}

func TestExecutor_InvalidConfigurationIsFatal(t *testing.T) {
	step := newRecordingStep(happyPath)
	exec, store := newTestExecutor(t, step, testExecutorConfig())
	ctx := context.Background()

	cfg := storetest.NewConfiguration("owner-1")
	cfg.Window.To = cfg.Window.From.Add(-time.Hour)
	s, err := store.CreateSession(ctx, cfg)
	require.NoError(t, err)

	final, err := exec.Run(ctx, s)
	require.NoError(t, err)
	assert.True(t, final.IsTerminal())
	assert.Equal(t, booking.FailureKindFatal, final.Failure().Kind)
	assert.Equal(t, 0, step.count(booking.SessionStateInitializing))
}

func TestExecutor_UnclassifiedOutcomeIsFatal(t *testing.T) {
	step := newRecordingStep(func(ctx context.Context, req booking.StepRequest) booking.Outcome {
		return booking.Outcome{Kind: "maybe"}
	})
	exec, store := newTestExecutor(t, step, testExecutorConfig())
	ctx := context.Background()

	s, err := store.CreateSession(ctx, storetest.NewConfiguration("owner-1"))
	require.NoError(t, err)

	final, err := exec.Run(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, booking.FailureKindFatal, final.Failure().Kind)
}

func TestExecutor_TerminalSessionIsLeftAlone(t *testing.T) {
	step := newRecordingStep(happyPath)
	exec, store := newTestExecutor(t, step, testExecutorConfig())
	ctx := context.Background()

	s, err := store.CreateSession(ctx, storetest.NewConfiguration("owner-1"))
	require.NoError(t, err)
	done, err := exec.Run(ctx, s)
	require.NoError(t, err)

	calls := len(step.calls)
	again, err := exec.Run(ctx, done)
	require.NoError(t, err)
	assert.Equal(t, done.Version(), again.Version())
	assert.Len(t, step.calls, calls)
}

func TestExecutor_StaleSessionSurfacesConcurrentUpdate(t *testing.T) {
	exec, store := newTestExecutor(t, newRecordingStep(happyPath), testExecutorConfig())
	ctx := context.Background()

	s, err := store.CreateSession(ctx, storetest.NewConfiguration("owner-1"))
	require.NoError(t, err)
	_, _, err = store.Commit(ctx, s, booking.SessionStateWaitingAuthentication, booking.TransitionDetail{})
	require.NoError(t, err)

	_, err = exec.Run(ctx, s)
	assert.ErrorIs(t, err, booking.ErrConcurrentUpdate)
}

func TestExecutor_RecoverableCarriesRetryDelay(t *testing.T) {
	step := newRecordingStep(func(ctx context.Context, req booking.StepRequest) booking.Outcome {
		return booking.RecoverableFailure("network error")
	})
	exec, store := newTestExecutor(t, step, testExecutorConfig())
	ctx := context.Background()

	s, err := store.CreateSession(ctx, storetest.NewConfiguration("owner-1"))
	require.NoError(t, err)

	final, err := exec.Run(ctx, s)
	require.NoError(t, err)
	assert.True(t, final.AwaitingRetry())
	assert.False(t, final.IsTerminal())
	assert.LessOrEqual(t, final.Failure().RetryAfter, 5*time.Millisecond)

	restarted, err := exec.Restart(ctx, final)
	require.NoError(t, err)
	assert.Equal(t, booking.SessionStateInitializing, restarted.State())
	assert.Equal(t, 2, restarted.Attempt())
}
