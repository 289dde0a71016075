package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"

	bookingapp "github.com/ahrav/booking-armada/internal/app/booking"
	"github.com/ahrav/booking-armada/internal/domain/booking"
	"github.com/ahrav/booking-armada/internal/infra/automation"
	"github.com/ahrav/booking-armada/internal/infra/entitlement"
	"github.com/ahrav/booking-armada/internal/infra/storage/booking/memory"
	"github.com/ahrav/booking-armada/pkg/common/logger"
)

// newStack wires the real service over the in-memory store.
func newStack(t *testing.T, driver *automation.ScriptedDriver, owners ...string) *Server {
	t.Helper()

	tp := noop.NewTracerProvider()
	tracer := tp.Tracer("")
	appMetrics, err := bookingapp.NewMetrics(metricnoop.NewMeterProvider())
	require.NoError(t, err)

	store := memory.NewSessionStore()
	retry := bookingapp.NewRetryController(bookingapp.RetryPolicy{
		MaxAttempts: 2, BaseDelay: time.Millisecond, Factor: 2, MaxDelay: 5 * time.Millisecond,
	})
	executor := bookingapp.NewExecutor(store, automation.NewRateLimitedStep(driver, 1000, 10), retry, nil,
		bookingapp.ExecutorConfig{JobTimeout: 5 * time.Second, AuthTimeout: time.Second, CommitTimeout: time.Second},
		logger.Noop(), tracer, appMetrics)
	scheduler := bookingapp.NewScheduler(store, entitlement.NewAllowlist(owners...), executor,
		bookingapp.SchedulerConfig{Workers: 2}, logger.Noop(), tracer, appMetrics)
	scheduler.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, scheduler.Shutdown(ctx))
	})

	service := bookingapp.NewService(scheduler, store, logger.Noop(), tracer)
	return NewServer(service, nil, logger.Noop(), tp, testAPIMetrics(t))
}

func awaitTerminal(t *testing.T, srv http.Handler, owner, id string) sessionView {
	t.Helper()
	var view sessionView
	require.Eventually(t, func() bool {
		rec := do(t, srv, http.MethodGet, "/v1/sessions/"+id, owner, "")
		if rec.Code != http.StatusOK {
			return false
		}
		view = decode[sessionView](t, rec)
		return view.Terminal
	}, 5*time.Second, 10*time.Millisecond)
	return view
}

func TestEndToEnd_BookingSucceeds(t *testing.T) {
	srv := newStack(t, automation.NewScriptedDriver(), "alice")

	rec := do(t, srv, http.MethodPost, "/v1/sessions", "alice", startBody)
	require.Equal(t, http.StatusAccepted, rec.Code)
	id := decode[sessionView](t, rec).ID.String()

	view := awaitTerminal(t, srv, "alice", id)
	assert.Equal(t, booking.SessionStateSucceeded, view.State)
	require.NotNil(t, view.Result)
	assert.Equal(t, "Leeds", view.Result.TestCenter)
	assert.NotNil(t, view.CompletedAt)

	rec = do(t, srv, http.MethodGet, "/v1/sessions/"+id+"/transitions", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	log := decode[transitionsView](t, rec).Transitions

	var states []booking.SessionState
	for _, e := range log {
		states = append(states, e.To)
	}
	assert.Equal(t, []booking.SessionState{
		booking.SessionStateInitializing,
		booking.SessionStateWaitingAuthentication,
		booking.SessionStateSearching,
		booking.SessionStateBooking,
		booking.SessionStateSucceeded,
	}, states)

	// Other owners cannot see the session.
	rec = do(t, srv, http.MethodGet, "/v1/sessions/"+id, "bob", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEndToEnd_RejectsUnentitledOwner(t *testing.T) {
	srv := newStack(t, automation.NewScriptedDriver(), "alice")

	rec := do(t, srv, http.MethodPost, "/v1/sessions", "bob", startBody)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestEndToEnd_ConflictThenCancel(t *testing.T) {
	driver := automation.NewScriptedDriver().SetDelay(booking.SessionStateSearching, time.Hour)
	srv := newStack(t, driver, "alice")

	rec := do(t, srv, http.MethodPost, "/v1/sessions", "alice", startBody)
	require.Equal(t, http.StatusAccepted, rec.Code)
	first := decode[sessionView](t, rec)
	id := first.ID.String()

	// A second run for the same configuration is refused while the first is
	// active.
	restart := `{"configuration_id":"` + first.ConfigurationID.String() + `"}`
	rec = do(t, srv, http.MethodPost, "/v1/sessions", "alice", restart)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, id, decode[errorResponse](t, rec).ActiveSessionID)

	// Another owner cannot reuse the configuration.
	rec = do(t, srv, http.MethodPost, "/v1/sessions", "bob", restart)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, srv, http.MethodDelete, "/v1/sessions/"+id, "alice", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	view := awaitTerminal(t, srv, "alice", id)
	assert.Equal(t, booking.SessionStateFailed, view.State)
	require.NotNil(t, view.Failure)
	assert.Equal(t, booking.FailureKindCancelled, view.Failure.Kind)

	// Once the first run is terminal the configuration can run again.
	rec = do(t, srv, http.MethodPost, "/v1/sessions", "alice", restart)
	require.Equal(t, http.StatusAccepted, rec.Code)
	second := decode[sessionView](t, rec).ID.String()

	rec = do(t, srv, http.MethodDelete, "/v1/sessions/"+second, "alice", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	awaitTerminal(t, srv, "alice", second)
}
