package automation

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/booking-armada/internal/domain/booking"
)

func request(state booking.SessionState) booking.StepRequest {
	from := time.Date(2026, 11, 2, 9, 0, 0, 0, time.UTC)
	return booking.StepRequest{
		SessionID: uuid.New(),
		State:     state,
		Configuration: booking.NewConfiguration("alice", "Leeds",
			booking.DateWindow{From: from, To: from.Add(14 * 24 * time.Hour)}, "B"),
		Attempt: 1,
	}
}

func TestScriptedDriver_Defaults(t *testing.T) {
	d := NewScriptedDriver()
	ctx := context.Background()

	for _, s := range []booking.SessionState{
		booking.SessionStateInitializing,
		booking.SessionStateWaitingAuthentication,
		booking.SessionStateSearching,
	} {
		assert.Equal(t, booking.OutcomeSuccess, d.Perform(ctx, request(s)).Kind, s)
	}

	req := request(booking.SessionStateBooking)
	out := d.Perform(ctx, req)
	require.Equal(t, booking.OutcomeSuccess, out.Kind)
	require.NotNil(t, out.Result)
	assert.Equal(t, "Leeds", out.Result.TestCenter)
	assert.Equal(t, req.Configuration.Window.From, out.Result.SlotTime)

	assert.Equal(t, booking.OutcomeFatal, d.Perform(ctx, request(booking.SessionStateSucceeded)).Kind)
	assert.Len(t, d.Calls(), 5)
}

func TestScriptedDriver_QueuedOutcomes(t *testing.T) {
	d := NewScriptedDriver().
		Enqueue(booking.SessionStateSearching,
			booking.RecoverableFailure("no slots"),
			booking.FatalFailure("account locked"))
	ctx := context.Background()

	assert.Equal(t, booking.OutcomeRecoverable, d.Perform(ctx, request(booking.SessionStateSearching)).Kind)
	assert.Equal(t, booking.OutcomeFatal, d.Perform(ctx, request(booking.SessionStateSearching)).Kind)
	assert.Equal(t, booking.OutcomeSuccess, d.Perform(ctx, request(booking.SessionStateSearching)).Kind)
}

func TestScriptedDriver_DelayHonoursContext(t *testing.T) {
	d := NewScriptedDriver().SetDelay(booking.SessionStateWaitingAuthentication, time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	out := d.Perform(ctx, request(booking.SessionStateWaitingAuthentication))
	assert.Equal(t, booking.OutcomeRecoverable, out.Kind)
	assert.Less(t, time.Since(start), time.Second)
}

type countingStep struct{ n atomic.Int32 }

func (c *countingStep) Perform(context.Context, booking.StepRequest) booking.Outcome {
	c.n.Add(1)
	return booking.Success("ok")
}

func TestRateLimitedStep_Throttles(t *testing.T) {
	inner := new(countingStep)
	step := NewRateLimitedStep(inner, 20, 1)
	ctx := context.Background()

	start := time.Now()
	for range 3 {
		require.Equal(t, booking.OutcomeSuccess, step.Perform(ctx, request(booking.SessionStateSearching)).Kind)
	}
	// One token up front, then two more at 50ms intervals.
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	assert.Equal(t, int32(3), inner.n.Load())
}

func TestRateLimitedStep_CancelledWait(t *testing.T) {
	inner := new(countingStep)
	step := NewRateLimitedStep(inner, 0.001, 1)
	ctx := context.Background()

	require.Equal(t, booking.OutcomeSuccess, step.Perform(ctx, request(booking.SessionStateSearching)).Kind)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	out := step.Perform(cctx, request(booking.SessionStateSearching))
	assert.Equal(t, booking.OutcomeRecoverable, out.Kind)
	assert.Equal(t, int32(1), inner.n.Load())
}

func TestRateLimitedStep_UpdateLimits(t *testing.T) {
	inner := new(countingStep)
	step := NewRateLimitedStep(inner, 0.001, 1)
	ctx := context.Background()
	step.Perform(ctx, request(booking.SessionStateSearching))

	step.UpdateLimits(1000, 10)

	done := make(chan struct{})
	go func() {
		defer close(done)
		step.Perform(ctx, request(booking.SessionStateSearching))
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("step still throttled after raising the limit")
	}
	assert.Equal(t, int32(2), inner.n.Load())
}
