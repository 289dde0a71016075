// Package automation holds AutomationStep implementations. The site driver
// itself is an external collaborator; this package provides a deterministic
// scripted driver for development and tests, and decorators shared by every
// driver.
package automation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ahrav/booking-armada/internal/domain/booking"
)

// ScriptedDriver replays queued outcomes per state. When a state's queue is
// empty it falls back to success, and the booking state reports a slot at
// the start of the configuration's window.
type ScriptedDriver struct {
	mu      sync.Mutex
	scripts map[booking.SessionState][]booking.Outcome
	delays  map[booking.SessionState]time.Duration
	calls   []booking.StepRequest
}

var _ booking.AutomationStep = (*ScriptedDriver)(nil)

// NewScriptedDriver creates a driver with no queued outcomes.
func NewScriptedDriver() *ScriptedDriver {
	return &ScriptedDriver{
		scripts: make(map[booking.SessionState][]booking.Outcome),
		delays:  make(map[booking.SessionState]time.Duration),
	}
}

// Enqueue appends outcomes returned, in order, by future steps in state.
func (d *ScriptedDriver) Enqueue(state booking.SessionState, outcomes ...booking.Outcome) *ScriptedDriver {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scripts[state] = append(d.scripts[state], outcomes...)
	return d
}

// SetDelay makes every step in state take at least delay. A delay longer
// than the step's deadline simulates a hung site or a user who never
// approves the login.
func (d *ScriptedDriver) SetDelay(state booking.SessionState, delay time.Duration) *ScriptedDriver {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delays[state] = delay
	return d
}

// Calls returns the requests seen so far.
func (d *ScriptedDriver) Calls() []booking.StepRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]booking.StepRequest(nil), d.calls...)
}

// Perform implements booking.AutomationStep.
func (d *ScriptedDriver) Perform(ctx context.Context, req booking.StepRequest) booking.Outcome {
	d.mu.Lock()
	d.calls = append(d.calls, req)
	delay := d.delays[req.State]
	var (
		out    booking.Outcome
		queued bool
	)
	if q := d.scripts[req.State]; len(q) > 0 {
		out, queued = q[0], true
		d.scripts[req.State] = q[1:]
	}
	d.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return booking.RecoverableFailure(fmt.Sprintf("%s interrupted: %v", req.State, context.Cause(ctx)))
		case <-timer.C:
		}
	}

	if queued {
		return out
	}
	return defaultOutcome(req)
}

func defaultOutcome(req booking.StepRequest) booking.Outcome {
	switch req.State {
	case booking.SessionStateInitializing:
		return booking.Success("browser session ready")
	case booking.SessionStateWaitingAuthentication:
		return booking.Success("login approved")
	case booking.SessionStateSearching:
		return booking.Success("slot found")
	case booking.SessionStateBooking:
		return booking.Booked(booking.BookingResult{
			TestCenter: req.Configuration.TestCenter,
			SlotTime:   req.Configuration.Window.From,
			Reference:  "SCRIPTED-" + req.SessionID.String()[:8],
		})
	default:
		return booking.FatalFailure(fmt.Sprintf("no automation for state %q", req.State))
	}
}
