package reliability

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ahrav/booking-armada/internal/domain/booking"
	"github.com/ahrav/booking-armada/internal/domain/events"
)

func TestIsCriticalEvent(t *testing.T) {
	transitioned := func(p any) events.EventEnvelope {
		return events.EventEnvelope{Type: booking.EventTypeSessionTransitioned, Payload: p}
	}

	tests := []struct {
		name string
		evt  events.EventEnvelope
		want bool
	}{
		{
			name: "first start is critical",
			evt: transitioned(booking.TransitionEvent{
				From: booking.SessionStateUnspecified, To: booking.SessionStateInitializing, Attempt: 1,
			}),
			want: true,
		},
		{
			name: "terminal success is critical",
			evt: transitioned(booking.TransitionEvent{
				From: booking.SessionStateBooking, To: booking.SessionStateSucceeded, Terminal: true,
			}),
			want: true,
		},
		{
			name: "retryable failure is critical",
			evt: transitioned(&booking.TransitionEvent{
				From: booking.SessionStateSearching, To: booking.SessionStateFailed,
			}),
			want: true,
		},
		{
			name: "intermediate transition is not critical",
			evt: transitioned(booking.TransitionEvent{
				From: booking.SessionStateInitializing, To: booking.SessionStateWaitingAuthentication,
			}),
			want: false,
		},
		{
			name: "retry restart is not critical",
			evt: transitioned(booking.TransitionEvent{
				From: booking.SessionStateFailed, To: booking.SessionStateInitializing, Attempt: 2,
			}),
			want: false,
		},
		{
			name: "unknown payload is critical",
			evt:  transitioned([]byte("raw")),
			want: true,
		},
		{
			name: "nil pointer payload is not critical",
			evt:  transitioned((*booking.TransitionEvent)(nil)),
			want: false,
		},
		{
			name: "other event types are not critical",
			evt:  events.EventEnvelope{Type: "SomethingElse"},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsCriticalEvent(tt.evt))
		})
	}
}
