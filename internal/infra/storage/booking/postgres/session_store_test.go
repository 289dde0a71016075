package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/booking-armada/internal/domain/booking"
	"github.com/ahrav/booking-armada/internal/infra/storage"
	"github.com/ahrav/booking-armada/internal/infra/storage/booking/storetest"
)

func TestSessionStore_Contract(t *testing.T) {
	pool, cleanup := storage.SetupTestContainer(t)
	defer cleanup()

	storetest.Run(t, func(t *testing.T) booking.SessionStore {
		_, err := pool.Exec(context.Background(),
			`TRUNCATE session_transitions, booking_sessions, booking_configurations`)
		require.NoError(t, err)
		return NewSessionStore(pool, storage.NoOpTracer())
	})
}

func TestSessionStore_PersistsFailureAndResult(t *testing.T) {
	pool, cleanup := storage.SetupTestContainer(t)
	defer cleanup()

	ctx := context.Background()
	store := NewSessionStore(pool, storage.NoOpTracer())

	t.Run("retryable failure round trips", func(t *testing.T) {
		s, err := store.CreateSession(ctx, storetest.NewConfiguration("owner-a"))
		require.NoError(t, err)

		s, _, err = store.Commit(ctx, s, booking.SessionStateWaitingAuthentication, booking.TransitionDetail{})
		require.NoError(t, err)
		s, evt, err := store.Commit(ctx, s, booking.SessionStateFailed, booking.TransitionDetail{
			Failure: &booking.FailureDetail{
				Kind:       booking.FailureKindRecoverable,
				Reason:     "captcha",
				Retryable:  true,
				RetryAfter: 4 * time.Second,
			},
		})
		require.NoError(t, err)
		assert.False(t, evt.Terminal)

		loaded, err := store.GetSession(ctx, s.ID())
		require.NoError(t, err)
		require.NotNil(t, loaded.Failure())
		assert.Equal(t, booking.SessionStateWaitingAuthentication, loaded.Failure().State)
		assert.Equal(t, 4*time.Second, loaded.Failure().RetryAfter)
		assert.True(t, loaded.AwaitingRetry())
		assert.False(t, loaded.Timeline().IsCompleted())

		active, err := store.ListActive(ctx)
		require.NoError(t, err)
		assert.Len(t, active, 1)
	})

	t.Run("booking result round trips", func(t *testing.T) {
		s, err := store.CreateSession(ctx, storetest.NewConfiguration("owner-b"))
		require.NoError(t, err)

		for _, st := range []booking.SessionState{
			booking.SessionStateWaitingAuthentication,
			booking.SessionStateSearching,
			booking.SessionStateBooking,
		} {
			s, _, err = store.Commit(ctx, s, st, booking.TransitionDetail{})
			require.NoError(t, err)
		}

		slot := time.Date(2026, 5, 12, 9, 30, 0, 0, time.UTC)
		s, _, err = store.Commit(ctx, s, booking.SessionStateSucceeded, booking.TransitionDetail{
			Result: &booking.BookingResult{TestCenter: "Sollentuna", SlotTime: slot, Reference: "REF-1"},
		})
		require.NoError(t, err)

		loaded, err := store.GetSession(ctx, s.ID())
		require.NoError(t, err)
		require.NotNil(t, loaded.Result())
		assert.Equal(t, "REF-1", loaded.Result().Reference)
		assert.True(t, slot.Equal(loaded.Result().SlotTime))
		assert.True(t, loaded.IsTerminal())
		assert.True(t, loaded.Timeline().IsCompleted())

		log, err := store.ListTransitions(ctx, s.ID())
		require.NoError(t, err)
		require.Len(t, log, 5)
		assert.Equal(t, "REF-1", log[4].Detail.Result.Reference)
	})
}
