// Package storetest holds the behavioural contract every booking.SessionStore
// implementation must satisfy. Backends run it from their own tests.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/booking-armada/internal/domain/booking"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) booking.SessionStore

// NewConfiguration returns a valid configuration for owner.
func NewConfiguration(owner string) booking.Configuration {
	from := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	return booking.NewConfiguration(owner, "Sollentuna", booking.DateWindow{From: from, To: from.AddDate(0, 1, 0)}, "B")
}

func fatal(reason string) booking.TransitionDetail {
	return booking.TransitionDetail{Failure: &booking.FailureDetail{Kind: booking.FailureKindFatal, Reason: reason}}
}

// Run executes the full contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("create starts in initializing", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		cfg := NewConfiguration("user-1")

		s, err := store.CreateSession(ctx, cfg)
		require.NoError(t, err)
		assert.Equal(t, booking.SessionStateInitializing, s.State())
		assert.Equal(t, 1, s.Attempt())
		assert.Equal(t, int64(1), s.Version())

		log, err := store.ListTransitions(ctx, s.ID())
		require.NoError(t, err)
		require.Len(t, log, 1)
		assert.True(t, log[0].IsFirstStart())

		gotCfg, err := store.GetConfiguration(ctx, cfg.ID)
		require.NoError(t, err)
		assert.Equal(t, cfg.TestCenter, gotCfg.TestCenter)
	})

	t.Run("concurrent create yields exactly one session", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		cfg := NewConfiguration("user-2")

		const n = 16
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
			conflicts int
		)
		start := make(chan struct{})
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, err := store.CreateSession(ctx, cfg)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					successes++
				case booking.IsConflict(err):
					conflicts++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		close(start)
		wg.Wait()

		assert.Equal(t, 1, successes)
		assert.Equal(t, n-1, conflicts)
	})

	t.Run("terminal session frees the configuration", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		cfg := NewConfiguration("user-3")

		s, err := store.CreateSession(ctx, cfg)
		require.NoError(t, err)

		active, err := store.LoadActive(ctx, cfg.Owner, cfg.ID)
		require.NoError(t, err)
		assert.Equal(t, s.ID(), active.ID())

		_, _, err = store.Commit(ctx, s, booking.SessionStateFailed, fatal("bad center"))
		require.NoError(t, err)

		_, err = store.LoadActive(ctx, cfg.Owner, cfg.ID)
		assert.ErrorIs(t, err, booking.ErrSessionNotFound)

		next, err := store.CreateSession(ctx, cfg)
		require.NoError(t, err)
		assert.NotEqual(t, s.ID(), next.ID())
	})

	t.Run("retryable failure keeps the session active", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		cfg := NewConfiguration("user-4")

		s, err := store.CreateSession(ctx, cfg)
		require.NoError(t, err)
		s, _, err = store.Commit(ctx, s, booking.SessionStateFailed, booking.TransitionDetail{
			Failure: &booking.FailureDetail{Kind: booking.FailureKindRecoverable, Reason: "503", Retryable: true, RetryAfter: time.Second},
		})
		require.NoError(t, err)
		assert.True(t, s.AwaitingRetry())

		_, err = store.CreateSession(ctx, cfg)
		assert.True(t, booking.IsConflict(err))

		active, err := store.ListActive(ctx)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, time.Second, active[0].Failure().RetryAfter)

		s, evt, err := store.Commit(ctx, s, booking.SessionStateInitializing, booking.TransitionDetail{Note: "retry"})
		require.NoError(t, err)
		assert.Equal(t, 2, s.Attempt())
		assert.Equal(t, 2, evt.Attempt)
	})

	t.Run("rejected commit has no effect", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		s, err := store.CreateSession(ctx, NewConfiguration("user-5"))
		require.NoError(t, err)

		_, _, err = store.Commit(ctx, s, booking.SessionStateSucceeded, booking.TransitionDetail{})
		require.Error(t, err)
		assert.True(t, booking.IsInvalidTransition(err))

		got, err := store.GetSession(ctx, s.ID())
		require.NoError(t, err)
		assert.Equal(t, booking.SessionStateInitializing, got.State())
		assert.Equal(t, int64(1), got.Version())

		log, err := store.ListTransitions(ctx, s.ID())
		require.NoError(t, err)
		assert.Len(t, log, 1)
	})

	t.Run("stale commit is rejected", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		s, err := store.CreateSession(ctx, NewConfiguration("user-6"))
		require.NoError(t, err)
		_, _, err = store.Commit(ctx, s, booking.SessionStateWaitingAuthentication, booking.TransitionDetail{})
		require.NoError(t, err)

		_, _, err = store.Commit(ctx, s, booking.SessionStateFailed, fatal("late"))
		assert.ErrorIs(t, err, booking.ErrConcurrentUpdate)
	})

	t.Run("concurrent commits on one session serialize", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		s, err := store.CreateSession(ctx, NewConfiguration("user-7"))
		require.NoError(t, err)

		const n = 8
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _, err := store.Commit(ctx, s, booking.SessionStateWaitingAuthentication, booking.TransitionDetail{})
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
					return
				}
				if !errors.Is(err, booking.ErrConcurrentUpdate) {
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, wins)
		log, err := store.ListTransitions(ctx, s.ID())
		require.NoError(t, err)
		require.Len(t, log, 2)
		assert.Equal(t, int64(1), log[0].Sequence)
		assert.Equal(t, int64(2), log[1].Sequence)
	})

	t.Run("terminal session is immutable", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		s, err := store.CreateSession(ctx, NewConfiguration("user-8"))
		require.NoError(t, err)
		for _, to := range []booking.SessionState{
			booking.SessionStateWaitingAuthentication,
			booking.SessionStateSearching,
			booking.SessionStateBooking,
		} {
			s, _, err = store.Commit(ctx, s, to, booking.TransitionDetail{})
			require.NoError(t, err)
		}
		result := booking.BookingResult{TestCenter: "Sollentuna", Reference: "REF-1", SlotTime: time.Date(2026, 5, 3, 8, 0, 0, 0, time.UTC)}
		s, evt, err := store.Commit(ctx, s, booking.SessionStateSucceeded, booking.TransitionDetail{Result: &result})
		require.NoError(t, err)
		assert.True(t, evt.Terminal)

		_, _, err = store.Commit(ctx, s, booking.SessionStateSearching, booking.TransitionDetail{})
		assert.True(t, booking.IsInvalidTransition(err))

		got, err := store.GetSession(ctx, s.ID())
		require.NoError(t, err)
		assert.Equal(t, "REF-1", got.Result().Reference)
		assert.False(t, got.Timeline().CompletedAt().IsZero())
	})

	t.Run("outbox yields events in commit order until published", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		a, err := store.CreateSession(ctx, NewConfiguration("user-9"))
		require.NoError(t, err)
		b, err := store.CreateSession(ctx, NewConfiguration("user-10"))
		require.NoError(t, err)
		_, _, err = store.Commit(ctx, a, booking.SessionStateWaitingAuthentication, booking.TransitionDetail{})
		require.NoError(t, err)

		pending, err := store.PendingTransitions(ctx, 10)
		require.NoError(t, err)
		require.Len(t, pending, 3)
		assert.Equal(t, a.ID(), pending[0].SessionID)
		assert.Equal(t, b.ID(), pending[1].SessionID)
		assert.Equal(t, a.ID(), pending[2].SessionID)
		assert.Equal(t, int64(2), pending[2].Sequence)

		require.NoError(t, store.MarkPublished(ctx, pending[0].EventID, pending[1].EventID))
		pending, err = store.PendingTransitions(ctx, 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, booking.SessionStateWaitingAuthentication, pending[0].To)
	})

	t.Run("unknown ids", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		_, err := store.GetSession(ctx, uuid.New())
		assert.ErrorIs(t, err, booking.ErrSessionNotFound)
		_, err = store.GetConfiguration(ctx, uuid.New())
		assert.ErrorIs(t, err, booking.ErrConfigurationNotFound)
		_, err = store.ListTransitions(ctx, uuid.New())
		assert.ErrorIs(t, err, booking.ErrSessionNotFound)
	})
}
