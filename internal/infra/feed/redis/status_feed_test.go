package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/booking-armada/internal/domain/booking"
	"github.com/ahrav/booking-armada/pkg/common/logger"
)

func setupMiniRedis(t *testing.T) (*miniredis.Miniredis, *StatusFeed) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return mr, NewStatusFeed(client, time.Hour, logger.Noop(), noop.NewTracerProvider().Tracer(""))
}

func update(sessionID uuid.UUID, seq int64, state booking.SessionState) booking.StatusUpdate {
	return booking.StatusUpdate{
		EventID:   uuid.New(),
		Owner:     "alice",
		SessionID: sessionID,
		State:     state,
		Sequence:  seq,
	}
}

func TestStatusFeed_PushStoresLatest(t *testing.T) {
	mr, feed := setupMiniRedis(t)
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, feed.Push(ctx, update(id, 1, booking.SessionStateInitializing)))
	require.NoError(t, feed.Push(ctx, update(id, 2, booking.SessionStateWaitingAuthentication)))

	got, err := feed.Latest(ctx, "alice", id)
	require.NoError(t, err)
	assert.Equal(t, booking.SessionStateWaitingAuthentication, got.State)
	assert.Equal(t, int64(2), got.Sequence)

	ttl := mr.TTL(latestKey("alice", id))
	assert.Equal(t, time.Hour, ttl)
}

func TestStatusFeed_StaleUpdateIsDropped(t *testing.T) {
	_, feed := setupMiniRedis(t)
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, feed.Push(ctx, update(id, 3, booking.SessionStateSearching)))
	require.NoError(t, feed.Push(ctx, update(id, 2, booking.SessionStateWaitingAuthentication)))
	require.NoError(t, feed.Push(ctx, update(id, 3, booking.SessionStateSearching)))

	got, err := feed.Latest(ctx, "alice", id)
	require.NoError(t, err)
	assert.Equal(t, booking.SessionStateSearching, got.State)
	assert.Equal(t, int64(3), got.Sequence)
}

func TestStatusFeed_SubscribeReceivesOwnerUpdates(t *testing.T) {
	_, feed := setupMiniRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates, err := feed.Subscribe(ctx, "alice")
	require.NoError(t, err)

	id := uuid.New()
	want := update(id, 1, booking.SessionStateInitializing)
	require.NoError(t, feed.Push(ctx, want))

	// Another owner's update must not reach alice.
	other := update(uuid.New(), 1, booking.SessionStateInitializing)
	other.Owner = "bob"
	require.NoError(t, feed.Push(ctx, other))

	select {
	case got := <-updates:
		assert.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatal("no update received")
	}

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-updates:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStatusFeed_LatestUnknownSession(t *testing.T) {
	_, feed := setupMiniRedis(t)
	_, err := feed.Latest(context.Background(), "alice", uuid.New())
	assert.ErrorIs(t, err, booking.ErrSessionNotFound)
}

func TestStatusFeed_PushFailsWhenRedisIsDown(t *testing.T) {
	mr, feed := setupMiniRedis(t)
	mr.Close()

	err := feed.Push(context.Background(), update(uuid.New(), 1, booking.SessionStateInitializing))
	assert.Error(t, err)
}

func TestChannelFor(t *testing.T) {
	assert.Equal(t, "booking:status:alice", ChannelFor("alice"))
}
