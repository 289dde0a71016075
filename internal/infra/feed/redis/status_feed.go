// Package redis implements the live status feed on Redis. Each update is
// published on the owner's channel, and the latest state of every session is
// kept in a hash so clients that connect late can catch up.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/booking-armada/internal/domain/booking"
	"github.com/ahrav/booking-armada/pkg/common/logger"
)

// Config holds the Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	// LatestTTL is how long the last known state of a session is kept.
	LatestTTL time.Duration
}

const defaultLatestTTL = 24 * time.Hour

// ChannelFor returns the pub/sub channel carrying the owner's updates.
func ChannelFor(owner string) string { return "booking:status:" + owner }

func latestKey(owner string, sessionID uuid.UUID) string {
	return fmt.Sprintf("booking:status:%s:%s", owner, sessionID)
}

// storeIfNewer records the update unless a newer or equal sequence is
// already stored, so a redelivered or late update never rolls state back.
var storeIfNewer = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'sequence')
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'sequence', ARGV[1], 'payload', ARGV[2])
redis.call('EXPIRE', KEYS[1], ARGV[3])
return 1
`)

// StatusFeed implements booking.StatusFeed.
type StatusFeed struct {
	client    redis.UniversalClient
	latestTTL time.Duration

	logger *logger.Logger
	tracer trace.Tracer
}

var _ booking.StatusFeed = (*StatusFeed)(nil)

// Connect dials Redis and verifies the connection.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

// NewStatusFeed creates a feed over an established client.
func NewStatusFeed(client redis.UniversalClient, latestTTL time.Duration, logger *logger.Logger, tracer trace.Tracer) *StatusFeed {
	if latestTTL <= 0 {
		latestTTL = defaultLatestTTL
	}
	logger = logger.With("component", "redis_status_feed")
	return &StatusFeed{client: client, latestTTL: latestTTL, logger: logger, tracer: tracer}
}

// Push records the update as the session's latest state and publishes it.
// An update older than the stored one is dropped.
func (f *StatusFeed) Push(ctx context.Context, update booking.StatusUpdate) error {
	ctx, span := f.tracer.Start(ctx, "redis_status_feed.push",
		trace.WithAttributes(
			attribute.String("owner", update.Owner),
			attribute.String("session_id", update.SessionID.String()),
			attribute.Int64("sequence", update.Sequence),
		))
	defer span.End()

	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("encoding status update: %w", err)
	}

	stored, err := storeIfNewer.Run(ctx, f.client,
		[]string{latestKey(update.Owner, update.SessionID)},
		update.Sequence, payload, int64(f.latestTTL.Seconds()),
	).Int()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store failed")
		return fmt.Errorf("storing latest status: %w", err)
	}
	if stored == 0 {
		f.logger.Debug(ctx, "stale status update dropped",
			"session_id", update.SessionID, "sequence", update.Sequence)
		return nil
	}

	if err := f.client.Publish(ctx, ChannelFor(update.Owner), payload).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return fmt.Errorf("publishing status: %w", err)
	}
	return nil
}

// Latest returns the last stored update of a session.
func (f *StatusFeed) Latest(ctx context.Context, owner string, sessionID uuid.UUID) (booking.StatusUpdate, error) {
	raw, err := f.client.HGet(ctx, latestKey(owner, sessionID), "payload").Bytes()
	if errors.Is(err, redis.Nil) {
		return booking.StatusUpdate{}, booking.ErrSessionNotFound
	}
	if err != nil {
		return booking.StatusUpdate{}, fmt.Errorf("reading latest status: %w", err)
	}

	var update booking.StatusUpdate
	if err := json.Unmarshal(raw, &update); err != nil {
		return booking.StatusUpdate{}, fmt.Errorf("decoding latest status: %w", err)
	}
	return update, nil
}

// Subscribe streams the owner's updates until ctx is done. The returned
// channel is closed when the subscription ends.
func (f *StatusFeed) Subscribe(ctx context.Context, owner string) (<-chan booking.StatusUpdate, error) {
	sub := f.client.Subscribe(ctx, ChannelFor(owner))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", ChannelFor(owner), err)
	}

	out := make(chan booking.StatusUpdate)
	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var update booking.StatusUpdate
				if err := json.Unmarshal([]byte(msg.Payload), &update); err != nil {
					f.logger.Warn(ctx, "undecodable status message", "channel", msg.Channel, "error", err)
					continue
				}
				select {
				case out <- update:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
