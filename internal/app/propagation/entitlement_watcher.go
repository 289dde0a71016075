package propagation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/booking-armada/internal/domain/booking"
	"github.com/ahrav/booking-armada/pkg/common/logger"
)

// RunCanceller stops an active run.
type RunCanceller interface {
	Cancel(ctx context.Context, sessionID uuid.UUID, reason string) error
}

// EntitlementRevokedReason is the cancellation reason recorded on runs whose
// owner lost entitlement.
const EntitlementRevokedReason = "entitlement revoked"

// EntitlementWatcher periodically re-checks the owners of active sessions.
// When an owner is no longer entitled their runs are cancelled and they are
// told why. A failed check leaves the owner's runs alone.
type EntitlementWatcher struct {
	repo      booking.SessionRepository
	checker   booking.EntitlementChecker
	canceller RunCanceller
	sender    booking.NotificationSender
	interval  time.Duration

	logger *logger.Logger
	tracer trace.Tracer
}

// NewEntitlementWatcher creates a watcher sweeping every interval.
func NewEntitlementWatcher(
	repo booking.SessionRepository,
	checker booking.EntitlementChecker,
	canceller RunCanceller,
	sender booking.NotificationSender,
	interval time.Duration,
	logger *logger.Logger,
	tracer trace.Tracer,
) *EntitlementWatcher {
	if interval <= 0 {
		interval = time.Minute
	}
	logger = logger.With("component", "entitlement_watcher")
	return &EntitlementWatcher{
		repo:      repo,
		checker:   checker,
		canceller: canceller,
		sender:    sender,
		interval:  interval,
		logger:    logger,
		tracer:    tracer,
	}
}

// Run sweeps until ctx is done.
func (w *EntitlementWatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil && ctx.Err() == nil {
				w.logger.Warn(ctx, "entitlement sweep failed", "error", err)
			}
		}
	}
}

// Sweep checks every owner with an active session once and cancels the runs
// of owners that are no longer entitled. It returns the number of runs
// cancelled.
func (w *EntitlementWatcher) Sweep(ctx context.Context) (int, error) {
	ctx, span := w.tracer.Start(ctx, "entitlement_watcher.sweep")
	defer span.End()

	active, err := w.repo.ListActive(ctx)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("listing active sessions: %w", err)
	}

	byOwner := make(map[string][]*booking.Session)
	var owners []string
	for _, s := range active {
		if _, ok := byOwner[s.Owner()]; !ok {
			owners = append(owners, s.Owner())
		}
		byOwner[s.Owner()] = append(byOwner[s.Owner()], s)
	}
	span.SetAttributes(attribute.Int("owners", len(owners)))

	cancelled := 0
	for _, owner := range owners {
		entitled, err := w.checker.IsEntitled(ctx, owner)
		if err != nil {
			w.logger.Warn(ctx, "entitlement check failed", "owner", owner, "error", err)
			continue
		}
		if entitled {
			continue
		}

		for _, s := range byOwner[owner] {
			if err := w.canceller.Cancel(ctx, s.ID(), EntitlementRevokedReason); err != nil {
				w.logger.Error(ctx, "failed to cancel run of revoked owner",
					"owner", owner, "session_id", s.ID(), "error", err)
				continue
			}
			cancelled++
			w.notify(ctx, s)
		}
	}

	if cancelled > 0 {
		w.logger.Info(ctx, "cancelled runs of owners without entitlement", "cancelled", cancelled)
	}
	return cancelled, nil
}

func (w *EntitlementWatcher) notify(ctx context.Context, s *booking.Session) {
	n := booking.Notification{
		EventID:   uuid.New(),
		Owner:     s.Owner(),
		SessionID: s.ID(),
		Category:  booking.NotificationEntitlementExpiring,
		Detail:    "entitlement expired; the booking run was cancelled",
		CreatedAt: time.Now().UTC(),
	}
	if err := w.sender.Send(ctx, n); err != nil {
		w.logger.Warn(ctx, "entitlement notification failed", "session_id", s.ID(), "error", err)
	}
}
