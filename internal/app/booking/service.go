package booking

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/booking-armada/internal/domain/booking"
	"github.com/ahrav/booking-armada/pkg/common/logger"
)

// Service is the owner-facing entry point: it starts and cancels runs and
// exposes the read side. Every lookup is scoped to the calling owner, and a
// session belonging to someone else is reported as not found.
type Service struct {
	scheduler *Scheduler
	repo      booking.SessionRepository

	logger *logger.Logger
	tracer trace.Tracer
}

// NewService creates the booking service.
func NewService(scheduler *Scheduler, repo booking.SessionRepository, logger *logger.Logger, tracer trace.Tracer) *Service {
	logger = logger.With("component", "booking_service")
	return &Service{scheduler: scheduler, repo: repo, logger: logger, tracer: tracer}
}

// StartRun creates a session for the configuration and queues it.
func (s *Service) StartRun(ctx context.Context, cfg booking.Configuration) (*booking.Session, error) {
	return s.scheduler.Enqueue(ctx, cfg)
}

// RestartRun starts a new run for a configuration the owner stored earlier.
// A configuration belonging to someone else is reported as not found.
func (s *Service) RestartRun(ctx context.Context, owner string, configurationID uuid.UUID) (*booking.Session, error) {
	ctx, span := s.tracer.Start(ctx, "booking_service.restart_run",
		trace.WithAttributes(attribute.String("configuration_id", configurationID.String())))
	defer span.End()

	cfg, err := s.repo.GetConfiguration(ctx, configurationID)
	if err != nil {
		return nil, err
	}
	if cfg.Owner != owner {
		return nil, booking.ErrConfigurationNotFound
	}
	return s.scheduler.Enqueue(ctx, cfg)
}

// GetSession returns the owner's session.
func (s *Service) GetSession(ctx context.Context, owner string, sessionID uuid.UUID) (*booking.Session, error) {
	ctx, span := s.tracer.Start(ctx, "booking_service.get_session",
		trace.WithAttributes(attribute.String("session_id", sessionID.String())))
	defer span.End()

	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Owner() != owner {
		return nil, booking.ErrSessionNotFound
	}
	return session, nil
}

// ListTransitions returns the transition log of the owner's session.
func (s *Service) ListTransitions(ctx context.Context, owner string, sessionID uuid.UUID) ([]booking.TransitionEvent, error) {
	if _, err := s.GetSession(ctx, owner, sessionID); err != nil {
		return nil, err
	}
	return s.repo.ListTransitions(ctx, sessionID)
}

// CancelRun cancels the owner's session.
func (s *Service) CancelRun(ctx context.Context, owner string, sessionID uuid.UUID, reason string) error {
	if _, err := s.GetSession(ctx, owner, sessionID); err != nil {
		return err
	}
	s.logger.Info(ctx, "cancelling run", "owner", owner, "session_id", sessionID, "reason", reason)
	return s.scheduler.Cancel(ctx, sessionID, reason)
}
