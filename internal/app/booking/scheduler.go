package booking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/booking-armada/internal/domain/booking"
	"github.com/ahrav/booking-armada/pkg/common/logger"
)

// ErrSchedulerClosed is returned by Enqueue after Shutdown.
var ErrSchedulerClosed = errors.New("scheduler is shut down")

// SchedulerConfig sizes the worker pool.
type SchedulerConfig struct {
	Workers int
	// RedriveInitial and RedriveMax bound the delay before a run that failed
	// on a storage error is driven again.
	RedriveInitial time.Duration
	RedriveMax     time.Duration
}

// DefaultSchedulerConfig returns the default pool size.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{Workers: 8, RedriveInitial: 500 * time.Millisecond, RedriveMax: 30 * time.Second}
}

// job is one session owned by this scheduler, from enqueue until it is
// terminal or abandoned at shutdown.
type job struct {
	session *booking.Session
	ctx     context.Context
	cancel  context.CancelCauseFunc
	// retry is set while the job waits out a retry or redrive delay.
	retry   *time.Timer
	running bool
	done    chan struct{}
	// redrive paces runs that keep failing on storage errors. It is reset
	// once a run gets through.
	redrive *backoff.ExponentialBackOff
}

// Scheduler runs sessions concurrently on a bounded pool of workers. Each
// session is executed by at most one worker at a time; retry delays do not
// hold a worker.
type Scheduler struct {
	repo        booking.SessionRepository
	entitlement booking.EntitlementChecker
	executor    *Executor
	cfg         SchedulerConfig

	mu      sync.Mutex
	cond    *sync.Cond
	pending []*job
	jobs    map[uuid.UUID]*job
	closed  bool

	runCtx  context.Context
	stopAll context.CancelCauseFunc
	workers errgroup.Group
	started bool

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics SchedulerMetrics
}

// NewScheduler creates a scheduler. Call Start to launch its workers.
func NewScheduler(
	repo booking.SessionRepository,
	entitlement booking.EntitlementChecker,
	executor *Executor,
	cfg SchedulerConfig,
	logger *logger.Logger,
	tracer trace.Tracer,
	metrics SchedulerMetrics,
) *Scheduler {
	defaults := DefaultSchedulerConfig()
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.RedriveInitial <= 0 {
		cfg.RedriveInitial = defaults.RedriveInitial
	}
	if cfg.RedriveMax < cfg.RedriveInitial {
		cfg.RedriveMax = max(defaults.RedriveMax, cfg.RedriveInitial)
	}
	logger = logger.With("component", "scheduler")

	runCtx, stopAll := context.WithCancelCause(context.Background())
	s := &Scheduler{
		repo:        repo,
		entitlement: entitlement,
		executor:    executor,
		cfg:         cfg,
		jobs:        make(map[uuid.UUID]*job),
		runCtx:      runCtx,
		stopAll:     stopAll,
		logger:      logger,
		tracer:      tracer,
		metrics:     metrics,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start launches the worker pool.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true

	for i := 0; i < s.cfg.Workers; i++ {
		s.workers.Go(func() error {
			for {
				j, ok := s.next()
				if !ok {
					return nil
				}
				s.process(j)
			}
		})
	}
}

// Enqueue checks the owner's entitlement, creates the session and queues its
// first attempt. No session is created when the owner is not entitled or an
// active session already exists for the configuration.
func (s *Scheduler) Enqueue(ctx context.Context, cfg booking.Configuration) (*booking.Session, error) {
	logger := s.logger.With("operation", "enqueue", "owner", cfg.Owner, "configuration_id", cfg.ID)
	ctx, span := s.tracer.Start(ctx, "scheduler.enqueue",
		trace.WithAttributes(
			attribute.String("owner", cfg.Owner),
			attribute.String("configuration_id", cfg.ID.String()),
		))
	defer span.End()

	session, err := s.enqueue(ctx, cfg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn(ctx, "run not enqueued", "error", err)
		return nil, err
	}

	span.SetAttributes(attribute.String("session_id", session.ID().String()))
	logger.Info(ctx, "run enqueued", "session_id", session.ID())
	return session, nil
}

func (s *Scheduler) enqueue(ctx context.Context, cfg booking.Configuration) (*booking.Session, error) {
	if s.isClosed() {
		return nil, ErrSchedulerClosed
	}
	if err := cfg.Validate(); err != nil {
		s.metrics.IncRunsRejected(ctx, "invalid_configuration")
		return nil, err
	}

	entitled, err := s.entitlement.IsEntitled(ctx, cfg.Owner)
	if err != nil {
		return nil, fmt.Errorf("checking entitlement for %s: %w", cfg.Owner, err)
	}
	if !entitled {
		s.metrics.IncRunsRejected(ctx, "not_entitled")
		return nil, &booking.NotEntitledError{Owner: cfg.Owner}
	}

	session, err := s.repo.CreateSession(ctx, cfg)
	if err != nil {
		if booking.IsConflict(err) {
			s.metrics.IncRunsRejected(ctx, "conflict")
			return nil, err
		}
		return nil, fmt.Errorf("creating session: %w", err)
	}

	s.metrics.IncRunsEnqueued(ctx)
	s.submit(session)
	return session, nil
}

// Cancel stops a session's run. A running step observes the cancellation at
// its next suspension point; a session waiting to retry is finalized right
// away. Sessions not owned by this scheduler are finalized directly through
// the store. Cancelling a terminal session is a no-op.
func (s *Scheduler) Cancel(ctx context.Context, sessionID uuid.UUID, reason string) error {
	logger := s.logger.With("operation", "cancel", "session_id", sessionID)
	cause := fmt.Errorf("%w: %s", booking.ErrRunCancelled, reason)

	s.mu.Lock()
	j, ok := s.jobs[sessionID]
	if ok {
		j.cancel(cause)
		if j.retry != nil && j.retry.Stop() {
			j.retry = nil
			s.pushLocked(j)
		}
		s.mu.Unlock()
		logger.Info(ctx, "run cancellation requested", "reason", reason)
		return nil
	}
	s.mu.Unlock()

	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.IsTerminal() {
		return nil
	}

	if _, err := s.executor.Cancel(ctx, session, cause.Error()); err != nil {
		return fmt.Errorf("cancelling session %s: %w", sessionID, err)
	}
	logger.Info(ctx, "idle session cancelled", "reason", reason)
	return nil
}

// Await blocks until the scheduler releases the session, either because it
// reached a terminal state or because the scheduler shut down. It returns
// immediately for sessions the scheduler does not own.
func (s *Scheduler) Await(ctx context.Context, sessionID uuid.UUID) error {
	s.mu.Lock()
	j, ok := s.jobs[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveJobs returns how many sessions the scheduler currently owns,
// queued, running, or waiting to retry.
func (s *Scheduler) ActiveJobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Recover re-queues every active session left behind by a previous process.
// Sessions waiting to retry keep the remainder of their delay.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.recover")
	defer span.End()

	active, err := s.repo.ListActive(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("listing active sessions: %w", err)
	}

	n := 0
	for _, session := range active {
		if s.submit(session) {
			n++
		}
	}

	span.SetAttributes(attribute.Int("recovered", n))
	s.logger.Info(ctx, "recovered active sessions", "count", n)
	return n, nil
}

// Shutdown stops intake and waits for running steps to finish. Queued
// sessions and pending retries are left active for the next Recover. When ctx
// expires first, running sessions are interrupted without being finalized.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, j := range s.jobs {
		if j.retry != nil {
			j.retry.Stop()
			j.retry = nil
		}
		if !j.running {
			s.releaseLocked(j)
		}
	}
	s.pending = nil
	s.cond.Broadcast()
	s.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- s.workers.Wait() }()

	select {
	case err := <-done:
		s.stopAll(ErrSchedulerStopped)
		return err
	case <-ctx.Done():
		s.stopAll(ErrSchedulerStopped)
		<-done
		return ctx.Err()
	}
}

// submit takes ownership of session unless the scheduler already owns it.
func (s *Scheduler) submit(session *booking.Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	if _, ok := s.jobs[session.ID()]; ok {
		return false
	}

	ctx, cancel := context.WithCancelCause(s.runCtx)
	j := &job{session: session, ctx: ctx, cancel: cancel, done: make(chan struct{})}
	s.jobs[session.ID()] = j

	if session.AwaitingRetry() {
		s.scheduleRetryLocked(j)
	} else {
		s.pushLocked(j)
	}
	return true
}

func (s *Scheduler) pushLocked(j *job) {
	if s.closed {
		return
	}
	s.pending = append(s.pending, j)
	s.cond.Signal()
}

func (s *Scheduler) next() (*job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.pending) == 0 && !s.closed {
		s.cond.Wait()
	}
	if s.closed {
		return nil, false
	}

	j := s.pending[0]
	s.pending[0] = nil
	s.pending = s.pending[1:]
	j.running = true
	return j, true
}

// scheduleRetryLocked re-queues j once the remainder of its retry delay has
// elapsed.
func (s *Scheduler) scheduleRetryLocked(j *job) {
	wait := time.Duration(0)
	if f := j.session.Failure(); f != nil {
		wait = f.RetryAfter - time.Since(j.session.Timeline().LastUpdate())
	}
	s.armLocked(j, wait)
}

// armLocked re-queues j after wait. A job cancelled before the timer is
// armed is queued right away so the cancellation is not held up by the
// delay; one cancelled later is queued by Cancel.
func (s *Scheduler) armLocked(j *job, wait time.Duration) {
	if s.closed {
		return
	}
	if wait < 0 || j.ctx.Err() != nil {
		wait = 0
	}
	if wait == 0 {
		s.pushLocked(j)
		return
	}

	j.retry = time.AfterFunc(wait, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if j.retry == nil {
			return
		}
		j.retry = nil
		s.pushLocked(j)
	})
}

func (s *Scheduler) process(j *job) {
	ctx := j.ctx
	logger := s.logger.With("session_id", j.session.ID())

	err := s.metrics.TrackRun(ctx, func() error {
		session := j.session
		var err error

		if session.AwaitingRetry() {
			if ctx.Err() != nil {
				cause := context.Cause(ctx)
				if errors.Is(cause, ErrSchedulerStopped) {
					return cause
				}
				j.session, err = s.executor.Cancel(ctx, session, cause.Error())
				return err
			}
			if session, err = s.executor.Restart(ctx, session); err != nil {
				j.session = session
				return err
			}
		}

		j.session, err = s.executor.Run(ctx, session)
		return err
	})

	switch {
	case errors.Is(err, ErrSchedulerStopped):
		logger.Info(ctx, "run interrupted by shutdown", "state", j.session.State())
		s.release(j)
		return
	case err != nil:
		s.redriveAfterError(ctx, logger, j, err)
		return
	}
	j.redrive = nil

	if j.session.AwaitingRetry() {
		s.mu.Lock()
		defer s.mu.Unlock()
		j.running = false
		if s.closed {
			s.releaseLocked(j)
			return
		}
		s.metrics.IncRetriesScheduled(ctx)
		logger.Info(ctx, "retry scheduled",
			"attempt", j.session.Attempt(), "after", j.session.Failure().RetryAfter)
		s.scheduleRetryLocked(j)
		return
	}

	s.metrics.IncRunsFinished(ctx, j.session.State())
	s.release(j)
}

// redriveAfterError keeps ownership of a run that stopped on an error, such
// as a commit the store rejected, so the session is not left active with
// nobody driving it. The session is reloaded from the store and the job is
// queued again after a backoff delay.
func (s *Scheduler) redriveAfterError(ctx context.Context, logger *logger.Logger, j *job, runErr error) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.executor.cfg.CommitTimeout)
	defer cancel()
	if cur, err := s.repo.GetSession(rctx, j.session.ID()); err == nil {
		j.session = cur
	} else {
		logger.Warn(ctx, "failed to reload session after run error", "error", err)
	}

	if j.session.IsTerminal() {
		logger.Warn(ctx, "run error after session finished", "error", runErr, "state", j.session.State())
		s.metrics.IncRunsFinished(ctx, j.session.State())
		s.release(j)
		return
	}

	if j.redrive == nil {
		j.redrive = backoff.NewExponentialBackOff()
		j.redrive.InitialInterval = s.cfg.RedriveInitial
		j.redrive.MaxInterval = s.cfg.RedriveMax
		j.redrive.MaxElapsedTime = 0
		j.redrive.Reset()
	}
	wait := j.redrive.NextBackOff()

	s.mu.Lock()
	defer s.mu.Unlock()
	j.running = false
	if s.closed {
		s.releaseLocked(j)
		return
	}
	logger.Error(ctx, "run failed, driving it again",
		"error", runErr, "state", j.session.State(), "retry_in", wait)
	s.armLocked(j, wait)
}

func (s *Scheduler) release(j *job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked(j)
}

func (s *Scheduler) releaseLocked(j *job) {
	delete(s.jobs, j.session.ID())
	j.cancel(nil)
	close(j.done)
}

func (s *Scheduler) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
