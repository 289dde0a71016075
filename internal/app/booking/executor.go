// Package booking drives booking sessions through their lifecycle: it runs
// the automation steps for each state, decides on retries and schedules
// concurrent runs.
package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/booking-armada/internal/domain/booking"
	"github.com/ahrav/booking-armada/pkg/common/logger"
)

// ErrSchedulerStopped is the cancellation cause used when the process shuts
// down mid-run. Sessions interrupted this way stay active and are picked up
// again by Recover.
var ErrSchedulerStopped = errors.New("scheduler stopped")

// CommitNotifier is told about every successful commit so propagation can
// start without waiting for its next poll.
type CommitNotifier interface {
	Notify()
}

// ExecutorConfig bounds a single run.
type ExecutorConfig struct {
	// JobTimeout is the wall-clock deadline for one attempt.
	JobTimeout time.Duration
	// AuthTimeout bounds the waiting_authentication step on its own.
	AuthTimeout time.Duration
	// CommitTimeout bounds each store commit. Commits run on a context
	// detached from run cancellation so failures can always be recorded.
	CommitTimeout time.Duration
}

// DefaultExecutorConfig returns the default run bounds.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		JobTimeout:    300 * time.Second,
		AuthTimeout:   120 * time.Second,
		CommitTimeout: 10 * time.Second,
	}
}

// Executor drives one session from its current state to a terminal state, or
// to failed pending a retry, one automation step at a time.
type Executor struct {
	repo     booking.SessionRepository
	step     booking.AutomationStep
	retry    *RetryController
	notifier CommitNotifier
	cfg      ExecutorConfig

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics ExecutorMetrics
}

// NewExecutor creates an executor. notifier may be nil.
func NewExecutor(
	repo booking.SessionRepository,
	step booking.AutomationStep,
	retry *RetryController,
	notifier CommitNotifier,
	cfg ExecutorConfig,
	logger *logger.Logger,
	tracer trace.Tracer,
	metrics ExecutorMetrics,
) *Executor {
	logger = logger.With("component", "executor")
	return &Executor{
		repo:     repo,
		step:     step,
		retry:    retry,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		tracer:   tracer,
		metrics:  metrics,
	}
}

// Run executes automation steps until the session is terminal or awaiting a
// retry. Classified failures are recorded on the session and are not
// returned as errors; the error is reserved for lifecycle defects, storage
// failures and shutdown.
func (e *Executor) Run(ctx context.Context, session *booking.Session) (*booking.Session, error) {
	ctx, span := e.tracer.Start(ctx, "executor.run",
		trace.WithAttributes(
			attribute.String("session_id", session.ID().String()),
			attribute.String("owner", session.Owner()),
			attribute.Int("attempt", session.Attempt()),
			attribute.String("state", session.State().String()),
		))
	defer span.End()

	logger := e.logger.With("operation", "run", "session_id", session.ID(), "attempt", session.Attempt())

	ctx, cancel := context.WithTimeoutCause(ctx, e.cfg.JobTimeout, booking.ErrRunTimeout)
	defer cancel()

	final, err := e.run(ctx, logger, session)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return final, err
	}

	span.SetAttributes(attribute.String("final_state", final.State().String()))
	logger.Info(ctx, "run finished", "state", final.State(), "awaiting_retry", final.AwaitingRetry())
	return final, nil
}

func (e *Executor) run(ctx context.Context, logger *logger.Logger, session *booking.Session) (*booking.Session, error) {
	if session.IsTerminal() || session.AwaitingRetry() {
		return session, nil
	}

	cfg, err := e.repo.GetConfiguration(ctx, session.ConfigurationID())
	switch {
	case err == nil:
		if verr := cfg.Validate(); verr != nil {
			return e.fail(ctx, session, booking.FailureDetail{Kind: booking.FailureKindFatal, Reason: verr.Error()})
		}
	case errors.Is(err, booking.ErrConfigurationNotFound):
		return e.fail(ctx, session, booking.FailureDetail{Kind: booking.FailureKindFatal, Reason: err.Error()})
	case ctx.Err() != nil:
		return e.interrupt(ctx, session, context.Cause(ctx))
	default:
		return session, fmt.Errorf("loading configuration %s: %w", session.ConfigurationID(), err)
	}

	for !session.IsTerminal() && !session.AwaitingRetry() {
		if ctx.Err() != nil {
			return e.interrupt(ctx, session, context.Cause(ctx))
		}

		state := session.State()
		next, ok := state.Next()
		if !ok {
			return e.abort(ctx, session, &booking.InvalidTransitionError{
				SessionID: session.ID(), From: state, Reason: "state has no forward step",
			})
		}

		outcome, cause := e.perform(ctx, session, cfg)
		if cause != nil {
			return e.interrupt(ctx, session, cause)
		}
		logger.Debug(ctx, "step finished", "state", state, "outcome", outcome.Kind, "detail", outcome.Detail)

		switch outcome.Kind {
		case booking.OutcomeSuccess:
			session, err = e.commit(ctx, session, next, booking.TransitionDetail{Result: outcome.Result, Note: outcome.Detail})
		case booking.OutcomeRecoverable:
			session, err = e.fail(ctx, session, booking.FailureDetail{Kind: booking.FailureKindRecoverable, Reason: outcome.Detail})
		case booking.OutcomeFatal:
			session, err = e.fail(ctx, session, booking.FailureDetail{Kind: booking.FailureKindFatal, Reason: outcome.Detail})
		default:
			session, err = e.fail(ctx, session, booking.FailureDetail{
				Kind:   booking.FailureKindFatal,
				Reason: fmt.Sprintf("unclassified outcome %q: %s", outcome.Kind, outcome.Detail),
			})
		}
		if err != nil {
			return session, err
		}
	}

	return session, nil
}

// perform invokes the step for the session's current state. The step runs in
// its own goroutine so that a step ignoring its context cannot hold the run
// past its deadline. A non-nil cause means the context ended before the step
// produced an outcome.
func (e *Executor) perform(
	ctx context.Context,
	session *booking.Session,
	cfg booking.Configuration,
) (outcome booking.Outcome, cause error) {
	state := session.State()

	stepCtx := ctx
	if state == booking.SessionStateWaitingAuthentication && e.cfg.AuthTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeoutCause(ctx, e.cfg.AuthTimeout, booking.ErrAuthTimeout)
		defer cancel()
	}

	stepCtx, span := e.tracer.Start(stepCtx, "executor.step",
		trace.WithAttributes(attribute.String("state", state.String())))
	defer span.End()

	req := booking.StepRequest{
		SessionID:     session.ID(),
		State:         state,
		Configuration: cfg,
		Attempt:       session.Attempt(),
	}

	start := time.Now()
	done := make(chan booking.Outcome, 1)
	go func() { done <- e.step.Perform(stepCtx, req) }()

	select {
	case outcome = <-done:
	case <-stepCtx.Done():
		// An outcome that raced the deadline still wins.
		select {
		case outcome = <-done:
		default:
			cause = context.Cause(stepCtx)
		}
	}

	// Cancellation always wins over whatever the step reported.
	if c := context.Cause(stepCtx); cause == nil && c != nil && !isDeadline(c) {
		cause = c
	}
	if cause != nil {
		span.SetStatus(codes.Error, cause.Error())
		e.metrics.ObserveStep(ctx, state, "interrupted", time.Since(start))
		return booking.Outcome{}, cause
	}

	span.SetAttributes(attribute.String("outcome", string(outcome.Kind)))
	e.metrics.ObserveStep(ctx, state, outcome.Kind, time.Since(start))
	return outcome, nil
}

// interrupt records why the run or step context ended. Shutdown leaves the
// session untouched.
func (e *Executor) interrupt(ctx context.Context, session *booking.Session, cause error) (*booking.Session, error) {
	if errors.Is(cause, ErrSchedulerStopped) {
		return session, cause
	}
	return e.fail(ctx, session, failureFromCause(cause))
}

func isDeadline(cause error) bool {
	return errors.Is(cause, booking.ErrRunTimeout) ||
		errors.Is(cause, booking.ErrAuthTimeout) ||
		errors.Is(cause, context.DeadlineExceeded)
}

func failureFromCause(cause error) booking.FailureDetail {
	switch {
	case errors.Is(cause, booking.ErrAuthTimeout):
		return booking.FailureDetail{Kind: booking.FailureKindAuthTimeout, Reason: cause.Error()}
	case errors.Is(cause, booking.ErrRunTimeout), errors.Is(cause, context.DeadlineExceeded):
		return booking.FailureDetail{Kind: booking.FailureKindTimeout, Reason: cause.Error()}
	default:
		return booking.FailureDetail{Kind: booking.FailureKindCancelled, Reason: cause.Error()}
	}
}

// fail commits the failure. Recoverable failures are put to the retry
// controller first, so that an exhausted budget is recorded as terminal in
// the same commit.
func (e *Executor) fail(ctx context.Context, session *booking.Session, failure booking.FailureDetail) (*booking.Session, error) {
	if failure.Kind == booking.FailureKindRecoverable {
		decision := e.retry.ShouldRetry(session, failure)
		if decision.Retry {
			failure.Retryable = true
			failure.RetryAfter = decision.After
		} else {
			failure.Kind = booking.FailureKindExhausted
			failure.Reason = fmt.Sprintf("%s: %s", decision.Reason, failure.Reason)
		}
	}
	return e.commit(ctx, session, booking.SessionStateFailed, booking.TransitionDetail{Failure: &failure})
}

// abort handles a lifecycle defect: the run stops and the error is returned,
// but the session is still moved to a terminal failed when the table allows
// it so that it does not stay active forever.
func (e *Executor) abort(ctx context.Context, session *booking.Session, cause error) (*booking.Session, error) {
	e.logger.Error(ctx, "aborting run on invalid transition", "session_id", session.ID(), "error", cause)

	if session.State() != booking.SessionStateFailed && !session.IsTerminal() {
		failure := booking.FailureDetail{Kind: booking.FailureKindInvalidTransition, Reason: cause.Error()}
		if failed, err := e.commitOnce(ctx, session, booking.SessionStateFailed,
			booking.TransitionDetail{Failure: &failure}); err == nil {
			session = failed
		}
	}
	return session, cause
}

// Restart moves a session awaiting retry back into initializing, starting a
// new attempt.
func (e *Executor) Restart(ctx context.Context, session *booking.Session) (*booking.Session, error) {
	return e.commit(ctx, session, booking.SessionStateInitializing, booking.TransitionDetail{Note: "retry"})
}

// Cancel finalizes a session that is not being executed, such as one
// waiting out its retry delay. A session awaiting retry has no edge to a
// terminal state of its own, so it first re-enters initializing and then
// fails as cancelled without any step being invoked.
func (e *Executor) Cancel(ctx context.Context, session *booking.Session, reason string) (*booking.Session, error) {
	if session.IsTerminal() {
		return session, nil
	}

	var err error
	if session.AwaitingRetry() {
		if session, err = e.Restart(ctx, session); err != nil {
			return session, err
		}
	}

	failure := booking.FailureDetail{Kind: booking.FailureKindCancelled, Reason: reason}
	return e.commit(ctx, session, booking.SessionStateFailed, booking.TransitionDetail{Failure: &failure})
}

func (e *Executor) commit(
	ctx context.Context,
	session *booking.Session,
	to booking.SessionState,
	detail booking.TransitionDetail,
) (*booking.Session, error) {
	next, err := e.commitOnce(ctx, session, to, detail)
	if err == nil {
		return next, nil
	}
	if booking.IsInvalidTransition(err) {
		return e.abort(ctx, session, err)
	}
	return session, err
}

func (e *Executor) commitOnce(
	ctx context.Context,
	session *booking.Session,
	to booking.SessionState,
	detail booking.TransitionDetail,
) (*booking.Session, error) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CommitTimeout)
	defer cancel()

	from := session.State()
	next, evt, err := e.repo.Commit(cctx, session, to, detail)
	if err != nil {
		e.metrics.IncCommitErrors(ctx)
		return session, fmt.Errorf("committing %s -> %s for session %s: %w", from, to, session.ID(), err)
	}

	e.metrics.IncTransitions(ctx, from, to)
	if e.notifier != nil {
		e.notifier.Notify()
	}

	args := []any{"session_id", evt.SessionID, "from", from, "to", to, "sequence", evt.Sequence, "attempt", evt.Attempt}
	if f := detail.Failure; f != nil {
		args = append(args, "failure_kind", f.Kind, "reason", f.Reason, "retryable", f.Retryable)
	}
	e.logger.Info(ctx, "session transitioned", args...)

	return next, nil
}
