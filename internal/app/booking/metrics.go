package booking

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ahrav/booking-armada/internal/domain/booking"
)

// ExecutorMetrics defines metrics operations needed by the executor.
type ExecutorMetrics interface {
	ObserveStep(ctx context.Context, state booking.SessionState, kind booking.OutcomeKind, duration time.Duration)
	IncTransitions(ctx context.Context, from, to booking.SessionState)
	IncCommitErrors(ctx context.Context)
}

// SchedulerMetrics defines metrics operations needed by the scheduler.
type SchedulerMetrics interface {
	IncRunsEnqueued(ctx context.Context)
	IncRunsRejected(ctx context.Context, reason string)
	IncRetriesScheduled(ctx context.Context)
	IncRunsFinished(ctx context.Context, state booking.SessionState)
	TrackRun(ctx context.Context, f func() error) error
}

// Metrics implements ExecutorMetrics and SchedulerMetrics on OpenTelemetry
// instruments.
type Metrics struct {
	// Executor metrics.
	stepDuration metric.Float64Histogram
	transitions  metric.Int64Counter
	commitErrors metric.Int64Counter

	// Scheduler metrics.
	runsEnqueued     metric.Int64Counter
	runsRejected     metric.Int64Counter
	retriesScheduled metric.Int64Counter
	runsFinished     metric.Int64Counter
	activeRuns       metric.Int64UpDownCounter
	runDuration      metric.Float64Histogram
}

var (
	_ ExecutorMetrics  = (*Metrics)(nil)
	_ SchedulerMetrics = (*Metrics)(nil)
)

const namespace = "booking"

// NewMetrics creates the booking instruments on the given provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(Metrics)
	var err error

	if m.stepDuration, err = meter.Float64Histogram(
		"automation_step_duration_seconds",
		metric.WithDescription("Time spent in one automation step"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.transitions, err = meter.Int64Counter(
		"session_transitions_total",
		metric.WithDescription("Total number of committed session transitions"),
	); err != nil {
		return nil, err
	}

	if m.commitErrors, err = meter.Int64Counter(
		"session_commit_errors_total",
		metric.WithDescription("Total number of transitions the store refused or failed to commit"),
	); err != nil {
		return nil, err
	}

	if m.runsEnqueued, err = meter.Int64Counter(
		"runs_enqueued_total",
		metric.WithDescription("Total number of booking runs accepted"),
	); err != nil {
		return nil, err
	}

	if m.runsRejected, err = meter.Int64Counter(
		"runs_rejected_total",
		metric.WithDescription("Total number of booking runs rejected before a session was created"),
	); err != nil {
		return nil, err
	}

	if m.retriesScheduled, err = meter.Int64Counter(
		"retries_scheduled_total",
		metric.WithDescription("Total number of retry attempts scheduled"),
	); err != nil {
		return nil, err
	}

	if m.runsFinished, err = meter.Int64Counter(
		"runs_finished_total",
		metric.WithDescription("Total number of sessions that reached a terminal state"),
	); err != nil {
		return nil, err
	}

	if m.activeRuns, err = meter.Int64UpDownCounter(
		"active_runs",
		metric.WithDescription("Number of runs currently executing"),
	); err != nil {
		return nil, err
	}

	if m.runDuration, err = meter.Float64Histogram(
		"run_duration_seconds",
		metric.WithDescription("Wall-clock time of a single executor run"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) ObserveStep(ctx context.Context, state booking.SessionState, kind booking.OutcomeKind, d time.Duration) {
	m.stepDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("state", state.String()),
		attribute.String("outcome", string(kind)),
	))
}

func (m *Metrics) IncTransitions(ctx context.Context, from, to booking.SessionState) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from.String()),
		attribute.String("to", to.String()),
	))
}

func (m *Metrics) IncCommitErrors(ctx context.Context) { m.commitErrors.Add(ctx, 1) }

func (m *Metrics) IncRunsEnqueued(ctx context.Context) { m.runsEnqueued.Add(ctx, 1) }

func (m *Metrics) IncRunsRejected(ctx context.Context, reason string) {
	m.runsRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) IncRetriesScheduled(ctx context.Context) { m.retriesScheduled.Add(ctx, 1) }

func (m *Metrics) IncRunsFinished(ctx context.Context, state booking.SessionState) {
	m.runsFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state.String())))
}

// TrackRun tracks the duration of a run and the number in flight.
func (m *Metrics) TrackRun(ctx context.Context, f func() error) error {
	m.activeRuns.Add(ctx, 1)
	defer m.activeRuns.Add(ctx, -1)

	start := time.Now()
	err := f()
	m.runDuration.Record(ctx, time.Since(start).Seconds())
	return err
}
