package quantize

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/starikovyaroslav/quantify/internal/domain/quantize"
)

// LifecycleMetrics defines metrics operations needed by the orchestrator,
// the cancellation coordinator and the poller.
type LifecycleMetrics interface {
	// Submission metrics.
	IncTasksSubmitted(ctx context.Context)
	IncSubmitErrors(ctx context.Context)

	// Lifecycle metrics.
	IncTasksTerminal(ctx context.Context, status quantize.TaskStatus)
	// IncResultUnavailable records a completed task demoted to error because
	// its artifact could not be fetched.
	IncResultUnavailable(ctx context.Context)
	AddActiveTasks(ctx context.Context, delta int64)
	IncProgressRegressions(ctx context.Context)
	IncMalformedMessages(ctx context.Context)

	// Artifact metrics.
	ObserveArtifactFetch(ctx context.Context, duration time.Duration, err error)

	// Cancellation metrics.
	IncCancellations(ctx context.Context, action Action)
	IncCancellationErrors(ctx context.Context)

	// Poller metrics.
	IncPollFailures(ctx context.Context, kind quantize.ListKind)
}

// lifecycleMetrics implements LifecycleMetrics on an otel meter.
type lifecycleMetrics struct {
	tasksSubmitted      metric.Int64Counter
	submitErrors        metric.Int64Counter
	tasksTerminal       metric.Int64Counter
	activeTasks         metric.Int64UpDownCounter
	progressRegressions metric.Int64Counter
	malformedMessages   metric.Int64Counter

	artifactFetchTime   metric.Float64Histogram
	artifactFetchErrors metric.Int64Counter

	cancellations      metric.Int64Counter
	cancellationErrors metric.Int64Counter

	pollFailures metric.Int64Counter
}

const namespace = "quantify"

// NewLifecycleMetrics creates a new lifecycle metrics instance.
func NewLifecycleMetrics(mp metric.MeterProvider) (*lifecycleMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(lifecycleMetrics)
	var err error

	if m.tasksSubmitted, err = meter.Int64Counter(
		"tasks_submitted_total",
		metric.WithDescription("Total number of jobs accepted by the service"),
	); err != nil {
		return nil, err
	}

	if m.submitErrors, err = meter.Int64Counter(
		"submit_errors_total",
		metric.WithDescription("Total number of submissions the service never accepted"),
	); err != nil {
		return nil, err
	}

	if m.tasksTerminal, err = meter.Int64Counter(
		"tasks_terminal_total",
		metric.WithDescription("Total number of tasks that reached a terminal status"),
	); err != nil {
		return nil, err
	}

	if m.activeTasks, err = meter.Int64UpDownCounter(
		"active_tasks",
		metric.WithDescription("Number of tasks currently pending or processing"),
	); err != nil {
		return nil, err
	}

	if m.progressRegressions, err = meter.Int64Counter(
		"progress_regressions_total",
		metric.WithDescription("Total number of progress updates lower than the previous value"),
	); err != nil {
		return nil, err
	}

	if m.malformedMessages, err = meter.Int64Counter(
		"malformed_messages_total",
		metric.WithDescription("Total number of status messages dropped by the decoder"),
	); err != nil {
		return nil, err
	}

	if m.artifactFetchTime, err = meter.Float64Histogram(
		"artifact_fetch_duration_seconds",
		metric.WithDescription("Time taken to retrieve the result of a completed task"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.artifactFetchErrors, err = meter.Int64Counter(
		"artifact_fetch_errors_total",
		metric.WithDescription("Total number of failed result fetches"),
	); err != nil {
		return nil, err
	}

	if m.cancellations, err = meter.Int64Counter(
		"cancellations_total",
		metric.WithDescription("Total number of cancel or delete requests acknowledged by the service"),
	); err != nil {
		return nil, err
	}

	if m.cancellationErrors, err = meter.Int64Counter(
		"cancellation_errors_total",
		metric.WithDescription("Total number of failed cancel or delete requests"),
	); err != nil {
		return nil, err
	}

	if m.pollFailures, err = meter.Int64Counter(
		"poll_failures_total",
		metric.WithDescription("Total number of failed list refreshes"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *lifecycleMetrics) IncTasksSubmitted(ctx context.Context) { m.tasksSubmitted.Add(ctx, 1) }

func (m *lifecycleMetrics) IncSubmitErrors(ctx context.Context) { m.submitErrors.Add(ctx, 1) }

func (m *lifecycleMetrics) IncTasksTerminal(ctx context.Context, status quantize.TaskStatus) {
	m.tasksTerminal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
}

func (m *lifecycleMetrics) IncResultUnavailable(ctx context.Context) {
	m.tasksTerminal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(quantize.TaskStatusError)),
		attribute.String("reason", "result_unavailable"),
	))
}

func (m *lifecycleMetrics) AddActiveTasks(ctx context.Context, delta int64) {
	m.activeTasks.Add(ctx, delta)
}

func (m *lifecycleMetrics) IncProgressRegressions(ctx context.Context) {
	m.progressRegressions.Add(ctx, 1)
}

func (m *lifecycleMetrics) IncMalformedMessages(ctx context.Context) { m.malformedMessages.Add(ctx, 1) }

func (m *lifecycleMetrics) ObserveArtifactFetch(ctx context.Context, duration time.Duration, err error) {
	m.artifactFetchTime.Record(ctx, duration.Seconds())
	if err != nil {
		m.artifactFetchErrors.Add(ctx, 1)
	}
}

func (m *lifecycleMetrics) IncCancellations(ctx context.Context, action Action) {
	m.cancellations.Add(ctx, 1, metric.WithAttributes(attribute.String("action", string(action))))
}

func (m *lifecycleMetrics) IncCancellationErrors(ctx context.Context) {
	m.cancellationErrors.Add(ctx, 1)
}

func (m *lifecycleMetrics) IncPollFailures(ctx context.Context, kind quantize.ListKind) {
	m.pollFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("list", string(kind))))
}
