// Package quantize drives submitted quantization jobs from acceptance to a
// terminal outcome. The Orchestrator owns the live tasks, the
// TimeoutSupervisor fails tasks that run too long, the Coordinator resolves
// user cancellation and the Poller keeps the listing collections fresh.
package quantize

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/starikovyaroslav/quantify/internal/domain/quantize"
	"github.com/starikovyaroslav/quantify/pkg/common/logger"
)

// ErrOrchestratorClosed is returned by Submit after Close.
var ErrOrchestratorClosed = errors.New("orchestrator closed")

// DecodeFunc turns a raw status message into a task event.
type DecodeFunc func(raw []byte) (quantize.Event, error)

// TaskPublisher fans task projections out to every screen.
type TaskPublisher interface {
	PublishTaskUpdate(ctx context.Context, view quantize.TaskView) error
}

// OrchestratorConfig holds the tunables of the Orchestrator.
type OrchestratorConfig struct {
	// TaskTimeout is the ceiling for a task to stay pending or processing.
	TaskTimeout time.Duration
	// Clock defaults to wall time.
	Clock Clock
}

// Orchestrator submits jobs and keeps one live Task per submission. Every
// state change goes through the registry; side effects such as closing the
// channel, disarming the timer, fetching the result and publishing updates
// happen after the registry lock is released.
type Orchestrator struct {
	client   quantize.JobClient
	channels quantize.ChannelOpener
	decode   DecodeFunc
	updates  TaskPublisher
	notifier quantize.Notifier
	metrics  LifecycleMetrics

	clock    Clock
	registry *registry
	timeouts *TimeoutSupervisor

	// ctx scopes channel pumps and result fetches; cancel ends them on Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	tracer trace.Tracer
	logger *logger.Logger
}

// NewOrchestrator creates an Orchestrator. A nil notifier discards
// notifications.
func NewOrchestrator(
	client quantize.JobClient,
	channels quantize.ChannelOpener,
	decode DecodeFunc,
	updates TaskPublisher,
	notifier quantize.Notifier,
	metrics LifecycleMetrics,
	cfg OrchestratorConfig,
	tracer trace.Tracer,
	logger *logger.Logger,
) *Orchestrator {
	logger = logger.With("component", "orchestrator")

	clock := cfg.Clock
	if clock == nil {
		clock = realClock{}
	}
	if notifier == nil {
		notifier = discardNotifier{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		client:   client,
		channels: channels,
		decode:   decode,
		updates:  updates,
		notifier: notifier,
		metrics:  metrics,
		clock:    clock,
		registry: newRegistry(clock.Now),
		ctx:      ctx,
		cancel:   cancel,
		tracer:   tracer,
		logger:   logger,
	}
	o.timeouts = NewTimeoutSupervisor(cfg.TaskTimeout, clock, o.onTimeout, logger)
	return o
}

// Submit uploads payload, registers the accepted job as a pending Task, arms
// its ceiling timer and opens its status channel. A channel that cannot be
// opened fails the task, not the call: the job exists on the service either
// way.
func (o *Orchestrator) Submit(
	ctx context.Context,
	payload quantize.Payload,
	params quantize.SubmitParams,
) (quantize.TaskView, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.submit",
		trace.WithAttributes(
			attribute.String("filename", payload.Filename),
			attribute.Int("size_bytes", len(payload.Data)),
			attribute.Int("width", params.Width),
			attribute.Int("height", params.Height),
			attribute.Int("quality", params.Quality),
		))
	defer span.End()

	if o.isClosed() {
		return quantize.TaskView{}, ErrOrchestratorClosed
	}

	if err := params.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid parameters")
		return quantize.TaskView{}, err
	}

	sub, err := o.client.Submit(ctx, payload, params)
	if err != nil {
		o.metrics.IncSubmitErrors(ctx)
		span.RecordError(err)
		span.SetStatus(codes.Error, "submission failed")
		o.logger.Error(ctx, "submission failed", "filename", payload.Filename, "error", err)
		o.notifier.Notify(ctx, quantize.Notification{
			Level:   quantize.NotifyError,
			Title:   "Submission failed",
			Message: err.Error(),
		})
		return quantize.TaskView{}, err
	}

	id := sub.TaskID
	span.SetAttributes(attribute.String("task_id", id))

	task, _ := quantize.Reduce(quantize.NewTask(params), quantize.SubmittedEvent{
		TaskID:        id,
		Message:       "Task submitted",
		EstimatedTime: sub.EstimatedTime,
	}, o.clock.Now())
	// The timer is armed inside registration so a terminal transition
	// racing this call always finds it to disarm.
	if err := o.registry.add(task, func() { o.timeouts.Arm(id) }); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to register task")
		return quantize.TaskView{}, err
	}

	o.metrics.IncTasksSubmitted(ctx)
	o.metrics.AddActiveTasks(ctx, 1)
	o.publish(ctx, id)
	o.logger.Info(ctx, "task submitted",
		"task_id", id,
		"estimated_time", sub.EstimatedTime.String(),
	)

	ch, err := o.channels.OpenChannel(ctx, id)
	if err != nil {
		span.RecordError(err)
		o.logger.Error(ctx, "failed to open status channel", "task_id", id, "error", err)
		view, _ := o.Apply(ctx, id, quantize.ChannelFailureEvent{
			Reason: "could not open status channel",
			Err:    err,
		})
		return view, nil
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		_ = ch.Close()
		return o.view(id), ErrOrchestratorClosed
	}
	attached := o.registry.attach(id, ch)
	if attached {
		o.wg.Add(1)
	}
	o.mu.Unlock()

	if !attached {
		// A timeout or cancellation won the race with the dial.
		_ = ch.Close()
	} else {
		go o.pump(id, ch)
	}

	span.SetStatus(codes.Ok, "task submitted")
	return o.view(id), nil
}

// Apply runs ev through the state machine for task id and performs whatever
// the outcome requires. It returns the resulting projection; ignored events
// return the unchanged projection.
func (o *Orchestrator) Apply(ctx context.Context, id string, ev quantize.Event) (quantize.TaskView, error) {
	res, err := o.registry.apply(id, ev)
	if err != nil {
		return quantize.TaskView{}, err
	}

	view := res.task.View(false)
	out := res.outcome
	if !out.Changed {
		o.logger.Debug(ctx, "event ignored",
			"task_id", id,
			"event", string(ev.EventType()),
			"status", string(out.From),
		)
		return view, nil
	}

	o.logger.Debug(ctx, "task updated",
		"task_id", id,
		"event", string(ev.EventType()),
		"from", string(out.From),
		"to", string(out.To),
		"progress", view.Progress,
	)

	if out.ProgressRegressed {
		o.metrics.IncProgressRegressions(ctx)
		o.logger.Warn(ctx, "progress regression",
			"task_id", id,
			"previous", out.PreviousProgress,
			"current", view.Progress,
		)
	}

	if out.Terminal {
		o.finish(ctx, id, res)
	}

	if out.From == quantize.TaskStatusCompleted && out.To == quantize.TaskStatusError {
		o.metrics.IncResultUnavailable(ctx)
		o.notifier.Notify(ctx, quantize.Notification{
			Level:   quantize.NotifyError,
			TaskID:  id,
			Title:   "Result unavailable",
			Message: view.ErrorDetail,
		})
	}
	if _, ok := ev.(quantize.ArtifactFetchedEvent); ok {
		o.notifier.Notify(ctx, quantize.Notification{
			Level:   quantize.NotifySuccess,
			TaskID:  id,
			Title:   "Quantization finished",
			Message: "Result is ready",
		})
	}

	o.publish(ctx, id)

	if out.FetchArtifact {
		o.startFetch(id)
	}
	return view, nil
}

// finish runs the side effects of entering a terminal status.
func (o *Orchestrator) finish(ctx context.Context, id string, res applied) {
	o.timeouts.Disarm(id)
	if res.channel != nil {
		if err := res.channel.Close(); err != nil {
			o.logger.Debug(ctx, "status channel close failed", "task_id", id, "error", err)
		}
	}

	status := res.task.Status()
	o.metrics.IncTasksTerminal(ctx, status)
	o.metrics.AddActiveTasks(ctx, -1)
	o.logger.Info(ctx, "task finished", "task_id", id, "status", string(status))

	switch status {
	case quantize.TaskStatusError:
		o.notifier.Notify(ctx, quantize.Notification{
			Level:   quantize.NotifyError,
			TaskID:  id,
			Title:   "Task failed",
			Message: res.task.ErrorDetail(),
		})
	case quantize.TaskStatusCancelled:
		o.notifier.Notify(ctx, quantize.Notification{
			Level:   quantize.NotifyInfo,
			TaskID:  id,
			Title:   "Task cancelled",
			Message: res.task.Message(),
		})
	}
}

// pump feeds decoded channel messages into the state machine until the
// channel ends. A stream that ends while the task is still active fails it.
func (o *Orchestrator) pump(id string, ch quantize.Channel) {
	defer o.wg.Done()

	ctx := o.ctx
	for raw := range ch.Messages() {
		ev, err := o.decode(raw)
		if err != nil {
			o.metrics.IncMalformedMessages(ctx)
			o.logger.Debug(ctx, "dropping malformed status message", "task_id", id, "error", err)
			continue
		}
		if _, err := o.Apply(ctx, id, ev); errors.Is(err, quantize.ErrTaskNotFound) {
			return
		}
	}

	if ctx.Err() != nil {
		return
	}

	cause := ch.Err()
	var reason string
	var chErr *quantize.ChannelError
	if errors.As(cause, &chErr) {
		reason = chErr.Reason
	}
	_, _ = o.Apply(ctx, id, quantize.ChannelFailureEvent{Reason: reason, Err: cause})
}

func (o *Orchestrator) startFetch(id string) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.wg.Add(1)
	o.mu.Unlock()

	go o.fetchArtifact(id)
}

// fetchArtifact retrieves the result of a completed task. Only the
// transition into completed requests it, so it runs once per task.
func (o *Orchestrator) fetchArtifact(id string) {
	defer o.wg.Done()

	ctx, span := o.tracer.Start(o.ctx, "orchestrator.fetch_artifact",
		trace.WithAttributes(attribute.String("task_id", id)))
	defer span.End()

	start := time.Now()
	text, err := o.client.FetchArtifact(ctx, id)
	o.metrics.ObserveArtifactFetch(ctx, time.Since(start), err)
	if err != nil {
		if o.ctx.Err() != nil {
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fetch result")
		o.logger.Error(ctx, "failed to fetch result", "task_id", id, "error", err)
		_, _ = o.Apply(ctx, id, quantize.ArtifactFetchFailedEvent{Err: err})
		return
	}

	span.SetAttributes(attribute.Int("artifact_bytes", len(text)))
	span.SetStatus(codes.Ok, "result fetched")
	_, _ = o.Apply(ctx, id, quantize.ArtifactFetchedEvent{Artifact: text})
}

func (o *Orchestrator) onTimeout(id string, after time.Duration) {
	_, _ = o.Apply(o.ctx, id, quantize.TimeoutEvent{After: after})
}

// publish sends the newest projection of id to the update bus. A caller
// that lost a race with a later transition publishes nothing, so subscribers
// never see a task move backwards. Handlers must not call back into the
// Orchestrator for the same task.
func (o *Orchestrator) publish(ctx context.Context, id string) {
	if o.updates == nil {
		return
	}
	o.registry.publishLatest(id, func(t quantize.Task) {
		if err := o.updates.PublishTaskUpdate(ctx, t.View(false)); err != nil {
			o.logger.Warn(ctx, "failed to publish task update", "task_id", id, "error", err)
		}
	})
}

// Task returns the projection of a live task, including its result.
func (o *Orchestrator) Task(id string) (quantize.TaskView, bool) {
	t, ok := o.registry.get(id)
	if !ok {
		return quantize.TaskView{}, false
	}
	return t.View(true), true
}

// Tasks returns every live task in submission order, without results.
func (o *Orchestrator) Tasks() []quantize.TaskView {
	tasks := o.registry.list()
	views := make([]quantize.TaskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, t.View(false))
	}
	return views
}

// WaitSettled blocks until task id is terminal with no result fetch
// outstanding, or ctx is done.
func (o *Orchestrator) WaitSettled(ctx context.Context, id string) (quantize.TaskView, error) {
	settled, ok := o.registry.settledCh(id)
	if !ok {
		return quantize.TaskView{}, quantize.ErrTaskNotFound
	}

	select {
	case <-settled:
		view, _ := o.Task(id)
		return view, nil
	case <-ctx.Done():
		return o.view(id), ctx.Err()
	}
}

// Remove forgets a task that is no longer active.
func (o *Orchestrator) Remove(ctx context.Context, id string) error {
	t, ok := o.registry.get(id)
	if !ok {
		return quantize.ErrTaskNotFound
	}
	if t.Status().IsActive() {
		return quantize.ErrTaskActive
	}

	ch, ok := o.registry.remove(id)
	if !ok {
		return quantize.ErrTaskNotFound
	}
	o.timeouts.Disarm(id)
	if ch != nil {
		_ = ch.Close()
	}
	o.logger.Debug(ctx, "task removed", "task_id", id)
	return nil
}

// Close stops every timer, closes every channel and waits for the channel
// pumps and result fetches to return. Tasks keep their last state.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	o.timeouts.Stop()
	o.cancel()

	var errs []error
	for _, ch := range o.registry.detachAll() {
		if err := ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	o.wg.Wait()
	return errors.Join(errs...)
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *Orchestrator) view(id string) quantize.TaskView {
	t, _ := o.registry.get(id)
	return t.View(false)
}

type discardNotifier struct{}

func (discardNotifier) Notify(context.Context, quantize.Notification) {}
