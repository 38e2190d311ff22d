package quantize

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/starikovyaroslav/quantify/internal/domain/quantize"
	"github.com/starikovyaroslav/quantify/pkg/common/logger"
)

// Action is what a cancel request turned into.
type Action string

const (
	// ActionCancelled means the running job was stopped.
	ActionCancelled Action = "cancelled"
	// ActionDeleted means the finished job and its result were removed.
	ActionDeleted Action = "deleted"
)

// LiveTasks is the view of the Orchestrator the Coordinator works against.
type LiveTasks interface {
	Task(id string) (quantize.TaskView, bool)
	Tasks() []quantize.TaskView
	Apply(ctx context.Context, id string, ev quantize.Event) (quantize.TaskView, error)
	Remove(ctx context.Context, id string) error
}

// ListCache is the view of the Poller the Coordinator works against.
type ListCache interface {
	Find(id string) (quantize.ListItem, bool)
	Active() []quantize.ListItem
	Drop(ctx context.Context, id string)
	RefreshHistory(ctx context.Context) error
	RefreshActive(ctx context.Context)
}

// Coordinator resolves user cancellation. Depending on the task's status a
// cancel request either stops a running job or deletes a finished one; it
// never issues both calls.
type Coordinator struct {
	client   quantize.JobClient
	tasks    LiveTasks
	lists    ListCache
	notifier quantize.Notifier
	metrics  LifecycleMetrics

	tracer trace.Tracer
	logger *logger.Logger
}

// NewCoordinator creates a Coordinator. A nil notifier discards
// notifications.
func NewCoordinator(
	client quantize.JobClient,
	tasks LiveTasks,
	lists ListCache,
	notifier quantize.Notifier,
	metrics LifecycleMetrics,
	tracer trace.Tracer,
	logger *logger.Logger,
) *Coordinator {
	if notifier == nil {
		notifier = discardNotifier{}
	}
	return &Coordinator{
		client:   client,
		tasks:    tasks,
		lists:    lists,
		notifier: notifier,
		metrics:  metrics,
		tracer:   tracer,
		logger:   logger.With("component", "cancellation_coordinator"),
	}
}

// statusOf prefers the live task over the last polled snapshot.
func (c *Coordinator) statusOf(id string) (quantize.TaskStatus, bool, error) {
	if v, ok := c.tasks.Task(id); ok {
		return v.Status, true, nil
	}
	item, ok := c.lists.Find(id)
	if !ok {
		return "", false, fmt.Errorf("task %s: %w", id, quantize.ErrTaskNotFound)
	}
	status, ok := item.Status.TaskStatus()
	if !ok {
		return "", false, fmt.Errorf("task %s has status %q: %w", id, item.Status, quantize.ErrTaskNotFound)
	}
	return status, false, nil
}

// CancelTask stops an active job or deletes a finished one.
func (c *Coordinator) CancelTask(ctx context.Context, id string) (Action, error) {
	ctx, span := c.tracer.Start(ctx, "cancellation_coordinator.cancel_task",
		trace.WithAttributes(attribute.String("task_id", id)))
	defer span.End()

	status, live, err := c.statusOf(id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "unknown task")
		return "", err
	}
	span.SetAttributes(attribute.String("status", string(status)), attribute.Bool("live", live))

	switch {
	case status.IsActive():
		if err := c.client.Cancel(ctx, id); err != nil {
			c.fail(ctx, span, id, "Cancel failed", err)
			return "", err
		}
		if live {
			if _, err := c.tasks.Apply(ctx, id, quantize.CancelConfirmedEvent{}); err != nil &&
				!errors.Is(err, quantize.ErrTaskNotFound) {
				c.logger.Warn(ctx, "failed to apply cancel confirmation", "task_id", id, "error", err)
			}
		}
		c.metrics.IncCancellations(ctx, ActionCancelled)
		c.logger.Info(ctx, "task cancelled", "task_id", id)
		c.refreshLists(ctx)
		span.SetStatus(codes.Ok, "task cancelled")
		return ActionCancelled, nil

	case status == quantize.TaskStatusCancelled:
		err := fmt.Errorf("task %s: %w", id, quantize.ErrAlreadyCancelled)
		span.RecordError(err)
		span.SetStatus(codes.Error, "already cancelled")
		return "", err

	case status == quantize.TaskStatusCompleted || status == quantize.TaskStatusError:
		if err := c.delete(ctx, span, id, live); err != nil {
			return "", err
		}
		return ActionDeleted, nil

	default:
		err := fmt.Errorf("task %s has status %s: %w", id, status, quantize.ErrTaskNotFound)
		span.RecordError(err)
		return "", err
	}
}

// DeleteTask removes a finished job. Active jobs are rejected.
func (c *Coordinator) DeleteTask(ctx context.Context, id string) error {
	ctx, span := c.tracer.Start(ctx, "cancellation_coordinator.delete_task",
		trace.WithAttributes(attribute.String("task_id", id)))
	defer span.End()

	status, live, err := c.statusOf(id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "unknown task")
		return err
	}
	if status.IsActive() {
		err := fmt.Errorf("task %s is %s: %w", id, status, quantize.ErrTaskActive)
		span.RecordError(err)
		span.SetStatus(codes.Error, "task active")
		return err
	}
	return c.delete(ctx, span, id, live)
}

func (c *Coordinator) delete(ctx context.Context, span trace.Span, id string, live bool) error {
	if err := c.client.DeleteCompleted(ctx, id); err != nil {
		c.fail(ctx, span, id, "Delete failed", err)
		return err
	}

	if live {
		if err := c.tasks.Remove(ctx, id); err != nil && !errors.Is(err, quantize.ErrTaskNotFound) {
			c.logger.Warn(ctx, "failed to remove deleted task", "task_id", id, "error", err)
		}
	}
	c.lists.Drop(ctx, id)

	c.metrics.IncCancellations(ctx, ActionDeleted)
	c.logger.Info(ctx, "task deleted", "task_id", id)
	span.SetStatus(codes.Ok, "task deleted")
	return nil
}

// CancelAll stops every active job the client knows about, from the last
// active snapshot and the live tasks. It returns the number of jobs the
// service reported cancelled.
func (c *Coordinator) CancelAll(ctx context.Context) (int, error) {
	ctx, span := c.tracer.Start(ctx, "cancellation_coordinator.cancel_all")
	defer span.End()

	active := c.activeIDs()
	span.SetAttributes(attribute.Int("known_active", len(active)))
	if len(active) == 0 {
		span.SetStatus(codes.Error, "no active tasks")
		return 0, quantize.ErrNoActiveTasks
	}

	res, err := c.client.CancelAll(ctx)
	if err != nil {
		c.fail(ctx, span, "", "Cancel all failed", err)
		return 0, err
	}

	for _, id := range res.CancelledIDs {
		if _, ok := c.tasks.Task(id); !ok {
			continue
		}
		if _, err := c.tasks.Apply(ctx, id, quantize.CancelConfirmedEvent{}); err != nil &&
			!errors.Is(err, quantize.ErrTaskNotFound) {
			c.logger.Warn(ctx, "failed to apply cancel confirmation", "task_id", id, "error", err)
		}
	}

	c.metrics.IncCancellations(ctx, ActionCancelled)
	c.logger.Info(ctx, "bulk cancel finished",
		"known_active", len(active),
		"cancelled_count", res.CancelledCount,
	)
	c.notifier.Notify(ctx, quantize.Notification{
		Level:   quantize.NotifySuccess,
		Title:   "Tasks cancelled",
		Message: fmt.Sprintf("Cancelled %d task(s)", res.CancelledCount),
	})

	if err := c.refreshLists(ctx); err != nil {
		span.RecordError(err)
	}

	span.SetAttributes(attribute.Int("cancelled_count", res.CancelledCount))
	span.SetStatus(codes.Ok, "bulk cancel finished")
	return res.CancelledCount, nil
}

// activeIDs is the union of the polled active list and the live active
// tasks.
func (c *Coordinator) activeIDs() []string {
	seen := make(map[string]struct{})
	var ids []string
	add := func(id string) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	for _, item := range c.lists.Active() {
		if item.IsActive() {
			add(item.ID)
		}
	}
	for _, v := range c.tasks.Tasks() {
		if v.Status.IsActive() {
			add(v.ID)
		}
	}
	return ids
}

// refreshLists reloads history and active lists concurrently. Errors are
// logged; the triggering action already succeeded.
func (c *Coordinator) refreshLists(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.lists.RefreshHistory(gctx) })
	g.Go(func() error {
		c.lists.RefreshActive(gctx)
		return nil
	})

	err := g.Wait()
	if err != nil {
		c.logger.Warn(ctx, "list refresh after cancellation failed", "error", err)
	}
	return err
}

func (c *Coordinator) fail(ctx context.Context, span trace.Span, id, title string, err error) {
	c.metrics.IncCancellationErrors(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, title)
	c.logger.Error(ctx, title, "task_id", id, "error", err)
	c.notifier.Notify(ctx, quantize.Notification{
		Level:   quantize.NotifyError,
		TaskID:  id,
		Title:   title,
		Message: err.Error(),
	})
}
