// Package memory provides an in-process update bus that fans task
// projections, list snapshots and notifications out to every screen.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/starikovyaroslav/quantify/internal/domain/quantize"
)

type handlerEntry[T any] struct {
	id      uint64
	handler func(context.Context, T) error
}

type handlerList[T any] []handlerEntry[T]

// Broker is a synchronous publish/subscribe hub. Handlers run on the
// publisher's goroutine, so they must be quick and must not call back into
// the publisher.
type Broker struct {
	mu     sync.RWMutex
	nextID uint64

	taskHandlers         handlerList[quantize.TaskView]
	listHandlers         handlerList[quantize.ListSnapshot]
	notificationHandlers handlerList[quantize.Notification]
}

// NewBroker creates an empty broker.
func NewBroker() *Broker { return new(Broker) }

// subscribe registers handler until ctx is done.
func subscribe[T any](ctx context.Context, b *Broker, handlers *handlerList[T], handler func(context.Context, T) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	*handlers = append(*handlers, handlerEntry[T]{id: id, handler: handler})
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		// Removal by id; indexes shift as other subscribers leave.
		kept := make(handlerList[T], 0, len(*handlers))
		for _, e := range *handlers {
			if e.id != id {
				kept = append(kept, e)
			}
		}
		*handlers = kept
	}()

	return nil
}

// publish delivers msg to every handler. A failing handler does not stop
// delivery to the rest; all failures are joined into the result.
func publish[T any](ctx context.Context, b *Broker, handlers *handlerList[T], msg T) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	// Create a copy of handlers to avoid holding the lock while executing them.
	handlersCopy := make(handlerList[T], len(*handlers))
	copy(handlersCopy, *handlers)
	b.mu.RUnlock()

	var errs []error
	for _, e := range handlersCopy {
		if err := e.handler(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PublishTaskUpdate broadcasts a task projection.
func (b *Broker) PublishTaskUpdate(ctx context.Context, view quantize.TaskView) error {
	return publish(ctx, b, &b.taskHandlers, view)
}

// SubscribeTaskUpdates registers a handler for task projections.
func (b *Broker) SubscribeTaskUpdates(ctx context.Context, handler func(context.Context, quantize.TaskView) error) error {
	return subscribe(ctx, b, &b.taskHandlers, handler)
}

// PublishListSnapshot broadcasts a refreshed collection.
func (b *Broker) PublishListSnapshot(ctx context.Context, snap quantize.ListSnapshot) error {
	return publish(ctx, b, &b.listHandlers, snap)
}

// SubscribeListSnapshots registers a handler for refreshed collections.
func (b *Broker) SubscribeListSnapshots(ctx context.Context, handler func(context.Context, quantize.ListSnapshot) error) error {
	return subscribe(ctx, b, &b.listHandlers, handler)
}

// PublishNotification broadcasts a user notification.
func (b *Broker) PublishNotification(ctx context.Context, n quantize.Notification) error {
	return publish(ctx, b, &b.notificationHandlers, n)
}

// SubscribeNotifications registers a handler for user notifications.
func (b *Broker) SubscribeNotifications(ctx context.Context, handler func(context.Context, quantize.Notification) error) error {
	return subscribe(ctx, b, &b.notificationHandlers, handler)
}

// subscriberCount is used by tests.
func (b *Broker) subscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.taskHandlers) + len(b.listHandlers) + len(b.notificationHandlers)
}
