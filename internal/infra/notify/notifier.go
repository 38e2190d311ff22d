// Package notify delivers user-facing notifications by logging them and
// broadcasting them on the update bus.
package notify

import (
	"context"

	"github.com/starikovyaroslav/quantify/internal/domain/quantize"
	"github.com/starikovyaroslav/quantify/pkg/common/logger"
)

// Publisher broadcasts notifications to subscribed screens.
type Publisher interface {
	PublishNotification(ctx context.Context, n quantize.Notification) error
}

var _ quantize.Notifier = (*Notifier)(nil)

// Notifier implements quantize.Notifier. It never blocks on delivery and
// never returns errors to the caller.
type Notifier struct {
	publisher Publisher
	logger    *logger.Logger
}

// New creates a Notifier. publisher may be nil, in which case notifications
// are only logged.
func New(publisher Publisher, logger *logger.Logger) *Notifier {
	return &Notifier{publisher: publisher, logger: logger.With("component", "notifier")}
}

// Notify records n and hands it to the bus.
func (n *Notifier) Notify(ctx context.Context, note quantize.Notification) {
	args := []any{"severity", string(note.Level), "title", note.Title}
	if note.TaskID != "" {
		args = append(args, "task_id", note.TaskID)
	}
	if note.Message != "" {
		args = append(args, "message", note.Message)
	}

	switch note.Level {
	case quantize.NotifyError:
		n.logger.Warn(ctx, "notification", args...)
	default:
		n.logger.Info(ctx, "notification", args...)
	}

	if n.publisher == nil {
		return
	}
	// Delivery must not depend on the caller's request outliving the call.
	if err := n.publisher.PublishNotification(context.WithoutCancel(ctx), note); err != nil {
		n.logger.Debug(ctx, "failed to publish notification", "error", err)
	}
}
