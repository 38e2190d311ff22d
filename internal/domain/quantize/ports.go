package quantize

import (
	"context"
	"time"
)

// Submission is the service's acknowledgement of a new job.
type Submission struct {
	TaskID        string
	Status        ServerStatus
	EstimatedTime time.Duration
}

// CancelAllResult reports what a bulk cancel stopped.
type CancelAllResult struct {
	CancelledCount int
	CancelledIDs   []string
}

// JobClient is the request/response side of the remote service. Every method
// fails with a *TransportError unless documented otherwise and is never
// retried by the implementation.
type JobClient interface {
	// Submit uploads an image; failures are *SubmissionError.
	Submit(ctx context.Context, payload Payload, params SubmitParams) (Submission, error)
	// FetchArtifact returns the result text of a completed job; failures
	// are *FetchError.
	FetchArtifact(ctx context.Context, id string) (string, error)
	Cancel(ctx context.Context, id string) error
	CancelAll(ctx context.Context) (CancelAllResult, error)
	DeleteCompleted(ctx context.Context, id string) error
	ListHistory(ctx context.Context, limit int) ([]ListItem, error)
	ListGallery(ctx context.Context, limit int) ([]ListItem, error)
	ListActive(ctx context.Context) ([]ListItem, error)
}

// Channel is a live, one-way stream of raw status messages for a single task.
// Messages is closed when the stream ends; Err then reports why, and is nil
// after a local Close. Close is idempotent.
type Channel interface {
	Messages() <-chan []byte
	Err() error
	Close() error
}

// ChannelOpener opens the status channel for a task. Failures are
// *ChannelError.
type ChannelOpener interface {
	OpenChannel(ctx context.Context, id string) (Channel, error)
}

// NotificationLevel grades a user-facing notification.
type NotificationLevel string

const (
	NotifyInfo    NotificationLevel = "info"
	NotifySuccess NotificationLevel = "success"
	NotifyError   NotificationLevel = "error"
)

// Notification is a fire-and-forget message for the user.
type Notification struct {
	Level   NotificationLevel
	TaskID  string
	Title   string
	Message string
}

// Notifier delivers notifications. Implementations must not block.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}
