package quantize

import "fmt"

// TaskStatus represents the client-side lifecycle state of a quantization
// task. It is deliberately narrower than the set of raw statuses the remote
// service reports; see ServerStatus for those.
type TaskStatus string

const (
	// TaskStatusIdle indicates a task that has not been submitted yet.
	TaskStatusIdle TaskStatus = "idle"

	// TaskStatusPending indicates the service accepted the job and the status
	// channel is opening.
	TaskStatusPending TaskStatus = "pending"

	// TaskStatusProcessing indicates the service reported progress.
	TaskStatusProcessing TaskStatus = "processing"

	// TaskStatusCompleted indicates the job finished successfully.
	TaskStatusCompleted TaskStatus = "completed"

	// TaskStatusError indicates the job failed, timed out, lost its channel,
	// or its result could not be fetched.
	TaskStatusError TaskStatus = "error"

	// TaskStatusCancelled indicates the job was stopped at the user's request.
	TaskStatusCancelled TaskStatus = "cancelled"
)

// String returns the string representation of the TaskStatus.
func (s TaskStatus) String() string { return string(s) }

// IsActive reports whether the task is still waiting on the service.
func (s TaskStatus) IsActive() bool {
	return s == TaskStatusPending || s == TaskStatusProcessing
}

// IsTerminal reports whether the task reached a final outcome.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusError || s == TaskStatusCancelled
}

// validateTransition checks if a status transition is valid and returns an error if not.
func (s TaskStatus) validateTransition(target TaskStatus) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("invalid task status transition from %s to %s", s, target)
	}
	return nil
}

// isValidTransition checks if the current status can transition to the target status.
func (s TaskStatus) isValidTransition(target TaskStatus) bool {
	switch s {
	case TaskStatusIdle:
		return target == TaskStatusPending
	case TaskStatusPending, TaskStatusProcessing:
		// Progress keeps a processing task in processing.
		return target == TaskStatusProcessing ||
			target == TaskStatusCompleted ||
			target == TaskStatusError ||
			target == TaskStatusCancelled
	case TaskStatusCompleted:
		// The single exit from a terminal state: the result fetch failed.
		return target == TaskStatusError
	case TaskStatusError, TaskStatusCancelled:
		return false
	default:
		return false
	}
}
