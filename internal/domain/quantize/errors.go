package quantize

import (
	"errors"
	"fmt"
	"time"
)

// Sentinels for matching with errors.Is. Each typed error below reports
// itself as its sentinel.
var (
	ErrSubmission     = errors.New("submission failed")
	ErrChannel        = errors.New("status channel failed")
	ErrServerReported = errors.New("service reported failure")
	ErrTimeout        = errors.New("task timed out")
	ErrFetch          = errors.New("result fetch failed")
	ErrTransport      = errors.New("transport call failed")

	// ErrMalformedMessage is returned by the decoder for payloads that do not
	// follow the status protocol.
	ErrMalformedMessage = errors.New("malformed status message")

	ErrTaskNotFound     = errors.New("task not found")
	ErrAlreadyCancelled = errors.New("task is already cancelled")
	ErrTaskActive       = errors.New("task is still active")
	ErrNoActiveTasks    = errors.New("no active tasks")
	ErrInvalidParams    = errors.New("invalid submit parameters")
)

// SubmissionError reports a job the service never accepted.
type SubmissionError struct {
	Reason string
	Err    error
}

func (e *SubmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("submission failed: %s: %v", e.Reason, e.Err)
	}
	return "submission failed: " + e.Reason
}

func (e *SubmissionError) Unwrap() error        { return e.Err }
func (e *SubmissionError) Is(target error) bool { return target == ErrSubmission }

// ChannelError reports a status channel that could not be opened or closed
// before the task reached a terminal status.
type ChannelError struct {
	TaskID string
	Reason string
	Err    error
}

func (e *ChannelError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("status channel for task %s failed: %s: %v", e.TaskID, e.Reason, e.Err)
	}
	return fmt.Sprintf("status channel for task %s failed: %s", e.TaskID, e.Reason)
}

func (e *ChannelError) Unwrap() error        { return e.Err }
func (e *ChannelError) Is(target error) bool { return target == ErrChannel }

// ServerReportedError carries the failure text the service sent for a task.
type ServerReportedError struct {
	TaskID string
	Detail string
}

func (e *ServerReportedError) Error() string {
	return fmt.Sprintf("task %s failed: %s", e.TaskID, e.Detail)
}

func (e *ServerReportedError) Is(target error) bool { return target == ErrServerReported }

// TimeoutError reports a task that stayed active past its ceiling.
type TimeoutError struct {
	TaskID string
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task %s timed out after %s", e.TaskID, e.After)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// FetchError reports a completed task whose result could not be retrieved.
// StatusCode is zero when no response arrived.
type FetchError struct {
	TaskID     string
	StatusCode int
	Reason     string
	Err        error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetching result of task %s: %s", e.TaskID, e.Reason)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *FetchError) Unwrap() error        { return e.Err }
func (e *FetchError) Is(target error) bool { return target == ErrFetch }

// TransportError reports a failed request/response call. Detail holds the
// service's own explanation when one was returned.
type TransportError struct {
	Op         string
	StatusCode int
	Detail     string
	Err        error
}

func (e *TransportError) Error() string {
	msg := e.Op + " failed"
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s with status %d", msg, e.StatusCode)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *TransportError) Unwrap() error        { return e.Err }
func (e *TransportError) Is(target error) bool { return target == ErrTransport }
