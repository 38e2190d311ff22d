package quantize

import "time"

// EventType identifies an Event for logging and metrics.
type EventType string

const (
	EventTypeSubmitted           EventType = "submitted"
	EventTypeProgress            EventType = "progress"
	EventTypeTerminal            EventType = "terminal"
	EventTypeChannelFailure      EventType = "channel_failure"
	EventTypeTimeout             EventType = "timeout"
	EventTypeCancelConfirmed     EventType = "cancel_confirmed"
	EventTypeArtifactFetched     EventType = "artifact_fetched"
	EventTypeArtifactFetchFailed EventType = "artifact_fetch_failed"
)

// Event is the closed set of inputs the task reducer accepts. Decoded channel
// messages, timer firings, cancel confirmations and result fetches all
// arrive as one of the types below.
type Event interface {
	EventType() EventType
	isTaskEvent()
}

// SubmittedEvent records the service accepting a job.
type SubmittedEvent struct {
	TaskID        string
	Message       string
	EstimatedTime time.Duration
}

// ProgressEvent carries an intermediate status update. Progress is already
// clamped to 0..100.
type ProgressEvent struct {
	Progress int
	Message  string
}

// TerminalOutcome is the final status the service reported.
type TerminalOutcome string

const (
	OutcomeCompleted TerminalOutcome = "completed"
	OutcomeError     TerminalOutcome = "error"
	OutcomeCancelled TerminalOutcome = "cancelled"
)

// TerminalEvent carries the service's final word on a job.
type TerminalEvent struct {
	Outcome TerminalOutcome
	Message string
	Detail  string
}

// ChannelFailureEvent reports the status channel failing, either through an
// error message from the service or an unexpected close.
type ChannelFailureEvent struct {
	Reason string
	Err    error
}

// TimeoutEvent is dispatched when a task's ceiling timer fires.
type TimeoutEvent struct {
	After time.Duration
}

// CancelConfirmedEvent is applied after the service acknowledged a cancel.
type CancelConfirmedEvent struct{}

// ArtifactFetchedEvent delivers the result text of a completed task.
type ArtifactFetchedEvent struct {
	Artifact string
}

// ArtifactFetchFailedEvent reports that the result of a completed task could
// not be retrieved.
type ArtifactFetchFailedEvent struct {
	Err error
}

func (SubmittedEvent) EventType() EventType           { return EventTypeSubmitted }
func (ProgressEvent) EventType() EventType            { return EventTypeProgress }
func (TerminalEvent) EventType() EventType            { return EventTypeTerminal }
func (ChannelFailureEvent) EventType() EventType      { return EventTypeChannelFailure }
func (TimeoutEvent) EventType() EventType             { return EventTypeTimeout }
func (CancelConfirmedEvent) EventType() EventType     { return EventTypeCancelConfirmed }
func (ArtifactFetchedEvent) EventType() EventType     { return EventTypeArtifactFetched }
func (ArtifactFetchFailedEvent) EventType() EventType { return EventTypeArtifactFetchFailed }

func (SubmittedEvent) isTaskEvent()           {}
func (ProgressEvent) isTaskEvent()            {}
func (TerminalEvent) isTaskEvent()            {}
func (ChannelFailureEvent) isTaskEvent()      {}
func (TimeoutEvent) isTaskEvent()             {}
func (CancelConfirmedEvent) isTaskEvent()     {}
func (ArtifactFetchedEvent) isTaskEvent()     {}
func (ArtifactFetchFailedEvent) isTaskEvent() {}
