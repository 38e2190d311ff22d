package quantize

import (
	"errors"
	"time"
)

// Task is the live, in-memory record of one submitted job. It is a value
// type: Reduce returns an updated copy and never mutates its input.
type Task struct {
	id       string
	status   TaskStatus
	params   SubmitParams
	progress int
	message  string

	errorDetail string
	failure     error

	artifact        string
	hasArtifact     bool
	artifactPending bool

	estimatedTime time.Duration
	submittedAt   time.Time
	updatedAt     time.Time
	finishedAt    time.Time
}

// NewTask creates an idle task for the given parameters.
func NewTask(params SubmitParams) Task {
	return Task{status: TaskStatusIdle, params: params}
}

// ReconstructTask rebuilds a task in an arbitrary state. It exists for tests
// and for callers restoring a snapshot; live tasks only change through Reduce.
func ReconstructTask(id string, status TaskStatus, progress int, message string, params SubmitParams) Task {
	return Task{id: id, status: status, progress: progress, message: message, params: params}
}

func (t Task) ID() string                   { return t.id }
func (t Task) Status() TaskStatus           { return t.status }
func (t Task) Params() SubmitParams         { return t.params }
func (t Task) Progress() int                { return t.progress }
func (t Task) Message() string              { return t.message }
func (t Task) ErrorDetail() string          { return t.errorDetail }
func (t Task) Failure() error               { return t.failure }
func (t Task) HasArtifact() bool            { return t.hasArtifact }
func (t Task) ArtifactPending() bool        { return t.artifactPending }
func (t Task) EstimatedTime() time.Duration { return t.estimatedTime }
func (t Task) SubmittedAt() time.Time       { return t.submittedAt }
func (t Task) UpdatedAt() time.Time         { return t.updatedAt }
func (t Task) FinishedAt() time.Time        { return t.finishedAt }

// Artifact returns the fetched result text and whether it is present.
func (t Task) Artifact() (string, bool) { return t.artifact, t.hasArtifact }

// Outcome tells the caller of Reduce what happened and which side effects the
// new state requires.
type Outcome struct {
	// Changed is false when the event was ignored.
	Changed bool
	From    TaskStatus
	To      TaskStatus

	// Terminal is set on the transition into a terminal status. The caller
	// closes the channel and disarms the timeout.
	Terminal bool

	// FetchArtifact is set only on the transition into completed.
	FetchArtifact bool

	// ProgressRegressed is set when a progress update lowered the value.
	ProgressRegressed bool
	PreviousProgress  int
}

// Reduce applies ev to t and returns the resulting task. Events that do not
// apply to the current status leave the task untouched with
// Outcome.Changed == false. Once terminal, a task only accepts the result of
// its pending artifact fetch.
func Reduce(t Task, ev Event, now time.Time) (Task, Outcome) {
	out := Outcome{From: t.status, To: t.status, PreviousProgress: t.progress}
	next := t

	switch e := ev.(type) {
	case SubmittedEvent:
		if !next.transition(TaskStatusPending) {
			return t, out
		}
		next.id = e.TaskID
		next.message = e.Message
		next.estimatedTime = e.EstimatedTime
		next.submittedAt = now

	case ProgressEvent:
		if !t.status.IsActive() || !next.transition(TaskStatusProcessing) {
			return t, out
		}
		if e.Progress < t.progress {
			out.ProgressRegressed = true
		}
		next.progress = e.Progress
		next.message = e.Message

	case TerminalEvent:
		if !t.status.IsActive() {
			return t, out
		}
		switch e.Outcome {
		case OutcomeCompleted:
			next.transition(TaskStatusCompleted)
			next.progress = 100
			next.artifactPending = true
			out.FetchArtifact = true
		case OutcomeError:
			next.transition(TaskStatusError)
			next.fail(e.Detail, &ServerReportedError{TaskID: t.id, Detail: e.Detail})
		case OutcomeCancelled:
			next.transition(TaskStatusCancelled)
		default:
			return t, out
		}
		if e.Message != "" {
			next.message = e.Message
		}

	case ChannelFailureEvent:
		if !t.status.IsActive() || !next.transition(TaskStatusError) {
			return t, out
		}
		reason := e.Reason
		if reason == "" {
			reason = "status channel closed unexpectedly"
		}
		next.fail(reason, &ChannelError{TaskID: t.id, Reason: reason, Err: e.Err})

	case TimeoutEvent:
		if !t.status.IsActive() || !next.transition(TaskStatusError) {
			return t, out
		}
		next.fail("Processing timeout", &TimeoutError{TaskID: t.id, After: e.After})

	case CancelConfirmedEvent:
		if !t.status.IsActive() || !next.transition(TaskStatusCancelled) {
			return t, out
		}
		next.message = "Task cancelled"

	case ArtifactFetchedEvent:
		if t.status != TaskStatusCompleted || !t.artifactPending {
			return t, out
		}
		next.artifact = e.Artifact
		next.hasArtifact = true
		next.artifactPending = false

	case ArtifactFetchFailedEvent:
		if t.status != TaskStatusCompleted || !t.artifactPending || !next.transition(TaskStatusError) {
			return t, out
		}
		next.artifactPending = false
		var fe *FetchError
		if !errors.As(e.Err, &fe) {
			fe = &FetchError{TaskID: t.id, Reason: "request failed", Err: e.Err}
		}
		next.fail("Failed to fetch result: "+fe.Error(), fe)

	default:
		return t, out
	}

	if next.status.IsTerminal() && !t.status.IsTerminal() {
		out.Terminal = true
		next.finishedAt = now
	}
	next.updatedAt = now
	out.Changed = true
	out.To = next.status
	return next, out
}

// transition moves the task to target if the lifecycle allows it.
func (t *Task) transition(target TaskStatus) bool {
	if err := t.status.validateTransition(target); err != nil {
		return false
	}
	t.status = target
	return true
}

func (t *Task) fail(detail string, failure error) {
	t.errorDetail = detail
	t.failure = failure
}
