package quantize

import "time"

// TaskView is the read-only projection of a Task handed to screens.
type TaskView struct {
	ID          string       `json:"id" yaml:"id"`
	Status      TaskStatus   `json:"status" yaml:"status"`
	Progress    int          `json:"progress" yaml:"progress"`
	Message     string       `json:"message,omitempty" yaml:"message,omitempty"`
	ErrorDetail string       `json:"error_detail,omitempty" yaml:"error_detail,omitempty"`
	Artifact    string       `json:"artifact,omitempty" yaml:"-"`
	HasArtifact bool         `json:"has_artifact" yaml:"has_artifact"`
	Params      SubmitParams `json:"params" yaml:"params"`

	EstimatedTime time.Duration `json:"estimated_time,omitempty" yaml:"estimated_time,omitempty"`
	SubmittedAt   time.Time     `json:"submitted_at" yaml:"submitted_at"`
	UpdatedAt     time.Time     `json:"updated_at" yaml:"updated_at"`
	FinishedAt    *time.Time    `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
}

// View projects the task. The artifact body is included only when
// withArtifact is set since results can be large.
func (t Task) View(withArtifact bool) TaskView {
	v := TaskView{
		ID:            t.id,
		Status:        t.status,
		Progress:      t.progress,
		Message:       t.message,
		ErrorDetail:   t.errorDetail,
		HasArtifact:   t.hasArtifact,
		Params:        t.params,
		EstimatedTime: t.estimatedTime,
		SubmittedAt:   t.submittedAt,
		UpdatedAt:     t.updatedAt,
	}
	if withArtifact && t.hasArtifact {
		v.Artifact = t.artifact
	}
	if !t.finishedAt.IsZero() {
		finished := t.finishedAt
		v.FinishedAt = &finished
	}
	return v
}
