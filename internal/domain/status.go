package domain

// PipelineStatus is the aggregate status of a pipeline.
type PipelineStatus string

const (
	PipelineStatusCreated   PipelineStatus = "created"
	PipelineStatusRunning   PipelineStatus = "running"
	PipelineStatusSucceeded PipelineStatus = "succeeded"
	PipelineStatusFailed    PipelineStatus = "failed"
	PipelineStatusCancelled PipelineStatus = "cancelled"
	PipelineStatusPaused    PipelineStatus = "paused"
	PipelineStatusPartial   PipelineStatus = "partial"
)

// IsTerminal reports whether the pipeline can no longer change status.
func (s PipelineStatus) IsTerminal() bool {
	switch s {
	case PipelineStatusSucceeded, PipelineStatusFailed, PipelineStatusCancelled, PipelineStatusPartial:
		return true
	}
	return false
}

// IsValid reports whether s is a known pipeline status.
func (s PipelineStatus) IsValid() bool {
	switch s {
	case PipelineStatusCreated, PipelineStatusRunning, PipelineStatusPaused:
		return true
	}
	return s.IsTerminal()
}

// NonTerminalPipelineStatuses lists the statuses a pipeline may still leave.
var NonTerminalPipelineStatuses = []PipelineStatus{
	PipelineStatusCreated,
	PipelineStatusRunning,
	PipelineStatusPaused,
}

// JobStatus is the lifecycle status of a single job run.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
	JobStatusSkipped   JobStatus = "skipped"
)

// rank orders the non-terminal statuses; terminal statuses share the top rank.
func (s JobStatus) rank() int {
	switch s {
	case JobStatusPending:
		return 0
	case JobStatusQueued:
		return 1
	case JobStatusRunning:
		return 2
	default:
		return 3
	}
}

// IsTerminal reports whether the job run has finished.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCancelled, JobStatusSkipped:
		return true
	}
	return false
}

// IsValid reports whether s is a known job status.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusPending, JobStatusQueued, JobStatusRunning,
		JobStatusSucceeded, JobStatusFailed, JobStatusCancelled, JobStatusSkipped:
		return true
	}
	return false
}

// CanTransition reports whether a job run may move from s to next.
// Transitions only move forward along pending→queued→running→terminal.
func (s JobStatus) CanTransition(next JobStatus) bool {
	if s.IsTerminal() || !next.IsValid() {
		return false
	}
	return next.rank() > s.rank()
}

// TransitionSources returns every status from which a job run may move to next.
func TransitionSources(next JobStatus) []JobStatus {
	var out []JobStatus
	for _, s := range []JobStatus{JobStatusPending, JobStatusQueued, JobStatusRunning} {
		if s.CanTransition(next) {
			out = append(out, s)
		}
	}
	return out
}

// DependencyType is the semantics of a dependency edge.
type DependencyType string

const (
	// DependencySuccessRequired is satisfied only when the referenced job succeeded.
	DependencySuccessRequired DependencyType = "SUCCESS_REQUIRED"
	// DependencyCompletionRequired is satisfied once the referenced job reached any terminal status.
	DependencyCompletionRequired DependencyType = "COMPLETION_REQUIRED"
)

// IsValid reports whether t is a known dependency type.
func (t DependencyType) IsValid() bool {
	return t == DependencySuccessRequired || t == DependencyCompletionRequired
}

// AnnotationStatus is the outcome of annotating one variant.
type AnnotationStatus string

const (
	AnnotationStatusSuccess AnnotationStatus = "success"
	AnnotationStatusFailed  AnnotationStatus = "failed"
	AnnotationStatusSkipped AnnotationStatus = "skipped"
)

// IsValid reports whether s is a known annotation status.
func (s AnnotationStatus) IsValid() bool {
	switch s {
	case AnnotationStatusSuccess, AnnotationStatusFailed, AnnotationStatusSkipped:
		return true
	}
	return false
}
