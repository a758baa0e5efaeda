package manager

import "github.com/cuongbtq/variant-pipeline/internal/domain"

// EdgeState is the evaluation of one dependency edge.
type EdgeState int

const (
	// EdgeWaiting means the referenced job has not reached a deciding status yet.
	EdgeWaiting EdgeState = iota
	// EdgeSatisfied means the edge no longer blocks the dependent job.
	EdgeSatisfied
	// EdgeUnfulfillable means the edge can never be satisfied.
	EdgeUnfulfillable
)

// EvaluateEdge applies the per-edge rule. A nil status stands for "no referenced job".
//
// SUCCESS_REQUIRED holds only when the referenced job succeeded and becomes unfulfillable
// once it ends any other way. COMPLETION_REQUIRED holds once the referenced job is terminal.
func EvaluateEdge(depType domain.DependencyType, status *domain.JobStatus) EdgeState {
	if status == nil {
		return EdgeSatisfied
	}

	switch depType {
	case domain.DependencyCompletionRequired:
		if status.IsTerminal() {
			return EdgeSatisfied
		}
		return EdgeWaiting
	default:
		switch {
		case *status == domain.JobStatusSucceeded:
			return EdgeSatisfied
		case status.IsTerminal():
			return EdgeUnfulfillable
		}
		return EdgeWaiting
	}
}

// DependencyState is the conjunction of every edge of one job.
type DependencyState struct {
	Satisfied     bool
	Unfulfillable bool
	// Waiting lists the job run ids still blocking.
	Waiting []string
	// Failed lists the job run ids that made the job unfulfillable.
	Failed []string
}

// EvaluateDependencies folds the edges of one job. No edges, or only NULL edges, is satisfied.
// statusOf resolves the current status of a referenced job run.
func EvaluateDependencies(edges []domain.DependencyEdge, statusOf func(id string) *domain.JobStatus) DependencyState {
	var st DependencyState
	for _, e := range edges {
		if e.DependsOnJobRunID == nil {
			continue
		}
		ref := *e.DependsOnJobRunID
		switch EvaluateEdge(e.DependencyType, statusOf(ref)) {
		case EdgeUnfulfillable:
			st.Failed = append(st.Failed, ref)
		case EdgeWaiting:
			st.Waiting = append(st.Waiting, ref)
		}
	}
	st.Unfulfillable = len(st.Failed) > 0
	st.Satisfied = !st.Unfulfillable && len(st.Waiting) == 0
	return st
}

// edgeStatus resolves a referenced job's status from the upstream status joined onto its edge.
func edgeStatus(edges []domain.DependencyEdge) func(string) *domain.JobStatus {
	m := make(map[string]*domain.JobStatus, len(edges))
	for _, e := range edges {
		if e.DependsOnJobRunID != nil {
			m[*e.DependsOnJobRunID] = e.DependsOnStatus
		}
	}
	return func(id string) *domain.JobStatus {
		if s, ok := m[id]; ok && s != nil {
			return s
		}
		// a referenced row that cannot be read never satisfies anything
		waiting := domain.JobStatusPending
		return &waiting
	}
}
