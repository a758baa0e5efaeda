package manager

import (
	"testing"

	"github.com/cuongbtq/variant-pipeline/internal/domain"
	"github.com/stretchr/testify/assert"
)

func status(s domain.JobStatus) *domain.JobStatus { return &s }

func TestEvaluateEdge(t *testing.T) {
	tests := []struct {
		name    string
		depType domain.DependencyType
		status  *domain.JobStatus
		want    EdgeState
	}{
		{name: "no referenced job", depType: domain.DependencySuccessRequired, status: nil, want: EdgeSatisfied},
		{name: "success required / pending", depType: domain.DependencySuccessRequired, status: status(domain.JobStatusPending), want: EdgeWaiting},
		{name: "success required / running", depType: domain.DependencySuccessRequired, status: status(domain.JobStatusRunning), want: EdgeWaiting},
		{name: "success required / succeeded", depType: domain.DependencySuccessRequired, status: status(domain.JobStatusSucceeded), want: EdgeSatisfied},
		{name: "success required / failed", depType: domain.DependencySuccessRequired, status: status(domain.JobStatusFailed), want: EdgeUnfulfillable},
		{name: "success required / cancelled", depType: domain.DependencySuccessRequired, status: status(domain.JobStatusCancelled), want: EdgeUnfulfillable},
		{name: "success required / skipped", depType: domain.DependencySuccessRequired, status: status(domain.JobStatusSkipped), want: EdgeUnfulfillable},
		{name: "completion required / queued", depType: domain.DependencyCompletionRequired, status: status(domain.JobStatusQueued), want: EdgeWaiting},
		{name: "completion required / succeeded", depType: domain.DependencyCompletionRequired, status: status(domain.JobStatusSucceeded), want: EdgeSatisfied},
		{name: "completion required / failed", depType: domain.DependencyCompletionRequired, status: status(domain.JobStatusFailed), want: EdgeSatisfied},
		{name: "completion required / cancelled", depType: domain.DependencyCompletionRequired, status: status(domain.JobStatusCancelled), want: EdgeSatisfied},
		{name: "completion required / skipped", depType: domain.DependencyCompletionRequired, status: status(domain.JobStatusSkipped), want: EdgeSatisfied},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EvaluateEdge(tt.depType, tt.status))
		})
	}
}

func TestEvaluateDependencies(t *testing.T) {
	a, b := "a", "b"
	statuses := map[string]domain.JobStatus{a: domain.JobStatusSucceeded, b: domain.JobStatusRunning}
	statusOf := func(id string) *domain.JobStatus {
		s := statuses[id]
		return &s
	}

	t.Run("no edges", func(t *testing.T) {
		st := EvaluateDependencies(nil, statusOf)
		assert.True(t, st.Satisfied)
	})

	t.Run("null edge", func(t *testing.T) {
		st := EvaluateDependencies([]domain.DependencyEdge{{JobRunID: "x", DependencyType: domain.DependencySuccessRequired}}, statusOf)
		assert.True(t, st.Satisfied)
	})

	t.Run("conjunctive", func(t *testing.T) {
		st := EvaluateDependencies([]domain.DependencyEdge{
			{JobRunID: "x", DependsOnJobRunID: &a, DependencyType: domain.DependencySuccessRequired},
			{JobRunID: "x", DependsOnJobRunID: &b, DependencyType: domain.DependencyCompletionRequired},
		}, statusOf)
		assert.False(t, st.Satisfied)
		assert.False(t, st.Unfulfillable)
		assert.Equal(t, []string{b}, st.Waiting)
	})

	t.Run("unfulfillable wins over waiting", func(t *testing.T) {
		statuses[a] = domain.JobStatusFailed
		st := EvaluateDependencies([]domain.DependencyEdge{
			{JobRunID: "x", DependsOnJobRunID: &a, DependencyType: domain.DependencySuccessRequired},
			{JobRunID: "x", DependsOnJobRunID: &b, DependencyType: domain.DependencyCompletionRequired},
		}, statusOf)
		assert.False(t, st.Satisfied)
		assert.True(t, st.Unfulfillable)
		assert.Equal(t, []string{a}, st.Failed)
	})
}

func TestComputeStatus(t *testing.T) {
	jobs := func(statuses ...domain.JobStatus) []*domain.JobRun {
		out := make([]*domain.JobRun, len(statuses))
		for i, s := range statuses {
			out[i] = &domain.JobRun{Status: s}
		}
		return out
	}

	tests := []struct {
		name string
		jobs []*domain.JobRun
		want domain.PipelineStatus
	}{
		{name: "empty pipeline", jobs: nil, want: domain.PipelineStatusSucceeded},
		{name: "all succeeded", jobs: jobs(domain.JobStatusSucceeded, domain.JobStatusSucceeded), want: domain.PipelineStatusSucceeded},
		{name: "pending remains", jobs: jobs(domain.JobStatusSucceeded, domain.JobStatusPending), want: domain.PipelineStatusRunning},
		{name: "queued remains", jobs: jobs(domain.JobStatusFailed, domain.JobStatusQueued), want: domain.PipelineStatusRunning},
		{name: "running remains", jobs: jobs(domain.JobStatusRunning), want: domain.PipelineStatusRunning},
		{name: "all failed", jobs: jobs(domain.JobStatusFailed, domain.JobStatusFailed), want: domain.PipelineStatusFailed},
		{name: "failed and skipped", jobs: jobs(domain.JobStatusFailed, domain.JobStatusSkipped), want: domain.PipelineStatusFailed},
		{name: "succeeded and failed", jobs: jobs(domain.JobStatusSucceeded, domain.JobStatusFailed), want: domain.PipelineStatusPartial},
		{name: "succeeded and skipped", jobs: jobs(domain.JobStatusSucceeded, domain.JobStatusSkipped), want: domain.PipelineStatusPartial},
		{name: "succeeded and cancelled", jobs: jobs(domain.JobStatusSucceeded, domain.JobStatusCancelled), want: domain.PipelineStatusPartial},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeStatus(tt.jobs))
		})
	}
}
