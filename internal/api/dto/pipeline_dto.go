package dto

import (
	"time"

	"github.com/cuongbtq/variant-pipeline/internal/domain"
)

type CreatePipelineRequest struct {
	Definition    string         `json:"definition" binding:"required"`
	Params        map[string]any `json:"params"`
	CreatedBy     string         `json:"created_by"`
	CorrelationID string         `json:"correlation_id"`
	Metadata      map[string]any `json:"metadata"`
	// Start defaults to true
	Start *bool `json:"start"`
}

type CreatePipelineResponse struct {
	Pipeline   PipelineDTO `json:"pipeline"`
	Jobs       []JobRunDTO `json:"jobs"`
	StartJobID string      `json:"start_job_id,omitempty"`
}

type CancelPipelineRequest struct {
	Reason string `json:"reason"`
}

type CancelPipelineResponse struct {
	PipelineID    string `json:"pipeline_id"`
	Status        string `json:"status"`
	CancelledJobs int64  `json:"cancelled_jobs"`
}

type ListPipelinesRequest struct {
	Name     string `form:"name"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListPipelinesResponse struct {
	Pipelines  []PipelineDTO `json:"pipelines"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type PipelineDetailResponse struct {
	Pipeline PipelineDTO `json:"pipeline"`
	Jobs     []JobRunDTO `json:"jobs"`
}

type CreateJobRequest struct {
	Kind   string         `json:"kind" binding:"required"`
	Params map[string]any `json:"params"`
}

type PipelineDTO struct {
	ID            string         `json:"id"`
	URN           string         `json:"urn"`
	Name          string         `json:"name"`
	Description   string         `json:"description,omitempty"`
	Status        string         `json:"status"`
	CorrelationID string         `json:"correlation_id"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedBy     string         `json:"created_by,omitempty"`
	EngineVersion string         `json:"engine_version"`
	CreatedAt     string         `json:"created_at"`
	StartedAt     string         `json:"started_at,omitempty"`
	FinishedAt    string         `json:"finished_at,omitempty"`
}

type JobRunDTO struct {
	ID              string         `json:"id"`
	PipelineID      string         `json:"pipeline_id,omitempty"`
	JobKey          string         `json:"job_key"`
	JobKind         string         `json:"job_kind"`
	Status          string         `json:"status"`
	RetryCount      int            `json:"retry_count"`
	MaxRetries      int            `json:"max_retries"`
	Params          map[string]any `json:"params,omitempty"`
	Result          map[string]any `json:"result,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	FailureCategory string         `json:"failure_category,omitempty"`
	ProgressPercent int            `json:"progress_percent"`
	ProgressMessage string         `json:"progress_message,omitempty"`
	CorrelationID   string         `json:"correlation_id"`
	CreatedAt       string         `json:"created_at"`
	StartedAt       string         `json:"started_at,omitempty"`
	FinishedAt      string         `json:"finished_at,omitempty"`
}

func NewPipelineDTO(p *domain.Pipeline) PipelineDTO {
	out := PipelineDTO{
		ID:            p.ID,
		URN:           p.URN,
		Name:          p.Name,
		Description:   p.Description,
		Status:        string(p.Status),
		CorrelationID: p.CorrelationID,
		Metadata:      p.Metadata,
		EngineVersion: p.EngineVersion,
		CreatedAt:     p.CreatedAt.Format(time.RFC3339),
		StartedAt:     formatTime(p.StartedAt),
		FinishedAt:    formatTime(p.FinishedAt),
	}
	if p.CreatedBy != nil {
		out.CreatedBy = *p.CreatedBy
	}
	return out
}

func NewJobRunDTO(j *domain.JobRun) JobRunDTO {
	out := JobRunDTO{
		ID:              j.ID,
		JobKey:          j.JobKey,
		JobKind:         j.JobKind,
		Status:          string(j.Status),
		RetryCount:      j.RetryCount,
		MaxRetries:      j.MaxRetries,
		Params:          j.Params,
		Result:          j.Result,
		ProgressPercent: j.ProgressPercent,
		ProgressMessage: j.ProgressMessage,
		CorrelationID:   j.CorrelationID,
		CreatedAt:       j.CreatedAt.Format(time.RFC3339),
		StartedAt:       formatTime(j.StartedAt),
		FinishedAt:      formatTime(j.FinishedAt),
	}
	if j.PipelineID != nil {
		out.PipelineID = *j.PipelineID
	}
	if j.ErrorMessage != nil {
		out.ErrorMessage = *j.ErrorMessage
	}
	if j.FailureCategory != nil {
		out.FailureCategory = string(*j.FailureCategory)
	}
	return out
}

func NewJobRunDTOs(jobs []*domain.JobRun) []JobRunDTO {
	out := make([]JobRunDTO, len(jobs))
	for i, j := range jobs {
		out[i] = NewJobRunDTO(j)
	}
	return out
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
