package domain

import "time"

// Pipeline is a persisted collection of job runs joined by dependency edges.
type Pipeline struct {
	ID            string         `db:"id" json:"id"`
	URN           string         `db:"urn" json:"urn"`
	Name          string         `db:"name" json:"name"`
	Description   string         `db:"description" json:"description"`
	Status        PipelineStatus `db:"status" json:"status"`
	CorrelationID string         `db:"correlation_id" json:"correlation_id"`
	Metadata      JSONMap        `db:"metadata" json:"metadata,omitempty"`
	CreatedBy     *string        `db:"created_by" json:"created_by,omitempty"`
	EngineVersion string         `db:"engine_version" json:"engine_version"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
	StartedAt     *time.Time     `db:"started_at" json:"started_at,omitempty"`
	FinishedAt    *time.Time     `db:"finished_at" json:"finished_at,omitempty"`
	UpdatedAt     time.Time      `db:"updated_at" json:"updated_at"`
}

// JobDependency is a directed edge: JobRunID depends on DependsOnJobRunID.
// A nil DependsOnJobRunID marks a job without dependencies.
type JobDependency struct {
	ID                int64          `db:"id" json:"id"`
	JobRunID          string         `db:"job_run_id" json:"job_run_id"`
	PipelineID        string         `db:"pipeline_id" json:"pipeline_id"`
	DependsOnJobRunID *string        `db:"depends_on_job_run_id" json:"depends_on_job_run_id,omitempty"`
	DependencyType    DependencyType `db:"dependency_type" json:"dependency_type"`
	Metadata          JSONMap        `db:"metadata" json:"metadata,omitempty"`
	CreatedAt         time.Time      `db:"created_at" json:"created_at"`
}

// DependencyEdge is a dependency joined with the current status of the referenced job.
type DependencyEdge struct {
	JobRunID          string         `db:"job_run_id"`
	DependsOnJobRunID *string        `db:"depends_on_job_run_id"`
	DependencyType    DependencyType `db:"dependency_type"`
	DependsOnStatus   *JobStatus     `db:"depends_on_status"`
}
