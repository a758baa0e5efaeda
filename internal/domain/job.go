package domain

import "time"

// JobRun is a single unit of work, optionally belonging to a pipeline.
type JobRun struct {
	ID              string           `db:"id" json:"id"`
	PipelineID      *string          `db:"pipeline_id" json:"pipeline_id,omitempty"`
	JobKey          string           `db:"job_key" json:"job_key"`
	JobKind         string           `db:"job_kind" json:"job_kind"`
	Status          JobStatus        `db:"status" json:"status"`
	RetryCount      int              `db:"retry_count" json:"retry_count"`
	MaxRetries      int              `db:"max_retries" json:"max_retries"`
	ClaimedAttempt  int              `db:"claimed_attempt" json:"-"`
	Params          JSONMap          `db:"params" json:"params,omitempty"`
	Result          JSONMap          `db:"result" json:"result,omitempty"`
	ErrorMessage    *string          `db:"error_message" json:"error_message,omitempty"`
	FailureCategory *FailureCategory `db:"failure_category" json:"failure_category,omitempty"`
	ProgressPercent int              `db:"progress_percent" json:"progress_percent"`
	ProgressMessage string           `db:"progress_message" json:"progress_message"`
	WorkerID        *string          `db:"worker_id" json:"worker_id,omitempty"`
	CorrelationID   string           `db:"correlation_id" json:"correlation_id"`
	CreatedAt       time.Time        `db:"created_at" json:"created_at"`
	QueuedAt        *time.Time       `db:"queued_at" json:"queued_at,omitempty"`
	StartedAt       *time.Time       `db:"started_at" json:"started_at,omitempty"`
	FinishedAt      *time.Time       `db:"finished_at" json:"finished_at,omitempty"`
	HeartbeatAt     *time.Time       `db:"heartbeat_at" json:"heartbeat_at,omitempty"`
	UpdatedAt       time.Time        `db:"updated_at" json:"updated_at"`
}

// InPipeline reports whether the job run belongs to a pipeline.
func (j *JobRun) InPipeline() bool {
	return j.PipelineID != nil && *j.PipelineID != ""
}

// JobMessage is the payload published to the job queue.
type JobMessage struct {
	JobName  string `json:"job_name"`
	JobRunID string `json:"job_run_id"`
	Attempt  int    `json:"attempt"`
	// Recheck marks a deferred copy published while another worker held the job run.
	Recheck bool `json:"recheck,omitempty"`

	DeliveryTag uint64 `json:"-"`
	Redelivered bool   `json:"-"`
}
