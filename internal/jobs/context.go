// Package jobs holds the job kind table, the management middleware every job runs
// inside, and the built-in job kinds.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/variant-pipeline/internal/backoff"
	"github.com/cuongbtq/variant-pipeline/internal/domain"
	"github.com/cuongbtq/variant-pipeline/internal/manager"
	"github.com/cuongbtq/variant-pipeline/internal/queue"
	"github.com/cuongbtq/variant-pipeline/internal/storage"
)

// Store is the persistence surface used by job execution.
type Store interface {
	manager.Store
	Now() time.Time
	CreateJobRun(ctx context.Context, j *domain.JobRun) error
	ClaimJobRun(ctx context.Context, id string, attempt int, workerID string, staleBefore time.Time) (*domain.JobRun, error)
	ReleaseJobRun(ctx context.Context, id, workerID string) error
	Heartbeat(ctx context.Context, id string) (bool, error)
	IncrementRetry(ctx context.Context, id string, expected int, cause string, category domain.FailureCategory) (bool, error)
	RefreshMaterializedView(ctx context.Context, name string, concurrently bool) error
}

var _ Store = (*storage.Store)(nil)

// Settings tune the management middleware.
type Settings struct {
	JobTimeout             time.Duration
	HeartbeatInterval      time.Duration
	StaleAfter             time.Duration
	Backoff                backoff.Policy
	CoordinationRetryDelay time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.HeartbeatInterval <= 0 {
		s.HeartbeatInterval = 10 * time.Second
	}
	if s.StaleAfter <= 0 {
		s.StaleAfter = 3 * s.HeartbeatInterval
	}
	if s.Backoff.MaxAttempts <= 0 {
		s.Backoff.MaxAttempts = backoff.DefaultMaxAttempts
	}
	if s.CoordinationRetryDelay <= 0 {
		s.CoordinationRetryDelay = 10 * time.Second
	}
	return s
}

// ExecContext is built fresh for every job invocation. Nothing in it outlives the job.
type ExecContext struct {
	Store    Store
	Queue    queue.Publisher
	Logger   *slog.Logger
	Settings Settings
	WorkerID string
	// Message is the delivery being executed.
	Message domain.JobMessage
	// TestMode runs handlers directly, without claiming or writing job state.
	TestMode bool
	// Params are handed to the handler in test mode, where the job run is not read.
	Params map[string]any
	// Scratch is per-invocation state shared between middleware and handler.
	Scratch map[string]any
}

// NewExecContext creates an ExecContext for one delivery.
func NewExecContext(store Store, q queue.Publisher, logger *slog.Logger, settings Settings, workerID string, msg domain.JobMessage) *ExecContext {
	return &ExecContext{
		Store:    store,
		Queue:    q,
		Logger:   logger,
		Settings: settings.withDefaults(),
		WorkerID: workerID,
		Message:  msg,
		Scratch:  map[string]any{},
	}
}

// JobContext is what a handler sees of its job.
type JobContext struct {
	Exec *ExecContext
	// Job is nil in test mode.
	Job    *manager.JobManager
	Run    *domain.JobRun
	Params domain.JSONMap
}

// Logger returns the job's logger.
func (jc *JobContext) Logger() *slog.Logger {
	if jc.Job != nil {
		return jc.Job.Logger()
	}
	return jc.Exec.Logger.With(
		slog.String("job_run_id", jc.Run.ID),
		slog.String("job_kind", jc.Run.JobKind),
		slog.Bool("test_mode", true),
	)
}

// Progress records progress. It is a no-op in test mode.
func (jc *JobContext) Progress(ctx context.Context, current, total int, message string) error {
	if jc.Job == nil {
		return nil
	}
	return jc.Job.UpdateProgress(ctx, current, total, message)
}

// SaveToContext adds key/values to the job's log lines.
func (jc *JobContext) SaveToContext(values map[string]any) {
	if jc.Job != nil {
		jc.Job.SaveToContext(values)
	}
}

// CheckCancelled returns domain.ErrJobCancelled once the job or its pipeline was cancelled,
// or the context cause once ctx is done. Handlers call it between units of work. Outside
// test mode it re-reads the job and pipeline, so a cancellation is seen before the next
// heartbeat tick.
func (jc *JobContext) CheckCancelled(ctx context.Context) error {
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	if jc.Job == nil {
		return nil
	}
	requested, err := jc.Job.IsCancellationRequested(ctx)
	if err != nil {
		return domain.NewRetryableError(fmt.Errorf("failed to check job cancellation: %w", err))
	}
	if requested {
		return domain.ErrJobCancelled
	}
	return nil
}

// Handler is the body of a job kind.
type Handler func(ctx context.Context, jc *JobContext) (map[string]any, error)

// Runner executes one delivery of a job run. It returns a non-nil error only when the
// delivery must go back to the queue: worker shutdown or an unreachable store.
// A zero Result means the delivery was not executed.
type Runner func(ctx context.Context, ec *ExecContext, jobRunID string) (domain.Result, error)
