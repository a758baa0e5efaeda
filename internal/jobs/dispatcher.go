package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/variant-pipeline/internal/domain"
	"github.com/cuongbtq/variant-pipeline/internal/factory"
	"github.com/cuongbtq/variant-pipeline/internal/queue"
	"github.com/cuongbtq/variant-pipeline/internal/storage"
)

// JobWriter persists standalone job runs and reads pipelines.
type JobWriter interface {
	CreateJobRun(ctx context.Context, j *domain.JobRun) error
	GetPipeline(ctx context.Context, id string) (*domain.Pipeline, error)
	TransitionJobRun(ctx context.Context, id string, to domain.JobStatus, upd storage.JobUpdate) (bool, error)
}

// Dispatcher creates standalone job runs and puts them on the queue.
type Dispatcher struct {
	store  JobWriter
	queue  queue.Publisher
	logger *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(store JobWriter, q queue.Publisher, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{store: store, queue: q, logger: logger}
}

// StartPipeline kicks off coordination of an already built pipeline by enqueueing a
// start_pipeline job. It is the only way callers start pipelines.
func (d *Dispatcher) StartPipeline(ctx context.Context, pipelineID string) (*domain.JobRun, error) {
	p, err := d.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	if p.Status.IsTerminal() {
		return nil, fmt.Errorf("pipeline %s is %s: %w", p.ID, p.Status, domain.ErrPipelineTerminal)
	}

	return d.enqueue(ctx, KindStartPipeline, map[string]any{"pipeline_id": p.ID}, p.CorrelationID, 0)
}

// EnqueueCoordination schedules a coordinate_pipeline job for pipelineID after delay.
func (d *Dispatcher) EnqueueCoordination(ctx context.Context, pipelineID, correlationID string, delay time.Duration) (*domain.JobRun, error) {
	return d.enqueue(ctx, KindCoordinatePipeline, map[string]any{"pipeline_id": pipelineID}, correlationID, delay)
}

// EnqueueStandalone creates a job run of kind outside any pipeline and enqueues it.
func (d *Dispatcher) EnqueueStandalone(ctx context.Context, kind Kind, params map[string]any) (*domain.JobRun, error) {
	return d.enqueue(ctx, kind, params, "", 0)
}

func (d *Dispatcher) enqueue(ctx context.Context, kind Kind, params map[string]any, correlationID string, delay time.Duration) (*domain.JobRun, error) {
	run := factory.NewJobRun(string(kind), params, correlationID)
	if err := d.store.CreateJobRun(ctx, run); err != nil {
		return nil, err
	}

	if _, err := d.store.TransitionJobRun(ctx, run.ID, domain.JobStatusQueued, storage.JobUpdate{}); err != nil {
		return nil, err
	}
	run.Status = domain.JobStatusQueued

	msg := domain.JobMessage{JobName: run.JobKind, JobRunID: run.ID}
	if err := d.queue.Publish(ctx, msg, delay); err != nil {
		text := err.Error()
		if _, terr := d.store.TransitionJobRun(ctx, run.ID, domain.JobStatusFailed, storage.JobUpdate{
			ErrorMessage:    &text,
			FailureCategory: domain.FailureEnqueueError.Ptr(),
		}); terr != nil {
			d.logger.Error("Failed to mark job run failed after enqueue error",
				slog.String("job_run_id", run.ID),
				slog.String("error", terr.Error()),
			)
		}
		return nil, err
	}

	d.logger.Info("Standalone job enqueued",
		slog.String("job_run_id", run.ID),
		slog.String("job_kind", run.JobKind),
		slog.String("correlation_id", run.CorrelationID),
		slog.Duration("delay", delay),
	)
	run.Status = domain.JobStatusQueued
	return run, nil
}
