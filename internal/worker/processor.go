package worker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/cuongbtq/variant-pipeline/internal/domain"
	"github.com/cuongbtq/variant-pipeline/internal/jobs"
	"github.com/cuongbtq/variant-pipeline/internal/manager"
	"github.com/cuongbtq/variant-pipeline/internal/storage"
)

// processJob resolves the runner for a message and executes it. The returned error
// drives the ACK/NACK decision; job outcomes themselves are recorded by the runner.
func (w *Worker) processJob(ctx context.Context, workerName string, msg domain.JobMessage) error {
	w.logger.Info("Processing job",
		slog.String("job_run_id", msg.JobRunID),
		slog.String("job_name", msg.JobName),
		slog.Int("attempt", msg.Attempt),
		slog.String("worker_name", workerName),
	)

	// Step 1: Resolve the runner for the job kind
	runner, err := w.registry.Lookup(msg.JobName)
	if err != nil {
		w.logger.Error("No runner registered for job",
			slog.String("job_run_id", msg.JobRunID),
			slog.String("job_name", msg.JobName),
		)
		w.failUnknownKind(ctx, msg, err)
		return err
	}

	// Step 2: Build the execution context
	ec := jobs.NewExecContext(w.store, w.queue, w.logger, w.settings, workerName, msg)
	ec.TestMode = w.testMode

	// Step 3: Execute through the management wrappers
	result, err := runner(ctx, ec, msg.JobRunID)
	if err != nil {
		return err
	}

	if result.Status == "" {
		w.logger.Debug("Delivery not executed",
			slog.String("job_run_id", msg.JobRunID),
		)
		return nil
	}

	w.logger.Info("Job finished",
		slog.String("job_run_id", msg.JobRunID),
		slog.String("job_name", msg.JobName),
		slog.String("result_status", string(result.Status)),
	)
	return nil
}

// failUnknownKind records a configuration failure for a job nobody can run and lets its
// pipeline move on.
func (w *Worker) failUnknownKind(ctx context.Context, msg domain.JobMessage, cause error) {
	if w.testMode {
		return
	}

	text := cause.Error()
	moved, err := w.store.TransitionJobRun(ctx, msg.JobRunID, domain.JobStatusFailed, storage.JobUpdate{
		ErrorMessage:    &text,
		FailureCategory: domain.FailureConfigurationError.Ptr(),
	})
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			w.logger.Error("Failed to mark job with unknown kind as failed",
				slog.String("job_run_id", msg.JobRunID),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	if !moved {
		return
	}

	job, err := w.store.GetJobRun(ctx, msg.JobRunID)
	if err != nil || !job.InPipeline() {
		return
	}

	pm := manager.NewPipelineManager(w.store, w.queue, w.logger)
	if err := pm.Load(ctx, *job.PipelineID); err != nil {
		return
	}
	if _, err := pm.Coordinate(ctx); err != nil {
		w.logger.Warn("Failed to coordinate pipeline after unknown job kind",
			slog.String("pipeline_id", *job.PipelineID),
			slog.String("error", err.Error()),
		)
	}
}
