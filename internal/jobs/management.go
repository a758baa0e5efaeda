package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cuongbtq/variant-pipeline/internal/backoff"
	"github.com/cuongbtq/variant-pipeline/internal/domain"
	"github.com/cuongbtq/variant-pipeline/internal/manager"
	"github.com/cuongbtq/variant-pipeline/shared/logger"
)

// WithJobManagement wraps a handler with the job lifecycle:
//
//   - claim the job run for this delivery attempt
//   - heartbeat and watch for cancellation while the handler runs
//   - recover panics as system_error
//   - classify errors, retry retryable ones with backoff up to the ceiling
//   - record the terminal status and return a structured Result
//
// Errors never reach the queue except for worker shutdown and store outages.
func WithJobManagement(handler Handler) Runner {
	return func(ctx context.Context, ec *ExecContext, jobRunID string) (domain.Result, error) {
		if ec.TestMode {
			return runDetached(ctx, ec, jobRunID, handler), nil
		}

		// Step 1: Claim the job run for this attempt
		staleBefore := ec.Store.Now().Add(-ec.Settings.StaleAfter)
		run, err := ec.Store.ClaimJobRun(ctx, jobRunID, ec.Message.Attempt, ec.WorkerID, staleBefore)
		if err != nil {
			if errors.Is(err, domain.ErrJobAlreadyClaimed) {
				return handleUnclaimable(ctx, ec, jobRunID)
			}
			return domain.Result{}, domain.NewRetryableError(fmt.Errorf("failed to claim job run: %w", err))
		}

		jm := manager.NewJobManager(ec.Store, ec.Logger)
		jm.Attach(run)
		jm.SaveToContext(map[string]any{
			"attempt":   ec.Message.Attempt,
			"worker_id": ec.WorkerID,
		})
		log := jm.Logger()
		ctx = logger.WithContext(ctx, log)

		// Step 2: A retry waiting out its backoff stays running, so a pipeline cancelled in
		// the meantime is only visible in the store
		requested, err := jm.IsCancellationRequested(ctx)
		if err != nil {
			return domain.Result{}, domain.NewRetryableError(fmt.Errorf("failed to check job cancellation: %w", err))
		}
		if requested {
			return cancelBeforeStart(ctx, jm)
		}

		log.Info("Job started")

		// Step 3: Job context with timeout and a cancellation cause
		jobCtx, cancel := context.WithCancelCause(ctx)
		defer cancel(nil)
		if ec.Settings.JobTimeout > 0 {
			var cancelTimeout context.CancelFunc
			jobCtx, cancelTimeout = context.WithTimeout(jobCtx, ec.Settings.JobTimeout)
			defer cancelTimeout()
		}

		// Step 4: Heartbeat and cancellation watcher
		var wg sync.WaitGroup
		watchCtx, stopWatch := context.WithCancel(jobCtx)
		wg.Add(1)
		go func() {
			defer wg.Done()
			watch(watchCtx, ec, run, cancel, log)
		}()

		// Step 5: Execute
		jc := &JobContext{Exec: ec, Job: jm, Run: run, Params: run.Params}
		data, runErr := invoke(jobCtx, handler, jc)

		stopWatch()
		wg.Wait()

		// Step 6: Record the outcome
		return finish(ctx, jobCtx, ec, jm, data, runErr)
	}
}

// cancelBeforeStart records the cancellation of a claimed job without running its handler
func cancelBeforeStart(ctx context.Context, jm *manager.JobManager) (domain.Result, error) {
	log := jm.Logger()
	reason := "cancellation requested before start"
	if err := jm.MarkCancelled(ctx, reason); err != nil {
		return resultAfterConflict(log, jm, err, nil)
	}
	log.Info("Job cancelled before start")
	return domain.CancelledResult(reason), nil
}

// invoke calls the handler, turning panics into system errors
func invoke(ctx context.Context, handler Handler, jc *JobContext) (data map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			jc.Logger().Error("Job panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			data = nil
			err = domain.NewJobError(domain.FailureSystemError, fmt.Errorf("panic: %v", r))
		}
	}()
	return handler(ctx, jc)
}

// watch heartbeats the job run and cancels the job once cancellation is requested
func watch(ctx context.Context, ec *ExecContext, run *domain.JobRun, cancel context.CancelCauseFunc, log *slog.Logger) {
	observer := manager.NewJobManager(ec.Store, ec.Logger)
	observer.Attach(run)

	ticker := time.NewTicker(ec.Settings.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := ec.Store.Heartbeat(ctx, run.ID); err != nil && ctx.Err() == nil {
				log.Warn("Failed to send job heartbeat", slog.String("error", err.Error()))
			}

			requested, err := observer.IsCancellationRequested(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Warn("Failed to check job cancellation", slog.String("error", err.Error()))
				}
				continue
			}
			if requested {
				log.Info("Job cancellation requested")
				cancel(domain.ErrJobCancelled)
				return
			}
		}
	}
}

// finish turns the handler outcome into a status write and a Result
func finish(ctx, jobCtx context.Context, ec *ExecContext, jm *manager.JobManager, data map[string]any, runErr error) (domain.Result, error) {
	log := jm.Logger()
	cause := context.Cause(jobCtx)

	switch {
	case runErr == nil:
		if err := jm.MarkSucceeded(ctx, data); err != nil {
			return resultAfterConflict(log, jm, err, data)
		}
		log.Info("Job succeeded")
		return domain.OKResult(data), nil

	case errors.Is(runErr, domain.ErrJobCancelled) || errors.Is(cause, domain.ErrJobCancelled):
		reason := "cancellation requested"
		if err := jm.MarkCancelled(ctx, reason); err != nil {
			return resultAfterConflict(log, jm, err, data)
		}
		log.Info("Job cancelled")
		return domain.CancelledResult(reason), nil

	case ctx.Err() != nil:
		// the worker is shutting down; hand the delivery back
		if err := ec.Store.ReleaseJobRun(context.WithoutCancel(ctx), jm.Job().ID, ec.WorkerID); err != nil {
			log.Error("Failed to release job run", slog.String("error", err.Error()))
		}
		log.Warn("Job interrupted by shutdown", slog.String("error", runErr.Error()))
		return domain.Result{}, ctx.Err()
	}

	category := domain.Classify(runErr)
	if category.Retryable() {
		if res, retried := retry(ctx, ec, jm, runErr, category, data); retried {
			return res, nil
		}
	}

	if err := jm.MarkFailed(ctx, runErr, category); err != nil {
		return resultAfterConflict(log, jm, err, data)
	}
	log.Error("Job failed",
		slog.String("failure_category", string(category)),
		slog.String("error", runErr.Error()),
	)
	return domain.ExceptionResult(runErr, category, data), nil
}

// retry schedules the next attempt. It reports false when the ceiling is reached or the
// retry could not be scheduled, leaving the caller to fail the job.
func retry(ctx context.Context, ec *ExecContext, jm *manager.JobManager, runErr error, category domain.FailureCategory, data map[string]any) (domain.Result, bool) {
	log := jm.Logger()
	run := jm.Job()

	policy := ec.Settings.Backoff
	if run.MaxRetries > 0 && (policy.MaxAttempts <= 0 || run.MaxRetries < policy.MaxAttempts) {
		policy.MaxAttempts = run.MaxRetries
	}

	if policy.Exhausted(run.RetryCount) {
		log.Warn("Job exceeded max retries",
			slog.Int("retry_count", run.RetryCount),
			slog.Int("max_retries", policy.MaxAttempts),
			slog.String("error", runErr.Error()),
		)
		return domain.Result{}, false
	}

	bumped, err := ec.Store.IncrementRetry(ctx, run.ID, run.RetryCount, runErr.Error(), category)
	if err != nil || !bumped {
		log.Error("Failed to record retry",
			slog.Int("retry_count", run.RetryCount),
			slog.Any("error", err),
		)
		return domain.Result{}, false
	}

	msg := domain.JobMessage{JobName: run.JobKind, JobRunID: run.ID, Attempt: run.RetryCount}
	outcome, err := backoff.EnqueueWithBackoff(ctx, ec.Queue, msg, policy)
	if err != nil {
		log.Error("Failed to enqueue job retry", slog.String("error", err.Error()))
		return domain.Result{}, false
	}
	if outcome.LimitReached {
		return domain.Result{}, false
	}

	log.Info("Job will be retried",
		slog.Int("retry_count", outcome.NextAttempt),
		slog.Int("max_retries", policy.MaxAttempts),
		slog.Duration("delay", outcome.Delay),
		slog.String("failure_category", string(category)),
	)

	out := domain.ExceptionResult(runErr, category, data)
	if out.Data == nil {
		out.Data = map[string]any{}
	}
	out.Data["retry_attempt"] = outcome.NextAttempt
	out.Data["retry_delay"] = outcome.Delay.String()
	return out, true
}

// resultAfterConflict reports the status the job run already ended in when a final write loses
func resultAfterConflict(log *slog.Logger, jm *manager.JobManager, err error, data map[string]any) (domain.Result, error) {
	var transErr *domain.InvalidTransitionError
	if !errors.As(err, &transErr) {
		log.Error("Failed to record job outcome", slog.String("error", err.Error()))
		return domain.Result{}, domain.NewRetryableError(err)
	}

	log.Warn("Job outcome discarded, job run already finished",
		slog.String("status", string(transErr.From)),
	)
	return storedResult(jm.Job()), nil
}

// handleUnclaimable deals with a delivery whose job run cannot be claimed
func handleUnclaimable(ctx context.Context, ec *ExecContext, jobRunID string) (domain.Result, error) {
	log := ec.Logger.With(
		slog.String("job_run_id", jobRunID),
		slog.Int("attempt", ec.Message.Attempt),
	)

	run, err := ec.Store.GetJobRun(ctx, jobRunID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			log.Warn("Job run not found, dropping message")
			return domain.ExceptionResult(err, domain.FailureValidationError, nil), nil
		}
		return domain.Result{}, domain.NewRetryableError(err)
	}

	if run.Status.IsTerminal() {
		log.Info("Job run already finished, skipping duplicate delivery", slog.String("status", string(run.Status)))
		return storedResult(run), nil
	}

	// A redelivered message whose job run is still held by a live worker: look again once
	// the heartbeat would have gone stale, in case that worker is gone.
	if run.Status == domain.JobStatusRunning && run.RetryCount == ec.Message.Attempt &&
		(ec.Message.Redelivered || ec.Message.Recheck) {
		recheck := domain.JobMessage{
			JobName:  ec.Message.JobName,
			JobRunID: jobRunID,
			Attempt:  ec.Message.Attempt,
			Recheck:  true,
		}
		if err := ec.Queue.Publish(ctx, recheck, ec.Settings.StaleAfter); err != nil {
			return domain.Result{}, domain.NewRetryableError(err)
		}
		log.Info("Job run held by another worker, recheck scheduled",
			slog.Duration("delay", ec.Settings.StaleAfter),
		)
		return domain.Result{}, nil
	}

	log.Warn("Job already claimed, skipping",
		slog.String("status", string(run.Status)),
		slog.Int("retry_count", run.RetryCount),
	)
	return domain.Result{}, nil
}

// storedResult renders the persisted outcome of a finished job run
func storedResult(run *domain.JobRun) domain.Result {
	switch run.Status {
	case domain.JobStatusSucceeded:
		return domain.OKResult(run.Result)
	case domain.JobStatusFailed:
		msg := string(domain.FailureUnknown)
		if run.ErrorMessage != nil {
			msg = *run.ErrorMessage
		}
		category := domain.FailureUnknown
		if run.FailureCategory != nil {
			category = *run.FailureCategory
		}
		return domain.ExceptionResult(domain.NewJobError(category, errors.New(msg)), category, run.Result)
	default:
		reason := string(run.Status)
		if run.ErrorMessage != nil {
			reason = *run.ErrorMessage
		}
		res := domain.CancelledResult(reason)
		if run.Status == domain.JobStatusSkipped {
			res.Exception.Type = string(domain.JobStatusSkipped)
			if run.FailureCategory != nil {
				res.Exception.Category = *run.FailureCategory
			}
		}
		res.Data = map[string]any{"job_status": string(run.Status)}
		return res
	}
}

// runDetached runs a handler in test mode: no claim, no status writes, no retries
func runDetached(ctx context.Context, ec *ExecContext, jobRunID string, handler Handler) domain.Result {
	run := &domain.JobRun{
		ID:      jobRunID,
		JobKind: ec.Message.JobName,
		Status:  domain.JobStatusRunning,
		Params:  domain.JSONMap(ec.Params),
	}
	jc := &JobContext{Exec: ec, Run: run, Params: run.Params}

	data, err := invoke(ctx, handler, jc)
	if err != nil {
		return domain.ExceptionResult(err, "", data)
	}
	return domain.OKResult(data)
}

// WithPipelineManagement coordinates the job's pipeline once the wrapped runner leaves the
// job run terminal. If coordination fails a coordinate_pipeline follow-up is scheduled.
func WithPipelineManagement(runner Runner) Runner {
	return func(ctx context.Context, ec *ExecContext, jobRunID string) (domain.Result, error) {
		res, err := runner(ctx, ec, jobRunID)
		if err != nil || ec.TestMode || res.Status == "" {
			return res, err
		}

		run, gerr := ec.Store.GetJobRun(ctx, jobRunID)
		if gerr != nil {
			ec.Logger.Error("Failed to reload job run for coordination",
				slog.String("job_run_id", jobRunID),
				slog.String("error", gerr.Error()),
			)
			return res, nil
		}
		if !run.InPipeline() || !run.Status.IsTerminal() {
			return res, nil
		}

		log := ec.Logger.With(
			slog.String("pipeline_id", *run.PipelineID),
			slog.String("job_run_id", jobRunID),
			slog.String("correlation_id", run.CorrelationID),
		)

		pm := manager.NewPipelineManager(ec.Store, ec.Queue, ec.Logger)
		cerr := pm.Load(ctx, *run.PipelineID)
		if cerr == nil {
			var report manager.CoordinationReport
			report, cerr = pm.Coordinate(ctx)
			if cerr == nil {
				log.Info("Pipeline coordinated",
					slog.Int("enqueued", len(report.Enqueued)),
					slog.Int("skipped", len(report.Skipped)),
					slog.String("status", string(report.Status)),
				)
				return res, nil
			}
		}

		log.Error("Failed to coordinate pipeline, scheduling follow-up", slog.String("error", cerr.Error()))
		followUp := NewDispatcher(ec.Store, ec.Queue, ec.Logger)
		if _, ferr := followUp.EnqueueCoordination(ctx, *run.PipelineID, run.CorrelationID, ec.Settings.CoordinationRetryDelay); ferr != nil {
			log.Error("Failed to schedule pipeline coordination", slog.String("error", ferr.Error()))
		}
		return res, nil
	}
}
