package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/variant-pipeline/internal/domain"
)

const jobRunColumns = `id, pipeline_id, job_key, job_kind, status, retry_count, max_retries, claimed_attempt,
	params, result, error_message, failure_category, progress_percent, progress_message, worker_id,
	correlation_id, created_at, queued_at, started_at, finished_at, heartbeat_at, updated_at`

const insertJobRunQuery = `
	INSERT INTO job_runs (
		id, pipeline_id, job_key, job_kind, status, retry_count, max_retries, claimed_attempt,
		params, result, error_message, failure_category, progress_percent, progress_message, worker_id,
		correlation_id, created_at, queued_at, started_at, finished_at, heartbeat_at, updated_at
	) VALUES (
		:id, :pipeline_id, :job_key, :job_kind, :status, :retry_count, :max_retries, :claimed_attempt,
		:params, :result, :error_message, :failure_category, :progress_percent, :progress_message, :worker_id,
		:correlation_id, :created_at, :queued_at, :started_at, :finished_at, :heartbeat_at, :updated_at
	)
`

// JobUpdate carries the optional columns written alongside a status transition
type JobUpdate struct {
	Result          domain.JSONMap
	ErrorMessage    *string
	FailureCategory *domain.FailureCategory
	WorkerID        *string
}

func (s *Store) stampJobRun(j *domain.JobRun, now time.Time) {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	if j.Status == "" {
		j.Status = domain.JobStatusPending
	}
	j.UpdatedAt = now
}

// CreateJobRun inserts a job run
func (s *Store) CreateJobRun(ctx context.Context, j *domain.JobRun) error {
	s.stampJobRun(j, s.now())

	if _, err := s.db.NamedExecContext(ctx, insertJobRunQuery, j); err != nil {
		return fmt.Errorf("failed to create job run: %w", err)
	}

	s.logger.Debug("Job run created",
		slog.String("job_run_id", j.ID),
		slog.String("job_kind", j.JobKind),
	)
	return nil
}

// GetJobRun retrieves a job run by its ID
func (s *Store) GetJobRun(ctx context.Context, id string) (*domain.JobRun, error) {
	query := s.db.Rebind(`SELECT ` + jobRunColumns + ` FROM job_runs WHERE id = ?`)

	var j domain.JobRun
	if err := s.db.GetContext(ctx, &j, query, id); err != nil {
		return nil, notFound(err, "job run", id)
	}
	return &j, nil
}

// TransitionJobRun moves a job run to `to` if its current status allows it.
// It reports whether the row was updated; false means the job was already past `to`.
func (s *Store) TransitionJobRun(ctx context.Context, id string, to domain.JobStatus, upd JobUpdate) (bool, error) {
	from := domain.TransitionSources(to)
	if len(from) == 0 {
		return false, fmt.Errorf("no status can transition to %q", to)
	}

	now := s.now()
	set := []string{"status = ?", "updated_at = ?"}
	args := []any{to, now}

	switch {
	case to == domain.JobStatusQueued:
		set = append(set, "queued_at = ?")
		args = append(args, now)
	case to == domain.JobStatusRunning:
		set = append(set, "started_at = COALESCE(started_at, ?)", "heartbeat_at = ?")
		args = append(args, now, now)
	case to.IsTerminal():
		set = append(set, "finished_at = ?")
		args = append(args, now)
		if to == domain.JobStatusSucceeded {
			set = append(set, "progress_percent = ?")
			args = append(args, 100)
		}
	}
	if upd.Result != nil {
		set = append(set, "result = ?")
		args = append(args, upd.Result)
	}
	if upd.ErrorMessage != nil {
		set = append(set, "error_message = ?")
		args = append(args, *upd.ErrorMessage)
	}
	if upd.FailureCategory != nil {
		set = append(set, "failure_category = ?")
		args = append(args, *upd.FailureCategory)
	}
	if upd.WorkerID != nil {
		set = append(set, "worker_id = ?")
		args = append(args, *upd.WorkerID)
	}
	args = append(args, id, from)

	query, qargs, err := s.in(`UPDATE job_runs SET `+strings.Join(set, ", ")+` WHERE id = ? AND status IN (?)`, args...)
	if err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx, query, qargs...)
	if err != nil {
		return false, fmt.Errorf("failed to update job run status: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return false, err
	}

	if n > 0 {
		s.logger.Debug("Job run status updated",
			slog.String("job_run_id", id),
			slog.String("status", string(to)),
		)
	}
	return n > 0, nil
}

// ClaimJobRun takes ownership of a job run for the given delivery attempt.
//
// Attempt 0 claims a pending or queued run. Attempt n > 0 is a backoff redelivery
// and claims a run that is still running with retry_count = n. In both cases a
// running row whose heartbeat is older than staleBefore may be reclaimed, which
// covers redelivery after a worker crash. Returns domain.ErrJobAlreadyClaimed otherwise.
func (s *Store) ClaimJobRun(ctx context.Context, id string, attempt int, workerID string, staleBefore time.Time) (*domain.JobRun, error) {
	now := s.now()

	query := `
		UPDATE job_runs
		SET status = ?,
		    claimed_attempt = ?,
		    worker_id = ?,
		    queued_at = COALESCE(queued_at, ?),
		    started_at = COALESCE(started_at, ?),
		    heartbeat_at = ?,
		    updated_at = ?
		WHERE id = ?
		  AND retry_count = ?
		  AND (
		    (status = ? AND (claimed_attempt < ? OR heartbeat_at IS NULL OR heartbeat_at < ?))`
	args := []any{
		domain.JobStatusRunning, attempt, workerID, now, now, now, now,
		id, attempt,
		domain.JobStatusRunning, attempt, staleBefore,
	}
	if attempt == 0 {
		query += `
		    OR status IN (?)`
		args = append(args, []domain.JobStatus{domain.JobStatusPending, domain.JobStatusQueued})
	}
	query += `
		  )`

	q, qargs, err := s.in(query, args...)
	if err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx, q, qargs...)
	if err != nil {
		return nil, fmt.Errorf("failed to claim job run: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		s.logger.Warn("Failed to claim job run - already claimed or not runnable",
			slog.String("job_run_id", id),
			slog.Int("attempt", attempt),
			slog.String("worker_id", workerID),
		)
		return nil, domain.ErrJobAlreadyClaimed
	}

	s.logger.Info("Job run claimed successfully",
		slog.String("job_run_id", id),
		slog.Int("attempt", attempt),
		slog.String("worker_id", workerID),
	)

	return s.GetJobRun(ctx, id)
}

// UpdateProgress records progress on a running job run
func (s *Store) UpdateProgress(ctx context.Context, id string, percent int, message string) error {
	query := s.db.Rebind(`
		UPDATE job_runs
		SET progress_percent = ?, progress_message = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`)

	_, err := s.db.ExecContext(ctx, query, percent, message, s.now(), id, domain.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}
	return nil
}

// Heartbeat updates heartbeat_at for a running job run. It reports whether the job is still running.
func (s *Store) Heartbeat(ctx context.Context, id string) (bool, error) {
	now := s.now()
	query := s.db.Rebind(`
		UPDATE job_runs
		SET heartbeat_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`)

	res, err := s.db.ExecContext(ctx, query, now, now, id, domain.JobStatusRunning)
	if err != nil {
		return false, fmt.Errorf("failed to update job heartbeat: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return false, err
	}

	if n == 0 {
		s.logger.Warn("Job heartbeat update - no rows affected (job may not be running)",
			slog.String("job_run_id", id),
		)
	}
	return n > 0, nil
}

// IncrementRetry bumps retry_count from expected to expected+1 on a running job run and records
// the failure that caused the retry. It reports whether the row was updated.
func (s *Store) IncrementRetry(ctx context.Context, id string, expected int, cause string, category domain.FailureCategory) (bool, error) {
	query := s.db.Rebind(`
		UPDATE job_runs
		SET retry_count = retry_count + 1,
		    error_message = ?,
		    failure_category = ?,
		    updated_at = ?
		WHERE id = ? AND status = ? AND retry_count = ?
	`)

	res, err := s.db.ExecContext(ctx, query, cause, category, s.now(), id, domain.JobStatusRunning, expected)
	if err != nil {
		return false, fmt.Errorf("failed to increment retry count: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReleaseJobRun clears the heartbeat of a running job run held by workerID so the
// redelivered message can reclaim it without waiting for the heartbeat to go stale.
func (s *Store) ReleaseJobRun(ctx context.Context, id, workerID string) error {
	query := s.db.Rebind(`
		UPDATE job_runs
		SET heartbeat_at = NULL, worker_id = NULL, updated_at = ?
		WHERE id = ? AND status = ? AND worker_id = ?
	`)

	if _, err := s.db.ExecContext(ctx, query, s.now(), id, domain.JobStatusRunning, workerID); err != nil {
		return fmt.Errorf("failed to release job run: %w", err)
	}

	s.logger.Info("Job run released",
		slog.String("job_run_id", id),
		slog.String("worker_id", workerID),
	)
	return nil
}
