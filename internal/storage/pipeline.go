package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/variant-pipeline/internal/domain"
	"github.com/jmoiron/sqlx"
)

const pipelineColumns = `id, urn, name, description, status, correlation_id, metadata, created_by,
	engine_version, created_at, started_at, finished_at, updated_at`

const insertPipelineQuery = `
	INSERT INTO pipelines (
		id, urn, name, description, status, correlation_id, metadata, created_by,
		engine_version, created_at, started_at, finished_at, updated_at
	) VALUES (
		:id, :urn, :name, :description, :status, :correlation_id, :metadata, :created_by,
		:engine_version, :created_at, :started_at, :finished_at, :updated_at
	)
`

const insertDependencyQuery = `
	INSERT INTO job_dependencies (
		job_run_id, pipeline_id, depends_on_job_run_id, dependency_type, metadata, created_at
	) VALUES (
		:job_run_id, :pipeline_id, :depends_on_job_run_id, :dependency_type, :metadata, :created_at
	)
`

// CreatePipelineGraph persists a pipeline with its job runs and dependency edges in one transaction
func (s *Store) CreatePipelineGraph(ctx context.Context, p *domain.Pipeline, jobs []*domain.JobRun, deps []*domain.JobDependency) error {
	now := s.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.NamedExecContext(ctx, insertPipelineQuery, p); err != nil {
			return fmt.Errorf("failed to insert pipeline: %w", err)
		}

		for _, j := range jobs {
			s.stampJobRun(j, now)
			if _, err := tx.NamedExecContext(ctx, insertJobRunQuery, j); err != nil {
				return fmt.Errorf("failed to insert job run %s: %w", j.JobKey, err)
			}
		}

		for _, d := range deps {
			if d.CreatedAt.IsZero() {
				d.CreatedAt = now
			}
			if _, err := tx.NamedExecContext(ctx, insertDependencyQuery, d); err != nil {
				return fmt.Errorf("failed to insert dependency for %s: %w", d.JobRunID, err)
			}
		}

		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("Pipeline created",
		slog.String("pipeline_id", p.ID),
		slog.String("urn", p.URN),
		slog.Int("job_count", len(jobs)),
		slog.Int("dependency_count", len(deps)),
	)
	return nil
}

// GetPipeline retrieves a pipeline by its ID
func (s *Store) GetPipeline(ctx context.Context, id string) (*domain.Pipeline, error) {
	query := s.db.Rebind(`SELECT ` + pipelineColumns + ` FROM pipelines WHERE id = ?`)

	var p domain.Pipeline
	if err := s.db.GetContext(ctx, &p, query, id); err != nil {
		return nil, notFound(err, "pipeline", id)
	}
	return &p, nil
}

// ListPipelinesByStatus returns pipelines in any of the given statuses, oldest first
func (s *Store) ListPipelinesByStatus(ctx context.Context, statuses []domain.PipelineStatus, limit int) ([]*domain.Pipeline, error) {
	if limit <= 0 {
		limit = 100
	}
	query, args, err := s.in(`SELECT `+pipelineColumns+` FROM pipelines WHERE status IN (?) ORDER BY created_at, id LIMIT ?`, statuses, limit)
	if err != nil {
		return nil, err
	}

	var out []*domain.Pipeline
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list pipelines: %w", err)
	}
	return out, nil
}

// PipelineCursor marks the last pipeline of a page
type PipelineCursor struct {
	CreatedAt time.Time
	ID        string
}

// PipelineFilter narrows ListPipelines
type PipelineFilter struct {
	Name     string
	Status   string
	PageSize int
	Cursor   *PipelineCursor
}

// ListPipelines returns pipelines newest first. It fetches PageSize+1 rows so callers can
// tell whether another page exists.
func (s *Store) ListPipelines(ctx context.Context, filter PipelineFilter) ([]*domain.Pipeline, error) {
	query := `SELECT ` + pipelineColumns + ` FROM pipelines WHERE 1=1`
	args := []any{}

	// Filters
	if filter.Name != "" {
		query += " AND name = ?"
		args = append(args, filter.Name)
	}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}

	if filter.Cursor != nil {
		query += " AND (created_at < ? OR (created_at = ? AND id < ?))"
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.CreatedAt, filter.Cursor.ID)
	}

	// Order by created_at DESC, id DESC for consistent pagination
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, filter.PageSize+1)

	var out []*domain.Pipeline
	if err := s.db.SelectContext(ctx, &out, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list pipelines: %w", err)
	}
	return out, nil
}

// ListPipelineJobs returns every job run of a pipeline
func (s *Store) ListPipelineJobs(ctx context.Context, pipelineID string) ([]*domain.JobRun, error) {
	query := s.db.Rebind(`SELECT ` + jobRunColumns + ` FROM job_runs WHERE pipeline_id = ? ORDER BY created_at, job_key`)

	var out []*domain.JobRun
	if err := s.db.SelectContext(ctx, &out, query, pipelineID); err != nil {
		return nil, fmt.Errorf("failed to list pipeline jobs: %w", err)
	}
	return out, nil
}

// CompareAndSetPipelineStatus moves a pipeline to `to` only if its current status is one of `from`.
// It reports whether the row was updated.
func (s *Store) CompareAndSetPipelineStatus(ctx context.Context, id string, from []domain.PipelineStatus, to domain.PipelineStatus) (bool, error) {
	now := s.now()

	set := []string{"status = ?", "updated_at = ?"}
	args := []any{to, now}
	if to == domain.PipelineStatusRunning {
		set = append(set, "started_at = COALESCE(started_at, ?)")
		args = append(args, now)
	}
	if to.IsTerminal() {
		set = append(set, "finished_at = ?")
		args = append(args, now)
	}
	args = append(args, id, from)

	query, qargs, err := s.in(`UPDATE pipelines SET `+strings.Join(set, ", ")+` WHERE id = ? AND status IN (?)`, args...)
	if err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx, query, qargs...)
	if err != nil {
		return false, fmt.Errorf("failed to update pipeline status: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return false, err
	}

	if n > 0 {
		s.logger.Info("Pipeline status updated",
			slog.String("pipeline_id", id),
			slog.String("status", string(to)),
		)
	}
	return n > 0, nil
}

// CancelPipeline marks a non-terminal pipeline cancelled and cancels its pending and queued job runs
// in one transaction. Running job runs are left to cooperative cancellation.
// It returns the number of job runs cancelled.
func (s *Store) CancelPipeline(ctx context.Context, id, reason string) (int64, error) {
	now := s.now()
	var cancelled int64

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		query, args, err := s.in(
			`UPDATE pipelines SET status = ?, finished_at = ?, updated_at = ? WHERE id = ? AND status IN (?)`,
			domain.PipelineStatusCancelled, now, now, id, domain.NonTerminalPipelineStatuses,
		)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to cancel pipeline: %w", err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			var status domain.PipelineStatus
			err := tx.GetContext(ctx, &status, tx.Rebind(`SELECT status FROM pipelines WHERE id = ?`), id)
			if err != nil {
				return notFound(err, "pipeline", id)
			}
			return fmt.Errorf("pipeline %s is %s: %w", id, status, domain.ErrPipelineTerminal)
		}

		query, args, err = s.in(
			`UPDATE job_runs
			SET status = ?, error_message = ?, failure_category = ?, finished_at = ?, updated_at = ?
			WHERE pipeline_id = ? AND status IN (?)`,
			domain.JobStatusCancelled, reason, domain.FailureCancelled, now, now,
			id, []domain.JobStatus{domain.JobStatusPending, domain.JobStatusQueued},
		)
		if err != nil {
			return err
		}
		res, err = tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to cancel job runs: %w", err)
		}
		cancelled, err = rowsAffected(res)
		return err
	})
	if err != nil {
		return 0, err
	}

	s.logger.Info("Pipeline cancelled",
		slog.String("pipeline_id", id),
		slog.Int64("cancelled_jobs", cancelled),
		slog.String("reason", reason),
	)
	return cancelled, nil
}
