package manager

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/variant-pipeline/internal/domain"
	"github.com/cuongbtq/variant-pipeline/internal/queue"
	"github.com/cuongbtq/variant-pipeline/internal/storage"
)

// CoordinationReport summarizes one coordination pass.
type CoordinationReport struct {
	PipelineID    string                `json:"pipeline_id"`
	Enqueued      []string              `json:"enqueued,omitempty"`
	Skipped       []string              `json:"skipped,omitempty"`
	EnqueueFailed []string              `json:"enqueue_failed,omitempty"`
	Status        domain.PipelineStatus `json:"status"`
	StatusChanged bool                  `json:"status_changed"`
}

// Data renders the report as a job result payload.
func (r CoordinationReport) Data() map[string]any {
	return map[string]any{
		"pipeline_id":    r.PipelineID,
		"enqueued":       len(r.Enqueued),
		"skipped":        len(r.Skipped),
		"enqueue_failed": len(r.EnqueueFailed),
		"status":         string(r.Status),
	}
}

// PipelineManager computes pipeline status and advances eligible jobs.
type PipelineManager struct {
	store    Store
	queue    queue.Publisher
	logger   *slog.Logger
	pipeline *domain.Pipeline
}

// NewPipelineManager creates a PipelineManager. Call Load before anything else.
func NewPipelineManager(store Store, q queue.Publisher, logger *slog.Logger) *PipelineManager {
	return &PipelineManager{
		store:  store,
		queue:  q,
		logger: logger,
	}
}

// Load fetches the pipeline. It fails with domain.ErrNotFound if absent.
func (m *PipelineManager) Load(ctx context.Context, pipelineID string) error {
	p, err := m.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return err
	}
	m.pipeline = p
	return nil
}

// Pipeline returns the last read state of the pipeline.
func (m *PipelineManager) Pipeline() *domain.Pipeline {
	return m.pipeline
}

func (m *PipelineManager) log() *slog.Logger {
	if m.pipeline == nil {
		return m.logger
	}
	return m.logger.With(
		slog.String("pipeline_id", m.pipeline.ID),
		slog.String("correlation_id", m.pipeline.CorrelationID),
	)
}

// Start moves a created pipeline to running and runs the first coordination pass.
// Starting a pipeline that is already running only coordinates it.
func (m *PipelineManager) Start(ctx context.Context) (CoordinationReport, error) {
	ok, err := m.store.CompareAndSetPipelineStatus(ctx, m.pipeline.ID,
		[]domain.PipelineStatus{domain.PipelineStatusCreated}, domain.PipelineStatusRunning)
	if err != nil {
		return CoordinationReport{}, err
	}
	if err := m.Load(ctx, m.pipeline.ID); err != nil {
		return CoordinationReport{}, err
	}

	if !ok {
		switch {
		case m.pipeline.Status.IsTerminal():
			return CoordinationReport{PipelineID: m.pipeline.ID, Status: m.pipeline.Status},
				fmt.Errorf("pipeline %s is %s: %w", m.pipeline.ID, m.pipeline.Status, domain.ErrPipelineTerminal)
		case m.pipeline.Status == domain.PipelineStatusPaused:
			return CoordinationReport{PipelineID: m.pipeline.ID, Status: m.pipeline.Status}, nil
		}
	} else {
		m.log().Info("Pipeline started")
	}

	return m.Coordinate(ctx)
}

// Coordinate runs one coordination pass:
//
//  1. every pending job whose dependencies hold is moved to queued and published;
//  2. every pending job with an unfulfillable dependency is skipped, repeated until no
//     more jobs change, so skips cascade down the graph within the pass;
//  3. the pipeline status is recomputed and persisted if it changed.
//
// Each write is a compare-and-set, so concurrent passes never publish a job twice.
// Terminal and paused pipelines are left untouched.
func (m *PipelineManager) Coordinate(ctx context.Context) (CoordinationReport, error) {
	p, err := m.store.GetPipeline(ctx, m.pipeline.ID)
	if err != nil {
		return CoordinationReport{}, err
	}
	m.pipeline = p
	report := CoordinationReport{PipelineID: p.ID, Status: p.Status}

	switch {
	case p.Status.IsTerminal(), p.Status == domain.PipelineStatusPaused:
		return report, nil
	case p.Status == domain.PipelineStatusCreated:
		return report, fmt.Errorf("pipeline %s: %w", p.ID, domain.ErrPipelineNotStarted)
	}

	jobs, err := m.advance(ctx, &report)
	if err != nil {
		return report, err
	}

	next := ComputeStatus(jobs)
	if next == p.Status {
		return report, nil
	}

	changed, err := m.store.CompareAndSetPipelineStatus(ctx, p.ID, []domain.PipelineStatus{p.Status}, next)
	if err != nil {
		return report, err
	}
	if err := m.Load(ctx, p.ID); err != nil {
		return report, err
	}
	report.Status = m.pipeline.Status
	report.StatusChanged = changed

	if changed {
		m.log().Info("Pipeline status changed",
			slog.String("from", string(p.Status)),
			slog.String("to", string(next)),
		)
	}
	return report, nil
}

// advance enqueues and skips pending jobs until a fixpoint and returns the final job list.
func (m *PipelineManager) advance(ctx context.Context, report *CoordinationReport) ([]*domain.JobRun, error) {
	edges, err := m.store.ListPipelineDependencies(ctx, m.pipeline.ID)
	if err != nil {
		return nil, err
	}
	byJob := make(map[string][]domain.DependencyEdge, len(edges))
	for _, e := range edges {
		byJob[e.JobRunID] = append(byJob[e.JobRunID], e)
	}

	for {
		jobs, err := m.store.ListPipelineJobs(ctx, m.pipeline.ID)
		if err != nil {
			return nil, err
		}
		statuses := make(map[string]domain.JobStatus, len(jobs))
		for _, j := range jobs {
			statuses[j.ID] = j.Status
		}
		statusOf := func(id string) *domain.JobStatus {
			s, ok := statuses[id]
			if !ok {
				return nil
			}
			return &s
		}

		progressed := false
		for _, job := range jobs {
			if job.Status != domain.JobStatusPending {
				continue
			}

			st := EvaluateDependencies(byJob[job.ID], statusOf)
			switch {
			case st.Unfulfillable:
				moved, err := m.skip(ctx, job)
				if err != nil {
					return nil, err
				}
				if moved {
					report.Skipped = append(report.Skipped, job.ID)
					statuses[job.ID] = domain.JobStatusSkipped
					progressed = true
				}
			case st.Satisfied:
				status, err := m.enqueue(ctx, job)
				if err != nil {
					return nil, err
				}
				switch status {
				case domain.JobStatusQueued:
					report.Enqueued = append(report.Enqueued, job.ID)
				case domain.JobStatusFailed:
					report.EnqueueFailed = append(report.EnqueueFailed, job.ID)
					progressed = true
				}
				if status != "" {
					statuses[job.ID] = status
				}
			}
		}

		if !progressed {
			return jobs, nil
		}
	}
}

func (m *PipelineManager) skip(ctx context.Context, job *domain.JobRun) (bool, error) {
	reason := ReasonUnfulfillableDependency
	moved, err := m.store.TransitionJobRun(ctx, job.ID, domain.JobStatusSkipped, storage.JobUpdate{
		ErrorMessage:    &reason,
		FailureCategory: domain.FailureDependencyFailure.Ptr(),
	})
	if err != nil {
		return false, err
	}
	if moved {
		m.log().Info("Job skipped",
			slog.String("job_run_id", job.ID),
			slog.String("job_key", job.JobKey),
			slog.String("reason", reason),
		)
	}
	return moved, nil
}

// enqueue moves a pending job to queued and publishes it. Only the pass that wins the
// compare-and-set publishes. A publish failure fails the job with enqueue_error.
// It returns the status the job ended in, or "" if another pass got there first.
func (m *PipelineManager) enqueue(ctx context.Context, job *domain.JobRun) (domain.JobStatus, error) {
	won, err := m.store.TransitionJobRun(ctx, job.ID, domain.JobStatusQueued, storage.JobUpdate{})
	if err != nil {
		return "", err
	}
	if !won {
		return "", nil
	}

	msg := domain.JobMessage{JobName: job.JobKind, JobRunID: job.ID}
	if err := m.queue.Publish(ctx, msg, 0); err != nil {
		m.log().Error("Failed to enqueue job",
			slog.String("job_run_id", job.ID),
			slog.String("job_key", job.JobKey),
			slog.Any("error", err),
		)
		text := err.Error()
		if _, terr := m.store.TransitionJobRun(ctx, job.ID, domain.JobStatusFailed, storage.JobUpdate{
			ErrorMessage:    &text,
			FailureCategory: domain.FailureEnqueueError.Ptr(),
		}); terr != nil {
			return "", terr
		}
		return domain.JobStatusFailed, nil
	}

	m.log().Info("Job enqueued",
		slog.String("job_run_id", job.ID),
		slog.String("job_key", job.JobKey),
		slog.String("job_kind", job.JobKind),
	)
	return domain.JobStatusQueued, nil
}

// Cancel marks the pipeline cancelled and cancels its pending and queued jobs.
// Running jobs observe the cancellation cooperatively; their late results do not
// change the pipeline status.
func (m *PipelineManager) Cancel(ctx context.Context, reason string) (int64, error) {
	if reason == "" {
		reason = "pipeline cancelled"
	}
	n, err := m.store.CancelPipeline(ctx, m.pipeline.ID, reason)
	if err != nil {
		return 0, err
	}
	if err := m.Load(ctx, m.pipeline.ID); err != nil {
		return n, err
	}
	return n, nil
}

// Pause stops a running pipeline from enqueueing new jobs. Jobs already queued or running finish.
func (m *PipelineManager) Pause(ctx context.Context) error {
	ok, err := m.store.CompareAndSetPipelineStatus(ctx, m.pipeline.ID,
		[]domain.PipelineStatus{domain.PipelineStatusRunning}, domain.PipelineStatusPaused)
	if err != nil {
		return err
	}
	if err := m.Load(ctx, m.pipeline.ID); err != nil {
		return err
	}
	if !ok && m.pipeline.Status != domain.PipelineStatusPaused {
		return fmt.Errorf("cannot pause pipeline %s in status %s: %w", m.pipeline.ID, m.pipeline.Status, domain.ErrPipelineState)
	}
	return nil
}

// Resume moves a paused pipeline back to running and coordinates it.
func (m *PipelineManager) Resume(ctx context.Context) (CoordinationReport, error) {
	ok, err := m.store.CompareAndSetPipelineStatus(ctx, m.pipeline.ID,
		[]domain.PipelineStatus{domain.PipelineStatusPaused}, domain.PipelineStatusRunning)
	if err != nil {
		return CoordinationReport{}, err
	}
	if err := m.Load(ctx, m.pipeline.ID); err != nil {
		return CoordinationReport{}, err
	}
	if !ok && m.pipeline.Status != domain.PipelineStatusRunning {
		return CoordinationReport{PipelineID: m.pipeline.ID, Status: m.pipeline.Status},
			fmt.Errorf("cannot resume pipeline %s in status %s: %w", m.pipeline.ID, m.pipeline.Status, domain.ErrPipelineState)
	}
	return m.Coordinate(ctx)
}

// ComputeStatus derives the pipeline status from its job runs:
// running while anything is pending, queued or running; succeeded when every job
// succeeded (or there are none); failed when nothing succeeded; partial otherwise.
// Cancellation is never derived, it is only set by Cancel.
func ComputeStatus(jobs []*domain.JobRun) domain.PipelineStatus {
	succeeded := 0
	for _, j := range jobs {
		switch j.Status {
		case domain.JobStatusPending, domain.JobStatusQueued, domain.JobStatusRunning:
			return domain.PipelineStatusRunning
		case domain.JobStatusSucceeded:
			succeeded++
		}
	}

	switch {
	case succeeded == len(jobs):
		return domain.PipelineStatusSucceeded
	case succeeded == 0:
		return domain.PipelineStatusFailed
	default:
		return domain.PipelineStatusPartial
	}
}
