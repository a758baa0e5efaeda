package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/cuongbtq/variant-pipeline/internal/domain"
	"github.com/cuongbtq/variant-pipeline/internal/storage"
)

// ReasonUnfulfillableDependency is recorded on jobs skipped because a dependency can never hold.
const ReasonUnfulfillableDependency = "unfulfillable dependency"

// JobManager is the single point of mutation for one job run.
type JobManager struct {
	store  Store
	logger *slog.Logger
	job    *domain.JobRun
	saved  map[string]any
}

// NewJobManager creates a JobManager. Call Load before anything else.
func NewJobManager(store Store, logger *slog.Logger) *JobManager {
	return &JobManager{
		store:  store,
		logger: logger,
		saved:  map[string]any{},
	}
}

// Load fetches the job run. It fails with domain.ErrNotFound if absent.
func (m *JobManager) Load(ctx context.Context, jobRunID string) error {
	job, err := m.store.GetJobRun(ctx, jobRunID)
	if err != nil {
		return err
	}
	m.job = job
	return nil
}

// Attach uses an already loaded job run, e.g. the row returned by a claim.
func (m *JobManager) Attach(job *domain.JobRun) {
	m.job = job
}

// Job returns the last read state of the job run.
func (m *JobManager) Job() *domain.JobRun {
	return m.job
}

// Refresh re-reads the job run.
func (m *JobManager) Refresh(ctx context.Context) error {
	if m.job == nil {
		return fmt.Errorf("job manager: no job loaded")
	}
	return m.Load(ctx, m.job.ID)
}

// UpdateProgress persists percent-complete and a message. It never changes status.
func (m *JobManager) UpdateProgress(ctx context.Context, current, total int, message string) error {
	percent := 0
	if total > 0 {
		percent = current * 100 / total
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	if err := m.store.UpdateProgress(ctx, m.job.ID, percent, message); err != nil {
		return err
	}
	m.job.ProgressPercent = percent
	m.job.ProgressMessage = message

	m.Logger().Debug("Job progress",
		slog.Int("percent", percent),
		slog.String("message", message),
	)
	return nil
}

// DependencyState evaluates every edge pointing at this job against fresh statuses.
func (m *JobManager) DependencyState(ctx context.Context) (DependencyState, error) {
	edges, err := m.store.ListDependenciesFor(ctx, m.job.ID)
	if err != nil {
		return DependencyState{}, err
	}
	return EvaluateDependencies(edges, edgeStatus(edges)), nil
}

// DependenciesSatisfied reports whether all edges of this job hold.
func (m *JobManager) DependenciesSatisfied(ctx context.Context) (bool, error) {
	st, err := m.DependencyState(ctx)
	if err != nil {
		return false, err
	}
	return st.Satisfied, nil
}

// MarkQueued moves a pending job to queued.
func (m *JobManager) MarkQueued(ctx context.Context) error {
	return m.transition(ctx, domain.JobStatusQueued, storage.JobUpdate{})
}

// MarkRunning moves the job to running.
func (m *JobManager) MarkRunning(ctx context.Context) error {
	return m.transition(ctx, domain.JobStatusRunning, storage.JobUpdate{})
}

// MarkSucceeded records the result and moves the job to succeeded.
func (m *JobManager) MarkSucceeded(ctx context.Context, result map[string]any) error {
	return m.transition(ctx, domain.JobStatusSucceeded, storage.JobUpdate{Result: domain.JSONMap(result)})
}

// MarkFailed records the error and its category and moves the job to failed.
// An empty category is derived from the error.
func (m *JobManager) MarkFailed(ctx context.Context, cause error, category domain.FailureCategory) error {
	if category == "" {
		category = domain.Classify(cause)
	}
	if category == "" {
		category = domain.FailureUnknown
	}
	msg := string(category)
	if cause != nil {
		msg = cause.Error()
	}
	return m.transition(ctx, domain.JobStatusFailed, storage.JobUpdate{
		ErrorMessage:    &msg,
		FailureCategory: category.Ptr(),
	})
}

// MarkSkipped moves the job to skipped.
func (m *JobManager) MarkSkipped(ctx context.Context, reason string) error {
	return m.transition(ctx, domain.JobStatusSkipped, storage.JobUpdate{
		ErrorMessage:    &reason,
		FailureCategory: domain.FailureDependencyFailure.Ptr(),
	})
}

// MarkCancelled moves the job to cancelled.
func (m *JobManager) MarkCancelled(ctx context.Context, reason string) error {
	return m.transition(ctx, domain.JobStatusCancelled, storage.JobUpdate{
		ErrorMessage:    &reason,
		FailureCategory: domain.FailureCancelled.Ptr(),
	})
}

// transition writes a status change. Repeating the current status is a no-op;
// any other conflict is an *domain.InvalidTransitionError.
func (m *JobManager) transition(ctx context.Context, to domain.JobStatus, upd storage.JobUpdate) error {
	if m.job == nil {
		return fmt.Errorf("job manager: no job loaded")
	}

	ok, err := m.store.TransitionJobRun(ctx, m.job.ID, to, upd)
	if err != nil {
		return err
	}

	current, err := m.store.GetJobRun(ctx, m.job.ID)
	if err != nil {
		return err
	}
	from := m.job.Status
	m.job = current

	if !ok && current.Status != to {
		return &domain.InvalidTransitionError{JobRunID: current.ID, From: current.Status, To: to}
	}

	if ok {
		m.Logger().Info("Job status changed",
			slog.String("from", string(from)),
			slog.String("to", string(to)),
		)
	}
	return nil
}

// IsCancellationRequested re-reads the job and its pipeline and reports whether either was cancelled.
func (m *JobManager) IsCancellationRequested(ctx context.Context) (bool, error) {
	job, err := m.store.GetJobRun(ctx, m.job.ID)
	if err != nil {
		return false, err
	}
	if job.Status == domain.JobStatusCancelled {
		return true, nil
	}
	if !job.InPipeline() {
		return false, nil
	}

	p, err := m.store.GetPipeline(ctx, *job.PipelineID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return p.Status == domain.PipelineStatusCancelled, nil
}

// SaveToContext adds key/values to every log line of this job.
func (m *JobManager) SaveToContext(values map[string]any) {
	for k, v := range values {
		m.saved[k] = v
	}
}

// LoggingContext returns the attributes attached to every log line of this job.
func (m *JobManager) LoggingContext() []slog.Attr {
	var attrs []slog.Attr
	if m.job != nil {
		attrs = append(attrs,
			slog.String("correlation_id", m.job.CorrelationID),
			slog.String("job_run_id", m.job.ID),
			slog.String("job_kind", m.job.JobKind),
			slog.String("job_key", m.job.JobKey),
		)
		if m.job.InPipeline() {
			attrs = append(attrs, slog.String("pipeline_id", *m.job.PipelineID))
		}
	}

	keys := make([]string, 0, len(m.saved))
	for k := range m.saved {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, m.saved[k]))
	}
	return attrs
}

// Logger returns a logger carrying LoggingContext.
func (m *JobManager) Logger() *slog.Logger {
	attrs := m.LoggingContext()
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return m.logger.With(args...)
}
