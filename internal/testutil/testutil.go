// Package testutil provides a SQLite-backed store and an in-memory queue for tests.
package testutil

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/variant-pipeline/internal/domain"
	"github.com/cuongbtq/variant-pipeline/internal/storage"
	"github.com/cuongbtq/variant-pipeline/shared/database"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// Logger returns a logger that discards output
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewStore opens a migrated SQLite store in a temp directory
func NewStore(t testing.TB) *storage.Store {
	t.Helper()

	client, err := database.NewClient(&database.Config{
		Driver:       database.DriverSQLite,
		Path:         filepath.Join(t.TempDir(), "pipeline.db"),
		MaxOpenConns: 8,
	}, Logger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store := storage.NewStore(client.GetDB(), Logger())
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

// Published is one message recorded by Queue
type Published struct {
	Message domain.JobMessage
	Delay   time.Duration
}

// Queue records published messages. Set Err, or FailFor by job run id, to simulate broker failures.
type Queue struct {
	mu       sync.Mutex
	messages []Published
	Err      error
	FailFor  map[string]error
}

// NewQueue creates an empty recording queue
func NewQueue() *Queue {
	return &Queue{FailFor: map[string]error{}}
}

// Publish records msg
func (q *Queue) Publish(_ context.Context, msg domain.JobMessage, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.Err != nil {
		return fmt.Errorf("%w: %v", domain.ErrEnqueueFailed, q.Err)
	}
	if err, ok := q.FailFor[msg.JobRunID]; ok {
		return fmt.Errorf("%w: %v", domain.ErrEnqueueFailed, err)
	}
	q.messages = append(q.messages, Published{Message: msg, Delay: delay})
	return nil
}

// Messages returns a copy of everything published so far
func (q *Queue) Messages() []Published {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Published(nil), q.messages...)
}

// JobRunIDs returns the job run ids published so far, in order
func (q *Queue) JobRunIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.messages))
	for _, m := range q.messages {
		out = append(out, m.Message.JobRunID)
	}
	return out
}

// Drain returns and clears the recorded messages
func (q *Queue) Drain() []Published {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.messages
	q.messages = nil
	return out
}

// Dep declares an edge from the enclosing job to the job with key On
type Dep struct {
	On   string
	Type domain.DependencyType
}

// JobSpec declares one job of a test pipeline
type JobSpec struct {
	Key    string
	Kind   string
	Params map[string]any
	Deps   []Dep
}

// CreatePipeline persists a pipeline in created state and returns it with its job runs by key.
// Jobs without dependencies get a NULL dependency row, like the factory writes.
func CreatePipeline(t testing.TB, store *storage.Store, jobs ...JobSpec) (*domain.Pipeline, map[string]*domain.JobRun) {
	t.Helper()

	pipelineID := uuid.NewString()
	p := &domain.Pipeline{
		ID:            pipelineID,
		URN:           "urn:pipeline:test:" + pipelineID,
		Name:          "test",
		Status:        domain.PipelineStatusCreated,
		CorrelationID: uuid.NewString(),
	}

	runs := make(map[string]*domain.JobRun, len(jobs))
	ordered := make([]*domain.JobRun, 0, len(jobs))
	for _, spec := range jobs {
		kind := spec.Kind
		if kind == "" {
			kind = "noop"
		}
		run := &domain.JobRun{
			ID:             uuid.NewString(),
			PipelineID:     &pipelineID,
			JobKey:         spec.Key,
			JobKind:        kind,
			Status:         domain.JobStatusPending,
			MaxRetries:     3,
			ClaimedAttempt: -1,
			Params:         domain.JSONMap(spec.Params),
			CorrelationID:  p.CorrelationID,
		}
		runs[spec.Key] = run
		ordered = append(ordered, run)
	}

	var deps []*domain.JobDependency
	for _, spec := range jobs {
		if len(spec.Deps) == 0 {
			deps = append(deps, &domain.JobDependency{
				JobRunID:       runs[spec.Key].ID,
				PipelineID:     pipelineID,
				DependencyType: domain.DependencySuccessRequired,
			})
			continue
		}
		for _, d := range spec.Deps {
			target, ok := runs[d.On]
			require.True(t, ok, "unknown dependency %q", d.On)
			deps = append(deps, &domain.JobDependency{
				JobRunID:          runs[spec.Key].ID,
				PipelineID:        pipelineID,
				DependsOnJobRunID: &target.ID,
				DependencyType:    d.Type,
			})
		}
	}

	require.NoError(t, store.CreatePipelineGraph(context.Background(), p, ordered, deps))
	return p, runs
}

// SetJobStatus forces a job run through the legal transitions up to status
func SetJobStatus(t testing.TB, store *storage.Store, jobRunID string, status domain.JobStatus) {
	t.Helper()

	ctx := context.Background()
	path := []domain.JobStatus{domain.JobStatusQueued, domain.JobStatusRunning}
	for _, step := range path {
		if step == status {
			break
		}
		_, err := store.TransitionJobRun(ctx, jobRunID, step, storage.JobUpdate{})
		require.NoError(t, err)
	}
	_, err := store.TransitionJobRun(ctx, jobRunID, status, storage.JobUpdate{})
	require.NoError(t, err)

	run, err := store.GetJobRun(ctx, jobRunID)
	require.NoError(t, err)
	require.Equal(t, status, run.Status)
}
