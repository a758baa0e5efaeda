package storage_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/variant-pipeline/internal/domain"
	"github.com/cuongbtq/variant-pipeline/internal/storage"
	"github.com/cuongbtq/variant-pipeline/internal/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrate_Idempotent(t *testing.T) {
	store := testutil.NewStore(t)
	require.NoError(t, store.Migrate(context.Background()))
}

func TestCreatePipelineGraph(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()

	p, runs := testutil.CreatePipeline(t, store,
		testutil.JobSpec{Key: "a"},
		testutil.JobSpec{Key: "b", Deps: []testutil.Dep{{On: "a", Type: domain.DependencySuccessRequired}}},
	)

	got, err := store.GetPipeline(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PipelineStatusCreated, got.Status)
	assert.Equal(t, p.URN, got.URN)
	assert.Nil(t, got.StartedAt)

	jobs, err := store.ListPipelineJobs(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "a", jobs[0].JobKey)
	assert.Equal(t, -1, jobs[0].ClaimedAttempt)

	edges, err := store.ListPipelineDependencies(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, edges, 2)
	assert.Nil(t, edges[0].DependsOnJobRunID)
	require.NotNil(t, edges[1].DependsOnJobRunID)
	assert.Equal(t, runs["a"].ID, *edges[1].DependsOnJobRunID)
	require.NotNil(t, edges[1].DependsOnStatus)
	assert.Equal(t, domain.JobStatusPending, *edges[1].DependsOnStatus)
}

func TestCreatePipelineGraph_RollsBackOnError(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()

	pid := uuid.NewString()
	p := &domain.Pipeline{ID: pid, URN: "urn:x:" + pid, Name: "broken", Status: domain.PipelineStatusCreated}
	job := &domain.JobRun{ID: uuid.NewString(), PipelineID: &pid, JobKey: "a", JobKind: "noop", ClaimedAttempt: -1}
	missing := "does-not-exist"
	dep := &domain.JobDependency{JobRunID: job.ID, PipelineID: pid, DependsOnJobRunID: &missing, DependencyType: domain.DependencySuccessRequired}

	err := store.CreatePipelineGraph(ctx, p, []*domain.JobRun{job}, []*domain.JobDependency{dep})
	require.Error(t, err)

	_, err = store.GetPipeline(ctx, pid)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = store.GetJobRun(ctx, job.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGetJobRun_NotFound(t *testing.T) {
	store := testutil.NewStore(t)

	_, err := store.GetJobRun(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCompareAndSetPipelineStatus(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()
	p, _ := testutil.CreatePipeline(t, store, testutil.JobSpec{Key: "a"})

	ok, err := store.CompareAndSetPipelineStatus(ctx, p.ID,
		[]domain.PipelineStatus{domain.PipelineStatusCreated}, domain.PipelineStatusRunning)
	require.NoError(t, err)
	assert.True(t, ok)

	// second writer loses
	ok, err = store.CompareAndSetPipelineStatus(ctx, p.ID,
		[]domain.PipelineStatus{domain.PipelineStatusCreated}, domain.PipelineStatusRunning)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.CompareAndSetPipelineStatus(ctx, p.ID,
		domain.NonTerminalPipelineStatuses, domain.PipelineStatusSucceeded)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.GetPipeline(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PipelineStatusSucceeded, got.Status)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.FinishedAt)

	// terminal rows never move
	ok, err = store.CompareAndSetPipelineStatus(ctx, p.ID,
		domain.NonTerminalPipelineStatuses, domain.PipelineStatusFailed)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCancelPipeline(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()
	p, runs := testutil.CreatePipeline(t, store,
		testutil.JobSpec{Key: "a"},
		testutil.JobSpec{Key: "b", Deps: []testutil.Dep{{On: "a", Type: domain.DependencySuccessRequired}}},
		testutil.JobSpec{Key: "c"},
	)
	_, err := store.CompareAndSetPipelineStatus(ctx, p.ID,
		[]domain.PipelineStatus{domain.PipelineStatusCreated}, domain.PipelineStatusRunning)
	require.NoError(t, err)
	testutil.SetJobStatus(t, store, runs["a"].ID, domain.JobStatusRunning)
	testutil.SetJobStatus(t, store, runs["c"].ID, domain.JobStatusQueued)

	n, err := store.CancelPipeline(ctx, p.ID, "operator request")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	a, _ := store.GetJobRun(ctx, runs["a"].ID)
	b, _ := store.GetJobRun(ctx, runs["b"].ID)
	c, _ := store.GetJobRun(ctx, runs["c"].ID)
	assert.Equal(t, domain.JobStatusRunning, a.Status)
	assert.Equal(t, domain.JobStatusCancelled, b.Status)
	assert.Equal(t, domain.JobStatusCancelled, c.Status)
	require.NotNil(t, b.FailureCategory)
	assert.Equal(t, domain.FailureCancelled, *b.FailureCategory)

	_, err = store.CancelPipeline(ctx, p.ID, "again")
	assert.ErrorIs(t, err, domain.ErrPipelineTerminal)

	_, err = store.CancelPipeline(ctx, "missing", "x")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTransitionJobRun(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()
	_, runs := testutil.CreatePipeline(t, store, testutil.JobSpec{Key: "a"})
	id := runs["a"].ID

	ok, err := store.TransitionJobRun(ctx, id, domain.JobStatusQueued, storage.JobUpdate{})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.TransitionJobRun(ctx, id, domain.JobStatusSucceeded, storage.JobUpdate{Result: domain.JSONMap{"n": 1}})
	require.NoError(t, err)
	assert.True(t, ok)

	// no way back out of a terminal status
	ok, err = store.TransitionJobRun(ctx, id, domain.JobStatusFailed, storage.JobUpdate{})
	require.NoError(t, err)
	assert.False(t, ok)

	run, err := store.GetJobRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusSucceeded, run.Status)
	assert.Equal(t, float64(1), run.Result["n"])
	assert.Equal(t, 100, run.ProgressPercent)
	assert.NotNil(t, run.QueuedAt)
	assert.NotNil(t, run.FinishedAt)
}

func TestClaimJobRun(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()
	_, runs := testutil.CreatePipeline(t, store, testutil.JobSpec{Key: "a"})
	id := runs["a"].ID
	staleBefore := store.Now().Add(-time.Minute)

	run, err := store.ClaimJobRun(ctx, id, 0, "worker-1", staleBefore)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, run.Status)
	assert.Equal(t, 0, run.ClaimedAttempt)
	require.NotNil(t, run.WorkerID)
	assert.Equal(t, "worker-1", *run.WorkerID)

	// duplicate delivery while the heartbeat is fresh
	_, err = store.ClaimJobRun(ctx, id, 0, "worker-2", staleBefore)
	assert.ErrorIs(t, err, domain.ErrJobAlreadyClaimed)

	// backoff redelivery needs the retry count to match
	_, err = store.ClaimJobRun(ctx, id, 1, "worker-2", staleBefore)
	assert.ErrorIs(t, err, domain.ErrJobAlreadyClaimed)

	ok, err := store.IncrementRetry(ctx, id, 0, "timeout", domain.FailureTimeout)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.IncrementRetry(ctx, id, 0, "timeout", domain.FailureTimeout)
	require.NoError(t, err)
	assert.False(t, ok, "stale expected count must not bump twice")

	run, err = store.ClaimJobRun(ctx, id, 1, "worker-2", staleBefore)
	require.NoError(t, err)
	assert.Equal(t, 1, run.ClaimedAttempt)
	assert.Equal(t, 1, run.RetryCount)

	// a crashed worker's claim can be taken over once its heartbeat is stale
	_, err = store.ClaimJobRun(ctx, id, 1, "worker-3", store.Now().Add(time.Minute))
	require.NoError(t, err)
}

func TestClaimJobRun_TerminalJob(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()
	_, runs := testutil.CreatePipeline(t, store, testutil.JobSpec{Key: "a"})
	testutil.SetJobStatus(t, store, runs["a"].ID, domain.JobStatusCancelled)

	_, err := store.ClaimJobRun(ctx, runs["a"].ID, 0, "worker-1", store.Now().Add(time.Hour))
	assert.ErrorIs(t, err, domain.ErrJobAlreadyClaimed)
}

func TestClaimJobRun_Concurrent(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()
	_, runs := testutil.CreatePipeline(t, store, testutil.JobSpec{Key: "a"})
	staleBefore := store.Now().Add(-time.Minute)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.ClaimJobRun(ctx, runs["a"].ID, 0, uuid.NewString(), staleBefore); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
}

func TestHeartbeatAndProgress(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()
	_, runs := testutil.CreatePipeline(t, store, testutil.JobSpec{Key: "a"})
	id := runs["a"].ID

	alive, err := store.Heartbeat(ctx, id)
	require.NoError(t, err)
	assert.False(t, alive, "pending job has no heartbeat")

	testutil.SetJobStatus(t, store, id, domain.JobStatusRunning)
	alive, err = store.Heartbeat(ctx, id)
	require.NoError(t, err)
	assert.True(t, alive)

	require.NoError(t, store.UpdateProgress(ctx, id, 40, "4/10 variants"))
	run, err := store.GetJobRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 40, run.ProgressPercent)
	assert.Equal(t, "4/10 variants", run.ProgressMessage)
}

func TestRefreshMaterializedView_NoopOnSQLite(t *testing.T) {
	store := testutil.NewStore(t)
	require.NoError(t, store.RefreshMaterializedView(context.Background(), "mv_variant_annotation_summary", false))
}

func TestReleaseJobRun(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()
	_, runs := testutil.CreatePipeline(t, store, testutil.JobSpec{Key: "a"})
	id := runs["a"].ID
	staleBefore := store.Now().Add(-time.Minute)

	_, err := store.ClaimJobRun(ctx, id, 0, "worker-1", staleBefore)
	require.NoError(t, err)

	// only the holder can release
	require.NoError(t, store.ReleaseJobRun(ctx, id, "worker-2"))
	_, err = store.ClaimJobRun(ctx, id, 0, "worker-2", staleBefore)
	assert.ErrorIs(t, err, domain.ErrJobAlreadyClaimed)

	require.NoError(t, store.ReleaseJobRun(ctx, id, "worker-1"))
	run, err := store.ClaimJobRun(ctx, id, 0, "worker-2", staleBefore)
	require.NoError(t, err)
	assert.Equal(t, "worker-2", *run.WorkerID)
}

func TestListPipelines_Pagination(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		p, _ := testutil.CreatePipeline(t, store, testutil.JobSpec{Key: "a"})
		seen[p.ID] = false
	}

	page, err := store.ListPipelines(ctx, storage.PipelineFilter{PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.False(t, page[0].CreatedAt.Before(page[1].CreatedAt))

	last := page[1]
	rest, err := store.ListPipelines(ctx, storage.PipelineFilter{
		PageSize: 2,
		Cursor:   &storage.PipelineCursor{CreatedAt: last.CreatedAt, ID: last.ID},
	})
	require.NoError(t, err)
	require.Len(t, rest, 1)

	for _, p := range append(page[:2], rest...) {
		assert.False(t, seen[p.ID], "pipeline %s listed twice", p.ID)
		seen[p.ID] = true
	}

	_, err = store.CompareAndSetPipelineStatus(ctx, rest[0].ID, []domain.PipelineStatus{domain.PipelineStatusCreated}, domain.PipelineStatusRunning)
	require.NoError(t, err)

	running, err := store.ListPipelines(ctx, storage.PipelineFilter{Status: string(domain.PipelineStatusRunning), PageSize: 10})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, rest[0].ID, running[0].ID)
}
