package manager_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/cuongbtq/variant-pipeline/internal/domain"
	"github.com/cuongbtq/variant-pipeline/internal/manager"
	"github.com/cuongbtq/variant-pipeline/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadJob(t *testing.T, store manager.Store, id string) *manager.JobManager {
	t.Helper()
	jm := manager.NewJobManager(store, testutil.Logger())
	require.NoError(t, jm.Load(context.Background(), id))
	return jm
}

func TestJobManager_LoadNotFound(t *testing.T) {
	store := testutil.NewStore(t)
	jm := manager.NewJobManager(store, testutil.Logger())

	err := jm.Load(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestJobManager_NoDependenciesAreSatisfiedImmediately(t *testing.T) {
	store := testutil.NewStore(t)
	_, runs := testutil.CreatePipeline(t, store,
		testutil.JobSpec{Key: "a"},
		testutil.JobSpec{Key: "b"},
	)

	for _, key := range []string{"a", "b"} {
		ok, err := loadJob(t, store, runs[key].ID).DependenciesSatisfied(context.Background())
		require.NoError(t, err)
		assert.True(t, ok, key)
	}
}

func TestJobManager_DependencyState(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()
	_, runs := testutil.CreatePipeline(t, store,
		testutil.JobSpec{Key: "a"},
		testutil.JobSpec{Key: "b"},
		testutil.JobSpec{Key: "c", Deps: []testutil.Dep{
			{On: "a", Type: domain.DependencySuccessRequired},
			{On: "b", Type: domain.DependencyCompletionRequired},
		}},
	)
	c := loadJob(t, store, runs["c"].ID)

	st, err := c.DependencyState(ctx)
	require.NoError(t, err)
	assert.False(t, st.Satisfied)
	assert.ElementsMatch(t, []string{runs["a"].ID, runs["b"].ID}, st.Waiting)

	testutil.SetJobStatus(t, store, runs["a"].ID, domain.JobStatusSucceeded)
	testutil.SetJobStatus(t, store, runs["b"].ID, domain.JobStatusFailed)

	ok, err := c.DependenciesSatisfied(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestJobManager_Transitions(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()
	_, runs := testutil.CreatePipeline(t, store, testutil.JobSpec{Key: "a"})
	jm := loadJob(t, store, runs["a"].ID)

	require.NoError(t, jm.MarkQueued(ctx))
	require.NoError(t, jm.MarkRunning(ctx))
	require.NoError(t, jm.MarkSucceeded(ctx, map[string]any{"variants": 3}))
	assert.Equal(t, domain.JobStatusSucceeded, jm.Job().Status)

	// same terminal status again is a no-op
	require.NoError(t, jm.MarkSucceeded(ctx, nil))

	err := jm.MarkFailed(ctx, errors.New("late failure"), domain.FailureSystemError)
	require.Error(t, err)
	var transErr *domain.InvalidTransitionError
	require.ErrorAs(t, err, &transErr)
	assert.Equal(t, domain.JobStatusSucceeded, transErr.From)
	assert.Equal(t, domain.JobStatusFailed, transErr.To)

	assert.Error(t, jm.MarkSkipped(ctx, "x"))
	assert.Error(t, jm.MarkCancelled(ctx, "x"))
}

func TestJobManager_MarkFailedClassifies(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()
	_, runs := testutil.CreatePipeline(t, store, testutil.JobSpec{Key: "a"})
	jm := loadJob(t, store, runs["a"].ID)

	require.NoError(t, jm.MarkRunning(ctx))
	require.NoError(t, jm.MarkFailed(ctx, context.DeadlineExceeded, ""))

	job := jm.Job()
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	require.NotNil(t, job.FailureCategory)
	assert.Equal(t, domain.FailureTimeout, *job.FailureCategory)
	require.NotNil(t, job.ErrorMessage)
	assert.Equal(t, context.DeadlineExceeded.Error(), *job.ErrorMessage)

	// failing twice stays idempotent
	require.NoError(t, jm.MarkFailed(ctx, errors.New("again"), domain.FailureUnknown))
}

func TestJobManager_UpdateProgress(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()
	_, runs := testutil.CreatePipeline(t, store, testutil.JobSpec{Key: "a"})
	jm := loadJob(t, store, runs["a"].ID)
	require.NoError(t, jm.MarkRunning(ctx))

	require.NoError(t, jm.UpdateProgress(ctx, 3, 12, "3/12 variants"))
	require.NoError(t, jm.Refresh(ctx))
	assert.Equal(t, 25, jm.Job().ProgressPercent)
	assert.Equal(t, domain.JobStatusRunning, jm.Job().Status)

	require.NoError(t, jm.UpdateProgress(ctx, 5, 0, "unknown total"))
	assert.Equal(t, 0, jm.Job().ProgressPercent)

	require.NoError(t, jm.UpdateProgress(ctx, 20, 10, "overshoot"))
	assert.Equal(t, 100, jm.Job().ProgressPercent)
}

func TestJobManager_LoggingContext(t *testing.T) {
	store := testutil.NewStore(t)
	p, runs := testutil.CreatePipeline(t, store, testutil.JobSpec{Key: "a"})

	var buf bytes.Buffer
	jm := manager.NewJobManager(store, slog.New(slog.NewJSONHandler(&buf, nil)))
	require.NoError(t, jm.Load(context.Background(), runs["a"].ID))
	jm.SaveToContext(map[string]any{"variant_count": 12, "score_set": "urn:mavedb:00000001-a-1"})

	jm.Logger().Info("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, p.CorrelationID, entry["correlation_id"])
	assert.Equal(t, p.ID, entry["pipeline_id"])
	assert.Equal(t, runs["a"].ID, entry["job_run_id"])
	assert.Equal(t, "noop", entry["job_kind"])
	assert.Equal(t, float64(12), entry["variant_count"])
	assert.Equal(t, "urn:mavedb:00000001-a-1", entry["score_set"])
}

func TestJobManager_IsCancellationRequested(t *testing.T) {
	store := testutil.NewStore(t)
	ctx := context.Background()
	p, runs := testutil.CreatePipeline(t, store,
		testutil.JobSpec{Key: "a"},
	)
	pm := manager.NewPipelineManager(store, testutil.NewQueue(), testutil.Logger())
	require.NoError(t, pm.Load(ctx, p.ID))
	_, err := pm.Start(ctx)
	require.NoError(t, err)

	jm := loadJob(t, store, runs["a"].ID)
	require.NoError(t, jm.MarkRunning(ctx))

	cancelled, err := jm.IsCancellationRequested(ctx)
	require.NoError(t, err)
	assert.False(t, cancelled)

	_, err = pm.Cancel(ctx, "stop")
	require.NoError(t, err)

	cancelled, err = jm.IsCancellationRequested(ctx)
	require.NoError(t, err)
	assert.True(t, cancelled)
}
