package jobs_test

import (
	"context"
	"errors"
	"testing"

	"github.com/cuongbtq/variant-pipeline/internal/domain"
	"github.com/cuongbtq/variant-pipeline/internal/jobs"
	"github.com/cuongbtq/variant-pipeline/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	reg := jobs.NewRegistry(jobs.Deps{})

	assert.Equal(t, []jobs.Kind{
		jobs.KindAnnotateVariants,
		jobs.KindCoordinatePipeline,
		jobs.KindNoop,
		jobs.KindRefreshViews,
		jobs.KindStartPipeline,
	}, reg.Kinds())

	assert.True(t, reg.Has("noop"))
	assert.False(t, reg.Has("launch_rockets"))

	_, err := reg.Lookup("launch_rockets")
	var kindErr *domain.UnknownJobKindError
	require.ErrorAs(t, err, &kindErr)
	assert.Equal(t, domain.FailureConfigurationError, domain.Classify(err))
}

func TestAnnotateVariants_WithoutAnnotatorFails(t *testing.T) {
	h := newHarness(t, nil)
	_, runs := testutil.CreatePipeline(t, h.store, annotateSpec("a", "v1"))

	res, err := h.deliver(context.Background(), domain.JobMessage{JobName: string(jobs.KindAnnotateVariants), JobRunID: runs["a"].ID})
	require.NoError(t, err)
	assert.Equal(t, domain.ResultException, res.Status)
	assert.Equal(t, domain.FailureConfigurationError, res.Exception.Category)
	assert.False(t, res.Exception.Retryable)
}

func TestDispatcher_StartPipeline(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	d := jobs.NewDispatcher(h.store, h.queue, testutil.Logger())

	_, err := d.StartPipeline(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	p, _ := testutil.CreatePipeline(t, h.store, testutil.JobSpec{Key: "a"})
	_, err = h.store.CancelPipeline(ctx, p.ID, "before start")
	require.NoError(t, err)

	_, err = d.StartPipeline(ctx, p.ID)
	assert.ErrorIs(t, err, domain.ErrPipelineTerminal)
	assert.Empty(t, h.queue.Messages())
}

func TestDispatcher_EnqueueFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.queue.Err = errors.New("connection closed")
	d := jobs.NewDispatcher(h.store, h.queue, testutil.Logger())

	_, err := d.EnqueueStandalone(context.Background(), jobs.KindNoop, map[string]any{"k": "v"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrEnqueueFailed)

	var count int
	require.NoError(t, h.store.DB().Get(&count,
		h.store.DB().Rebind(`SELECT COUNT(*) FROM job_runs WHERE status = ? AND failure_category = ?`),
		domain.JobStatusFailed, domain.FailureEnqueueError))
	assert.Equal(t, 1, count)
}
