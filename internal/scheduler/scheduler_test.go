package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/cuongbtq/variant-pipeline/internal/config"
	"github.com/cuongbtq/variant-pipeline/internal/domain"
	"github.com/cuongbtq/variant-pipeline/internal/jobs"
	"github.com/cuongbtq/variant-pipeline/internal/scheduler"
	"github.com/cuongbtq/variant-pipeline/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newScheduler(t *testing.T) (*scheduler.Scheduler, *testutil.Queue, *jobs.Dispatcher) {
	t.Helper()
	store := testutil.NewStore(t)
	q := testutil.NewQueue()
	dispatcher := jobs.NewDispatcher(store, q, testutil.Logger())
	registry := jobs.NewRegistry(jobs.Deps{})
	return scheduler.New(dispatcher, registry, time.UTC, testutil.Logger()), q, dispatcher
}

func TestScheduler_Register(t *testing.T) {
	s, _, _ := newScheduler(t)

	require.NoError(t, s.Register(config.ScheduledEntry{
		Name:     "nightly-refresh",
		Kind:     string(jobs.KindRefreshViews),
		Schedule: "0 3 * * *",
	}))
	require.NoError(t, s.Register(config.ScheduledEntry{Name: "heartbeat", Kind: "noop", Schedule: "@every 1m"}))

	assert.Equal(t, []string{"heartbeat", "nightly-refresh"}, s.Names())

	_, ok := s.Next("nightly-refresh")
	assert.True(t, ok)
	_, ok = s.Next("missing")
	assert.False(t, ok)
}

func TestScheduler_RegisterRejectsInvalidEntries(t *testing.T) {
	s, _, _ := newScheduler(t)

	err := s.Register(config.ScheduledEntry{Name: "bad-kind", Kind: "mystery", Schedule: "@hourly"})
	var kindErr *domain.UnknownJobKindError
	require.ErrorAs(t, err, &kindErr)
	assert.Equal(t, "mystery", kindErr.Kind)

	err = s.Register(config.ScheduledEntry{Name: "bad-spec", Kind: "noop", Schedule: "not a schedule"})
	assert.Error(t, err)

	err = s.Register(config.ScheduledEntry{Kind: "noop", Schedule: "@hourly"})
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)

	require.NoError(t, s.Register(config.ScheduledEntry{Name: "once", Kind: "noop", Schedule: "@hourly"}))
	err = s.Register(config.ScheduledEntry{Name: "once", Kind: "noop", Schedule: "@daily"})
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)

	assert.Equal(t, []string{"once"}, s.Names())
}

func TestScheduler_TriggerEnqueuesStandaloneJob(t *testing.T) {
	s, q, _ := newScheduler(t)
	require.NoError(t, s.Register(config.ScheduledEntry{
		Name:     "nightly-refresh",
		Kind:     string(jobs.KindRefreshViews),
		Schedule: "0 3 * * *",
		Params:   map[string]any{"views": []any{"mv_variant_annotation_summary"}},
	}))

	run, err := s.Trigger(context.Background(), "nightly-refresh")
	require.NoError(t, err)
	assert.Nil(t, run.PipelineID)
	assert.Equal(t, string(jobs.KindRefreshViews), run.JobKind)

	published := q.Messages()
	require.Len(t, published, 1)
	assert.Equal(t, run.ID, published[0].Message.JobRunID)
	assert.Equal(t, string(jobs.KindRefreshViews), published[0].Message.JobName)

	_, err = s.Trigger(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFromConfig(t *testing.T) {
	store := testutil.NewStore(t)
	dispatcher := jobs.NewDispatcher(store, testutil.NewQueue(), testutil.Logger())
	registry := jobs.NewRegistry(jobs.Deps{})

	s, err := scheduler.FromConfig(config.SchedulerConfig{
		Enabled:  true,
		Location: "America/New_York",
		Entries:  []config.ScheduledEntry{{Name: "hourly", Kind: "noop", Schedule: "@hourly"}},
	}, dispatcher, registry, testutil.Logger())
	require.NoError(t, err)
	assert.Equal(t, []string{"hourly"}, s.Names())

	_, err = scheduler.FromConfig(config.SchedulerConfig{Location: "Mars/Olympus"}, dispatcher, registry, testutil.Logger())
	assert.Error(t, err)
}

func TestScheduler_StartStopsWithContext(t *testing.T) {
	s, _, _ := newScheduler(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
