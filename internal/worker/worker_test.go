package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/variant-pipeline/internal/domain"
	"github.com/cuongbtq/variant-pipeline/internal/jobs"
	"github.com/cuongbtq/variant-pipeline/internal/queue"
	"github.com/cuongbtq/variant-pipeline/internal/storage"
	"github.com/cuongbtq/variant-pipeline/internal/testutil"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type settlement struct {
	ack     bool
	requeue bool
}

// fakeAcknowledger records ACK/NACK calls by delivery tag
type fakeAcknowledger struct {
	mu      sync.Mutex
	settled map[uint64]settlement
}

func newFakeAcknowledger() *fakeAcknowledger {
	return &fakeAcknowledger{settled: map[uint64]settlement{}}
}

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settled[tag] = settlement{ack: true}
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settled[tag] = settlement{requeue: requeue}
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcknowledger) get(tag uint64) (settlement, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.settled[tag]
	return s, ok
}

func (a *fakeAcknowledger) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.settled)
}

type fakeBroker struct {
	deliveries chan amqp.Delivery
	prefetch   int
}

func (b *fakeBroker) Qos(prefetchCount int) error {
	b.prefetch = prefetchCount
	return nil
}

func (b *fakeBroker) Consume(string) (<-chan amqp.Delivery, error) {
	return b.deliveries, nil
}

type fixture struct {
	t      *testing.T
	store  *storage.Store
	queue  *testutil.Queue
	broker *fakeBroker
	acker  *fakeAcknowledger
	worker *Worker
	tag    uint64
	errCh  chan error
	cancel context.CancelFunc
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		t:      t,
		store:  testutil.NewStore(t),
		queue:  testutil.NewQueue(),
		broker: &fakeBroker{deliveries: make(chan amqp.Delivery)},
		acker:  newFakeAcknowledger(),
		errCh:  make(chan error, 1),
	}
	f.worker = NewWorker(&Config{
		Logger:          testutil.Logger(),
		Broker:          f.broker,
		Store:           f.store,
		Queue:           f.queue,
		Registry:        jobs.NewRegistry(jobs.Deps{}),
		Settings:        jobs.Settings{HeartbeatInterval: time.Hour},
		WorkerID:        "worker-test",
		QueueName:       "variant_jobs",
		Concurrency:     2,
		ShutdownTimeout: time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() { f.errCh <- f.worker.Start(ctx) }()

	t.Cleanup(func() {
		cancel()
		f.worker.Stop()
	})
	return f
}

func (f *fixture) send(body []byte) uint64 {
	f.tag++
	f.broker.deliveries <- amqp.Delivery{Acknowledger: f.acker, DeliveryTag: f.tag, Body: body}
	return f.tag
}

func (f *fixture) sendMessage(msg domain.JobMessage) uint64 {
	body, err := queue.Encode(msg)
	require.NoError(f.t, err)
	return f.send(body)
}

func (f *fixture) waitSettled(tag uint64) settlement {
	f.t.Helper()
	require.Eventually(f.t, func() bool {
		_, ok := f.acker.get(tag)
		return ok
	}, 5*time.Second, 5*time.Millisecond)
	s, _ := f.acker.get(tag)
	return s
}

func TestShouldRequeueJob(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"unknown kind", &domain.UnknownJobKindError{Kind: "mystery"}, false},
		{"invalid payload", fmt.Errorf("decode: %w", domain.ErrInvalidPayload), false},
		{"shutdown", context.Canceled, true},
		{"deadline", fmt.Errorf("claim: %w", context.DeadlineExceeded), true},
		{"store outage", domain.NewRetryableError(errors.New("connection refused")), true},
		{"other", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, shouldRequeueJob(tt.err))
		})
	}
}

func TestWorker_RunsPipelineToCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, runs := testutil.CreatePipeline(t, f.store,
		testutil.JobSpec{Key: "first"},
		testutil.JobSpec{Key: "second", Deps: []testutil.Dep{{On: "first", Type: domain.DependencySuccessRequired}}},
	)

	_, err := jobs.NewDispatcher(f.store, f.queue, testutil.Logger()).StartPipeline(ctx, p.ID)
	require.NoError(t, err)

	for round := 0; round < 10; round++ {
		published := f.queue.Drain()
		if len(published) == 0 {
			break
		}
		for _, msg := range published {
			s := f.waitSettled(f.sendMessage(msg.Message))
			assert.True(t, s.ack)
		}
	}

	got, err := f.store.GetPipeline(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PipelineStatusSucceeded, got.Status)
	for key, run := range runs {
		job, err := f.store.GetJobRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusSucceeded, job.Status, key)
	}
	assert.Equal(t, 2, f.broker.prefetch)
}

func TestWorker_MalformedMessagesAreDeadLettered(t *testing.T) {
	f := newFixture(t)

	s := f.waitSettled(f.send([]byte("{not json")))
	assert.False(t, s.ack)
	assert.False(t, s.requeue)

	s = f.waitSettled(f.sendMessage(domain.JobMessage{JobName: "noop", JobRunID: "not-a-uuid"}))
	assert.False(t, s.ack)
	assert.False(t, s.requeue)
}

func TestWorker_UnknownKindFailsJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, runs := testutil.CreatePipeline(t, f.store, testutil.JobSpec{Key: "only", Kind: "mystery"})
	ok, err := f.store.CompareAndSetPipelineStatus(ctx, p.ID, []domain.PipelineStatus{domain.PipelineStatusCreated}, domain.PipelineStatusRunning)
	require.NoError(t, err)
	require.True(t, ok)
	testutil.SetJobStatus(t, f.store, runs["only"].ID, domain.JobStatusQueued)

	s := f.waitSettled(f.sendMessage(domain.JobMessage{JobName: "mystery", JobRunID: runs["only"].ID}))
	assert.False(t, s.ack)
	assert.False(t, s.requeue)

	job, err := f.store.GetJobRun(ctx, runs["only"].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	require.NotNil(t, job.FailureCategory)
	assert.Equal(t, domain.FailureConfigurationError, *job.FailureCategory)

	got, err := f.store.GetPipeline(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PipelineStatusFailed, got.Status)
}

func TestWorker_DuplicateDeliveryIsAcked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	run, err := jobs.NewDispatcher(f.store, f.queue, testutil.Logger()).EnqueueStandalone(ctx, jobs.KindNoop, nil)
	require.NoError(t, err)
	msg := f.queue.Drain()[0].Message

	assert.True(t, f.waitSettled(f.sendMessage(msg)).ack)
	assert.True(t, f.waitSettled(f.sendMessage(msg)).ack)

	job, err := f.store.GetJobRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusSucceeded, job.Status)
	assert.Equal(t, 2, f.acker.count())
}

func TestWorker_StartReturnsWhenDeliveriesClose(t *testing.T) {
	f := newFixture(t)
	close(f.broker.deliveries)

	select {
	case err := <-f.errCh:
		assert.ErrorIs(t, err, ErrDeliveriesClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return")
	}
}
