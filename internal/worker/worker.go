// Package worker consumes job messages from RabbitMQ and runs them on a pool of goroutines.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/variant-pipeline/internal/domain"
	"github.com/cuongbtq/variant-pipeline/internal/jobs"
	"github.com/cuongbtq/variant-pipeline/internal/queue"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Broker is the part of the RabbitMQ client the worker consumes from
type Broker interface {
	Qos(prefetchCount int) error
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// Config holds worker configuration
type Config struct {
	Logger          *slog.Logger
	Broker          Broker
	Store           jobs.Store
	Queue           queue.Publisher
	Registry        *jobs.Registry
	Settings        jobs.Settings
	WorkerID        string
	QueueName       string
	Concurrency     int
	PrefetchCount   int
	ShutdownTimeout time.Duration
	TestMode        bool
}

// task is one delivery handed from the dispatcher to the pool
type task struct {
	msg      domain.JobMessage
	delivery amqp.Delivery
}

// Worker represents the background job worker
type Worker struct {
	logger          *slog.Logger
	broker          Broker
	store           jobs.Store
	queue           queue.Publisher
	registry        *jobs.Registry
	settings        jobs.Settings
	workerID        string
	queueName       string
	concurrency     int
	prefetchCount   int
	shutdownTimeout time.Duration
	testMode        bool

	jobsChan   chan *task
	stopChan   chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	jobCtx     context.Context
	cancelJobs context.CancelFunc
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	prefetch := cfg.PrefetchCount
	if prefetch <= 0 {
		prefetch = concurrency
	}

	jobCtx, cancelJobs := context.WithCancel(context.Background())

	return &Worker{
		logger:          cfg.Logger,
		broker:          cfg.Broker,
		store:           cfg.Store,
		queue:           cfg.Queue,
		registry:        cfg.Registry,
		settings:        cfg.Settings,
		workerID:        cfg.WorkerID,
		queueName:       cfg.QueueName,
		concurrency:     concurrency,
		prefetchCount:   prefetch,
		shutdownTimeout: cfg.ShutdownTimeout,
		testMode:        cfg.TestMode,
		jobsChan:        make(chan *task),
		stopChan:        make(chan struct{}),
		jobCtx:          jobCtx,
		cancelJobs:      cancelJobs,
	}
}

// Start consumes and processes jobs until ctx is canceled or the delivery channel closes.
// In-flight jobs keep running after Start returns; call Stop to wait for them.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.settings.JobTimeout),
		slog.Bool("test_mode", w.testMode),
	)

	deliveries, err := w.setupConsumer()
	if err != nil {
		return err
	}

	w.spawnWorkerPool()

	return w.startMessageDispatcher(ctx, deliveries)
}

// Stop gracefully stops the worker. Jobs still running after the shutdown timeout are
// cancelled; their deliveries go back to the queue.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.logger.Info("Stopping worker...")
		close(w.stopChan)

		done := make(chan struct{})
		go func() {
			w.wg.Wait()
			close(done)
		}()

		if w.shutdownTimeout > 0 {
			select {
			case <-done:
			case <-time.After(w.shutdownTimeout):
				w.logger.Warn("Worker shutdown timeout exceeded, cancelling running jobs",
					slog.Duration("shutdown_timeout", w.shutdownTimeout),
				)
				w.cancelJobs()
				<-done
			}
		} else {
			<-done
		}

		w.cancelJobs()
		w.logger.Info("Worker stopped")
	})
}
