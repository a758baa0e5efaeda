package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/variant-pipeline/internal/domain"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool() {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(i)
	}

	w.logger.Info("Worker pool spawned successfully",
		slog.Int("worker_count", w.concurrency),
	)
}

// workerLoop is the main processing loop for each worker goroutine
func (w *Worker) workerLoop(workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Info("Worker goroutine started",
		slog.String("worker_name", workerName),
		slog.Int("worker_num", workerNum),
	)

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Worker goroutine stopping - stopChan closed",
				slog.String("worker_name", workerName),
			)
			return

		case t := <-w.jobsChan:
			w.logger.Info("Worker received job",
				slog.String("worker_name", workerName),
				slog.String("job_run_id", t.msg.JobRunID),
				slog.Uint64("delivery_tag", t.msg.DeliveryTag),
			)

			err := w.processJob(w.jobCtx, workerName, t.msg)
			w.settle(workerName, t, err)
		}
	}
}

// settle ACKs the delivery when the job was handled, whatever its outcome. Errors mean the
// job run was never recorded, so the delivery is NACKed and requeued only when another
// worker could do better.
func (w *Worker) settle(workerName string, t *task, err error) {
	if err == nil {
		if ackErr := t.delivery.Ack(false); ackErr != nil {
			w.logger.Error("Failed to ACK message",
				slog.String("worker_name", workerName),
				slog.String("job_run_id", t.msg.JobRunID),
				slog.String("error", ackErr.Error()),
			)
		}
		return
	}

	requeue := shouldRequeueJob(err)
	w.logger.Error("Job processing failed",
		slog.String("worker_name", workerName),
		slog.String("job_run_id", t.msg.JobRunID),
		slog.String("job_name", t.msg.JobName),
		slog.String("error", err.Error()),
		slog.Bool("requeue", requeue),
	)
	w.nack(t.delivery, requeue)
}

// shouldRequeueJob reports whether a failed delivery should go back on the queue.
// Shutdown and transient store errors are requeued; unknown kinds, bad payloads and
// anything unclassified are not.
func shouldRequeueJob(err error) bool {
	var (
		kindErr      *domain.UnknownJobKindError
		retryableErr *domain.RetryableError
	)
	switch {
	case errors.As(err, &kindErr), errors.Is(err, domain.ErrInvalidPayload):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.As(err, &retryableErr):
		return true
	default:
		return false
	}
}
