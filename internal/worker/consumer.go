package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/variant-pipeline/internal/domain"
	"github.com/cuongbtq/variant-pipeline/internal/queue"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrDeliveriesClosed is returned by Start when the broker closes the delivery channel
var ErrDeliveriesClosed = errors.New("rabbitmq delivery channel closed")

// setupConsumer sets up RabbitMQ consumer with QoS and returns delivery channel
func (w *Worker) setupConsumer() (<-chan amqp.Delivery, error) {
	// prefetch bounds the unacknowledged messages held by this consumer
	if err := w.broker.Qos(w.prefetchCount); err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	w.logger.Info("RabbitMQ QoS configured",
		slog.Int("prefetch_count", w.prefetchCount),
	)

	deliveries, err := w.broker.Consume(w.workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	w.logger.Info("RabbitMQ consumer started",
		slog.String("consumer_tag", w.workerID),
		slog.String("queue", w.queueName),
	)

	return deliveries, nil
}

// startMessageDispatcher hands decoded deliveries to the worker pool until ctx is done or
// the broker closes the channel.
func (w *Worker) startMessageDispatcher(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	w.logger.Info("Message dispatcher started", slog.String("worker_id", w.workerID))

	for {
		var (
			delivery amqp.Delivery
			ok       bool
		)
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled")
			return nil
		case delivery, ok = <-deliveries:
			if !ok {
				w.logger.Warn("RabbitMQ delivery channel closed")
				return ErrDeliveriesClosed
			}
		}

		msg, err := decodeDelivery(delivery)
		if err != nil {
			w.logger.Error("Rejecting job message",
				slog.String("error", err.Error()),
				slog.String("body", string(delivery.Body)),
			)
			// dead-lettered when the queue has one, dropped otherwise
			w.nack(delivery, false)
			continue
		}

		select {
		case w.jobsChan <- &task{msg: msg, delivery: delivery}:
			w.logger.Debug("Job dispatched to worker pool",
				slog.String("job_run_id", msg.JobRunID),
				slog.String("job_name", msg.JobName),
				slog.Uint64("delivery_tag", delivery.DeliveryTag),
			)
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped while dispatching job",
				slog.String("job_run_id", msg.JobRunID),
			)
			w.nack(delivery, true)
			return nil
		}
	}
}

// decodeDelivery parses the body and stamps the broker metadata onto the message.
func decodeDelivery(delivery amqp.Delivery) (domain.JobMessage, error) {
	msg, err := queue.Decode(delivery.Body)
	if err != nil {
		return domain.JobMessage{}, err
	}
	if _, err := uuid.Parse(msg.JobRunID); err != nil {
		return domain.JobMessage{}, fmt.Errorf("job_run_id %q is not a UUID: %w", msg.JobRunID, err)
	}
	msg.DeliveryTag = delivery.DeliveryTag
	msg.Redelivered = delivery.Redelivered
	return msg, nil
}

func (w *Worker) nack(delivery amqp.Delivery, requeue bool) {
	if err := delivery.Nack(false, requeue); err != nil {
		w.logger.Error("Failed to NACK message",
			slog.Uint64("delivery_tag", delivery.DeliveryTag),
			slog.Bool("requeue", requeue),
			slog.String("error", err.Error()),
		)
	}
}
