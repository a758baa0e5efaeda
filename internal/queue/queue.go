// Package queue is the job queue boundary: an append-only channel of job messages.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/variant-pipeline/internal/domain"
	"github.com/cuongbtq/variant-pipeline/shared/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ContentType of every job message body
const ContentType = "application/json"

// Publisher enqueues job messages, optionally deferring delivery
type Publisher interface {
	Publish(ctx context.Context, msg domain.JobMessage, delay time.Duration) error
}

// Broker is the subset of the RabbitMQ client the publisher needs
type Broker interface {
	PublishWithRetry(ctx context.Context, msg rabbitmq.Message) error
}

// RabbitPublisher publishes job messages as JSON on the broker
type RabbitPublisher struct {
	broker Broker
	logger *slog.Logger
}

// NewRabbitPublisher creates a publisher over the broker client
func NewRabbitPublisher(broker Broker, logger *slog.Logger) *RabbitPublisher {
	return &RabbitPublisher{broker: broker, logger: logger}
}

// Publish marshals msg and hands it to the broker. The job run id becomes the AMQP message
// id and the job name its type, so broker tooling can trace a job without decoding bodies.
// Failures wrap domain.ErrEnqueueFailed.
func (p *RabbitPublisher) Publish(ctx context.Context, msg domain.JobMessage, delay time.Duration) error {
	body, err := Encode(msg)
	if err != nil {
		return err
	}

	err = p.broker.PublishWithRetry(ctx, rabbitmq.Message{
		Body:        body,
		ContentType: ContentType,
		MessageID:   msg.JobRunID,
		Type:        msg.JobName,
		Headers:     amqp.Table{"attempt": int32(msg.Attempt), "recheck": msg.Recheck},
		Delay:       delay,
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrEnqueueFailed, msg.JobRunID, err)
	}

	p.logger.Info("Job message published",
		slog.String("job_run_id", msg.JobRunID),
		slog.String("job_name", msg.JobName),
		slog.Int("attempt", msg.Attempt),
		slog.Duration("delay", delay),
	)
	return nil
}

// Encode serializes a job message
func Encode(msg domain.JobMessage) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job message: %w", err)
	}
	return body, nil
}

// Decode parses and validates a job message body
func Decode(body []byte) (domain.JobMessage, error) {
	var msg domain.JobMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	if msg.JobRunID == "" || msg.JobName == "" {
		return msg, fmt.Errorf("%w: job_name and job_run_id are required", domain.ErrInvalidPayload)
	}
	if msg.Attempt < 0 {
		return msg, fmt.Errorf("%w: negative attempt", domain.ErrInvalidPayload)
	}
	return msg, nil
}
