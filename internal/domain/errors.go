package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a pipeline, job run or annotation row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrJobAlreadyClaimed is returned when a job run cannot be claimed for the requested attempt
	ErrJobAlreadyClaimed = errors.New("job run already claimed or not runnable")

	// ErrInvalidPayload is returned when a queue message or job parameters are malformed
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrPipelineTerminal is returned when mutating a pipeline that already finished
	ErrPipelineTerminal = errors.New("pipeline is in a terminal state")

	// ErrPipelineState is returned when pausing or resuming a pipeline from the wrong status
	ErrPipelineState = errors.New("pipeline status does not allow this operation")

	// ErrPipelineNotStarted is returned when coordinating a pipeline still in created state
	ErrPipelineNotStarted = errors.New("pipeline has not been started")

	// ErrJobCancelled is returned by job bodies that observed a cancellation request
	ErrJobCancelled = errors.New("job cancelled")

	// ErrEnqueueFailed wraps publish failures on the job queue
	ErrEnqueueFailed = errors.New("failed to enqueue job")
)

// InvalidTransitionError is returned when a job run status write conflicts with its current status.
type InvalidTransitionError struct {
	JobRunID string
	From     JobStatus
	To       JobStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for job run %s: %s -> %s", e.JobRunID, e.From, e.To)
}

// CyclicDependencyError is returned when a pipeline definition's dependencies form a cycle.
type CyclicDependencyError struct {
	Pipeline string
	Keys     []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("pipeline %q has cyclic dependencies among jobs [%s]", e.Pipeline, strings.Join(e.Keys, ", "))
}

// MissingParameterError is returned when a job parameter references an undefined pipeline parameter.
type MissingParameterError struct {
	JobKey    string
	Parameter string
}

func (e *MissingParameterError) Error() string {
	return fmt.Sprintf("job %q references missing pipeline parameter %q", e.JobKey, e.Parameter)
}

// UnknownJobKindError is returned when a job kind has no registered handler.
type UnknownJobKindError struct {
	Kind string
}

func (e *UnknownJobKindError) Error() string {
	return fmt.Sprintf("no handler registered for job kind %q", e.Kind)
}

// JobError is an error raised by a job body with an explicit failure category.
type JobError struct {
	Category FailureCategory
	Err      error
}

func (e *JobError) Error() string {
	if e.Err == nil {
		return string(e.Category)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Err.Error())
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// NewJobError wraps err with a failure category.
func NewJobError(category FailureCategory, err error) error {
	return &JobError{Category: category, Err: err}
}

// RetryableError wraps transient errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}
