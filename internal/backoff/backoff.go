// Package backoff re-enqueues job messages with exponential delay up to an attempt ceiling.
package backoff

import (
	"context"
	"errors"
	"time"

	"github.com/cuongbtq/variant-pipeline/internal/domain"
	"github.com/cuongbtq/variant-pipeline/internal/queue"
)

// DefaultMaxAttempts is the attempt ceiling used when a Policy leaves it unset.
const DefaultMaxAttempts = 5

// maxDelay keeps base*2^attempt from overflowing time.Duration
const maxDelay = 24 * time.Hour

// ErrLimitReached is reported once the attempt ceiling is hit.
var ErrLimitReached = errors.New("backoff attempt limit reached")

// Policy configures EnqueueWithBackoff.
type Policy struct {
	// Base is the delay of attempt 0; attempt n waits Base * 2^n.
	Base time.Duration
	// MaxAttempts is the ceiling; a call with attempt >= MaxAttempts does not enqueue.
	MaxAttempts int
}

// DefaultPolicy returns the policy used by the engine when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{Base: 5 * time.Second, MaxAttempts: DefaultMaxAttempts}
}

// Exhausted reports whether attempt has reached the ceiling.
func (p Policy) Exhausted(attempt int) bool {
	ceiling := p.MaxAttempts
	if ceiling <= 0 {
		ceiling = DefaultMaxAttempts
	}
	return attempt >= ceiling
}

// Outcome describes what EnqueueWithBackoff did.
type Outcome struct {
	Enqueued     bool
	LimitReached bool
	NextAttempt  int
	Delay        time.Duration
}

// Delay returns base * 2^attempt, capped at 24h.
func Delay(attempt int, base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= maxDelay || d <= 0 {
			return maxDelay
		}
	}
	return d
}

// EnqueueWithBackoff republishes msg as the next attempt after Delay(msg.Attempt, policy.Base).
// When msg.Attempt has reached the ceiling nothing is published and the outcome reports
// LimitReached, so the caller can fail the job permanently instead of dropping it.
func EnqueueWithBackoff(ctx context.Context, q queue.Publisher, msg domain.JobMessage, policy Policy) (Outcome, error) {
	if policy.Exhausted(msg.Attempt) {
		return Outcome{LimitReached: true, NextAttempt: msg.Attempt}, nil
	}

	delay := Delay(msg.Attempt, policy.Base)
	next := msg
	next.Attempt = msg.Attempt + 1
	next.DeliveryTag = 0
	next.Redelivered = false
	next.Recheck = false

	if err := q.Publish(ctx, next, delay); err != nil {
		return Outcome{NextAttempt: next.Attempt, Delay: delay}, err
	}

	return Outcome{Enqueued: true, NextAttempt: next.Attempt, Delay: delay}, nil
}
