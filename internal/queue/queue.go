// Package queue provides the durable at-least-once work queue between the
// orchestrator and the agent worker pool. Delivery exclusivity comes from a
// visibility timeout, not a lock: a claimed task stays invisible until its
// lease expires, then becomes eligible for redelivery to any worker.
package queue

import (
	"context"
	"time"

	"github.com/sagehq/sage/internal/domain"
)

// Queue is the contract between producers (orchestrator fan-out) and
// consumers (agent workers). Implementations must be safe for concurrent use
// from any number of processes.
type Queue interface {
	// Enqueue makes task available for delivery.
	Enqueue(ctx context.Context, task *domain.Task) error

	// Dequeue claims the next available task and hides it for the visibility
	// timeout. Returns nil, nil when the queue is empty (non-blocking poll).
	Dequeue(ctx context.Context, visibilityTimeout time.Duration) (*domain.Task, error)

	// Ack marks a claimed task done. A task that is never acked is
	// redelivered after its lease expires.
	Ack(ctx context.Context, taskID string) error

	// ExtendVisibility pushes out the lease of a claimed task.
	ExtendVisibility(ctx context.Context, taskID string, d time.Duration) error

	// Fail moves a task straight to failed with a reason, skipping further
	// redelivery. For tasks that can never succeed, not for transient errors.
	Fail(ctx context.Context, taskID string, reason string) error

	// ReapExpired returns expired in-flight tasks to the queue with backoff,
	// failing those that exhausted their attempt budget. The failed tasks are
	// returned so the caller can surface them instead of dropping them.
	ReapExpired(ctx context.Context, now time.Time) ([]domain.Task, error)
}

// Options tune redelivery behavior.
type Options struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// DefaultOptions match the documented redelivery policy: five attempts with
// exponential backoff between 1s and 60s.
func DefaultOptions() Options {
	return Options{
		MaxAttempts: 5,
		BackoffBase: time.Second,
		BackoffCap:  time.Minute,
	}
}

// Backoff returns the redelivery delay before the given attempt:
// min(2^attempt * base, cap). Attempt counts from 1.
func (o Options) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := o.BackoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= o.BackoffCap {
			return o.BackoffCap
		}
	}
	if d > o.BackoffCap {
		return o.BackoffCap
	}
	return d
}
