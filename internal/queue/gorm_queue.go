package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/sagehq/sage/internal/domain"
	"gorm.io/gorm"
)

// GormQueue implements Queue on top of the relational tasks table. The claim
// is a guarded UPDATE with a rows-affected check, so two workers can never
// hold the same task inside one lease window.
type GormQueue struct {
	db   *gorm.DB
	opts Options
}

// NewGormQueue creates a queue bound to db.
// Parameters:
//   - db: GORM database handle; the tasks table must be migrated.
//   - opts: redelivery options; zero MaxAttempts falls back to defaults.
// Returns:
//   - *GormQueue: queue instance.
func NewGormQueue(db *gorm.DB, opts Options) *GormQueue {
	if opts.MaxAttempts <= 0 {
		opts = DefaultOptions()
	}
	return &GormQueue{db: db, opts: opts}
}

// Enqueue makes task available for delivery.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - task: task to persist; State and AvailableAt are set here.
// Returns:
//   - error: non-nil if the insert fails.
func (q *GormQueue) Enqueue(ctx context.Context, task *domain.Task) error {
	now := time.Now().UTC()
	task.State = domain.TaskStateQueued
	if task.AvailableAt.IsZero() {
		task.AvailableAt = now
	}
	task.CreatedAt = now
	task.UpdatedAt = now
	if err := q.db.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

// Dequeue claims the next available task. The candidate read and the guarded
// claim are separate statements; losing a race just means trying the next
// candidate.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - visibilityTimeout: how long the claim hides the task from other workers.
// Returns:
//   - *domain.Task: the claimed task, or nil when nothing is available.
//   - error: non-nil if the query fails.
func (q *GormQueue) Dequeue(ctx context.Context, visibilityTimeout time.Duration) (*domain.Task, error) {
	now := time.Now().UTC()

	// A few candidates, oldest first. Racing workers skip to the next one.
	var candidates []domain.Task
	err := q.db.WithContext(ctx).
		Where("state = ? AND available_at <= ?", domain.TaskStateQueued, now).
		Order("available_at ASC").
		Limit(8).
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("failed to poll queue: %w", err)
	}

	for i := range candidates {
		task := candidates[i]
		lease := now.Add(visibilityTimeout)
		res := q.db.WithContext(ctx).Model(&domain.Task{}).
			Where("id = ? AND state = ?", task.ID, domain.TaskStateQueued).
			Updates(map[string]interface{}{
				"state":            domain.TaskStateInFlight,
				"attempt_count":    gorm.Expr("attempt_count + 1"),
				"lease_expires_at": lease,
				"updated_at":       now,
			})
		if res.Error != nil {
			return nil, fmt.Errorf("failed to claim task: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			continue // another worker got there first
		}
		task.State = domain.TaskStateInFlight
		task.AttemptCount++
		task.LeaseExpiresAt = &lease
		task.UpdatedAt = now
		return &task, nil
	}

	return nil, nil
}

// Ack marks a claimed task done.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - taskID: ID of the claimed task.
// Returns:
//   - error: non-nil if the task is not in flight or the update fails.
func (q *GormQueue) Ack(ctx context.Context, taskID string) error {
	res := q.db.WithContext(ctx).Model(&domain.Task{}).
		Where("id = ? AND state = ?", taskID, domain.TaskStateInFlight).
		Updates(map[string]interface{}{
			"state":            domain.TaskStateDone,
			"lease_expires_at": nil,
			"updated_at":       time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to ack task: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// Lease already expired and the task went back to queued; the rerun
		// must be idempotent anyway, so this is not fatal.
		return fmt.Errorf("task %s not in flight", taskID)
	}
	return nil
}

// ExtendVisibility pushes out the lease of a claimed task. Long-running
// handlers call this to keep redelivery from racing a slow success.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - taskID: ID of the claimed task.
//   - d: new visibility window measured from now.
// Returns:
//   - error: non-nil if the task is not in flight or the update fails.
func (q *GormQueue) ExtendVisibility(ctx context.Context, taskID string, d time.Duration) error {
	now := time.Now().UTC()
	res := q.db.WithContext(ctx).Model(&domain.Task{}).
		Where("id = ? AND state = ?", taskID, domain.TaskStateInFlight).
		Updates(map[string]interface{}{
			"lease_expires_at": now.Add(d),
			"updated_at":       now,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to extend visibility: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("task %s not in flight", taskID)
	}
	return nil
}

// Fail transitions a task to failed regardless of its attempt budget.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - taskID: task to fail.
//   - reason: recorded as the task's fail reason.
// Returns:
//   - error: non-nil if the task is already terminal or the update fails.
func (q *GormQueue) Fail(ctx context.Context, taskID string, reason string) error {
	res := q.db.WithContext(ctx).Model(&domain.Task{}).
		Where("id = ? AND state IN ?", taskID, []domain.TaskState{domain.TaskStateQueued, domain.TaskStateInFlight}).
		Updates(map[string]interface{}{
			"state":            domain.TaskStateFailed,
			"fail_reason":      reason,
			"lease_expires_at": nil,
			"updated_at":       time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to fail task: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("task %s already terminal", taskID)
	}
	return nil
}

// ReapExpired requeues expired in-flight tasks with exponential backoff and
// fails the ones that exhausted their attempt budget.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - now: current time; injected for testability.
// Returns:
//   - []domain.Task: tasks transitioned to failed by this sweep.
//   - error: non-nil if the sweep query fails.
func (q *GormQueue) ReapExpired(ctx context.Context, now time.Time) ([]domain.Task, error) {
	var expired []domain.Task
	err := q.db.WithContext(ctx).
		Where("state = ? AND lease_expires_at <= ?", domain.TaskStateInFlight, now).
		Find(&expired).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list expired tasks: %w", err)
	}

	var failed []domain.Task
	for i := range expired {
		task := expired[i]
		if task.AttemptCount >= q.opts.MaxAttempts {
			res := q.db.WithContext(ctx).Model(&domain.Task{}).
				Where("id = ? AND state = ?", task.ID, domain.TaskStateInFlight).
				Updates(map[string]interface{}{
					"state":            domain.TaskStateFailed,
					"fail_reason":      domain.ErrTaskExhausted.Error(),
					"lease_expires_at": nil,
					"updated_at":       now,
				})
			if res.Error != nil {
				return failed, fmt.Errorf("failed to fail task: %w", res.Error)
			}
			if res.RowsAffected > 0 {
				task.State = domain.TaskStateFailed
				task.FailReason = domain.ErrTaskExhausted.Error()
				failed = append(failed, task)
			}
			continue
		}

		availableAt := now.Add(q.opts.Backoff(task.AttemptCount))
		res := q.db.WithContext(ctx).Model(&domain.Task{}).
			Where("id = ? AND state = ?", task.ID, domain.TaskStateInFlight).
			Updates(map[string]interface{}{
				"state":            domain.TaskStateQueued,
				"available_at":     availableAt,
				"lease_expires_at": nil,
				"updated_at":       now,
			})
		if res.Error != nil {
			return failed, fmt.Errorf("failed to requeue task: %w", res.Error)
		}
	}

	return failed, nil
}
