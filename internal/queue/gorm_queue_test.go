package queue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/sagehq/sage/internal/domain"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.Task{}))
	return db
}

func newTask(jobID string, role domain.AgentRole) *domain.Task {
	return &domain.Task{
		ID:      uuid.New().String(),
		JobID:   jobID,
		Role:    role,
		Payload: domain.JSONPayload{"symbol": "AAPL"},
	}
}

func TestEnqueueDequeue(t *testing.T) {
	q := NewGormQueue(newTestDB(t), DefaultOptions())
	ctx := context.Background()

	task := newTask("job-1", domain.RoleResearch)
	require.NoError(t, q.Enqueue(ctx, task))

	got, err := q.Dequeue(ctx, 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, domain.TaskStateInFlight, got.State)
	assert.Equal(t, 1, got.AttemptCount)
	require.NotNil(t, got.LeaseExpiresAt)

	// claimed task is invisible inside the lease window
	again, err := q.Dequeue(ctx, 30*time.Second)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestDequeueEmptyQueue(t *testing.T) {
	q := NewGormQueue(newTestDB(t), DefaultOptions())

	got, err := q.Dequeue(context.Background(), 30*time.Second)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDequeueHonorsAvailableAt(t *testing.T) {
	q := NewGormQueue(newTestDB(t), DefaultOptions())
	ctx := context.Background()

	task := newTask("job-1", domain.RoleAnalytics)
	task.AvailableAt = time.Now().UTC().Add(time.Hour)
	require.NoError(t, q.Enqueue(ctx, task))

	got, err := q.Dequeue(ctx, 30*time.Second)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDequeueOldestFirst(t *testing.T) {
	q := NewGormQueue(newTestDB(t), DefaultOptions())
	ctx := context.Background()

	older := newTask("job-1", domain.RoleResearch)
	older.AvailableAt = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, q.Enqueue(ctx, older))

	newer := newTask("job-1", domain.RoleAnalytics)
	require.NoError(t, q.Enqueue(ctx, newer))

	got, err := q.Dequeue(ctx, 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, older.ID, got.ID)
}

func TestAck(t *testing.T) {
	db := newTestDB(t)
	q := NewGormQueue(db, DefaultOptions())
	ctx := context.Background()

	task := newTask("job-1", domain.RoleResearch)
	require.NoError(t, q.Enqueue(ctx, task))

	got, err := q.Dequeue(ctx, 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)

	require.NoError(t, q.Ack(ctx, got.ID))

	var stored domain.Task
	require.NoError(t, db.First(&stored, "id = ?", got.ID).Error)
	assert.Equal(t, domain.TaskStateDone, stored.State)
	assert.Nil(t, stored.LeaseExpiresAt)

	// double ack is rejected
	assert.Error(t, q.Ack(ctx, got.ID))
}

func TestFail(t *testing.T) {
	db := newTestDB(t)
	q := NewGormQueue(db, DefaultOptions())
	ctx := context.Background()

	task := newTask("job-1", domain.RoleProjection)
	require.NoError(t, q.Enqueue(ctx, task))

	got, err := q.Dequeue(ctx, 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)

	require.NoError(t, q.Fail(ctx, got.ID, "no handler for role"))

	var stored domain.Task
	require.NoError(t, db.First(&stored, "id = ?", got.ID).Error)
	assert.Equal(t, domain.TaskStateFailed, stored.State)
	assert.Equal(t, "no handler for role", stored.FailReason)
	assert.Nil(t, stored.LeaseExpiresAt)

	// terminal tasks cannot be failed twice or redelivered
	assert.Error(t, q.Fail(ctx, got.ID, "again"))
	again, err := q.Dequeue(ctx, 30*time.Second)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestReapRequeuesWithBackoff(t *testing.T) {
	db := newTestDB(t)
	opts := DefaultOptions()
	q := NewGormQueue(db, opts)
	ctx := context.Background()

	task := newTask("job-1", domain.RoleProjection)
	require.NoError(t, q.Enqueue(ctx, task))

	got, err := q.Dequeue(ctx, time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, got)

	sweep := time.Now().UTC().Add(time.Second)
	failed, err := q.ReapExpired(ctx, sweep)
	require.NoError(t, err)
	assert.Empty(t, failed)

	var stored domain.Task
	require.NoError(t, db.First(&stored, "id = ?", got.ID).Error)
	assert.Equal(t, domain.TaskStateQueued, stored.State)
	assert.Nil(t, stored.LeaseExpiresAt)
	// one attempt spent, so the delay is Backoff(1)
	assert.WithinDuration(t, sweep.Add(opts.Backoff(1)), stored.AvailableAt, time.Second)
}

func TestReapFailsExhaustedTasks(t *testing.T) {
	db := newTestDB(t)
	opts := Options{MaxAttempts: 2, BackoffBase: time.Millisecond, BackoffCap: time.Millisecond}
	q := NewGormQueue(db, opts)
	ctx := context.Background()

	task := newTask("job-1", domain.RoleResearch)
	require.NoError(t, q.Enqueue(ctx, task))

	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		// let the backoff from the previous reap elapse
		time.Sleep(5 * time.Millisecond)

		got, err := q.Dequeue(ctx, time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, got, "attempt %d should be delivered", attempt)
		assert.Equal(t, attempt, got.AttemptCount)

		failed, err := q.ReapExpired(ctx, time.Now().UTC().Add(time.Second))
		require.NoError(t, err)

		if attempt < opts.MaxAttempts {
			assert.Empty(t, failed)
		} else {
			require.Len(t, failed, 1)
			assert.Equal(t, task.ID, failed[0].ID)
			assert.Equal(t, domain.TaskStateFailed, failed[0].State)
			assert.Equal(t, domain.ErrTaskExhausted.Error(), failed[0].FailReason)
		}
	}

	var stored domain.Task
	require.NoError(t, db.First(&stored, "id = ?", task.ID).Error)
	assert.Equal(t, domain.TaskStateFailed, stored.State)
}

func TestReapIgnoresLiveLeases(t *testing.T) {
	q := NewGormQueue(newTestDB(t), DefaultOptions())
	ctx := context.Background()

	task := newTask("job-1", domain.RoleResearch)
	require.NoError(t, q.Enqueue(ctx, task))

	_, err := q.Dequeue(ctx, time.Hour)
	require.NoError(t, err)

	failed, err := q.ReapExpired(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, failed)

	// still invisible
	got, err := q.Dequeue(ctx, time.Hour)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestExtendVisibility(t *testing.T) {
	db := newTestDB(t)
	q := NewGormQueue(db, DefaultOptions())
	ctx := context.Background()

	task := newTask("job-1", domain.RoleAnalytics)
	require.NoError(t, q.Enqueue(ctx, task))

	got, err := q.Dequeue(ctx, time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, got)

	require.NoError(t, q.ExtendVisibility(ctx, got.ID, time.Hour))

	// the pushed-out lease survives a sweep that would have reclaimed it
	failed, err := q.ReapExpired(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, failed)

	var stored domain.Task
	require.NoError(t, db.First(&stored, "id = ?", got.ID).Error)
	assert.Equal(t, domain.TaskStateInFlight, stored.State)
}

func TestExtendVisibilityRequiresClaim(t *testing.T) {
	q := NewGormQueue(newTestDB(t), DefaultOptions())
	ctx := context.Background()

	task := newTask("job-1", domain.RoleResearch)
	require.NoError(t, q.Enqueue(ctx, task))

	assert.Error(t, q.ExtendVisibility(ctx, task.ID, time.Minute))
}
