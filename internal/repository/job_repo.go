package repository

import (
	"context"
	"errors"
	"time"

	"github.com/sagehq/sage/internal/domain"
	"gorm.io/gorm"
)

// ErrStaleJob is returned when an optimistic update loses a version race.
// Callers re-read and retry; the update is commutative so order does not matter.
var ErrStaleJob = errors.New("job row changed concurrently")

// JobRepository handles job table operations. All mutations after creation go
// through UpdateCAS so concurrent fan-in notifications never lose updates.
type JobRepository struct {
	db *gorm.DB
}

// NewJobRepository creates a new JobRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *JobRepository: repository instance bound to db.
func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create inserts a new job record.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - job: job record to persist.
// Returns:
//   - error: non-nil if the insert fails.
func (r *JobRepository) Create(ctx context.Context, job *domain.Job) error {
	return r.db.WithContext(ctx).Create(job).Error
}

// GetByID retrieves a job by its ID.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: job ID.
// Returns:
//   - *domain.Job: job record if found.
//   - error: non-nil if lookup fails.
func (r *JobRepository) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	var job domain.Job
	if err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// UpdateCAS writes job guarded by the version it was read at. The row is only
// written if nobody else wrote it since the read; otherwise ErrStaleJob.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - job: job with mutations applied; Version holds the value read.
// Returns:
//   - error: ErrStaleJob on a lost race, other non-nil on query failure.
func (r *JobRepository) UpdateCAS(ctx context.Context, job *domain.Job) error {
	readVersion := job.Version
	job.Version = readVersion + 1
	job.UpdatedAt = time.Now().UTC()

	res := r.db.WithContext(ctx).Model(&domain.Job{}).
		Where("id = ? AND version = ?", job.ID, readVersion).
		Updates(map[string]interface{}{
			"state":        job.State,
			"completed":    job.Completed,
			"failed_roles": job.FailedRoles,
			"fail_reason":  job.FailReason,
			"archived_at":  job.ArchivedAt,
			"version":      job.Version,
			"updated_at":   job.UpdatedAt,
		})
	if res.Error != nil {
		job.Version = readVersion
		return res.Error
	}
	if res.RowsAffected == 0 {
		job.Version = readVersion
		return ErrStaleJob
	}
	return nil
}

// ListActiveOlderThan returns non-terminal jobs created before the cutoff.
// The timeout sweeper uses this to force overdue jobs to failed.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - cutoff: creation-time cutoff.
//   - limit: maximum number of records to return.
// Returns:
//   - []domain.Job: matching jobs.
//   - error: non-nil if the query fails.
func (r *JobRepository) ListActiveOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]domain.Job, error) {
	var jobs []domain.Job
	if err := r.db.WithContext(ctx).
		Where("state IN ?", []domain.JobState{domain.JobStatePending, domain.JobStatePartial}).
		Where("created_at < ?", cutoff).
		Limit(limit).
		Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// ListUnarchivedTerminal returns terminal jobs that have not been archived yet.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - limit: maximum number of records to return.
// Returns:
//   - []domain.Job: matching jobs.
//   - error: non-nil if the query fails.
func (r *JobRepository) ListUnarchivedTerminal(ctx context.Context, limit int) ([]domain.Job, error) {
	var jobs []domain.Job
	if err := r.db.WithContext(ctx).
		Where("state IN ?", []domain.JobState{domain.JobStateComplete, domain.JobStateFailed}).
		Where("archived_at IS NULL").
		Limit(limit).
		Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// CountByState counts jobs by state.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - state: job state to count.
// Returns:
//   - int64: number of matching records.
//   - error: non-nil if the query fails.
func (r *JobRepository) CountByState(ctx context.Context, state domain.JobState) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.Job{}).Where("state = ?", state).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
