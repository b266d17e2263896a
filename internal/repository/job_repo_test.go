package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagehq/sage/internal/domain"
)

func createJob(t *testing.T, repo *JobRepository) *domain.Job {
	t.Helper()
	job := &domain.Job{
		ID:             uuid.New().String(),
		RequestedRoles: domain.RoleList{domain.RoleResearch, domain.RoleAnalytics},
		State:          domain.JobStatePending,
		Completed:      domain.RoleResults{},
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	require.NoError(t, repo.Create(context.Background(), job))
	return job
}

func TestUpdateCASDetectsRace(t *testing.T) {
	repo := NewJobRepository(newTestDB(t))
	ctx := context.Background()

	job := createJob(t, repo)

	// two readers get the same version
	a, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	b, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)

	a.Completed[domain.RoleResearch] = domain.JSONPayload{}
	a.Recompute()
	require.NoError(t, repo.UpdateCAS(ctx, a))

	// the second writer lost and must re-read
	b.Completed[domain.RoleAnalytics] = domain.JSONPayload{}
	b.Recompute()
	err = repo.UpdateCAS(ctx, b)
	assert.ErrorIs(t, err, ErrStaleJob)
	// the version is restored so the caller can re-read and retry
	assert.Equal(t, job.Version, b.Version)

	// retry on a fresh read succeeds and keeps both results
	fresh, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	fresh.Completed[domain.RoleAnalytics] = domain.JSONPayload{}
	fresh.Recompute()
	require.NoError(t, repo.UpdateCAS(ctx, fresh))

	final, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateComplete, final.State)
	assert.Len(t, final.Completed, 2)
}

func TestListActiveOlderThan(t *testing.T) {
	repo := NewJobRepository(newTestDB(t))
	ctx := context.Background()

	stale := createJob(t, repo)
	// push the creation time into the past
	require.NoError(t, repo.db.Model(&domain.Job{}).
		Where("id = ?", stale.ID).
		Update("created_at", time.Now().UTC().Add(-time.Hour)).Error)

	createJob(t, repo) // fresh job stays out of the sweep

	jobs, err := repo.ListActiveOlderThan(ctx, time.Now().UTC().Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, stale.ID, jobs[0].ID)
}

func TestListUnarchivedTerminal(t *testing.T) {
	repo := NewJobRepository(newTestDB(t))
	ctx := context.Background()

	createJob(t, repo) // pending, never listed

	done := createJob(t, repo)
	got, err := repo.GetByID(ctx, done.ID)
	require.NoError(t, err)
	got.State = domain.JobStateComplete
	require.NoError(t, repo.UpdateCAS(ctx, got))

	jobs, err := repo.ListUnarchivedTerminal(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, done.ID, jobs[0].ID)

	// stamping archived_at removes it from the list
	got, err = repo.GetByID(ctx, done.ID)
	require.NoError(t, err)
	now := time.Now().UTC()
	got.ArchivedAt = &now
	require.NoError(t, repo.UpdateCAS(ctx, got))

	jobs, err = repo.ListUnarchivedTerminal(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestCountByState(t *testing.T) {
	repo := NewJobRepository(newTestDB(t))
	ctx := context.Background()

	createJob(t, repo)
	createJob(t, repo)

	n, err := repo.CountByState(ctx, domain.JobStatePending)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	n, err = repo.CountByState(ctx, domain.JobStateComplete)
	require.NoError(t, err)
	assert.Zero(t, n)
}
