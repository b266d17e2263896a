package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sagehq/sage/internal/domain"
	"github.com/sagehq/sage/internal/logger"
	"github.com/sagehq/sage/internal/queue"
	"github.com/sagehq/sage/internal/repository"
)

// JobStore is the persistence boundary the orchestrator needs from the job
// repository.
type JobStore interface {
	Create(ctx context.Context, job *domain.Job) error
	GetByID(ctx context.Context, id string) (*domain.Job, error)
	UpdateCAS(ctx context.Context, job *domain.Job) error
	ListActiveOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]domain.Job, error)
	ListUnarchivedTerminal(ctx context.Context, limit int) ([]domain.Job, error)
}

// JobArchiver persists a terminal job's aggregate to long-term storage.
type JobArchiver interface {
	ArchiveJob(ctx context.Context, job *domain.Job) (string, error)
}

// OrchestratorConfig tunes job lifecycle behavior.
type OrchestratorConfig struct {
	JobTimeout    time.Duration
	SweepInterval time.Duration
	ArchiveBatch  int
}

// Orchestrator coordinates one job across its fan-out tasks. Task outcomes
// arrive from workers in arbitrary order and are folded into the job row with
// optimistic concurrency, so two simultaneous completions both land.
type Orchestrator struct {
	jobs     JobStore
	queue    queue.Queue
	archiver JobArchiver
	cfg      OrchestratorConfig
	logger   *logger.Logger
}

// NewOrchestrator creates a new orchestrator. archiver may be nil, in which
// case terminal jobs stay in the database only.
func NewOrchestrator(jobs JobStore, q queue.Queue, archiver JobArchiver, cfg OrchestratorConfig, log *logger.Logger) *Orchestrator {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 5 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Second
	}
	if cfg.ArchiveBatch <= 0 {
		cfg.ArchiveBatch = 50
	}
	return &Orchestrator{
		jobs:     jobs,
		queue:    q,
		archiver: archiver,
		cfg:      cfg,
		logger:   log,
	}
}

// Submit validates the requested roles, creates the job, and enqueues one task
// per role. Validation happens before any write, so an unknown role rejects
// the whole request without side effects. Duplicate roles collapse to one
// task, keeping the first occurrence's position.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - roles: requested role names in caller order.
//   - payload: opaque job payload handed to every task.
// Returns:
//   - *domain.Job: the created job in pending state.
//   - error: wraps domain.ErrUnknownRole if any role name is invalid.
func (o *Orchestrator) Submit(ctx context.Context, roles []string, payload domain.JSONPayload) (*domain.Job, error) {
	if len(roles) == 0 {
		return nil, fmt.Errorf("at least one role is required")
	}

	var requested domain.RoleList
	for _, name := range roles {
		role, err := domain.ParseAgentRole(name)
		if err != nil {
			return nil, err
		}
		if !requested.Contains(role) {
			requested = append(requested, role)
		}
	}

	now := time.Now().UTC()
	job := &domain.Job{
		ID:             uuid.New().String(),
		RequestedRoles: requested,
		Payload:        payload,
		State:          domain.JobStatePending,
		Completed:      domain.RoleResults{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := o.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	for _, role := range requested {
		task := &domain.Task{
			ID:      uuid.New().String(),
			JobID:   job.ID,
			Role:    role,
			Payload: payload,
		}
		if err := o.queue.Enqueue(ctx, task); err != nil {
			// Already-enqueued siblings keep running; the job times out if
			// the missing role never produces a result.
			return nil, fmt.Errorf("failed to enqueue %s task: %w", role, err)
		}
	}

	o.log(ctx).WithFields(logger.Fields{
		logger.FieldJobID: job.ID,
		logger.FieldCount: len(requested),
	}).Info("Job submitted")

	return job, nil
}

// Status returns the current job record.
func (o *Orchestrator) Status(ctx context.Context, jobID string) (*domain.Job, error) {
	return o.jobs.GetByID(ctx, jobID)
}

// casRetries bounds the re-read loop on version races. Contention is at most
// one writer per in-flight task, so a handful of retries is plenty.
const casRetries = 10

// mutate applies fn to a fresh read of the job and writes it back with a
// version guard, retrying on races. fn returns false to skip the write; the
// bool result reports whether this call performed a write, so callers can
// tell their own transition from one another sweeper already made.
func (o *Orchestrator) mutate(ctx context.Context, jobID string, fn func(*domain.Job) bool) (*domain.Job, bool, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		job, err := o.jobs.GetByID(ctx, jobID)
		if err != nil {
			return nil, false, err
		}
		if !fn(job) {
			return job, false, nil
		}
		err = o.jobs.UpdateCAS(ctx, job)
		if err == nil {
			return job, true, nil
		}
		if !errors.Is(err, repository.ErrStaleJob) {
			return nil, false, err
		}
	}
	return nil, false, fmt.Errorf("job %s: version race not resolved after %d attempts", jobID, casRetries)
}

// OnTaskCompleted folds a successful task result into the job. A result for a
// role that already reported, or for a job that already reached a terminal
// state, is discarded without error; redelivered tasks make both cases normal.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - jobID: owning job.
//   - role: role that produced the result.
//   - result: role output stored under the role's key.
// Returns:
//   - *domain.Job: the job after the update.
//   - error: non-nil on persistence failure.
func (o *Orchestrator) OnTaskCompleted(ctx context.Context, jobID string, role domain.AgentRole, result domain.JSONPayload) (*domain.Job, error) {
	job, _, err := o.mutate(ctx, jobID, func(j *domain.Job) bool {
		if j.State.Terminal() {
			return false
		}
		if _, ok := j.Completed[role]; ok {
			return false
		}
		if j.Completed == nil {
			j.Completed = domain.RoleResults{}
		}
		j.Completed[role] = result
		j.Recompute()
		return true
	})
	if err != nil {
		return nil, err
	}

	o.log(ctx).WithFields(logger.Fields{
		logger.FieldJobID:  jobID,
		logger.FieldRole:   string(role),
		logger.FieldStatus: string(job.State),
	}).Info("Task result recorded")

	return job, nil
}

// OnTaskFailed records a permanently failed task. The role is marked failed
// and the job state recomputed; once every role has reported one way or the
// other a job with any failure lands in failed.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - jobID: owning job.
//   - role: role whose task exhausted its attempts.
//   - reason: failure reason recorded on the job.
// Returns:
//   - *domain.Job: the job after the update.
//   - error: non-nil on persistence failure.
func (o *Orchestrator) OnTaskFailed(ctx context.Context, jobID string, role domain.AgentRole, reason string) (*domain.Job, error) {
	job, _, err := o.mutate(ctx, jobID, func(j *domain.Job) bool {
		if j.State.Terminal() {
			return false
		}
		if j.FailedRoles.Contains(role) {
			return false
		}
		j.FailedRoles = append(j.FailedRoles, role)
		if j.FailReason == "" && reason != "" {
			j.FailReason = reason
		}
		j.Recompute()
		return true
	})
	if err != nil {
		return nil, err
	}

	o.log(ctx).WithFields(logger.Fields{
		logger.FieldJobID:  jobID,
		logger.FieldRole:   string(role),
		logger.FieldStatus: string(job.State),
	}).Warn("Task failed permanently")

	return job, nil
}

// SweepTimeouts forces jobs that outlived the job timeout into failed. Results
// already collected stay on the row; task outcomes arriving afterwards are
// discarded by the terminal-state guard.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - now: current time; injected for testability.
// Returns:
//   - int: number of jobs timed out by this sweep.
//   - error: non-nil if the sweep query fails.
func (o *Orchestrator) SweepTimeouts(ctx context.Context, now time.Time) (int, error) {
	overdue, err := o.jobs.ListActiveOlderThan(ctx, now.Add(-o.cfg.JobTimeout), 100)
	if err != nil {
		return 0, fmt.Errorf("failed to list overdue jobs: %w", err)
	}

	timedOut := 0
	for i := range overdue {
		job, wrote, err := o.mutate(ctx, overdue[i].ID, func(j *domain.Job) bool {
			if j.State.Terminal() {
				return false
			}
			j.State = domain.JobStateFailed
			j.FailReason = domain.FailReasonTimeout
			return true
		})
		if err != nil {
			return timedOut, err
		}
		// only count transitions this sweeper made; a concurrent sweeper in
		// another process may have beaten us to the same job
		if wrote {
			timedOut++
			o.log(ctx).WithFields(logger.Fields{
				logger.FieldJobID: job.ID,
			}).Warn("Job timed out")
		}
	}
	return timedOut, nil
}

// ArchiveTerminal writes unarchived terminal jobs to the archiver and stamps
// archived_at. A no-op when no archiver is configured.
// Parameters:
//   - ctx: context for cancellation and deadlines.
// Returns:
//   - int: number of jobs archived.
//   - error: non-nil on the first archive or persistence failure.
func (o *Orchestrator) ArchiveTerminal(ctx context.Context) (int, error) {
	if o.archiver == nil {
		return 0, nil
	}

	jobs, err := o.jobs.ListUnarchivedTerminal(ctx, o.cfg.ArchiveBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list terminal jobs: %w", err)
	}

	archived := 0
	for i := range jobs {
		job := jobs[i]
		key, err := o.archiver.ArchiveJob(ctx, &job)
		if err != nil {
			return archived, fmt.Errorf("failed to archive job %s: %w", job.ID, err)
		}
		now := time.Now().UTC()
		_, wrote, err := o.mutate(ctx, job.ID, func(j *domain.Job) bool {
			if j.ArchivedAt != nil {
				return false
			}
			j.ArchivedAt = &now
			return true
		})
		if err != nil {
			return archived, err
		}
		if !wrote {
			continue
		}
		archived++

		o.log(ctx).WithFields(logger.Fields{
			logger.FieldJobID: job.ID,
			"archive_key":     key,
		}).Debug("Job archived")
	}
	return archived, nil
}

// Run drives the periodic sweeps until ctx is canceled. Sweep failures are
// logged and retried on the next tick.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := o.SweepTimeouts(ctx, time.Now().UTC()); err != nil {
				o.log(ctx).WithError(err).Error("Timeout sweep failed")
			}
			if _, err := o.ArchiveTerminal(ctx); err != nil {
				o.log(ctx).WithError(err).Error("Archive sweep failed")
			}
		}
	}
}

func (o *Orchestrator) log(ctx context.Context) *logger.Logger {
	if l := logger.FromContext(ctx); l != nil {
		return l
	}
	return o.logger
}
