package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/errgroup"

	"github.com/sagehq/sage/internal/domain"
	"github.com/sagehq/sage/internal/logger"
	"github.com/sagehq/sage/internal/queue"
)

// JobNotifier receives task outcomes. Implemented by the orchestrator.
type JobNotifier interface {
	OnTaskCompleted(ctx context.Context, jobID string, role domain.AgentRole, result domain.JSONPayload) (*domain.Job, error)
	OnTaskFailed(ctx context.Context, jobID string, role domain.AgentRole, reason string) (*domain.Job, error)
}

// Config tunes the worker pool.
type Config struct {
	PoolSize          int
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
	ReapInterval      time.Duration
}

// Pool polls the queue and runs tasks on a bounded goroutine pool. One Pool
// per process; run several processes against the same database for horizontal
// scale, the claim protocol keeps them from colliding.
type Pool struct {
	queue    queue.Queue
	notifier JobNotifier
	handlers Registry
	cfg      Config
	logger   *logger.Logger

	pool     *ants.Pool
	inflight sync.WaitGroup
}

// NewPool creates a worker pool.
// Parameters:
//   - q: task queue to consume.
//   - notifier: receiver for task outcomes.
//   - handlers: role handler registry.
//   - cfg: pool configuration; zero values fall back to defaults.
//   - log: structured logger.
// Returns:
//   - *Pool: pool ready for Run.
//   - error: non-nil if the goroutine pool cannot be created.
func NewPool(q queue.Queue, notifier JobNotifier, handlers Registry, cfg Config, log *logger.Logger) (*Pool, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 30 * time.Second
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 5 * time.Second
	}

	p, err := ants.NewPool(cfg.PoolSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}

	return &Pool{
		queue:    q,
		notifier: notifier,
		handlers: handlers,
		cfg:      cfg,
		logger:   log,
		pool:     p,
	}, nil
}

// Run polls and dispatches until ctx is canceled, then waits for in-flight
// tasks to finish before returning.
// Parameters:
//   - ctx: cancellation stops polling; in-flight handlers get a grace period
//     bounded by their own contexts.
// Returns:
//   - error: ctx.Err() after a clean shutdown.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return p.pollLoop(ctx) })
	g.Go(func() error { return p.reapLoop(ctx) })

	err := g.Wait()
	p.inflight.Wait()
	p.pool.Release()
	return err
}

// pollLoop claims tasks and hands them to the goroutine pool. Dequeue is
// non-blocking, so an empty queue costs one query per poll interval.
func (p *Pool) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		// Drain what is ready before sleeping again.
		for {
			task, err := p.queue.Dequeue(ctx, p.cfg.VisibilityTimeout)
			if err != nil {
				p.log(ctx).WithError(err).Error("Dequeue failed")
				break
			}
			if task == nil {
				break
			}
			p.dispatch(ctx, task)
		}
	}
}

func (p *Pool) dispatch(ctx context.Context, task *domain.Task) {
	p.inflight.Add(1)
	err := p.pool.Submit(func() {
		defer p.inflight.Done()
		p.execute(ctx, task)
	})
	if err != nil {
		// Pool is shutting down; the unacked claim expires and the task is
		// redelivered elsewhere.
		p.inflight.Done()
		p.log(ctx).WithError(err).WithField(logger.FieldTaskID, task.ID).Warn("Dispatch rejected")
	}
}

// execute runs the role handler and reports the outcome. The order is
// deliberate: record the result first, ack second. Crashing between the two
// causes a redelivered rerun whose duplicate result the orchestrator discards.
func (p *Pool) execute(ctx context.Context, task *domain.Task) {
	log := p.log(ctx).WithFields(logger.Fields{
		logger.FieldTaskID:  task.ID,
		logger.FieldJobID:   task.JobID,
		logger.FieldRole:    string(task.Role),
		logger.FieldAttempt: task.AttemptCount,
	})

	handler, ok := p.handlers[task.Role]
	if !ok {
		// Unknown roles are rejected at submit time, so this is table damage.
		// Fail the role rather than redeliver forever.
		log.Error("No handler registered for role")
		if _, err := p.notifier.OnTaskFailed(ctx, task.JobID, task.Role, domain.ErrUnknownRole.Error()); err != nil {
			log.WithError(err).Error("Failed to report unhandled role")
			return
		}
		if err := p.queue.Fail(ctx, task.ID, domain.ErrUnknownRole.Error()); err != nil {
			log.WithError(err).Warn("Failed to mark task failed")
		}
		return
	}

	start := time.Now()
	result, err := handler.Handle(ctx, task)
	if err != nil {
		// No ack: the lease expires and the queue redelivers with backoff
		// until the attempt budget runs out.
		log.WithError(err).WithField(logger.FieldDurationMs, time.Since(start).Milliseconds()).
			Warn("Task handler failed, awaiting redelivery")
		return
	}

	if _, err := p.notifier.OnTaskCompleted(ctx, task.JobID, task.Role, result); err != nil {
		// Result not recorded, so no ack either. The rerun is idempotent.
		log.WithError(err).Error("Failed to record task result")
		return
	}
	if err := p.queue.Ack(ctx, task.ID); err != nil {
		log.WithError(err).Warn("Ack failed after result recorded")
		return
	}

	log.WithField(logger.FieldDurationMs, time.Since(start).Milliseconds()).Info("Task completed")
}

// reapLoop returns expired claims to the queue and reports tasks that ran out
// of attempts to the orchestrator as permanent failures.
func (p *Pool) reapLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		failed, err := p.queue.ReapExpired(ctx, time.Now().UTC())
		if err != nil {
			p.log(ctx).WithError(err).Error("Reap sweep failed")
			continue
		}
		for i := range failed {
			task := failed[i]
			if _, err := p.notifier.OnTaskFailed(ctx, task.JobID, task.Role, task.FailReason); err != nil {
				p.log(ctx).WithError(err).WithField(logger.FieldTaskID, task.ID).
					Error("Failed to report exhausted task")
			}
		}
	}
}

func (p *Pool) log(ctx context.Context) *logger.Logger {
	if l := logger.FromContext(ctx); l != nil {
		return l
	}
	return p.logger
}
