package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/database"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/errs"
	"github.com/malenacutuli/swiss-ai-vault-sub006/pkg/config"
	"github.com/malenacutuli/swiss-ai-vault-sub006/pkg/models"
)

// leaseGrace is added to the job timeout so a slow but live handler is not
// reaped before its own deadline fires.
const leaseGrace = 30 * time.Second

// claimBatch is how many due jobs a worker inspects per poll.
const claimBatch = 4

// Run starts Concurrency workers for every queue and blocks until ctx is
// cancelled or a worker fails.
func (m *Manager) Run(ctx context.Context) error {
	instance := uuid.NewString()[:8]
	g, ctx := errgroup.WithContext(ctx)
	for _, name := range m.Queues() {
		cfg, err := m.Config(name)
		if err != nil {
			return err
		}
		for i := 0; i < cfg.Concurrency; i++ {
			queue := name
			workerID := fmt.Sprintf("%s-%s-%d", queue, instance, i)
			g.Go(func() error {
				return m.work(ctx, queue, workerID)
			})
		}
		m.logger.Info("consumer started", zap.String("queue", name), zap.Int("concurrency", cfg.Concurrency))
	}
	return g.Wait()
}

func (m *Manager) work(ctx context.Context, queue, workerID string) error {
	for {
		processed, err := m.ProcessNext(ctx, queue, workerID)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			m.logger.Warn("queue poll failed", zap.String("queue", queue), zap.String("worker", workerID), zap.Error(err))
		}
		if processed {
			continue
		}

		cfg, err := m.Config(queue)
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(cfg.PollInterval):
		}
	}
}

// ProcessNext claims and runs one due job. It reports whether a job was
// processed.
func (m *Manager) ProcessNext(ctx context.Context, queue, workerID string) (bool, error) {
	cfg, err := m.Config(queue)
	if err != nil {
		return false, err
	}
	s := m.db.Store()
	now := m.now()
	jobs, err := s.ListClaimableJobs(ctx, queue, now, claimBatch)
	if err != nil {
		return false, err
	}
	for _, job := range jobs {
		claimed, err := s.ClaimJob(ctx, job.ID, workerID, now, now.Add(cfg.Timeout+leaseGrace))
		if err != nil {
			return false, err
		}
		if !claimed {
			continue
		}
		job.Status = models.JobRunning
		job.AttemptsMade++
		job.LockedBy = workerID
		m.execute(ctx, cfg, job, workerID)
		return true, nil
	}
	return false, nil
}

func (m *Manager) execute(ctx context.Context, cfg config.QueueConfig, job *models.Job, workerID string) {
	logger := m.logger.With(
		zap.String("queue", job.Queue),
		zap.String("type", job.Type),
		zap.String("job_id", job.ID),
		zap.String("run_id", job.RunID),
		zap.Int("attempt", job.AttemptsMade))

	started := m.now()
	var runErr error
	if h, ok := m.handler(job.Queue, job.Type); !ok {
		runErr = errs.New(errs.ValidationError, "no handler registered for job type %q", job.Type)
	} else {
		runErr = m.invoke(ctx, cfg, h, job)
	}
	finished := m.now()

	attempt := models.JobAttempt{
		Attempt:    job.AttemptsMade,
		WorkerID:   workerID,
		StartedAt:  started,
		FinishedAt: finished,
	}
	if runErr != nil {
		attempt.Error = runErr.Error()
	}
	history := append(job.History, attempt)

	// Writes after the handler must land even when shutdown cancelled ctx.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	s := m.db.Store()

	if runErr == nil {
		ok, err := s.CompleteJob(wctx, job.ID, workerID, history, finished)
		if err != nil {
			logger.Error("failed to complete job", zap.Error(err))
			return
		}
		if !ok {
			logger.Warn("job lease lost before completion")
		}
		m.metrics.RecordJob(job.Queue, job.Type, "done", finished.Sub(started))
		return
	}

	if ctx.Err() != nil {
		// Shutdown interrupted the handler; hand the job back without backoff.
		if _, err := s.RequeueJob(wctx, job.ID, workerID, finished, history, runErr.Error(), finished); err != nil {
			logger.Error("failed to release interrupted job", zap.Error(err))
		}
		m.metrics.RecordJob(job.Queue, job.Type, "interrupted", finished.Sub(started))
		return
	}

	logger.Warn("job attempt failed", zap.Error(runErr))
	if err := m.fail(wctx, cfg, job, workerID, history, runErr); err != nil {
		logger.Error("failed to record job failure", zap.Error(err))
	}
	m.metrics.RecordJob(job.Queue, job.Type, "failed", finished.Sub(started))
}

func (m *Manager) invoke(ctx context.Context, cfg config.QueueConfig, h Handler, job *models.Job) (err error) {
	hctx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = errs.New(errs.Internal, "handler panicked: %v", r)
		}
	}()

	err = h(hctx, job)
	if err != nil && ctx.Err() == nil && errors.Is(hctx.Err(), context.DeadlineExceeded) {
		err = errs.Wrap(errs.Timeout, err, "job exceeded %s timeout", cfg.Timeout)
	}
	return err
}

func maxAttempts(cfg config.QueueConfig) int {
	if cfg.Retries < 1 {
		return 1
	}
	return cfg.Retries
}

// fail retries the job after backoff while attempts remain, and otherwise
// retires it to the dead-letter queue. Validation errors are never retried.
func (m *Manager) fail(ctx context.Context, cfg config.QueueConfig, job *models.Job, workerID string, history []models.JobAttempt, cause error) error {
	now := m.now()
	if !errs.Is(cause, errs.ValidationError) && job.AttemptsMade < maxAttempts(cfg) {
		delay := BackoffDelay(cfg.Backoff, job.AttemptsMade, fmt.Sprintf("%s:%d", job.ID, job.AttemptsMade))
		ok, err := m.db.Store().RequeueJob(ctx, job.ID, workerID, now.Add(delay), history, cause.Error(), now)
		if err != nil {
			return err
		}
		if ok {
			m.logger.Info("job scheduled for retry",
				zap.String("job_id", job.ID),
				zap.Int("attempt", job.AttemptsMade),
				zap.Duration("backoff", delay))
		}
		return nil
	}

	var dead bool
	err := m.db.WithTransaction(ctx, func(s *database.Store) error {
		ok, err := s.MarkJobDead(ctx, job.ID, workerID, history, cause.Error(), now)
		if err != nil || !ok {
			return err
		}
		dead = true
		if !cfg.DLQ.Enabled {
			return nil
		}
		return s.InsertDeadLetter(ctx, &models.DeadLetter{
			ID:                ulid.Make().String(),
			JobID:             job.ID,
			Queue:             job.Queue,
			Type:              job.Type,
			RunID:             job.RunID,
			IdempotencyKey:    job.IdempotencyKey,
			Priority:          job.Priority,
			Payload:           job.Payload,
			Error:             cause.Error(),
			History:           history,
			AttemptsMade:      job.AttemptsMade,
			ReprocessAttempts: job.ReprocessAttempts,
			Status:            models.DeadLetterPending,
			FailedAt:          now,
		})
	})
	if err != nil {
		return err
	}
	if dead {
		if cfg.DLQ.Enabled {
			m.metrics.IncDLQDepth(job.Queue)
		}
		m.logger.Error("job moved to dead-letter queue",
			zap.String("queue", job.Queue),
			zap.String("job_id", job.ID),
			zap.String("run_id", job.RunID),
			zap.Int("attempts", job.AttemptsMade),
			zap.Error(cause))
	}
	return nil
}
