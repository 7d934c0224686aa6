package queue

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/database"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/errs"
	"github.com/malenacutuli/swiss-ai-vault-sub006/pkg/models"
)

// ListDeadLetters returns a queue's dead letters, newest first.
func (m *Manager) ListDeadLetters(ctx context.Context, queue string, status models.DeadLetterStatus, limit int) ([]*models.DeadLetter, error) {
	if _, err := m.Config(queue); err != nil {
		return nil, err
	}
	return m.db.Store().ListDeadLetters(ctx, queue, status, limit)
}

// Reprocess re-enqueues a dead letter on its original queue with a fresh
// attempt budget. Each job lineage may be reprocessed at most the queue's
// max_reprocess times.
func (m *Manager) Reprocess(ctx context.Context, deadLetterID string) (*models.Job, error) {
	var job *models.Job
	err := m.db.WithTransaction(ctx, func(s *database.Store) error {
		dl, err := s.GetDeadLetter(ctx, deadLetterID)
		if err != nil {
			return err
		}
		if dl.Status == models.DeadLetterReprocessed {
			return errs.New(errs.ValidationError, "dead letter %s was already reprocessed as job %s", dl.ID, dl.ReprocessedJobID)
		}
		cfg, err := m.Config(dl.Queue)
		if err != nil {
			return err
		}
		if dl.ReprocessAttempts >= cfg.DLQ.MaxReprocess {
			return errs.New(errs.ReprocessLimitExceeded,
				"job %s was reprocessed %d times (max %d); operator action required",
				dl.JobID, dl.ReprocessAttempts, cfg.DLQ.MaxReprocess)
		}

		now := m.now()
		job = &models.Job{
			ID:                ulid.Make().String(),
			Queue:             dl.Queue,
			Type:              dl.Type,
			RunID:             dl.RunID,
			IdempotencyKey:    dl.IdempotencyKey,
			Priority:          dl.Priority,
			Payload:           dl.Payload,
			Status:            models.JobQueued,
			MaxAttempts:       maxAttempts(cfg),
			ReprocessAttempts: dl.ReprocessAttempts + 1,
			RunAt:             now,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		inserted, err := s.InsertJob(ctx, job)
		if err != nil {
			return err
		}
		if !inserted {
			return errs.New(errs.InFlight, "a job with key %s is already active on %s", dl.IdempotencyKey, dl.Queue)
		}
		ok, err := s.MarkDeadLetterReprocessed(ctx, dl.ID, job.ID, now)
		if err != nil {
			return err
		}
		if !ok {
			return errs.New(errs.InFlight, "dead letter %s is being reprocessed concurrently", dl.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("dead letter reprocessed",
		zap.String("dead_letter_id", deadLetterID),
		zap.String("job_id", job.ID),
		zap.Int("reprocess_attempts", job.ReprocessAttempts))
	m.refreshDLQDepth(ctx, job.Queue)
	return job, nil
}

// Purge deletes a queue's dead letters older than its retention, whether or
// not they were reprocessed.
func (m *Manager) Purge(ctx context.Context, queue string) (int64, error) {
	cfg, err := m.Config(queue)
	if err != nil {
		return 0, err
	}
	if cfg.DLQ.Retention <= 0 {
		return 0, nil
	}
	n, err := m.db.Store().PurgeDeadLetters(ctx, queue, m.now().Add(-cfg.DLQ.Retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Info("purged dead letters", zap.String("queue", queue), zap.Int64("count", n))
	}
	m.refreshDLQDepth(ctx, queue)
	return n, nil
}

// PurgeAll purges every queue's dead letters past retention and finished
// jobs that finished more than finishedRetention ago.
func (m *Manager) PurgeAll(ctx context.Context, finishedRetention time.Duration) (int64, error) {
	var total int64
	for _, name := range m.Queues() {
		n, err := m.Purge(ctx, name)
		if err != nil {
			return total, err
		}
		total += n
	}
	if finishedRetention > 0 {
		n, err := m.db.Store().PurgeFinishedJobs(ctx, m.now().Add(-finishedRetention))
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (m *Manager) refreshDLQDepth(ctx context.Context, queue string) {
	n, err := m.db.Store().CountDeadLetters(ctx, queue)
	if err != nil {
		m.logger.Warn("failed to count dead letters", zap.String("queue", queue), zap.Error(err))
		return
	}
	m.metrics.SetDLQDepth(queue, n)
}
