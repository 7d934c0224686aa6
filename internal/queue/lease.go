package queue

import (
	"context"

	"go.uber.org/zap"

	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/errs"
	"github.com/malenacutuli/swiss-ai-vault-sub006/pkg/config"
	"github.com/malenacutuli/swiss-ai-vault-sub006/pkg/models"
)

// ReapExpiredLeases fails running jobs whose worker stopped renewing its
// lease, typically after a crash. Each counts as a failed attempt and is
// retried or dead-lettered like any other failure.
func (m *Manager) ReapExpiredLeases(ctx context.Context, limit int) (int, error) {
	now := m.now()
	jobs, err := m.db.Store().ListExpiredLeases(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, job := range jobs {
		cfg, err := m.Config(job.Queue)
		if err != nil {
			cfg = config.DefaultQueueConfig()
		}
		cause := errs.New(errs.Timeout, "lease held by %s expired", job.LockedBy)
		history := append(job.History, models.JobAttempt{
			Attempt:    job.AttemptsMade,
			WorkerID:   job.LockedBy,
			StartedAt:  job.UpdatedAt,
			FinishedAt: now,
			Error:      cause.Error(),
		})
		if err := m.fail(ctx, cfg, job, job.LockedBy, history, cause); err != nil {
			return reaped, err
		}
		reaped++
	}
	if reaped > 0 {
		m.logger.Warn("reaped expired job leases", zap.Int("count", reaped))
	}
	return reaped, nil
}
