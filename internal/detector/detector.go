// Package detector sweeps runs that overstayed a status. Timeouts are
// enforced here rather than by in-process timers so they survive restarts:
// every sweep compares now against each run's deadline and the per-status
// maximum durations.
package detector

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/database"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/errs"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/logging"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/metrics"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/queue"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/statemachine"
	"github.com/malenacutuli/swiss-ai-vault-sub006/pkg/config"
	"github.com/malenacutuli/swiss-ai-vault-sub006/pkg/models"
)

// Report counts what one sweep did.
type Report struct {
	TimedOut  int `json:"timed_out"`
	Requeued  int `json:"requeued"`
	Enqueued  int `json:"enqueued"`
	Cancelled int `json:"cancelled"`
	Errors    int `json:"errors"`
}

// Detector finds and resolves overstaying runs.
type Detector struct {
	db      *database.Database
	machine *statemachine.Machine
	queues  *queue.Manager
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu  sync.RWMutex
	cfg config.DetectorConfig
}

// New creates a detector.
func New(db *database.Database, machine *statemachine.Machine, queues *queue.Manager, cfg config.DetectorConfig, logger *zap.Logger, m *metrics.Metrics) *Detector {
	return &Detector{
		db:      db,
		machine: machine,
		queues:  queues,
		cfg:     cfg,
		logger:  logging.OrNop(logger).Named("detector"),
		metrics: m,
		now:     time.Now,
	}
}

// UpdateConfig replaces the thresholds used by later sweeps.
func (d *Detector) UpdateConfig(cfg config.DetectorConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg
}

func (d *Detector) config() config.DetectorConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// Run sweeps on the configured interval until ctx is done.
func (d *Detector) Run(ctx context.Context) error {
	interval := d.config().Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := d.Sweep(ctx); err != nil && ctx.Err() == nil {
				d.logger.Warn("sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep runs one pass. Per-run failures are logged and counted; only a
// failure to list runs is returned.
func (d *Detector) Sweep(ctx context.Context) (*Report, error) {
	cfg := d.config()
	now := d.now()
	rep := &Report{}

	if err := d.sweepDeadlines(ctx, cfg, now, rep); err != nil {
		return rep, err
	}
	if err := d.sweepDurations(ctx, cfg, now, rep); err != nil {
		return rep, err
	}
	if err := d.sweepPending(ctx, cfg, now, rep); err != nil {
		return rep, err
	}
	if err := d.sweepQueued(ctx, cfg, now, rep); err != nil {
		return rep, err
	}

	if counts, err := d.db.Store().CountRunsByStatus(ctx); err == nil {
		byName := make(map[string]int64, len(counts))
		for st, n := range counts {
			byName[string(st)] = n
		}
		d.metrics.SetRunCounts(byName)
	}
	d.metrics.RecordSweep("timeout", rep.TimedOut)
	d.metrics.RecordSweep("requeue", rep.Requeued)
	d.metrics.RecordSweep("enqueue", rep.Enqueued)
	d.metrics.RecordSweep("cancel", rep.Cancelled)

	if rep.TimedOut+rep.Requeued+rep.Enqueued+rep.Cancelled+rep.Errors > 0 {
		d.logger.Info("sweep finished",
			zap.Int("timed_out", rep.TimedOut),
			zap.Int("requeued", rep.Requeued),
			zap.Int("enqueued", rep.Enqueued),
			zap.Int("cancelled", rep.Cancelled),
			zap.Int("errors", rep.Errors))
	}
	return rep, nil
}

var timeoutStatuses = []models.RunStatus{
	models.RunPlanning, models.RunExecuting, models.RunPaused, models.RunWaitingUser,
}

func (d *Detector) sweepDeadlines(ctx context.Context, cfg config.DetectorConfig, now time.Time, rep *Report) error {
	runs, err := d.db.Store().ListRuns(ctx, database.RunFilter{
		Statuses:      timeoutStatuses,
		TimeoutBefore: now,
		Limit:         cfg.BatchSize,
	})
	if err != nil {
		return err
	}
	for _, run := range runs {
		d.timeout(ctx, run, "run passed its deadline of "+run.TimeoutAt.UTC().Format(time.RFC3339), rep)
	}
	return nil
}

func (d *Detector) sweepDurations(ctx context.Context, cfg config.DetectorConfig, now time.Time, rep *Report) error {
	limits := map[models.RunStatus]time.Duration{
		models.RunPlanning:    cfg.MaxPlanning,
		models.RunExecuting:   cfg.MaxExecuting,
		models.RunPaused:      cfg.MaxPaused,
		models.RunWaitingUser: cfg.MaxWaitingUser,
	}
	for _, status := range timeoutStatuses {
		limit := limits[status]
		if limit <= 0 {
			continue
		}
		runs, err := d.db.Store().ListRuns(ctx, database.RunFilter{
			Statuses:      []models.RunStatus{status},
			EnteredBefore: now.Add(-limit),
			Limit:         cfg.BatchSize,
		})
		if err != nil {
			return err
		}
		for _, run := range runs {
			d.timeout(ctx, run, "run spent more than "+limit.String()+" in "+string(status), rep)
		}
	}
	return nil
}

// sweepPending retries the reservation of runs left pending for lack of
// credits, and cancels them once they exceed the pending maximum.
func (d *Detector) sweepPending(ctx context.Context, cfg config.DetectorConfig, now time.Time, rep *Report) error {
	if cfg.RequeueAfter <= 0 {
		return nil
	}
	runs, err := d.db.Store().ListRuns(ctx, database.RunFilter{
		Statuses:      []models.RunStatus{models.RunPending},
		EnteredBefore: now.Add(-cfg.RequeueAfter),
		Limit:         cfg.BatchSize,
	})
	if err != nil {
		return err
	}
	for _, run := range runs {
		if cfg.MaxPending > 0 && now.Sub(run.StatusEnteredAt) > cfg.MaxPending {
			d.cancel(ctx, run, "run could not reserve credits within "+cfg.MaxPending.String(), rep)
			continue
		}
		_, err := d.machine.Apply(ctx, run.ID, statemachine.Input{Event: statemachine.EventEnqueue})
		switch {
		case err == nil:
			rep.Enqueued++
		case errs.Is(err, errs.InsufficientCredits), errs.Is(err, errs.InvalidTransition):
		default:
			d.failed(run, "enqueue", err, rep)
		}
	}
	return nil
}

// sweepQueued re-enqueues the start job of runs waiting in queued, under a
// new key per RequeueAfter window, and cancels them after the queued
// maximum.
func (d *Detector) sweepQueued(ctx context.Context, cfg config.DetectorConfig, now time.Time, rep *Report) error {
	if cfg.RequeueAfter <= 0 {
		return nil
	}
	runs, err := d.db.Store().ListRuns(ctx, database.RunFilter{
		Statuses:      []models.RunStatus{models.RunQueued},
		EnteredBefore: now.Add(-cfg.RequeueAfter),
		Limit:         cfg.BatchSize,
	})
	if err != nil {
		return err
	}
	for _, run := range runs {
		age := now.Sub(run.StatusEnteredAt)
		if cfg.MaxQueued > 0 && age > cfg.MaxQueued {
			d.cancel(ctx, run, "run was not started within "+cfg.MaxQueued.String(), rep)
			continue
		}
		attempt := int(age / cfg.RequeueAfter)
		res, err := d.queues.Enqueue(ctx, statemachine.StartJob(run.ID, attempt))
		if err != nil {
			d.failed(run, "requeue", err, rep)
			continue
		}
		if !res.Deduplicated {
			rep.Requeued++
		}
	}
	return nil
}

func (d *Detector) timeout(ctx context.Context, run *models.Run, reason string, rep *Report) {
	_, err := d.machine.Apply(ctx, run.ID, statemachine.Input{
		Event: statemachine.EventTimeout,
		Error: &models.RunError{Code: string(errs.Timeout), Message: reason},
	})
	switch {
	case err == nil:
		rep.TimedOut++
		d.logger.Info("run timed out", zap.String("run_id", run.ID), zap.String("reason", reason))
	case errs.Is(err, errs.InvalidTransition):
	default:
		d.failed(run, "timeout", err, rep)
	}
}

func (d *Detector) cancel(ctx context.Context, run *models.Run, reason string, rep *Report) {
	_, err := d.machine.Apply(ctx, run.ID, statemachine.Input{Event: statemachine.EventCancel, Reason: reason})
	switch {
	case err == nil:
		rep.Cancelled++
		d.logger.Info("run cancelled", zap.String("run_id", run.ID), zap.String("reason", reason))
	case errs.Is(err, errs.InvalidTransition):
	default:
		d.failed(run, "cancel", err, rep)
	}
}

func (d *Detector) failed(run *models.Run, action string, err error, rep *Report) {
	rep.Errors++
	d.logger.Warn("sweep action failed",
		zap.String("run_id", run.ID), zap.String("action", action), zap.Error(err))
}
