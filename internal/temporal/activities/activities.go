package activities

import (
	"context"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/detector"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/logging"
	"github.com/malenacutuli/swiss-ai-vault-sub006/pkg/config"
)

// Activity names as registered on the worker.
const (
	SweepActivityName      = "SweepActivity"
	ReapLeasesActivityName = "ReapLeasesActivity"
	PurgeActivityName      = "PurgeActivity"
)

// Sweeper resolves overstaying runs.
type Sweeper interface {
	Sweep(ctx context.Context) (*detector.Report, error)
}

// JobMaintainer reaps abandoned leases and purges old jobs.
type JobMaintainer interface {
	ReapExpiredLeases(ctx context.Context, limit int) (int, error)
	PurgeAll(ctx context.Context, finishedRetention time.Duration) (int64, error)
}

// EventPurger deletes delivered outbox events past retention.
type EventPurger interface {
	Purge(ctx context.Context) (int64, error)
}

// PurgeResult counts rows removed by one purge.
type PurgeResult struct {
	Jobs   int64 `json:"jobs"`
	Events int64 `json:"events"`
}

// Activities provides the maintenance activities. They are plain methods,
// so the in-process fallback calls them directly.
type Activities struct {
	sweeper Sweeper
	jobs    JobMaintainer
	events  EventPurger
	cfg     config.MaintenanceConfig
	logger  *zap.Logger
}

// NewActivities creates the activities. events may be nil when the outbox
// relay is disabled.
func NewActivities(sweeper Sweeper, jobs JobMaintainer, events EventPurger, cfg config.MaintenanceConfig, logger *zap.Logger) *Activities {
	if cfg.ReapBatch <= 0 {
		cfg.ReapBatch = 100
	}
	return &Activities{
		sweeper: sweeper,
		jobs:    jobs,
		events:  events,
		cfg:     cfg,
		logger:  logging.OrNop(logger).Named("maintenance"),
	}
}

// Register adds the activities to a worker under their fixed names.
func (a *Activities) Register(r worker.ActivityRegistry) {
	r.RegisterActivityWithOptions(a.SweepActivity, activity.RegisterOptions{Name: SweepActivityName})
	r.RegisterActivityWithOptions(a.ReapLeasesActivity, activity.RegisterOptions{Name: ReapLeasesActivityName})
	r.RegisterActivityWithOptions(a.PurgeActivity, activity.RegisterOptions{Name: PurgeActivityName})
}

// SweepActivity runs one detector sweep.
func (a *Activities) SweepActivity(ctx context.Context) (*detector.Report, error) {
	return a.sweeper.Sweep(ctx)
}

// ReapLeasesActivity fails jobs whose worker lease expired.
func (a *Activities) ReapLeasesActivity(ctx context.Context) (int, error) {
	n, err := a.jobs.ReapExpiredLeases(ctx, a.cfg.ReapBatch)
	if n > 0 {
		a.logger.Info("reaped expired leases", zap.Int("count", n))
	}
	return n, err
}

// PurgeActivity removes finished jobs, expired dead letters and delivered
// events past their retention.
func (a *Activities) PurgeActivity(ctx context.Context) (*PurgeResult, error) {
	res := &PurgeResult{}
	n, err := a.jobs.PurgeAll(ctx, a.cfg.JobRetention)
	if err != nil {
		return res, err
	}
	res.Jobs = n
	if a.events != nil {
		if res.Events, err = a.events.Purge(ctx); err != nil {
			return res, err
		}
	}
	return res, nil
}

// RunPass performs one maintenance pass outside Temporal. pass numbers the
// call so purges run every PurgeEvery passes.
func (a *Activities) RunPass(ctx context.Context, pass int) {
	if _, err := a.SweepActivity(ctx); err != nil && ctx.Err() == nil {
		a.logger.Warn("sweep failed", zap.Error(err))
	}
	if _, err := a.ReapLeasesActivity(ctx); err != nil && ctx.Err() == nil {
		a.logger.Warn("lease reap failed", zap.Error(err))
	}
	if a.cfg.PurgeEvery > 0 && pass%a.cfg.PurgeEvery == 0 {
		if _, err := a.PurgeActivity(ctx); err != nil && ctx.Err() == nil {
			a.logger.Warn("purge failed", zap.Error(err))
		}
	}
}

// Run performs maintenance passes on the configured interval until ctx is
// done. It is used when Temporal is disabled.
func (a *Activities) Run(ctx context.Context) error {
	interval := a.cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for pass := 1; ; pass++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.RunPass(ctx, pass)
		}
	}
}
