package workflows

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/detector"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/temporal/activities"
)

// MaintenanceWorkflowID is the fixed id of the single maintenance workflow.
const MaintenanceWorkflowID = "runcore-maintenance"

// MaintenanceInput controls maintenance scheduling. Pass carries the pass
// counter across continue-as-new so the purge cadence is preserved.
type MaintenanceInput struct {
	Interval   time.Duration
	Iterations int
	PurgeEvery int
	Pass       int
}

// MaintenanceWorkflow sweeps stuck runs, reaps expired leases and purges
// old rows on a fixed interval. It continues as new after Iterations passes
// to bound its history.
func MaintenanceWorkflow(ctx workflow.Context, input MaintenanceInput) error {
	logger := workflow.GetLogger(ctx)
	if input.Interval <= 0 {
		input.Interval = 15 * time.Second
	}
	if input.Iterations <= 0 {
		input.Iterations = 200
	}

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	})

	for i := 0; i < input.Iterations; i++ {
		input.Pass++

		var report detector.Report
		if err := workflow.ExecuteActivity(ctx, activities.SweepActivityName).Get(ctx, &report); err != nil {
			logger.Warn("Sweep failed", "error", err)
		} else if report.TimedOut+report.Cancelled+report.Requeued > 0 {
			logger.Info("Sweep resolved runs",
				"timed_out", report.TimedOut, "cancelled", report.Cancelled, "requeued", report.Requeued)
		}

		var reaped int
		if err := workflow.ExecuteActivity(ctx, activities.ReapLeasesActivityName).Get(ctx, &reaped); err != nil {
			logger.Warn("Lease reap failed", "error", err)
		}

		if input.PurgeEvery > 0 && input.Pass%input.PurgeEvery == 0 {
			var purged activities.PurgeResult
			if err := workflow.ExecuteActivity(ctx, activities.PurgeActivityName).Get(ctx, &purged); err != nil {
				logger.Warn("Purge failed", "error", err)
			}
		}

		if err := workflow.Sleep(ctx, input.Interval); err != nil {
			return err
		}
	}

	return workflow.NewContinueAsNewError(ctx, MaintenanceWorkflow, input)
}
