package statemachine

import (
	"fmt"

	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/queue"
	"github.com/malenacutuli/swiss-ai-vault-sub006/pkg/config"
	"github.com/malenacutuli/swiss-ai-vault-sub006/pkg/models"
)

// Job types enqueued by transitions.
const (
	JobStart   = "run.start"
	JobPlan    = "run.plan"
	JobStep    = "run.step"
	JobCleanup = "run.cleanup"
	JobNotify  = "run.notify"
)

// JobPayload is the payload of every run job.
type JobPayload struct {
	RunID string `json:"run_id"`
	// Seq is the step a run.step job is expected to produce. A job whose Seq
	// no longer matches step_count+1 is stale.
	Seq       int64            `json:"seq,omitempty"`
	Status    models.RunStatus `json:"status,omitempty"`
	SandboxID string           `json:"sandbox_id,omitempty"`
}

// StartJob builds the run.start request. Attempt distinguishes re-enqueues
// of a run that sat in queued too long.
func StartJob(runID string, attempt int) queue.EnqueueRequest {
	key := "run:" + runID + ":start"
	if attempt > 0 {
		key = fmt.Sprintf("%s:%d", key, attempt)
	}
	return queue.EnqueueRequest{
		Queue:          config.QueueRuns,
		Type:           JobStart,
		RunID:          runID,
		IdempotencyKey: key,
		Priority:       10,
		Payload:        JobPayload{RunID: runID},
	}
}

func planJob(runID string) queue.EnqueueRequest {
	return queue.EnqueueRequest{
		Queue:          config.QueueRuns,
		Type:           JobPlan,
		RunID:          runID,
		IdempotencyKey: "run:" + runID + ":plan",
		Payload:        JobPayload{RunID: runID},
	}
}

// stepJob is keyed by the run version it was enqueued at, which is unique
// per transition, so replaying a transition never enqueues twice.
func stepJob(run *models.Run) queue.EnqueueRequest {
	return queue.EnqueueRequest{
		Queue:          config.QueueSteps,
		Type:           JobStep,
		RunID:          run.ID,
		IdempotencyKey: fmt.Sprintf("run:%s:step:v%d", run.ID, run.Version),
		Payload:        JobPayload{RunID: run.ID, Seq: run.StepCount + 1},
	}
}

func cleanupJob(run *models.Run) queue.EnqueueRequest {
	return queue.EnqueueRequest{
		Queue:          config.QueueCleanup,
		Type:           JobCleanup,
		RunID:          run.ID,
		IdempotencyKey: "run:" + run.ID + ":cleanup",
		Payload:        JobPayload{RunID: run.ID, SandboxID: run.SandboxID, Status: run.Status},
	}
}

func notifyJob(run *models.Run) queue.EnqueueRequest {
	return queue.EnqueueRequest{
		Queue:          config.QueueNotifications,
		Type:           JobNotify,
		RunID:          run.ID,
		IdempotencyKey: fmt.Sprintf("run:%s:notify:%s", run.ID, run.Status),
		Payload:        JobPayload{RunID: run.ID, Status: run.Status},
	}
}
