package statemachine

import (
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/database"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/errs"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/queue"
	"github.com/malenacutuli/swiss-ai-vault-sub006/pkg/config"
	"github.com/malenacutuli/swiss-ai-vault-sub006/pkg/models"
)

// HasMoreWork is the guard for continuing after a step: the run is under its
// step and credit budgets and its goal is not reached.
func HasMoreWork(run *models.Run) bool {
	return run.StepCount < run.MaxSteps && run.CreditsConsumed < run.MaxCredits
}

// CanRetry is the guard for retrying a failed step.
func CanRetry(run *models.Run, retryable bool, maxConsecutiveErrors int) bool {
	return retryable && run.RetryCount < run.MaxRetries && run.ConsecutiveErrors < maxConsecutiveErrors
}

func (m *Machine) enqueue(t *txn) error {
	if err := m.ledger.Reserve(t.ctx, t.s, t.run.TenantID, t.run.ID, t.run.MaxCredits); err != nil {
		return err
	}
	t.run.CreditsReserved = t.run.MaxCredits
	t.run.Status = models.RunQueued
	t.enqueue(func(run *models.Run) queue.EnqueueRequest { return StartJob(run.ID, 0) })
	return nil
}

func (m *Machine) start(t *txn) error {
	if _, err := t.s.GetReservation(t.ctx, t.run.ID); err != nil {
		if errs.Is(err, errs.NotFound) {
			return errs.New(errs.GuardFailed, "run %s has no active reservation", t.run.ID)
		}
		return err
	}
	t.run.Status = models.RunPlanning
	t.run.StartedAt = t.now
	t.run.LastProgressAt = t.now
	if m.opts.Runs.Timeout > 0 {
		t.run.TimeoutAt = t.now.Add(m.opts.Runs.Timeout)
	}
	t.enqueue(func(run *models.Run) queue.EnqueueRequest { return planJob(run.ID) })
	return nil
}

func (m *Machine) checkPlan(plan *models.Plan) error {
	if plan == nil {
		return errs.New(errs.PlanValidationError, "no plan supplied")
	}
	if m.validate != nil {
		return m.validate(plan)
	}
	if len(plan.Phases) == 0 {
		return errs.New(errs.PlanValidationError, "plan has no phases")
	}
	return nil
}

func (m *Machine) planReady(t *txn) error {
	if err := m.checkPlan(t.in.Plan); err != nil {
		return err
	}
	plan := t.in.Plan.Start()
	if plan.Version < 1 {
		plan.Version = 1
	}
	reason := t.in.Reason
	if reason == "" {
		reason = "initial"
	}
	if err := t.s.InsertPlanRevision(t.ctx, t.run.ID, plan, reason, t.now); err != nil {
		return err
	}
	t.run.Plan = plan
	t.run.Status = models.RunExecuting
	t.run.LastProgressAt = t.now
	t.enqueueStep(0)
	return nil
}

func (m *Machine) planFailed(t *txn) error {
	runErr := t.in.Error
	if runErr == nil {
		runErr = &models.RunError{Code: string(errs.PlanValidationError), Message: "planning failed"}
	}
	return m.finish(t, models.RunFailed, runErr)
}

// recordStep stamps and inserts the input step at step_count+1. It reports
// false when the step was already recorded.
func (m *Machine) recordStep(t *txn, credits int64) (bool, error) {
	if t.in.Step == nil {
		return false, errs.New(errs.ValidationError, "%s requires a step", t.in.Event)
	}
	// Work on a copy: a conflicting attempt must not leak stamps into the retry.
	copied := *t.in.Step
	step := &copied
	want := t.prev.StepCount + 1
	switch {
	case step.SequenceNumber == 0:
		step.SequenceNumber = want
	case step.SequenceNumber < want:
		return false, nil
	case step.SequenceNumber > want:
		return false, errs.New(errs.ValidationError, "step %d would leave a gap after %d", step.SequenceNumber, t.prev.StepCount)
	}

	charged := int64(0)
	if credits > 0 {
		var err error
		charged, err = m.ledger.Consume(t.ctx, t.s, t.run.ID, strconv.FormatInt(step.SequenceNumber, 10), credits)
		if err != nil {
			return false, err
		}
	}

	if step.ID == "" {
		step.ID = ulid.Make().String()
	}
	step.RunID = t.run.ID
	step.Credits = charged
	if step.CreatedAt.IsZero() {
		step.CreatedAt = t.now
	}
	if t.run.Plan != nil {
		if step.PhaseID == "" {
			step.PhaseID = t.run.Plan.CurrentPhaseID
		}
		if step.PlanVersion == 0 {
			step.PlanVersion = t.run.Plan.Version
		}
	}
	if err := t.s.InsertStep(t.ctx, step); err != nil {
		if database.IsUniqueViolation(err) {
			// Another worker recorded this sequence number first.
			return false, &errs.VersionConflictError{RunID: t.run.ID, ExpectedVersion: t.prev.Version, ActualVersion: -1}
		}
		return false, err
	}

	t.run.StepCount = step.SequenceNumber
	t.run.CreditsConsumed += charged
	return true, nil
}

func (m *Machine) writeCheckpoint(t *txn, cp *models.Checkpoint) error {
	if cp == nil {
		return nil
	}
	if cp.ID == "" {
		cp.ID = ulid.Make().String()
	}
	cp.RunID = t.run.ID
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = t.now
	}
	if err := t.s.InsertCheckpoint(t.ctx, cp); err != nil {
		return err
	}
	t.run.CheckpointID = cp.ID
	return nil
}

// spent reports whether the run's budget was already used up before this
// event. A redelivered step is a no-op; any new step fails the run.
func (m *Machine) spent(t *txn) (bool, error) {
	if HasMoreWork(t.prev) {
		return false, nil
	}
	if t.in.Step != nil && t.in.Step.SequenceNumber != 0 && t.in.Step.SequenceNumber <= t.prev.StepCount {
		t.noop = true
		return true, nil
	}
	return true, m.exhausted(t)
}

func (m *Machine) stepCompleted(t *txn) error {
	if done, err := m.spent(t); done || err != nil {
		return err
	}
	var credits int64
	if t.in.Step != nil {
		credits = t.in.Step.Credits
	}
	recorded, err := m.recordStep(t, credits)
	if err != nil {
		return err
	}
	if !recorded {
		t.noop = true
		return nil
	}

	// Thinking is not progress: it leaves the error streak and the stuck
	// clock where they were.
	if t.in.Step.Type != models.StepThink {
		t.run.RetryCount = 0
		t.run.ConsecutiveErrors = 0
		t.run.LastProgressAt = t.now
	}
	if err := m.writeCheckpoint(t, t.in.Checkpoint); err != nil {
		return err
	}

	if !HasMoreWork(t.run) && (t.run.Plan == nil || t.run.Plan.HasNextPhase()) {
		return m.exhausted(t)
	}
	// On the last phase a spent budget still leaves one turn to declare the
	// goal met; the supervisor accepts nothing else on that turn.
	t.enqueueStep(0)
	return nil
}

// exhausted fails the run for running out of steps or credits.
func (m *Machine) exhausted(t *txn) error {
	return m.finish(t, models.RunFailed, &models.RunError{
		Code:    string(errs.LimitExceeded),
		Message: "run exhausted its step or credit budget before reaching its goal",
	})
}

func (m *Machine) stepFailed(t *txn) error {
	runErr := t.in.Error
	if runErr == nil {
		return errs.New(errs.ValidationError, "StepFailed requires an error")
	}
	if t.in.Step != nil {
		recorded, err := m.recordStep(t, 0)
		if err != nil {
			return err
		}
		if !recorded {
			t.noop = true
			return nil
		}
	}

	t.run.ConsecutiveErrors++
	if CanRetry(t.run, runErr.Retryable, m.opts.MaxConsecutiveErrors) {
		if !HasMoreWork(t.run) {
			return m.exhausted(t)
		}
		t.run.RetryCount++
		t.run.Status = models.RunExecuting
		delay := time.Duration(0)
		if cfg, err := m.queues.Config(config.QueueSteps); err == nil {
			delay = queue.BackoffDelay(cfg.Backoff, t.run.RetryCount, t.run.ID+":"+strconv.Itoa(t.run.RetryCount))
		}
		t.enqueueStep(delay)
		return nil
	}

	final := *runErr
	if final.Retryable {
		final.Message += " (retries exhausted)"
		final.Retryable = false
	}
	return m.finish(t, models.RunFailed, &final)
}

func (m *Machine) stepErrored(t *txn) error {
	if done, err := m.spent(t); done || err != nil {
		return err
	}
	if t.in.Step != nil {
		recorded, err := m.recordStep(t, 0)
		if err != nil {
			return err
		}
		if !recorded {
			t.noop = true
			return nil
		}
	}

	t.run.ConsecutiveErrors++
	if t.run.ConsecutiveErrors >= m.opts.MaxConsecutiveErrors {
		runErr := t.in.Error
		if runErr == nil {
			runErr = &models.RunError{Code: string(errs.Internal)}
		}
		final := *runErr
		final.Retryable = false
		final.Message = "too many consecutive errors: " + final.Message
		return m.finish(t, models.RunFailed, &final)
	}
	if !HasMoreWork(t.run) {
		return m.exhausted(t)
	}
	t.enqueueStep(0)
	return nil
}

func (m *Machine) goalAchieved(t *txn) error {
	if t.run.Plan != nil {
		plan, _ := t.run.Plan.CompleteCurrent()
		t.run.Plan = plan
	}
	t.run.Result = t.in.Result
	return m.finish(t, models.RunCompleted, nil)
}

func (m *Machine) phaseCompleted(t *txn) error {
	if t.run.Plan == nil {
		return errs.New(errs.ValidationError, "run %s has no plan", t.run.ID)
	}
	if t.in.PhaseID != "" && t.in.PhaseID != t.run.Plan.CurrentPhaseID {
		t.noop = true
		return nil
	}

	next, more := t.run.Plan.CompleteCurrent()
	t.run.Plan = next
	t.run.LastProgressAt = t.now
	if !more {
		t.run.Result = t.in.Result
		return m.finish(t, models.RunCompleted, nil)
	}
	t.enqueueStep(0)
	return nil
}

func (m *Machine) planRepaired(t *txn) error {
	plan := t.in.Plan
	if plan == nil {
		return errs.New(errs.ValidationError, "PlanRepaired requires a plan")
	}
	current := 0
	if t.run.Plan != nil {
		current = t.run.Plan.Version
	}
	switch {
	case plan.Version <= current:
		t.noop = true
		return nil
	case plan.Version != current+1:
		return errs.New(errs.PlanValidationError, "repaired plan version %d does not follow %d", plan.Version, current)
	}
	if err := m.checkPlan(plan); err != nil {
		return err
	}
	if plan.CurrentPhase() == nil {
		return errs.New(errs.PlanValidationError, "repaired plan has no current phase %q", plan.CurrentPhaseID)
	}

	reason := t.in.Reason
	if reason == "" {
		reason = "repair"
	}
	if err := t.s.InsertPlanRevision(t.ctx, t.run.ID, plan, reason, t.now); err != nil {
		return err
	}
	t.run.Plan = plan.Clone()
	t.run.LastProgressAt = t.now
	t.enqueueStep(0)
	return nil
}

func (m *Machine) checkpointed(t *txn) error {
	if t.in.Checkpoint == nil {
		return errs.New(errs.ValidationError, "Checkpointed requires a checkpoint")
	}
	return m.writeCheckpoint(t, t.in.Checkpoint)
}

func (m *Machine) needUserInput(t *txn) error {
	if t.in.Prompt == "" {
		return errs.New(errs.ValidationError, "NeedUserInput requires a prompt")
	}
	t.run.PendingInput = t.in.Prompt
	t.run.Status = models.RunWaitingUser
	return nil
}

func (m *Machine) userInput(t *txn) error {
	if t.in.Step == nil {
		return errs.New(errs.ValidationError, "UserInput requires a step")
	}
	step := *t.in.Step
	step.Type = models.StepUserInput
	t.in.Step = &step
	recorded, err := m.recordStep(t, 0)
	if err != nil {
		return err
	}
	if !recorded {
		t.noop = true
		return nil
	}
	t.run.PendingInput = ""
	t.run.Status = models.RunExecuting
	t.run.LastProgressAt = t.now
	t.enqueueStep(0)
	return nil
}

func (m *Machine) capture(t *txn) (*models.Checkpoint, error) {
	if t.in.Checkpoint != nil {
		return t.in.Checkpoint, nil
	}
	if m.snapshot == nil {
		return nil, nil
	}
	return m.snapshot.Snapshot(t.ctx, t.s, t.run)
}

func (m *Machine) pause(t *txn) error {
	cp, err := m.capture(t)
	if err != nil {
		return err
	}
	if err := m.writeCheckpoint(t, cp); err != nil {
		return err
	}
	t.run.Status = models.RunPaused
	return nil
}

func (m *Machine) resume(t *txn) error {
	if t.run.CheckpointID != "" {
		cp, err := t.s.GetCheckpoint(t.ctx, t.run.CheckpointID)
		if err != nil {
			return err
		}
		if cp.StepCount != t.run.StepCount || (t.run.Plan != nil && cp.PhaseID != t.run.Plan.CurrentPhaseID) {
			m.logger.Warn("checkpoint does not match run, resuming from recorded steps",
				zap.String("run_id", t.run.ID),
				zap.Int64("checkpoint_steps", cp.StepCount),
				zap.Int64("run_steps", t.run.StepCount))
		}
	}
	t.run.Status = models.RunExecuting
	t.run.LastProgressAt = t.now
	t.enqueueStep(0)
	return nil
}

func (m *Machine) cancel(t *txn) error {
	reason := t.in.Reason
	if reason == "" {
		reason = "cancelled by request"
	}
	return m.finish(t, models.RunCancelled, &models.RunError{Code: string(errs.Cancelled), Message: reason})
}

func (m *Machine) timeout(t *txn) error {
	if t.prev.Status == models.RunExecuting {
		cp, err := m.capture(t)
		if err != nil {
			return err
		}
		if err := m.writeCheckpoint(t, cp); err != nil {
			return err
		}
	}
	runErr := t.in.Error
	if runErr == nil {
		runErr = &models.RunError{Code: string(errs.Timeout), Message: "run exceeded its time limit in " + string(t.prev.Status)}
	}
	return m.finish(t, models.RunTimeout, runErr)
}

// finish moves the run to a terminal status: the reservation is closed,
// the error stored, and cleanup and notification jobs enqueued.
func (m *Machine) finish(t *txn, status models.RunStatus, runErr *models.RunError) error {
	if _, err := m.ledger.Release(t.ctx, t.s, t.run.ID); err != nil {
		return err
	}
	t.run.Status = status
	t.run.Error = runErr
	t.run.CompletedAt = t.now
	t.run.PendingInput = ""
	t.enqueue(cleanupJob)
	t.enqueue(notifyJob)
	return nil
}
