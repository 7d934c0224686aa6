// Package supervisor executes the agent loop of an executing run, one step
// per run.step job. Each job asks the model for the next action within the
// current phase, performs it, and reports the outcome to the state machine.
// A step job is the unit of checkpointing, cancellation and crash recovery:
// a redelivered job replays cached model and tool results instead of
// repeating them.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/database"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/errs"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/idempotency"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/llm"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/logging"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/metrics"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/planner"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/queue"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/statemachine"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/telemetry"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/tools"
	"github.com/malenacutuli/swiss-ai-vault-sub006/pkg/config"
	"github.com/malenacutuli/swiss-ai-vault-sub006/pkg/models"
)

// Options bounds the agent loop.
type Options struct {
	CheckpointInterval int
	ProgressTimeout    time.Duration
	MaxStepsPerPhase   int
	ContextWindow      int
	LLMTimeout         time.Duration
	// LLMCallCost is charged on every completed step on top of tool cost.
	LLMCallCost int64
	// PlanRepairs is how many times a stuck run may have its plan repaired.
	PlanRepairs int
	// ToolRetries is how many times a retryable tool failure is retried
	// in place before the step is reported failed.
	ToolRetries  int
	RetryBackoff config.BackoffConfig
}

// OptionsFromConfig maps configuration onto Options.
func OptionsFromConfig(sup config.SupervisorConfig, t config.ToolsConfig) Options {
	return Options{
		CheckpointInterval: sup.CheckpointInterval,
		ProgressTimeout:    sup.ProgressTimeout,
		MaxStepsPerPhase:   sup.MaxStepsPerPhase,
		ContextWindow:      sup.ContextWindow,
		LLMTimeout:         sup.LLMTimeout,
		LLMCallCost:        sup.LLMCallCost,
		PlanRepairs:        sup.PlanRepairAttempts,
		ToolRetries:        t.LocalRetries,
		RetryBackoff:       t.RetryBackoff,
	}
}

// Supervisor runs the start, plan and step jobs of a run.
type Supervisor struct {
	db       *database.Database
	machine  *statemachine.Machine
	planner  *planner.Planner
	router   *tools.Router
	client   llm.Client
	executor *idempotency.Executor
	opts     Options
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// New creates a supervisor.
func New(db *database.Database, machine *statemachine.Machine, p *planner.Planner, router *tools.Router,
	client llm.Client, exec *idempotency.Executor, opts Options, logger *zap.Logger, m *metrics.Metrics) *Supervisor {
	if opts.ContextWindow <= 0 {
		opts.ContextWindow = 20
	}
	if opts.LLMTimeout <= 0 {
		opts.LLMTimeout = 2 * time.Minute
	}
	return &Supervisor{
		db:       db,
		machine:  machine,
		planner:  p,
		router:   router,
		client:   client,
		executor: exec,
		opts:     opts,
		logger:   logging.OrNop(logger).Named("supervisor"),
		metrics:  m,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Snapshotter returns the checkpoint source the state machine uses for
// Pause and Timeout.
func (s *Supervisor) Snapshotter() *Snapshotter {
	return NewSnapshotter(s.opts.ContextWindow)
}

// HandleStart is the run.start job handler.
func (s *Supervisor) HandleStart(ctx context.Context, job *models.Job) error {
	var p statemachine.JobPayload
	if err := queue.DecodePayload(job, &p); err != nil {
		return err
	}
	_, err := s.machine.Apply(ctx, p.RunID, statemachine.Input{Event: statemachine.EventStart})
	return s.settle(p.RunID, statemachine.EventStart, err)
}

// HandlePlan is the run.plan job handler. Retryable planning failures are
// returned so the queue retries the job; any other failure fails the run.
func (s *Supervisor) HandlePlan(ctx context.Context, job *models.Job) error {
	var p statemachine.JobPayload
	if err := queue.DecodePayload(job, &p); err != nil {
		return err
	}
	run, err := s.machine.Get(ctx, p.RunID)
	if err != nil {
		return err
	}
	if run.Status != models.RunPlanning {
		return nil
	}

	plan, err := s.planner.Generate(ctx, run)
	if err != nil {
		if errs.IsRetryable(err) && ctx.Err() == nil {
			return err
		}
		_, applyErr := s.machine.Apply(ctx, run.ID, statemachine.Input{Event: statemachine.EventPlanFailed, Error: runErrorOf(err, false)})
		return s.settle(run.ID, statemachine.EventPlanFailed, applyErr)
	}

	_, err = s.machine.Apply(ctx, run.ID, statemachine.Input{Event: statemachine.EventPlanReady, Plan: plan})
	if errs.Is(err, errs.PlanValidationError) {
		_, err = s.machine.Apply(ctx, run.ID, statemachine.Input{Event: statemachine.EventPlanFailed, Error: runErrorOf(err, false)})
		return s.settle(run.ID, statemachine.EventPlanFailed, err)
	}
	return s.settle(run.ID, statemachine.EventPlanReady, err)
}

// HandleStep is the run.step job handler. A job for a run that is no longer
// executing, or whose step was already produced, does nothing.
func (s *Supervisor) HandleStep(ctx context.Context, job *models.Job) error {
	var p statemachine.JobPayload
	if err := queue.DecodePayload(job, &p); err != nil {
		return err
	}
	run, err := s.machine.Get(ctx, p.RunID)
	if err != nil {
		return err
	}
	if run.Status != models.RunExecuting || run.Plan == nil {
		s.logger.Debug("discarding step job", zap.String("run_id", run.ID), zap.String("status", string(run.Status)))
		return nil
	}
	if p.Seq != 0 && p.Seq != run.StepCount+1 {
		s.logger.Debug("discarding stale step job",
			zap.String("run_id", run.ID), zap.Int64("seq", p.Seq), zap.Int64("step_count", run.StepCount))
		return nil
	}

	ctx, span := telemetry.StartSpan(ctx, "supervisor.step",
		attribute.String("run.id", run.ID), attribute.Int64("step.seq", run.StepCount+1))
	err = s.step(ctx, run)
	telemetry.EndSpan(span, err)
	return s.settle(run.ID, "step", err)
}

// settle drops errors that mean the run moved on while the job was in
// flight; the job's result is discarded.
func (s *Supervisor) settle(runID string, what statemachine.Event, err error) error {
	if err == nil {
		return nil
	}
	if errs.Is(err, errs.InvalidTransition) || errs.Is(err, errs.GuardFailed) {
		s.logger.Info("run moved on, discarding job result",
			zap.String("run_id", runID), zap.String("event", string(what)), zap.Error(err))
		return nil
	}
	return err
}

func (s *Supervisor) step(ctx context.Context, run *models.Run) error {
	seq := run.StepCount + 1
	phase := run.CurrentPhase()
	if phase == nil {
		return s.fail(ctx, run, nil, errs.New(errs.PlanValidationError, "plan has no current phase %q", run.Plan.CurrentPhaseID))
	}

	if s.opts.ProgressTimeout > 0 && !run.LastProgressAt.IsZero() {
		if idle := s.now().Sub(run.LastProgressAt); idle > s.opts.ProgressTimeout {
			return s.repair(ctx, run, errs.New(errs.StuckError, "no progress for %s in phase %s", idle.Round(time.Second), phase.ID))
		}
	}
	if s.opts.MaxStepsPerPhase > 0 {
		n, err := s.db.Store().CountSteps(ctx, run.ID, phase.ID, run.Plan.Version)
		if err != nil {
			return err
		}
		if n >= int64(s.opts.MaxStepsPerPhase) {
			return s.fail(ctx, run, nil, errs.New(errs.MaxStepsError, "phase %s reached %d steps without completing", phase.ID, n))
		}
	}

	mem, err := s.memory(ctx, run)
	if err != nil {
		return err
	}
	action, err := s.decide(ctx, run, phase, mem, seq)
	if err != nil {
		return s.handleError(ctx, run, &models.Step{SequenceNumber: seq}, err)
	}
	if !statemachine.HasMoreWork(run) && action.Kind != llm.ActionCompletePhase && action.Kind != llm.ActionGoalAchieved {
		return s.fail(ctx, run, nil, errs.New(errs.LimitExceeded,
			"budget spent after %d steps and %d credits; %s would start new work", run.StepCount, run.CreditsConsumed, action.Kind))
	}

	switch action.Kind {
	case llm.ActionThink:
		return s.complete(ctx, run, mem, &models.Step{
			SequenceNumber: seq,
			Type:           models.StepThink,
			Content:        action.Content,
			Credits:        s.opts.LLMCallCost,
		})

	case llm.ActionToolCall:
		base := &models.Step{SequenceNumber: seq, Tool: action.Tool, Input: action.Params}
		if !run.Plan.Allows(action.Tool) {
			return s.handleError(ctx, run, base,
				errs.New(errs.ValidationError, "tool %q is not available in phase %s", action.Tool, phase.ID))
		}
		start := s.now()
		res, err := s.callTool(ctx, run, seq, action)
		if err != nil {
			return s.handleError(ctx, run, base, err)
		}
		telemetry.RecordStep(ctx, string(models.StepToolCall), s.now().Sub(start))
		base.Type = models.StepToolCall
		base.Output = res.Output
		base.Credits = res.Cost + s.opts.LLMCallCost
		base.IdempotencyKey = res.Key
		base.Duration = res.Duration
		return s.complete(ctx, run, mem, base)

	case llm.ActionCompletePhase:
		_, err := s.machine.Apply(ctx, run.ID, statemachine.Input{
			Event:   statemachine.EventPhaseCompleted,
			PhaseID: phase.ID,
			Result:  resultOf(action),
		})
		return err

	case llm.ActionGoalAchieved:
		_, err := s.machine.Apply(ctx, run.ID, statemachine.Input{
			Event:  statemachine.EventGoalAchieved,
			Result: resultOf(action),
		})
		return err

	case llm.ActionNeedUserInput:
		_, err := s.machine.Apply(ctx, run.ID, statemachine.Input{
			Event:  statemachine.EventNeedUserInput,
			Prompt: action.Content,
		})
		return err
	}
	return s.handleError(ctx, run, &models.Step{SequenceNumber: seq},
		errs.New(errs.ValidationError, "unsupported action %q", action.Kind))
}

func resultOf(a *llm.Action) json.RawMessage {
	if len(a.Result) > 0 {
		return a.Result
	}
	if a.Content == "" {
		return nil
	}
	raw, _ := json.Marshal(map[string]string{"summary": a.Content})
	return raw
}

// memory restores the context window from the run's checkpoint when it
// matches the run, and from the recorded steps otherwise.
func (s *Supervisor) memory(ctx context.Context, run *models.Run) (*Memory, error) {
	store := s.db.Store()
	if run.CheckpointID != "" {
		cp, err := store.GetCheckpoint(ctx, run.CheckpointID)
		switch {
		case err != nil:
			s.logger.Warn("failed to load checkpoint", zap.String("run_id", run.ID), zap.Error(err))
		case cp.StepCount == run.StepCount && cp.PhaseID == run.Plan.CurrentPhaseID && cp.PlanVersion == run.Plan.Version:
			mem, err := DecodeMemory(cp.Memory)
			if err == nil {
				return mem, nil
			}
			s.logger.Warn("failed to decode checkpoint", zap.String("run_id", run.ID), zap.Error(err))
		}
	}
	steps, err := store.ListSteps(ctx, run.ID, database.StepFilter{Last: s.opts.ContextWindow})
	if err != nil {
		return nil, err
	}
	return BuildMemory(run, steps), nil
}

// decide asks the model for the next action. The answer is cached per step,
// phase and plan version so a redelivered job reuses it.
func (s *Supervisor) decide(ctx context.Context, run *models.Run, phase *models.Phase, mem *Memory, seq int64) (*llm.Action, error) {
	req := llm.Request{
		System:   s.systemPrompt(run, phase),
		Messages: append([]llm.Message{{Role: llm.RoleUser, Content: "Task:\n" + run.Prompt}}, mem.Messages()...),
		Tools:    s.router.Registry().Specs(phase.Capabilities),
		JSON:     true,
	}
	key := fmt.Sprintf("llm:step:%s:%d:%s:v%d", run.ID, seq, phase.ID, run.Plan.Version)
	resp, err := idempotency.Do(ctx, s.executor, key, nil, func(ctx context.Context) (*llm.Response, error) {
		callCtx, cancel := context.WithTimeout(ctx, s.opts.LLMTimeout)
		defer cancel()
		resp, err := s.client.Complete(callCtx, req)
		if err != nil && callCtx.Err() != nil && ctx.Err() == nil {
			return nil, errs.Wrap(errs.Timeout, err, "model call exceeded %s", s.opts.LLMTimeout)
		}
		return resp, err
	})
	s.metrics.RecordLLMCall("step", err == nil)
	if err != nil {
		return nil, err
	}
	return llm.ParseAction(resp)
}

func (s *Supervisor) systemPrompt(run *models.Run, phase *models.Phase) string {
	var b strings.Builder
	b.WriteString("You carry out one phase of a plan at a time, choosing one action per turn.\n")
	fmt.Fprintf(&b, "Goal: %s\n", run.Plan.Goal)
	fmt.Fprintf(&b, "Current phase: %s (%s)", phase.ID, phase.Title)
	if phase.Description != "" {
		fmt.Fprintf(&b, ": %s", phase.Description)
	}
	b.WriteString("\n")
	if len(phase.Capabilities) == 0 {
		b.WriteString("No tools are available in this phase.\n")
	} else {
		fmt.Fprintf(&b, "Tools available in this phase: %s\n", strings.Join(phase.Capabilities, ", "))
	}
	if run.Plan.HasNextPhase() {
		b.WriteString("Use complete_phase once this phase's work is done.\n")
	} else {
		b.WriteString("This is the last phase. Use goal_achieved once the goal is met.\n")
	}
	if !statemachine.HasMoreWork(run) {
		b.WriteString("The step and credit budget is spent. Answer with goal_achieved if the goal is met; any other action fails the run.\n")
	}
	b.WriteString(llm.ActionSchema)
	return b.String()
}

// callTool executes a tool call, retrying retryable failures in place.
// Each retry forgets the cached failure first so the tool really runs again.
func (s *Supervisor) callTool(ctx context.Context, run *models.Run, seq int64, a *llm.Action) (*tools.Result, error) {
	call := tools.Call{RunID: run.ID, Seq: seq, Tool: a.Tool, Params: a.Params, SandboxID: run.SandboxID}
	var lastErr error
	for attempt := 0; attempt <= s.opts.ToolRetries; attempt++ {
		if attempt > 0 {
			if err := s.router.Forget(ctx, call); err != nil {
				return nil, err
			}
			delay := queue.BackoffDelay(s.opts.RetryBackoff, attempt, fmt.Sprintf("%s:%d:%d", run.ID, seq, attempt))
			if err := s.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
		res, err := s.router.Execute(ctx, call)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if Classify(err) != Retryable {
			return nil, err
		}
		s.logger.Debug("tool call failed, retrying",
			zap.String("run_id", run.ID), zap.String("tool", a.Tool), zap.Int("attempt", attempt+1), zap.Error(err))
	}
	// Leave the next step job free to run the tool again.
	if err := s.router.Forget(ctx, call); err != nil {
		s.logger.Warn("failed to forget tool failure", zap.String("run_id", run.ID), zap.Error(err))
	}
	return nil, lastErr
}

// complete reports a successful step, attaching a checkpoint every
// CheckpointInterval steps.
func (s *Supervisor) complete(ctx context.Context, run *models.Run, mem *Memory, step *models.Step) error {
	in := statemachine.Input{Event: statemachine.EventStepCompleted, Step: step}
	if s.opts.CheckpointInterval > 0 && step.SequenceNumber%int64(s.opts.CheckpointInterval) == 0 {
		mem.Append(step)
		mem.Trim(s.opts.ContextWindow)
		cp, err := checkpointOf(mem)
		if err != nil {
			return err
		}
		in.Checkpoint = cp
	}
	out, err := s.machine.Apply(ctx, run.ID, in)
	if err != nil {
		return err
	}
	if out.Applied {
		s.metrics.RecordStep(string(step.Type))
		if in.Checkpoint != nil {
			s.metrics.RecordCheckpoint()
		}
	}
	return nil
}

// handleError routes a failed action by its class. base carries the step
// fields known so far.
func (s *Supervisor) handleError(ctx context.Context, run *models.Run, base *models.Step, cause error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	class := Classify(cause)
	s.logger.Info("step failed",
		zap.String("run_id", run.ID), zap.Int64("seq", base.SequenceNumber),
		zap.String("class", class.String()), zap.Error(cause))

	switch class {
	case Recoverable:
		runErr := runErrorOf(cause, false)
		_, err := s.machine.Apply(ctx, run.ID, statemachine.Input{
			Event: statemachine.EventStepErrored,
			Step:  errorStep(base, runErr),
			Error: runErr,
		})
		return err
	case Stuck:
		return s.repair(ctx, run, cause)
	default:
		return s.fail(ctx, run, base, cause)
	}
}

// fail reports StepFailed. Only retryable causes keep the run retryable.
// base, when set, is recorded as an error step.
func (s *Supervisor) fail(ctx context.Context, run *models.Run, base *models.Step, cause error) error {
	runErr := runErrorOf(cause, Classify(cause) == Retryable)
	in := statemachine.Input{Event: statemachine.EventStepFailed, Error: runErr}
	if base != nil {
		in.Step = errorStep(base, runErr)
	}
	_, err := s.machine.Apply(ctx, run.ID, in)
	return err
}

// repair replaces the rest of a stuck run's plan. Once the repair budget is
// spent the run fails.
func (s *Supervisor) repair(ctx context.Context, run *models.Run, cause error) error {
	repairs := run.Plan.Version - 1
	if repairs >= s.opts.PlanRepairs {
		return s.fail(ctx, run, nil, errs.Wrap(errs.StuckError, cause, "plan repaired %d times without progress", repairs))
	}
	plan, err := s.planner.Repair(ctx, run, cause.Error())
	if err != nil {
		if errs.IsRetryable(err) && ctx.Err() == nil {
			return err
		}
		return s.fail(ctx, run, nil, err)
	}
	_, err = s.machine.Apply(ctx, run.ID, statemachine.Input{
		Event:  statemachine.EventPlanRepaired,
		Plan:   plan,
		Reason: cause.Error(),
	})
	return err
}

func errorStep(base *models.Step, runErr *models.RunError) *models.Step {
	st := *base
	st.Type = models.StepError
	st.Output = nil
	st.Content = runErr.Message
	st.Error = runErr
	st.Credits = 0
	return &st
}

func runErrorOf(err error, retryable bool) *models.RunError {
	return &models.RunError{
		Code:      string(errs.CodeOf(err)),
		Message:   err.Error(),
		Retryable: retryable,
	}
}
