// Package planner turns a prompt into a phased plan and repairs plans that
// stop making progress. Every model call runs under the idempotency
// executor so a redelivered planning job reuses the first answer.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/errs"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/idempotency"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/llm"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/logging"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/metrics"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/tools"
	"github.com/malenacutuli/swiss-ai-vault-sub006/pkg/config"
	"github.com/malenacutuli/swiss-ai-vault-sub006/pkg/models"
)

// Options bounds planning.
type Options struct {
	Timeout time.Duration
	// GenerationAttempts is how many fresh drafts are requested.
	GenerationAttempts int
	// RepairAttempts is how many corrective rounds each draft gets.
	RepairAttempts int
}

// OptionsFromConfig maps the supervisor section onto Options.
func OptionsFromConfig(cfg config.SupervisorConfig) Options {
	return Options{
		Timeout:            cfg.LLMTimeout,
		GenerationAttempts: cfg.PlanGenerationAttempts,
		RepairAttempts:     cfg.PlanRepairAttempts,
	}
}

// Planner produces and repairs plans.
type Planner struct {
	client   llm.Client
	registry *tools.Registry
	executor *idempotency.Executor
	opts     Options
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// New creates a planner.
func New(client llm.Client, registry *tools.Registry, exec *idempotency.Executor, opts Options, logger *zap.Logger, m *metrics.Metrics) *Planner {
	if opts.GenerationAttempts <= 0 {
		opts.GenerationAttempts = 3
	}
	if opts.RepairAttempts < 0 {
		opts.RepairAttempts = 0
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	return &Planner{
		client:   client,
		registry: registry,
		executor: exec,
		opts:     opts,
		logger:   logging.OrNop(logger).Named("planner"),
		metrics:  m,
	}
}

// Generate drafts the initial plan for run. An invalid draft gets
// corrective rounds with the validation error; when those run out a fresh
// draft is requested. PlanValidationError is returned once every attempt
// has failed.
func (p *Planner) Generate(ctx context.Context, run *models.Run) (*models.Plan, error) {
	base := []llm.Message{{Role: llm.RoleUser, Content: "Task:\n" + run.Prompt}}
	plan, err := p.draft(ctx, run, "plan:"+run.ID+":gen", base, nil)
	if err != nil {
		return nil, err
	}
	plan.Version = 1
	return plan.Start(), nil
}

// Repair replaces the unfinished phases of run's plan, keeping completed
// phases as they are. The result carries version current+1 and its first
// new phase is active.
func (p *Planner) Repair(ctx context.Context, run *models.Run, failure string) (*models.Plan, error) {
	current := run.Plan
	if current == nil {
		return nil, errs.New(errs.PlanValidationError, "run %s has no plan to repair", run.ID)
	}
	done := current.CompletedPhases()

	var b strings.Builder
	fmt.Fprintf(&b, "Task:\n%s\n\nThe current plan (version %d) is not making progress.\n", run.Prompt, current.Version)
	fmt.Fprintf(&b, "Failure: %s\n\nCompleted phases (keep them, do not repeat them):\n", failure)
	for _, ph := range done {
		fmt.Fprintf(&b, "- %s: %s\n", ph.ID, ph.Title)
	}
	b.WriteString("\nUnfinished phases:\n")
	for _, ph := range current.Phases {
		if ph.Status != models.PhaseCompleted {
			fmt.Fprintf(&b, "- %s: %s\n", ph.ID, ph.Title)
		}
	}
	b.WriteString("\nReturn a plan containing only the phases that remain, using new ids where the approach changes.")

	key := fmt.Sprintf("plan:%s:repair:v%d", run.ID, current.Version+1)
	msgs := []llm.Message{{Role: llm.RoleUser, Content: b.String()}}
	remaining, err := p.draft(ctx, run, key, msgs, done)
	if err != nil {
		return nil, err
	}

	repaired := &models.Plan{Goal: remaining.Goal, Version: current.Version + 1}
	if repaired.Goal == "" {
		repaired.Goal = current.Goal
	}
	repaired.Phases = append(repaired.Phases, done...)
	for _, ph := range remaining.Phases {
		ph.Status = models.PhasePending
		repaired.Phases = append(repaired.Phases, ph)
	}
	first := len(done)
	repaired.Phases[first].Status = models.PhaseActive
	repaired.CurrentPhaseID = repaired.Phases[first].ID
	if err := p.Validate(repaired); err != nil {
		return nil, err
	}
	p.metrics.RecordPlanRevision("repair")
	return repaired, nil
}

// draft runs the generation and correction loop. keep lists phases that
// must not be reused by the draft.
func (p *Planner) draft(ctx context.Context, run *models.Run, key string, base []llm.Message, keep []models.Phase) (*models.Plan, error) {
	var lastErr error
	for gen := 1; gen <= p.opts.GenerationAttempts; gen++ {
		msgs := append([]llm.Message(nil), base...)
		for round := 0; round <= p.opts.RepairAttempts; round++ {
			text, err := p.ask(ctx, fmt.Sprintf("%s:%d:%d", key, gen, round), msgs)
			if err != nil {
				if !errs.IsRetryable(err) || ctx.Err() != nil {
					return nil, err
				}
				lastErr = err
				break
			}
			plan, err := p.parse(text, keep)
			if err == nil {
				if gen > 1 {
					p.metrics.RecordPlanRevision("regenerate")
				}
				return plan, nil
			}
			lastErr = err
			p.logger.Debug("plan draft rejected",
				zap.String("run_id", run.ID), zap.Int("generation", gen), zap.Int("round", round), zap.Error(err))
			msgs = append(msgs,
				llm.Message{Role: llm.RoleAssistant, Content: text},
				llm.Message{Role: llm.RoleUser, Content: "That plan is invalid: " + err.Error() + "\nReturn a corrected plan."})
		}
	}
	return nil, errs.Wrap(errs.PlanValidationError, lastErr, "no valid plan after %d attempts", p.opts.GenerationAttempts)
}

func (p *Planner) ask(ctx context.Context, key string, msgs []llm.Message) (string, error) {
	req := llm.Request{System: p.systemPrompt(), Messages: msgs, JSON: true}
	text, err := idempotency.Do(ctx, p.executor, key, nil, func(ctx context.Context) (string, error) {
		callCtx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
		defer cancel()
		resp, err := p.client.Complete(callCtx, req)
		if err != nil {
			if callCtx.Err() != nil && ctx.Err() == nil {
				return "", errs.Wrap(errs.Timeout, err, "planning call exceeded %s", p.opts.Timeout)
			}
			return "", err
		}
		return resp.Content, nil
	})
	p.metrics.RecordLLMCall("plan", err == nil)
	return text, err
}

func (p *Planner) systemPrompt() string {
	var b strings.Builder
	b.WriteString("You break a task into an ordered list of phases. Each phase names the tools it may use.\n")
	b.WriteString(`Reply with one JSON object: {"goal": "...", "phases": [{"id": "kebab-id", "title": "...", "description": "...", "capabilities": ["tool"]}]}`)
	b.WriteString("\nAvailable tools:\n")
	if p.registry != nil {
		for _, spec := range p.registry.Specs(p.registry.Names()) {
			fmt.Fprintf(&b, "- %s: %s\n", spec.Name, spec.Description)
		}
	}
	return b.String()
}

type planDoc struct {
	Goal   string `json:"goal"`
	Phases []struct {
		ID           string   `json:"id"`
		Title        string   `json:"title"`
		Description  string   `json:"description"`
		Capabilities []string `json:"capabilities"`
	} `json:"phases"`
}

func (p *Planner) parse(text string, keep []models.Phase) (*models.Plan, error) {
	raw, ok := llm.ExtractJSON(text)
	if !ok {
		return nil, errs.New(errs.PlanValidationError, "reply contains no JSON object")
	}
	var doc planDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errs.Wrap(errs.PlanValidationError, err, "reply is not a plan")
	}
	plan := &models.Plan{Goal: doc.Goal}
	for _, ph := range doc.Phases {
		plan.Phases = append(plan.Phases, models.Phase{
			ID:           ph.ID,
			Title:        ph.Title,
			Description:  ph.Description,
			Capabilities: ph.Capabilities,
			Status:       models.PhasePending,
		})
	}
	if err := p.Validate(plan); err != nil {
		return nil, err
	}
	for _, k := range keep {
		if plan.Phase(k.ID) != nil {
			return nil, errs.New(errs.PlanValidationError, "phase %q is already completed", k.ID)
		}
	}
	return plan, nil
}
