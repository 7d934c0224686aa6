// Package statemachine owns every mutation of a run. Each transition reads
// the run, evaluates its guard, applies its effects (ledger postings, job
// enqueues, step and checkpoint records) and writes the new run state
// conditioned on the version it read, all in one database transaction that
// also appends the transition's outbox event.
package statemachine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/database"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/errs"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/ledger"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/logging"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/metrics"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/queue"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/telemetry"
	"github.com/malenacutuli/swiss-ai-vault-sub006/pkg/config"
	"github.com/malenacutuli/swiss-ai-vault-sub006/pkg/models"
)

// Snapshotter captures supervisor state for a checkpoint inside the
// caller's transaction.
type Snapshotter interface {
	Snapshot(ctx context.Context, s *database.Store, run *models.Run) (*models.Checkpoint, error)
}

// PlanValidator rejects malformed plans.
type PlanValidator func(plan *models.Plan) error

// Options configures the machine.
type Options struct {
	Runs                 config.RunsConfig
	MaxConsecutiveErrors int
	// MaxConflictRetries bounds how often a transition is re-read and
	// re-applied after losing an optimistic-lock race.
	MaxConflictRetries int
}

// Machine applies run transitions.
type Machine struct {
	db       *database.Database
	ledger   *ledger.Ledger
	queues   *queue.Manager
	opts     Options
	validate PlanValidator
	snapshot Snapshotter
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// New creates a state machine.
func New(db *database.Database, l *ledger.Ledger, q *queue.Manager, opts Options, logger *zap.Logger, m *metrics.Metrics) *Machine {
	if opts.MaxConsecutiveErrors <= 0 {
		opts.MaxConsecutiveErrors = 3
	}
	if opts.MaxConflictRetries <= 0 {
		opts.MaxConflictRetries = 8
	}
	return &Machine{
		db:      db,
		ledger:  l,
		queues:  q,
		opts:    opts,
		logger:  logging.OrNop(logger).Named("statemachine"),
		metrics: m,
		now:     time.Now,
	}
}

// SetPlanValidator installs the plan guard used by PlanReady and PlanRepaired.
func (m *Machine) SetPlanValidator(v PlanValidator) {
	m.validate = v
}

// SetSnapshotter installs the checkpoint source used by Pause and Timeout.
func (m *Machine) SetSnapshotter(s Snapshotter) {
	m.snapshot = s
}

// SubmitRequest describes a new run.
type SubmitRequest struct {
	// ID makes submission idempotent when set; otherwise one is generated.
	ID         string
	TenantID   string
	UserID     string
	Prompt     string
	MaxSteps   int64
	MaxCredits int64
	MaxRetries int
	SandboxID  string
}

// Outcome reports the result of Apply.
type Outcome struct {
	Run  *models.Run
	From models.RunStatus
	// Applied is false when the event had already been applied and nothing
	// was written.
	Applied bool
}

// Submit creates a pending run and enqueues it. When the tenant lacks quota
// the run is returned in pending together with the InsufficientCredits error;
// the detector retries it later.
func (m *Machine) Submit(ctx context.Context, req SubmitRequest) (*models.Run, error) {
	if req.TenantID == "" || req.Prompt == "" {
		return nil, errs.New(errs.ValidationError, "a run needs a tenant and a prompt")
	}
	if req.MaxSteps <= 0 {
		req.MaxSteps = m.opts.Runs.DefaultMaxSteps
	}
	if req.MaxCredits <= 0 {
		req.MaxCredits = m.opts.Runs.DefaultMaxCredits
	}
	if req.MaxRetries <= 0 {
		req.MaxRetries = m.opts.Runs.DefaultMaxRetries
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	now := m.now()
	run := &models.Run{
		ID:              req.ID,
		TenantID:        req.TenantID,
		UserID:          req.UserID,
		Status:          models.RunPending,
		Prompt:          req.Prompt,
		MaxSteps:        req.MaxSteps,
		MaxCredits:      req.MaxCredits,
		MaxRetries:      req.MaxRetries,
		SandboxID:       req.SandboxID,
		CreatedAt:       now,
		StatusEnteredAt: now,
		UpdatedAt:       now,
		Version:         1,
	}
	err := m.db.WithTransaction(ctx, func(s *database.Store) error {
		if err := s.CreateRun(ctx, run); err != nil {
			return err
		}
		return m.appendOutbox(ctx, s, "run.created", "", run, now)
	})
	if err != nil {
		if !database.IsUniqueViolation(err) {
			return nil, err
		}
		existing, getErr := m.db.Store().GetRun(ctx, req.ID)
		if getErr != nil {
			return nil, getErr
		}
		if existing.Status != models.RunPending {
			return existing, nil
		}
		run = existing
	} else {
		m.logger.Info("run submitted", zap.String("run_id", run.ID), zap.String("tenant_id", run.TenantID))
	}

	out, err := m.Apply(ctx, run.ID, Input{Event: EventEnqueue})
	if err != nil {
		return run, err
	}
	return out.Run, nil
}

// Get loads a run.
func (m *Machine) Get(ctx context.Context, runID string) (*models.Run, error) {
	return m.db.Store().GetRun(ctx, runID)
}

// Apply runs one transition. Lost optimistic-lock races are retried against
// the fresh version and never returned to the caller.
func (m *Machine) Apply(ctx context.Context, runID string, in Input) (*Outcome, error) {
	ctx, span := telemetry.StartSpan(ctx, "statemachine.apply",
		attribute.String("run.id", runID), attribute.String("run.event", string(in.Event)))

	var (
		out *Outcome
		err error
	)
	for attempt := 0; ; attempt++ {
		out, err = m.applyOnce(ctx, runID, in)
		if !errs.IsVersionConflict(err) {
			break
		}
		m.metrics.RecordVersionConflict(string(in.Event))
		if attempt+1 >= m.opts.MaxConflictRetries {
			err = errs.Wrap(errs.Internal, err, "transition %s kept conflicting", in.Event)
			break
		}
		m.logger.Debug("version conflict, re-reading run",
			zap.String("run_id", runID), zap.String("event", string(in.Event)), zap.Int("attempt", attempt+1))
	}
	telemetry.EndSpan(span, err)
	if err != nil {
		return nil, err
	}

	if out.Applied {
		m.metrics.RecordTransition(string(out.From), string(out.Run.Status), string(in.Event))
		telemetry.RecordTransition(ctx, string(in.Event), string(out.Run.Status))
		m.logger.Info("run transition",
			zap.String("run_id", runID),
			zap.String("event", string(in.Event)),
			zap.String("from", string(out.From)),
			zap.String("to", string(out.Run.Status)),
			zap.Int64("version", out.Run.Version))
	}
	return out, nil
}

// txn is the working state of one transition attempt.
type txn struct {
	ctx  context.Context
	s    *database.Store
	prev *models.Run
	run  *models.Run
	in   Input
	now  time.Time

	noop bool
	jobs []func(run *models.Run) queue.EnqueueRequest
}

func (t *txn) enqueue(build func(run *models.Run) queue.EnqueueRequest) {
	t.jobs = append(t.jobs, build)
}

func (t *txn) enqueueStep(delay time.Duration) {
	t.enqueue(func(run *models.Run) queue.EnqueueRequest {
		req := stepJob(run)
		req.Delay = delay
		return req
	})
}

func (m *Machine) applyOnce(ctx context.Context, runID string, in Input) (*Outcome, error) {
	tr, ok := transitions[in.Event]
	if !ok {
		return nil, errs.New(errs.ValidationError, "unknown event %q", in.Event)
	}

	var out *Outcome
	err := m.db.WithTransaction(ctx, func(s *database.Store) error {
		prev, err := s.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if prev.Status.IsTerminal() || !tr.allows(prev.Status) {
			return errs.New(errs.InvalidTransition, "run %s cannot accept %s in status %s", runID, in.Event, prev.Status)
		}

		t := &txn{ctx: ctx, s: s, prev: prev, run: prev.Clone(), in: in, now: m.now()}
		if err := tr.apply(m, t); err != nil {
			return err
		}
		if t.noop {
			out = &Outcome{Run: prev, From: prev.Status}
			return nil
		}

		next := t.run
		next.UpdatedAt = t.now
		if next.Status != prev.Status {
			next.StatusEnteredAt = t.now
		}
		if err := s.UpdateRun(ctx, next, prev.Version); err != nil {
			return err
		}
		for _, build := range t.jobs {
			if _, err := m.queues.EnqueueTx(ctx, s, build(next)); err != nil {
				return err
			}
		}
		if err := m.appendOutbox(ctx, s, in.Event.OutboxType(), prev.Status, next, t.now); err != nil {
			return err
		}
		out = &Outcome{Run: next, From: prev.Status, Applied: true}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type eventPayload struct {
	RunID           string           `json:"run_id"`
	TenantID        string           `json:"tenant_id"`
	Status          models.RunStatus `json:"status"`
	StepCount       int64            `json:"step_count"`
	CreditsReserved int64            `json:"credits_reserved"`
	CreditsConsumed int64            `json:"credits_consumed"`
	PhaseID         string           `json:"phase_id,omitempty"`
	PlanVersion     int              `json:"plan_version,omitempty"`
	Error           *models.RunError `json:"error,omitempty"`
}

func (m *Machine) appendOutbox(ctx context.Context, s *database.Store, eventType string, from models.RunStatus, run *models.Run, now time.Time) error {
	p := eventPayload{
		RunID:           run.ID,
		TenantID:        run.TenantID,
		Status:          run.Status,
		StepCount:       run.StepCount,
		CreditsReserved: run.CreditsReserved,
		CreditsConsumed: run.CreditsConsumed,
		Error:           run.Error,
	}
	if run.Plan != nil {
		p.PhaseID = run.Plan.CurrentPhaseID
		p.PlanVersion = run.Plan.Version
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode outbox payload: %w", err)
	}
	return s.InsertOutboxEvent(ctx, &models.OutboxEvent{
		ID:         ulid.Make().String(),
		RunID:      run.ID,
		TenantID:   run.TenantID,
		RunVersion: run.Version,
		EventType:  eventType,
		FromStatus: from,
		ToStatus:   run.Status,
		Payload:    raw,
		CreatedAt:  now,
	})
}
