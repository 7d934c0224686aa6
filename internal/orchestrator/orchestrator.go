// Package orchestrator wires the run orchestration components together and
// exposes the operations callers use to drive runs.
package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/database"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/detector"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/errs"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/idempotency"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/kv"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/ledger"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/llm"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/logging"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/messagebus"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/metrics"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/outbox"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/planner"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/queue"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/statemachine"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/supervisor"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/temporal"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/temporal/activities"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/tools"
	"github.com/malenacutuli/swiss-ai-vault-sub006/pkg/config"
	"github.com/malenacutuli/swiss-ai-vault-sub006/pkg/models"
)

// Deps overrides the collaborators New would otherwise build from config.
// Collaborators passed in are not closed by Close.
type Deps struct {
	DB        *database.Database
	KV        kv.Store
	LLM       llm.Client
	Sandbox   tools.Sandbox
	Publisher messagebus.Publisher
	Tools     []tools.Tool
}

// Orchestrator owns every run orchestration component.
type Orchestrator struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	db       *database.Database
	kv       kv.Store
	ledger   *ledger.Ledger
	queues   *queue.Manager
	machine  *statemachine.Machine
	registry *tools.Registry
	router   *tools.Router
	planner  *planner.Planner
	sup      *supervisor.Supervisor
	detector *detector.Detector
	sandbox  tools.Sandbox
	relay    *outbox.Relay
	maint    *activities.Activities

	bus     *messagebus.NatsBus
	closers []func() error
}

// New builds the orchestrator from cfg.
func New(ctx context.Context, cfg *config.Config, deps Deps, logger *zap.Logger, m *metrics.Metrics) (*Orchestrator, error) {
	o := &Orchestrator{cfg: cfg, logger: logging.OrNop(logger).Named("orchestrator"), metrics: m}
	if err := o.build(ctx, deps, logger); err != nil {
		_ = o.Close()
		return nil, err
	}
	return o, nil
}

func (o *Orchestrator) build(ctx context.Context, deps Deps, logger *zap.Logger) error {
	cfg, m := o.cfg, o.metrics

	o.db = deps.DB
	if o.db == nil {
		db, err := database.Open(cfg.Database)
		if err != nil {
			return err
		}
		o.db = db
		o.closers = append(o.closers, db.Close)
	}

	o.kv = deps.KV
	if o.kv == nil {
		store, err := kv.New(ctx, cfg.KV)
		if err != nil {
			return err
		}
		o.kv = store
		o.closers = append(o.closers, store.Close)
	}

	client := deps.LLM
	if client == nil {
		c, err := llm.New(ctx, cfg.LLM)
		if err != nil {
			return err
		}
		client = c
	}

	o.sandbox = deps.Sandbox
	if o.sandbox == nil {
		o.sandbox = tools.NewLocalSandbox()
	}

	o.ledger = ledger.New(logger, m)
	o.queues = queue.NewManager(o.db, o.kv, cfg.Queues, cfg.Idempotency.DedupeWindow, logger, m)
	o.machine = statemachine.New(o.db, o.ledger, o.queues, statemachine.Options{
		Runs:                 cfg.Runs,
		MaxConsecutiveErrors: cfg.Supervisor.MaxConsecutiveErrors,
	}, logger, m)

	exec := idempotency.New(o.kv, idempotency.OptionsFromConfig(cfg.Idempotency), logger, m)
	o.registry = tools.NewRegistry()
	extra := deps.Tools
	if extra == nil {
		extra = tools.Builtins()
	}
	for _, t := range extra {
		if err := o.registry.Register(t); err != nil {
			return err
		}
	}
	o.registry.ApplyOverrides(cfg.Tools.Overrides)
	o.router = tools.NewRouter(o.registry, exec, queue.NewRateLimiter(o.kv), cfg.Tools, logger, m)

	o.planner = planner.New(client, o.registry, exec, planner.OptionsFromConfig(cfg.Supervisor), logger, m)
	o.sup = supervisor.New(o.db, o.machine, o.planner, o.router, client, exec,
		supervisor.OptionsFromConfig(cfg.Supervisor, cfg.Tools), logger, m)
	o.machine.SetPlanValidator(o.planner.Validate)
	o.machine.SetSnapshotter(o.sup.Snapshotter())

	o.detector = detector.New(o.db, o.machine, o.queues, cfg.Detector, logger, m)

	pub := deps.Publisher
	if pub == nil && cfg.NATS.Enabled {
		bus, err := messagebus.NewNatsBus(messagebus.Config{
			URL:           cfg.NATS.URL,
			StreamName:    cfg.NATS.StreamName,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			Timeout:       cfg.NATS.Timeout,
		}, logger)
		if err != nil {
			return err
		}
		o.bus = bus
		o.closers = append(o.closers, bus.Close)
		pub = bus
	}
	var purger activities.EventPurger
	if pub != nil {
		o.relay = outbox.NewRelay(o.db, pub, cfg.NATS.SubjectPrefix, cfg.Outbox, logger, m)
		purger = o.relay
	}
	o.maint = activities.NewActivities(o.detector, o.queues, purger, cfg.Maintenance, logger)

	o.register()
	return nil
}

func (o *Orchestrator) register() {
	o.queues.Register(config.QueueRuns, statemachine.JobStart, o.sup.HandleStart)
	o.queues.Register(config.QueueRuns, statemachine.JobPlan, o.sup.HandlePlan)
	o.queues.Register(config.QueueSteps, statemachine.JobStep, o.sup.HandleStep)
	o.queues.Register(config.QueueCleanup, statemachine.JobCleanup, o.handleCleanup)
	o.queues.Register(config.QueueNotifications, statemachine.JobNotify, o.handleNotify)
}

// handleCleanup releases the run's sandbox once it reached a terminal state.
func (o *Orchestrator) handleCleanup(ctx context.Context, job *models.Job) error {
	var p statemachine.JobPayload
	if err := queue.DecodePayload(job, &p); err != nil {
		return err
	}
	if p.SandboxID == "" {
		return nil
	}
	if err := o.sandbox.Release(ctx, p.SandboxID); err != nil {
		return errs.Wrap(errs.Internal, err, "failed to release sandbox %s", p.SandboxID)
	}
	o.logger.Info("sandbox released", zap.String("run_id", p.RunID), zap.String("sandbox_id", p.SandboxID))
	return nil
}

// handleNotify reports a terminal run. External consumers are fed by the
// outbox stream; this handler keeps the operator log complete.
func (o *Orchestrator) handleNotify(ctx context.Context, job *models.Job) error {
	var p statemachine.JobPayload
	if err := queue.DecodePayload(job, &p); err != nil {
		return err
	}
	run, err := o.machine.Get(ctx, p.RunID)
	if err != nil {
		return err
	}
	fields := []zap.Field{
		zap.String("run_id", run.ID),
		zap.String("tenant_id", run.TenantID),
		zap.String("status", string(run.Status)),
		zap.Int64("steps", run.StepCount),
		zap.Int64("credits_consumed", run.CreditsConsumed),
	}
	if run.Error != nil {
		fields = append(fields, zap.String("error_code", run.Error.Code), zap.String("error", run.Error.Message))
	}
	o.logger.Info("run finished", fields...)
	return nil
}

// SubmitRequest describes a run to start.
type SubmitRequest = statemachine.SubmitRequest

// Submit acquires a sandbox and creates the run. A run left pending for
// lack of credits is returned together with the InsufficientCredits error.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*models.Run, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	acquired := false
	if req.SandboxID == "" {
		id, err := o.sandbox.Acquire(ctx, req.ID)
		if err != nil {
			return nil, errs.Wrap(errs.Internal, err, "failed to acquire sandbox")
		}
		req.SandboxID = id
		acquired = true
	}

	run, err := o.machine.Submit(ctx, req)
	if run == nil && acquired {
		if relErr := o.sandbox.Release(ctx, req.SandboxID); relErr != nil {
			o.logger.Warn("failed to release sandbox", zap.String("sandbox_id", req.SandboxID), zap.Error(relErr))
		}
	}
	return run, err
}

// Cancel stops a run from any non-terminal state.
func (o *Orchestrator) Cancel(ctx context.Context, runID, reason string) (*models.Run, error) {
	return o.apply(ctx, runID, statemachine.Input{Event: statemachine.EventCancel, Reason: reason})
}

// Pause checkpoints an executing run.
func (o *Orchestrator) Pause(ctx context.Context, runID string) (*models.Run, error) {
	return o.apply(ctx, runID, statemachine.Input{Event: statemachine.EventPause})
}

// Resume continues a paused run from its checkpoint.
func (o *Orchestrator) Resume(ctx context.Context, runID string) (*models.Run, error) {
	return o.apply(ctx, runID, statemachine.Input{Event: statemachine.EventResume})
}

// Respond answers the question a waiting run asked.
func (o *Orchestrator) Respond(ctx context.Context, runID, answer string) (*models.Run, error) {
	if answer == "" {
		return nil, errs.New(errs.ValidationError, "an answer is required")
	}
	return o.apply(ctx, runID, statemachine.Input{
		Event: statemachine.EventUserInput,
		Step:  &models.Step{Content: answer},
	})
}

func (o *Orchestrator) apply(ctx context.Context, runID string, in statemachine.Input) (*models.Run, error) {
	out, err := o.machine.Apply(ctx, runID, in)
	if err != nil {
		return nil, err
	}
	return out.Run, nil
}

// RunView is a run together with its recent steps.
type RunView struct {
	Run   *models.Run    `json:"run"`
	Steps []*models.Step `json:"steps,omitempty"`
}

// Status loads a run and its last n steps.
func (o *Orchestrator) Status(ctx context.Context, runID string, n int) (*RunView, error) {
	run, err := o.machine.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	view := &RunView{Run: run}
	if n > 0 {
		if view.Steps, err = o.db.Store().ListSteps(ctx, runID, database.StepFilter{Last: n}); err != nil {
			return nil, err
		}
	}
	return view, nil
}

// ApplyConfig pushes the reloadable parts of cfg into live components.
func (o *Orchestrator) ApplyConfig(cfg *config.Config) {
	o.queues.UpdateConfig(cfg.Queues)
	o.registry.ApplyOverrides(cfg.Tools.Overrides)
	o.detector.UpdateConfig(cfg.Detector)
	o.logger.Info("configuration reloaded")
}

// Serve runs the queue consumers, the outbox relay and maintenance until
// ctx is cancelled. Maintenance runs as a Temporal workflow when enabled and
// on an in-process ticker otherwise.
func (o *Orchestrator) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.queues.Run(ctx) })
	if o.relay != nil {
		g.Go(func() error { return o.relay.Run(ctx) })
	}

	if o.cfg.Temporal.Enabled {
		g.Go(func() error {
			mgr, err := temporal.NewManager(ctx, o.cfg.Temporal, o.maint, o.logger)
			if err != nil {
				return err
			}
			defer mgr.Stop()
			if err := mgr.Start(); err != nil {
				return err
			}
			if err := mgr.StartMaintenance(ctx, o.cfg.Maintenance); err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		})
	} else {
		g.Go(func() error { return o.maint.Run(ctx) })
	}

	o.logger.Info("orchestrator serving",
		zap.Strings("queues", o.queues.Queues()),
		zap.Bool("relay", o.relay != nil),
		zap.Bool("temporal", o.cfg.Temporal.Enabled))
	return g.Wait()
}

// Close releases what New opened.
func (o *Orchestrator) Close() error {
	var first error
	for i := len(o.closers) - 1; i >= 0; i-- {
		if err := o.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	o.closers = nil
	return first
}

// DB returns the database.
func (o *Orchestrator) DB() *database.Database { return o.db }

// Ledger returns the credit ledger.
func (o *Orchestrator) Ledger() *ledger.Ledger { return o.ledger }

// Queues returns the queue manager.
func (o *Orchestrator) Queues() *queue.Manager { return o.queues }

// Detector returns the stuck and timeout detector.
func (o *Orchestrator) Detector() *detector.Detector { return o.detector }

// Relay returns the outbox relay, or nil when no publisher is configured.
func (o *Orchestrator) Relay() *outbox.Relay { return o.relay }

// Health reports whether the event bus is usable.
func (o *Orchestrator) Health() error {
	if o.bus != nil {
		if err := o.bus.Health(); err != nil {
			return fmt.Errorf("event bus: %w", err)
		}
	}
	return o.db.DB().Ping()
}
