// Package temporal runs runcore maintenance as a durable Temporal workflow.
package temporal

import (
	"context"
	"errors"
	"fmt"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/logging"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/temporal/activities"
	temporalclient "github.com/malenacutuli/swiss-ai-vault-sub006/internal/temporal/client"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/temporal/workflows"
	"github.com/malenacutuli/swiss-ai-vault-sub006/pkg/config"
)

// Manager owns the Temporal client and the maintenance worker.
type Manager struct {
	client *temporalclient.Client
	worker worker.Worker
	config config.TemporalConfig
	logger *zap.Logger
}

// NewManager dials Temporal and registers the maintenance workflow and
// activities on a worker. The worker is not started.
func NewManager(ctx context.Context, cfg config.TemporalConfig, acts *activities.Activities, logger *zap.Logger) (*Manager, error) {
	logger = logging.OrNop(logger).Named("temporal")
	c, err := temporalclient.New(ctx, cfg, 0, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create temporal client: %w", err)
	}

	w := worker.New(c.GetClient(), cfg.TaskQueue, worker.Options{})
	w.RegisterWorkflow(workflows.MaintenanceWorkflow)
	acts.Register(w)
	logger.Info("Temporal worker registered", zap.String("task_queue", cfg.TaskQueue))

	return &Manager{client: c, worker: w, config: cfg, logger: logger}, nil
}

// Start starts the worker.
func (m *Manager) Start() error {
	if err := m.worker.Start(); err != nil {
		return fmt.Errorf("failed to start temporal worker: %w", err)
	}
	m.logger.Info("Temporal worker started")
	return nil
}

// Stop stops the worker and closes the client.
func (m *Manager) Stop() {
	if m.worker != nil {
		m.worker.Stop()
	}
	if m.client != nil {
		m.client.Close()
	}
	m.logger.Info("Temporal manager stopped")
}

// StartMaintenance starts the maintenance workflow, or leaves the running
// one in place.
func (m *Manager) StartMaintenance(ctx context.Context, mc config.MaintenanceConfig) error {
	opts := client.StartWorkflowOptions{
		ID:        workflows.MaintenanceWorkflowID,
		TaskQueue: m.config.TaskQueue,
	}
	input := workflows.MaintenanceInput{
		Interval:   mc.Interval,
		Iterations: m.config.IterationsPerRun,
		PurgeEvery: mc.PurgeEvery,
	}

	_, err := m.client.ExecuteWorkflow(ctx, opts, workflows.MaintenanceWorkflow, input)
	if err != nil {
		var started *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &started) {
			m.logger.Info("maintenance workflow already running")
			return nil
		}
		return fmt.Errorf("failed to start maintenance workflow: %w", err)
	}
	m.logger.Info("started maintenance workflow", zap.Duration("interval", mc.Interval))
	return nil
}
