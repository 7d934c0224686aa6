// Package queue is the durable job queue: a producer with dedup, rate
// limiting and backpressure, a leasing consumer with retry and backoff, and
// a dead-letter queue with bounded reprocessing. Jobs live in the database;
// shared counters live in the kv store.
package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/database"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/errs"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/kv"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/logging"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/metrics"
	"github.com/malenacutuli/swiss-ai-vault-sub006/pkg/config"
	"github.com/malenacutuli/swiss-ai-vault-sub006/pkg/models"
)

// Handler processes one job. Returning an error fails the attempt.
type Handler func(ctx context.Context, job *models.Job) error

// Manager owns every named queue.
type Manager struct {
	db           *database.Database
	limiter      *RateLimiter
	logger       *zap.Logger
	metrics      *metrics.Metrics
	dedupeWindow time.Duration
	now          func() time.Time

	mu       sync.RWMutex
	configs  map[string]config.QueueConfig
	pressure map[string]*Backpressure
	handlers map[string]map[string]Handler
}

// NewManager creates a manager for the configured queues.
func NewManager(db *database.Database, store kv.Store, queues map[string]config.QueueConfig, dedupeWindow time.Duration, logger *zap.Logger, m *metrics.Metrics) *Manager {
	logger = logging.OrNop(logger).Named("queue")
	mgr := &Manager{
		db:           db,
		limiter:      NewRateLimiter(store),
		logger:       logger,
		metrics:      m,
		dedupeWindow: dedupeWindow,
		now:          time.Now,
		configs:      make(map[string]config.QueueConfig, len(queues)),
		pressure:     make(map[string]*Backpressure, len(queues)),
		handlers:     make(map[string]map[string]Handler),
	}
	for name, cfg := range queues {
		mgr.configs[name] = cfg
		mgr.pressure[name] = NewBackpressure(name, store, logger, m)
	}
	return mgr
}

// Queues lists configured queue names in order.
func (m *Manager) Queues() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.configs))
	for name := range m.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Config returns the live configuration of a queue.
func (m *Manager) Config(queue string) (config.QueueConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.configs[queue]
	if !ok {
		return config.QueueConfig{}, errs.New(errs.ValidationError, "unknown queue %q", queue)
	}
	return cfg, nil
}

// UpdateConfig swaps thresholds, rate limits and retry policy of known
// queues. Concurrency changes take effect on the next Run.
func (m *Manager) UpdateConfig(queues map[string]config.QueueConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, cfg := range queues {
		if _, ok := m.configs[name]; !ok {
			m.logger.Warn("ignoring new queue in reloaded config", zap.String("queue", name))
			continue
		}
		m.configs[name] = cfg
	}
	m.logger.Info("queue configuration reloaded")
}

// Register binds a handler to a job type on queue.
func (m *Manager) Register(queue, jobType string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handlers[queue] == nil {
		m.handlers[queue] = make(map[string]Handler)
	}
	m.handlers[queue][jobType] = h
}

func (m *Manager) handler(queue, jobType string) (Handler, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handlers[queue][jobType]
	return h, ok
}

func (m *Manager) backpressure(queue string) *Backpressure {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pressure[queue]
}

// Depth is the number of jobs waiting on queue.
func (m *Manager) Depth(ctx context.Context, s *database.Store, queue string) (int64, error) {
	return s.CountJobs(ctx, queue, models.JobQueued)
}

// RefreshDepth re-evaluates backpressure and depth gauges for every queue,
// so levels recover even when nothing is being enqueued.
func (m *Manager) RefreshDepth(ctx context.Context) error {
	s := m.db.Store()
	for _, name := range m.Queues() {
		cfg, err := m.Config(name)
		if err != nil {
			return err
		}
		depth, err := m.Depth(ctx, s, name)
		if err != nil {
			return err
		}
		m.metrics.SetQueueDepth(name, depth)
		if _, err := m.backpressure(name).Evaluate(ctx, cfg.Backpressure, depth); err != nil {
			return fmt.Errorf("queue %s: %w", name, err)
		}
		dlq, err := s.CountDeadLetters(ctx, name)
		if err != nil {
			return err
		}
		m.metrics.SetDLQDepth(name, dlq)
	}
	return nil
}
