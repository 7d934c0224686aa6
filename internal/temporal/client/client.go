package client

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/client"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/logging"
	"github.com/malenacutuli/swiss-ai-vault-sub006/pkg/config"
)

// Client wraps the Temporal client with the runcore configuration.
type Client struct {
	temporal client.Client
	config   config.TemporalConfig
}

// New dials Temporal, retrying with exponential backoff up to attempts
// times.
func New(ctx context.Context, cfg config.TemporalConfig, attempts int, logger *zap.Logger) (*Client, error) {
	logger = logging.OrNop(logger).Named("temporal")
	if attempts <= 0 {
		attempts = 5
	}
	baseDelay := 2 * time.Second

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := baseDelay * time.Duration(1<<uint(attempt-1))
			logger.Info("retrying Temporal connection",
				zap.Duration("delay", delay), zap.Int("attempt", attempt+1), zap.Int("max_attempts", attempts))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		c, err := client.DialContext(dialCtx, client.Options{
			HostPort:  cfg.Host,
			Namespace: cfg.Namespace,
			Logger:    &temporalLogger{s: logger.Sugar()},
			ConnectionOptions: client.ConnectionOptions{
				DialOptions: []grpc.DialOption{
					grpc.WithBlock(),
					grpc.FailOnNonTempDialError(false),
				},
			},
		})
		cancel()
		if err == nil {
			logger.Info("connected to Temporal", zap.String("host", cfg.Host), zap.String("namespace", cfg.Namespace))
			return &Client{temporal: c, config: cfg}, nil
		}
		lastErr = err
		logger.Warn("Temporal connection attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))
	}

	return nil, fmt.Errorf("failed to create temporal client after %d attempts: %w", attempts, lastErr)
}

// Close closes the Temporal client connection
func (c *Client) Close() {
	if c.temporal != nil {
		c.temporal.Close()
	}
}

// GetClient returns the underlying Temporal client
func (c *Client) GetClient() client.Client {
	return c.temporal
}

// TaskQueue returns the configured task queue
func (c *Client) TaskQueue() string {
	return c.config.TaskQueue
}

// ExecuteWorkflow starts a new workflow execution
func (c *Client) ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error) {
	return c.temporal.ExecuteWorkflow(ctx, options, workflow, args...)
}

// temporalLogger adapts zap to Temporal's Logger interface.
type temporalLogger struct {
	s *zap.SugaredLogger
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) { l.s.Debugw(msg, keyvals...) }
func (l *temporalLogger) Info(msg string, keyvals ...interface{}) { l.s.Infow(msg, keyvals...) }
func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) { l.s.Warnw(msg, keyvals...) }
func (l *temporalLogger) Error(msg string, keyvals ...interface{}) { l.s.Errorw(msg, keyvals...) }
