package tools

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/errs"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/idempotency"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/logging"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/metrics"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/queue"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/telemetry"
	"github.com/malenacutuli/swiss-ai-vault-sub006/pkg/config"
)

// Result is the outcome of a routed call.
type Result struct {
	Output   json.RawMessage
	Key      string
	Cost     int64
	Duration time.Duration
}

// Router validates, rate limits and executes tool calls under their
// idempotency key.
type Router struct {
	registry       *Registry
	executor       *idempotency.Executor
	limiter        *queue.RateLimiter
	defaultTimeout time.Duration
	logger         *zap.Logger
	metrics        *metrics.Metrics
	now            func() time.Time
}

// NewRouter creates a router.
func NewRouter(reg *Registry, exec *idempotency.Executor, limiter *queue.RateLimiter, cfg config.ToolsConfig, logger *zap.Logger, m *metrics.Metrics) *Router {
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Router{
		registry:       reg,
		executor:       exec,
		limiter:        limiter,
		defaultTimeout: timeout,
		logger:         logging.OrNop(logger).Named("tools"),
		metrics:        m,
		now:            time.Now,
	}
}

// Registry returns the router's registry.
func (r *Router) Registry() *Registry {
	return r.registry
}

// Execute runs call. Repeating a call with the same run, tool and params
// returns the first result without running the tool again.
func (r *Router) Execute(ctx context.Context, call Call) (*Result, error) {
	t, ok := r.registry.Lookup(call.Tool)
	if !ok {
		return nil, errs.New(errs.ValidationError, "unknown tool %q", call.Tool)
	}
	if err := r.registry.Validate(call.Tool, call.Params); err != nil {
		return nil, err
	}
	key, err := IdempotencyKey(call.RunID, call.Tool, call.Params)
	if err != nil {
		return nil, err
	}

	if t.RateLimit.Limit > 0 {
		ok, err := r.limiter.Allow(ctx, "tool:"+t.Name, t.RateLimit.Limit, t.RateLimit.Per)
		if err != nil {
			return nil, err
		}
		if !ok {
			r.metrics.RecordRateLimited("tool", t.Name)
			return nil, errs.New(errs.RateLimited, "tool %s exceeded %d calls per %s", t.Name, t.RateLimit.Limit, t.RateLimit.Per)
		}
	}

	ctx, span := telemetry.StartSpan(ctx, "tools.execute",
		attribute.String("tool.name", t.Name), attribute.String("run.id", call.RunID))
	start := r.now()
	out, err := r.executor.Execute(ctx, key, nil, func(ctx context.Context) ([]byte, error) {
		return r.invoke(ctx, t, call)
	})
	d := r.now().Sub(start)
	r.metrics.RecordToolCall(t.Name, err == nil, d)
	telemetry.RecordTool(ctx, t.Name, err == nil, d)
	telemetry.EndSpan(span, err)

	if err != nil {
		r.logger.Debug("tool call failed",
			zap.String("run_id", call.RunID), zap.String("tool", t.Name), zap.Error(err))
		return &Result{Key: key, Duration: d}, err
	}
	return &Result{Output: out, Key: key, Cost: t.Cost, Duration: d}, nil
}

// Forget drops the cached outcome of call so a deliberate retry runs it
// again.
func (r *Router) Forget(ctx context.Context, call Call) error {
	key, err := IdempotencyKey(call.RunID, call.Tool, call.Params)
	if err != nil {
		return err
	}
	return r.executor.Forget(ctx, key)
}

func (r *Router) invoke(ctx context.Context, t Tool, call Call) (out []byte, err error) {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			err = errs.New(errs.NonRetryableToolError, "tool %s panicked: %v", t.Name, p)
		}
	}()

	out, err = t.Handler(callCtx, call)
	if err != nil {
		return nil, classify(ctx, t.Name, timeout, err)
	}
	if len(out) == 0 {
		out = json.RawMessage(`null`)
	}
	if !json.Valid(out) {
		return nil, errs.New(errs.NonRetryableToolError, "tool %s returned invalid JSON", t.Name)
	}
	return out, nil
}

// classify maps a handler error onto the tool error classes. The parent
// context's cancellation is passed through untouched.
func classify(parent context.Context, tool string, timeout time.Duration, err error) error {
	var e *errs.Error
	if errors.As(err, &e) {
		return err
	}
	if parent.Err() != nil {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.Wrap(errs.RetryableToolError, err, "tool %s timed out after %s", tool, timeout)
	}
	if errs.IsTransient(err.Error()) {
		return errs.Wrap(errs.RetryableToolError, err, "tool %s failed", tool)
	}
	return errs.Wrap(errs.NonRetryableToolError, err, "tool %s failed", tool)
}
