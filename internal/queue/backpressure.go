package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/kv"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/logging"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/metrics"
	"github.com/malenacutuli/swiss-ai-vault-sub006/pkg/config"
)

// Level is a queue's backpressure state.
type Level int

const (
	LevelNormal Level = iota
	LevelWarning
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	}
	return "normal"
}

// Decision is what a producer must do with one enqueue.
type Decision struct {
	Level  Level
	Delay  time.Duration
	Reject bool
}

type pressureState struct {
	Level         Level     `json:"level"`
	Since         time.Time `json:"since"`
	RecoveryStart time.Time `json:"recovery_start,omitempty"`
}

// Backpressure evaluates queue depth against thresholds. Its state lives in
// the shared kv store so every instance throttles the same way. Leaving an
// elevated level requires depth to stay at or below the recovery threshold
// for the cooldown.
type Backpressure struct {
	queue   string
	store   kv.Store
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewBackpressure creates a controller for queue.
func NewBackpressure(queue string, store kv.Store, logger *zap.Logger, m *metrics.Metrics) *Backpressure {
	return &Backpressure{
		queue:   queue,
		store:   store,
		logger:  logging.OrNop(logger),
		metrics: m,
		now:     time.Now,
	}
}

func (b *Backpressure) key() string {
	return "backpressure:" + b.queue
}

// Level returns the stored level without evaluating depth.
func (b *Backpressure) Level(ctx context.Context) (Level, error) {
	st, err := b.load(ctx)
	if err != nil {
		return LevelNormal, err
	}
	return st.Level, nil
}

// Evaluate updates the level for depth and returns the decision for an
// enqueue made now.
func (b *Backpressure) Evaluate(ctx context.Context, cfg config.BackpressureConfig, depth int64) (Decision, error) {
	if !cfg.Enabled {
		return Decision{}, nil
	}

	st, err := b.load(ctx)
	if err != nil {
		return Decision{}, err
	}
	now := b.now()
	next := b.transition(cfg, st, depth, now)

	if next != st {
		if next.Level != st.Level {
			b.logger.Info("backpressure level changed",
				zap.String("queue", b.queue),
				zap.Stringer("from", st.Level),
				zap.Stringer("to", next.Level),
				zap.Int64("depth", depth))
		}
		if err := b.save(ctx, cfg, next); err != nil {
			return Decision{}, err
		}
	}
	b.metrics.SetBackpressure(b.queue, int(next.Level))

	d := Decision{Level: next.Level}
	switch next.Level {
	case LevelCritical:
		switch cfg.CriticalPolicy {
		case config.PolicyReject, config.PolicyCircuitBreaker:
			d.Reject = true
		case config.PolicyLogOnly:
			b.logger.Warn("queue depth critical", zap.String("queue", b.queue), zap.Int64("depth", depth))
		default:
			d.Delay = cfg.MaxDelay
		}
	case LevelWarning:
		switch cfg.WarningPolicy {
		case config.PolicyLogOnly:
			b.logger.Warn("queue depth above warning", zap.String("queue", b.queue), zap.Int64("depth", depth))
		default:
			d.Delay = slowdown(cfg, depth)
		}
	}
	if d.Delay > 0 {
		b.metrics.RecordBackpressureDelay(b.queue, d.Delay)
	}
	return d, nil
}

func (b *Backpressure) transition(cfg config.BackpressureConfig, st pressureState, depth int64, now time.Time) pressureState {
	target := LevelNormal
	switch {
	case depth >= cfg.Critical:
		target = LevelCritical
	case depth >= cfg.Warning:
		target = LevelWarning
	}

	// A plain reject policy follows depth; the circuit breaker stays open
	// until recovery.
	held := st.Level
	if held == LevelCritical && cfg.CriticalPolicy != config.PolicyCircuitBreaker {
		held = LevelWarning
	}

	if target >= held {
		if target != st.Level {
			return pressureState{Level: target, Since: now}
		}
		st.RecoveryStart = time.Time{}
		return st
	}

	// Depth is below the held level: hold until recovery is sustained.
	if depth > cfg.Recovery {
		next := pressureState{Level: held, Since: st.Since}
		if held != st.Level {
			next.Since = now
		}
		return next
	}
	if st.RecoveryStart.IsZero() {
		return pressureState{Level: held, Since: st.Since, RecoveryStart: now}
	}
	if now.Sub(st.RecoveryStart) >= cfg.Cooldown {
		return pressureState{Level: target, Since: now}
	}
	return st
}

// slowdown interpolates linearly from no delay at the warning threshold to
// MaxDelay at the critical threshold.
func slowdown(cfg config.BackpressureConfig, depth int64) time.Duration {
	span := cfg.Critical - cfg.Warning
	if span <= 0 || depth <= cfg.Warning {
		return 0
	}
	factor := float64(depth-cfg.Warning) / float64(span)
	if factor > 1 {
		factor = 1
	}
	return time.Duration(factor * float64(cfg.MaxDelay))
}

func (b *Backpressure) load(ctx context.Context) (pressureState, error) {
	raw, err := b.store.Get(ctx, b.key())
	if errors.Is(err, kv.ErrNotFound) {
		return pressureState{}, nil
	}
	if err != nil {
		return pressureState{}, fmt.Errorf("failed to load backpressure state: %w", err)
	}
	var st pressureState
	if err := json.Unmarshal(raw, &st); err != nil {
		return pressureState{}, nil
	}
	return st, nil
}

func (b *Backpressure) save(ctx context.Context, cfg config.BackpressureConfig, st pressureState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	ttl := 10 * cfg.Cooldown
	if ttl < time.Minute {
		ttl = time.Minute
	}
	if err := b.store.Set(ctx, b.key(), raw, ttl); err != nil {
		return fmt.Errorf("failed to save backpressure state: %w", err)
	}
	return nil
}
