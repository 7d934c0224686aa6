// Package idempotency runs operations whose durable effect must happen at
// most once per key, across goroutines and runcore instances.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/errs"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/kv"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/logging"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/metrics"
	"github.com/malenacutuli/swiss-ai-vault-sub006/pkg/config"
)

// Options controls one execution.
type Options struct {
	// KeyTTL is how long a successful result stays cached.
	KeyTTL time.Duration
	// DedupeWindow is how old a cached result may be and still be returned.
	DedupeWindow time.Duration
	// CacheResult disables result caching when false; the lock still
	// serializes concurrent callers.
	CacheResult bool
	// ErrorTTL is how long a failure is replayed to duplicate callers.
	ErrorTTL time.Duration
	// LockTTL bounds how long a crashed holder can block the key.
	LockTTL        time.Duration
	LockRetryDelay time.Duration
	MaxLockWait    time.Duration
}

// OptionsFromConfig converts configuration to executor defaults.
func OptionsFromConfig(cfg config.IdempotencyConfig) Options {
	return Options{
		KeyTTL:         cfg.KeyTTL,
		DedupeWindow:   cfg.DedupeWindow,
		CacheResult:    true,
		ErrorTTL:       cfg.ErrorTTL,
		LockTTL:        cfg.LockTTL,
		LockRetryDelay: cfg.LockRetryDelay,
		MaxLockWait:    cfg.MaxLockWait,
	}
}

type record struct {
	Value    json.RawMessage `json:"value,omitempty"`
	Err      *errs.Error     `json:"error,omitempty"`
	StoredAt time.Time       `json:"stored_at"`
}

// Executor is the at-most-once-effect wrapper.
type Executor struct {
	store    kv.Store
	defaults Options
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// New creates an executor over store.
func New(store kv.Store, defaults Options, logger *zap.Logger, m *metrics.Metrics) *Executor {
	if defaults.LockRetryDelay <= 0 {
		defaults.LockRetryDelay = 50 * time.Millisecond
	}
	if defaults.LockTTL <= 0 {
		defaults.LockTTL = 30 * time.Second
	}
	return &Executor{
		store:    store,
		defaults: defaults,
		logger:   logging.OrNop(logger).Named("idempotency"),
		metrics:  m,
		now:      time.Now,
	}
}

// Defaults returns the executor's default options.
func (e *Executor) Defaults() Options {
	return e.defaults
}

func resultKey(key string) string { return "idem:result:" + key }
func lockKey(key string) string   { return "idem:lock:" + key }

// Execute runs fn under key. A cached result younger than the dedupe window
// is returned without calling fn; a cached error is replayed until it
// expires. Concurrent callers on the same key wait for the holder's lock and
// then observe its result.
func (e *Executor) Execute(ctx context.Context, key string, opts *Options, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	o := e.defaults
	if opts != nil {
		o = *opts
	}
	if o.LockRetryDelay <= 0 {
		o.LockRetryDelay = e.defaults.LockRetryDelay
	}
	if o.LockTTL <= 0 {
		o.LockTTL = e.defaults.LockTTL
	}

	start := e.now()
	for {
		if v, err, hit := e.lookup(ctx, key, o); hit {
			return v, err
		}

		token := []byte(uuid.NewString())
		acquired, err := e.store.SetNX(ctx, lockKey(key), token, o.LockTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire idempotency lock: %w", err)
		}
		if !acquired {
			e.metrics.RecordIdempotency("lock_wait")
			if o.MaxLockWait > 0 && e.now().Sub(start) >= o.MaxLockWait {
				return nil, errs.New(errs.InFlight, "operation %s still in flight after %s", key, o.MaxLockWait)
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(o.LockRetryDelay):
			}
			continue
		}

		return e.runLocked(ctx, key, token, o, fn)
	}
}

func (e *Executor) runLocked(ctx context.Context, key string, token []byte, o Options, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	defer func() {
		// Release with a fresh context so a cancelled caller still frees the key.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := e.store.CompareAndDelete(releaseCtx, lockKey(key), token); err != nil {
			e.logger.Warn("failed to release idempotency lock", zap.String("key", key), zap.Error(err))
		}
	}()

	// Another holder may have finished between our lookup and the lock.
	if v, err, hit := e.lookup(ctx, key, o); hit {
		return v, err
	}

	value, runErr := fn(ctx)
	if runErr != nil {
		e.metrics.RecordIdempotency("failed")
		if o.ErrorTTL > 0 && ctx.Err() == nil && !errs.Is(runErr, errs.InFlight) {
			e.save(ctx, key, record{Err: classify(runErr), StoredAt: e.now()}, o.ErrorTTL)
		}
		return nil, runErr
	}

	e.metrics.RecordIdempotency("executed")
	if o.CacheResult {
		e.save(ctx, key, record{Value: value, StoredAt: e.now()}, o.KeyTTL)
	}
	return value, nil
}

// lookup returns hit=true when a usable cached record exists.
func (e *Executor) lookup(ctx context.Context, key string, o Options) ([]byte, error, bool) {
	raw, err := e.store.Get(ctx, resultKey(key))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil, false
	}
	if err != nil {
		e.logger.Warn("idempotency cache read failed", zap.String("key", key), zap.Error(err))
		return nil, nil, false
	}

	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		e.logger.Warn("discarding corrupt idempotency record", zap.String("key", key), zap.Error(err))
		return nil, nil, false
	}
	if rec.Err != nil {
		e.metrics.RecordIdempotency("cached_error")
		return nil, rec.Err, true
	}
	if !o.CacheResult {
		return nil, nil, false
	}
	if o.DedupeWindow > 0 && e.now().Sub(rec.StoredAt) > o.DedupeWindow {
		return nil, nil, false
	}
	e.metrics.RecordIdempotency("hit")
	return []byte(rec.Value), nil, true
}

func (e *Executor) save(ctx context.Context, key string, rec record, ttl time.Duration) {
	raw, err := json.Marshal(rec)
	if err != nil {
		e.logger.Warn("failed to encode idempotency record", zap.String("key", key), zap.Error(err))
		return
	}
	if err := e.store.Set(ctx, resultKey(key), raw, ttl); err != nil {
		e.logger.Warn("failed to cache idempotency record", zap.String("key", key), zap.Error(err))
	}
}

// Forget drops any cached result or error for key. Callers use it before a
// deliberate retry of an operation whose failure is still cached.
func (e *Executor) Forget(ctx context.Context, key string) error {
	return e.store.Delete(ctx, resultKey(key))
}

func classify(err error) *errs.Error {
	var e *errs.Error
	if errors.As(err, &e) {
		c := *e
		c.Cause = nil
		return &c
	}
	return &errs.Error{Code: errs.Internal, Message: err.Error(), Retryable: errs.IsRetryable(err)}
}

// Do is the typed form of Execute; results are JSON encoded in the cache.
func Do[T any](ctx context.Context, e *Executor, key string, opts *Options, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	raw, err := e.Execute(ctx, key, opts, func(ctx context.Context) ([]byte, error) {
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	})
	if err != nil {
		return zero, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, fmt.Errorf("failed to decode idempotent result: %w", err)
	}
	return out, nil
}
