package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/kv"
)

// RateLimiter is a sliding-window counter over the shared kv store. The
// estimate for the current window is the previous fixed window weighted by
// how much of it still overlaps, plus the current fixed window.
type RateLimiter struct {
	store kv.Store
	now   func() time.Time
}

// NewRateLimiter creates a limiter.
func NewRateLimiter(store kv.Store) *RateLimiter {
	return &RateLimiter{store: store, now: time.Now}
}

// Allow counts one event for name and reports whether it fits limit per
// window. A rejected event is not counted.
func (r *RateLimiter) Allow(ctx context.Context, name string, limit int, per time.Duration) (bool, error) {
	if limit <= 0 || per <= 0 {
		return true, nil
	}

	now := r.now()
	window := now.UnixNano() / int64(per)
	elapsed := float64(now.UnixNano()%int64(per)) / float64(per)
	curKey := fmt.Sprintf("ratelimit:%s:%d", name, window)
	prevKey := fmt.Sprintf("ratelimit:%s:%d", name, window-1)

	prev, err := r.store.GetInt(ctx, prevKey)
	if err != nil {
		return false, fmt.Errorf("failed to read rate window: %w", err)
	}
	cur, err := r.store.IncrBy(ctx, curKey, 1, 2*per)
	if err != nil {
		return false, fmt.Errorf("failed to count rate window: %w", err)
	}

	estimate := float64(prev)*(1-elapsed) + float64(cur)
	if estimate <= float64(limit) {
		return true, nil
	}
	if _, err := r.store.IncrBy(ctx, curKey, -1, 2*per); err != nil {
		return false, fmt.Errorf("failed to roll back rate window: %w", err)
	}
	return false, nil
}
