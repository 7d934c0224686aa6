package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/kv"
	"github.com/malenacutuli/swiss-ai-vault-sub006/pkg/config"
)

func pressureConfig(critical string) config.BackpressureConfig {
	return config.BackpressureConfig{
		Enabled:        true,
		Warning:        100,
		Critical:       200,
		Recovery:       50,
		Cooldown:       time.Minute,
		WarningPolicy:  config.PolicySlowdown,
		CriticalPolicy: critical,
		MaxDelay:       2 * time.Second,
	}
}

type pressureHarness struct {
	bp  *Backpressure
	now time.Time
}

func newPressureHarness(t *testing.T) *pressureHarness {
	store := kv.NewMemory(0)
	t.Cleanup(func() { store.Close() })
	h := &pressureHarness{now: time.Unix(1_700_000_000, 0)}
	store.SetClock(func() time.Time { return h.now })
	h.bp = NewBackpressure("steps", store, nil, nil)
	h.bp.now = func() time.Time { return h.now }
	return h
}

func (h *pressureHarness) eval(t *testing.T, cfg config.BackpressureConfig, depth int64) Decision {
	t.Helper()
	d, err := h.bp.Evaluate(context.Background(), cfg, depth)
	require.NoError(t, err)
	return d
}

func TestBackpressure_SlowdownInterpolates(t *testing.T) {
	h := newPressureHarness(t)
	cfg := pressureConfig(config.PolicyReject)

	assert.Equal(t, Decision{Level: LevelNormal}, h.eval(t, cfg, 10))

	d := h.eval(t, cfg, 150)
	assert.Equal(t, LevelWarning, d.Level)
	assert.Equal(t, time.Second, d.Delay)

	d = h.eval(t, cfg, 190)
	assert.Equal(t, 1800*time.Millisecond, d.Delay)
	assert.False(t, d.Reject)
}

func TestBackpressure_RejectFollowsDepth(t *testing.T) {
	h := newPressureHarness(t)
	cfg := pressureConfig(config.PolicyReject)

	d := h.eval(t, cfg, 200)
	assert.Equal(t, LevelCritical, d.Level)
	assert.True(t, d.Reject)

	d = h.eval(t, cfg, 150)
	assert.Equal(t, LevelWarning, d.Level)
	assert.False(t, d.Reject)
}

func TestBackpressure_CircuitBreakerHoldsUntilRecovery(t *testing.T) {
	h := newPressureHarness(t)
	cfg := pressureConfig(config.PolicyCircuitBreaker)

	require.True(t, h.eval(t, cfg, 250).Reject)

	// Below critical but above recovery: the breaker stays open.
	assert.True(t, h.eval(t, cfg, 120).Reject)
	assert.True(t, h.eval(t, cfg, 60).Reject)

	// At recovery, the cooldown starts.
	assert.True(t, h.eval(t, cfg, 40).Reject)
	h.now = h.now.Add(30 * time.Second)
	assert.True(t, h.eval(t, cfg, 40).Reject)

	// A spike above recovery resets the cooldown.
	h.eval(t, cfg, 70)
	h.now = h.now.Add(45 * time.Second)
	assert.True(t, h.eval(t, cfg, 40).Reject)
	h.now = h.now.Add(59 * time.Second)
	assert.True(t, h.eval(t, cfg, 40).Reject)

	h.now = h.now.Add(time.Second)
	d := h.eval(t, cfg, 40)
	assert.Equal(t, LevelNormal, d.Level)
	assert.False(t, d.Reject)
}

func TestBackpressure_WarningHysteresis(t *testing.T) {
	h := newPressureHarness(t)
	cfg := pressureConfig(config.PolicyReject)

	h.eval(t, cfg, 120)
	assert.Equal(t, LevelWarning, h.eval(t, cfg, 80).Level, "held above recovery")

	assert.Equal(t, LevelWarning, h.eval(t, cfg, 10).Level)
	h.now = h.now.Add(time.Minute)
	assert.Equal(t, LevelNormal, h.eval(t, cfg, 10).Level)

	lvl, err := h.bp.Level(context.Background())
	require.NoError(t, err)
	assert.Equal(t, LevelNormal, lvl)
}

func TestBackpressure_LogOnlyAndDisabled(t *testing.T) {
	h := newPressureHarness(t)
	cfg := pressureConfig(config.PolicyLogOnly)
	cfg.WarningPolicy = config.PolicyLogOnly

	d := h.eval(t, cfg, 150)
	assert.Equal(t, LevelWarning, d.Level)
	assert.Zero(t, d.Delay)

	d = h.eval(t, cfg, 500)
	assert.Equal(t, LevelCritical, d.Level)
	assert.False(t, d.Reject)

	cfg.Enabled = false
	assert.Equal(t, Decision{}, h.eval(t, cfg, 10_000))
}
