package detector

import (
	"context"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/database"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/errs"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/kv"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/ledger"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/queue"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/statemachine"
	"github.com/malenacutuli/swiss-ai-vault-sub006/pkg/config"
	"github.com/malenacutuli/swiss-ai-vault-sub006/pkg/models"
)

type harness struct {
	db       *database.Database
	ledger   *ledger.Ledger
	machine  *statemachine.Machine
	detector *Detector
}

func newHarness(t *testing.T, runs config.RunsConfig) *harness {
	t.Helper()
	db, err := database.OpenMemory("det_" + ulid.Make().String())
	require.NoError(t, err)
	store := kv.NewMemory(0)
	t.Cleanup(func() {
		store.Close()
		db.Close()
	})

	cfg := config.DefaultConfig()
	l := ledger.New(nil, nil)
	q := queue.NewManager(db, store, cfg.Queues, time.Hour, nil, nil)
	m := statemachine.New(db, l, q, statemachine.Options{Runs: runs}, nil, nil)
	_, err = l.Grant(context.Background(), db.Store(), "tenant", 1000, "seed")
	require.NoError(t, err)
	return &harness{db: db, ledger: l, machine: m, detector: New(db, m, q, cfg.Detector, nil, nil)}
}

func (h *harness) submit(t *testing.T, tenant string) *models.Run {
	t.Helper()
	run, err := h.machine.Submit(context.Background(), statemachine.SubmitRequest{
		TenantID: tenant, Prompt: "work", MaxCredits: 50, MaxSteps: 10,
	})
	if err != nil {
		require.True(t, errs.Is(err, errs.InsufficientCredits), "unexpected error: %v", err)
	}
	require.NotNil(t, run)
	return run
}

func (h *harness) apply(t *testing.T, runID string, in statemachine.Input) {
	t.Helper()
	_, err := h.machine.Apply(context.Background(), runID, in)
	require.NoError(t, err)
}

func (h *harness) executing(t *testing.T) *models.Run {
	t.Helper()
	run := h.submit(t, "tenant")
	h.apply(t, run.ID, statemachine.Input{Event: statemachine.EventStart})
	h.apply(t, run.ID, statemachine.Input{Event: statemachine.EventPlanReady, Plan: &models.Plan{
		Goal:   "g",
		Phases: []models.Phase{{ID: "only", Title: "Only"}},
	}})
	return run
}

func (h *harness) sweepAt(t *testing.T, offset time.Duration) *Report {
	t.Helper()
	h.detector.now = func() time.Time { return time.Now().Add(offset) }
	rep, err := h.detector.Sweep(context.Background())
	require.NoError(t, err)
	return rep
}

func (h *harness) get(t *testing.T, runID string) *models.Run {
	t.Helper()
	run, err := h.machine.Get(context.Background(), runID)
	require.NoError(t, err)
	return run
}

func (h *harness) startJobs(t *testing.T, runID string) int {
	t.Helper()
	jobs, err := h.db.Store().ListJobs(context.Background(), database.JobFilter{Queue: config.QueueRuns, RunID: runID})
	require.NoError(t, err)
	n := 0
	for _, j := range jobs {
		if j.Type == statemachine.JobStart {
			n++
		}
	}
	return n
}

func TestSweep_DeadlineTimesOutRun(t *testing.T) {
	h := newHarness(t, config.RunsConfig{Timeout: 2 * time.Hour})
	run := h.executing(t)

	rep := h.sweepAt(t, time.Hour)
	assert.Zero(t, rep.TimedOut)

	rep = h.sweepAt(t, 2*time.Hour+time.Minute)
	assert.Equal(t, 1, rep.TimedOut)

	got := h.get(t, run.ID)
	require.Equal(t, models.RunTimeout, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, string(errs.Timeout), got.Error.Code)
	assert.Contains(t, got.Error.Message, "deadline")

	bal, err := h.ledger.Balance(context.Background(), h.db.Store(), "tenant")
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal.Reserved)
	assert.Equal(t, int64(1000), bal.Available)

	rep = h.sweepAt(t, 3*time.Hour)
	assert.Zero(t, rep.TimedOut, "terminal runs are left alone")
}

func TestSweep_StatusDuration(t *testing.T) {
	h := newHarness(t, config.RunsConfig{})
	run := h.submit(t, "tenant")
	h.apply(t, run.ID, statemachine.Input{Event: statemachine.EventStart})

	rep := h.sweepAt(t, 11*time.Minute)
	assert.Equal(t, 1, rep.TimedOut)
	got := h.get(t, run.ID)
	assert.Equal(t, models.RunTimeout, got.Status)
	assert.Contains(t, got.Error.Message, "in planning")
}

func TestSweep_RequeuesQueuedRuns(t *testing.T) {
	h := newHarness(t, config.RunsConfig{})
	run := h.submit(t, "tenant")
	require.Equal(t, models.RunQueued, run.Status)
	require.Equal(t, 1, h.startJobs(t, run.ID))

	assert.Zero(t, h.sweepAt(t, time.Minute).Requeued, "too early")

	assert.Equal(t, 1, h.sweepAt(t, 3*time.Minute).Requeued)
	assert.Equal(t, 2, h.startJobs(t, run.ID))

	assert.Zero(t, h.sweepAt(t, 3*time.Minute).Requeued, "same window reuses the key")
	assert.Equal(t, 2, h.startJobs(t, run.ID))

	assert.Equal(t, 1, h.sweepAt(t, 5*time.Minute).Requeued)
	assert.Equal(t, 3, h.startJobs(t, run.ID))
	assert.Equal(t, models.RunQueued, h.get(t, run.ID).Status)
}

func TestSweep_CancelsStaleQueuedRuns(t *testing.T) {
	h := newHarness(t, config.RunsConfig{})
	run := h.submit(t, "tenant")

	rep := h.sweepAt(t, 31*time.Minute)
	assert.Equal(t, 1, rep.Cancelled)
	got := h.get(t, run.ID)
	require.Equal(t, models.RunCancelled, got.Status)
	assert.Contains(t, got.Error.Message, "not started")

	bal, err := h.ledger.Balance(context.Background(), h.db.Store(), "tenant")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), bal.Available)
}

func TestSweep_RetriesPendingRuns(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, config.RunsConfig{})
	_, err := h.ledger.Grant(ctx, h.db.Store(), "poor", 10, "poor-seed")
	require.NoError(t, err)

	run := h.submit(t, "poor")
	require.Equal(t, models.RunPending, run.Status)

	rep := h.sweepAt(t, 3*time.Minute)
	assert.Zero(t, rep.Enqueued)
	assert.Zero(t, rep.Errors, "insufficient credits is expected while pending")
	assert.Equal(t, models.RunPending, h.get(t, run.ID).Status)

	_, err = h.ledger.Grant(ctx, h.db.Store(), "poor", 100, "top-up")
	require.NoError(t, err)
	rep = h.sweepAt(t, 3*time.Minute)
	assert.Equal(t, 1, rep.Enqueued)
	assert.Equal(t, models.RunQueued, h.get(t, run.ID).Status)
}

func TestSweep_CancelsLongPendingRuns(t *testing.T) {
	h := newHarness(t, config.RunsConfig{})
	run := h.submit(t, "nobody")
	require.Equal(t, models.RunPending, run.Status)

	rep := h.sweepAt(t, 6*time.Minute)
	assert.Equal(t, 1, rep.Cancelled)
	assert.Equal(t, models.RunCancelled, h.get(t, run.ID).Status)
}

func TestRun_StopsWithContext(t *testing.T) {
	h := newHarness(t, config.RunsConfig{})
	cfg := config.DefaultConfig().Detector
	cfg.Interval = 10 * time.Millisecond
	h.detector.UpdateConfig(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, h.detector.Run(ctx))
}
