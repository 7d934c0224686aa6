package database

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/errs"
	"github.com/malenacutuli/swiss-ai-vault-sub006/pkg/models"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := OpenMemory("db_" + ulid.Make().String())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newRun(id string) *models.Run {
	now := time.Now().UTC()
	return &models.Run{
		ID:              id,
		TenantID:        "tenant-1",
		UserID:          "user-1",
		Status:          models.RunPending,
		Prompt:          "summarize the quarterly numbers",
		MaxSteps:        10,
		MaxCredits:      100,
		MaxRetries:      3,
		CreatedAt:       now,
		StatusEnteredAt: now,
		UpdatedAt:       now,
		Version:         1,
	}
}

func TestRebind(t *testing.T) {
	assert.Equal(t, "SELECT * FROM runs WHERE id = $1 AND version = $2",
		rebind("SELECT * FROM runs WHERE id = ? AND version = ?"))
	assert.Equal(t, "?, ?, ?", placeholders(3))
}

func TestRun_CreateGetUpdate(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t).Store()

	run := newRun("run-1")
	require.NoError(t, s.CreateRun(ctx, run))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, run.Prompt, got.Prompt)
	assert.Equal(t, int64(1), got.Version)
	assert.Nil(t, got.Plan)
	assert.WithinDuration(t, run.CreatedAt, got.CreatedAt, time.Microsecond)

	got.Status = models.RunQueued
	got.Plan = &models.Plan{Goal: "g", Phases: []models.Phase{{ID: "p1", Title: "one"}}, CurrentPhaseID: "p1", Version: 1}
	got.Error = &models.RunError{Code: "x", Message: "y"}
	require.NoError(t, s.UpdateRun(ctx, got, 1))
	assert.Equal(t, int64(2), got.Version)

	again, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunQueued, again.Status)
	require.NotNil(t, again.Plan)
	assert.Equal(t, "p1", again.Plan.CurrentPhaseID)
	assert.Equal(t, "x", again.Error.Code)
}

func TestRun_UpdateWithStaleVersionConflicts(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t).Store()

	run := newRun("run-1")
	require.NoError(t, s.CreateRun(ctx, run))

	first, _ := s.GetRun(ctx, "run-1")
	second, _ := s.GetRun(ctx, "run-1")

	first.StepCount++
	require.NoError(t, s.UpdateRun(ctx, first, 1))

	second.StepCount++
	err := s.UpdateRun(ctx, second, 1)
	require.Error(t, err)
	assert.True(t, errs.IsVersionConflict(err))

	final, _ := s.GetRun(ctx, "run-1")
	assert.Equal(t, int64(1), final.StepCount)
	assert.Equal(t, int64(2), final.Version)
}

func TestRun_GetMissing(t *testing.T) {
	_, err := newTestDB(t).Store().GetRun(context.Background(), "nope")
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestListRuns_Filters(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t).Store()
	old := time.Now().Add(-time.Hour)

	for i, st := range []models.RunStatus{models.RunQueued, models.RunQueued, models.RunExecuting} {
		r := newRun(fmt.Sprintf("run-%d", i))
		r.Status = st
		if i == 0 {
			r.StatusEnteredAt = old
		}
		if st == models.RunExecuting {
			r.TimeoutAt = old
		}
		require.NoError(t, s.CreateRun(ctx, r))
	}

	queued, err := s.ListRuns(ctx, RunFilter{Statuses: []models.RunStatus{models.RunQueued}})
	require.NoError(t, err)
	assert.Len(t, queued, 2)

	stale, err := s.ListRuns(ctx, RunFilter{Statuses: []models.RunStatus{models.RunQueued}, EnteredBefore: time.Now().Add(-time.Minute)})
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "run-0", stale[0].ID)

	expired, err := s.ListRuns(ctx, RunFilter{TimeoutBefore: time.Now()})
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "run-2", expired[0].ID)

	counts, err := s.CountRunsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[models.RunQueued])
}

func TestSteps_SequenceIsUnique(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t).Store()

	step := &models.Step{ID: "s1", RunID: "run-1", SequenceNumber: 1, PhaseID: "p1", Type: models.StepToolCall,
		Tool: "search", Input: []byte(`{"q":"x"}`), Credits: 2, CreatedAt: time.Now()}
	require.NoError(t, s.InsertStep(ctx, step))

	dup := *step
	dup.ID = "s2"
	err := s.InsertStep(ctx, &dup)
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))

	require.NoError(t, s.InsertStep(ctx, &models.Step{ID: "s3", RunID: "run-1", SequenceNumber: 2, PhaseID: "p2",
		Type: models.StepError, Error: &models.RunError{Code: "ValidationError"}, CreatedAt: time.Now()}))

	all, err := s.ListSteps(ctx, "run-1", StepFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, int64(1), all[0].SequenceNumber)
	assert.JSONEq(t, `{"q":"x"}`, string(all[0].Input))
	assert.Equal(t, "ValidationError", all[1].Error.Code)

	last, err := s.ListSteps(ctx, "run-1", StepFilter{Last: 1})
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, int64(2), last[0].SequenceNumber)

	n, err := s.CountSteps(ctx, "run-1", "p1", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestCountSteps_ScopedByPlanVersion(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t).Store()

	for seq := int64(1); seq <= 3; seq++ {
		version := 1
		if seq == 3 {
			version = 2
		}
		require.NoError(t, s.InsertStep(ctx, &models.Step{ID: fmt.Sprintf("s%d", seq), RunID: "run-1", SequenceNumber: seq,
			PhaseID: "p1", PlanVersion: version, Type: models.StepToolCall, CreatedAt: time.Now()}))
	}

	tests := []struct {
		version int
		want    int64
	}{
		{0, 3},
		{1, 2},
		{2, 1},
		{3, 0},
	}
	for _, tt := range tests {
		n, err := s.CountSteps(ctx, "run-1", "p1", tt.version)
		require.NoError(t, err)
		assert.Equal(t, tt.want, n, "plan version %d", tt.version)
	}
}

func newJob(id, key string) *models.Job {
	now := time.Now().UTC()
	return &models.Job{ID: id, Queue: "runs", Type: "run.start", RunID: "run-1", IdempotencyKey: key,
		Status: models.JobQueued, MaxAttempts: 3, RunAt: now, CreatedAt: now, UpdatedAt: now}
}

func TestJobs_ActiveKeyDedup(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t).Store()

	inserted, err := s.InsertJob(ctx, newJob("j1", "k1"))
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.InsertJob(ctx, newJob("j2", "k1"))
	require.NoError(t, err)
	assert.False(t, inserted)

	found, err := s.FindJobByKey(ctx, "runs", "k1", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "j1", found.ID)
}

func TestJobs_ClaimCompleteAndRequeue(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t).Store()
	now := time.Now()

	_, err := s.InsertJob(ctx, newJob("j1", "k1"))
	require.NoError(t, err)

	jobs, err := s.ListClaimableJobs(ctx, "runs", now, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	ok, err := s.ClaimJob(ctx, "j1", "w1", now, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ClaimJob(ctx, "j1", "w2", now, now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "a running job cannot be claimed twice")

	history := []models.JobAttempt{{Attempt: 1, WorkerID: "w1", Error: "boom"}}
	ok, err = s.RequeueJob(ctx, "j1", "w1", now.Add(time.Hour), history, "boom", now)
	require.NoError(t, err)
	assert.True(t, ok)

	jobs, err = s.ListClaimableJobs(ctx, "runs", now, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs, "job is not due until its backoff elapses")

	job, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 1, job.AttemptsMade)
	assert.Equal(t, "boom", job.History[0].Error)

	later := now.Add(2 * time.Hour)
	ok, err = s.ClaimJob(ctx, "j1", "w2", later, later.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.CompleteJob(ctx, "j1", "w2", history, later)
	require.NoError(t, err)
	assert.True(t, ok)

	// A finished job still answers for its key within the window.
	found, err := s.FindJobByKey(ctx, "runs", "k1", now)
	require.NoError(t, err)
	assert.Equal(t, models.JobDone, found.Status)

	_, err = s.FindJobByKey(ctx, "runs", "k1", later.Add(time.Second))
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestLedger_EntryKeyIsUnique(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t).Store()
	now := time.Now()

	bal, err := s.AdjustAccount(ctx, "t1", models.AccountAvailable, 50, now)
	require.NoError(t, err)
	assert.Equal(t, int64(50), bal)
	bal, err = s.AdjustAccount(ctx, "t1", models.AccountAvailable, -20, now)
	require.NoError(t, err)
	assert.Equal(t, int64(30), bal)

	e := &models.LedgerEntry{ID: "e1", TenantID: "t1", Account: models.AccountAvailable, EntryType: models.EntryGrant,
		Amount: 50, BalanceAfter: 50, ReferenceType: "grant", ReferenceID: "g1", IdempotencyKey: "grant:g1/available", CreatedAt: now}
	ok, err := s.InsertLedgerEntry(ctx, e)
	require.NoError(t, err)
	assert.True(t, ok)

	e.ID = "e2"
	ok, err = s.InsertLedgerEntry(ctx, e)
	require.NoError(t, err)
	assert.False(t, ok)

	entries, err := s.ListLedgerEntries(ctx, LedgerFilter{TenantID: "t1"})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestReservation_OnePerRun(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t).Store()
	now := time.Now()

	r := &models.Reservation{RunID: "run-1", TenantID: "t1", Amount: 10, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.InsertReservation(ctx, r))
	err := s.InsertReservation(ctx, r)
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))

	require.NoError(t, s.AddReservationConsumption(ctx, "run-1", 6, now))
	err = s.AddReservationConsumption(ctx, "run-1", 6, now)
	assert.True(t, errs.Is(err, errs.InsufficientCredits))

	got, err := s.GetReservation(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(6), got.Consumed)

	require.NoError(t, s.DeleteReservation(ctx, "run-1"))
	_, err = s.GetReservation(ctx, "run-1")
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestDeadLetters_ReprocessOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t).Store()
	now := time.Now()

	dl := &models.DeadLetter{ID: "d1", JobID: "j1", Queue: "runs", Type: "run.start", IdempotencyKey: "k1",
		Error: "boom", History: []models.JobAttempt{{Attempt: 1}, {Attempt: 2}}, AttemptsMade: 2,
		Status: models.DeadLetterPending, FailedAt: now.Add(-48 * time.Hour)}
	require.NoError(t, s.InsertDeadLetter(ctx, dl))

	n, err := s.CountDeadLetters(ctx, "runs")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	ok, err := s.MarkDeadLetterReprocessed(ctx, "d1", "j2", now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.MarkDeadLetterReprocessed(ctx, "d1", "j3", now)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetDeadLetter(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "j2", got.ReprocessedJobID)
	assert.Len(t, got.History, 2)

	purged, err := s.PurgeDeadLetters(ctx, "runs", now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
}

func TestOutbox_OrderedAndUnique(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t).Store()
	now := time.Now()

	for v := int64(1); v <= 3; v++ {
		require.NoError(t, s.InsertOutboxEvent(ctx, &models.OutboxEvent{
			ID: fmt.Sprintf("e%d", v), RunID: "run-1", RunVersion: v, EventType: "run.test",
			ToStatus: models.RunQueued, CreatedAt: now.Add(time.Duration(v) * time.Millisecond),
		}))
	}
	err := s.InsertOutboxEvent(ctx, &models.OutboxEvent{ID: "dup", RunID: "run-1", RunVersion: 2, EventType: "x", CreatedAt: now})
	assert.True(t, IsUniqueViolation(err))

	pending, err := s.ListUndeliveredEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, int64(1), pending[0].RunVersion)

	require.NoError(t, s.MarkEventDelivered(ctx, "e1", now))
	pending, err = s.ListUndeliveredEvents(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestWithTransaction_RollsBack(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	err := db.WithTransaction(ctx, func(s *Store) error {
		if err := s.CreateRun(ctx, newRun("run-tx")); err != nil {
			return err
		}
		return fmt.Errorf("abort")
	})
	require.Error(t, err)

	_, err = db.Store().GetRun(ctx, "run-tx")
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestPostgres_Smoke(t *testing.T) {
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		t.Skipf("POSTGRES_HOST not set; skipping postgres smoke test")
	}
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		host, envOr("POSTGRES_PORT", "5432"), envOr("POSTGRES_USER", "runcore"),
		envOr("POSTGRES_PASSWORD", "runcore"), envOr("POSTGRES_DB", "runcore"))
	db, err := NewPostgres(dsn)
	if err != nil {
		t.Skipf("postgres unavailable: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	run := newRun("pg-" + ulid.Make().String())
	require.NoError(t, db.Store().CreateRun(ctx, run))
	require.NoError(t, db.Store().UpdateRun(ctx, run, 1))
	assert.True(t, errs.IsVersionConflict(db.Store().UpdateRun(ctx, run, 1)))
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
