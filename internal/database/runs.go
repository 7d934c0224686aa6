package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/errs"
	"github.com/malenacutuli/swiss-ai-vault-sub006/pkg/models"
)

const runColumns = `id, tenant_id, user_id, status, prompt, plan, step_count, max_steps,
	credits_reserved, credits_consumed, max_credits, retry_count, max_retries, consecutive_errors,
	checkpoint_id, sandbox_id, pending_input, result_json, error_json,
	created_at, started_at, completed_at, timeout_at, status_entered_at, last_progress_at, updated_at, version`

// CreateRun inserts a new run at the version it carries.
func (s *Store) CreateRun(ctx context.Context, run *models.Run) error {
	plan, result, runErr, err := encodeRunJSON(run)
	if err != nil {
		return err
	}

	_, err = s.exec(ctx, `INSERT INTO runs (`+runColumns+`)
		VALUES (`+placeholders(27)+`)`,
		run.ID, run.TenantID, run.UserID, string(run.Status), run.Prompt, plan, run.StepCount, run.MaxSteps,
		run.CreditsReserved, run.CreditsConsumed, run.MaxCredits, run.RetryCount, run.MaxRetries, run.ConsecutiveErrors,
		run.CheckpointID, run.SandboxID, run.PendingInput, result, runErr,
		toNanos(run.CreatedAt), toNanos(run.StartedAt), toNanos(run.CompletedAt), toNanos(run.TimeoutAt),
		toNanos(run.StatusEnteredAt), toNanos(run.LastProgressAt), toNanos(run.UpdatedAt), run.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// GetRun loads a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*models.Run, error) {
	row := s.queryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.NotFound, "run %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// UpdateRun writes every mutable column of run, conditioned on expectedVersion.
// On success run.Version is set to expectedVersion+1. A stale version returns
// *errs.VersionConflictError and writes nothing.
func (s *Store) UpdateRun(ctx context.Context, run *models.Run, expectedVersion int64) error {
	plan, result, runErr, err := encodeRunJSON(run)
	if err != nil {
		return err
	}

	res, err := s.exec(ctx, `UPDATE runs SET
		status = ?, plan = ?, step_count = ?, max_steps = ?,
		credits_reserved = ?, credits_consumed = ?, max_credits = ?,
		retry_count = ?, max_retries = ?, consecutive_errors = ?,
		checkpoint_id = ?, sandbox_id = ?, pending_input = ?, result_json = ?, error_json = ?,
		started_at = ?, completed_at = ?, timeout_at = ?, status_entered_at = ?, last_progress_at = ?,
		updated_at = ?, version = ?
		WHERE id = ? AND version = ?`,
		string(run.Status), plan, run.StepCount, run.MaxSteps,
		run.CreditsReserved, run.CreditsConsumed, run.MaxCredits,
		run.RetryCount, run.MaxRetries, run.ConsecutiveErrors,
		run.CheckpointID, run.SandboxID, run.PendingInput, result, runErr,
		toNanos(run.StartedAt), toNanos(run.CompletedAt), toNanos(run.TimeoutAt), toNanos(run.StatusEnteredAt),
		toNanos(run.LastProgressAt), toNanos(run.UpdatedAt), expectedVersion+1,
		run.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		var actual int64
		err := s.queryRow(ctx, `SELECT version FROM runs WHERE id = ?`, run.ID).Scan(&actual)
		if errors.Is(err, sql.ErrNoRows) {
			return errs.New(errs.NotFound, "run %s not found", run.ID)
		}
		if err != nil {
			return fmt.Errorf("failed to read run version: %w", err)
		}
		return &errs.VersionConflictError{RunID: run.ID, ExpectedVersion: expectedVersion, ActualVersion: actual}
	}
	run.Version = expectedVersion + 1
	return nil
}

// RunFilter narrows ListRuns. Zero fields are ignored.
type RunFilter struct {
	TenantID      string
	Statuses      []models.RunStatus
	EnteredBefore time.Time
	TimeoutBefore time.Time
	Limit         int
}

// ListRuns returns runs matching filter, oldest status change first.
func (s *Store) ListRuns(ctx context.Context, filter RunFilter) ([]*models.Run, error) {
	var (
		where []string
		args  []any
	)
	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if !filter.EnteredBefore.IsZero() {
		where = append(where, "status_entered_at < ?")
		args = append(args, toNanos(filter.EnteredBefore))
	}
	if !filter.TimeoutBefore.IsZero() {
		where = append(where, "timeout_at > 0 AND timeout_at < ?")
		args = append(args, toNanos(filter.TimeoutBefore))
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY status_entered_at ASC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// CountRunsByStatus returns the number of runs per status.
func (s *Store) CountRunsByStatus(ctx context.Context) (map[models.RunStatus]int64, error) {
	rows, err := s.query(ctx, `SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count runs: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.RunStatus]int64)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan run count: %w", err)
		}
		counts[models.RunStatus(status)] = n
	}
	return counts, rows.Err()
}

// InsertPlanRevision appends a plan version to the run's history.
func (s *Store) InsertPlanRevision(ctx context.Context, runID string, plan *models.Plan, reason string, at time.Time) error {
	data, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}
	_, err = s.exec(ctx, `INSERT INTO plan_revisions (run_id, version, reason, plan, created_at)
		VALUES (?, ?, ?, ?, ?)`, runID, plan.Version, reason, string(data), toNanos(at))
	if err != nil {
		return fmt.Errorf("failed to insert plan revision: %w", err)
	}
	return nil
}

// ListPlanRevisions returns a run's plan history, oldest first.
func (s *Store) ListPlanRevisions(ctx context.Context, runID string) ([]models.PlanRevision, error) {
	rows, err := s.query(ctx, `SELECT version, reason, plan FROM plan_revisions
		WHERE run_id = ? ORDER BY version ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list plan revisions: %w", err)
	}
	defer rows.Close()

	var out []models.PlanRevision
	for rows.Next() {
		var (
			rev  models.PlanRevision
			data string
		)
		if err := rows.Scan(&rev.Version, &rev.Reason, &data); err != nil {
			return nil, fmt.Errorf("failed to scan plan revision: %w", err)
		}
		rev.RunID = runID
		if err := json.Unmarshal([]byte(data), &rev.Plan); err != nil {
			return nil, fmt.Errorf("failed to decode plan revision: %w", err)
		}
		out = append(out, rev)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*models.Run, error) {
	var (
		run                          models.Run
		status, plan, result, runErr string
		created, started, completed  int64
		timeout, entered, progress   int64
		updated                      int64
	)
	err := row.Scan(
		&run.ID, &run.TenantID, &run.UserID, &status, &run.Prompt, &plan, &run.StepCount, &run.MaxSteps,
		&run.CreditsReserved, &run.CreditsConsumed, &run.MaxCredits, &run.RetryCount, &run.MaxRetries, &run.ConsecutiveErrors,
		&run.CheckpointID, &run.SandboxID, &run.PendingInput, &result, &runErr,
		&created, &started, &completed, &timeout, &entered, &progress, &updated, &run.Version,
	)
	if err != nil {
		return nil, err
	}

	run.Status = models.RunStatus(status)
	run.CreatedAt = fromNanos(created)
	run.StartedAt = fromNanos(started)
	run.CompletedAt = fromNanos(completed)
	run.TimeoutAt = fromNanos(timeout)
	run.StatusEnteredAt = fromNanos(entered)
	run.LastProgressAt = fromNanos(progress)
	run.UpdatedAt = fromNanos(updated)

	if plan != "" {
		run.Plan = &models.Plan{}
		if err := json.Unmarshal([]byte(plan), run.Plan); err != nil {
			return nil, fmt.Errorf("failed to decode plan: %w", err)
		}
	}
	if result != "" {
		run.Result = json.RawMessage(result)
	}
	if runErr != "" {
		run.Error = &models.RunError{}
		if err := json.Unmarshal([]byte(runErr), run.Error); err != nil {
			return nil, fmt.Errorf("failed to decode run error: %w", err)
		}
	}
	return &run, nil
}

func encodeRunJSON(run *models.Run) (plan, result, runErr string, err error) {
	if run.Plan != nil {
		b, err := json.Marshal(run.Plan)
		if err != nil {
			return "", "", "", fmt.Errorf("failed to marshal plan: %w", err)
		}
		plan = string(b)
	}
	if len(run.Result) > 0 {
		result = string(run.Result)
	}
	if run.Error != nil {
		b, err := json.Marshal(run.Error)
		if err != nil {
			return "", "", "", fmt.Errorf("failed to marshal run error: %w", err)
		}
		runErr = string(b)
	}
	return plan, result, runErr, nil
}
