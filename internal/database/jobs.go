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

const jobColumns = `id, queue, type, run_id, step_id, idempotency_key, priority, payload, status,
	attempts_made, max_attempts, reprocess_attempts, history, last_error, run_at, locked_by, locked_until,
	created_at, updated_at, completed_at`

// InsertJob inserts a queued job. It returns false without error when an
// active job with the same queue and idempotency key already exists.
func (s *Store) InsertJob(ctx context.Context, job *models.Job) (bool, error) {
	history, err := encodeHistory(job.History)
	if err != nil {
		return false, err
	}
	res, err := s.exec(ctx, `INSERT INTO jobs (`+jobColumns+`) VALUES (`+placeholders(20)+`)
		ON CONFLICT DO NOTHING`,
		job.ID, job.Queue, job.Type, job.RunID, job.StepID, job.IdempotencyKey, job.Priority, string(job.Payload),
		string(job.Status), job.AttemptsMade, job.MaxAttempts, job.ReprocessAttempts, history, job.LastError,
		toNanos(job.RunAt), job.LockedBy, toNanos(job.LockedUntil),
		toNanos(job.CreatedAt), toNanos(job.UpdatedAt), toNanos(job.CompletedAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert job: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// FindJobByKey returns the job holding key on queue: an active job, or one
// finished at or after doneSince. Dead jobs never match.
func (s *Store) FindJobByKey(ctx context.Context, queue, key string, doneSince time.Time) (*models.Job, error) {
	row := s.queryRow(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE queue = ? AND idempotency_key = ?
		AND (status IN ('queued', 'running') OR (status = 'done' AND completed_at >= ?))
		ORDER BY created_at DESC LIMIT 1`, queue, key, toNanos(doneSince))
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.NotFound, "no job for key %s on queue %s", key, queue)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find job: %w", err)
	}
	return job, nil
}

// GetJob loads a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*models.Job, error) {
	job, err := scanJob(s.queryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.NotFound, "job %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListClaimableJobs returns due queued jobs, highest priority first.
func (s *Store) ListClaimableJobs(ctx context.Context, queue string, now time.Time, limit int) ([]*models.Job, error) {
	return s.listJobs(ctx, `WHERE queue = ? AND status = 'queued' AND run_at <= ?
		ORDER BY priority DESC, run_at ASC, id ASC LIMIT ?`, queue, toNanos(now), limit)
}

// ListExpiredLeases returns running jobs whose lease ran out.
func (s *Store) ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*models.Job, error) {
	return s.listJobs(ctx, `WHERE status = 'running' AND locked_until < ?
		ORDER BY locked_until ASC LIMIT ?`, toNanos(now), limit)
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	Queue  string
	Status models.JobStatus
	RunID  string
	Limit  int
}

// ListJobs returns jobs matching filter, newest first.
func (s *Store) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error) {
	var (
		where []string
		args  []any
	)
	if filter.Queue != "" {
		where = append(where, "queue = ?")
		args = append(args, filter.Queue)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	clause := ""
	if len(where) > 0 {
		clause = "WHERE " + strings.Join(where, " AND ")
	}
	clause += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		clause += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	return s.listJobs(ctx, clause, args...)
}

func (s *Store) listJobs(ctx context.Context, clause string, args ...any) ([]*models.Job, error) {
	rows, err := s.query(ctx, `SELECT `+jobColumns+` FROM jobs `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ClaimJob leases a queued job to workerID. It returns false when another
// worker claimed it first.
func (s *Store) ClaimJob(ctx context.Context, id, workerID string, now, leaseUntil time.Time) (bool, error) {
	res, err := s.exec(ctx, `UPDATE jobs SET status = 'running', locked_by = ?, locked_until = ?,
		attempts_made = attempts_made + 1, updated_at = ?
		WHERE id = ? AND status = 'queued' AND run_at <= ?`,
		workerID, toNanos(leaseUntil), toNanos(now), id, toNanos(now))
	if err != nil {
		return false, fmt.Errorf("failed to claim job: %w", err)
	}
	n, err := rowsAffected(res)
	return n == 1, err
}

// CompleteJob marks a leased job done.
func (s *Store) CompleteJob(ctx context.Context, id, workerID string, history []models.JobAttempt, now time.Time) (bool, error) {
	h, err := encodeHistory(history)
	if err != nil {
		return false, err
	}
	res, err := s.exec(ctx, `UPDATE jobs SET status = 'done', history = ?, locked_by = '', locked_until = 0,
		updated_at = ?, completed_at = ?
		WHERE id = ? AND status = 'running' AND locked_by = ?`,
		h, toNanos(now), toNanos(now), id, workerID)
	if err != nil {
		return false, fmt.Errorf("failed to complete job: %w", err)
	}
	n, err := rowsAffected(res)
	return n == 1, err
}

// RequeueJob releases a leased job for another attempt at runAt.
func (s *Store) RequeueJob(ctx context.Context, id, workerID string, runAt time.Time, history []models.JobAttempt, lastErr string, now time.Time) (bool, error) {
	h, err := encodeHistory(history)
	if err != nil {
		return false, err
	}
	res, err := s.exec(ctx, `UPDATE jobs SET status = 'queued', run_at = ?, history = ?, last_error = ?,
		locked_by = '', locked_until = 0, updated_at = ?
		WHERE id = ? AND status = 'running' AND locked_by = ?`,
		toNanos(runAt), h, lastErr, toNanos(now), id, workerID)
	if err != nil {
		return false, fmt.Errorf("failed to requeue job: %w", err)
	}
	n, err := rowsAffected(res)
	return n == 1, err
}

// MarkJobDead retires a leased job after its last failed attempt.
func (s *Store) MarkJobDead(ctx context.Context, id, workerID string, history []models.JobAttempt, lastErr string, now time.Time) (bool, error) {
	h, err := encodeHistory(history)
	if err != nil {
		return false, err
	}
	res, err := s.exec(ctx, `UPDATE jobs SET status = 'dead', history = ?, last_error = ?,
		locked_by = '', locked_until = 0, updated_at = ?, completed_at = ?
		WHERE id = ? AND status = 'running' AND locked_by = ?`,
		h, lastErr, toNanos(now), toNanos(now), id, workerID)
	if err != nil {
		return false, fmt.Errorf("failed to mark job dead: %w", err)
	}
	n, err := rowsAffected(res)
	return n == 1, err
}

// CountJobs counts jobs on queue in status.
func (s *Store) CountJobs(ctx context.Context, queue string, status models.JobStatus) (int64, error) {
	var n int64
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE queue = ? AND status = ?`, queue, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return n, nil
}

// PurgeFinishedJobs deletes done jobs completed before the cutoff.
func (s *Store) PurgeFinishedJobs(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM jobs WHERE status IN ('done', 'dead') AND completed_at > 0 AND completed_at < ?`,
		toNanos(before))
	if err != nil {
		return 0, fmt.Errorf("failed to purge jobs: %w", err)
	}
	return rowsAffected(res)
}

func scanJob(row scanner) (*models.Job, error) {
	var (
		job                         models.Job
		payload, status, history    string
		runAt, lockedUntil          int64
		created, updated, completed int64
	)
	err := row.Scan(&job.ID, &job.Queue, &job.Type, &job.RunID, &job.StepID, &job.IdempotencyKey, &job.Priority,
		&payload, &status, &job.AttemptsMade, &job.MaxAttempts, &job.ReprocessAttempts, &history, &job.LastError,
		&runAt, &job.LockedBy, &lockedUntil, &created, &updated, &completed)
	if err != nil {
		return nil, err
	}
	job.Status = models.JobStatus(status)
	if payload != "" {
		job.Payload = json.RawMessage(payload)
	}
	if job.History, err = decodeHistory(history); err != nil {
		return nil, err
	}
	job.RunAt = fromNanos(runAt)
	job.LockedUntil = fromNanos(lockedUntil)
	job.CreatedAt = fromNanos(created)
	job.UpdatedAt = fromNanos(updated)
	job.CompletedAt = fromNanos(completed)
	return &job, nil
}

func encodeHistory(h []models.JobAttempt) (string, error) {
	if len(h) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job history: %w", err)
	}
	return string(b), nil
}

func decodeHistory(s string) ([]models.JobAttempt, error) {
	if s == "" || s == "[]" {
		return nil, nil
	}
	var h []models.JobAttempt
	if err := json.Unmarshal([]byte(s), &h); err != nil {
		return nil, fmt.Errorf("failed to decode job history: %w", err)
	}
	return h, nil
}
