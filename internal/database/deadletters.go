package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/errs"
	"github.com/malenacutuli/swiss-ai-vault-sub006/pkg/models"
)

const deadLetterColumns = `id, job_id, queue, type, run_id, idempotency_key, priority, payload, error, history,
	attempts_made, reprocess_attempts, status, failed_at, reprocessed_at, reprocessed_job_id`

// InsertDeadLetter stores a dead-lettered job.
func (s *Store) InsertDeadLetter(ctx context.Context, dl *models.DeadLetter) error {
	history, err := encodeHistory(dl.History)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `INSERT INTO dead_letters (`+deadLetterColumns+`) VALUES (`+placeholders(16)+`)`,
		dl.ID, dl.JobID, dl.Queue, dl.Type, dl.RunID, dl.IdempotencyKey, dl.Priority, string(dl.Payload), dl.Error,
		history, dl.AttemptsMade, dl.ReprocessAttempts, string(dl.Status), toNanos(dl.FailedAt),
		toNanos(dl.ReprocessedAt), dl.ReprocessedJobID)
	if err != nil {
		return fmt.Errorf("failed to insert dead letter: %w", err)
	}
	return nil
}

// GetDeadLetter loads a dead letter by id.
func (s *Store) GetDeadLetter(ctx context.Context, id string) (*models.DeadLetter, error) {
	dl, err := scanDeadLetter(s.queryRow(ctx, `SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.NotFound, "dead letter %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dead letter: %w", err)
	}
	return dl, nil
}

// ListDeadLetters returns a queue's dead letters, newest first. An empty
// status lists all.
func (s *Store) ListDeadLetters(ctx context.Context, queue string, status models.DeadLetterStatus, limit int) ([]*models.DeadLetter, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letters WHERE queue = ?`
	args := []any{queue}
	if status != "" {
		query += " AND status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY failed_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var out []*models.DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

// MarkDeadLetterReprocessed links a dead letter to the job that replaced it.
// It returns false if the entry was already reprocessed.
func (s *Store) MarkDeadLetterReprocessed(ctx context.Context, id, jobID string, at time.Time) (bool, error) {
	res, err := s.exec(ctx, `UPDATE dead_letters SET status = ?, reprocessed_at = ?, reprocessed_job_id = ?
		WHERE id = ? AND status = ?`,
		string(models.DeadLetterReprocessed), toNanos(at), jobID, id, string(models.DeadLetterPending))
	if err != nil {
		return false, fmt.Errorf("failed to mark dead letter reprocessed: %w", err)
	}
	n, err := rowsAffected(res)
	return n == 1, err
}

// PurgeDeadLetters deletes entries on queue that failed before the cutoff,
// whatever their reprocess state.
func (s *Store) PurgeDeadLetters(ctx context.Context, queue string, before time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM dead_letters WHERE queue = ? AND failed_at < ?`, queue, toNanos(before))
	if err != nil {
		return 0, fmt.Errorf("failed to purge dead letters: %w", err)
	}
	return rowsAffected(res)
}

// CountDeadLetters counts unprocessed dead letters on queue.
func (s *Store) CountDeadLetters(ctx context.Context, queue string) (int64, error) {
	var n int64
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM dead_letters WHERE queue = ? AND status = ?`,
		queue, string(models.DeadLetterPending)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return n, nil
}

func scanDeadLetter(row scanner) (*models.DeadLetter, error) {
	var (
		dl                       models.DeadLetter
		payload, history, status string
		failed, reprocessed      int64
	)
	err := row.Scan(&dl.ID, &dl.JobID, &dl.Queue, &dl.Type, &dl.RunID, &dl.IdempotencyKey, &dl.Priority, &payload,
		&dl.Error, &history, &dl.AttemptsMade, &dl.ReprocessAttempts, &status, &failed, &reprocessed, &dl.ReprocessedJobID)
	if err != nil {
		return nil, err
	}
	if payload != "" {
		dl.Payload = json.RawMessage(payload)
	}
	if dl.History, err = decodeHistory(history); err != nil {
		return nil, err
	}
	dl.Status = models.DeadLetterStatus(status)
	dl.FailedAt = fromNanos(failed)
	dl.ReprocessedAt = fromNanos(reprocessed)
	return &dl, nil
}
