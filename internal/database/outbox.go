package database

import (
	"context"
	"fmt"
	"time"

	"github.com/malenacutuli/swiss-ai-vault-sub006/pkg/models"
)

// InsertOutboxEvent appends an event. (run_id, run_version) is unique, so one
// transition can never emit two events.
func (s *Store) InsertOutboxEvent(ctx context.Context, ev *models.OutboxEvent) error {
	_, err := s.exec(ctx, `INSERT INTO outbox
		(id, run_id, tenant_id, run_version, event_type, from_status, to_status, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.RunID, ev.TenantID, ev.RunVersion, ev.EventType, string(ev.FromStatus), string(ev.ToStatus),
		string(ev.Payload), toNanos(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return nil
}

// ListUndeliveredEvents returns pending events in per-run version order.
func (s *Store) ListUndeliveredEvents(ctx context.Context, limit int) ([]*models.OutboxEvent, error) {
	rows, err := s.query(ctx, `SELECT id, run_id, tenant_id, run_version, event_type, from_status, to_status,
		payload, created_at, attempts
		FROM outbox WHERE delivered_at = 0
		ORDER BY created_at ASC, run_id ASC, run_version ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox events: %w", err)
	}
	defer rows.Close()

	var events []*models.OutboxEvent
	for rows.Next() {
		var (
			ev             models.OutboxEvent
			from, to, data string
			created        int64
		)
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.TenantID, &ev.RunVersion, &ev.EventType, &from, &to,
			&data, &created, &ev.Attempts); err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		ev.FromStatus = models.RunStatus(from)
		ev.ToStatus = models.RunStatus(to)
		if data != "" {
			ev.Payload = []byte(data)
		}
		ev.CreatedAt = fromNanos(created)
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// ListRunEvents returns every outbox event of a run in version order.
func (s *Store) ListRunEvents(ctx context.Context, runID string) ([]*models.OutboxEvent, error) {
	rows, err := s.query(ctx, `SELECT id, run_version, event_type, from_status, to_status, created_at, delivered_at
		FROM outbox WHERE run_id = ? ORDER BY run_version ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list run events: %w", err)
	}
	defer rows.Close()

	var events []*models.OutboxEvent
	for rows.Next() {
		var (
			ev                 models.OutboxEvent
			from, to           string
			created, delivered int64
		)
		if err := rows.Scan(&ev.ID, &ev.RunVersion, &ev.EventType, &from, &to, &created, &delivered); err != nil {
			return nil, fmt.Errorf("failed to scan run event: %w", err)
		}
		ev.RunID = runID
		ev.FromStatus = models.RunStatus(from)
		ev.ToStatus = models.RunStatus(to)
		ev.CreatedAt = fromNanos(created)
		ev.DeliveredAt = fromNanos(delivered)
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// MarkEventDelivered records a successful publish.
func (s *Store) MarkEventDelivered(ctx context.Context, id string, at time.Time) error {
	_, err := s.exec(ctx, `UPDATE outbox SET delivered_at = ?, attempts = attempts + 1 WHERE id = ?`, toNanos(at), id)
	if err != nil {
		return fmt.Errorf("failed to mark event delivered: %w", err)
	}
	return nil
}

// RecordEventAttempt counts a failed publish.
func (s *Store) RecordEventAttempt(ctx context.Context, id string) error {
	_, err := s.exec(ctx, `UPDATE outbox SET attempts = attempts + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to record event attempt: %w", err)
	}
	return nil
}

// PurgeDeliveredEvents deletes delivered events older than before.
func (s *Store) PurgeDeliveredEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM outbox WHERE delivered_at > 0 AND delivered_at < ?`, toNanos(before))
	if err != nil {
		return 0, fmt.Errorf("failed to purge outbox: %w", err)
	}
	return rowsAffected(res)
}
