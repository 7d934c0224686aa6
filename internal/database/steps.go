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

const stepColumns = `id, run_id, sequence_number, phase_id, plan_version, type, tool, input, output,
	content, error_json, credits, idempotency_key, duration_ns, created_at`

// InsertStep appends an immutable step. The (run_id, sequence_number)
// uniqueness constraint rejects duplicates and gaps are the caller's concern.
func (s *Store) InsertStep(ctx context.Context, step *models.Step) error {
	var stepErr string
	if step.Error != nil {
		b, err := json.Marshal(step.Error)
		if err != nil {
			return fmt.Errorf("failed to marshal step error: %w", err)
		}
		stepErr = string(b)
	}

	_, err := s.exec(ctx, `INSERT INTO steps (`+stepColumns+`) VALUES (`+placeholders(15)+`)`,
		step.ID, step.RunID, step.SequenceNumber, step.PhaseID, step.PlanVersion, string(step.Type), step.Tool,
		string(step.Input), string(step.Output), step.Content, stepErr, step.Credits, step.IdempotencyKey,
		int64(step.Duration), toNanos(step.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert step: %w", err)
	}
	return nil
}

// StepFilter narrows ListSteps.
type StepFilter struct {
	PhaseID string
	// Last keeps only the most recent N steps (still returned in order).
	Last int
}

// ListSteps returns a run's steps ordered by sequence number.
func (s *Store) ListSteps(ctx context.Context, runID string, filter StepFilter) ([]*models.Step, error) {
	query := `SELECT ` + stepColumns + ` FROM steps WHERE run_id = ?`
	args := []any{runID}
	if filter.PhaseID != "" {
		query += " AND phase_id = ?"
		args = append(args, filter.PhaseID)
	}
	if filter.Last > 0 {
		query += " ORDER BY sequence_number DESC LIMIT ?"
		args = append(args, filter.Last)
	} else {
		query += " ORDER BY sequence_number ASC"
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	var steps []*models.Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if filter.Last > 0 {
		for i, j := 0, len(steps)-1; i < j; i, j = i+1, j-1 {
			steps[i], steps[j] = steps[j], steps[i]
		}
	}
	return steps, nil
}

// GetStep loads one step by run and sequence number.
func (s *Store) GetStep(ctx context.Context, runID string, seq int64) (*models.Step, error) {
	row := s.queryRow(ctx, `SELECT `+stepColumns+` FROM steps WHERE run_id = ? AND sequence_number = ?`, runID, seq)
	step, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.NotFound, "step %d of run %s not found", seq, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get step: %w", err)
	}
	return step, nil
}

// CountSteps counts a run's steps, optionally restricted to one phase of
// one plan version. A zero planVersion counts the phase across versions.
func (s *Store) CountSteps(ctx context.Context, runID, phaseID string, planVersion int) (int64, error) {
	query := `SELECT COUNT(*) FROM steps WHERE run_id = ?`
	args := []any{runID}
	if phaseID != "" {
		query += " AND phase_id = ?"
		args = append(args, phaseID)
	}
	if planVersion > 0 {
		query += " AND plan_version = ?"
		args = append(args, planVersion)
	}
	var n int64
	if err := s.queryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count steps: %w", err)
	}
	return n, nil
}

func scanStep(row scanner) (*models.Step, error) {
	var (
		step                        models.Step
		typ, input, output, stepErr string
		duration, created           int64
	)
	err := row.Scan(&step.ID, &step.RunID, &step.SequenceNumber, &step.PhaseID, &step.PlanVersion, &typ, &step.Tool,
		&input, &output, &step.Content, &stepErr, &step.Credits, &step.IdempotencyKey, &duration, &created)
	if err != nil {
		return nil, err
	}
	step.Type = models.StepType(typ)
	step.Duration = time.Duration(duration)
	step.CreatedAt = fromNanos(created)
	if input != "" {
		step.Input = json.RawMessage(input)
	}
	if output != "" {
		step.Output = json.RawMessage(output)
	}
	if stepErr != "" {
		step.Error = &models.RunError{}
		if err := json.Unmarshal([]byte(stepErr), step.Error); err != nil {
			return nil, fmt.Errorf("failed to decode step error: %w", err)
		}
	}
	return &step, nil
}

// InsertCheckpoint stores a new checkpoint. Checkpoints are never updated.
func (s *Store) InsertCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	_, err := s.exec(ctx, `INSERT INTO checkpoints (id, run_id, phase_id, step_count, plan_version, memory, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.RunID, cp.PhaseID, cp.StepCount, cp.PlanVersion, cp.Memory, toNanos(cp.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	return nil
}

// GetCheckpoint loads a checkpoint by id.
func (s *Store) GetCheckpoint(ctx context.Context, id string) (*models.Checkpoint, error) {
	var (
		cp      models.Checkpoint
		created int64
	)
	err := s.queryRow(ctx, `SELECT id, run_id, phase_id, step_count, plan_version, memory, created_at
		FROM checkpoints WHERE id = ?`, id).
		Scan(&cp.ID, &cp.RunID, &cp.PhaseID, &cp.StepCount, &cp.PlanVersion, &cp.Memory, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.NotFound, "checkpoint %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	cp.CreatedAt = fromNanos(created)
	return &cp, nil
}
