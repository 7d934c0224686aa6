package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/errs"
	"github.com/malenacutuli/swiss-ai-vault-sub006/pkg/models"
)

// AdjustAccount adds delta to a tenant account, creating it at zero if
// needed, and returns the new balance.
func (s *Store) AdjustAccount(ctx context.Context, tenantID string, account models.Account, delta int64, now time.Time) (int64, error) {
	_, err := s.exec(ctx, `INSERT INTO credit_accounts (tenant_id, account, balance, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant_id, account) DO UPDATE SET
			balance = credit_accounts.balance + excluded.balance,
			updated_at = excluded.updated_at`,
		tenantID, string(account), delta, toNanos(now))
	if err != nil {
		return 0, fmt.Errorf("failed to adjust account: %w", err)
	}
	return s.AccountBalance(ctx, tenantID, account)
}

// AccountBalance returns a tenant account balance, zero if it does not exist.
func (s *Store) AccountBalance(ctx context.Context, tenantID string, account models.Account) (int64, error) {
	var balance int64
	err := s.queryRow(ctx, `SELECT balance FROM credit_accounts WHERE tenant_id = ? AND account = ?`,
		tenantID, string(account)).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read account balance: %w", err)
	}
	return balance, nil
}

// InsertLedgerEntry appends a posting. It returns false when a posting with
// the same idempotency key already exists.
func (s *Store) InsertLedgerEntry(ctx context.Context, e *models.LedgerEntry) (bool, error) {
	res, err := s.exec(ctx, `INSERT INTO ledger_entries
		(id, tenant_id, account, entry_type, amount, balance_after, reference_type, reference_id, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		e.ID, e.TenantID, string(e.Account), string(e.EntryType), e.Amount, e.BalanceAfter,
		e.ReferenceType, e.ReferenceID, e.IdempotencyKey, toNanos(e.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	n, err := rowsAffected(res)
	return n == 1, err
}

// LedgerExists reports whether a posting with key was already written.
func (s *Store) LedgerExists(ctx context.Context, key string) (bool, error) {
	var n int64
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM ledger_entries WHERE idempotency_key = ?`, key).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check ledger key: %w", err)
	}
	return n > 0, nil
}

// LedgerFilter narrows ListLedgerEntries.
type LedgerFilter struct {
	TenantID      string
	ReferenceType string
	ReferenceID   string
	EntryType     models.EntryType
	Limit         int
}

// ListLedgerEntries returns postings in insertion order.
func (s *Store) ListLedgerEntries(ctx context.Context, filter LedgerFilter) ([]*models.LedgerEntry, error) {
	query := `SELECT id, tenant_id, account, entry_type, amount, balance_after, reference_type, reference_id,
		idempotency_key, created_at FROM ledger_entries WHERE 1 = 1`
	var args []any
	if filter.TenantID != "" {
		query += " AND tenant_id = ?"
		args = append(args, filter.TenantID)
	}
	if filter.ReferenceType != "" {
		query += " AND reference_type = ?"
		args = append(args, filter.ReferenceType)
	}
	if filter.ReferenceID != "" {
		query += " AND reference_id = ?"
		args = append(args, filter.ReferenceID)
	}
	if filter.EntryType != "" {
		query += " AND entry_type = ?"
		args = append(args, string(filter.EntryType))
	}
	query += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	defer rows.Close()

	var out []*models.LedgerEntry
	for rows.Next() {
		var (
			e                  models.LedgerEntry
			account, entryType string
			created            int64
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &account, &entryType, &e.Amount, &e.BalanceAfter,
			&e.ReferenceType, &e.ReferenceID, &e.IdempotencyKey, &created); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.Account = models.Account(account)
		e.EntryType = models.EntryType(entryType)
		e.CreatedAt = fromNanos(created)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// InsertReservation creates the run's reservation. The primary key on run_id
// allows only one.
func (s *Store) InsertReservation(ctx context.Context, r *models.Reservation) error {
	_, err := s.exec(ctx, `INSERT INTO reservations (run_id, tenant_id, amount, consumed, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.RunID, r.TenantID, r.Amount, r.Consumed, toNanos(r.CreatedAt), toNanos(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert reservation: %w", err)
	}
	return nil
}

// GetReservation loads the active reservation of a run.
func (s *Store) GetReservation(ctx context.Context, runID string) (*models.Reservation, error) {
	var (
		r                models.Reservation
		created, updated int64
	)
	err := s.queryRow(ctx, `SELECT run_id, tenant_id, amount, consumed, created_at, updated_at
		FROM reservations WHERE run_id = ?`, runID).
		Scan(&r.RunID, &r.TenantID, &r.Amount, &r.Consumed, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.NotFound, "no active reservation for run %s", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}
	r.CreatedAt = fromNanos(created)
	r.UpdatedAt = fromNanos(updated)
	return &r, nil
}

// AddReservationConsumption increments consumed, refusing to exceed amount.
func (s *Store) AddReservationConsumption(ctx context.Context, runID string, amount int64, now time.Time) error {
	res, err := s.exec(ctx, `UPDATE reservations SET consumed = consumed + ?, updated_at = ?
		WHERE run_id = ? AND consumed + ? <= amount`, amount, toNanos(now), runID, amount)
	if err != nil {
		return fmt.Errorf("failed to update reservation: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return errs.New(errs.InsufficientCredits, "reservation for run %s cannot cover %d credits", runID, amount)
	}
	return nil
}

// DeleteReservation closes the run's reservation.
func (s *Store) DeleteReservation(ctx context.Context, runID string) error {
	if _, err := s.exec(ctx, `DELETE FROM reservations WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("failed to delete reservation: %w", err)
	}
	return nil
}
