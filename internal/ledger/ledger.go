// Package ledger implements double-entry credit accounting for runs.
//
// Each tenant has four accounts. Grants move credits from external to
// available, a run's reservation moves them from available to reserved,
// each completed step moves its cost from reserved to consumed, and the
// terminal transition returns whatever is left of the reservation to
// available. Every movement posts two entries summing to zero, each with a
// unique idempotency key, so a retried job cannot apply a movement twice.
//
// All methods take the *database.Store of the caller's transaction; the
// ledger never opens its own, which keeps postings atomic with the run
// status change that caused them.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/database"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/errs"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/logging"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/metrics"
	"github.com/malenacutuli/swiss-ai-vault-sub006/pkg/models"
)

const referenceRun = "run"

// Ledger posts credit movements.
type Ledger struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates a ledger.
func New(logger *zap.Logger, m *metrics.Metrics) *Ledger {
	return &Ledger{
		logger:  logging.OrNop(logger).Named("ledger"),
		metrics: m,
		now:     time.Now,
	}
}

// Grant funds a tenant's available account. It returns false when key was
// already applied.
func (l *Ledger) Grant(ctx context.Context, s *database.Store, tenantID string, amount int64, key string) (bool, error) {
	if amount <= 0 {
		return false, errs.New(errs.ValidationError, "grant amount must be positive, got %d", amount)
	}
	if key == "" {
		return false, errs.New(errs.ValidationError, "grant requires an idempotency key")
	}
	applied, err := l.post(ctx, s, movement{
		tenantID:  tenantID,
		entryType: models.EntryGrant,
		from:      models.AccountExternal,
		to:        models.AccountAvailable,
		amount:    amount,
		refType:   "grant",
		refID:     key,
		key:       "grant:" + key,
	})
	if err != nil {
		return false, err
	}
	l.metrics.RecordLedger(string(models.EntryGrant), applied, amount)
	return applied, nil
}

// Reserve holds amount credits for a run. The tenant must have at least that
// much available. Reserving again for the same run is a no-op.
func (l *Ledger) Reserve(ctx context.Context, s *database.Store, tenantID, runID string, amount int64) error {
	if amount <= 0 {
		return errs.New(errs.ValidationError, "reservation amount must be positive, got %d", amount)
	}

	if _, err := s.GetReservation(ctx, runID); err == nil {
		l.metrics.RecordLedger(string(models.EntryReserve), false, amount)
		return nil
	} else if !errs.Is(err, errs.NotFound) {
		return err
	}

	available, err := s.AccountBalance(ctx, tenantID, models.AccountAvailable)
	if err != nil {
		return err
	}
	if available < amount {
		return errs.New(errs.InsufficientCredits, "tenant %s has %d credits available, run %s needs %d",
			tenantID, available, runID, amount)
	}

	now := l.now()
	if err := s.InsertReservation(ctx, &models.Reservation{
		RunID:     runID,
		TenantID:  tenantID,
		Amount:    amount,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		if database.IsUniqueViolation(err) {
			return errs.Wrap(errs.InFlight, err, "reservation for run %s created concurrently", runID)
		}
		return err
	}

	applied, err := l.post(ctx, s, movement{
		tenantID:  tenantID,
		entryType: models.EntryReserve,
		from:      models.AccountAvailable,
		to:        models.AccountReserved,
		amount:    amount,
		refType:   referenceRun,
		refID:     runID,
		key:       "reserve:" + runID,
	})
	if err != nil {
		return err
	}
	l.metrics.RecordLedger(string(models.EntryReserve), applied, amount)
	return nil
}

// Consume charges a completed step against the run's reservation. The
// charge is clamped to what remains reserved; stepKey identifies the step so
// the same step is never charged twice. It returns the amount charged.
func (l *Ledger) Consume(ctx context.Context, s *database.Store, runID, stepKey string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, errs.New(errs.ValidationError, "consumption amount must not be negative, got %d", amount)
	}
	key := "consume:" + runID + ":" + stepKey
	if done, err := s.LedgerExists(ctx, entryKey(key, models.AccountReserved)); err != nil {
		return 0, err
	} else if done {
		l.metrics.RecordLedger(string(models.EntryConsume), false, 0)
		return 0, nil
	}

	res, err := s.GetReservation(ctx, runID)
	if err != nil {
		return 0, err
	}
	charge := amount
	if remaining := res.Remaining(); charge > remaining {
		l.logger.Warn("clamping step charge to remaining reservation",
			zap.String("run_id", runID),
			zap.String("step", stepKey),
			zap.Int64("requested", amount),
			zap.Int64("remaining", remaining))
		charge = remaining
	}
	if charge == 0 {
		return 0, nil
	}

	if err := s.AddReservationConsumption(ctx, runID, charge, l.now()); err != nil {
		return 0, err
	}
	applied, err := l.post(ctx, s, movement{
		tenantID:  res.TenantID,
		entryType: models.EntryConsume,
		from:      models.AccountReserved,
		to:        models.AccountConsumed,
		amount:    charge,
		refType:   referenceRun,
		refID:     runID,
		key:       key,
	})
	if err != nil {
		return 0, err
	}
	l.metrics.RecordLedger(string(models.EntryConsume), applied, charge)
	return charge, nil
}

// Release closes the run's reservation, returning the unconsumed remainder to
// available. It is a no-op when the reservation is already closed and returns
// the amount released.
func (l *Ledger) Release(ctx context.Context, s *database.Store, runID string) (int64, error) {
	res, err := s.GetReservation(ctx, runID)
	if errs.Is(err, errs.NotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	remaining := res.Remaining()
	if remaining > 0 {
		applied, err := l.post(ctx, s, movement{
			tenantID:  res.TenantID,
			entryType: models.EntryRelease,
			from:      models.AccountReserved,
			to:        models.AccountAvailable,
			amount:    remaining,
			refType:   referenceRun,
			refID:     runID,
			key:       "release:" + runID,
		})
		if err != nil {
			return 0, err
		}
		l.metrics.RecordLedger(string(models.EntryRelease), applied, remaining)
	}
	if err := s.DeleteReservation(ctx, runID); err != nil {
		return 0, err
	}
	return remaining, nil
}

// Balance reports a tenant's accounts.
func (l *Ledger) Balance(ctx context.Context, s *database.Store, tenantID string) (*models.Balance, error) {
	b := &models.Balance{TenantID: tenantID}
	for account, dst := range map[models.Account]*int64{
		models.AccountAvailable: &b.Available,
		models.AccountReserved:  &b.Reserved,
		models.AccountConsumed:  &b.Consumed,
	} {
		v, err := s.AccountBalance(ctx, tenantID, account)
		if err != nil {
			return nil, err
		}
		*dst = v
	}
	return b, nil
}

// Verify checks that a tenant's postings sum to zero and that every account
// balance equals the sum of its postings.
func (l *Ledger) Verify(ctx context.Context, s *database.Store, tenantID string) error {
	entries, err := s.ListLedgerEntries(ctx, database.LedgerFilter{TenantID: tenantID})
	if err != nil {
		return err
	}
	var total int64
	sums := make(map[models.Account]int64)
	for _, e := range entries {
		total += e.Amount
		sums[e.Account] += e.Amount
	}
	if total != 0 {
		return fmt.Errorf("ledger for tenant %s is unbalanced by %d", tenantID, total)
	}
	for _, account := range []models.Account{models.AccountAvailable, models.AccountReserved, models.AccountConsumed, models.AccountExternal} {
		bal, err := s.AccountBalance(ctx, tenantID, account)
		if err != nil {
			return err
		}
		if bal != sums[account] {
			return fmt.Errorf("account %s/%s balance %d does not match postings %d", tenantID, account, bal, sums[account])
		}
	}
	return nil
}

type movement struct {
	tenantID  string
	entryType models.EntryType
	from, to  models.Account
	amount    int64
	refType   string
	refID     string
	key       string
}

var errDuplicatePosting = errors.New("ledger posting already applied")

func entryKey(key string, account models.Account) string {
	return key + "/" + string(account)
}

// post writes both sides of a movement. It returns false when the movement
// was already applied.
func (l *Ledger) post(ctx context.Context, s *database.Store, m movement) (bool, error) {
	exists, err := s.LedgerExists(ctx, entryKey(m.key, m.from))
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	now := l.now()
	for _, side := range []struct {
		account models.Account
		delta   int64
	}{
		{m.from, -m.amount},
		{m.to, m.amount},
	} {
		balance, err := s.AdjustAccount(ctx, m.tenantID, side.account, side.delta, now)
		if err != nil {
			return false, err
		}
		inserted, err := s.InsertLedgerEntry(ctx, &models.LedgerEntry{
			ID:             ulid.Make().String(),
			TenantID:       m.tenantID,
			Account:        side.account,
			EntryType:      m.entryType,
			Amount:         side.delta,
			BalanceAfter:   balance,
			ReferenceType:  m.refType,
			ReferenceID:    m.refID,
			IdempotencyKey: entryKey(m.key, side.account),
			CreatedAt:      now,
		})
		if err != nil {
			return false, err
		}
		if !inserted {
			// A concurrent transaction won the key; the caller's tx must roll
			// back so the balance adjustment above is undone.
			return false, fmt.Errorf("posting %s: %w", entryKey(m.key, side.account), errDuplicatePosting)
		}
	}
	return true, nil
}
