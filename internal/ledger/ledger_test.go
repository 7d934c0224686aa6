package ledger

import (
	"context"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/database"
	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/errs"
	"github.com/malenacutuli/swiss-ai-vault-sub006/pkg/models"
)

func newTestDB(t *testing.T) *database.Database {
	t.Helper()
	db, err := database.OpenMemory("ledger_" + ulid.Make().String())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestLedger_Lifecycle(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	l := New(nil, nil)
	s := db.Store()

	applied, err := l.Grant(ctx, s, "t1", 100, "initial")
	require.NoError(t, err)
	assert.True(t, applied)

	require.NoError(t, l.Reserve(ctx, s, "t1", "run-1", 10))
	for i, key := range []string{"1", "2", "3"} {
		charged, err := l.Consume(ctx, s, "run-1", key, 2)
		require.NoError(t, err, "step %d", i)
		assert.Equal(t, int64(2), charged)
	}

	res, err := s.GetReservation(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(6), res.Consumed)

	released, err := l.Release(ctx, s, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), released)

	_, err = s.GetReservation(ctx, "run-1")
	assert.True(t, errs.Is(err, errs.NotFound))

	bal, err := l.Balance(ctx, s, "t1")
	require.NoError(t, err)
	assert.Equal(t, &models.Balance{TenantID: "t1", Available: 94, Reserved: 0, Consumed: 6}, bal)
	require.NoError(t, l.Verify(ctx, s, "t1"))
}

func TestLedger_GrantIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t).Store()
	l := New(nil, nil)

	_, err := l.Grant(ctx, s, "t1", 50, "k")
	require.NoError(t, err)
	applied, err := l.Grant(ctx, s, "t1", 50, "k")
	require.NoError(t, err)
	assert.False(t, applied)

	bal, err := l.Balance(ctx, s, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), bal.Available)
}

func TestLedger_ReserveRequiresQuota(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t).Store()
	l := New(nil, nil)

	_, err := l.Grant(ctx, s, "t1", 5, "g")
	require.NoError(t, err)

	err = l.Reserve(ctx, s, "t1", "run-1", 10)
	assert.True(t, errs.Is(err, errs.InsufficientCredits))

	_, err = s.GetReservation(ctx, "run-1")
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestLedger_ReserveOncePerRun(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t).Store()
	l := New(nil, nil)

	_, err := l.Grant(ctx, s, "t1", 100, "g")
	require.NoError(t, err)
	require.NoError(t, l.Reserve(ctx, s, "t1", "run-1", 10))
	require.NoError(t, l.Reserve(ctx, s, "t1", "run-1", 10))

	bal, err := l.Balance(ctx, s, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(90), bal.Available)
	assert.Equal(t, int64(10), bal.Reserved)

	entries, err := s.ListLedgerEntries(ctx, database.LedgerFilter{ReferenceID: "run-1", EntryType: models.EntryReserve})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestLedger_ConsumeOncePerStep(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t).Store()
	l := New(nil, nil)

	_, err := l.Grant(ctx, s, "t1", 100, "g")
	require.NoError(t, err)
	require.NoError(t, l.Reserve(ctx, s, "t1", "run-1", 10))

	charged, err := l.Consume(ctx, s, "run-1", "7", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), charged)

	charged, err = l.Consume(ctx, s, "run-1", "7", 3)
	require.NoError(t, err)
	assert.Zero(t, charged)

	entries, err := s.ListLedgerEntries(ctx, database.LedgerFilter{ReferenceID: "run-1", EntryType: models.EntryConsume})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	amounts := map[models.Account]int64{}
	for _, e := range entries {
		amounts[e.Account] = e.Amount
	}
	assert.Equal(t, map[models.Account]int64{models.AccountReserved: -3, models.AccountConsumed: 3}, amounts)
}

func TestLedger_ConsumeClampsToReservation(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t).Store()
	l := New(nil, nil)

	_, err := l.Grant(ctx, s, "t1", 100, "g")
	require.NoError(t, err)
	require.NoError(t, l.Reserve(ctx, s, "t1", "run-1", 5))

	charged, err := l.Consume(ctx, s, "run-1", "1", 4)
	require.NoError(t, err)
	assert.Equal(t, int64(4), charged)

	charged, err = l.Consume(ctx, s, "run-1", "2", 4)
	require.NoError(t, err)
	assert.Equal(t, int64(1), charged)

	res, err := s.GetReservation(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, res.Amount, res.Consumed)
	require.NoError(t, l.Verify(ctx, s, "t1"))
}

func TestLedger_ReleaseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t).Store()
	l := New(nil, nil)

	_, err := l.Grant(ctx, s, "t1", 20, "g")
	require.NoError(t, err)
	require.NoError(t, l.Reserve(ctx, s, "t1", "run-1", 10))

	released, err := l.Release(ctx, s, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), released)

	released, err = l.Release(ctx, s, "run-1")
	require.NoError(t, err)
	assert.Zero(t, released)

	bal, err := l.Balance(ctx, s, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), bal.Available)
}

func TestLedger_RollbackUndoesPostings(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	l := New(nil, nil)

	_, err := l.Grant(ctx, db.Store(), "t1", 20, "g")
	require.NoError(t, err)

	err = db.WithTransaction(ctx, func(s *database.Store) error {
		if err := l.Reserve(ctx, s, "t1", "run-1", 10); err != nil {
			return err
		}
		return errs.New(errs.Internal, "abort")
	})
	require.Error(t, err)

	bal, err := l.Balance(ctx, db.Store(), "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), bal.Available)
	assert.Zero(t, bal.Reserved)
}
