package models

import "time"

// Account is one of the per-tenant ledger accounts.
type Account string

const (
	AccountAvailable Account = "available"
	AccountReserved  Account = "reserved"
	AccountConsumed  Account = "consumed"
	AccountExternal  Account = "external"
)

// EntryType names the movement a ledger entry belongs to.
type EntryType string

const (
	EntryGrant   EntryType = "grant"
	EntryReserve EntryType = "reserve"
	EntryConsume EntryType = "consume"
	EntryRelease EntryType = "release"
)

// LedgerEntry is one posting. Every movement writes two postings whose
// amounts sum to zero.
type LedgerEntry struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	Account        Account   `json:"account"`
	EntryType      EntryType `json:"entry_type"`
	Amount         int64     `json:"amount"`
	BalanceAfter   int64     `json:"balance_after"`
	ReferenceType  string    `json:"reference_type"`
	ReferenceID    string    `json:"reference_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	CreatedAt      time.Time `json:"created_at"`
}

// Reservation is the single active credit hold of a non-terminal run.
type Reservation struct {
	RunID     string    `json:"run_id"`
	TenantID  string    `json:"tenant_id"`
	Amount    int64     `json:"amount"`
	Consumed  int64     `json:"consumed"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Remaining is the unconsumed part of the reservation.
func (r *Reservation) Remaining() int64 {
	return r.Amount - r.Consumed
}

// Balance is a snapshot of a tenant's accounts.
type Balance struct {
	TenantID  string `json:"tenant_id"`
	Available int64  `json:"available"`
	Reserved  int64  `json:"reserved"`
	Consumed  int64  `json:"consumed"`
}
