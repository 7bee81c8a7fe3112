// Package store declares the persistence contracts of the ledger. A Store
// hands out Tx values whose writes become visible together on commit.
package store

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/ledgertx/backend/internal/models"
)

var (
	ErrNotFound        = errors.New("store: not found")
	ErrVersionConflict = errors.New("store: version conflict")
	ErrLockTimeout     = errors.New("store: lock not acquired")
	ErrAlreadyExists   = errors.New("store: already exists")
)

// KeysetQuery selects up to Limit rows strictly after (Direction next, newer
// to older) or strictly before (Direction prev, older to newer) After.
// A nil After starts from the newest row.
type KeysetQuery struct {
	Limit     int
	Direction models.Direction
	After     *models.Keyset
}

// AccountStore reads and locks account rows inside a transaction.
type AccountStore interface {
	// CreateAccount fails with ErrAlreadyExists when the id is taken.
	CreateAccount(ctx context.Context, acc *models.Account) error
	// LockAccount returns the row locked for update, or ErrNotFound.
	LockAccount(ctx context.Context, id uuid.UUID) (*models.Account, error)
	// LockAccounts locks the distinct ids in ascending id byte order and
	// returns the rows in that order. Every caller that holds more than one
	// account lock goes through here.
	LockAccounts(ctx context.Context, ids ...uuid.UUID) ([]*models.Account, error)
	// UpdateAccountBalance writes acc.Balance if acc.Version still matches
	// and increments acc.Version.
	UpdateAccountBalance(ctx context.Context, acc *models.Account) error
}

// TransactionStore appends transaction and entry rows.
type TransactionStore interface {
	InsertTransactions(ctx context.Context, txs ...*models.LedgerTransaction) error
	InsertEntries(ctx context.Context, entries ...*models.LedgerEntry) error
}

// OutboxStore persists domain events alongside the mutation that caused them.
type OutboxStore interface {
	AppendEvent(ctx context.Context, ev *models.DomainEvent) error
	// LockPendingEvents returns up to limit unpublished events, oldest
	// first, skipping rows claimed by other transactions.
	LockPendingEvents(ctx context.Context, limit int) ([]*models.DomainEvent, error)
	MarkEventPublished(ctx context.Context, id uuid.UUID, at time.Time) error
}

// Tx is a unit of work. Locks are held until the enclosing InTx returns.
type Tx interface {
	AccountStore
	TransactionStore
	OutboxStore
}

// IdempotencyStore keeps the first response produced for each key.
type IdempotencyStore interface {
	GetIdempotencyKey(ctx context.Context, key string) (*models.IdempotencyKey, error)
	// SaveIdempotencyKey is a no-op when the key already exists.
	SaveIdempotencyKey(ctx context.Context, rec *models.IdempotencyKey) error
}

// ReadStore serves history projections outside of any write transaction.
type ReadStore interface {
	GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error)
	ListAccountTransactions(ctx context.Context, accountID uuid.UUID, q KeysetQuery) ([]models.TransactionItem, error)
	ListLedgerEntries(ctx context.Context, accountID *uuid.UUID, q KeysetQuery) ([]models.LedgerEntry, error)
}

type Store interface {
	IdempotencyStore
	ReadStore
	// InTx runs fn in a transaction, committing when fn returns nil and
	// rolling back otherwise.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Ping(ctx context.Context) error
}

// CanonicalOrder returns the distinct ids sorted by id bytes.
func CanonicalOrder(ids ...uuid.UUID) []uuid.UUID {
	out := slices.Clone(ids)
	slices.SortFunc(out, func(a, b uuid.UUID) int {
		return bytes.Compare(a[:], b[:])
	})
	return slices.Compact(out)
}
