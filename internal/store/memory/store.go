// Package memory is an in-process implementation of store.Store used by
// tests and by the server when no database is configured.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ledgertx/backend/internal/models"
	"github.com/ledgertx/backend/internal/store"
)

type Store struct {
	mu           sync.RWMutex
	accounts     map[uuid.UUID]models.Account
	transactions map[uuid.UUID]models.LedgerTransaction
	entries      []models.LedgerEntry
	events       []models.DomainEvent
	eventIndex   map[uuid.UUID]int
	idempotency  map[string]models.IdempotencyKey

	locks *LockRegistry

	claimMu sync.Mutex
	claimed map[uuid.UUID]struct{}
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		accounts:     make(map[uuid.UUID]models.Account),
		transactions: make(map[uuid.UUID]models.LedgerTransaction),
		eventIndex:   make(map[uuid.UUID]int),
		idempotency:  make(map[string]models.IdempotencyKey),
		locks:        NewLockRegistry(),
		claimed:      make(map[uuid.UUID]struct{}),
	}
}

// Seed inserts accounts directly, replacing any with the same id.
func (s *Store) Seed(accounts ...models.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, acc := range accounts {
		s.accounts[acc.ID] = acc
	}
}

// LockCount reports the number of live entries in the account lock registry.
func (s *Store) LockCount() int {
	return s.locks.Len()
}

// Events returns a snapshot of every committed outbox event, oldest first.
func (s *Store) Events() []models.DomainEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.events)
}

// Entries returns a snapshot of every committed ledger entry.
func (s *Store) Entries() []models.LedgerEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.entries)
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) (err error) {
	t := &tx{
		store:     s,
		held:      make(map[uuid.UUID]struct{}),
		accounts:  make(map[uuid.UUID]models.Account),
		published: make(map[uuid.UUID]time.Time),
	}
	defer func() {
		if p := recover(); p != nil {
			t.release()
			panic(p)
		}
	}()

	if err := fn(ctx, t); err != nil {
		t.release()
		return err
	}
	if err := ctx.Err(); err != nil {
		t.release()
		return err
	}
	return t.commit()
}

func (s *Store) GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &acc, nil
}

func (s *Store) GetIdempotencyKey(ctx context.Context, key string) (*models.IdempotencyKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.idempotency[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	rec.ResponseBody = slices.Clone(rec.ResponseBody)
	return &rec, nil
}

func (s *Store) SaveIdempotencyKey(ctx context.Context, rec *models.IdempotencyKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.idempotency[rec.Key]; ok {
		return nil
	}
	saved := *rec
	saved.ResponseBody = slices.Clone(rec.ResponseBody)
	s.idempotency[rec.Key] = saved
	return nil
}

func (s *Store) ListAccountTransactions(ctx context.Context, accountID uuid.UUID, q store.KeysetQuery) ([]models.TransactionItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var items []models.TransactionItem
	for _, e := range s.entries {
		if e.AccountID != accountID {
			continue
		}
		tr, ok := s.transactions[e.TransactionID]
		if !ok {
			continue
		}
		items = append(items, models.TransactionItem{
			ID:          tr.ID,
			Type:        tr.Type,
			Description: tr.Description,
			Date:        tr.Date,
			Amount:      e.Debit.Sub(e.Credit),
			Currency:    e.Currency,
			FxPair:      tr.FxPair,
			FxRate:      tr.FxRate,
		})
	}
	return window(items, q, models.TransactionItem.Keyset), nil
}

func (s *Store) ListLedgerEntries(ctx context.Context, accountID *uuid.UUID, q store.KeysetQuery) ([]models.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []models.LedgerEntry
	for _, e := range s.entries {
		if accountID != nil && e.AccountID != *accountID {
			continue
		}
		entries = append(entries, e)
	}
	return window(entries, q, models.LedgerEntry.Keyset), nil
}

// window applies the keyset filter, order and limit of q to rows.
func window[T any](rows []T, q store.KeysetQuery, key func(T) models.Keyset) []T {
	prev := q.Direction == models.DirectionPrev
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		if q.After != nil {
			c := models.CompareKeyset(key(row), *q.After)
			if (prev && c <= 0) || (!prev && c >= 0) {
				continue
			}
		}
		out = append(out, row)
	}
	slices.SortFunc(out, func(a, b T) int {
		c := models.CompareKeyset(key(a), key(b))
		if prev {
			return c
		}
		return -c
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// tx stages writes and applies them under the store mutex on commit.
type tx struct {
	store *Store

	held     map[uuid.UUID]struct{}
	accounts map[uuid.UUID]models.Account
	created  []models.Account
	txs      []models.LedgerTransaction
	entries  []models.LedgerEntry
	events   []models.DomainEvent

	claimed   []uuid.UUID
	published map[uuid.UUID]time.Time
}

func (t *tx) CreateAccount(ctx context.Context, acc *models.Account) error {
	t.store.mu.RLock()
	_, exists := t.store.accounts[acc.ID]
	t.store.mu.RUnlock()
	if exists || slices.ContainsFunc(t.created, func(c models.Account) bool { return c.ID == acc.ID }) {
		return fmt.Errorf("account %s: %w", acc.ID, store.ErrAlreadyExists)
	}
	t.created = append(t.created, *acc)
	return nil
}

func (t *tx) LockAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	if acc, ok := t.accounts[id]; ok {
		return &acc, nil
	}

	if err := t.store.locks.Acquire(ctx, id); err != nil {
		return nil, fmt.Errorf("lock account %s: %w: %w", id, store.ErrLockTimeout, err)
	}

	t.store.mu.RLock()
	acc, ok := t.store.accounts[id]
	t.store.mu.RUnlock()
	if !ok {
		t.store.locks.Release(id)
		return nil, store.ErrNotFound
	}

	t.held[id] = struct{}{}
	t.accounts[id] = acc
	return &acc, nil
}

func (t *tx) LockAccounts(ctx context.Context, ids ...uuid.UUID) ([]*models.Account, error) {
	ordered := store.CanonicalOrder(ids...)
	locked := make([]*models.Account, 0, len(ordered))
	for _, id := range ordered {
		acc, err := t.LockAccount(ctx, id)
		if err != nil {
			return nil, err
		}
		locked = append(locked, acc)
	}
	return locked, nil
}

func (t *tx) UpdateAccountBalance(ctx context.Context, acc *models.Account) error {
	staged, ok := t.accounts[acc.ID]
	if !ok {
		return fmt.Errorf("account %s is not locked by this transaction", acc.ID)
	}
	if staged.Version != acc.Version {
		return fmt.Errorf("account %s: %w", acc.ID, store.ErrVersionConflict)
	}
	acc.Version++
	t.accounts[acc.ID] = *acc
	return nil
}

func (t *tx) InsertTransactions(ctx context.Context, txs ...*models.LedgerTransaction) error {
	for _, tr := range txs {
		t.txs = append(t.txs, *tr)
	}
	return nil
}

func (t *tx) InsertEntries(ctx context.Context, entries ...*models.LedgerEntry) error {
	for _, e := range entries {
		t.entries = append(t.entries, *e)
	}
	return nil
}

func (t *tx) AppendEvent(ctx context.Context, ev *models.DomainEvent) error {
	t.events = append(t.events, *ev)
	return nil
}

func (t *tx) LockPendingEvents(ctx context.Context, limit int) ([]*models.DomainEvent, error) {
	s := t.store
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	var pending []models.DomainEvent
	for _, ev := range s.events {
		if ev.Published {
			continue
		}
		if _, taken := s.claimed[ev.ID]; taken {
			continue
		}
		pending = append(pending, ev)
	}
	slices.SortStableFunc(pending, func(a, b models.DomainEvent) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}

	out := make([]*models.DomainEvent, 0, len(pending))
	for i := range pending {
		s.claimed[pending[i].ID] = struct{}{}
		t.claimed = append(t.claimed, pending[i].ID)
		out = append(out, &pending[i])
	}
	return out, nil
}

func (t *tx) MarkEventPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	if !slices.Contains(t.claimed, id) {
		return fmt.Errorf("event %s is not claimed by this transaction", id)
	}
	t.published[id] = at
	return nil
}

// commit applies the staged writes. Account ids are checked again under
// the write lock since another transaction may have created one since.
func (t *tx) commit() error {
	s := t.store
	s.mu.Lock()
	for _, acc := range t.created {
		if _, ok := s.accounts[acc.ID]; ok {
			s.mu.Unlock()
			t.release()
			return fmt.Errorf("account %s: %w", acc.ID, store.ErrAlreadyExists)
		}
	}
	for _, acc := range t.created {
		s.accounts[acc.ID] = acc
	}
	for id, acc := range t.accounts {
		s.accounts[id] = acc
	}
	for _, tr := range t.txs {
		s.transactions[tr.ID] = tr
	}
	s.entries = append(s.entries, t.entries...)
	for _, ev := range t.events {
		s.eventIndex[ev.ID] = len(s.events)
		s.events = append(s.events, ev)
	}
	for id, at := range t.published {
		if i, ok := s.eventIndex[id]; ok {
			s.events[i].Published = true
			s.events[i].PublishedAt = &at
		}
	}
	s.mu.Unlock()
	t.release()
	return nil
}

func (t *tx) release() {
	if len(t.claimed) > 0 {
		t.store.claimMu.Lock()
		for _, id := range t.claimed {
			delete(t.store.claimed, id)
		}
		t.store.claimMu.Unlock()
		t.claimed = nil
	}
	for id := range t.held {
		t.store.locks.Release(id)
	}
	t.held = map[uuid.UUID]struct{}{}
}
