package services

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/ledgertx/backend/internal/models"
	"github.com/ledgertx/backend/internal/store"
)

// Page size bounds of the two history views.
const (
	DefaultTransactionsLimit = 20
	MaxTransactionsLimit     = 100
	DefaultLedgerLimit       = 50
	MaxLedgerLimit           = 200
)

// PageQuery is a raw client paging request.
type PageQuery struct {
	Limit     int
	Cursor    string
	Direction models.Direction
}

// ReadService serves keyset-paginated history projections.
type ReadService struct {
	store store.ReadStore
}

func NewReadService(st store.ReadStore) *ReadService {
	return &ReadService{store: st}
}

func (s *ReadService) AccountTransactions(ctx context.Context, accountID uuid.UUID, q PageQuery) (*models.Page[models.TransactionItem], error) {
	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}

	limit := clampLimit(q.Limit, DefaultTransactionsLimit, MaxTransactionsLimit)
	rows, err := s.store.ListAccountTransactions(ctx, accountID, keysetQuery(q, limit))
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return paginate(rows, limit, q.Direction, models.TransactionItem.Keyset), nil
}

func (s *ReadService) Ledger(ctx context.Context, accountID *uuid.UUID, q PageQuery) (*models.Page[models.LedgerEntry], error) {
	limit := clampLimit(q.Limit, DefaultLedgerLimit, MaxLedgerLimit)
	rows, err := s.store.ListLedgerEntries(ctx, accountID, keysetQuery(q, limit))
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	return paginate(rows, limit, q.Direction, models.LedgerEntry.Keyset), nil
}

// clampLimit maps a non-positive limit to def and caps it at max.
func clampLimit(limit, def, maxLimit int) int {
	if limit <= 0 {
		return def
	}
	return min(limit, maxLimit)
}

// keysetQuery asks the store for one row more than the page holds.
func keysetQuery(q PageQuery, limit int) store.KeysetQuery {
	kq := store.KeysetQuery{Limit: limit + 1, Direction: q.Direction}
	if kq.Direction != models.DirectionPrev {
		kq.Direction = models.DirectionNext
	}
	if k, ok := DecodeCursor(q.Cursor); ok {
		kq.After = &k
	}
	return kq
}

// paginate trims the limit+1 fetch, restores newest-first order for prev
// pages and derives both cursors.
func paginate[T any](rows []T, limit int, dir models.Direction, key func(T) models.Keyset) *models.Page[T] {
	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}
	if dir == models.DirectionPrev {
		slices.Reverse(rows)
	}

	page := &models.Page[T]{Items: rows}
	if page.Items == nil {
		page.Items = []T{}
	}
	if len(rows) == 0 {
		return page
	}

	prev := EncodeCursor(key(rows[0]))
	next := EncodeCursor(key(rows[len(rows)-1]))
	page.PrevCursor, page.NextCursor = &prev, &next
	if !hasMore {
		if dir == models.DirectionPrev {
			page.PrevCursor = nil
		} else {
			page.NextCursor = nil
		}
	}
	return page
}
