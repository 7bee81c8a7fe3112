// Package postgres implements store.Store on PostgreSQL through lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ledgertx/backend/internal/models"
	"github.com/ledgertx/backend/internal/store"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// lib/pq SQLSTATE codes for lock acquisition failures.
const (
	codeLockNotAvailable = "55P03"
	codeDeadlockDetected = "40P01"
	codeUniqueViolation  = "23505"
)

type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			sqlTx.Rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, &tx{tx: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", mapLockError(err))
	}
	return nil
}

const selectAccount = `SELECT id, holder, currency, available_balance, version, created_at FROM accounts WHERE id = $1`

func (s *Store) GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx, selectAccount, id))
}

func (s *Store) GetIdempotencyKey(ctx context.Context, key string) (*models.IdempotencyKey, error) {
	var rec models.IdempotencyKey
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT key, request_hash, response_code, response_body, created_at FROM idempotency_keys WHERE key = $1`,
		key,
	).Scan(&rec.Key, &rec.RequestHash, &rec.ResponseCode, &body, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency key: %w", err)
	}
	rec.ResponseBody = []byte(body)
	return &rec, nil
}

func (s *Store) SaveIdempotencyKey(ctx context.Context, rec *models.IdempotencyKey) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (key, request_hash, response_code, response_body, created_at)
		 VALUES ($1, $2, $3, $4, $5) ON CONFLICT (key) DO NOTHING`,
		rec.Key, rec.RequestHash, rec.ResponseCode, string(rec.ResponseBody), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save idempotency key: %w", err)
	}
	return nil
}

func (s *Store) ListAccountTransactions(ctx context.Context, accountID uuid.UUID, q store.KeysetQuery) ([]models.TransactionItem, error) {
	query := `SELECT t.id, t.type, t.description, t.date, e.debit - e.credit, e.currency, t.fx_pair, t.fx_rate
		FROM transactions t
		JOIN ledger_entries e ON e.transaction_id = t.id AND e.account_id = t.account_id
		WHERE t.account_id = $1`
	args := []any{accountID}
	query, args = appendKeyset(query, args, "t.date", "t.id", q)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var items []models.TransactionItem
	for rows.Next() {
		var item models.TransactionItem
		var description, fxPair sql.NullString
		var fxRate decimal.NullDecimal
		if err := rows.Scan(&item.ID, &item.Type, &description, &item.Date, &item.Amount, &item.Currency, &fxPair, &fxRate); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		item.Date = item.Date.UTC()
		item.Description = nullString(description)
		item.FxPair = nullString(fxPair)
		item.FxRate = nullDecimal(fxRate)
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) ListLedgerEntries(ctx context.Context, accountID *uuid.UUID, q store.KeysetQuery) ([]models.LedgerEntry, error) {
	query := `SELECT id, transaction_id, account_id, debit, credit, currency, created_at,
		base_currency, base_debit, base_credit, fx_rate
		FROM ledger_entries WHERE ($1::uuid IS NULL OR account_id = $1)`
	var filter any
	if accountID != nil {
		filter = *accountID
	}
	args := []any{filter}
	query, args = appendKeyset(query, args, "created_at", "id", q)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		var baseCurrency sql.NullString
		var baseDebit, baseCredit, fxRate decimal.NullDecimal
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.AccountID, &e.Debit, &e.Credit, &e.Currency, &e.CreatedAt,
			&baseCurrency, &baseDebit, &baseCredit, &fxRate); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.CreatedAt = e.CreatedAt.UTC()
		e.BaseCurrency = nullString(baseCurrency)
		e.BaseDebit = nullDecimal(baseDebit)
		e.BaseCredit = nullDecimal(baseCredit)
		e.FxRate = nullDecimal(fxRate)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// appendKeyset adds the row-value comparison, ordering and limit of q.
func appendKeyset(query string, args []any, tsCol, idCol string, q store.KeysetQuery) (string, []any) {
	op, order := "<", "DESC"
	if q.Direction == models.DirectionPrev {
		op, order = ">", "ASC"
	}
	if q.After != nil {
		args = append(args, q.After.Timestamp, q.After.ID)
		query += fmt.Sprintf(" AND (%s, %s) %s ($%d, $%d)", tsCol, idCol, op, len(args)-1, len(args))
	}
	args = append(args, q.Limit)
	query += fmt.Sprintf(" ORDER BY %s %s, %s %s LIMIT $%d", tsCol, order, idCol, order, len(args))
	return query, args
}

type tx struct {
	tx *sql.Tx
}

func (t *tx) CreateAccount(ctx context.Context, acc *models.Account) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO accounts (id, holder, currency, available_balance, version, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		acc.ID, acc.Holder, acc.Currency, acc.Balance, acc.Version, acc.CreatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == codeUniqueViolation {
		return fmt.Errorf("account %s: %w", acc.ID, store.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

func (t *tx) LockAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	acc, err := scanAccount(t.tx.QueryRowContext(ctx, selectAccount+" FOR UPDATE", id))
	if err != nil {
		return nil, mapLockError(err)
	}
	return acc, nil
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
	result, err := t.tx.ExecContext(ctx,
		`UPDATE accounts SET available_balance = $1, version = version + 1 WHERE id = $2 AND version = $3`,
		acc.Balance, acc.ID, acc.Version,
	)
	if err != nil {
		return fmt.Errorf("update account %s: %w", acc.ID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("account %s: %w", acc.ID, store.ErrVersionConflict)
	}
	acc.Version++
	return nil
}

func (t *tx) InsertTransactions(ctx context.Context, txs ...*models.LedgerTransaction) error {
	for _, tr := range txs {
		_, err := t.tx.ExecContext(ctx,
			`INSERT INTO transactions (id, account_id, type, amount, description, date, fx_pair, fx_rate)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			tr.ID, tr.AccountID, string(tr.Type), tr.Amount, tr.Description, tr.Date, tr.FxPair, tr.FxRate,
		)
		if err != nil {
			return fmt.Errorf("insert transaction %s: %w", tr.ID, err)
		}
	}
	return nil
}

func (t *tx) InsertEntries(ctx context.Context, entries ...*models.LedgerEntry) error {
	for _, e := range entries {
		_, err := t.tx.ExecContext(ctx,
			`INSERT INTO ledger_entries (id, transaction_id, account_id, debit, credit, currency, created_at,
			 base_currency, base_debit, base_credit, fx_rate)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			e.ID, e.TransactionID, e.AccountID, e.Debit, e.Credit, e.Currency, e.CreatedAt,
			e.BaseCurrency, e.BaseDebit, e.BaseCredit, e.FxRate,
		)
		if err != nil {
			return fmt.Errorf("insert ledger entry %s: %w", e.ID, err)
		}
	}
	return nil
}

func (t *tx) AppendEvent(ctx context.Context, ev *models.DomainEvent) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO domain_outbox (id, type, payload, created_at, published) VALUES ($1, $2, $3, $4, FALSE)`,
		ev.ID, string(ev.Type), []byte(ev.Payload), ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append event %s: %w", ev.ID, err)
	}
	return nil
}

func (t *tx) LockPendingEvents(ctx context.Context, limit int) ([]*models.DomainEvent, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT id, type, payload, created_at FROM domain_outbox
		 WHERE NOT published ORDER BY created_at LIMIT $1 FOR UPDATE SKIP LOCKED`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("lock pending events: %w", err)
	}
	defer rows.Close()

	var events []*models.DomainEvent
	for rows.Next() {
		var ev models.DomainEvent
		var eventType string
		var payload []byte
		if err := rows.Scan(&ev.ID, &eventType, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Type = models.EventType(eventType)
		ev.Payload = payload
		ev.CreatedAt = ev.CreatedAt.UTC()
		events = append(events, &ev)
	}
	return events, rows.Err()
}

func (t *tx) MarkEventPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE domain_outbox SET published = TRUE, published_at = $1 WHERE id = $2`,
		at, id,
	)
	if err != nil {
		return fmt.Errorf("mark event %s published: %w", id, err)
	}
	return nil
}

func scanAccount(row *sql.Row) (*models.Account, error) {
	var acc models.Account
	err := row.Scan(&acc.ID, &acc.Holder, &acc.Currency, &acc.Balance, &acc.Version, &acc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}
	acc.CreatedAt = acc.CreatedAt.UTC()
	return &acc, nil
}

// mapLockError tags lock timeouts and deadlock aborts with store.ErrLockTimeout.
func mapLockError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case codeLockNotAvailable, codeDeadlockDetected:
			return fmt.Errorf("%w: %w", store.ErrLockTimeout, err)
		}
	}
	return err
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}

func nullDecimal(v decimal.NullDecimal) *decimal.Decimal {
	if !v.Valid {
		return nil
	}
	return &v.Decimal
}
