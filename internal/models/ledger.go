package models

import (
	"bytes"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Account is a single-currency balance holder.
type Account struct {
	ID        uuid.UUID       `json:"id" db:"id" swaggertype:"string" format:"uuid"`
	Holder    string          `json:"holder" db:"holder"`
	Currency  string          `json:"currency" db:"currency"`
	Balance   decimal.Decimal `json:"availableBalance" db:"available_balance" swaggertype:"string" example:"1000.00"`
	Version   int             `json:"version" db:"version"` // for optimistic locking
	CreatedAt time.Time       `json:"createdAt" db:"created_at"`
}

// LedgerEntry is one side of a double-entry posting. A debit raises the
// account balance and a credit lowers it.
type LedgerEntry struct {
	ID            uuid.UUID        `json:"id" db:"id" swaggertype:"string" format:"uuid"`
	TransactionID uuid.UUID        `json:"transactionId" db:"transaction_id" swaggertype:"string" format:"uuid"`
	AccountID     uuid.UUID        `json:"accountId" db:"account_id" swaggertype:"string" format:"uuid"`
	Debit         decimal.Decimal  `json:"debit" db:"debit" swaggertype:"string"`
	Credit        decimal.Decimal  `json:"credit" db:"credit" swaggertype:"string"`
	Currency      string           `json:"currency" db:"currency"`
	CreatedAt     time.Time        `json:"createdAt" db:"created_at"`
	BaseCurrency  *string          `json:"baseCurrency,omitempty" db:"base_currency"`
	BaseDebit     *decimal.Decimal `json:"baseDebit,omitempty" db:"base_debit" swaggertype:"string"`
	BaseCredit    *decimal.Decimal `json:"baseCredit,omitempty" db:"base_credit" swaggertype:"string"`
	FxRate        *decimal.Decimal `json:"fxRate,omitempty" db:"fx_rate" swaggertype:"string"`
}

func (e LedgerEntry) Keyset() Keyset { return Keyset{Timestamp: e.CreatedAt, ID: e.ID} }

// Keyset is the (timestamp, id) position used by cursor pagination.
type Keyset struct {
	Timestamp time.Time
	ID        uuid.UUID
}

// CompareKeyset orders keysets by timestamp, then by id bytes.
func CompareKeyset(a, b Keyset) int {
	switch {
	case a.Timestamp.Before(b.Timestamp):
		return -1
	case a.Timestamp.After(b.Timestamp):
		return 1
	}
	return bytes.Compare(a.ID[:], b.ID[:])
}

// Now returns the current UTC time at the precision Postgres stores.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
