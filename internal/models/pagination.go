package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Direction string

const (
	DirectionNext Direction = "next"
	DirectionPrev Direction = "prev"
)

// ParseDirection maps anything other than "prev" to DirectionNext.
func ParseDirection(s string) Direction {
	if strings.EqualFold(strings.TrimSpace(s), string(DirectionPrev)) {
		return DirectionPrev
	}
	return DirectionNext
}

// Page is one window of a keyset-paginated listing, newest first.
type Page[T any] struct {
	Items      []T     `json:"items"`
	NextCursor *string `json:"nextCursor"`
	PrevCursor *string `json:"prevCursor"`
}

// TransactionItem is a row of an account's transaction history. Amount is
// the account entry's debit minus its credit.
type TransactionItem struct {
	ID          uuid.UUID        `json:"id" swaggertype:"string" format:"uuid"`
	Type        TransactionType  `json:"type"`
	Description *string          `json:"description,omitempty"`
	Date        time.Time        `json:"date"`
	Amount      decimal.Decimal  `json:"amount" swaggertype:"string"`
	Currency    string           `json:"currency"`
	FxPair      *string          `json:"fxPair,omitempty"`
	FxRate      *decimal.Decimal `json:"fxRate,omitempty" swaggertype:"string"`
}

func (i TransactionItem) Keyset() Keyset { return Keyset{Timestamp: i.Date, ID: i.ID} }
