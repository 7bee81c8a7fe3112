package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TransactionDeposit    TransactionType = "DEPOSIT"
	TransactionWithdrawal TransactionType = "WITHDRAWAL"
	TransactionTransfer   TransactionType = "TRANSFER"
	TransactionTransferFX TransactionType = "TRANSFER_FX"
)

// LedgerTransaction is the per-account record of a business operation.
// Amount is signed: positive when the balance grew, negative when it shrank.
type LedgerTransaction struct {
	ID          uuid.UUID        `json:"id" db:"id"`
	AccountID   uuid.UUID        `json:"accountId" db:"account_id"`
	Type        TransactionType  `json:"type" db:"type"`
	Amount      decimal.Decimal  `json:"amount" db:"amount"`
	Description *string          `json:"description,omitempty" db:"description"`
	Date        time.Time        `json:"date" db:"date"`
	FxPair      *string          `json:"fxPair,omitempty" db:"fx_pair"`
	FxRate      *decimal.Decimal `json:"fxRate,omitempty" db:"fx_rate"`
}

// CreateAccountRequest represents the account creation payload
type CreateAccountRequest struct {
	Holder         string           `json:"holder" validate:"required,max=200" example:"Holder A"`
	Currency       string           `json:"currency" validate:"required,len=3,alpha" example:"DOP"`
	InitialBalance *decimal.Decimal `json:"initialBalance,omitempty" swaggertype:"string" example:"1000.00"`
}

// MoneyRequest is the body of deposits and withdrawals
type MoneyRequest struct {
	Amount      decimal.Decimal `json:"amount" swaggertype:"string" example:"100.00"`
	Description *string         `json:"description" validate:"omitempty,max=500"`
}

// TransferRequest represents a transfer between two accounts
type TransferRequest struct {
	SourceAccountID uuid.UUID       `json:"sourceAccountId" validate:"required" swaggertype:"string"`
	TargetAccountID uuid.UUID       `json:"targetAccountId" validate:"required" swaggertype:"string"`
	Amount          decimal.Decimal `json:"amount" swaggertype:"string" example:"10.00"`
	Currency        string          `json:"currency" validate:"required,len=3,alpha" example:"USD"`
	Description     *string         `json:"description" validate:"omitempty,max=500"`
}

// TransactionIDResponse is returned by every balance-moving endpoint
type TransactionIDResponse struct {
	TransactionID uuid.UUID `json:"transactionId" swaggertype:"string"`
}
