package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventDepositPerformed    EventType = "DepositPerformed"
	EventWithdrawalPerformed EventType = "WithdrawalPerformed"
	EventTransferPerformed   EventType = "TransferPerformed"
)

// EventPayload is implemented by every outbox event body.
type EventPayload interface {
	EventType() EventType
}

type DepositPerformed struct {
	AccountID     uuid.UUID       `json:"accountId"`
	TransactionID uuid.UUID       `json:"transactionId"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Balance       decimal.Decimal `json:"balance"`
	Description   *string         `json:"description,omitempty"`
}

func (DepositPerformed) EventType() EventType { return EventDepositPerformed }

type WithdrawalPerformed struct {
	AccountID     uuid.UUID       `json:"accountId"`
	TransactionID uuid.UUID       `json:"transactionId"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Balance       decimal.Decimal `json:"balance"`
	Description   *string         `json:"description,omitempty"`
}

func (WithdrawalPerformed) EventType() EventType { return EventWithdrawalPerformed }

// TransferLeg describes one account's side of a transfer.
type TransferLeg struct {
	AccountID     uuid.UUID       `json:"accountId"`
	TransactionID uuid.UUID       `json:"transactionId"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
}

type TransferPerformed struct {
	Source         TransferLeg      `json:"source"`
	Target         TransferLeg      `json:"target"`
	FxPair         *string          `json:"fxPair,omitempty"`
	FxRate         *decimal.Decimal `json:"fxRate,omitempty"`
	BaseCurrency   string           `json:"baseCurrency"`
	RoundingAmount decimal.Decimal  `json:"roundingAmount"`
	Description    *string          `json:"description,omitempty"`
}

func (TransferPerformed) EventType() EventType { return EventTransferPerformed }

// DomainEvent is an outbox row. Payload holds the JSON encoding of an
// EventPayload whose EventType matches Type.
type DomainEvent struct {
	ID          uuid.UUID       `json:"id" db:"id"`
	Type        EventType       `json:"type" db:"type"`
	Payload     json.RawMessage `json:"payload" db:"payload"`
	CreatedAt   time.Time       `json:"createdAt" db:"created_at"`
	Published   bool            `json:"published" db:"published"`
	PublishedAt *time.Time      `json:"publishedAt,omitempty" db:"published_at"`
}

// NewDomainEvent serializes payload into a fresh unpublished event.
func NewDomainEvent(payload EventPayload, at time.Time) (*DomainEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", payload.EventType(), err)
	}
	return &DomainEvent{
		ID:        uuid.New(),
		Type:      payload.EventType(),
		Payload:   raw,
		CreatedAt: at,
	}, nil
}

// DecodePayload parses Payload into the concrete type named by Type.
func (e *DomainEvent) DecodePayload() (EventPayload, error) {
	var payload EventPayload
	switch e.Type {
	case EventDepositPerformed:
		payload = &DepositPerformed{}
	case EventWithdrawalPerformed:
		payload = &WithdrawalPerformed{}
	case EventTransferPerformed:
		payload = &TransferPerformed{}
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
	if err := json.Unmarshal(e.Payload, payload); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return payload, nil
}
