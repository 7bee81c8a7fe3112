package services

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// AuditLogger writes one structured line per ledger operation outcome.
type AuditLogger struct {
	logger zerolog.Logger
}

func NewAuditLogger(logger zerolog.Logger) *AuditLogger {
	return &AuditLogger{logger: logger.With().Str("component", "audit").Logger()}
}

func (a *AuditLogger) LogTransfer(transactionID, fromAccount, toAccount uuid.UUID, amount decimal.Decimal, currency string, rounding decimal.Decimal) {
	a.logger.Info().
		Str("event_type", "TRANSFER").
		Stringer("transaction_id", transactionID).
		Stringer("from_account", fromAccount).
		Stringer("to_account", toAccount).
		Str("amount", amount.StringFixed(2)).
		Str("currency", currency).
		Str("rounding", rounding.StringFixed(2)).
		Str("status", "SUCCESS").
		Msg("AUDIT")
}

func (a *AuditLogger) LogOperation(transactionID, accountID uuid.UUID, operation string, amount decimal.Decimal) {
	a.logger.Info().
		Str("event_type", operation).
		Stringer("transaction_id", transactionID).
		Stringer("account_id", accountID).
		Str("amount", amount.StringFixed(2)).
		Str("status", "SUCCESS").
		Msg("AUDIT")
}

func (a *AuditLogger) LogError(operation string, accountID uuid.UUID, err error) {
	a.logger.Warn().
		Str("event_type", operation).
		Stringer("account_id", accountID).
		Str("code", string(CodeOf(err))).
		Err(err).
		Str("status", "FAILED").
		Msg("AUDIT")
}
