package services

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorCode string

const (
	CodeValidation               ErrorCode = "VALIDATION_ERROR"
	CodeAccountNotFound          ErrorCode = "ACCOUNT_NOT_FOUND"
	CodeInsufficientFunds        ErrorCode = "INSUFFICIENT_FUNDS"
	CodeSameAccount              ErrorCode = "SAME_ACCOUNT"
	CodeSourceCurrencyMismatch   ErrorCode = "SOURCE_CURRENCY_MISMATCH"
	CodeFxRateUnavailable        ErrorCode = "FX_RATE_UNAVAILABLE"
	CodeRoundingAccountMissing   ErrorCode = "ROUNDING_ACCOUNT_MISSING"
	CodeIdempotencyKeyReused     ErrorCode = "IDEMPOTENCY_KEY_REUSED_DIFFERENT_REQUEST"
	CodeIdempotencyKeyInProgress ErrorCode = "IDEMPOTENCY_KEY_IN_PROGRESS"
	CodeUnauthorized             ErrorCode = "UNAUTHORIZED"
	CodeForbidden                ErrorCode = "FORBIDDEN"
	CodeInternal                 ErrorCode = "INTERNAL_ERROR"
)

// HTTPStatus maps a code to the status the API answers with.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeAccountNotFound:
		return http.StatusNotFound
	case CodeInsufficientFunds, CodeSameAccount, CodeSourceCurrencyMismatch, CodeFxRateUnavailable:
		return http.StatusUnprocessableEntity
	case CodeIdempotencyKeyReused, CodeIdempotencyKeyInProgress:
		return http.StatusConflict
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// Error is a ledger failure with a stable, client-facing code.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrAccountNotFound        = &Error{Code: CodeAccountNotFound, Message: "Account not found."}
	ErrInsufficientFunds      = &Error{Code: CodeInsufficientFunds, Message: "Insufficient funds."}
	ErrSameAccount            = &Error{Code: CodeSameAccount, Message: "Source and target accounts must differ."}
	ErrSourceCurrencyMismatch = &Error{Code: CodeSourceCurrencyMismatch, Message: "Transfer currency must match the source account currency."}
	ErrFxRateUnavailable      = &Error{Code: CodeFxRateUnavailable, Message: "FX rate not available."}
	ErrRoundingAccountMissing = &Error{Code: CodeRoundingAccountMissing, Message: "FX rounding account is not configured."}
	ErrIdempotencyKeyReused   = &Error{Code: CodeIdempotencyKeyReused, Message: "The Idempotency-Key was already used with a different request body."}
	ErrIdempotencyInProgress  = &Error{Code: CodeIdempotencyKeyInProgress, Message: "A request with this Idempotency-Key is still being processed."}
	ErrInvalidCredentials     = &Error{Code: CodeUnauthorized, Message: "Invalid username or password."}
)

// NewValidationError builds a VALIDATION_ERROR with a specific message.
func NewValidationError(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the code of err, defaulting to INTERNAL_ERROR.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
