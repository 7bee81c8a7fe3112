package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/ledgertx/backend/internal/models"
	"github.com/ledgertx/backend/internal/services"
	"github.com/shopspring/decimal"
)

type AccountHandler struct {
	ledger    *services.DoubleLedgerService
	validator *services.ValidationHelper
}

func NewAccountHandler(ledger *services.DoubleLedgerService) *AccountHandler {
	return &AccountHandler{
		ledger:    ledger,
		validator: services.NewValidationHelper(),
	}
}

// CreateAccount opens a new account
// @Summary Create account
// @Description Open an account in a currency with an optional opening balance
// @Tags Accounts
// @Accept json
// @Produce json
// @Param request body models.CreateAccountRequest true "Account creation request"
// @Success 201 {object} models.Account
// @Failure 400 {object} services.ErrorResponse
// @Router /accounts [post]
func (h *AccountHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req models.CreateAccountRequest
	if !decodeBody(w, r, h.validator, &req) {
		return
	}

	acc, err := h.ledger.CreateAccount(r.Context(), req)
	if err != nil {
		services.SendError(w, err)
		return
	}
	services.SendJSON(w, http.StatusCreated, acc)
}

// GetAccount returns one account
// @Summary Get account
// @Tags Accounts
// @Produce json
// @Param id path string true "Account ID"
// @Success 200 {object} models.Account
// @Failure 400 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Router /accounts/{id} [get]
func (h *AccountHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := accountIDParam(w, r)
	if !ok {
		return
	}

	acc, err := h.ledger.GetAccount(r.Context(), id)
	if err != nil {
		services.SendError(w, err)
		return
	}
	services.SendJSON(w, http.StatusOK, acc)
}

// Deposit credits money into an account
// @Summary Deposit
// @Tags Accounts
// @Accept json
// @Produce json
// @Param id path string true "Account ID"
// @Param Idempotency-Key header string true "Client supplied idempotency key"
// @Param request body models.MoneyRequest true "Deposit request"
// @Success 200 {object} models.TransactionIDResponse
// @Failure 400 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /accounts/{id}/deposits [post]
func (h *AccountHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.move(w, r, h.ledger.Deposit)
}

// Withdraw takes money out of an account
// @Summary Withdraw
// @Tags Accounts
// @Accept json
// @Produce json
// @Param id path string true "Account ID"
// @Param Idempotency-Key header string true "Client supplied idempotency key"
// @Param request body models.MoneyRequest true "Withdrawal request"
// @Success 200 {object} models.TransactionIDResponse
// @Failure 400 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Failure 422 {object} services.ErrorResponse
// @Router /accounts/{id}/withdrawals [post]
func (h *AccountHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.move(w, r, h.ledger.Withdraw)
}

func (h *AccountHandler) move(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id uuid.UUID, amount decimal.Decimal, description *string) (uuid.UUID, error)) {
	id, ok := accountIDParam(w, r)
	if !ok {
		return
	}
	var req models.MoneyRequest
	if !decodeBody(w, r, h.validator, &req) {
		return
	}

	txID, err := op(r.Context(), id, req.Amount, req.Description)
	if err != nil {
		services.SendError(w, err)
		return
	}
	services.SendJSON(w, http.StatusOK, models.TransactionIDResponse{TransactionID: txID})
}

// Transfer moves money between two accounts, converting when currencies differ
// @Summary Transfer
// @Tags Transfers
// @Accept json
// @Produce json
// @Param Idempotency-Key header string true "Client supplied idempotency key"
// @Param request body models.TransferRequest true "Transfer request"
// @Success 200 {object} models.TransactionIDResponse
// @Failure 400 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Failure 422 {object} services.ErrorResponse
// @Router /transfers [post]
func (h *AccountHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req models.TransferRequest
	if !decodeBody(w, r, h.validator, &req) {
		return
	}

	txID, err := h.ledger.Transfer(r.Context(), req)
	if err != nil {
		services.SendError(w, err)
		return
	}
	services.SendJSON(w, http.StatusOK, models.TransactionIDResponse{TransactionID: txID})
}
