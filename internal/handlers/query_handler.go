package handlers

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/ledgertx/backend/internal/models"
	"github.com/ledgertx/backend/internal/services"
)

type QueryHandler struct {
	reads *services.ReadService
}

func NewQueryHandler(reads *services.ReadService) *QueryHandler {
	return &QueryHandler{reads: reads}
}

// AccountTransactions pages through one account's history, newest first
// @Summary Account transactions
// @Tags History
// @Produce json
// @Security BearerAuth
// @Param id path string true "Account ID"
// @Param limit query int false "Page size (default 20, max 100)"
// @Param cursor query string false "Opaque cursor from a previous page"
// @Param direction query string false "next or prev"
// @Success 200 {object} models.Page[models.TransactionItem]
// @Failure 400 {object} services.ErrorResponse
// @Failure 401 {object} services.ErrorResponse
// @Failure 403 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Router /accounts/{id}/transactions [get]
func (h *QueryHandler) AccountTransactions(w http.ResponseWriter, r *http.Request) {
	id, ok := accountIDParam(w, r)
	if !ok {
		return
	}
	q, ok := pageQuery(w, r)
	if !ok {
		return
	}

	page, err := h.reads.AccountTransactions(r.Context(), id, q)
	if err != nil {
		services.SendError(w, err)
		return
	}
	services.SendJSON(w, http.StatusOK, page)
}

// Ledger pages through ledger entries, optionally for one account
// @Summary Ledger entries
// @Tags History
// @Produce json
// @Param accountId query string false "Restrict to one account"
// @Param limit query int false "Page size (default 50, max 200)"
// @Param cursor query string false "Opaque cursor from a previous page"
// @Param direction query string false "next or prev"
// @Success 200 {object} models.Page[models.LedgerEntry]
// @Failure 400 {object} services.ErrorResponse
// @Router /ledger [get]
func (h *QueryHandler) Ledger(w http.ResponseWriter, r *http.Request) {
	var accountID *uuid.UUID
	if raw := r.URL.Query().Get("accountId"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			services.SendErrorResponse(w, services.CodeValidation, "Invalid accountId", http.StatusBadRequest, nil)
			return
		}
		accountID = &id
	}
	q, ok := pageQuery(w, r)
	if !ok {
		return
	}

	page, err := h.reads.Ledger(r.Context(), accountID, q)
	if err != nil {
		services.SendError(w, err)
		return
	}
	services.SendJSON(w, http.StatusOK, page)
}

func pageQuery(w http.ResponseWriter, r *http.Request) (services.PageQuery, bool) {
	query := r.URL.Query()
	q := services.PageQuery{
		Cursor:    query.Get("cursor"),
		Direction: models.ParseDirection(query.Get("direction")),
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			services.SendErrorResponse(w, services.CodeValidation, "limit must be an integer", http.StatusBadRequest, nil)
			return q, false
		}
		q.Limit = limit
	}
	return q, true
}
