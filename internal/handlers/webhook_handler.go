package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/ledgertx/backend/internal/services"
	"github.com/rs/zerolog"
)

// WebhookHandler is a loopback receiver for outbox deliveries.
type WebhookHandler struct {
	logger zerolog.Logger
}

func NewWebhookHandler(logger zerolog.Logger) *WebhookHandler {
	return &WebhookHandler{logger: logger.With().Str("component", "webhook_test").Logger()}
}

// Receive logs a delivered event envelope
// @Summary Test webhook receiver
// @Tags Webhooks
// @Accept json
// @Produce json
// @Param request body object true "Event envelope"
// @Success 200 {object} object{status=string}
// @Failure 400 {object} services.ErrorResponse
// @Router /webhooks/test [post]
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil || !json.Valid(body) {
		services.SendErrorResponse(w, services.CodeValidation, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	h.logger.Info().
		Str("idempotency_key", r.Header.Get("Idempotency-Key")).
		RawJSON("envelope", body).
		Msg("webhook received")
	services.SendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
