package handlers

import (
	"net/http"

	"github.com/ledgertx/backend/internal/models"
	"github.com/ledgertx/backend/internal/services"
)

type AuthHandler struct {
	auth      *services.AuthService
	validator *services.ValidationHelper
}

func NewAuthHandler(auth *services.AuthService) *AuthHandler {
	return &AuthHandler{
		auth:      auth,
		validator: services.NewValidationHelper(),
	}
}

// Token exchanges demo credentials for a bearer token
// @Summary Issue token
// @Tags Auth
// @Accept json
// @Produce json
// @Param request body models.TokenRequest true "Credentials"
// @Success 200 {object} models.TokenResponse
// @Failure 400 {object} services.ErrorResponse
// @Failure 401 {object} services.ErrorResponse
// @Router /auth/token [post]
func (h *AuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	var req models.TokenRequest
	if !decodeBody(w, r, h.validator, &req) {
		return
	}

	resp, err := h.auth.IssueToken(r.Context(), req)
	if err != nil {
		services.SendError(w, err)
		return
	}
	services.SendJSON(w, http.StatusOK, resp)
}
