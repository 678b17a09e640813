// Package handlers provides HTTP handlers for OAuth token operations.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/foliotrack/foliotrack/internal/config"
	"github.com/foliotrack/foliotrack/internal/modules/oauthtokens"
)

const (
	defaultUserID      = 1
	defaultWarningDays = 2
)

// Handler handles token lifecycle HTTP requests
type Handler struct {
	service *oauthtokens.Service
	cfg     *config.Config
	log     zerolog.Logger
}

// NewHandler creates a new token handler
func NewHandler(service *oauthtokens.Service, cfg *config.Config, log zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		cfg:     cfg,
		log:     log.With().Str("handler", "oauth_tokens").Logger(),
	}
}

// HandleGetStatus handles GET /api/tokens/status
func (h *Handler) HandleGetStatus(w http.ResponseWriter, r *http.Request) {
	warningDays := defaultWarningDays
	if days := r.URL.Query().Get("days"); days != "" {
		if parsed, err := strconv.Atoi(days); err == nil && parsed > 0 {
			warningDays = parsed
		}
	}

	statuses, err := h.service.TokenStatuses(warningDays)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to get token statuses")
		h.writeError(w, http.StatusInternalServerError, "failed to get token statuses")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"tokens": statuses})
}

type authorizeRequest struct {
	UserID          int64  `json:"user_id"`
	LinkedAccountID int64  `json:"linked_account_id"`
	Code            string `json:"code"`
	RedirectURI     string `json:"redirect_uri"`
}

// HandleAuthorize handles POST /api/tokens/authorize - completes the OAuth
// flow by exchanging the authorization code pasted from the callback URL.
func (h *Handler) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Code == "" || req.LinkedAccountID == 0 {
		h.writeError(w, http.StatusBadRequest, "code and linked_account_id are required")
		return
	}
	if req.UserID == 0 {
		req.UserID = defaultUserID
	}

	if h.cfg.SchwabAppKey == "" || h.cfg.SchwabAppSecret == "" {
		h.writeError(w, http.StatusBadRequest, "application credentials not configured")
		return
	}

	err := h.service.CompleteAuthorization(
		r.Context(), req.UserID, req.LinkedAccountID,
		h.cfg.SchwabAppKey, h.cfg.SchwabAppSecret, req.Code, req.RedirectURI,
	)
	if err != nil {
		h.log.Error().Err(err).Msg("Authorization failed")
		h.writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"authorized": true})
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]interface{}{"error": message})
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
