// Package handlers provides HTTP handlers for refresh operations.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/foliotrack/foliotrack/internal/modules/oauthtokens"
	"github.com/foliotrack/foliotrack/internal/modules/refresh"
)

// defaultUserID covers the single-user deployment; multi-user requests
// carry an explicit user_id.
const defaultUserID = 1

// Handler handles refresh HTTP requests
type Handler struct {
	service *refresh.Service
	log     zerolog.Logger
}

// NewHandler creates a new refresh handler
func NewHandler(service *refresh.Service, log zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		log:     log.With().Str("handler", "refresh").Logger(),
	}
}

type triggerRequest struct {
	UserID          int64 `json:"user_id"`
	LinkedAccountID int64 `json:"linked_account_id"`
}

func (h *Handler) decodeTrigger(r *http.Request) (*triggerRequest, error) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, err
	}
	if req.UserID == 0 {
		req.UserID = defaultUserID
	}
	return &req, nil
}

// HandleRefreshGateway handles POST /api/refresh/gateway
func (h *Handler) HandleRefreshGateway(w http.ResponseWriter, r *http.Request) {
	req, err := h.decodeTrigger(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cycleID, err := h.service.RefreshGateway(r.Context(), req.UserID, req.LinkedAccountID)
	if err != nil {
		h.writeTriggerError(w, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"started":  true,
		"cycle_id": cycleID,
	})
}

// HandleRefreshSchwab handles POST /api/refresh/schwab
func (h *Handler) HandleRefreshSchwab(w http.ResponseWriter, r *http.Request) {
	req, err := h.decodeTrigger(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cycleID, err := h.service.RefreshSchwab(r.Context(), req.UserID, req.LinkedAccountID)
	if err != nil {
		h.writeTriggerError(w, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"started":  true,
		"cycle_id": cycleID,
	})
}

// HandleGetStatus handles GET /api/refresh/status
func (h *Handler) HandleGetStatus(w http.ResponseWriter, r *http.Request) {
	linkedAccountID, err := strconv.ParseInt(r.URL.Query().Get("linked_account_id"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "linked_account_id is required")
		return
	}

	statuses, connected, err := h.service.GetStatus(linkedAccountID)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to get refresh status")
		h.writeError(w, http.StatusInternalServerError, "failed to get refresh status")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"gateway_connected": connected,
		"sources":           statuses,
	})
}

// HandleStop handles POST /api/refresh/stop
func (h *Handler) HandleStop(w http.ResponseWriter, r *http.Request) {
	req, err := h.decodeTrigger(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.service.Stop(req.LinkedAccountID); err != nil {
		h.log.Error().Err(err).Msg("Failed to stop refresh")
		h.writeError(w, http.StatusInternalServerError, "failed to stop refresh")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"stopped": true})
}

// writeTriggerError maps orchestrator errors to HTTP statuses.
func (h *Handler) writeTriggerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, refresh.ErrRefreshInProgress):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, refresh.ErrNotConfigured), errors.Is(err, refresh.ErrAccountNotFound):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, oauthtokens.ErrNeedsReauth):
		h.writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
			"error":        err.Error(),
			"needs_reauth": true,
		})
	default:
		h.log.Error().Err(err).Msg("Refresh trigger failed")
		h.writeError(w, http.StatusInternalServerError, err.Error())
	}
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
