// Package handlers provides HTTP handlers for reading portfolio state.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/foliotrack/foliotrack/internal/modules/portfolio"
	"github.com/foliotrack/foliotrack/internal/modules/snapshots"
)

const defaultUserID = 1

// Handler handles portfolio read requests
type Handler struct {
	repo          *portfolio.Repository
	snapshotsRepo *snapshots.Repository
	log           zerolog.Logger
}

// NewHandler creates a new portfolio handler
func NewHandler(repo *portfolio.Repository, snapshotsRepo *snapshots.Repository, log zerolog.Logger) *Handler {
	return &Handler{
		repo:          repo,
		snapshotsRepo: snapshotsRepo,
		log:           log.With().Str("handler", "portfolio").Logger(),
	}
}

func (h *Handler) accountAndSource(r *http.Request) (int64, portfolio.Source, bool) {
	linkedAccountID, err := strconv.ParseInt(r.URL.Query().Get("linked_account_id"), 10, 64)
	if err != nil {
		return 0, "", false
	}
	source := portfolio.Source(r.URL.Query().Get("source"))
	if source == "" {
		source = portfolio.SourceGateway
	}
	return linkedAccountID, source, true
}

// HandleGetPositions handles GET /api/portfolio/positions
func (h *Handler) HandleGetPositions(w http.ResponseWriter, r *http.Request) {
	linkedAccountID, source, ok := h.accountAndSource(r)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "linked_account_id is required")
		return
	}

	positions, err := h.repo.GetPositions(linkedAccountID, source)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to get positions")
		h.writeError(w, http.StatusInternalServerError, "failed to get positions")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"positions": positions})
}

// HandleGetCash handles GET /api/portfolio/cash
func (h *Handler) HandleGetCash(w http.ResponseWriter, r *http.Request) {
	linkedAccountID, source, ok := h.accountAndSource(r)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "linked_account_id is required")
		return
	}

	cash, err := h.repo.GetCashBalances(linkedAccountID, source)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to get cash balances")
		h.writeError(w, http.StatusInternalServerError, "failed to get cash balances")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"cash_balances": cash})
}

// HandleGetBalance handles GET /api/portfolio/balance
func (h *Handler) HandleGetBalance(w http.ResponseWriter, r *http.Request) {
	linkedAccountID, source, ok := h.accountAndSource(r)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "linked_account_id is required")
		return
	}

	balance, err := h.repo.GetAccountBalance(linkedAccountID, source)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to get account balance")
		h.writeError(w, http.StatusInternalServerError, "failed to get account balance")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"balance": balance})
}

// HandleGetHistory handles GET /api/portfolio/history
func (h *Handler) HandleGetHistory(w http.ResponseWriter, r *http.Request) {
	userID := int64(defaultUserID)
	if v := r.URL.Query().Get("user_id"); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			userID = parsed
		}
	}

	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			days = parsed
		}
	}

	since := time.Now().AddDate(0, 0, -days).Unix()
	history, err := h.snapshotsRepo.GetHistory(userID, since)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to get snapshot history")
		h.writeError(w, http.StatusInternalServerError, "failed to get snapshot history")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"snapshots": history})
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
