package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all portfolio routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/portfolio", func(r chi.Router) {
		r.Get("/positions", h.HandleGetPositions)
		r.Get("/cash", h.HandleGetCash)
		r.Get("/balance", h.HandleGetBalance)
		r.Get("/history", h.HandleGetHistory)
	})
}
