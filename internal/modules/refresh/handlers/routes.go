package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all refresh routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/refresh", func(r chi.Router) {
		r.Post("/gateway", h.HandleRefreshGateway)
		r.Post("/schwab", h.HandleRefreshSchwab)
		r.Get("/status", h.HandleGetStatus)
		r.Post("/stop", h.HandleStop)
	})
}
