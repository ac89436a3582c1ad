package approval

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Middleware is an interface for HTTP middleware
type Middleware func(http.Handler) http.Handler

// RegisterRoutes registers the admin back-office routes with the Chi router.
// Every route requires an authenticated administrator token.
func RegisterRoutes(r chi.Router, handler *Handler, requireAdmin Middleware) {
	r.Route("/admin", func(r chi.Router) {
		r.Use(requireAdmin)

		r.Get("/devices", handler.ListDevices)
		r.Get("/devices/pending", handler.ListPending)
		r.Post("/devices/{id}/approve", handler.Approve)
		r.Post("/devices/{id}/revoke", handler.Revoke)

		r.Get("/attempts", handler.ListAttempts)

		r.Get("/notifications", handler.ListNotifications)
		r.Post("/notifications/{id}/read", handler.MarkNotificationRead)
	})
}
