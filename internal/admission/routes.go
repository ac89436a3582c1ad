package admission

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Middleware is an interface for HTTP middleware
type Middleware func(http.Handler) http.Handler

// RegisterRoutes registers the admission routes with the Chi router.
// The check endpoint sits on the login path and carries its own rate limit.
func RegisterRoutes(r chi.Router, handler *Handler, rateLimit Middleware) {
	r.Route("/admission", func(r chi.Router) {
		r.With(rateLimit).Post("/check", handler.Check)
	})
	r.Route("/session", func(r chi.Router) {
		r.Post("/logout", handler.Logout)
	})
}
