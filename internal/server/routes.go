package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// SetupRoutes mounts the health check, websocket endpoint, test page and the
// JSON API on a chi router.
func SetupRoutes(h *Handlers) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/", h.Health)
	r.HandleFunc("/ws", h.WebSocket)
	r.Get("/test", h.TestPage)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Get("/stats", WrapHandler(h.Stats))
		r.Get("/users/{userId}/presence", WrapHandler(h.UserPresence))
		r.Get("/messages/{messageId}/status", WrapHandler(h.MessageStatus))
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "not found"})
	})
	return r
}
