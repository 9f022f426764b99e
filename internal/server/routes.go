package server

import (
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	r := s.router

	// Thread routes
	r.Route("/thread/{threadID}", func(r chi.Router) {
		r.Post("/turn", s.runTurn)
		r.Post("/abort", s.abortTurn)
		r.Put("/model", s.changeModel)
		r.Post("/revert", s.revertThread)

		// Follow-up queue
		r.Get("/queue", s.getQueue)
		r.Post("/queue", s.enqueue)
		r.Delete("/queue", s.clearQueue)
	})

	// Interactive prompts
	r.Post("/permission/{handleID}", s.replyPermission)
	r.Post("/question/{requestID}", s.answerQuestion)

	// Preferences
	r.Put("/preferences/{scope}", s.setPreferences)
	r.Put("/preferences/{scope}/{key}", s.setPreferences)

	// Event streaming
	r.Get("/event", s.streamEvents)
	r.Get("/ws", s.websocketEvents)

	// Operations
	r.Get("/health", s.health)
	r.Method("GET", "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
}
