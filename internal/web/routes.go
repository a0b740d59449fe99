package web

import (
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kozaktomas/attendance/internal/web/handlers"
	"github.com/kozaktomas/attendance/internal/web/middleware"
)

func (s *Server) setupRoutes() {
	sessionHandler := handlers.NewSessionHandler(s.engine, s.broadcaster, s.logger)
	framesHandler := handlers.NewFramesHandler(s.engine, s.logger)
	eventsHandler := handlers.NewEventsHandler(s.engine, s.broadcaster)

	// Health check and metrics (no auth required)
	s.router.Get("/api/v1/health", handlers.HealthCheck)
	if s.gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireToken(s.config.APIToken))

		// Session lifecycle
		r.Post("/session", sessionHandler.Start)
		r.Get("/session", sessionHandler.Get)
		r.Delete("/session", sessionHandler.End)
		r.Get("/session/recognitions", sessionHandler.Recognitions)
		r.Get("/session/events", eventsHandler.Stream)

		// Frames
		r.Post("/frames", framesHandler.Submit)
		r.Get("/result", framesHandler.Latest)
	})
}
