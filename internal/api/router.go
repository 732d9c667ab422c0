package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// Streaming protocol
	r.Get(s.wsCfg.Path, s.handleWebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/ready", s.handleReady)

		r.Get("/metrics", s.handlePrometheus)
		r.Get("/metrics/system", s.handleSystemMetrics)

		r.Route("/sensors", func(r chi.Router) {
			r.Get("/", s.handleListSensors)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetSensor)
				r.Delete("/", s.handleDeleteSensor)
				r.Get("/latest", s.handleLatest)
				r.Get("/recent", s.handleRecent)
				r.Get("/history", s.handleHistory)
				r.Get("/events", s.handleSensorEvents)
			})
		})

		r.Route("/lidar/{id}", func(r chi.Router) {
			r.Get("/info", s.handleLidarInfo)
			r.Get("/config", s.handleLidarConfig)
			r.Post("/start", s.handleLidarStart)
			r.Post("/stop", s.handleLidarStop)
			r.Get("/points/latest", s.handleLidarLatest)
			r.Get("/points/recent", s.handleLidarRecent)
			r.Post("/control", s.handleLidarControl)
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}

// handleReady reports whether any sensor has produced data.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ready": s.sensors.Ready()})
}
