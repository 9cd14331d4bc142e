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

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)
			r.Get("/stats", s.handleDeviceStats)

			r.Route("/{address}", func(r chi.Router) {
				r.Get("/", s.handleGetDevice)
				r.Get("/config", s.handleGetDeviceConfig)
				r.Post("/config", s.handlePushDeviceConfig)
				r.Post("/commands", s.handleDeviceCommand)
			})
		})

		r.Post("/config/broadcast", s.handleBroadcastConfig)

		r.Route("/serial", func(r chi.Router) {
			r.Get("/ports", s.handleSerialPorts)
			r.Post("/commands", s.handleSerialCommand)
		})

		r.Get("/pushes", s.handleListPushes)

		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"status":  "ok",
		"version": s.version,
	}
	if s.listener != nil {
		resp["discovery"] = s.listener.Running()
	}
	if s.mqtt != nil {
		resp["mqtt"] = s.mqtt.IsConnected()
	}
	writeJSON(w, http.StatusOK, resp)
}
