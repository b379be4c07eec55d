package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shehryarbajwa/printbox/internal/events"
)

// SetupRoutes configures all HTTP routes
func (h *Handler) SetupRoutes(hub *events.Hub, uploadsPerHour int) *mux.Router {
	r := mux.NewRouter()

	// Session lifecycle
	r.HandleFunc("/start-session", h.StartSession).Methods("POST")
	r.HandleFunc("/end-session", h.EndSession).Methods("POST")
	r.HandleFunc("/session-status", h.SessionStatus).Methods("GET")
	r.HandleFunc("/session-files", h.SessionFiles).Methods("GET")

	// Uploads (rate limited per client)
	uploads := r.PathPrefix("/upload").Subrouter()
	if h.limiter != nil {
		uploads.Use(RateLimitMiddleware(h.limiter, uploadsPerHour, h.trustedProxies))
	}
	uploads.HandleFunc("", h.Upload).Methods("POST")

	// Printing
	r.HandleFunc("/printers", h.Printers).Methods("GET")
	r.HandleFunc("/print-job", h.PrintJob).Methods("POST")

	// Observers
	r.HandleFunc("/ws", hub.ServeWS).Methods("GET")

	// Operations
	r.HandleFunc("/healthz", h.Health).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	r.Use(loggingMiddleware)
	r.Use(corsMiddleware)

	// gorilla/mux only runs middleware on matched routes; answer preflights for all of them
	r.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	return r
}
