package api

import (
	"net/http"

	"collab-live/internal/middleware"

	"github.com/gorilla/mux"
)

func SetupRoutes(h *Handler, adminSecret string) *mux.Router {
	r := mux.NewRouter()

	// Apply global middleware
	// Learning: Middleware runs in order - tracing first, then recovery, then CORS
	r.Use(middleware.TracingMiddleware)       // Add tracing spans to all requests
	r.Use(middleware.ErrorRecoveryMiddleware) // Catch panics
	r.Use(middleware.CORSMiddleware)          // Handle CORS

	// API routes
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", h.Health).Methods("GET", "OPTIONS")

	// Admin endpoints
	admin := middleware.RequireAdminSecret(adminSecret)
	api.Handle("/documents", admin(http.HandlerFunc(h.ListDocuments))).Methods("GET", "OPTIONS")
	api.Handle("/documents/{id}", admin(http.HandlerFunc(h.GetDocument))).Methods("GET", "OPTIONS")
	api.Handle("/documents/{id}/force-close", admin(http.HandlerFunc(h.ForceCloseDocument))).Methods("POST", "OPTIONS")

	// WebSocket routes
	r.HandleFunc("/ws/documents/{id}", h.HandleDocumentWebSocket)

	return r
}
