package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"sort"
	"time"

	"collab-live/internal/middleware"
	"collab-live/internal/services/collaboration"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"
)

// Handler handles HTTP requests
// Learning: Uses INTERFACES defined in this package (consumer-driven)
type Handler struct {
	sessions   SessionDirectory
	forceClose ForceCloser
	wsHandler  DocumentSocketHandler
	instanceID string
	startedAt  time.Time

	checks map[string]HealthCheck
}

func NewHandler(
	sessions SessionDirectory,
	forceClose ForceCloser,
	wsHandler DocumentSocketHandler,
	instanceID string,
) *Handler {
	return &Handler{
		sessions:   sessions,
		forceClose: forceClose,
		wsHandler:  wsHandler,
		instanceID: instanceID,
		startedAt:  time.Now(),
		checks:     make(map[string]HealthCheck),
	}
}

// WithHealthCheck adds a dependency to GET /api/health
func (h *Handler) WithHealthCheck(name string, check HealthCheck) *Handler {
	h.checks[name] = check
	return h
}

type healthResponse struct {
	Status    string            `json:"status"`
	Instance  string            `json:"instance"`
	Uptime    string            `json:"uptime"`
	Documents int               `json:"documents"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// Health reports liveness and the state of each dependency. A failing
// dependency turns the status to degraded but still answers 200: the
// server keeps serving with fail-open rate limits.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{
		Status:    "ok",
		Instance:  h.instanceID,
		Uptime:    time.Since(h.startedAt).Round(time.Second).String(),
		Documents: len(h.sessions.Stats()),
	}

	if len(h.checks) > 0 {
		names := make([]string, 0, len(h.checks))
		for name := range h.checks {
			names = append(names, name)
		}
		sort.Strings(names)

		resp.Checks = make(map[string]string, len(names))
		for _, name := range names {
			if err := h.checks[name](ctx); err != nil {
				log.Printf("⚠️  Health check %s failed: %v", name, err)
				resp.Checks[name] = err.Error()
				resp.Status = "degraded"
				continue
			}
			resp.Checks[name] = "ok"
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// ListDocuments returns every document live on this instance
func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	documents := h.sessions.Stats()

	connections := 0
	for _, doc := range documents {
		connections += doc.Connections
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"instance":    h.instanceID,
		"documents":   documents,
		"count":       len(documents),
		"connections": connections,
	})
}

// GetDocument returns one live document; ?text=true includes its text
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	doc, ok := h.sessions.Document(id)
	if !ok {
		writeError(w, http.StatusNotFound, "document is not live on this instance")
		return
	}

	if r.URL.Query().Get("text") != "true" {
		writeJSON(w, http.StatusOK, doc.Stats())
		return
	}
	writeJSON(w, http.StatusOK, documentDetail{DocumentStats: doc.Stats(), Text: doc.Text()})
}

type documentDetail struct {
	collaboration.DocumentStats
	Text string `json:"text"`
}

type forceCloseRequest struct {
	Reason string `json:"reason"`
	UserID string `json:"userId"`
}

// ForceCloseDocument asks every instance to close sessions on a document,
// optionally only those of one user
func (h *Handler) ForceCloseDocument(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req forceCloseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Reason == "" {
		req.Reason = "force closed"
	}

	middleware.AddSpanEvent(r.Context(), "document.force_close",
		attribute.String("document.id", id),
		attribute.String("user.id", req.UserID),
	)

	if err := h.forceClose.Publish(r.Context(), id, req.Reason, req.UserID); err != nil {
		middleware.AddSpanError(r.Context(), err)
		log.Printf("❌ Failed to publish force-close for document %s: %v", id, err)
		writeError(w, http.StatusBadGateway, "failed to publish force-close")
		return
	}

	log.Printf("🛑 Force-close requested for document %s (user: %q, reason: %s)", id, req.UserID, req.Reason)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":   "accepted",
		"document": id,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
