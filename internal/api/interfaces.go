package api

import (
	"context"
	"net/http"

	"collab-live/internal/services/collaboration"
)

/*
LEARNING: CONSUMER-DRIVEN INTERFACES (Go Idiom)

This package (api/handlers) is the CONSUMER of services, so service interfaces live HERE.

The handler only declares the methods it calls, which keeps the session
manager and the force-close extension swappable for fakes in tests.
*/

// SessionDirectory is what the admin endpoints need from the session manager
type SessionDirectory interface {
	Stats() []collaboration.DocumentStats
	Document(id string) (*collaboration.Document, bool)
}

// ForceCloser publishes force-close requests to every instance
type ForceCloser interface {
	Publish(ctx context.Context, documentID, reason, userID string) error
}

// DocumentSocketHandler accepts editor WebSocket connections
type DocumentSocketHandler interface {
	HandleDocumentConnection(w http.ResponseWriter, r *http.Request)
}

// HealthCheck reports whether a dependency is reachable
type HealthCheck func(ctx context.Context) error
