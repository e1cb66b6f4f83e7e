package collaboration

import (
	"context"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"

	"collab-live/internal/content"
	"collab-live/internal/middleware"
	"collab-live/internal/models"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: WEBSOCKET UPGRADER

The upgrader converts HTTP connections to WebSocket connections.

Sessions are authenticated with the browser's cookie, so any page the user
visits could open a socket in their name. The Origin header is the guard:
only the server's own host and the configured origins get through.
Non-browser clients send no Origin and are not affected.

Authentication failures are reported after the upgrade as close code 4401:
a browser cannot read the HTTP status of a failed upgrade, but it can read
the close code.
*/

// UserVerifier resolves the forwarded cookie to a user
type UserVerifier interface {
	CurrentUser(ctx context.Context, cookie string) (*content.User, error)
}

// WebSocketHandler accepts editor connections for documents
type WebSocketHandler struct {
	manager  *SessionManager
	users    UserVerifier
	upgrader websocket.Upgrader

	allowAll bool
	origins  map[string]bool
}

// NewWebSocketHandler creates a handler. With a nil verifier the user id is
// taken from the userId query parameter.
func NewWebSocketHandler(manager *SessionManager, users UserVerifier) *WebSocketHandler {
	h := &WebSocketHandler{
		manager: manager,
		users:   users,
		origins: make(map[string]bool),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// WithAllowedOrigins lets pages on other origins (scheme://host[:port])
// open sockets. "*" allows every origin.
func (h *WebSocketHandler) WithAllowedOrigins(origins []string) *WebSocketHandler {
	for _, origin := range origins {
		if origin == "*" {
			h.allowAll = true
			continue
		}
		h.origins[strings.ToLower(strings.TrimSuffix(origin, "/"))] = true
	}
	return h
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowAll {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		log.Printf("⚠️  Rejected WebSocket with malformed origin %q", origin)
		return false
	}
	if strings.EqualFold(u.Host, r.Host) || h.origins[strings.ToLower(u.Scheme+"://"+u.Host)] {
		return true
	}
	log.Printf("⚠️  Rejected WebSocket from origin %s", origin)
	return false
}

// HandleDocumentConnection handles GET /ws/documents/{id}
func (h *WebSocketHandler) HandleDocumentConnection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sc := SessionContextFromRequest(r)

	ctx, span := middleware.StartSpan(ctx, "WebSocket.Connect",
		attribute.String("document.id", sc.DocumentID),
		attribute.String("document.type", string(sc.DocumentType)),
		attribute.String("socket.id", sc.SocketID),
	)
	defer span.End()

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		middleware.AddSpanError(ctx, err)
		return
	}

	conn := NewConnection(ws, sc, h.manager.Config().SendBuffer)
	go conn.WritePump()

	if err := h.authenticate(ctx, sc); err != nil {
		middleware.AddSpanError(ctx, err)
		code, reason := CloseCodeFor(err)
		log.Printf("⚠️  Rejecting socket %s on document %s (close %d): %v", sc.SocketID, sc.DocumentID, code, err)
		conn.Close(code, reason)
		return
	}
	span.SetAttributes(attribute.String("user.id", sc.UserID))

	log.Printf("✓ WebSocket connection established for document %s (user: %s, socket: %s)",
		sc.DocumentID, sc.UserID, sc.SocketID)

	h.manager.Serve(ctx, conn)
}

// authenticate fills in the user. Without a verifier the query user id is
// trusted as-is.
func (h *WebSocketHandler) authenticate(ctx context.Context, sc *models.SessionContext) error {
	if sc.DocumentID == "" {
		return &CloseError{Code: CloseConfiguration, Reason: "document id is required"}
	}
	if h.users == nil {
		return nil
	}
	if sc.Cookie == "" {
		return ErrUnauthorized
	}

	user, err := h.users.CurrentUser(ctx, sc.Cookie)
	if err != nil {
		if errors.Is(err, content.ErrUnauthenticated) {
			return err
		}
		return errors.Join(ErrUnauthorized, err)
	}
	sc.UserID = user.ID
	sc.UserName = user.DisplayName
	return nil
}

// SessionContextFromRequest builds the session context from the route,
// query string and forwarded cookie
func SessionContextFromRequest(r *http.Request) *models.SessionContext {
	query := r.URL.Query()

	sc := models.NewSessionContext(
		mux.Vars(r)["id"],
		content.DocumentType(query.Get("documentType")),
		query.Get("userId"),
	)
	sc.WorkspaceSlug = query.Get("workspaceSlug")
	sc.ProjectID = query.Get("projectId")

	sc.Cookie = r.Header.Get("Cookie")
	if sc.Cookie == "" {
		sc.Cookie = query.Get("cookie")
	}
	return sc
}
