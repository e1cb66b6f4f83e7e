package models

import (
	"time"

	"collab-live/internal/content"
	"collab-live/internal/crdt"

	"github.com/segmentio/ksuid"
)

// SessionContext is the per-connection record used to authorize and route
// one editing session
type SessionContext struct {
	SocketID      string               `json:"socket_id"`
	DocumentID    string               `json:"document_id"`
	DocumentType  content.DocumentType `json:"document_type"`
	WorkspaceSlug string               `json:"workspace_slug"`
	ProjectID     string               `json:"project_id,omitempty"`
	UserID        string               `json:"user_id"`
	UserName      string               `json:"user_name,omitempty"`
	Cookie        string               `json:"-"`
	ConnectedAt   time.Time            `json:"connected_at"`

	// Service is resolved by the persistence extension during OnConnect
	Service content.Service `json:"-"`
}

// NewSessionContext creates a context with a fresh socket id
func NewSessionContext(documentID string, documentType content.DocumentType, userID string) *SessionContext {
	return &SessionContext{
		SocketID:     ksuid.New().String(),
		DocumentID:   documentID,
		DocumentType: documentType,
		UserID:       userID,
		ConnectedAt:  time.Now(),
	}
}

// Scope returns the tenant scope forwarded to the content API
func (c *SessionContext) Scope() content.Scope {
	return content.Scope{
		WorkspaceSlug: c.WorkspaceSlug,
		ProjectID:     c.ProjectID,
		Cookie:        c.Cookie,
	}
}

// MessageType defines types of messages in the collaboration protocol
type MessageType string

const (
	// Client -> server
	MessageTypeUpdate MessageType = "update"
	MessageTypePing   MessageType = "ping"

	// Server -> client
	MessageTypeSync        MessageType = "sync"
	MessageTypeTitle       MessageType = "title"
	MessageTypeSaved       MessageType = "saved"
	MessageTypeSyncError   MessageType = "sync_error"
	MessageTypeRateLimited MessageType = "rate_limited"
	MessageTypePong        MessageType = "pong"
	MessageTypeError       MessageType = "error"
)

// ClientMessage is a frame sent by an editor
type ClientMessage struct {
	Type MessageType      `json:"type"`
	Ops  []crdt.Operation `json:"ops,omitempty"`
}

// ServerMessage is a frame sent to editors
type ServerMessage struct {
	Type     MessageType      `json:"type"`
	Document string           `json:"document,omitempty"`
	Changes  []crdt.Character `json:"changes,omitempty"`
	Title    string           `json:"title,omitempty"`
	Version  string           `json:"version,omitempty"`
	Error    string           `json:"error,omitempty"`
}
