package extensions

import (
	"context"
	"errors"
	"log"
	"sync"

	"collab-live/internal/broadcast"
	"collab-live/internal/models"
	"collab-live/internal/services/collaboration"
)

// ForceClosePayload names who to kick. An empty UserID closes every
// connection on the document.
type ForceClosePayload struct {
	Reason string `json:"reason"`
	UserID string `json:"userId,omitempty"`
}

// ForceClose terminates hosted sessions when any instance publishes a
// force-close envelope, e.g. after a permission change
type ForceClose struct {
	broker     broadcast.Broker
	channels   broadcast.Channels
	instanceID string
	logger     collaboration.Logger

	mu          sync.Mutex
	documents   map[string]*collaboration.Document
	unsubscribe func()
}

func NewForceClose(broker broadcast.Broker, channels broadcast.Channels, instanceID string, logger collaboration.Logger) *ForceClose {
	if logger == nil {
		logger = log.Default()
	}
	return &ForceClose{
		broker:     broker,
		channels:   channels,
		instanceID: instanceID,
		logger:     logger,
		documents:  make(map[string]*collaboration.Document),
	}
}

func (f *ForceClose) Name() string { return "ForceClose" }

// Start subscribes to the force-close channel
func (f *ForceClose) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unsubscribe != nil {
		return nil
	}

	unsubscribe, err := f.broker.Subscribe(ctx, f.channels.ForceClose(), f.handle)
	if err != nil {
		return err
	}
	f.unsubscribe = unsubscribe
	return nil
}

// Stop drops the subscription
func (f *ForceClose) Stop() {
	f.mu.Lock()
	unsubscribe := f.unsubscribe
	f.unsubscribe = nil
	f.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

func (f *ForceClose) OnLoadDocument(ctx context.Context, p *collaboration.LoadPayload) error {
	f.mu.Lock()
	f.documents[p.Document.ID] = p.Document
	f.mu.Unlock()
	return nil
}

func (f *ForceClose) OnDisconnect(ctx context.Context, p *collaboration.DisconnectPayload) error {
	if p.Document == nil || p.Remaining > 0 {
		return nil
	}
	f.mu.Lock()
	if f.documents[p.Document.ID] == p.Document {
		delete(f.documents, p.Document.ID)
	}
	f.mu.Unlock()
	return nil
}

// Publish asks every instance, this one included, to close sessions on the
// document
func (f *ForceClose) Publish(ctx context.Context, documentID, reason, userID string) error {
	if documentID == "" {
		return errors.New("document id is required")
	}
	if reason == "" {
		reason = "force closed"
	}
	env, err := broadcast.NewEnvelope(documentID, broadcast.KindForceClose, f.instanceID, ForceClosePayload{
		Reason: reason,
		UserID: userID,
	})
	if err != nil {
		return err
	}
	return f.broker.Publish(ctx, f.channels.ForceClose(), env)
}

// Close closes matching local connections directly and returns how many
func (f *ForceClose) Close(documentID, reason, userID string) int {
	f.mu.Lock()
	doc := f.documents[documentID]
	f.mu.Unlock()
	if doc == nil {
		return 0
	}

	closed := doc.CloseConnections(collaboration.CloseForceClosed, reason, func(sc *models.SessionContext) bool {
		return userID == "" || sc.UserID == userID
	})
	if closed > 0 {
		f.logger.Printf("🛑 Force-closed %d connection(s) on document %s: %s", closed, documentID, reason)
	}
	return closed
}

func (f *ForceClose) handle(ctx context.Context, env broadcast.Envelope) {
	if env.Kind != broadcast.KindForceClose {
		return
	}

	var payload ForceClosePayload
	if err := env.Decode(&payload); err != nil {
		f.logger.Printf("⚠️  Dropping malformed force-close for document %s: %v", env.DocumentID, err)
		return
	}
	f.Close(env.DocumentID, payload.Reason, payload.UserID)
}

// Hosted reports whether the document has a live session here
func (f *ForceClose) Hosted(documentID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.documents[documentID]
	return ok
}
