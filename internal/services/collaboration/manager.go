package collaboration

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"collab-live/internal/crdt"
	"collab-live/internal/middleware"
	"collab-live/internal/models"

	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: DOCUMENT SESSION LIFECYCLE

One Document per id per process, shared by every local connection:

  first connect  → create, run OnLoadDocument once (other connects wait)
  update         → apply to CRDT, fan out locally, OnChange, debounce store
  last disconnect→ remove from the map, flush pending changes, OnDisconnect

While a document is unloading, new connects for the same id wait for the
unload to finish and then load a fresh copy, so a reconnect always sees
what the flush stored.
*/

// Logger is the logging surface used by the collaboration package
type Logger interface {
	Printf(format string, args ...any)
}

// Config tunes the session manager
type Config struct {
	// StoreDebounce is the quiet period after a change before storing
	StoreDebounce time.Duration
	// StoreMaxDebounce caps how long a dirty document can wait
	StoreMaxDebounce time.Duration
	// StoreTimeout bounds one store run
	StoreTimeout time.Duration
	// SendBuffer is the per-connection outbound queue size
	SendBuffer int
	Logger     Logger
}

// SessionManager owns the live documents of this process
type SessionManager struct {
	pipeline *Pipeline
	cfg      Config
	logger   Logger

	mu        sync.Mutex
	documents map[string]*Document
	unloading map[string]chan struct{}
	closed    bool
	sessions  sync.WaitGroup
}

// NewSessionManager creates a manager running every session through pipeline
func NewSessionManager(pipeline *Pipeline, cfg Config) *SessionManager {
	if pipeline == nil {
		pipeline = NewPipeline()
	}
	if cfg.StoreDebounce <= 0 {
		cfg.StoreDebounce = 2 * time.Second
	}
	if cfg.StoreMaxDebounce > 0 && cfg.StoreMaxDebounce < cfg.StoreDebounce {
		cfg.StoreMaxDebounce = cfg.StoreDebounce
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 30 * time.Second
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	return &SessionManager{
		pipeline:  pipeline,
		cfg:       cfg,
		logger:    logger,
		documents: make(map[string]*Document),
		unloading: make(map[string]chan struct{}),
	}
}

// Config returns the effective configuration
func (m *SessionManager) Config() Config {
	return m.cfg
}

// Serve runs one connection from OnConnect to OnDisconnect. It returns when
// the connection is closed. The caller must already be running the
// connection's WritePump.
func (m *SessionManager) Serve(ctx context.Context, conn *Connection) {
	sc := conn.Context

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close(CloseCodeFor(ErrShuttingDown))
		return
	}
	m.sessions.Add(1)
	m.mu.Unlock()
	defer m.sessions.Done()

	// Hooks that run after the socket is gone must not inherit its cancellation
	cleanupCtx := context.WithoutCancel(ctx)

	if err := m.pipeline.Connect(ctx, &ConnectPayload{Context: sc}); err != nil {
		m.reject(cleanupCtx, conn, "connect", err)
		return
	}

	doc, err := m.open(ctx, conn)
	if err != nil {
		m.reject(cleanupCtx, conn, "load", err)
		return
	}
	defer m.leave(cleanupCtx, doc, conn)

	conn.Send(&models.ServerMessage{
		Type:     models.MessageTypeSync,
		Document: doc.ID,
		Changes:  doc.state.Characters(),
		Version:  doc.Version(),
	})

	conn.ReadPump(func(data []byte) {
		m.handleMessage(ctx, doc, conn, data)
	})
}

// reject closes a connection that never joined a document. OnDisconnect
// still runs so every extension can release what OnConnect took.
func (m *SessionManager) reject(ctx context.Context, conn *Connection, stage string, err error) {
	code, reason := CloseCodeFor(err)
	m.logger.Printf("⚠️  Rejecting socket %s on document %s at %s (close %d): %v",
		conn.Context.SocketID, conn.Context.DocumentID, stage, code, err)
	conn.Close(code, reason)

	if err := m.pipeline.Disconnect(ctx, &DisconnectPayload{Context: conn.Context}); err != nil {
		m.logger.Printf("❌ OnDisconnect failed for socket %s: %v", conn.Context.SocketID, err)
	}
}

// open returns the loaded document for the connection and registers it
func (m *SessionManager) open(ctx context.Context, conn *Connection) (*Document, error) {
	id := conn.Context.DocumentID

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrShuttingDown
		}
		if ch, ok := m.unloading[id]; ok {
			m.mu.Unlock()
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		doc, exists := m.documents[id]
		if !exists {
			doc = NewDocument(id)
			m.documents[id] = doc
		}
		m.mu.Unlock()

		if !exists {
			m.load(ctx, doc, conn.Context)
		}

		select {
		case <-doc.loaded:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if doc.loadErr != nil {
			return nil, doc.loadErr
		}

		m.mu.Lock()
		if m.documents[id] != doc {
			// unloaded between load and join
			m.mu.Unlock()
			continue
		}
		total := doc.addConnection(conn)
		m.mu.Unlock()

		m.logger.Printf("  Socket %s joined document %s (total: %d connections)",
			conn.Context.SocketID, id, total)
		return doc, nil
	}
}

func (m *SessionManager) load(ctx context.Context, doc *Document, sc *models.SessionContext) {
	ctx, span := middleware.StartSpan(ctx, "Document.Load",
		attribute.String("document.id", doc.ID),
	)
	defer span.End()

	err := m.pipeline.LoadDocument(ctx, &LoadPayload{Context: sc, Document: doc})
	if err != nil {
		middleware.AddSpanError(ctx, err)
		m.mu.Lock()
		if m.documents[doc.ID] == doc {
			delete(m.documents, doc.ID)
		}
		m.mu.Unlock()
	}
	doc.finishLoad(err)
}

// leave removes the connection; the last one out unloads the document
func (m *SessionManager) leave(ctx context.Context, doc *Document, conn *Connection) {
	sc := conn.Context

	m.mu.Lock()
	remaining := doc.removeConnection(sc.SocketID)
	last := remaining == 0 && m.documents[doc.ID] == doc
	var unloaded chan struct{}
	if last {
		delete(m.documents, doc.ID)
		unloaded = make(chan struct{})
		m.unloading[doc.ID] = unloaded
	}
	m.mu.Unlock()

	m.logger.Printf("  Socket %s left document %s (remaining: %d connections)", sc.SocketID, doc.ID, remaining)

	if last {
		doc.stopStoreTimer()
		_ = m.Store(ctx, doc)
	}

	if err := m.pipeline.Disconnect(ctx, &DisconnectPayload{
		Context:   sc,
		Document:  doc,
		Remaining: remaining,
	}); err != nil {
		m.logger.Printf("❌ OnDisconnect failed for socket %s: %v", sc.SocketID, err)
	}

	if last {
		m.mu.Lock()
		delete(m.unloading, doc.ID)
		m.mu.Unlock()
		close(unloaded)
		m.logger.Printf("  Document %s unloaded", doc.ID)
	}
}

func (m *SessionManager) handleMessage(ctx context.Context, doc *Document, conn *Connection, data []byte) {
	var msg models.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		conn.Send(&models.ServerMessage{Type: models.MessageTypeError, Error: "malformed message"})
		return
	}

	if err := m.pipeline.BeforeMessage(ctx, &MessagePayload{
		Context:  conn.Context,
		Document: doc,
		Message:  &msg,
	}); err != nil {
		var closeErr *CloseError
		switch {
		case errors.Is(err, ErrMessageRateLimited):
			conn.Send(&models.ServerMessage{
				Type:     models.MessageTypeRateLimited,
				Document: doc.ID,
				Error:    "message rate limit exceeded",
			})
		case errors.As(err, &closeErr):
			conn.Close(closeErr.Code, closeErr.Reason)
		default:
			m.logger.Printf("⚠️  Dropping message from socket %s: %v", conn.Context.SocketID, err)
			conn.Send(&models.ServerMessage{Type: models.MessageTypeError, Error: "message rejected"})
		}
		return
	}

	switch msg.Type {
	case models.MessageTypePing:
		conn.Send(&models.ServerMessage{Type: models.MessageTypePong})
	case models.MessageTypeUpdate:
		m.applyLocal(ctx, doc, conn, msg.Ops)
	default:
		conn.Send(&models.ServerMessage{Type: models.MessageTypeError, Error: "unsupported message type"})
	}
}

// applyLocal applies an editor's operations and fans the resolved changes
// out to every local connection, the sender included
func (m *SessionManager) applyLocal(ctx context.Context, doc *Document, conn *Connection, ops []crdt.Operation) {
	sc := conn.Context
	ctx, span := middleware.StartSpan(ctx, "Document.ApplyUpdate",
		attribute.String("document.id", doc.ID),
		attribute.String("socket.id", sc.SocketID),
		attribute.Int("update.ops", len(ops)),
	)
	defer span.End()

	changes, err := doc.state.Apply(ops, sc.UserID, time.Now().UTC())
	if err != nil {
		middleware.AddSpanError(ctx, err)
		conn.Send(&models.ServerMessage{Type: models.MessageTypeError, Document: doc.ID, Error: err.Error()})
	}
	if len(changes) == 0 {
		return
	}

	doc.Broadcast(&models.ServerMessage{
		Type:     models.MessageTypeUpdate,
		Document: doc.ID,
		Changes:  changes,
	}, "")
	doc.markDirty(sc, time.Now())

	if err := m.pipeline.Change(ctx, &ChangePayload{Context: sc, Document: doc, Changes: changes}); err != nil {
		m.logger.Printf("⚠️  OnChange failed for document %s: %v", doc.ID, err)
	}

	doc.scheduleStore(time.Now(), m.cfg.StoreDebounce, m.cfg.StoreMaxDebounce, func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StoreTimeout)
		defer cancel()
		_ = m.Store(ctx, doc)
	})
}

// Store runs OnStoreDocument if the document has unsaved changes. A failed
// store leaves the document dirty and tells every editor with sync_error.
func (m *SessionManager) Store(ctx context.Context, doc *Document) error {
	doc.storeMu.Lock()
	defer doc.storeMu.Unlock()

	sc, dirty := doc.takeDirty()
	if !dirty {
		return nil
	}

	ctx, span := middleware.StartSpan(ctx, "Document.Store",
		attribute.String("document.id", doc.ID),
	)
	defer span.End()

	err := m.pipeline.Store(ctx, &StorePayload{Context: sc, Document: doc})
	if err != nil {
		middleware.AddSpanError(ctx, err)
		doc.restoreDirty(sc)
		m.logger.Printf("❌ Failed to store document %s: %v", doc.ID, err)

		var persistErr *PersistenceError
		if errors.As(err, &persistErr) {
			doc.Broadcast(&models.ServerMessage{
				Type:     models.MessageTypeSyncError,
				Document: doc.ID,
				Error:    "failed to save document",
			}, "")
		}
		return err
	}

	doc.Broadcast(&models.ServerMessage{
		Type:     models.MessageTypeSaved,
		Document: doc.ID,
		Version:  doc.Version(),
	}, "")
	return nil
}

// Document returns the live document with the given id
func (m *SessionManager) Document(id string) (*Document, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.documents[id]
	return doc, ok
}

// Stats returns every live document sorted by id
func (m *SessionManager) Stats() []DocumentStats {
	m.mu.Lock()
	docs := make([]*Document, 0, len(m.documents))
	for _, doc := range m.documents {
		docs = append(docs, doc)
	}
	m.mu.Unlock()

	stats := make([]DocumentStats, 0, len(docs))
	for _, doc := range docs {
		stats = append(stats, doc.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].ID < stats[j].ID })
	return stats
}

// Shutdown closes every connection and waits for their sessions to flush
// and disconnect, or for ctx to end
func (m *SessionManager) Shutdown(ctx context.Context) error {
	m.logger.Printf("🛑 Shutting down session manager...")

	m.mu.Lock()
	m.closed = true
	docs := make([]*Document, 0, len(m.documents))
	for _, doc := range m.documents {
		docs = append(docs, doc)
	}
	m.mu.Unlock()

	code, reason := CloseCodeFor(ErrShuttingDown)
	for _, doc := range docs {
		doc.CloseConnections(code, reason, nil)
	}

	done := make(chan struct{})
	go func() {
		m.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Printf("✓ Session manager shutdown complete")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
