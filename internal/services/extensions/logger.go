package extensions

import (
	"context"
	"log"

	"collab-live/internal/middleware"
	"collab-live/internal/services/collaboration"

	"go.opentelemetry.io/otel/attribute"
)

// Logger writes one line per lifecycle event
type Logger struct {
	logger collaboration.Logger
}

// NewLogger creates the logging extension; nil uses the standard logger
func NewLogger(logger collaboration.Logger) *Logger {
	if logger == nil {
		logger = log.Default()
	}
	return &Logger{logger: logger}
}

func (l *Logger) Name() string { return "Logger" }

func (l *Logger) OnConnect(ctx context.Context, p *collaboration.ConnectPayload) error {
	sc := p.Context
	l.logger.Printf("→ Connect socket=%s document=%s type=%s workspace=%s user=%s",
		sc.SocketID, sc.DocumentID, sc.DocumentType, sc.WorkspaceSlug, sc.UserID)
	middleware.AddSpanEvent(ctx, "session.connect", attribute.String("user.id", sc.UserID))
	return nil
}

func (l *Logger) OnLoadDocument(ctx context.Context, p *collaboration.LoadPayload) error {
	l.logger.Printf("→ Load document=%s", p.Document.ID)
	return nil
}

func (l *Logger) OnChange(ctx context.Context, p *collaboration.ChangePayload) error {
	middleware.AddSpanEvent(ctx, "document.change", attribute.Int("changes", len(p.Changes)))
	return nil
}

func (l *Logger) OnStoreDocument(ctx context.Context, p *collaboration.StorePayload) error {
	l.logger.Printf("→ Store document=%s length=%d", p.Document.ID, p.Document.State().Len())
	return nil
}

func (l *Logger) OnDisconnect(ctx context.Context, p *collaboration.DisconnectPayload) error {
	l.logger.Printf("← Disconnect socket=%s document=%s remaining=%d",
		p.Context.SocketID, p.Context.DocumentID, p.Remaining)
	return nil
}
