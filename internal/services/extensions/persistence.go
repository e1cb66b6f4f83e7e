package extensions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"collab-live/internal/content"
	"collab-live/internal/crdt"
	"collab-live/internal/middleware"
	"collab-live/internal/models"
	"collab-live/internal/repository"
	"collab-live/internal/services/collaboration"

	"go.opentelemetry.io/otel/attribute"
)

// ServiceResolver picks the content service for a session
type ServiceResolver interface {
	Resolve(docType content.DocumentType, scope content.Scope) (content.Service, error)
}

// Persistence loads documents from and stores them to the content API.
// With a journal, accepted changes are also kept locally until a store
// covers them.
type Persistence struct {
	resolver ServiceResolver
	journal  repository.UpdateJournal
	logger   collaboration.Logger
	now      func() time.Time
}

func NewPersistence(resolver ServiceResolver, journal repository.UpdateJournal, logger collaboration.Logger) *Persistence {
	if logger == nil {
		logger = log.Default()
	}
	return &Persistence{
		resolver: resolver,
		journal:  journal,
		logger:   logger,
		now:      time.Now,
	}
}

func (p *Persistence) Name() string { return "Persistence" }

// OnConnect resolves the content service; an unknown document type or a
// missing scope field rejects the connection
func (p *Persistence) OnConnect(ctx context.Context, payload *collaboration.ConnectPayload) error {
	sc := payload.Context
	svc, err := p.resolver.Resolve(sc.DocumentType, sc.Scope())
	if err != nil {
		return err
	}
	sc.Service = svc
	return nil
}

// OnLoadDocument fills the replica from the stored description, then
// replays journaled changes the content API has not seen yet
func (p *Persistence) OnLoadDocument(ctx context.Context, payload *collaboration.LoadPayload) error {
	doc := payload.Document
	svc := payload.Context.Service
	if svc == nil {
		return fmt.Errorf("no content service resolved for document %s", doc.ID)
	}

	stored, err := svc.FetchContent(ctx, doc.ID)
	if err != nil {
		return fmt.Errorf("failed to load document %s: %w", doc.ID, err)
	}

	if err := p.apply(doc, stored); err != nil {
		return err
	}
	doc.SetVersion(stored.Version)

	replayed, err := p.replay(ctx, doc)
	if err != nil {
		// The stored snapshot is usable on its own
		p.logger.Printf("⚠️  Failed to replay journal for document %s: %v", doc.ID, err)
		middleware.AddSpanError(ctx, err)
	}
	if replayed > 0 {
		doc.MarkDirty(payload.Context)
		p.logger.Printf("  Replayed %d journaled changes into document %s", replayed, doc.ID)
	}

	middleware.AddSpanEvent(ctx, "document.loaded",
		attribute.Int("length", doc.State().Len()),
		attribute.Int("replayed", replayed),
	)
	return nil
}

func (p *Persistence) apply(doc *collaboration.Document, stored *content.Content) error {
	if len(stored.Binary) > 0 {
		if err := doc.State().Load(stored.Binary); err != nil {
			return fmt.Errorf("failed to decode document %s: %w", doc.ID, err)
		}
		return nil
	}

	// Documents created outside the live server only have HTML. Seeding is
	// deterministic so every instance derives the same character ids.
	if text := content.TextFromHTML(stored.HTML); text != "" {
		doc.State().SeedText("seed:"+doc.ID, text, time.Unix(0, 0).UTC())
	}
	return nil
}

func (p *Persistence) replay(ctx context.Context, doc *collaboration.Document) (int, error) {
	if p.journal == nil {
		return 0, nil
	}

	updates, err := p.journal.ListUpdates(ctx, doc.ID)
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, update := range updates {
		var changes []crdt.Character
		if err := json.Unmarshal(update.Payload, &changes); err != nil {
			p.logger.Printf("⚠️  Skipping malformed journal entry %s: %v", update.ID, err)
			continue
		}
		replayed += doc.State().Merge(changes)
	}
	return replayed, nil
}

// OnChange journals the accepted changes
func (p *Persistence) OnChange(ctx context.Context, payload *collaboration.ChangePayload) error {
	if p.journal == nil || len(payload.Changes) == 0 {
		return nil
	}

	data, err := json.Marshal(payload.Changes)
	if err != nil {
		return fmt.Errorf("failed to encode changes: %w", err)
	}

	sc := payload.Context
	return p.journal.Append(ctx, models.NewDocumentUpdate(payload.Document.ID, sc.SocketID, sc.UserID, data))
}

// OnStoreDocument writes the snapshot and its HTML rendering. A version
// conflict is resolved once by merging the newer stored revision.
func (p *Persistence) OnStoreDocument(ctx context.Context, payload *collaboration.StorePayload) error {
	doc := payload.Document
	if payload.Context == nil || payload.Context.Service == nil {
		return &collaboration.PersistenceError{DocumentID: doc.ID, Err: errors.New("no content service")}
	}
	svc := payload.Context.Service
	startedAt := p.now().UTC()

	version, err := p.persist(ctx, svc, doc)
	var httpErr *content.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusPreconditionFailed {
		p.logger.Printf("⚠️  Document %s changed upstream, merging before retry", doc.ID)
		version, err = p.mergeUpstream(ctx, svc, doc)
	}
	if err != nil {
		return &collaboration.PersistenceError{DocumentID: doc.ID, Err: err}
	}
	if version != "" {
		doc.SetVersion(version)
	}

	if p.journal != nil {
		if _, err := p.journal.PruneUpdates(ctx, doc.ID, startedAt); err != nil {
			p.logger.Printf("⚠️  Failed to prune journal for document %s: %v", doc.ID, err)
		}
	}
	return nil
}

func (p *Persistence) persist(ctx context.Context, svc content.Service, doc *collaboration.Document) (string, error) {
	snapshot, err := doc.State().Snapshot()
	if err != nil {
		return "", err
	}
	return svc.PersistContent(ctx, doc.ID, &content.Content{
		Binary:  snapshot,
		HTML:    content.HTMLFromText(doc.Text()),
		Version: doc.Version(),
	})
}

func (p *Persistence) mergeUpstream(ctx context.Context, svc content.Service, doc *collaboration.Document) (string, error) {
	stored, err := svc.FetchContent(ctx, doc.ID)
	if err != nil {
		return "", err
	}

	// Merge through ApplyRemote so local editors receive what changed upstream
	upstream := crdt.New()
	if err := upstream.Load(stored.Binary); err != nil {
		return "", fmt.Errorf("failed to decode document %s: %w", doc.ID, err)
	}
	if merged := doc.ApplyRemote(upstream.Characters()); merged > 0 {
		p.logger.Printf("  Merged %d upstream changes into document %s", merged, doc.ID)
	}
	doc.SetVersion(stored.Version)
	return p.persist(ctx, svc, doc)
}
