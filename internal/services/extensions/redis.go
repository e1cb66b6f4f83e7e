package extensions

import (
	"context"
	"fmt"
	"log"
	"sync"

	"collab-live/internal/broadcast"
	"collab-live/internal/crdt"
	"collab-live/internal/models"
	"collab-live/internal/services/collaboration"
)

// UpdatePayload carries resolved CRDT changes between instances
type UpdatePayload struct {
	Changes []crdt.Character `json:"changes"`
}

// TitlePayload carries a title that was written to the content API
type TitlePayload struct {
	Title string `json:"title"`
}

// Redis relays document updates and titles between server instances. The
// broker is Redis pub/sub in a multi-instance deployment and in-process
// otherwise.
type Redis struct {
	broker     broadcast.Broker
	channels   broadcast.Channels
	instanceID string
	logger     collaboration.Logger

	mu   sync.Mutex
	subs map[string]subscription // documentID -> subscription
}

type subscription struct {
	doc         *collaboration.Document
	unsubscribe func()
}

func NewRedis(broker broadcast.Broker, channels broadcast.Channels, instanceID string, logger collaboration.Logger) *Redis {
	if logger == nil {
		logger = log.Default()
	}
	return &Redis{
		broker:     broker,
		channels:   channels,
		instanceID: instanceID,
		logger:     logger,
		subs:       make(map[string]subscription),
	}
}

func (r *Redis) Name() string { return "Redis" }

// OnLoadDocument subscribes the document to its channel
func (r *Redis) OnLoadDocument(ctx context.Context, p *collaboration.LoadPayload) error {
	doc := p.Document
	unsubscribe, err := r.broker.Subscribe(ctx, r.channels.Document(doc.ID), func(ctx context.Context, env broadcast.Envelope) {
		r.receive(doc, env)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe document %s: %w", doc.ID, err)
	}

	r.mu.Lock()
	if previous, ok := r.subs[doc.ID]; ok {
		previous.unsubscribe()
	}
	r.subs[doc.ID] = subscription{doc: doc, unsubscribe: unsubscribe}
	r.mu.Unlock()
	return nil
}

// OnChange publishes locally accepted changes
func (r *Redis) OnChange(ctx context.Context, p *collaboration.ChangePayload) error {
	env, err := broadcast.NewEnvelope(p.Document.ID, broadcast.KindUpdate, r.instanceID, UpdatePayload{Changes: p.Changes})
	if err != nil {
		return err
	}
	return r.broker.Publish(ctx, r.channels.Document(p.Document.ID), env)
}

// OnDisconnect drops the subscription with the last local connection, or
// the one taken by a load that a later extension failed
func (r *Redis) OnDisconnect(ctx context.Context, p *collaboration.DisconnectPayload) error {
	if p.Document == nil {
		r.release(p.Context.DocumentID, func(sub subscription) bool {
			return sub.doc.LoadFailed()
		})
		return nil
	}
	if p.Remaining > 0 {
		return nil
	}

	doc := p.Document
	r.release(doc.ID, func(sub subscription) bool {
		return sub.doc == doc
	})
	return nil
}

func (r *Redis) release(documentID string, match func(subscription) bool) {
	r.mu.Lock()
	sub, ok := r.subs[documentID]
	if !ok || !match(sub) {
		r.mu.Unlock()
		return
	}
	delete(r.subs, documentID)
	r.mu.Unlock()

	sub.unsubscribe()
}

// Subscriptions returns how many documents are subscribed
func (r *Redis) Subscriptions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

func (r *Redis) receive(doc *collaboration.Document, env broadcast.Envelope) {
	if env.Origin == r.instanceID || env.DocumentID != doc.ID {
		return
	}

	switch env.Kind {
	case broadcast.KindUpdate:
		var payload UpdatePayload
		if err := env.Decode(&payload); err != nil {
			r.logger.Printf("⚠️  Dropping malformed update for document %s: %v", doc.ID, err)
			return
		}
		doc.ApplyRemote(payload.Changes)

	case broadcast.KindTitleSync:
		var payload TitlePayload
		if err := env.Decode(&payload); err != nil {
			r.logger.Printf("⚠️  Dropping malformed title for document %s: %v", doc.ID, err)
			return
		}
		doc.Broadcast(&models.ServerMessage{
			Type:     models.MessageTypeTitle,
			Document: doc.ID,
			Title:    payload.Title,
		}, "")
	}
}
