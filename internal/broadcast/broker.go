package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

/*
LEARNING: CROSS-INSTANCE FAN-OUT

Several server processes can host replicas of the same document. Anything
one instance learns that the others must act on travels as an Envelope over
a pub/sub channel:

  update      - resolved CRDT changes from a local editor
  title-sync  - the derived title changed
  force-close - terminate sessions (e.g. permission revoked)

Delivery is best-effort and at-least-once while a subscription is active,
so every handler must tolerate duplicates.
*/

type Kind string

const (
	KindUpdate     Kind = "update"
	KindForceClose Kind = "force-close"
	KindTitleSync  Kind = "title-sync"
)

// Envelope is the unit published on the broadcast transport
type Envelope struct {
	DocumentID string          `json:"documentId"`
	Kind       Kind            `json:"kind"`
	Origin     string          `json:"origin"` // instance id of the publisher
	Payload    json.RawMessage `json:"payload,omitempty"`
	SentAt     time.Time       `json:"sentAt"`
}

// NewEnvelope encodes payload into an envelope
func NewEnvelope(documentID string, kind Kind, origin string, payload any) (Envelope, error) {
	env := Envelope{
		DocumentID: documentID,
		Kind:       kind,
		Origin:     origin,
		SentAt:     time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("failed to encode %s payload: %w", kind, err)
		}
		env.Payload = data
	}
	return env, nil
}

// Decode unmarshals the payload into out
func (e Envelope) Decode(out any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("empty %s payload", e.Kind)
	}
	return json.Unmarshal(e.Payload, out)
}

// Handler consumes envelopes delivered on a channel
type Handler func(ctx context.Context, env Envelope)

// Broker is a cross-process publish/subscribe transport
type Broker interface {
	Publish(ctx context.Context, channel string, env Envelope) error
	// Subscribe registers handler on channel. The returned func removes it.
	Subscribe(ctx context.Context, channel string, handler Handler) (func(), error)
	Close() error
}

// Channels names the pub/sub channels under a shared prefix
type Channels struct {
	Prefix string
}

// Document is the channel carrying updates for one document
func (c Channels) Document(documentID string) string {
	return fmt.Sprintf("%s:doc:%s", c.prefix(), documentID)
}

// ForceClose is the channel every instance listens on for force-close signals
func (c Channels) ForceClose() string {
	return c.prefix() + ":force-close"
}

func (c Channels) prefix() string {
	if c.Prefix == "" {
		return "live"
	}
	return c.Prefix
}
