package extensions

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"collab-live/internal/broadcast"
	"collab-live/internal/content"
	"collab-live/internal/models"
	"collab-live/internal/services/collaboration"
)

const maxTitleLength = 255

// TitleExtractor derives a page title from the document text. An empty
// result leaves the title alone.
type TitleExtractor func(text string) string

// FirstLineTitle returns the first non-empty line, trimmed and capped at
// 255 characters
func FirstLineTitle(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if utf8.RuneCountInString(line) > maxTitleLength {
			line = strings.TrimSpace(string([]rune(line)[:maxTitleLength]))
		}
		return line
	}
	return ""
}

type titleState struct {
	synced  string // last title the content API accepted
	want    string // latest derived title
	running bool
}

// TitleSync writes the derived title back to the page record. Updates run
// off the editing path, one at a time per document; failures are only
// logged and retried by the next change.
type TitleSync struct {
	extract    TitleExtractor
	broker     broadcast.Broker
	channels   broadcast.Channels
	instanceID string
	logger     collaboration.Logger
	timeout    time.Duration

	mu     sync.Mutex
	states map[string]*titleState
	wg     sync.WaitGroup
}

// NewTitleSync creates the extension. broker may be nil to skip notifying
// other instances.
func NewTitleSync(extract TitleExtractor, broker broadcast.Broker, channels broadcast.Channels, instanceID string, logger collaboration.Logger) *TitleSync {
	if extract == nil {
		extract = FirstLineTitle
	}
	if logger == nil {
		logger = log.Default()
	}
	return &TitleSync{
		extract:    extract,
		broker:     broker,
		channels:   channels,
		instanceID: instanceID,
		logger:     logger,
		timeout:    10 * time.Second,
		states:     make(map[string]*titleState),
	}
}

func (t *TitleSync) Name() string { return "TitleSync" }

// OnLoadDocument seeds the last synced title from the page record so an
// unchanged first line does not trigger a write
func (t *TitleSync) OnLoadDocument(ctx context.Context, p *collaboration.LoadPayload) error {
	svc := p.Context.Service
	if svc == nil {
		return nil
	}

	meta, err := svc.FetchMetadata(ctx, p.Document.ID)
	if err != nil {
		t.logger.Printf("⚠️  Failed to fetch metadata for document %s: %v", p.Document.ID, err)
		return nil
	}

	t.mu.Lock()
	t.states[p.Document.ID] = &titleState{synced: meta.Name, want: meta.Name}
	t.mu.Unlock()
	return nil
}

// OnChange schedules a title update when the derived title changed
func (t *TitleSync) OnChange(ctx context.Context, p *collaboration.ChangePayload) error {
	svc := p.Context.Service
	if svc == nil {
		return nil
	}
	doc := p.Document
	title := t.extract(doc.Text())
	if title == "" {
		return nil
	}

	t.mu.Lock()
	state, ok := t.states[doc.ID]
	if !ok {
		state = &titleState{}
		t.states[doc.ID] = state
	}
	if title == state.want {
		t.mu.Unlock()
		return nil
	}
	state.want = title
	if state.running {
		// the running worker picks up the latest title
		t.mu.Unlock()
		return nil
	}
	state.running = true
	t.wg.Add(1)
	t.mu.Unlock()

	go t.run(doc, svc, state)
	return nil
}

// OnDisconnect forgets the document after the last local connection
func (t *TitleSync) OnDisconnect(ctx context.Context, p *collaboration.DisconnectPayload) error {
	if p.Document == nil || p.Remaining > 0 {
		return nil
	}
	t.mu.Lock()
	if state, ok := t.states[p.Document.ID]; ok && !state.running {
		delete(t.states, p.Document.ID)
	}
	t.mu.Unlock()
	return nil
}

// Wait blocks until in-flight title updates finish
func (t *TitleSync) Wait() {
	t.wg.Wait()
}

// Synced returns the last title written for a document
func (t *TitleSync) Synced(documentID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if state, ok := t.states[documentID]; ok {
		return state.synced
	}
	return ""
}

func (t *TitleSync) run(doc *collaboration.Document, svc content.Service, state *titleState) {
	defer t.wg.Done()

	for {
		t.mu.Lock()
		title := state.want
		if title == state.synced {
			state.running = false
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
		err := svc.UpdateTitle(ctx, doc.ID, title)
		cancel()

		if err != nil {
			t.logger.Printf("⚠️  Failed to sync title for document %s: %v", doc.ID, err)
			t.mu.Lock()
			// let the next change retry
			state.want = state.synced
			state.running = false
			t.mu.Unlock()
			return
		}

		t.mu.Lock()
		state.synced = title
		t.mu.Unlock()

		t.notify(doc, title)
	}
}

func (t *TitleSync) notify(doc *collaboration.Document, title string) {
	doc.Broadcast(&models.ServerMessage{
		Type:     models.MessageTypeTitle,
		Document: doc.ID,
		Title:    title,
	}, "")

	if t.broker == nil {
		return
	}
	env, err := broadcast.NewEnvelope(doc.ID, broadcast.KindTitleSync, t.instanceID, TitlePayload{Title: title})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	if err := t.broker.Publish(ctx, t.channels.Document(doc.ID), env); err != nil {
		t.logger.Printf("⚠️  Failed to publish title for document %s: %v", doc.ID, err)
	}
}
