package extensions

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"collab-live/internal/content"
	"collab-live/internal/crdt"
	"collab-live/internal/models"
	"collab-live/internal/services/collaboration"
)

var quietLogger = log.New(io.Discard, "", 0)

// fakeService is an in-memory content API for one document scope
type fakeService struct {
	mu        sync.Mutex
	stored    *content.Content
	persisted []*content.Content
	title     string
	titles    []string

	fetchErr    error
	persistErrs []error // consumed one per PersistContent call
	titleErr    error
	titleDelay  time.Duration
}

func (s *fakeService) DocumentType() content.DocumentType { return content.DocumentTypeWikiPage }
func (s *fakeService) BasePath() string                   { return "/api/workspaces/acme/wiki/pages" }

func (s *fakeService) FetchContent(ctx context.Context, id string) (*content.Content, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	if s.stored == nil {
		return &content.Content{}, nil
	}
	c := *s.stored
	return &c, nil
}

func (s *fakeService) PersistContent(ctx context.Context, id string, c *content.Content) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.persistErrs) > 0 {
		err := s.persistErrs[0]
		s.persistErrs = s.persistErrs[1:]
		if err != nil {
			return "", err
		}
	}
	copied := *c
	s.persisted = append(s.persisted, &copied)
	version := fmt.Sprintf("v%d", len(s.persisted)+1)
	copied.Version = version
	s.stored = &copied
	return version, nil
}

func (s *fakeService) FetchMetadata(ctx context.Context, id string) (*content.Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &content.Metadata{ID: id, Name: s.title}, nil
}

func (s *fakeService) UpdateTitle(ctx context.Context, id, title string) error {
	if s.titleDelay > 0 {
		time.Sleep(s.titleDelay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.titleErr != nil {
		return s.titleErr
	}
	s.title = title
	s.titles = append(s.titles, title)
	return nil
}

func (s *fakeService) persistCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.persisted)
}

func (s *fakeService) titleCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.titles...)
}

type fakeResolver struct {
	service content.Service
	err     error
}

func (r fakeResolver) Resolve(docType content.DocumentType, scope content.Scope) (content.Service, error) {
	return r.service, r.err
}

// memoryJournal is an UpdateJournal kept in a slice
type memoryJournal struct {
	mu      sync.Mutex
	updates []*models.DocumentUpdate
	listErr error
}

func (j *memoryJournal) Append(ctx context.Context, update *models.DocumentUpdate) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.updates = append(j.updates, update)
	return nil
}

func (j *memoryJournal) ListUpdates(ctx context.Context, documentID string) ([]*models.DocumentUpdate, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.listErr != nil {
		return nil, j.listErr
	}
	var out []*models.DocumentUpdate
	for _, u := range j.updates {
		if u.DocumentID == documentID {
			out = append(out, u)
		}
	}
	return out, nil
}

func (j *memoryJournal) PruneUpdates(ctx context.Context, documentID string, upTo time.Time) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	kept := j.updates[:0]
	var n int64
	for _, u := range j.updates {
		if u.DocumentID == documentID && !u.CreatedAt.After(upTo) {
			n++
			continue
		}
		kept = append(kept, u)
	}
	j.updates = kept
	return n, nil
}

func (j *memoryJournal) len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.updates)
}

func sessionFor(docID string, svc content.Service) *models.SessionContext {
	sc := models.NewSessionContext(docID, content.DocumentTypeWikiPage, "alice")
	sc.WorkspaceSlug = "acme"
	sc.Cookie = "session=abc"
	sc.Service = svc
	return sc
}

func snapshotOf(t *testing.T, text string) []byte {
	t.Helper()
	doc := crdt.New()
	doc.SeedText("base", text, time.Unix(0, 0).UTC())
	data, err := doc.Snapshot()
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	return data
}

func TestPersistenceResolvesServiceOnConnect(t *testing.T) {
	svc := &fakeService{}
	p := NewPersistence(fakeResolver{service: svc}, nil, quietLogger)

	sc := sessionFor("doc-1", nil)
	if err := p.OnConnect(context.Background(), &collaboration.ConnectPayload{Context: sc}); err != nil {
		t.Fatalf("OnConnect failed: %v", err)
	}
	if sc.Service != svc {
		t.Fatalf("expected resolved service on the session")
	}

	cfgErr := &content.ConfigError{DocumentType: "bogus", Reason: "unsupported document type"}
	p = NewPersistence(fakeResolver{err: cfgErr}, nil, quietLogger)
	err := p.OnConnect(context.Background(), &collaboration.ConnectPayload{Context: sessionFor("doc-1", nil)})
	if !errors.Is(err, cfgErr) {
		t.Fatalf("expected config error, got %v", err)
	}
	if code, _ := collaboration.CloseCodeFor(err); code != collaboration.CloseConfiguration {
		t.Fatalf("expected close code %d, got %d", collaboration.CloseConfiguration, code)
	}
}

func TestPersistenceSeedsFromHTMLWhenNoSnapshot(t *testing.T) {
	svc := &fakeService{stored: &content.Content{HTML: "<p>Roadmap</p><p>Q3</p>", Version: "etag-1"}}
	p := NewPersistence(fakeResolver{service: svc}, nil, quietLogger)

	doc := collaboration.NewDocument("doc-1")
	err := p.OnLoadDocument(context.Background(), &collaboration.LoadPayload{Context: sessionFor("doc-1", svc), Document: doc})
	if err != nil {
		t.Fatalf("OnLoadDocument failed: %v", err)
	}
	if doc.Text() != "Roadmap\nQ3" {
		t.Fatalf("expected seeded text, got %q", doc.Text())
	}
	if doc.Version() != "etag-1" {
		t.Fatalf("expected version etag-1, got %q", doc.Version())
	}

	// a second instance derives the same character ids
	other := collaboration.NewDocument("doc-1")
	_ = p.OnLoadDocument(context.Background(), &collaboration.LoadPayload{Context: sessionFor("doc-1", svc), Document: other})
	if merged := doc.State().Merge(other.State().Characters()); merged != 0 {
		t.Fatalf("expected identical seeds, merged %d new characters", merged)
	}
}

func TestPersistenceReplaysJournalOnLoad(t *testing.T) {
	svc := &fakeService{stored: &content.Content{Binary: snapshotOf(t, "ab"), Version: "v1"}}
	journal := &memoryJournal{}
	p := NewPersistence(fakeResolver{service: svc}, journal, quietLogger)

	// a change that never reached the content API
	pending := crdt.New()
	_ = pending.Load(snapshotOf(t, "ab"))
	changes, err := pending.Apply([]crdt.Operation{{ID: "c1", Type: crdt.OpInsert, Position: 2, Character: "c"}}, "alice", time.Now())
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	sc := sessionFor("doc-1", svc)
	if err := p.OnChange(context.Background(), &collaboration.ChangePayload{Context: sc, Document: collaboration.NewDocument("doc-1"), Changes: changes}); err != nil {
		t.Fatalf("OnChange failed: %v", err)
	}
	if journal.len() != 1 {
		t.Fatalf("expected one journal entry, got %d", journal.len())
	}

	doc := collaboration.NewDocument("doc-1")
	if err := p.OnLoadDocument(context.Background(), &collaboration.LoadPayload{Context: sc, Document: doc}); err != nil {
		t.Fatalf("OnLoadDocument failed: %v", err)
	}
	if doc.Text() != "abc" {
		t.Fatalf("expected replayed text %q, got %q", "abc", doc.Text())
	}
	if !doc.Stats().Dirty {
		t.Fatalf("expected replayed document to be dirty")
	}
}

func TestPersistenceLoadSurvivesJournalFailure(t *testing.T) {
	svc := &fakeService{stored: &content.Content{Binary: snapshotOf(t, "ok")}}
	p := NewPersistence(fakeResolver{service: svc}, &memoryJournal{listErr: errors.New("db down")}, quietLogger)

	doc := collaboration.NewDocument("doc-1")
	if err := p.OnLoadDocument(context.Background(), &collaboration.LoadPayload{Context: sessionFor("doc-1", svc), Document: doc}); err != nil {
		t.Fatalf("expected load to succeed, got %v", err)
	}
	if doc.Text() != "ok" {
		t.Fatalf("unexpected text %q", doc.Text())
	}
}

func TestPersistenceLoadFailsWhenContentUnavailable(t *testing.T) {
	svc := &fakeService{fetchErr: &content.HTTPError{Op: "fetch content", StatusCode: http.StatusNotFound}}
	p := NewPersistence(fakeResolver{service: svc}, nil, quietLogger)

	err := p.OnLoadDocument(context.Background(), &collaboration.LoadPayload{Context: sessionFor("doc-1", svc), Document: collaboration.NewDocument("doc-1")})
	if !errors.Is(err, content.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPersistenceStoresSnapshotAndPrunesJournal(t *testing.T) {
	svc := &fakeService{}
	journal := &memoryJournal{}
	p := NewPersistence(fakeResolver{service: svc}, journal, quietLogger)

	doc := collaboration.NewDocument("doc-1")
	doc.State().SeedText("t", "a<b", time.Now())
	doc.SetVersion("v1")
	_ = journal.Append(context.Background(), models.NewDocumentUpdate("doc-1", "s1", "alice", []byte("[]")))

	err := p.OnStoreDocument(context.Background(), &collaboration.StorePayload{Context: sessionFor("doc-1", svc), Document: doc})
	if err != nil {
		t.Fatalf("OnStoreDocument failed: %v", err)
	}

	if svc.persistCount() != 1 {
		t.Fatalf("expected one persist, got %d", svc.persistCount())
	}
	got := svc.persisted[0]
	if got.HTML != "<p>a&lt;b</p>" || got.Version != "v1" {
		t.Fatalf("unexpected persisted content %+v", got)
	}
	stored := crdt.New()
	if err := stored.Load(got.Binary); err != nil || stored.Text() != "a<b" {
		t.Fatalf("expected snapshot of %q, got %q (%v)", "a<b", stored.Text(), err)
	}
	if doc.Version() != "v2" {
		t.Fatalf("expected version to advance to v2, got %q", doc.Version())
	}
	if journal.len() != 0 {
		t.Fatalf("expected journal to be pruned, %d entries left", journal.len())
	}
}

func TestPersistenceMergesUpstreamOnVersionConflict(t *testing.T) {
	svc := &fakeService{
		stored:      &content.Content{Binary: snapshotOf(t, "xy"), Version: "v9"},
		persistErrs: []error{&content.HTTPError{Op: "persist content", StatusCode: http.StatusPreconditionFailed}},
	}
	p := NewPersistence(fakeResolver{service: svc}, nil, quietLogger)

	doc := collaboration.NewDocument("doc-1")
	doc.State().SeedText("local", "z", time.Now())
	doc.SetVersion("v1")

	err := p.OnStoreDocument(context.Background(), &collaboration.StorePayload{Context: sessionFor("doc-1", svc), Document: doc})
	if err != nil {
		t.Fatalf("expected conflict to be resolved, got %v", err)
	}
	if svc.persistCount() != 1 {
		t.Fatalf("expected one successful persist, got %d", svc.persistCount())
	}
	if svc.persisted[0].Version != "v9" {
		t.Fatalf("expected retry against upstream version v9, got %q", svc.persisted[0].Version)
	}
	text := doc.Text()
	if len(text) != 3 || !strings.Contains(text, "z") || !strings.Contains(text, "x") || !strings.Contains(text, "y") {
		t.Fatalf("expected merged text, got %q", text)
	}
}

func TestPersistenceWrapsStoreFailures(t *testing.T) {
	svc := &fakeService{persistErrs: []error{errors.New("connection refused")}}
	p := NewPersistence(fakeResolver{service: svc}, nil, quietLogger)

	doc := collaboration.NewDocument("doc-1")
	err := p.OnStoreDocument(context.Background(), &collaboration.StorePayload{Context: sessionFor("doc-1", svc), Document: doc})

	var persistErr *collaboration.PersistenceError
	if !errors.As(err, &persistErr) || persistErr.DocumentID != "doc-1" {
		t.Fatalf("expected PersistenceError for doc-1, got %v", err)
	}
}
