package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"collab-live/internal/broadcast"
	"collab-live/internal/content"
	"collab-live/internal/crdt"
	"collab-live/internal/models"
	"collab-live/internal/ratelimit"
	"collab-live/internal/services/collaboration"
	"collab-live/internal/services/extensions"

	"github.com/gorilla/websocket"
)

const testSecret = "s3cret"

// contentAPI fakes the upstream page endpoints for workspace "acme"
type contentAPI struct {
	mu       sync.Mutex
	puts     []map[string]any
	patches  []string
	cookies  []string
	version  int
	title    string
	html     string
	failPuts int
}

func (c *contentAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cookies = append(c.cookies, r.Header.Get("Cookie"))

	const base = "/api/workspaces/acme/wiki/pages/doc-1/"
	switch {
	case r.Method == http.MethodGet && r.URL.Path == base+"description/":
		w.Header().Set("ETag", fmt.Sprintf(`"v%d"`, c.version))
		_ = json.NewEncoder(w).Encode(map[string]any{"description_html": c.html})

	case r.Method == http.MethodPut && r.URL.Path == base+"description/":
		if c.failPuts > 0 {
			c.failPuts--
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		c.puts = append(c.puts, body)
		c.version++
		w.Header().Set("ETag", fmt.Sprintf(`"v%d"`, c.version))
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodGet && r.URL.Path == base:
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "doc-1", "name": c.title})

	case r.Method == http.MethodPatch && r.URL.Path == base:
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		c.title = body["name"]
		c.patches = append(c.patches, body["name"])
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (c *contentAPI) putCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.puts)
}

func (c *contentAPI) lastPut() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.puts[len(c.puts)-1]
}

func (c *contentAPI) titlePatches() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.patches...)
}

type testServer struct {
	url      string
	upstream *contentAPI
	manager  *collaboration.SessionManager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	quiet := log.New(io.Discard, "", 0)

	upstream := &contentAPI{version: 1, title: "Untitled", html: ""}
	contentServer := httptest.NewServer(upstream)

	broker := broadcast.NewMemoryBroker()
	channels := broadcast.Channels{Prefix: "test"}
	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(), ratelimit.Config{
		MaxConnectionsPerUser: 10,
		ConnectionWindow:      time.Minute,
		MaxMessagesPerSecond:  100,
	})
	titleSync := extensions.NewTitleSync(nil, broker, channels, "instance-a", quiet)
	forceClose := extensions.NewForceClose(broker, channels, "instance-a", quiet)
	if err := forceClose.Start(context.Background()); err != nil {
		t.Fatalf("force-close subscribe failed: %v", err)
	}

	pipeline := collaboration.NewPipeline(
		extensions.NewLogger(quiet),
		extensions.NewRateLimit(limiter, quiet),
		extensions.NewPersistence(content.NewResolver(contentServer.URL, contentServer.Client()), nil, quiet),
		extensions.NewRedis(broker, channels, "instance-a", quiet),
		titleSync,
		forceClose,
	)
	manager := collaboration.NewSessionManager(pipeline, collaboration.Config{
		StoreDebounce: 50 * time.Millisecond,
		Logger:        quiet,
	})

	handler := NewHandler(manager, forceClose, collaboration.NewWebSocketHandler(manager, nil), "instance-a")
	handler.WithHealthCheck("broker", func(ctx context.Context) error { return nil })
	server := httptest.NewServer(SetupRoutes(handler, testSecret))

	t.Cleanup(func() {
		server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = manager.Shutdown(ctx)
		titleSync.Wait()
		forceClose.Stop()
		broker.Close()
		contentServer.Close()
	})

	return &testServer{url: server.URL, upstream: upstream, manager: manager}
}

func (s *testServer) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	url := fmt.Sprintf("ws%s/ws/documents/doc-1?documentType=wiki_page&workspaceSlug=acme&userId=%s",
		strings.TrimPrefix(s.url, "http"), userID)
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Cookie": {"session=" + userID}})
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (s *testServer) request(t *testing.T, method, path, secret string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, s.url+path, reader)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if secret != "" {
		req.Header.Set("X-Admin-Secret", secret)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func read(t *testing.T, conn *websocket.Conn, typ models.MessageType) models.ServerMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg models.ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		if msg.Type == typ {
			return msg
		}
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func typeText(prefix, text string) models.ClientMessage {
	ops := make([]crdt.Operation, 0, len(text))
	for i, r := range text {
		ops = append(ops, crdt.Operation{ID: fmt.Sprintf("%s-%d", prefix, i), Type: crdt.OpInsert, Position: i, Character: string(r)})
	}
	return models.ClientMessage{Type: models.MessageTypeUpdate, Ops: ops}
}

func TestTwoEditorsOnWikiPagePersistOnce(t *testing.T) {
	s := newTestServer(t)

	alice := s.dial(t, "alice")
	read(t, alice, models.MessageTypeSync)
	bob := s.dial(t, "bob")
	read(t, bob, models.MessageTypeSync)

	if err := alice.WriteJSON(typeText("alice", "Hello")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	replica := crdt.New()
	replica.Merge(read(t, bob, models.MessageTypeUpdate).Changes)
	if replica.Text() != "Hello" {
		t.Fatalf("expected bob to see Hello without reloading, got %q", replica.Text())
	}

	saved := read(t, alice, models.MessageTypeSaved)
	if saved.Version != `"v2"` {
		t.Fatalf("expected saved version v2, got %q", saved.Version)
	}

	time.Sleep(200 * time.Millisecond)
	if n := s.upstream.putCount(); n != 1 {
		t.Fatalf("expected exactly one description PUT, got %d", n)
	}
	put := s.upstream.lastPut()
	if put["description_html"] != "<p>Hello</p>" {
		t.Fatalf("unexpected persisted html %v", put["description_html"])
	}
	if put["description_binary"] == nil {
		t.Fatalf("expected the CRDT snapshot to be persisted")
	}

	title := read(t, bob, models.MessageTypeTitle)
	if title.Title != "Hello" {
		t.Fatalf("expected title Hello, got %q", title.Title)
	}
	if patches := s.upstream.titlePatches(); len(patches) != 1 || patches[0] != "Hello" {
		t.Fatalf("expected one title PATCH, got %v", patches)
	}
}

func TestPersistFailureSendsSyncError(t *testing.T) {
	s := newTestServer(t)
	s.upstream.mu.Lock()
	s.upstream.failPuts = 1
	s.upstream.mu.Unlock()

	alice := s.dial(t, "alice")
	read(t, alice, models.MessageTypeSync)
	if err := alice.WriteJSON(typeText("a", "x")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	read(t, alice, models.MessageTypeSyncError)

	// the session stays open and the next change retries the save
	if err := alice.WriteJSON(typeText("b", "y")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	read(t, alice, models.MessageTypeSaved)
	if n := s.upstream.putCount(); n != 1 {
		t.Fatalf("expected one successful PUT, got %d", n)
	}
}

func TestUnsupportedDocumentTypeClosesWithConfigurationCode(t *testing.T) {
	s := newTestServer(t)

	url := fmt.Sprintf("ws%s/ws/documents/doc-1?documentType=spreadsheet&workspaceSlug=acme&userId=alice",
		strings.TrimPrefix(s.url, "http"))
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Cookie": {"session=alice"}})
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != collaboration.CloseConfiguration {
		t.Fatalf("expected close %d, got %v", collaboration.CloseConfiguration, err)
	}
}

func TestAdminEndpoints(t *testing.T) {
	s := newTestServer(t)

	alice := s.dial(t, "alice")
	read(t, alice, models.MessageTypeSync)
	bob := s.dial(t, "bob")
	read(t, bob, models.MessageTypeSync)

	if resp := s.request(t, http.MethodGet, "/api/documents", "", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without secret, got %d", resp.StatusCode)
	}

	resp := s.request(t, http.MethodGet, "/api/documents", testSecret, nil)
	var list struct {
		Count       int                           `json:"count"`
		Connections int                           `json:"connections"`
		Documents   []collaboration.DocumentStats `json:"documents"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if list.Count != 1 || list.Connections != 2 || list.Documents[0].ID != "doc-1" {
		t.Fatalf("unexpected document list %+v", list)
	}

	if resp := s.request(t, http.MethodGet, "/api/documents/missing", testSecret, nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for a document that is not live, got %d", resp.StatusCode)
	}

	resp = s.request(t, http.MethodPost, "/api/documents/doc-1/force-close", testSecret, map[string]string{
		"reason": "access revoked",
		"userId": "bob",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	bob.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := bob.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		if !errors.As(err, &closeErr) || closeErr.Code != collaboration.CloseForceClosed || closeErr.Text != "access revoked" {
			t.Fatalf("expected force-close frame, got %v", err)
		}
		break
	}

	waitUntil(t, "bob to leave", func() bool {
		doc, ok := s.manager.Document("doc-1")
		return ok && doc.ConnectionCount() == 1
	})

	resp = s.request(t, http.MethodGet, "/api/documents/doc-1?text=true", testSecret, nil)
	var detail struct {
		Connections int      `json:"connections"`
		Users       []string `json:"users"`
		Text        string   `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if detail.Connections != 1 || len(detail.Users) != 1 || detail.Users[0] != "alice" {
		t.Fatalf("unexpected document detail %+v", detail)
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	resp := s.request(t, http.MethodGet, "/api/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var health struct {
		Status   string            `json:"status"`
		Instance string            `json:"instance"`
		Checks   map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if health.Status != "ok" || health.Instance != "instance-a" || health.Checks["broker"] != "ok" {
		t.Fatalf("unexpected health %+v", health)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("expected tracing middleware to set X-Request-ID")
	}
}
