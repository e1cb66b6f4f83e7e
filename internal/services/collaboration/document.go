package collaboration

import (
	"sort"
	"sync"
	"time"

	"collab-live/internal/crdt"
	"collab-live/internal/models"
)

// Document is the in-process session for one collaborative document.
// All local connections editing the same document share it; it exists from
// the first connect until the last disconnect.
type Document struct {
	ID string

	state *crdt.Document

	mu           sync.Mutex
	connections  map[string]*Connection
	dirty        bool
	firstDirtyAt time.Time
	lastContext  *models.SessionContext
	version      string
	storeTimer   *time.Timer

	// storeMu serializes store runs
	storeMu sync.Mutex

	loaded  chan struct{}
	loadErr error
}

// DocumentStats is a point-in-time view of a live document
type DocumentStats struct {
	ID          string   `json:"id"`
	Connections int      `json:"connections"`
	Users       []string `json:"users"`
	Dirty       bool     `json:"dirty"`
	Version     string   `json:"version,omitempty"`
	Length      int      `json:"length"`
}

// NewDocument creates an empty, unregistered document. The manager creates
// the documents it serves; this is for tools and tests.
func NewDocument(id string) *Document {
	return &Document{
		ID:          id,
		state:       crdt.New(),
		connections: make(map[string]*Connection),
		loaded:      make(chan struct{}),
	}
}

// State returns the CRDT replica
func (d *Document) State() *crdt.Document {
	return d.state
}

// Text returns the visible text
func (d *Document) Text() string {
	return d.state.Text()
}

// Version returns the stored revision the replica is based on
func (d *Document) Version() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version
}

// SetVersion records the revision returned by the content API
func (d *Document) SetVersion(version string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.version = version
}

// ConnectionCount returns the number of local connections
func (d *Document) ConnectionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.connections)
}

// Connections returns the local connections
func (d *Document) Connections() []*Connection {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]*Connection, 0, len(d.connections))
	for _, c := range d.connections {
		out = append(out, c)
	}
	return out
}

// Broadcast queues msg on every local connection except the given socket
func (d *Document) Broadcast(msg *models.ServerMessage, exceptSocketID string) int {
	sent := 0
	for _, c := range d.Connections() {
		if exceptSocketID != "" && c.Context.SocketID == exceptSocketID {
			continue
		}
		if c.Send(msg) {
			sent++
		}
	}
	return sent
}

// ApplyRemote merges changes made on another instance and forwards them to
// local editors. Remote changes do not mark the document dirty: the
// instance that accepted them stores them.
func (d *Document) ApplyRemote(changes []crdt.Character) int {
	applied := d.state.Merge(changes)
	if applied > 0 {
		d.Broadcast(&models.ServerMessage{
			Type:     models.MessageTypeUpdate,
			Document: d.ID,
			Changes:  changes,
		}, "")
	}
	return applied
}

// CloseConnections closes every local connection accepted by match (all
// when match is nil) and returns how many were closed
func (d *Document) CloseConnections(code int, reason string, match func(sc *models.SessionContext) bool) int {
	closed := 0
	for _, c := range d.Connections() {
		if match != nil && !match(c.Context) {
			continue
		}
		select {
		case <-c.Done():
			continue
		default:
		}
		c.Close(code, reason)
		closed++
	}
	return closed
}

// Stats returns a snapshot for the admin API
func (d *Document) Stats() DocumentStats {
	d.mu.Lock()
	users := make([]string, 0, len(d.connections))
	seen := make(map[string]bool)
	for _, c := range d.connections {
		if id := c.Context.UserID; id != "" && !seen[id] {
			seen[id] = true
			users = append(users, id)
		}
	}
	stats := DocumentStats{
		ID:          d.ID,
		Connections: len(d.connections),
		Users:       users,
		Dirty:       d.dirty,
		Version:     d.version,
	}
	d.mu.Unlock()

	sort.Strings(stats.Users)
	stats.Length = d.state.Len()
	return stats
}

func (d *Document) addConnection(c *Connection) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connections[c.Context.SocketID] = c
	return len(d.connections)
}

func (d *Document) removeConnection(socketID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.connections, socketID)
	return len(d.connections)
}

func (d *Document) finishLoad(err error) {
	d.loadErr = err
	close(d.loaded)
}

// LoadFailed reports whether loading finished with an error. Such a
// document is never served; extensions use it to release what they took
// during OnLoadDocument.
func (d *Document) LoadFailed() bool {
	select {
	case <-d.loaded:
		return d.loadErr != nil
	default:
		return false
	}
}

// MarkDirty flags changes that did not come through an editor, such as a
// replayed journal, so the next store includes them
func (d *Document) MarkDirty(sc *models.SessionContext) {
	d.markDirty(sc, time.Now())
}

func (d *Document) markDirty(sc *models.SessionContext, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.dirty {
		d.dirty = true
		d.firstDirtyAt = now
	}
	d.lastContext = sc
}

// takeDirty clears the dirty flag and returns the context to store with.
// The last editor's context is preferred while that editor is connected.
func (d *Document) takeDirty() (*models.SessionContext, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.dirty {
		return nil, false
	}
	d.dirty = false
	d.firstDirtyAt = time.Time{}

	sc := d.lastContext
	if sc != nil {
		if _, ok := d.connections[sc.SocketID]; ok || len(d.connections) == 0 {
			return sc, true
		}
	}
	for _, c := range d.connections {
		return c.Context, true
	}
	return sc, true
}

// restoreDirty puts the flag back after a failed store
func (d *Document) restoreDirty(sc *models.SessionContext) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.dirty {
		d.dirty = true
		d.firstDirtyAt = time.Now()
	}
	if d.lastContext == nil {
		d.lastContext = sc
	}
}

// nextStoreDelay resets the debounce timer; the delay never pushes a store
// past firstDirtyAt+maxWait
func (d *Document) nextStoreDelay(now time.Time, debounce, maxWait time.Duration) time.Duration {
	delay := debounce
	if maxWait > 0 && !d.firstDirtyAt.IsZero() {
		deadline := d.firstDirtyAt.Add(maxWait)
		if now.Add(delay).After(deadline) {
			delay = deadline.Sub(now)
		}
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

func (d *Document) scheduleStore(now time.Time, debounce, maxWait time.Duration, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.storeTimer != nil {
		d.storeTimer.Stop()
	}
	d.storeTimer = time.AfterFunc(d.nextStoreDelay(now, debounce, maxWait), fn)
}

func (d *Document) stopStoreTimer() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.storeTimer != nil {
		d.storeTimer.Stop()
		d.storeTimer = nil
	}
}
