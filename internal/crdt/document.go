package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

/*
LEARNING: SEQUENCE CRDT WITH LEFT-ORIGIN LINKS (RGA)

Every character gets a unique ID, the ID of the character it was typed after
(its origin) and a Lamport sequence number. None of these ever change, so
replicas only need to:

  1. Add characters they have not seen yet (keyed by ID)
  2. Turn characters into tombstones when a delete arrives

A new character goes right after its origin, skipping any characters that
are "newer" (higher seq, then higher ID). Everything typed after a newer
sibling has an even higher seq, so the skip passes whole runs of text and
typing order survives no matter how long the run gets.

Both steps are idempotent and commutative, which is what lets two server
instances exchange changes in any order and still converge on the same text.

Editors send index-based Operations. The instance that receives an Operation
resolves it against its own replica into a Character (the "change") and only
changes travel between replicas.
*/

var (
	ErrInvalidOperation = errors.New("invalid operation")
	ErrOutOfRange       = errors.New("position out of range")
)

type OpType string

const (
	OpInsert OpType = "insert"
	OpDelete OpType = "delete"
)

// Operation is a single index-based edit sent by an editor
type Operation struct {
	ID        string `json:"id,omitempty"`
	Type      OpType `json:"type"`
	Position  int    `json:"position"`
	Character string `json:"character,omitempty"`
}

// Character represents a character in the CRDT with positioning info
type Character struct {
	ID        string    `json:"id" bson:"id"`
	Value     string    `json:"value,omitempty" bson:"value,omitempty"`
	Origin    string    `json:"origin,omitempty" bson:"origin,omitempty"`
	Seq       uint64    `json:"seq" bson:"seq"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
	UserID    string    `json:"user_id,omitempty" bson:"user_id,omitempty"`
	Deleted   bool      `json:"deleted,omitempty" bson:"deleted,omitempty"`
}

// Document is the replicated text state of one collaborative document
type Document struct {
	mu         sync.RWMutex
	characters []Character
	index      map[string]int
	// characters whose origin has not arrived yet, keyed by ID
	orphans map[string]Character
	clock   uint64
}

type snapshot struct {
	Characters []Character `json:"characters"`
}

// New creates an empty document
func New() *Document {
	return &Document{
		characters: make([]Character, 0),
		index:      make(map[string]int),
		orphans:    make(map[string]Character),
	}
}

// Apply resolves editor operations against this replica and returns the
// resulting changes. Inserts whose ID is already known are skipped.
func (d *Document) Apply(ops []Operation, userID string, now time.Time) ([]Character, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	changes := make([]Character, 0, len(ops))
	for i, op := range ops {
		switch op.Type {
		case OpInsert:
			if op.ID == "" || op.Character == "" {
				return changes, fmt.Errorf("%w: insert %d needs id and character", ErrInvalidOperation, i)
			}
			if d.known(op.ID) {
				continue
			}
			char := Character{
				ID:        op.ID,
				Value:     op.Character,
				Origin:    d.originAt(op.Position),
				Seq:       d.clock + 1,
				Timestamp: now,
				UserID:    userID,
			}
			d.insert(char)
			changes = append(changes, char)

		case OpDelete:
			target := op.ID
			if target == "" {
				visible := d.visibleCharacters()
				if op.Position < 0 || op.Position >= len(visible) {
					return changes, fmt.Errorf("%w: delete at %d (length %d)", ErrOutOfRange, op.Position, len(visible))
				}
				target = visible[op.Position].ID
			}
			idx, exists := d.index[target]
			if !exists || d.characters[idx].Deleted {
				continue
			}
			d.characters[idx].Deleted = true
			changes = append(changes, d.characters[idx])

		default:
			return changes, fmt.Errorf("%w: unknown type %q", ErrInvalidOperation, op.Type)
		}
	}

	return changes, nil
}

// Merge applies already-resolved changes from another replica.
// It returns how many changes modified local state.
func (d *Document) Merge(changes []Character) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.merge(changes)
}

func (d *Document) merge(changes []Character) int {
	applied := 0
	for _, change := range changes {
		if change.ID == "" {
			continue
		}
		if orphan, waiting := d.orphans[change.ID]; waiting {
			if change.Deleted && !orphan.Deleted {
				orphan.Deleted = true
				d.orphans[change.ID] = orphan
				applied++
			}
			continue
		}
		idx, exists := d.index[change.ID]
		if !exists {
			d.insert(change)
			applied++
			continue
		}
		if change.Deleted && !d.characters[idx].Deleted {
			d.characters[idx].Deleted = true
			applied++
		}
	}
	return applied
}

// Text returns the current visible text content
func (d *Document) Text() string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var b strings.Builder
	for _, char := range d.characters {
		if !char.Deleted {
			b.WriteString(char.Value)
		}
	}
	return b.String()
}

// Len returns the number of visible characters
func (d *Document) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return len(d.visibleCharacters())
}

// Characters returns a copy of every character in document order,
// tombstones included. Characters still waiting for their origin come last.
func (d *Document) Characters() []Character {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Character, len(d.characters), len(d.characters)+len(d.orphans))
	copy(out, d.characters)
	waiting := make([]Character, 0, len(d.orphans))
	for _, char := range d.orphans {
		waiting = append(waiting, char)
	}
	sort.Slice(waiting, func(i, j int) bool {
		if waiting[i].Seq != waiting[j].Seq {
			return waiting[i].Seq < waiting[j].Seq
		}
		return waiting[i].ID < waiting[j].ID
	})
	return append(out, waiting...)
}

// Snapshot encodes the full replica state
func (d *Document) Snapshot() ([]byte, error) {
	return json.Marshal(snapshot{Characters: d.Characters()})
}

// Load merges an encoded snapshot into this replica
func (d *Document) Load(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.merge(snap.Characters)
	return nil
}

// SeedText initializes an empty replica from plain text. Character IDs are
// derived from prefix so every replica seeding the same text agrees on them.
func (d *Document) SeedText(prefix, text string, now time.Time) []Character {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.characters) > 0 || len(d.orphans) > 0 {
		return nil
	}
	changes := make([]Character, 0, len(text))
	origin := ""
	for i, r := range []rune(text) {
		char := Character{
			ID:        fmt.Sprintf("%s:%d", prefix, i),
			Value:     string(r),
			Origin:    origin,
			Seq:       uint64(i + 1),
			Timestamp: now,
		}
		d.insert(char)
		changes = append(changes, char)
		origin = char.ID
	}
	return changes
}

// originAt returns the ID of the visible character an insert at index
// lands after, or "" for the start of the document
func (d *Document) originAt(index int) string {
	if index <= 0 {
		return ""
	}
	visible := d.visibleCharacters()
	if len(visible) == 0 {
		return ""
	}
	if index > len(visible) {
		index = len(visible)
	}
	return visible[index-1].ID
}

func (d *Document) known(id string) bool {
	if _, exists := d.index[id]; exists {
		return true
	}
	_, waiting := d.orphans[id]
	return waiting
}

func (d *Document) visibleCharacters() []Character {
	visible := make([]Character, 0, len(d.characters))
	for _, char := range d.characters {
		if !char.Deleted {
			visible = append(visible, char)
		}
	}
	return visible
}

// insert places char after its origin, or parks it until the origin
// arrives, then places any orphans that were waiting on it
func (d *Document) insert(char Character) {
	if char.Seq > d.clock {
		d.clock = char.Seq
	}
	if char.Origin != "" {
		if _, exists := d.index[char.Origin]; !exists {
			d.orphans[char.ID] = char
			return
		}
	}
	d.integrate(char)

	for placed := true; placed && len(d.orphans) > 0; {
		placed = false
		for id, orphan := range d.orphans {
			if _, exists := d.index[orphan.Origin]; exists {
				delete(d.orphans, id)
				d.integrate(orphan)
				placed = true
			}
		}
	}
}

func (d *Document) integrate(char Character) {
	i := 0
	if char.Origin != "" {
		i = d.index[char.Origin] + 1
	}
	for i < len(d.characters) && newer(d.characters[i], char) {
		i++
	}

	d.characters = append(d.characters, Character{})
	copy(d.characters[i+1:], d.characters[i:])
	d.characters[i] = char
	for j := i; j < len(d.characters); j++ {
		d.index[d.characters[j].ID] = j
	}
}

// newer reports whether a sorts before b when both follow the same origin
func newer(a, b Character) bool {
	if a.Seq != b.Seq {
		return a.Seq > b.Seq
	}
	return a.ID > b.ID
}
