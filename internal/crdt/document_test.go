package crdt

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func insertText(t *testing.T, doc *Document, prefix, text string, at int) []Character {
	t.Helper()
	ops := make([]Operation, 0, len(text))
	for i, r := range text {
		ops = append(ops, Operation{
			ID:        prefix + string(rune('a'+i)),
			Type:      OpInsert,
			Position:  at + i,
			Character: string(r),
		})
	}
	changes, err := doc.Apply(ops, "user-1", time.Now())
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	return changes
}

func TestApplyInsertAndDelete(t *testing.T) {
	doc := New()
	insertText(t, doc, "x", "helo", 0)
	if got := doc.Text(); got != "helo" {
		t.Fatalf("expected helo, got %q", got)
	}

	if _, err := doc.Apply([]Operation{{ID: "y1", Type: OpInsert, Position: 2, Character: "l"}}, "user-1", time.Now()); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if got := doc.Text(); got != "hello" {
		t.Fatalf("expected hello, got %q", got)
	}

	changes, err := doc.Apply([]Operation{{Type: OpDelete, Position: 0}}, "user-1", time.Now())
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if len(changes) != 1 || !changes[0].Deleted {
		t.Fatalf("expected one tombstone change, got %+v", changes)
	}
	if got := doc.Text(); got != "ello" {
		t.Fatalf("expected ello, got %q", got)
	}
}

func TestApplyRejectsInvalidOperations(t *testing.T) {
	doc := New()
	if _, err := doc.Apply([]Operation{{Type: OpInsert, Position: 0, Character: "a"}}, "u", time.Now()); !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("expected ErrInvalidOperation, got %v", err)
	}
	if _, err := doc.Apply([]Operation{{Type: OpDelete, Position: 3}}, "u", time.Now()); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
	if _, err := doc.Apply([]Operation{{Type: "move"}}, "u", time.Now()); !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("expected ErrInvalidOperation for unknown type, got %v", err)
	}
}

func TestMergeConvergesRegardlessOfOrder(t *testing.T) {
	origin := New()
	first := insertText(t, origin, "a", "abc", 0)
	second, err := origin.Apply([]Operation{{Type: OpDelete, Position: 1}}, "user-2", time.Now())
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	inOrder := New()
	inOrder.Merge(first)
	inOrder.Merge(second)

	reversed := New()
	reversed.Merge(second)
	reversed.Merge(first)

	if inOrder.Text() != origin.Text() || reversed.Text() != origin.Text() {
		t.Fatalf("replicas diverged: origin=%q inOrder=%q reversed=%q", origin.Text(), inOrder.Text(), reversed.Text())
	}
	if applied := inOrder.Merge(first); applied != 0 {
		t.Fatalf("expected re-merge to be a no-op, applied %d", applied)
	}
}

func TestSnapshotRoundTripKeepsTombstones(t *testing.T) {
	doc := New()
	insertText(t, doc, "s", "hey", 0)
	if _, err := doc.Apply([]Operation{{Type: OpDelete, Position: 2}}, "u", time.Now()); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	data, err := doc.Snapshot()
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}

	restored := New()
	if err := restored.Load(data); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if restored.Text() != "he" {
		t.Fatalf("expected he, got %q", restored.Text())
	}
	if len(restored.Characters()) != 3 {
		t.Fatalf("expected tombstone to survive snapshot, got %d characters", len(restored.Characters()))
	}
}

func TestSeedTextOnlyOnEmptyDocument(t *testing.T) {
	doc := New()
	if changes := doc.SeedText("doc-1", "hi", time.Now()); len(changes) != 2 {
		t.Fatalf("expected 2 seeded characters, got %d", len(changes))
	}
	if changes := doc.SeedText("doc-1", "again", time.Now()); changes != nil {
		t.Fatalf("expected seeding a non-empty document to be skipped")
	}
	if doc.Text() != "hi" {
		t.Fatalf("expected hi, got %q", doc.Text())
	}
}

func TestLongRunTypedBetweenTwoCharactersKeepsOrder(t *testing.T) {
	doc := New()
	brackets := insertText(t, doc, "b", "[]", 0)

	sentence := strings.Repeat("the quick brown fox jumps over the lazy dog ", 4)
	ops := make([]Operation, 0, len(sentence))
	for i, r := range sentence {
		ops = append(ops, Operation{
			ID:        fmt.Sprintf("t-%d", i),
			Type:      OpInsert,
			Position:  1 + i,
			Character: string(r),
		})
	}
	changes, err := doc.Apply(ops, "user-1", time.Now())
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if len(sentence) <= 100 {
		t.Fatalf("sentence too short: %d", len(sentence))
	}

	want := "[" + sentence + "]"
	if got := doc.Text(); got != want {
		t.Fatalf("typing order lost:\n got %q\nwant %q", got, want)
	}

	replica := New()
	replica.Merge(brackets)
	replica.Merge(changes)
	if got := replica.Text(); got != want {
		t.Fatalf("replica diverged:\n got %q\nwant %q", got, want)
	}
}

func TestConcurrentInsertsAtSameSpotConverge(t *testing.T) {
	base := New()
	seeded := base.SeedText("seed", "ac", time.Now())

	left := New()
	left.Merge(seeded)
	right := New()
	right.Merge(seeded)

	fromLeft, err := left.Apply([]Operation{
		{ID: "l-1", Type: OpInsert, Position: 1, Character: "1"},
		{ID: "l-2", Type: OpInsert, Position: 2, Character: "2"},
	}, "alice", time.Now())
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	fromRight, err := right.Apply([]Operation{
		{ID: "r-1", Type: OpInsert, Position: 1, Character: "x"},
		{ID: "r-2", Type: OpInsert, Position: 2, Character: "y"},
	}, "bob", time.Now())
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	left.Merge(fromRight)
	right.Merge(fromLeft)

	if left.Text() != right.Text() {
		t.Fatalf("replicas diverged: %q vs %q", left.Text(), right.Text())
	}
	got := left.Text()
	if got != "a12xyc" && got != "axy12c" {
		t.Fatalf("expected each run to stay contiguous, got %q", got)
	}
}

func TestMergeWaitsForMissingOrigin(t *testing.T) {
	origin := New()
	changes := insertText(t, origin, "o", "abc", 0)

	doc := New()
	if applied := doc.Merge(changes[2:]); applied != 1 {
		t.Fatalf("expected the orphan to be kept, applied %d", applied)
	}
	if doc.Text() != "" {
		t.Fatalf("orphan must stay hidden until its origin arrives, got %q", doc.Text())
	}
	if len(doc.Characters()) != 1 {
		t.Fatalf("expected the orphan in Characters, got %d", len(doc.Characters()))
	}

	doc.Merge(changes[:2])
	if doc.Text() != "abc" {
		t.Fatalf("expected abc once origins arrived, got %q", doc.Text())
	}
}
