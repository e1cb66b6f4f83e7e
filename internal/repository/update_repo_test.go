package repository

import (
	"context"
	"testing"
	"time"

	"collab-live/internal/models"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestGorm(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle failed: %v", err)
	}
	// every connection to :memory: is its own database
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(&models.DocumentUpdate{}); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	return db
}

func journalEntry(documentID, payload string, at time.Time) *models.DocumentUpdate {
	update := models.NewDocumentUpdate(documentID, "socket-1", "user-1", []byte(payload))
	update.CreatedAt = at
	return update
}

func TestUpdateRepositoryListsOldestFirst(t *testing.T) {
	repo := NewUpdateRepository(newTestGorm(t))
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for _, update := range []*models.DocumentUpdate{
		journalEntry("doc-1", `["second"]`, base.Add(time.Second)),
		journalEntry("doc-1", `["first"]`, base),
		journalEntry("doc-2", `["other"]`, base),
	} {
		if err := repo.Append(ctx, update); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	updates, err := repo.ListUpdates(ctx, "doc-1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(updates) != 2 {
		t.Fatalf("expected 2 updates for doc-1, got %d", len(updates))
	}
	if string(updates[0].Payload) != `["first"]` || string(updates[1].Payload) != `["second"]` {
		t.Fatalf("expected oldest first, got %s then %s", updates[0].Payload, updates[1].Payload)
	}
	if updates[0].ID == "" || updates[0].SocketID != "socket-1" {
		t.Fatalf("expected stored fields to round trip, got %+v", updates[0])
	}
}

func TestUpdateRepositoryPruneKeepsLaterUpdates(t *testing.T) {
	repo := NewUpdateRepository(newTestGorm(t))
	ctx := context.Background()
	storeStarted := time.Date(2026, 3, 1, 10, 0, 5, 0, time.UTC)

	for _, update := range []*models.DocumentUpdate{
		journalEntry("doc-1", `["before"]`, storeStarted.Add(-time.Second)),
		journalEntry("doc-1", `["at"]`, storeStarted),
		journalEntry("doc-1", `["during"]`, storeStarted.Add(time.Second)),
		journalEntry("doc-2", `["other document"]`, storeStarted.Add(-time.Second)),
	} {
		if err := repo.Append(ctx, update); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	pruned, err := repo.PruneUpdates(ctx, "doc-1", storeStarted)
	if err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if pruned != 2 {
		t.Fatalf("expected updates at or before the store start to be pruned, got %d", pruned)
	}

	left, err := repo.ListUpdates(ctx, "doc-1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(left) != 1 || string(left[0].Payload) != `["during"]` {
		t.Fatalf("expected only the update written during the store, got %+v", left)
	}

	other, err := repo.ListUpdates(ctx, "doc-2")
	if err != nil || len(other) != 1 {
		t.Fatalf("expected other documents untouched, got %d (%v)", len(other), err)
	}
}
