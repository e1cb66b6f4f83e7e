package repository

import (
	"context"
	"testing"
	"time"

	"collab-live/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

func TestMongoUpdateRepository(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("append", func(mt *mtest.T) {
		repo := NewMongoUpdateRepository(mt.Coll)
		mt.AddMockResponses(mtest.CreateSuccessResponse())

		update := models.NewDocumentUpdate("doc-1", "socket-1", "user-1", []byte(`[]`))
		if err := repo.Append(context.Background(), update); err != nil {
			mt.Fatalf("append failed: %v", err)
		}
	})

	mt.Run("list oldest first", func(mt *mtest.T) {
		repo := NewMongoUpdateRepository(mt.Coll)
		ns := mt.Coll.Database().Name() + "." + mt.Coll.Name()
		created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch,
			bson.D{
				{Key: "_id", Value: "u1"},
				{Key: "document_id", Value: "doc-1"},
				{Key: "payload", Value: []byte(`[{"id":"a"}]`)},
				{Key: "created_at", Value: created},
			},
			bson.D{
				{Key: "_id", Value: "u2"},
				{Key: "document_id", Value: "doc-1"},
				{Key: "payload", Value: []byte(`[{"id":"b"}]`)},
				{Key: "created_at", Value: created.Add(time.Second)},
			},
		))

		updates, err := repo.ListUpdates(context.Background(), "doc-1")
		if err != nil {
			mt.Fatalf("list failed: %v", err)
		}
		if len(updates) != 2 || updates[0].ID != "u1" || updates[1].ID != "u2" {
			mt.Fatalf("unexpected updates %+v", updates)
		}
		if string(updates[1].Payload) != `[{"id":"b"}]` || !updates[0].CreatedAt.Equal(created) {
			mt.Fatalf("unexpected decoded update %+v", updates[1])
		}
	})

	mt.Run("prune", func(mt *mtest.T) {
		repo := NewMongoUpdateRepository(mt.Coll)
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 3}))

		n, err := repo.PruneUpdates(context.Background(), "doc-1", time.Now())
		if err != nil {
			mt.Fatalf("prune failed: %v", err)
		}
		if n != 3 {
			mt.Fatalf("expected 3 pruned updates, got %d", n)
		}
	})

	mt.Run("append error", func(mt *mtest.T) {
		repo := NewMongoUpdateRepository(mt.Coll)
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{
			Code:    11000,
			Name:    "DuplicateKey",
			Message: "duplicate key",
		}))

		update := models.NewDocumentUpdate("doc-1", "socket-1", "user-1", []byte(`[]`))
		if err := repo.Append(context.Background(), update); err == nil {
			mt.Fatalf("expected append to fail")
		}
	})
}
