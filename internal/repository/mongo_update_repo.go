package repository

import (
	"context"
	"fmt"
	"time"

	"collab-live/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoUpdateRepository is the MongoDB journal
type MongoUpdateRepository struct {
	collection *mongo.Collection
}

// NewMongoUpdateRepository uses the given collection, typically "document_updates"
func NewMongoUpdateRepository(collection *mongo.Collection) *MongoUpdateRepository {
	return &MongoUpdateRepository{collection: collection}
}

// EnsureIndexes creates the (document_id, created_at) index used by replay and prune
func (r *MongoUpdateRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "document_id", Value: 1}, {Key: "created_at", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create document_updates index: %w", err)
	}
	return nil
}

// Append stores one update
func (r *MongoUpdateRepository) Append(ctx context.Context, update *models.DocumentUpdate) error {
	if _, err := r.collection.InsertOne(ctx, update); err != nil {
		return fmt.Errorf("failed to store document update: %w", err)
	}
	return nil
}

// ListUpdates retrieves all journaled updates for a document, oldest first
func (r *MongoUpdateRepository) ListUpdates(ctx context.Context, documentID string) ([]*models.DocumentUpdate, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})

	cursor, err := r.collection.Find(ctx, bson.M{"document_id": documentID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to get document updates: %w", err)
	}
	defer cursor.Close(ctx)

	var updates []*models.DocumentUpdate
	if err := cursor.All(ctx, &updates); err != nil {
		return nil, fmt.Errorf("failed to decode document updates: %w", err)
	}
	return updates, nil
}

// PruneUpdates removes updates created at or before upTo
func (r *MongoUpdateRepository) PruneUpdates(ctx context.Context, documentID string, upTo time.Time) (int64, error) {
	result, err := r.collection.DeleteMany(ctx, bson.M{
		"document_id": documentID,
		"created_at":  bson.M{"$lte": upTo},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune document updates: %w", err)
	}
	return result.DeletedCount, nil
}
