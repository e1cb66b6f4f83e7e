package db

import (
	"context"
	"fmt"
	"log"
	"time"

	"collab-live/internal/config"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// UpdatesCollection holds the journal in MongoDB
const UpdatesCollection = "document_updates"

// MongoDB wraps a connected client and the configured database
type MongoDB struct {
	Client   *mongo.Client
	Database *mongo.Database
}

// NewMongo connects and pings the server
func NewMongo(ctx context.Context, cfg *config.Config) (*MongoDB, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	log.Printf("✓ Connected to MongoDB database %s", cfg.MongoDatabase)

	return &MongoDB{
		Client:   client,
		Database: client.Database(cfg.MongoDatabase),
	}, nil
}

// Updates returns the journal collection
func (m *MongoDB) Updates() *mongo.Collection {
	return m.Database.Collection(UpdatesCollection)
}

// Ping checks the connection, for health checks
func (m *MongoDB) Ping(ctx context.Context) error {
	return m.Client.Ping(ctx, readpref.Primary())
}

// Close disconnects the client
func (m *MongoDB) Close(ctx context.Context) error {
	return m.Client.Disconnect(ctx)
}
