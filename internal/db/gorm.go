package db

import (
	"context"
	"fmt"
	"log"
	"time"

	"collab-live/internal/config"
	"collab-live/internal/models"

	_ "github.com/lib/pq" // registers the "postgres" database/sql driver
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormDB wraps the GORM database instance
type GormDB struct {
	*gorm.DB
}

// NewGorm initializes a new GORM database connection
// Learning: GORM provides a higher-level abstraction over raw SQL
func NewGorm(cfg *config.Config) (*GormDB, error) {
	// The journal sits on the editing path, so only slow queries are logged
	db, err := gorm.Open(postgres.New(postgres.Config{
		DriverName: "postgres",
		DSN:        cfg.DatabaseURL(),
	}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	// Auto-migrate schema
	// Learning: GORM automatically creates/updates tables based on struct definitions
	if err := db.AutoMigrate(&models.DocumentUpdate{}); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Println("✓ Database connected and migrated successfully")

	return &GormDB{db}, nil
}

// Ping checks the connection, for health checks
func (db *GormDB) Ping(ctx context.Context) error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database connection
func (db *GormDB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
