package repository

import (
	"context"
	"fmt"
	"time"

	"collab-live/internal/models"

	"gorm.io/gorm"
)

/*
LEARNING: UPDATE JOURNAL PERSISTENCE

Query patterns:
- Append: one row per accepted change batch
- ListUpdates: replay on load (oldest first)
- PruneUpdates: drop rows already covered by a stored snapshot
*/

// UpdateJournal is the storage contract for un-stored document changes
type UpdateJournal interface {
	Append(ctx context.Context, update *models.DocumentUpdate) error
	ListUpdates(ctx context.Context, documentID string) ([]*models.DocumentUpdate, error)
	PruneUpdates(ctx context.Context, documentID string, upTo time.Time) (int64, error)
}

// UpdateRepository is the Postgres journal
type UpdateRepository struct {
	db *gorm.DB
}

// NewUpdateRepository creates a new journal repository
func NewUpdateRepository(db *gorm.DB) *UpdateRepository {
	return &UpdateRepository{db: db}
}

// Append stores one update
func (r *UpdateRepository) Append(ctx context.Context, update *models.DocumentUpdate) error {
	if err := r.db.WithContext(ctx).Create(update).Error; err != nil {
		return fmt.Errorf("failed to store document update: %w", err)
	}
	return nil
}

// ListUpdates retrieves all journaled updates for a document
func (r *UpdateRepository) ListUpdates(ctx context.Context, documentID string) ([]*models.DocumentUpdate, error) {
	var updates []*models.DocumentUpdate

	err := r.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&updates).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get document updates: %w", err)
	}

	return updates, nil
}

// PruneUpdates removes updates created at or before upTo
func (r *UpdateRepository) PruneUpdates(ctx context.Context, documentID string, upTo time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("document_id = ? AND created_at <= ?", documentID, upTo).
		Delete(&models.DocumentUpdate{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to prune document updates: %w", result.Error)
	}

	return result.RowsAffected, nil
}
