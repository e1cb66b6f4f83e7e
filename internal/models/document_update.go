package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

/*
LEARNING: UPDATE JOURNAL

Edits are persisted to the content API on a debounce. Until that store
succeeds, the resolved changes only exist in memory. The journal keeps them
in a local database so a restarted instance can replay them:

  Editor change → OnChange → journal row
  Successful store → rows up to the stored snapshot are pruned
  Next load → content API snapshot + remaining journal rows
*/

// DocumentUpdate stores one batch of resolved CRDT changes
type DocumentUpdate struct {
	ID         string    `gorm:"type:varchar(27);primaryKey" json:"id" bson:"_id"`
	DocumentID string    `gorm:"type:varchar(255);not null;index:idx_doc_time" json:"document_id" bson:"document_id"`
	Payload    []byte    `gorm:"type:bytea;not null" json:"-" bson:"payload"` // JSON-encoded []crdt.Character
	SocketID   string    `gorm:"type:varchar(27)" json:"socket_id" bson:"socket_id"`
	UserID     string    `gorm:"type:varchar(255)" json:"user_id" bson:"user_id"`
	CreatedAt  time.Time `gorm:"index:idx_doc_time" json:"created_at" bson:"created_at"`
}

// NewDocumentUpdate creates a journal entry with a time-ordered id
func NewDocumentUpdate(documentID, socketID, userID string, payload []byte) *DocumentUpdate {
	return &DocumentUpdate{
		ID:         ksuid.New().String(),
		DocumentID: documentID,
		Payload:    payload,
		SocketID:   socketID,
		UserID:     userID,
		CreatedAt:  time.Now().UTC(),
	}
}

// BeforeCreate generates KSUID
func (u *DocumentUpdate) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = ksuid.New().String()
	}
	return nil
}

// TableName override
func (DocumentUpdate) TableName() string {
	return "document_updates"
}
