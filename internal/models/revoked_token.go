package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RevokedToken is a denylist row for a signed token invalidated before its
// natural expiry. Rows are insert-only and purged once ExpiresAt passes.
type RevokedToken struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	TokenHash string    `json:"-" gorm:"type:varchar(64);not null;uniqueIndex"`
	UserID    uuid.UUID `json:"userID" gorm:"type:uuid;not null;index"`
	ExpiresAt time.Time `json:"expiresAt" gorm:"not null;index"`
	CreatedAt time.Time `json:"createdAt" gorm:"not null"`
}

func (r *RevokedToken) BeforeCreate(_ *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	return nil
}

func (RevokedToken) TableName() string {
	return "revoked_tokens"
}
