package models

import (
	"time"

	"github.com/google/uuid"
)

// TrustedDevice lets a client skip the second factor until ExpiresAt.
// Only the SHA-256 of the bearer token is stored.
type TrustedDevice struct {
	BaseModel
	UserID    uuid.UUID `json:"userID" gorm:"type:uuid;not null;index"`
	TokenHash string    `json:"-" gorm:"type:varchar(64);not null;uniqueIndex"`
	UserAgent *string   `json:"userAgent,omitempty" gorm:"type:text"`
	ExpiresAt time.Time `json:"expiresAt" gorm:"not null;index"`
	User      User      `json:"-" gorm:"foreignKey:UserID"`
}

func (TrustedDevice) TableName() string {
	return "trusted_devices"
}

// ValidAt reports whether the device may bypass 2FA at now. Expiry is exclusive.
func (d *TrustedDevice) ValidAt(now time.Time) bool {
	return now.Before(d.ExpiresAt)
}
