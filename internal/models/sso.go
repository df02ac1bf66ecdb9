package models

import (
	"github.com/google/uuid"
)

// SSOProviderType represents the type of SSO provider
type SSOProviderType string

const (
	SSOProviderTypeGoogle SSOProviderType = "google"
)

// LinkedAccount links a local user to an external identity provider
type LinkedAccount struct {
	BaseModel
	UserID         uuid.UUID       `json:"userId" gorm:"type:uuid;not null;index"`
	Provider       SSOProviderType `json:"provider" gorm:"type:varchar(20);not null;uniqueIndex:idx_provider_subject"`
	ProviderUserID string          `json:"providerUserId" gorm:"type:varchar(255);not null;uniqueIndex:idx_provider_subject"`
	Email          string          `json:"email" gorm:"type:varchar(255)"`
	ProfileData    string          `json:"-" gorm:"type:text"` // JSON stored as string

	// Relation
	User User `json:"-" gorm:"foreignKey:UserID"`
}

func (LinkedAccount) TableName() string {
	return "linked_accounts"
}
