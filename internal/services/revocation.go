package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hearthbudget/backend/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RevocationLedger is the denylist of signed tokens invalidated before they
// expire. Tokens are stored as SHA-256 digests.
type RevocationLedger struct {
	DB *gorm.DB
}

func NewRevocationLedger(db *gorm.DB) *RevocationLedger {
	return &RevocationLedger{DB: db}
}

// Revoke records token. Revoking the same token twice is a no-op.
func (l *RevocationLedger) Revoke(ctx context.Context, token string, userID uuid.UUID, expiresAt time.Time) error {
	row := models.RevokedToken{
		TokenHash: hashToken(token),
		UserID:    userID,
		ExpiresAt: expiresAt.UTC(),
	}
	err := l.DB.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "token_hash"}}, DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

func (l *RevocationLedger) IsRevoked(ctx context.Context, token string) (bool, error) {
	var count int64
	err := l.DB.WithContext(ctx).
		Model(&models.RevokedToken{}).
		Where("token_hash = ?", hashToken(token)).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check revocation: %w", err)
	}
	return count > 0, nil
}

// PurgeExpired drops rows whose token would already fail its own expiry check.
func (l *RevocationLedger) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	result := l.DB.WithContext(ctx).
		Where("expires_at <= ?", now.UTC()).
		Delete(&models.RevokedToken{})
	if result.Error != nil {
		return 0, fmt.Errorf("purge revoked tokens: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
