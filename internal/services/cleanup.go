package services

import (
	"context"
	"fmt"
	"time"

	"github.com/hearthbudget/backend/internal/models"
	"github.com/hearthbudget/backend/pkg/logger"
	"gorm.io/gorm"
)

type CleanupReport struct {
	TrustedDevices int64 `json:"trustedDevices"`
	RevokedTokens  int64 `json:"revokedTokens"`
	StaleCodes     int64 `json:"staleCodes"`
}

// CleanupService purges rows that can no longer affect an authentication
// decision: expired trusted devices, ledger entries for tokens that have
// expired on their own, and login/2FA codes past their expiry.
type CleanupService struct {
	DB        *gorm.DB
	TwoFactor *TwoFactorService
	Ledger    *RevocationLedger
}

func NewCleanupService(db *gorm.DB, twoFactor *TwoFactorService, ledger *RevocationLedger) *CleanupService {
	return &CleanupService{DB: db, TwoFactor: twoFactor, Ledger: ledger}
}

func (s *CleanupService) RunOnce(ctx context.Context, now time.Time) (*CleanupReport, error) {
	report := &CleanupReport{}
	var err error

	if report.TrustedDevices, err = s.TwoFactor.PurgeExpiredDevices(ctx, now); err != nil {
		return report, err
	}
	if report.RevokedTokens, err = s.Ledger.PurgeExpired(ctx, now); err != nil {
		return report, err
	}

	for _, slot := range []codeSlot{loginSlot, twoFactorSlot} {
		result := s.DB.WithContext(ctx).
			Model(&models.User{}).
			Where(slot.col("expires_at")+" <= ?", now.UTC()).
			UpdateColumns(map[string]interface{}{
				slot.col("ciphertext"): "",
				slot.col("expires_at"): nil,
				slot.col("attempts"):   0,
			})
		if result.Error != nil {
			return report, fmt.Errorf("clear stale %s codes: %w", slot.name, result.Error)
		}
		report.StaleCodes += result.RowsAffected
	}

	return report, nil
}

// Start runs RunOnce every interval until ctx is cancelled.
func (s *CleanupService) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		logger.Info("cleanup_worker_disabled", nil)
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				report, err := s.RunOnce(ctx, time.Now())
				if err != nil {
					logger.Error("cleanup_failed", err, nil)
					continue
				}
				logger.Info("cleanup_completed", map[string]interface{}{
					"trusted_devices": report.TrustedDevices,
					"revoked_tokens":  report.RevokedTokens,
					"stale_codes":     report.StaleCodes,
				})
			}
		}
	}()

	logger.Info("cleanup_worker_started", map[string]interface{}{
		"interval": interval.String(),
	})
}
