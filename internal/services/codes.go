package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hearthbudget/backend/internal/models"
	"github.com/hearthbudget/backend/pkg/logger"
	"github.com/hearthbudget/backend/pkg/utils"
	"gorm.io/gorm"
)

// maxCounterRetries is the slack on top of maxAttempts for re-reading the
// user row after a lost compare-and-swap. Every lost swap means another
// caller spent an attempt or replaced the code.
const maxCounterRetries = 3

// codeSlot names one embedded PendingCode column set on users.
type codeSlot struct {
	name   string
	prefix string
}

var (
	loginSlot     = codeSlot{name: "login", prefix: "login_code_"}
	twoFactorSlot = codeSlot{name: "two_factor", prefix: "two_factor_code_"}
)

func (s codeSlot) col(field string) string {
	return s.prefix + field
}

func (s codeSlot) of(u *models.User) models.PendingCode {
	if s == twoFactorSlot {
		return u.TwoFactorCode
	}
	return u.LoginCode
}

// codeBook issues and checks sealed one-time codes stored on the user row.
type codeBook struct {
	db          *gorm.DB
	gen         *utils.CodeGenerator
	ttl         time.Duration
	maxAttempts int
	now         func() time.Time
}

// issue replaces any outstanding code in slot and resets its attempt budget.
func (b *codeBook) issue(ctx context.Context, userID uuid.UUID, slot codeSlot) (string, error) {
	plain, sealed, err := b.gen.Generate()
	if err != nil {
		return "", err
	}

	expiresAt := b.now().Add(b.ttl).UTC()
	err = b.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", userID).
		UpdateColumns(map[string]interface{}{
			slot.col("ciphertext"): sealed,
			slot.col("expires_at"): expiresAt,
			slot.col("attempts"):   0,
		}).Error
	if err != nil {
		return "", fmt.Errorf("store %s code: %w", slot.name, err)
	}
	return plain, nil
}

// clearBudget resets the counter and any lockout window without touching
// the stored code.
func (b *codeBook) clearBudget(ctx context.Context, userID uuid.UUID, slot codeSlot) error {
	return b.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", userID).
		UpdateColumns(map[string]interface{}{
			slot.col("attempts"):   0,
			slot.col("expires_at"): nil,
		}).Error
}

// windowLocked reports whether a slot without stored codes has spent its
// budget and its lockout window is still running.
func (b *codeBook) windowLocked(ctx context.Context, userID uuid.UUID, slot codeSlot) (bool, error) {
	var user models.User
	if err := b.db.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
		return false, err
	}
	pending := slot.of(&user)
	return pending.Attempts >= b.maxAttempts && !b.windowElapsed(pending), nil
}

// windowElapsed reports whether the lockout window recorded in ExpiresAt has
// passed. A spent budget without a recorded window stays locked.
func (b *codeBook) windowElapsed(pending models.PendingCode) bool {
	return pending.ExpiresAt != nil && !b.now().Before(*pending.ExpiresAt)
}

// reserveAttempt spends one unit of the attempt budget before the submitted
// value is compared, so concurrent guesses can never exceed maxAttempts.
// It returns the fresh user row and the attempt number just used.
func (b *codeBook) reserveAttempt(ctx context.Context, userID uuid.UUID, slot codeSlot, requireCode bool) (*models.User, int, error) {
	for i := 0; i < b.maxAttempts+maxCounterRetries; i++ {
		var user models.User
		if err := b.db.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, 0, ErrInvalidCode
			}
			return nil, 0, err
		}

		pending := slot.of(&user)
		if requireCode {
			if !pending.IsSet() {
				return nil, 0, ErrInvalidCode
			}
			if pending.ExpiresAt != nil && !b.now().Before(*pending.ExpiresAt) {
				return nil, 0, ErrExpired
			}
		}
		if pending.Attempts >= b.maxAttempts {
			// Stored codes unlock only through a new code. Without one, the
			// budget comes back once the lockout window has run out.
			if requireCode || !b.windowElapsed(pending) {
				return nil, 0, ErrTooManyAttempts
			}
			result := b.db.WithContext(ctx).
				Model(&models.User{}).
				Where("id = ?", userID).
				Where(slot.col("attempts")+" = ?", pending.Attempts).
				UpdateColumns(map[string]interface{}{
					slot.col("attempts"):   0,
					slot.col("expires_at"): nil,
				})
			if result.Error != nil {
				return nil, 0, fmt.Errorf("reopen %s budget: %w", slot.name, result.Error)
			}
			continue
		}

		updates := map[string]interface{}{
			slot.col("attempts"): gorm.Expr(slot.col("attempts") + " + 1"),
		}
		if !requireCode && pending.Attempts+1 >= b.maxAttempts {
			updates[slot.col("expires_at")] = b.now().Add(b.ttl).UTC()
		}

		result := b.db.WithContext(ctx).
			Model(&models.User{}).
			Where("id = ?", userID).
			Where(slot.col("ciphertext")+" = ?", pending.Ciphertext).
			Where(slot.col("attempts")+" = ?", pending.Attempts).
			UpdateColumns(updates)
		if result.Error != nil {
			return nil, 0, fmt.Errorf("reserve %s attempt: %w", slot.name, result.Error)
		}
		if result.RowsAffected == 1 {
			return &user, pending.Attempts + 1, nil
		}

		logger.Info("code_attempt_contended", map[string]interface{}{
			"user_id": userID.String(),
			"slot":    slot.name,
			"retry":   i + 1,
		})
	}
	return nil, 0, ErrInvalidCode
}

// verify checks submitted against the code in slot and consumes it on match.
// The Nth wrong submission, N being maxAttempts, returns ErrTooManyAttempts.
func (b *codeBook) verify(ctx context.Context, userID uuid.UUID, slot codeSlot, submitted string) error {
	user, used, err := b.reserveAttempt(ctx, userID, slot, true)
	if err != nil {
		return err
	}

	sealed := slot.of(user).Ciphertext
	plain, err := b.gen.Cipher().Decrypt(sealed)
	if err != nil {
		return fmt.Errorf("open stored %s code: %w", slot.name, err)
	}

	if !utils.CodesEqual(plain, submitted) {
		if used >= b.maxAttempts {
			return ErrTooManyAttempts
		}
		return ErrInvalidCode
	}

	// Compare-and-swap on the sealed value: a code is consumed exactly once.
	result := b.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", userID).
		Where(slot.col("ciphertext")+" = ?", sealed).
		UpdateColumns(map[string]interface{}{
			slot.col("ciphertext"): "",
			slot.col("expires_at"): nil,
			slot.col("attempts"):   0,
		})
	if result.Error != nil {
		return fmt.Errorf("consume %s code: %w", slot.name, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrInvalidCode
	}
	return nil
}
