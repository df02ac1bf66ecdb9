package services

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hearthbudget/backend/internal/models"
	"github.com/hearthbudget/backend/pkg/logger"
	"github.com/hearthbudget/backend/pkg/utils"
	"github.com/pquerna/otp/totp"
	"gorm.io/gorm"
)

type TwoFactorOptions struct {
	CodeTTL          time.Duration
	MaxAttempts      int
	TrustedDeviceTTL time.Duration
	TOTPIssuer       string
}

// TwoFactorService decides whether a login needs a second factor and
// verifies it. It owns the trusted-device table.
type TwoFactorService struct {
	DB         *gorm.DB
	Delivery   Sender
	Audit      *AuditService
	codes      *codeBook
	cipher     *utils.Cipher
	deviceTTL  time.Duration
	totpIssuer string
	now        func() time.Time
}

func NewTwoFactorService(db *gorm.DB, gen *utils.CodeGenerator, delivery Sender, audit *AuditService, opts TwoFactorOptions) *TwoFactorService {
	if opts.CodeTTL <= 0 {
		opts.CodeTTL = 10 * time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.TrustedDeviceTTL <= 0 {
		opts.TrustedDeviceTTL = 30 * 24 * time.Hour
	}
	if opts.TOTPIssuer == "" {
		opts.TOTPIssuer = "HearthBudget"
	}

	s := &TwoFactorService{
		DB:         db,
		Delivery:   delivery,
		Audit:      audit,
		cipher:     gen.Cipher(),
		deviceTTL:  opts.TrustedDeviceTTL,
		totpIssuer: opts.TOTPIssuer,
		now:        time.Now,
	}
	s.codes = &codeBook{db: db, gen: gen, ttl: opts.CodeTTL, maxAttempts: opts.MaxAttempts, now: s.clock}
	return s
}

// WithClock replaces the time source for code expiry and device trust.
func (s *TwoFactorService) WithClock(now func() time.Time) *TwoFactorService {
	s.now = now
	return s
}

func (s *TwoFactorService) clock() time.Time {
	return s.now()
}

func (s *TwoFactorService) DeviceTTL() time.Duration {
	return s.deviceTTL
}

// RequiresSecondFactor returns false for users without 2FA and for requests
// carrying a live trusted-device token. The device check runs before any
// code is generated. Otherwise a challenge is issued and true is returned,
// together with ErrDeliveryFailed when only the send failed.
func (s *TwoFactorService) RequiresSecondFactor(ctx context.Context, user *models.User, deviceToken string) (bool, error) {
	if !user.TwoFactorEnabled {
		return false, nil
	}

	trusted, err := s.IsTrustedDevice(ctx, user.ID, deviceToken)
	if err != nil {
		return false, err
	}
	if trusted {
		logger.InfoWithUser(user.ID.String(), "two_factor_bypassed", map[string]interface{}{
			"reason": "trusted_device",
		})
		return false, nil
	}

	// Authenticator apps need no message, and a new login must not touch
	// their attempt budget.
	if user.TwoFactorMethodOrDefault() == models.TwoFactorMethodTOTP {
		return true, nil
	}

	if err := s.SendChallenge(ctx, user); err != nil {
		return true, err
	}
	return true, nil
}

// IsTrustedDevice reports whether token names an unexpired device of userID.
func (s *TwoFactorService) IsTrustedDevice(ctx context.Context, userID uuid.UUID, token string) (bool, error) {
	if token == "" {
		return false, nil
	}

	var (
		device models.TrustedDevice
		err    error
	)
	for attempt := 0; attempt < 2; attempt++ {
		err = s.DB.WithContext(ctx).
			Where("token_hash = ? AND user_id = ?", hashToken(token), userID).
			First(&device).Error
		if err == nil || errors.Is(err, gorm.ErrRecordNotFound) || ctx.Err() != nil {
			break
		}
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("trusted device lookup: %w", err)
	}

	return device.ValidAt(s.now()), nil
}

// SendChallenge issues a fresh second-factor code over the user's method.
// Authenticator-app users have nothing to send; while their budget is spent
// and the lockout window runs, ErrTooManyAttempts is returned.
func (s *TwoFactorService) SendChallenge(ctx context.Context, user *models.User) error {
	method := user.TwoFactorMethodOrDefault()

	if method == models.TwoFactorMethodTOTP {
		locked, err := s.codes.windowLocked(ctx, user.ID, twoFactorSlot)
		if err != nil {
			return err
		}
		if locked {
			return ErrTooManyAttempts
		}
		return nil
	}

	channel, to, err := destination(user, method)
	if err != nil {
		return err
	}

	plain, err := s.codes.issue(ctx, user.ID, twoFactorSlot)
	if err != nil {
		return err
	}

	if err := s.Delivery.Send(ctx, codeMessage(channel, to, plain, purposeTwoFactor, s.codes.ttl)); err != nil {
		return deliveryError(err)
	}

	s.Audit.Record(ctx, user.ID, AuditCodeSent, map[string]interface{}{
		"purpose": string(purposeTwoFactor),
		"channel": string(channel),
	})
	return nil
}

// Verify checks a submitted second-factor value for userID.
func (s *TwoFactorService) Verify(ctx context.Context, userID uuid.UUID, code string) error {
	var user models.User
	if err := s.DB.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrInvalidToken
		}
		return err
	}

	var err error
	if user.TwoFactorMethodOrDefault() == models.TwoFactorMethodTOTP {
		err = s.verifyTOTP(ctx, &user, code)
	} else {
		err = s.codes.verify(ctx, userID, twoFactorSlot, code)
	}

	if errors.Is(err, ErrTooManyAttempts) {
		s.Audit.Record(ctx, userID, AuditLocked, map[string]interface{}{"purpose": string(purposeTwoFactor)})
	}
	return err
}

func (s *TwoFactorService) verifyTOTP(ctx context.Context, user *models.User, code string) error {
	if user.TOTPSecret == "" {
		return ErrTOTPNotEnrolled
	}

	_, used, err := s.codes.reserveAttempt(ctx, user.ID, twoFactorSlot, false)
	if err != nil {
		return err
	}

	secret, err := s.cipher.Decrypt(user.TOTPSecret)
	if err != nil {
		return fmt.Errorf("open totp secret: %w", err)
	}

	valid, err := totp.ValidateCustom(code, secret, s.now().UTC(), totp.ValidateOpts{
		Period: 30,
		Skew:   1,
		Digits: 6,
	})
	if err != nil || !valid {
		if used >= s.codes.maxAttempts {
			return ErrTooManyAttempts
		}
		return ErrInvalidCode
	}

	return s.codes.clearBudget(ctx, user.ID, twoFactorSlot)
}

// TrustDevice mints a device token for userID. Only its digest is stored;
// the plaintext is returned once for the client to keep.
func (s *TwoFactorService) TrustDevice(ctx context.Context, userID uuid.UUID, userAgent string) (string, *models.TrustedDevice, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		token, err := randomDeviceToken()
		if err != nil {
			return "", nil, err
		}

		device := models.TrustedDevice{
			UserID:    userID,
			TokenHash: hashToken(token),
			ExpiresAt: s.now().Add(s.deviceTTL).UTC(),
		}
		if userAgent != "" {
			ua := userAgent
			device.UserAgent = &ua
		}

		// A unique-index collision on the digest is retried with a new token.
		if lastErr = s.DB.WithContext(ctx).Create(&device).Error; lastErr == nil {
			s.Audit.Record(ctx, userID, AuditDeviceTrusted, map[string]interface{}{
				"device_id":  device.ID.String(),
				"expires_at": device.ExpiresAt,
			})
			return token, &device, nil
		}
	}
	return "", nil, fmt.Errorf("trust device: %w", lastErr)
}

func (s *TwoFactorService) RevokeDevices(ctx context.Context, userID uuid.UUID) (int64, error) {
	result := s.DB.WithContext(ctx).Where("user_id = ?", userID).Delete(&models.TrustedDevice{})
	if result.Error != nil {
		return 0, fmt.Errorf("revoke devices: %w", result.Error)
	}

	s.Audit.Record(ctx, userID, AuditDevicesRevoked, map[string]interface{}{"count": result.RowsAffected})
	return result.RowsAffected, nil
}

func (s *TwoFactorService) PurgeExpiredDevices(ctx context.Context, now time.Time) (int64, error) {
	result := s.DB.WithContext(ctx).Where("expires_at <= ?", now.UTC()).Delete(&models.TrustedDevice{})
	if result.Error != nil {
		return 0, fmt.Errorf("purge trusted devices: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// UpdateSettings turns 2FA on or off and picks the delivery method.
func (s *TwoFactorService) UpdateSettings(ctx context.Context, userID uuid.UUID, enabled bool, method models.TwoFactorMethod) (*models.User, error) {
	var user models.User
	if err := s.DB.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
		return nil, err
	}

	if method == "" {
		method = user.TwoFactorMethodOrDefault()
	}
	if !method.Valid() {
		return nil, ErrInvalidMethod
	}
	if enabled && method == models.TwoFactorMethodSMS && (user.Phone == nil || *user.Phone == "") {
		return nil, ErrPhoneRequired
	}
	if enabled && method == models.TwoFactorMethodTOTP && user.TOTPSecret == "" {
		return nil, ErrTOTPNotEnrolled
	}

	updates := map[string]interface{}{
		"two_factor_enabled": enabled,
		"two_factor_method":  method,
	}
	updates[twoFactorSlot.col("attempts")] = 0
	if !enabled {
		updates[twoFactorSlot.col("ciphertext")] = ""
		updates[twoFactorSlot.col("expires_at")] = nil
	}
	if err := s.DB.WithContext(ctx).Model(&user).Updates(updates).Error; err != nil {
		return nil, err
	}
	if err := s.DB.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
		return nil, err
	}

	s.Audit.Record(ctx, userID, AuditTwoFactorSettings, map[string]interface{}{
		"enabled": enabled,
		"method":  string(method),
	})
	return &user, nil
}

// BeginTOTPEnrollment generates and stores a sealed authenticator secret.
// The method is not switched until ConfirmTOTPEnrollment succeeds.
func (s *TwoFactorService) BeginTOTPEnrollment(ctx context.Context, user *models.User) (string, string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.totpIssuer,
		AccountName: user.Email,
	})
	if err != nil {
		return "", "", fmt.Errorf("generate totp secret: %w", err)
	}

	sealed, err := s.cipher.Encrypt(key.Secret())
	if err != nil {
		return "", "", err
	}

	if err := s.DB.WithContext(ctx).Model(&models.User{}).Where("id = ?", user.ID).
		UpdateColumn("totp_secret", sealed).Error; err != nil {
		return "", "", err
	}
	user.TOTPSecret = sealed

	return key.Secret(), key.URL(), nil
}

// ConfirmTOTPEnrollment proves the user's app produces valid codes and then
// enables 2FA with the totp method.
func (s *TwoFactorService) ConfirmTOTPEnrollment(ctx context.Context, userID uuid.UUID, code string) (*models.User, error) {
	var user models.User
	if err := s.DB.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
		return nil, err
	}
	if err := s.verifyTOTP(ctx, &user, code); err != nil {
		return nil, err
	}
	return s.UpdateSettings(ctx, userID, true, models.TwoFactorMethodTOTP)
}

func destination(user *models.User, method models.TwoFactorMethod) (Channel, string, error) {
	if method == models.TwoFactorMethodSMS {
		if user.Phone == nil || *user.Phone == "" {
			return "", "", ErrPhoneRequired
		}
		return ChannelSMS, *user.Phone, nil
	}
	return ChannelEmail, user.Email, nil
}

func deliveryError(err error) error {
	if errors.Is(err, ErrDeliveryFailed) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
}

func randomDeviceToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
