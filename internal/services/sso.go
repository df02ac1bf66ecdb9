package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hearthbudget/backend/internal/config"
	"github.com/hearthbudget/backend/internal/models"
	"github.com/hearthbudget/backend/pkg/logger"
	"gorm.io/gorm"
)

var ErrAccountLinkRequired = errors.New("an account with this email already exists")

type SSOService struct {
	DB    *gorm.DB
	Cfg   *config.Config
	Audit *AuditService
}

func NewSSOService(db *gorm.DB, cfg *config.Config, audit *AuditService) *SSOService {
	return &SSOService{DB: db, Cfg: cfg, Audit: audit}
}

type SSOProfile struct {
	Provider       models.SSOProviderType
	ProviderUserID string
	Email          string
	EmailVerified  bool
	Name           string
	AvatarURL      *string
	RawProfile     map[string]interface{}
}

// FindOrCreateUser resolves the local user for an external identity:
// an existing link wins, then an email match (when LinkByEmail allows it),
// then a new user is created. isNew reports the last case.
func (s *SSOService) FindOrCreateUser(ctx context.Context, profile *SSOProfile) (*models.User, bool, error) {
	if profile.Email == "" {
		return nil, false, ErrMissingEmailClaim
	}
	email := models.NormalizeEmail(profile.Email)

	if account, err := s.FindLinkedAccount(ctx, profile.Provider, profile.ProviderUserID); err == nil {
		var user models.User
		if err := s.DB.WithContext(ctx).First(&user, "id = ?", account.UserID).Error; err != nil {
			return nil, false, err
		}
		s.refreshLinkedAccount(ctx, account, profile)
		return &user, false, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	var user models.User
	err := s.DB.WithContext(ctx).First(&user, "email = ?", email).Error
	if err == nil {
		// Only a provider-verified address may claim an existing account.
		if !s.Cfg.SSO.LinkByEmail || !profile.EmailVerified {
			logger.WarnWithUser(user.ID.String(), "sso_link_by_email_refused", map[string]interface{}{
				"provider":       string(profile.Provider),
				"email_verified": profile.EmailVerified,
			})
			return nil, false, ErrAccountLinkRequired
		}
		if err := s.LinkAccount(ctx, user.ID, profile); err != nil {
			return nil, false, err
		}

		s.Audit.Record(ctx, user.ID, AuditOAuthLinkExisting, map[string]interface{}{
			"provider":         string(profile.Provider),
			"provider_user_id": profile.ProviderUserID,
		})
		logger.InfoWithUser(user.ID.String(), "sso_account_linked_by_email", map[string]interface{}{
			"provider": string(profile.Provider),
		})

		if !user.IsEmailVerified {
			if err := s.DB.WithContext(ctx).Model(&user).Update("is_email_verified", true).Error; err != nil {
				logger.Warn("sso_mark_email_verified_failed", map[string]interface{}{
					"user_id":  user.ID.String(),
					"provider": string(profile.Provider),
					"error":    err.Error(),
				})
			} else {
				user.IsEmailVerified = true
			}
		}
		return &user, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	user = models.User{
		Email:           email,
		Name:            profile.Name,
		AvatarURL:       profile.AvatarURL,
		IsEmailVerified: profile.EmailVerified,
	}

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&user).Error; err != nil {
			return err
		}
		account, err := linkedAccountFor(user.ID, profile)
		if err != nil {
			return err
		}
		return tx.Create(account).Error
	})
	if err != nil {
		return nil, false, fmt.Errorf("create sso user: %w", err)
	}

	logger.Info("sso_user_created", map[string]interface{}{
		"user_id":  user.ID.String(),
		"provider": string(profile.Provider),
	})

	return &user, true, nil
}

func (s *SSOService) LinkAccount(ctx context.Context, userID uuid.UUID, profile *SSOProfile) error {
	account, err := linkedAccountFor(userID, profile)
	if err != nil {
		return err
	}
	return s.DB.WithContext(ctx).Create(account).Error
}

func (s *SSOService) GetLinkedAccounts(ctx context.Context, userID uuid.UUID) ([]models.LinkedAccount, error) {
	var accounts []models.LinkedAccount
	err := s.DB.WithContext(ctx).Where("user_id = ?", userID).Find(&accounts).Error
	return accounts, err
}

func (s *SSOService) FindLinkedAccount(ctx context.Context, provider models.SSOProviderType, providerUserID string) (*models.LinkedAccount, error) {
	var account models.LinkedAccount
	err := s.DB.WithContext(ctx).
		Where("provider = ? AND provider_user_id = ?", provider, providerUserID).
		First(&account).Error
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (s *SSOService) refreshLinkedAccount(ctx context.Context, account *models.LinkedAccount, profile *SSOProfile) {
	profileJSON, _ := json.Marshal(profile.RawProfile)
	err := s.DB.WithContext(ctx).Model(account).Updates(map[string]interface{}{
		"email":        models.NormalizeEmail(profile.Email),
		"profile_data": string(profileJSON),
	}).Error
	if err != nil {
		logger.Warn("sso_refresh_linked_account_failed", map[string]interface{}{
			"user_id":  account.UserID.String(),
			"provider": string(profile.Provider),
			"error":    err.Error(),
		})
	}
}

func linkedAccountFor(userID uuid.UUID, profile *SSOProfile) (*models.LinkedAccount, error) {
	profileJSON, err := json.Marshal(profile.RawProfile)
	if err != nil {
		return nil, err
	}
	return &models.LinkedAccount{
		UserID:         userID,
		Provider:       profile.Provider,
		ProviderUserID: profile.ProviderUserID,
		Email:          models.NormalizeEmail(profile.Email),
		ProfileData:    string(profileJSON),
	}, nil
}
