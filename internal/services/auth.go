package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hearthbudget/backend/internal/models"
	"github.com/hearthbudget/backend/pkg/logger"
	"github.com/hearthbudget/backend/pkg/utils"
	"gorm.io/gorm"
)

// LoginState is where a login attempt stands after an AuthService call.
type LoginState string

const (
	StateCodeSent         LoginState = "code_sent"
	StatePendingTwoFactor LoginState = "pending_two_factor"
	StateAuthenticated    LoginState = "authenticated"
	StateLocked           LoginState = "locked"
)

type AuthDeps struct {
	DB        *gorm.DB
	Tokens    *utils.TokenIssuer
	Codes     *utils.CodeGenerator
	Delivery  Sender
	TwoFactor *TwoFactorService
	Ledger    *RevocationLedger
	SSO       *SSOService
	Limiter   *SendLimiter
	Audit     *AuditService

	CodeTTL     time.Duration
	MaxAttempts int
}

// AuthService ties one-time-code, OAuth and second-factor logins together.
type AuthService struct {
	DB        *gorm.DB
	Tokens    *utils.TokenIssuer
	Delivery  Sender
	TwoFactor *TwoFactorService
	Ledger    *RevocationLedger
	SSO       *SSOService
	Limiter   *SendLimiter
	Audit     *AuditService
	codes     *codeBook
	now       func() time.Time
}

func NewAuthService(deps AuthDeps) *AuthService {
	if deps.CodeTTL <= 0 {
		deps.CodeTTL = 10 * time.Minute
	}
	if deps.MaxAttempts <= 0 {
		deps.MaxAttempts = 5
	}

	s := &AuthService{
		DB:        deps.DB,
		Tokens:    deps.Tokens,
		Delivery:  deps.Delivery,
		TwoFactor: deps.TwoFactor,
		Ledger:    deps.Ledger,
		SSO:       deps.SSO,
		Limiter:   deps.Limiter,
		Audit:     deps.Audit,
		now:       time.Now,
	}
	s.codes = &codeBook{
		db:          deps.DB,
		gen:         deps.Codes,
		ttl:         deps.CodeTTL,
		maxAttempts: deps.MaxAttempts,
		now:         func() time.Time { return s.now() },
	}
	return s
}

func (s *AuthService) WithClock(now func() time.Time) *AuthService {
	s.now = now
	return s
}

type LoginCodeRequest struct {
	Email string
	Phone string
}

type CodeSentResult struct {
	State       LoginState `json:"state"`
	Channel     Channel    `json:"channel"`
	Destination string     `json:"destination"`
	ExpiresIn   int        `json:"expiresIn"`
}

type VerifyLoginCodeRequest struct {
	Email       string
	Phone       string
	Code        string
	DeviceToken string
}

// LoginResult carries either a session Token or, when RequiresTwoFactor is
// set, a TempToken that only the second-factor endpoints accept.
type LoginResult struct {
	State             LoginState             `json:"state"`
	Token             string                 `json:"token,omitempty"`
	ExpiresAt         *time.Time             `json:"expiresAt,omitempty"`
	TempToken         string                 `json:"tempToken,omitempty"`
	RequiresTwoFactor bool                   `json:"requiresTwoFactor"`
	TwoFactorMethod   models.TwoFactorMethod `json:"twoFAMethod,omitempty"`
	User              *models.User           `json:"user,omitempty"`
}

type OAuthResult struct {
	LoginResult
	IsNewUser bool `json:"isNewUser"`
}

type TwoFactorRequest struct {
	TempToken   string
	Code        string
	TrustDevice bool
	UserAgent   string
}

type TwoFactorResult struct {
	State           LoginState   `json:"state"`
	Token           string       `json:"token"`
	ExpiresAt       time.Time    `json:"expiresAt"`
	DeviceToken     string       `json:"deviceToken,omitempty"`
	DeviceExpiresAt *time.Time   `json:"deviceExpiresAt,omitempty"`
	User            *models.User `json:"user"`
}

// RequestLoginCode issues a login code for an email (creating the user on
// first contact) or a registered phone number. The code is persisted before
// delivery; on ErrDeliveryFailed the result is still returned and the stored
// code stays valid.
func (s *AuthService) RequestLoginCode(ctx context.Context, req LoginCodeRequest) (*CodeSentResult, error) {
	email := models.NormalizeEmail(req.Email)
	phone := strings.TrimSpace(req.Phone)

	var (
		user    *models.User
		channel Channel
		to      string
		err     error
	)
	switch {
	case email != "":
		user, err = s.findOrCreateByEmail(ctx, email)
		channel, to = ChannelEmail, email
	case phone != "":
		user, err = s.findByPhone(ctx, phone)
		channel, to = ChannelSMS, phone
	default:
		return nil, ErrIdentifierRequired
	}

	result := &CodeSentResult{
		State:       StateCodeSent,
		Channel:     channel,
		Destination: logger.MaskDestination(to),
		ExpiresIn:   int(s.codes.ttl.Seconds()),
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Unknown phone numbers get the same answer as known ones.
		logger.Info("login_code_unknown_phone", map[string]interface{}{
			"to": logger.MaskDestination(to),
		})
		return result, nil
	}
	if err != nil {
		return nil, err
	}

	if err := s.Limiter.Allow(ctx, to); err != nil {
		if errors.Is(err, ErrRateLimited) {
			logger.WarnWithUser(user.ID.String(), "login_code_rate_limited", map[string]interface{}{
				"channel": string(channel),
			})
			return nil, err
		}
		// A Redis outage must not block sign-in.
		logger.Error("send_limiter_unavailable", err, nil)
	}

	plain, err := s.codes.issue(ctx, user.ID, loginSlot)
	if err != nil {
		return nil, err
	}

	if err := s.Delivery.Send(ctx, codeMessage(channel, to, plain, purposeLogin, s.codes.ttl)); err != nil {
		return result, deliveryError(err)
	}

	s.Audit.Record(ctx, user.ID, AuditCodeSent, map[string]interface{}{
		"purpose": string(purposeLogin),
		"channel": string(channel),
	})
	return result, nil
}

// VerifyLoginCode consumes a login code and finishes primary authentication.
func (s *AuthService) VerifyLoginCode(ctx context.Context, req VerifyLoginCodeRequest) (*LoginResult, error) {
	email := models.NormalizeEmail(req.Email)
	phone := strings.TrimSpace(req.Phone)

	var (
		user *models.User
		err  error
	)
	switch {
	case email != "":
		user, err = s.findByEmail(ctx, email)
	case phone != "":
		user, err = s.findByPhone(ctx, phone)
	default:
		return nil, ErrIdentifierRequired
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrInvalidCode
	}
	if err != nil {
		return nil, err
	}

	if err := s.codes.verify(ctx, user.ID, loginSlot, strings.TrimSpace(req.Code)); err != nil {
		if errors.Is(err, ErrTooManyAttempts) {
			s.Audit.Record(ctx, user.ID, AuditLocked, map[string]interface{}{"purpose": string(purposeLogin)})
		}
		return nil, err
	}

	// A signed-in identifier starts over with a full send window.
	identifier := email
	if identifier == "" {
		identifier = phone
	}
	if err := s.Limiter.Reset(ctx, identifier); err != nil {
		logger.Error("send_limiter_unavailable", err, nil)
	}

	if email != "" && !user.IsEmailVerified {
		if err := s.DB.WithContext(ctx).Model(user).UpdateColumn("is_email_verified", true).Error; err != nil {
			return nil, err
		}
		user.IsEmailVerified = true
	}

	return s.completePrimary(ctx, user, req.DeviceToken, "login_code")
}

// CompleteOAuthLogin finishes a login from a verified identity-provider
// profile. A profile without email fails before any user is touched.
func (s *AuthService) CompleteOAuthLogin(ctx context.Context, profile *SSOProfile, deviceToken string) (*OAuthResult, error) {
	if profile == nil || strings.TrimSpace(profile.Email) == "" {
		return nil, ErrMissingEmailClaim
	}

	user, isNew, err := s.SSO.FindOrCreateUser(ctx, profile)
	if err != nil {
		return nil, err
	}

	login, err := s.completePrimary(ctx, user, deviceToken, string(profile.Provider))
	if login == nil {
		return nil, err
	}
	return &OAuthResult{LoginResult: *login, IsNewUser: isNew}, err
}

// completePrimary runs the two-factor gate for an authenticated user and
// issues either a session token or a pending token. When the only failure is
// the second-factor send, the pending result is returned with the error.
func (s *AuthService) completePrimary(ctx context.Context, user *models.User, deviceToken, via string) (*LoginResult, error) {
	requires, gateErr := s.TwoFactor.RequiresSecondFactor(ctx, user, deviceToken)
	if gateErr != nil && !requires {
		return nil, gateErr
	}

	if requires {
		if gateErr != nil && !errors.Is(gateErr, ErrDeliveryFailed) {
			return nil, gateErr
		}

		tempToken, _, err := s.Tokens.GeneratePendingToken(user)
		if err != nil {
			return nil, fmt.Errorf("issue pending token: %w", err)
		}

		method := user.TwoFactorMethodOrDefault()
		s.Audit.Record(ctx, user.ID, AuditTwoFactorRequired, map[string]interface{}{
			"via":    via,
			"method": string(method),
		})

		return &LoginResult{
			State:             StatePendingTwoFactor,
			TempToken:         tempToken,
			RequiresTwoFactor: true,
			TwoFactorMethod:   method,
			User:              user,
		}, gateErr
	}

	token, claims, err := s.Tokens.GenerateToken(user)
	if err != nil {
		return nil, fmt.Errorf("issue session token: %w", err)
	}

	s.Audit.Record(ctx, user.ID, AuditLogin, map[string]interface{}{"via": via})
	logger.InfoWithUser(user.ID.String(), "user_login", map[string]interface{}{"via": via})

	expiresAt := claims.ExpiresAt.Time
	return &LoginResult{
		State:     StateAuthenticated,
		Token:     token,
		ExpiresAt: &expiresAt,
		User:      user,
	}, nil
}

// VerifyTwoFactor exchanges a pending token plus second-factor code for a
// session. The pending token is revoked on success so it cannot be replayed.
func (s *AuthService) VerifyTwoFactor(ctx context.Context, req TwoFactorRequest) (*TwoFactorResult, error) {
	claims, err := s.pendingClaims(ctx, req.TempToken)
	if err != nil {
		return nil, err
	}

	if err := s.TwoFactor.Verify(ctx, claims.UserID, strings.TrimSpace(req.Code)); err != nil {
		return nil, err
	}

	user, err := s.loadUser(ctx, claims.UserID)
	if err != nil {
		return nil, err
	}

	if err := s.Ledger.Revoke(ctx, req.TempToken, user.ID, claims.ExpiresAt.Time); err != nil {
		return nil, err
	}

	token, sessionClaims, err := s.Tokens.GenerateToken(user)
	if err != nil {
		return nil, fmt.Errorf("issue session token: %w", err)
	}

	result := &TwoFactorResult{
		State:     StateAuthenticated,
		Token:     token,
		ExpiresAt: sessionClaims.ExpiresAt.Time,
		User:      user,
	}

	if req.TrustDevice {
		deviceToken, device, err := s.TwoFactor.TrustDevice(ctx, user.ID, req.UserAgent)
		if err != nil {
			// The login itself succeeded; the client simply is not remembered.
			logger.ErrorWithUser(user.ID.String(), "trust_device_failed", err, nil)
		} else {
			result.DeviceToken = deviceToken
			result.DeviceExpiresAt = &device.ExpiresAt
		}
	}

	s.Audit.Record(ctx, user.ID, AuditTwoFactorVerified, map[string]interface{}{
		"method":         string(user.TwoFactorMethodOrDefault()),
		"trusted_device": result.DeviceToken != "",
	})
	return result, nil
}

// ResendTwoFactor issues a new second-factor code for a pending login.
func (s *AuthService) ResendTwoFactor(ctx context.Context, tempToken string) error {
	claims, err := s.pendingClaims(ctx, tempToken)
	if err != nil {
		return err
	}

	user, err := s.loadUser(ctx, claims.UserID)
	if err != nil {
		return err
	}
	if !user.TwoFactorEnabled {
		return ErrTwoFactorNotPending
	}

	if err := s.Limiter.Allow(ctx, "2fa:"+user.ID.String()); err != nil {
		if errors.Is(err, ErrRateLimited) {
			return err
		}
		logger.Error("send_limiter_unavailable", err, nil)
	}

	return s.TwoFactor.SendChallenge(ctx, user)
}

// Logout revokes token until its natural expiry.
func (s *AuthService) Logout(ctx context.Context, token string, claims *utils.Claims) error {
	if err := s.Ledger.Revoke(ctx, token, claims.UserID, claims.ExpiresAt.Time); err != nil {
		return err
	}
	s.Audit.Record(ctx, claims.UserID, AuditLogout, nil)
	logger.InfoWithUser(claims.UserID.String(), "user_logout", nil)
	return nil
}

// Authenticate validates a bearer session token: signature, expiry, the
// revocation ledger, then the owning user.
func (s *AuthService) Authenticate(ctx context.Context, token string) (*models.User, *utils.Claims, error) {
	claims, err := s.Tokens.ValidateToken(token)
	if err != nil {
		return nil, nil, tokenError(err)
	}

	revoked, err := s.Ledger.IsRevoked(ctx, token)
	if err != nil {
		return nil, nil, err
	}
	if revoked {
		return nil, nil, ErrRevoked
	}

	user, err := s.loadUser(ctx, claims.UserID)
	if err != nil {
		return nil, nil, err
	}
	return user, claims, nil
}

func (s *AuthService) pendingClaims(ctx context.Context, tempToken string) (*utils.Claims, error) {
	claims, err := s.Tokens.ValidatePendingToken(tempToken)
	if err != nil {
		return nil, tokenError(err)
	}

	revoked, err := s.Ledger.IsRevoked(ctx, tempToken)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, ErrRevoked
	}
	return claims, nil
}

func (s *AuthService) loadUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var user models.User
	if err := s.DB.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	return &user, nil
}

func (s *AuthService) findByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	if err := s.DB.WithContext(ctx).First(&user, "email = ?", email).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *AuthService) findByPhone(ctx context.Context, phone string) (*models.User, error) {
	var user models.User
	if err := s.DB.WithContext(ctx).First(&user, "phone = ?", phone).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *AuthService) findOrCreateByEmail(ctx context.Context, email string) (*models.User, error) {
	user, err := s.findByEmail(ctx, email)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	created := models.User{Email: email}
	if err := s.DB.WithContext(ctx).Create(&created).Error; err != nil {
		// Lost a race with a concurrent first request for the same email.
		if existing, findErr := s.findByEmail(ctx, email); findErr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	logger.InfoWithUser(created.ID.String(), "user_registered", map[string]interface{}{"via": "login_code"})
	return &created, nil
}
