package services

import (
	"errors"

	"github.com/hearthbudget/backend/pkg/utils"
)

var (
	ErrInvalidCode         = errors.New("invalid code")
	ErrTooManyAttempts     = errors.New("too many attempts, request a new code")
	ErrExpired             = errors.New("expired")
	ErrInvalidToken        = errors.New("invalid token")
	ErrRevoked             = errors.New("token has been revoked")
	ErrMissingEmailClaim   = errors.New("identity provider did not return an email")
	ErrDeliveryFailed      = errors.New("code delivery failed")
	ErrRateLimited         = errors.New("too many code requests")
	ErrTwoFactorNotPending = errors.New("no second factor is pending")
	ErrPhoneRequired       = errors.New("a phone number is required for sms codes")
	ErrTOTPNotEnrolled     = errors.New("authenticator app is not enrolled")
	ErrInvalidMethod       = errors.New("unsupported two-factor method")
	ErrIdentifierRequired  = errors.New("email or phone is required")
)

// tokenError maps issuer failures onto the auth taxonomy.
func tokenError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, utils.ErrTokenExpired):
		return ErrExpired
	default:
		return ErrInvalidToken
	}
}
