package handlers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/hearthbudget/backend/internal/services"
	"github.com/hearthbudget/backend/pkg/logger"
	"github.com/hearthbudget/backend/pkg/utils"
)

type errorMapping struct {
	err    error
	status int
}

// authErrors maps service sentinels to HTTP statuses. The sentinel's own
// message is what clients see; wrapped detail stays in the logs.
var authErrors = []errorMapping{
	{services.ErrInvalidCode, fiber.StatusBadRequest},
	{services.ErrTooManyAttempts, fiber.StatusTooManyRequests},
	{services.ErrExpired, fiber.StatusUnauthorized},
	{services.ErrInvalidToken, fiber.StatusUnauthorized},
	{services.ErrRevoked, fiber.StatusUnauthorized},
	{services.ErrMissingEmailClaim, fiber.StatusBadRequest},
	{services.ErrRateLimited, fiber.StatusTooManyRequests},
	{services.ErrDeliveryFailed, fiber.StatusServiceUnavailable},
	{services.ErrIdentifierRequired, fiber.StatusBadRequest},
	{services.ErrPhoneRequired, fiber.StatusBadRequest},
	{services.ErrInvalidMethod, fiber.StatusBadRequest},
	{services.ErrTOTPNotEnrolled, fiber.StatusBadRequest},
	{services.ErrTwoFactorNotPending, fiber.StatusBadRequest},
	{services.ErrAccountLinkRequired, fiber.StatusConflict},
	{services.ErrOAuthDisabled, fiber.StatusNotFound},
}

func lookupAuthError(err error) (errorMapping, bool) {
	for _, m := range authErrors {
		if errors.Is(err, m.err) {
			return m, true
		}
	}
	return errorMapping{}, false
}

func writeAuthError(c *fiber.Ctx, err error) error {
	return writeAuthErrorWithData(c, err, nil)
}

// writeAuthErrorWithData is writeAuthError for failures that still hand the
// client state to continue with, such as a pending token after a failed send.
func writeAuthErrorWithData(c *fiber.Ctx, err error, data interface{}) error {
	m, ok := lookupAuthError(err)
	if !ok {
		logger.Error("auth_request_failed", err, map[string]interface{}{
			"path":   c.Path(),
			"method": c.Method(),
		})
		return utils.Error(c, fiber.StatusInternalServerError, "internal server error")
	}

	if m.err == services.ErrTooManyAttempts && data == nil {
		data = fiber.Map{"state": services.StateLocked}
	}
	if data != nil {
		return utils.ErrorWithData(c, m.status, m.err.Error(), data)
	}
	return utils.Error(c, m.status, m.err.Error())
}

func deviceCookie(name, value string, expires time.Time, secure bool) *fiber.Cookie {
	return &fiber.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Expires:  expires,
		HTTPOnly: true,
		Secure:   secure,
		SameSite: fiber.CookieSameSiteLaxMode,
	}
}
