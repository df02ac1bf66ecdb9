package handlers

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/hearthbudget/backend/internal/config"
	"github.com/hearthbudget/backend/internal/middleware"
	"github.com/hearthbudget/backend/internal/models"
	"github.com/hearthbudget/backend/internal/services"
	"github.com/hearthbudget/backend/pkg/utils"
)

type AuthHandler struct {
	Auth      *services.AuthService
	TwoFactor *services.TwoFactorService
	Cfg       *config.Config
}

func NewAuthHandler(auth *services.AuthService, twoFactor *services.TwoFactorService, cfg *config.Config) *AuthHandler {
	return &AuthHandler{Auth: auth, TwoFactor: twoFactor, Cfg: cfg}
}

type LoginCodeRequest struct {
	Email string `json:"email"`
	Phone string `json:"phone"`
}

func (h *AuthHandler) RequestLoginCode(c *fiber.Ctx) error {
	var req LoginCodeRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	result, err := h.Auth.RequestLoginCode(c.UserContext(), services.LoginCodeRequest{
		Email: req.Email,
		Phone: req.Phone,
	})
	if err != nil {
		if errors.Is(err, services.ErrDeliveryFailed) && result != nil {
			return writeAuthErrorWithData(c, err, result)
		}
		return writeAuthError(c, err)
	}

	return utils.Success(c, fiber.StatusOK, result)
}

type VerifyLoginCodeRequest struct {
	Email       string `json:"email"`
	Phone       string `json:"phone"`
	Code        string `json:"code"`
	DeviceToken string `json:"deviceToken"`
}

func (h *AuthHandler) VerifyLoginCode(c *fiber.Ctx) error {
	var req VerifyLoginCodeRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Code) == "" {
		return utils.Error(c, fiber.StatusBadRequest, "code is required")
	}

	result, err := h.Auth.VerifyLoginCode(c.UserContext(), services.VerifyLoginCodeRequest{
		Email:       req.Email,
		Phone:       req.Phone,
		Code:        req.Code,
		DeviceToken: h.deviceToken(c, req.DeviceToken),
	})
	if err != nil {
		if errors.Is(err, services.ErrDeliveryFailed) && result != nil {
			return writeAuthErrorWithData(c, err, result)
		}
		return writeAuthError(c, err)
	}

	return utils.Success(c, fiber.StatusOK, result)
}

type VerifyTwoFactorRequest struct {
	TempToken   string `json:"tempToken"`
	Code        string `json:"code"`
	TrustDevice bool   `json:"trustDevice"`
}

func (h *AuthHandler) VerifyTwoFactor(c *fiber.Ctx) error {
	var req VerifyTwoFactorRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.TempToken == "" || strings.TrimSpace(req.Code) == "" {
		return utils.Error(c, fiber.StatusBadRequest, "tempToken and code are required")
	}

	result, err := h.Auth.VerifyTwoFactor(c.UserContext(), services.TwoFactorRequest{
		TempToken:   req.TempToken,
		Code:        req.Code,
		TrustDevice: req.TrustDevice,
		UserAgent:   c.Get(fiber.HeaderUserAgent),
	})
	if err != nil {
		return writeAuthError(c, err)
	}

	if result.DeviceToken != "" && result.DeviceExpiresAt != nil {
		c.Cookie(deviceCookie(h.Cfg.TwoFactor.DeviceCookieName, result.DeviceToken, *result.DeviceExpiresAt, !h.Cfg.IsDevelopment()))
	}

	return utils.Success(c, fiber.StatusOK, result)
}

type ResendTwoFactorRequest struct {
	TempToken string `json:"tempToken"`
}

func (h *AuthHandler) ResendTwoFactor(c *fiber.Ctx) error {
	var req ResendTwoFactorRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.TempToken == "" {
		return utils.Error(c, fiber.StatusBadRequest, "tempToken is required")
	}

	if err := h.Auth.ResendTwoFactor(c.UserContext(), req.TempToken); err != nil {
		return writeAuthError(c, err)
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{"sent": true})
}

func (h *AuthHandler) Logout(c *fiber.Ctx) error {
	if err := h.Auth.Logout(c.UserContext(), middleware.GetToken(c), middleware.GetClaims(c)); err != nil {
		return writeAuthError(c, err)
	}
	return utils.Success(c, fiber.StatusOK, fiber.Map{"loggedOut": true})
}

func (h *AuthHandler) Me(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}
	return utils.Success(c, fiber.StatusOK, user)
}

type UpdateTwoFactorRequest struct {
	Enabled bool   `json:"enabled"`
	Method  string `json:"method"`
}

func (h *AuthHandler) UpdateTwoFactor(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)

	var req UpdateTwoFactorRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	updated, err := h.TwoFactor.UpdateSettings(c.UserContext(), user.ID, req.Enabled, models.TwoFactorMethod(strings.ToLower(strings.TrimSpace(req.Method))))
	if err != nil {
		return writeAuthError(c, err)
	}

	return utils.Success(c, fiber.StatusOK, updated)
}

func (h *AuthHandler) TOTPSetup(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)

	secret, uri, err := h.TwoFactor.BeginTOTPEnrollment(c.UserContext(), user)
	if err != nil {
		return writeAuthError(c, err)
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"secret": secret,
		"qrUri":  uri,
	})
}

type TOTPConfirmRequest struct {
	Code string `json:"code"`
}

func (h *AuthHandler) TOTPConfirm(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)

	var req TOTPConfirmRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Code) == "" {
		return utils.Error(c, fiber.StatusBadRequest, "code is required")
	}

	updated, err := h.TwoFactor.ConfirmTOTPEnrollment(c.UserContext(), user.ID, strings.TrimSpace(req.Code))
	if err != nil {
		return writeAuthError(c, err)
	}

	return utils.Success(c, fiber.StatusOK, updated)
}

// ForgetDevices revokes every trusted device of the caller and clears the
// device cookie on this client.
func (h *AuthHandler) ForgetDevices(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)

	count, err := h.TwoFactor.RevokeDevices(c.UserContext(), user.ID)
	if err != nil {
		return writeAuthError(c, err)
	}

	c.Cookie(deviceCookie(h.Cfg.TwoFactor.DeviceCookieName, "", time.Unix(0, 0), !h.Cfg.IsDevelopment()))
	return utils.Success(c, fiber.StatusOK, fiber.Map{"revoked": count})
}

// deviceToken prefers the explicit body value over the cookie.
func (h *AuthHandler) deviceToken(c *fiber.Ctx, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	return c.Cookies(h.Cfg.TwoFactor.DeviceCookieName)
}
